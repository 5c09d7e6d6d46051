package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"vaultd/internal/blob"
	"vaultd/internal/callgroup"
	"vaultd/internal/chunkstore"
	"vaultd/internal/digest"
	"vaultd/internal/index"
	"vaultd/internal/logging"
	"vaultd/internal/snapshot"
)

// defaultChunkWorkers is the verify-and-write worker pool's fixed degree
// (spec.md §4.8 step 6c: "a fixed degree (e.g. 4)").
const defaultChunkWorkers = 4

// ProgressFunc receives a progress tick after each completed snapshot
// (spec.md §4.8 "Progress reporting").
type ProgressFunc func(doneGroups, totalGroups, doneSnapshots, totalSnapshotsInGroup int)

// Config configures one Puller run.
type Config struct {
	Source Source

	Target      *snapshot.Datastore
	TargetStore *chunkstore.Store

	SourceRoot   snapshot.Namespace
	TargetPrefix snapshot.Namespace
	MaxDepth     int // 0 = no extra cap beyond MaxNamespaceDepth

	Filters GroupFilters

	// Owner is the authid the pull runs as; a target group's existing
	// owner must match it or that group is skipped (spec.md §4.8 step 4).
	Owner string

	TransferLast    int
	CreateNamespace bool
	RemoveVanished  bool

	ChunkWorkers int
	Logger       *slog.Logger
	Progress     ProgressFunc
}

// GroupError records a group- or namespace-scoped failure that did not
// abort the whole run (spec.md §4.8 "Errors are accumulated").
type GroupError struct {
	Namespace snapshot.Namespace
	Group     snapshot.Group
	Err       error
}

func (e GroupError) Error() string {
	return fmt.Sprintf("sync: %s/%s: %v", e.Namespace, e.Group, e.Err)
}

// Result summarizes one Puller.Run call.
type Result struct {
	SnapshotsPulled  int
	SnapshotsSkipped int
	Errors           []GroupError
}

// Failed reports whether any group or namespace reported an error
// (spec.md §4.8: "the whole sync returns 'failed with some errors' if
// any group or namespace reported an error").
func (r Result) Failed() bool {
	return len(r.Errors) > 0
}

// Puller drives the top-level pull sequence of spec.md §4.8.
type Puller struct {
	cfg    Config
	logger *slog.Logger
	dedup  callgroup.Group[digest.Digest]
}

// nsJob pairs a source namespace with its mapped target namespace.
type nsJob struct {
	srcNS, tgtNS snapshot.Namespace
}

// New returns a Puller for one run's configuration.
func New(cfg Config) *Puller {
	if cfg.ChunkWorkers <= 0 {
		cfg.ChunkWorkers = defaultChunkWorkers
	}
	return &Puller{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "sync"),
	}
}

// Run executes one full pull pass and returns an accumulated result.
// A failed source namespace listing, a namespace-mapping failure (spec.md
// §8 scenario 6) or a cancelled context aborts the entire run; group- and
// namespace-scoped failures are recorded in Result.Errors and the run
// continues.
func (p *Puller) Run(ctx context.Context) (Result, error) {
	var res Result

	maxDepth := p.cfg.MaxDepth
	if maxDepth <= 0 || maxDepth > snapshot.MaxNamespaceDepth {
		maxDepth = snapshot.MaxNamespaceDepth
	}

	namespaces, err := p.cfg.Source.ListNamespaces(ctx, maxDepth)
	if err != nil {
		return res, fmt.Errorf("sync: list namespaces: %w", err)
	}

	jobs := make([]nsJob, 0, len(namespaces))
	for _, ns := range namespaces {
		mapped, err := snapshot.MapPrefix(p.cfg.SourceRoot, p.cfg.TargetPrefix, ns)
		if err != nil {
			// spec.md §8 scenario 6: a namespace that would require an
			// invalid mapping aborts the whole pull early rather than
			// partially transferring.
			return res, fmt.Errorf("sync: map namespace %s: %w", ns, err)
		}
		jobs = append(jobs, nsJob{srcNS: ns, tgtNS: mapped})
	}

	totalGroups := 0
	doneGroups := 0

	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if !p.targetNamespaceExists(j.tgtNS) {
			if !p.cfg.CreateNamespace {
				p.logger.Info("skipping namespace: target missing and create not permitted", "namespace", j.tgtNS)
				continue
			}
			// Ancestry is created implicitly by the first group/snapshot
			// write below (Datastore.CreateLockedBackupGroup MkdirAlls its
			// parent); nothing to do here but allow it through.
		}

		groups, err := p.cfg.Source.ListGroups(ctx, j.srcNS)
		if err != nil {
			res.Errors = append(res.Errors, GroupError{Namespace: j.srcNS, Err: err})
			continue
		}

		for _, g := range groups {
			if !p.cfg.Filters.Allowed(g) {
				continue
			}
			totalGroups++
			if err := p.pullGroup(ctx, j.srcNS, j.tgtNS, g, &res, doneGroups, totalGroups); err != nil {
				res.Errors = append(res.Errors, GroupError{Namespace: j.srcNS, Group: g, Err: err})
			}
			doneGroups++
		}
	}

	if p.cfg.RemoveVanished {
		p.removeVanished(ctx, jobs, &res)
	}

	return res, nil
}

func (p *Puller) targetNamespaceExists(ns snapshot.Namespace) bool {
	if ns.IsRoot() {
		return true
	}
	_, err := os.Stat(filepath.Join(p.cfg.Target.Root(), ns.OnDiskPath()))
	return err == nil
}

func (p *Puller) pullGroup(ctx context.Context, srcNS, tgtNS snapshot.Namespace, g snapshot.Group, res *Result, doneGroups, totalGroups int) error {
	currentOwner, lock, err := p.cfg.Target.CreateLockedBackupGroup(tgtNS, g, p.cfg.Owner)
	if err != nil {
		return fmt.Errorf("lock group: %w", err)
	}
	defer lock.Release()

	if currentOwner != p.cfg.Owner {
		return fmt.Errorf("%w: group owned by %q, pulling as %q", snapshot.ErrNotOwner, currentOwner, p.cfg.Owner)
	}

	remote, err := p.cfg.Source.ListSnapshots(ctx, srcNS, g)
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}
	sort.Slice(remote, func(i, j int) bool { return remote[i].Time.Before(remote[j].Time) })

	local, err := p.cfg.Target.ListSnapshots(tgtNS, g)
	if err != nil {
		return fmt.Errorf("list local snapshots: %w", err)
	}
	var latestLocal time.Time
	if len(local) > 0 {
		latestLocal = local[len(local)-1].Time
	}

	candidates := selectCandidates(remote, latestLocal, p.cfg.TransferLast)
	if len(candidates) == 0 && len(remote) > 0 {
		p.logger.Warn("remote has no snapshots newer than the local latest; nothing to sync", "namespace", tgtNS, "group", g)
	}

	total := len(candidates)
	for i, s := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		sourceSnap := snapshot.Snapshot{Namespace: srcNS, Group: g, Time: s.Time}
		targetSnap := snapshot.Snapshot{Namespace: tgtNS, Group: g, Time: s.Time}

		pulled, err := p.pullSnapshot(ctx, sourceSnap, targetSnap)
		if err != nil {
			res.Errors = append(res.Errors, GroupError{Namespace: tgtNS, Group: g, Err: fmt.Errorf("snapshot %s: %w", targetSnap.DirName(), err)})
			continue
		}
		if pulled {
			res.SnapshotsPulled++
		} else {
			res.SnapshotsSkipped++
		}
		if p.cfg.Progress != nil {
			p.cfg.Progress(doneGroups, totalGroups, i+1, total)
		}
	}
	return nil
}

// selectCandidates drops already-synced snapshots and applies
// transfer_last, always preserving the anchor snapshot that matches
// latestLocal exactly (spec.md §4.8 step 5).
func selectCandidates(remoteAsc []snapshot.Snapshot, latestLocal time.Time, transferLast int) []snapshot.Snapshot {
	var candidates []snapshot.Snapshot
	for _, s := range remoteAsc {
		if !latestLocal.IsZero() && s.Time.Before(latestLocal) {
			continue
		}
		candidates = append(candidates, s)
	}
	if transferLast <= 0 || len(candidates) == 0 {
		return candidates
	}

	var anchor *snapshot.Snapshot
	var rest []snapshot.Snapshot
	for i := range candidates {
		if !latestLocal.IsZero() && candidates[i].Time.Equal(latestLocal) {
			anchor = &candidates[i]
			continue
		}
		rest = append(rest, candidates[i])
	}
	if len(rest) > transferLast {
		rest = rest[len(rest)-transferLast:]
	}

	out := make([]snapshot.Snapshot, 0, len(rest)+1)
	if anchor != nil {
		out = append(out, *anchor)
	}
	out = append(out, rest...)
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// pullSnapshot runs step 6 for one snapshot. pulled reports whether any
// new content was actually fetched (false means a manifest bytes-match
// skip).
func (p *Puller) pullSnapshot(ctx context.Context, source, target snapshot.Snapshot) (pulled bool, err error) {
	manifestPath := filepath.Join(p.cfg.Target.Root(), target.ManifestRelPath())
	isNew, lock, err := p.cfg.Target.CreateLockedBackupDir(target)
	if err != nil {
		return false, fmt.Errorf("create local snapshot dir: %w", err)
	}
	defer lock.Release()

	var createdFresh bool
	defer func() {
		if createdFresh && err != nil {
			// Failure after creating a new snapshot directory: remove it
			// to avoid a half-materialized snapshot (spec.md §4.8
			// "Failure semantics per snapshot").
			snapDir := filepath.Dir(filepath.Join(p.cfg.Target.Root(), target.ManifestRelPath()))
			if rmErr := os.RemoveAll(snapDir); rmErr != nil {
				p.logger.Error("failed to clean up half-materialized snapshot", "snapshot", target, "error", rmErr)
			}
		}
	}()

	remoteManifestBytes, err := p.cfg.Source.FetchManifest(ctx, source)
	if err != nil {
		createdFresh = isNew
		return false, fmt.Errorf("fetch manifest: %w", err)
	}

	if existing, rerr := os.ReadFile(manifestPath); rerr == nil {
		if string(existing) == string(remoteManifestBytes) {
			return false, nil
		}
	}
	createdFresh = isNew

	var manifest snapshot.Manifest
	if err := json.Unmarshal(remoteManifestBytes, &manifest); err != nil {
		return false, fmt.Errorf("parse manifest: %w", err)
	}

	for _, fe := range manifest.Files {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if err := p.pullFile(ctx, source, target, fe); err != nil {
			return false, fmt.Errorf("file %s: %w", fe.Filename, err)
		}
	}

	if err := snapshot.WriteManifest(manifestPath, manifest); err != nil {
		return false, fmt.Errorf("write manifest: %w", err)
	}

	if err := p.cleanupUnreferenced(target, manifest); err != nil {
		p.logger.Warn("cleanup unreferenced files failed", "snapshot", target, "error", err)
	}

	return true, nil
}

func (p *Puller) pullFile(ctx context.Context, source, target snapshot.Snapshot, fe snapshot.FileEntry) error {
	localPath := filepath.Join(p.cfg.Target.Root(), target.FileRelPath(fe.Filename))

	if existing, err := os.ReadFile(localPath); err == nil {
		if checksumMatches(existing, fe.Checksum) {
			return nil
		}
	}

	if index.IsIndexFile(fe.Filename) {
		return p.pullIndexFile(ctx, source, localPath, fe)
	}
	raw, err := p.cfg.Source.FetchFile(ctx, source, fe.Filename)
	if err != nil {
		return err
	}
	return writeAtomic(localPath, raw)
}

func checksumMatches(data []byte, want string) bool {
	if want == "" {
		return false
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) == want
}

func (p *Puller) pullIndexFile(ctx context.Context, source snapshot.Snapshot, localPath string, fe snapshot.FileEntry) error {
	raw, err := p.cfg.Source.FetchFile(ctx, source, fe.Filename)
	if err != nil {
		return err
	}

	tmpPath := localPath + ".pull-tmp"
	if err := os.WriteFile(tmpPath, raw, 0o640); err != nil {
		return fmt.Errorf("write index: %w", err)
	}

	idx, err := index.Open(tmpPath, fe.Filename)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("open fetched index: %w", err)
	}
	defer idx.Close()

	if csum := idx.ComputeCSUM(); fe.Checksum != "" && csum.String() != fe.Checksum {
		os.Remove(tmpPath)
		return fmt.Errorf("index checksum mismatch: got %s want %s", csum, fe.Checksum)
	}

	if err := p.transferChunks(ctx, source, idx); err != nil {
		os.Remove(tmpPath)
		return err
	}

	idx.Close()
	return os.Rename(tmpPath, localPath)
}

// transferChunks runs the verify-and-write worker pool of spec.md §4.8
// step 6c: fixed degree, callgroup-deduplicated within this session.
func (p *Puller) transferChunks(ctx context.Context, source snapshot.Snapshot, idx index.Index) error {
	if p.cfg.Source.SameStore(p.cfg.TargetStore) {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.ChunkWorkers)

	for i := 0; i < idx.Count(); i++ {
		d := idx.Digest(i)
		g.Go(func() error {
			return p.fetchAndInsert(gctx, d)
		})
	}
	return g.Wait()
}

func (p *Puller) fetchAndInsert(ctx context.Context, d digest.Digest) error {
	if _, err := p.cfg.TargetStore.Stat(d); err == nil {
		return nil // already present locally
	} else if !errors.Is(err, chunkstore.ErrChunkMissing) {
		return err
	}

	ch := p.dedup.DoChan(d, func() error {
		raw, err := p.cfg.Source.FetchChunk(context.WithoutCancel(ctx), d)
		if err != nil {
			return fmt.Errorf("fetch chunk %s: %w", d, err)
		}
		if err := blob.VerifyUnencrypted(raw, d); err != nil {
			return fmt.Errorf("chunk %s: %w", d, err)
		}
		if _, _, err := p.cfg.TargetStore.Insert(d, raw); err != nil {
			return fmt.Errorf("insert chunk %s: %w", d, err)
		}
		return nil
	})

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".pull-tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// cleanupUnreferenced removes files under the snapshot directory that
// the manifest no longer lists (spec.md §4.8 step 6d).
func (p *Puller) cleanupUnreferenced(s snapshot.Snapshot, manifest snapshot.Manifest) error {
	keep := map[string]bool{
		"index.json.blob": true,
		".lock":           true,
		".protected":      true,
		".verify-state":   true,
	}
	for _, fe := range manifest.Files {
		keep[fe.Filename] = true
	}

	dir := filepath.Dir(filepath.Join(p.cfg.Target.Root(), s.ManifestRelPath()))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if keep[e.Name()] || strings.HasSuffix(e.Name(), ".pull-tmp") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// removeVanished implements spec.md §4.8 step 7: snapshots absent on the
// remote are removed locally (protected ones skipped), then empty
// namespaces beyond the target prefix are pruned bottom-up.
func (p *Puller) removeVanished(ctx context.Context, jobs []nsJob, res *Result) {
	for _, j := range jobs {
		groups, err := p.cfg.Target.ListGroups(j.tgtNS)
		if err != nil {
			res.Errors = append(res.Errors, GroupError{Namespace: j.tgtNS, Err: err})
			continue
		}
		for _, g := range groups {
			if !p.cfg.Filters.Allowed(g) {
				continue
			}
			if err := p.removeVanishedInGroup(ctx, j.srcNS, j.tgtNS, g); err != nil {
				res.Errors = append(res.Errors, GroupError{Namespace: j.tgtNS, Group: g, Err: err})
			}
		}
	}

	for i := len(jobs) - 1; i >= 0; i-- {
		ns := jobs[i].tgtNS
		if ns.Equal(p.cfg.TargetPrefix) {
			continue
		}
		if err := p.cfg.Target.RemoveNamespaceRecursive(ns, false); err != nil && !errors.Is(err, snapshot.ErrNotEmpty) {
			res.Errors = append(res.Errors, GroupError{Namespace: ns, Err: err})
		}
	}
}

func (p *Puller) removeVanishedInGroup(ctx context.Context, srcNS, tgtNS snapshot.Namespace, g snapshot.Group) error {
	remote, err := p.cfg.Source.ListSnapshots(ctx, srcNS, g)
	if err != nil {
		return err
	}
	present := make(map[time.Time]bool, len(remote))
	for _, s := range remote {
		present[s.Time] = true
	}

	local, err := p.cfg.Target.ListSnapshots(tgtNS, g)
	if err != nil {
		return err
	}
	for _, s := range local {
		if present[s.Time] {
			continue
		}
		if err := p.cfg.Target.RemoveBackupDir(s, false); err != nil {
			if errors.Is(err, snapshot.ErrProtected) {
				continue
			}
			return err
		}
	}
	return nil
}
