// Package chunkstore implements the content-addressed chunk store (C1):
// a fan-out bucket directory of immutable, digest-keyed blob files with
// atomic insert, existence probing, atime-based liveness tracking, and a
// two-phase mark/sweep-friendly sweep operation. See spec.md §4.1.
package chunkstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"vaultd/internal/digest"
	"vaultd/internal/logging"
)

// ErrChunkMissing is returned when a referenced digest has no backing file.
var ErrChunkMissing = errors.New("chunkstore: chunk missing")

// ChunksDirName is the fixed subdirectory name holding the fan-out buckets.
const ChunksDirName = ".chunks"

const lockFileName = ".lock"
const gcStatusFileName = ".gc-status"

// maxChunkSize is the hard cap on a single chunk's plaintext size
// (spec.md §3, "up to a hard cap, ~16 MiB").
const maxChunkSize = 16 << 20

// Meta is the metadata returned by Stat.
type Meta struct {
	Digest digest.Digest
	Size   int64
	Atime  time.Time
}

// Store is a single datastore's chunk store rooted at <root>/.chunks.
// Safe for concurrent use; Insert/CondTouch take the shared process lock,
// Sweep takes the exclusive one, and Stat/Load take no lock.
type Store struct {
	root      string
	chunksDir string
	lock      *storeLock
	logger    *slog.Logger
	mirror    Mirror

	writersMu    sync.Mutex
	writers      map[string]time.Time // writer id -> registration time
}

// Config configures a new Store.
type Config struct {
	// Root is the datastore root directory; .chunks, .lock, and .gc-status
	// live directly under it.
	Root string
	// Logger is optional; defaults to a discard logger.
	Logger *slog.Logger
	// Mirror is an optional off-box copy of chunk content, consulted by
	// Load only after a local miss and written to best-effort by Insert.
	// Nil (the default) disables mirroring entirely.
	Mirror Mirror
}

// Open opens (creating if necessary) the chunk store rooted at cfg.Root.
func Open(cfg Config) (*Store, error) {
	chunksDir := filepath.Join(cfg.Root, ChunksDirName)
	if err := os.MkdirAll(chunksDir, 0o750); err != nil {
		return nil, fmt.Errorf("create chunks dir %s: %w", chunksDir, err)
	}

	lock, err := openStoreLock(filepath.Join(cfg.Root, lockFileName))
	if err != nil {
		return nil, err
	}

	return &Store{
		root:      cfg.Root,
		chunksDir: chunksDir,
		lock:      lock,
		logger:    logging.Default(cfg.Logger).With("component", "chunkstore"),
		mirror:    cfg.Mirror,
		writers:   make(map[string]time.Time),
	}, nil
}

// Close releases the store's lock file descriptor.
func (s *Store) Close() error {
	return s.lock.Close()
}

// Root returns the datastore root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) bucketDir(d digest.Digest) string {
	return filepath.Join(s.chunksDir, d.Bucket())
}

func (s *Store) chunkPath(d digest.Digest) string {
	return filepath.Join(s.bucketDir(d), d.String())
}

// RegisterWriter records that a backup writer identified by id has begun a
// session, publishing its start time as an input to GC's safety margin
// (spec.md §4.1, §4.5 "oldest_writer"). The returned func must be called
// exactly once when the writer's session ends (success or abort).
func (s *Store) RegisterWriter(id string) (unregister func()) {
	now := time.Now()
	s.writersMu.Lock()
	s.writers[id] = now
	s.writersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.writersMu.Lock()
			delete(s.writers, id)
			s.writersMu.Unlock()
		})
	}
}

// OldestWriterTime returns the earliest registration time among currently
// active writers, or the current time if there are none.
func (s *Store) OldestWriterTime() time.Time {
	s.writersMu.Lock()
	defer s.writersMu.Unlock()
	oldest := time.Now()
	for _, t := range s.writers {
		if t.Before(oldest) {
			oldest = t
		}
	}
	return oldest
}

// Insert atomically writes blob under digest d iff no chunk with that
// digest already exists. On a race where two callers insert the same
// digest concurrently, exactly one write wins; both return success, the
// loser with inserted=false. Takes the shared process lock.
func (s *Store) Insert(d digest.Digest, blob []byte) (inserted bool, storedBytes uint64, err error) {
	if len(blob) == 0 {
		return false, 0, errors.New("chunkstore: empty blob")
	}

	if err := s.lock.Shared(); err != nil {
		return false, 0, err
	}
	defer s.lock.Unlock()

	bucket := s.bucketDir(d)
	if err := os.MkdirAll(bucket, 0o750); err != nil {
		return false, 0, fmt.Errorf("create bucket %s: %w", bucket, err)
	}

	final := s.chunkPath(d)
	if _, err := os.Stat(final); err == nil {
		// Already present; still bump atime, it's a live reference.
		_ = touchAtime(final)
		s.mirrorPut(d, blob)
		return false, uint64(len(blob)), nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, 0, fmt.Errorf("stat %s: %w", final, err)
	}

	tmp, err := os.CreateTemp(bucket, ".tmp-*")
	if err != nil {
		return false, 0, fmt.Errorf("create temp chunk: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return false, 0, fmt.Errorf("write temp chunk: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return false, 0, fmt.Errorf("sync temp chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return false, 0, fmt.Errorf("close temp chunk: %w", err)
	}

	// Link, unlike rename, never replaces an existing file, so of several
	// writers racing past the Stat above exactly one gets the chunk into
	// place; the others see EEXIST and report a benign loss.
	err = os.Link(tmpName, final)
	os.Remove(tmpName)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			s.mirrorPut(d, blob)
			return false, uint64(len(blob)), nil
		}
		return false, 0, fmt.Errorf("link temp chunk into place: %w", err)
	}

	s.mirrorPut(d, blob)
	return true, uint64(len(blob)), nil
}

// CondTouch updates the chunk's atime if present and reports whether it
// exists. If assertExists is true and the chunk is missing, returns
// ErrChunkMissing.
func (s *Store) CondTouch(d digest.Digest, assertExists bool) (exists bool, err error) {
	if err := s.lock.Shared(); err != nil {
		return false, err
	}
	defer s.lock.Unlock()

	path := s.chunkPath(d)
	if err := touchAtime(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if assertExists {
				return false, ErrChunkMissing
			}
			return false, nil
		}
		return false, fmt.Errorf("touch %s: %w", path, err)
	}
	return true, nil
}

// TouchBadSiblings bumps the atime of every "<digest>.N.bad" file sharing
// d's bucket, so evidence of prior corruption on a still-referenced digest
// survives a sweep even when the live chunk itself is gone (spec.md §4.1:
// bad-files referenced by a retained chunk's base name are preserved).
func (s *Store) TouchBadSiblings(d digest.Digest) error {
	bucket := s.bucketDir(d)
	entries, err := os.ReadDir(bucket)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read bucket %s: %w", bucket, err)
	}
	prefix := d.String()
	for _, ent := range entries {
		if ent.IsDir() || baseDigestName(ent.Name()) != prefix || !isBadName(ent.Name()) {
			continue
		}
		if err := touchAtime(filepath.Join(bucket, ent.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("touch %s: %w", ent.Name(), err)
		}
	}
	return nil
}

// Stat returns metadata for a chunk, or ErrChunkMissing.
func (s *Store) Stat(d digest.Digest) (Meta, error) {
	path := s.chunkPath(d)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Meta{}, ErrChunkMissing
		}
		return Meta{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return Meta{
		Digest: d,
		Size:   info.Size(),
		Atime:  atimeOf(info),
	}, nil
}

// Inode returns the chunk file's inode number, used by the verifier to
// sort chunk reads into ascending physical order on spinning disks
// (spec.md §4.6, the `chunk-order: inode` tunable).
func (s *Store) Inode(d digest.Digest) (uint64, error) {
	path := s.chunkPath(d)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrChunkMissing
		}
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino, nil
	}
	return 0, nil
}

// Load reads the raw framed blob bytes for a chunk. Decoding the blob
// framing (raw/compressed/encrypted) is the caller's responsibility via
// the blob package.
func (s *Store) Load(d digest.Digest) ([]byte, error) {
	path := s.chunkPath(d)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s.mirrorGet(d)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// Entry describes one file encountered by Iter.
type Entry struct {
	Path   string
	Name   string
	Digest digest.Digest
	Valid  bool // whether Name, less any ".N.bad" suffix, parses as a digest
	Bad    bool // whether Name has a ".N.bad" suffix
	Size   int64
	Atime  time.Time
}

// Iter calls fn for every file under .chunks, in bucket order. Names that
// don't parse as a digest are reported with Valid=false; "<digest>.N.bad"
// files are reported with Valid=true and Bad=true. Iter deletes nothing
// (spec.md §4.1).
func (s *Store) Iter(fn func(Entry) error) error {
	entries, err := os.ReadDir(s.chunksDir)
	if err != nil {
		return fmt.Errorf("read chunks dir: %w", err)
	}
	for _, bucketEnt := range entries {
		if !bucketEnt.IsDir() {
			continue
		}
		bucketPath := filepath.Join(s.chunksDir, bucketEnt.Name())
		files, err := os.ReadDir(bucketPath)
		if err != nil {
			return fmt.Errorf("read bucket %s: %w", bucketPath, err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			info, err := f.Info()
			if err != nil {
				return fmt.Errorf("stat %s: %w", f.Name(), err)
			}
			e := Entry{
				Path: filepath.Join(bucketPath, f.Name()),
				Name: f.Name(),
				Size: info.Size(),
				Atime: atimeOf(info),
			}
			if d, parseErr := digest.Parse(baseDigestName(f.Name())); parseErr == nil {
				e.Digest = d
				e.Valid = true
				e.Bad = isBadName(f.Name())
			}
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// baseDigestName strips a trailing ".N.bad" suffix, if present, returning
// the leading digest-shaped portion of the filename.
func baseDigestName(name string) string {
	if i := indexBadSuffix(name); i >= 0 {
		return name[:i]
	}
	return name
}

func isBadName(name string) bool {
	return indexBadSuffix(name) >= 0
}

// indexBadSuffix returns the index where a ".N.bad" suffix begins, or -1.
func indexBadSuffix(name string) int {
	const suffix = ".bad"
	if len(name) < len(suffix) || name[len(name)-len(suffix):] != suffix {
		return -1
	}
	rest := name[:len(name)-len(suffix)]
	dot := -1
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == '.' {
			dot = i
			break
		}
	}
	if dot < 0 {
		return -1
	}
	numPart := rest[dot+1:]
	if numPart == "" {
		return -1
	}
	for _, c := range numPart {
		if c < '0' || c > '9' {
			return -1
		}
	}
	return dot
}

// MarkBad renames a corrupt chunk file to "<digest>.N.bad" where N is the
// smallest non-colliding integer >= 0 (spec.md §4.6, §8 scenario 3).
func (s *Store) MarkBad(d digest.Digest) (newPath string, err error) {
	path := s.chunkPath(d)
	bucket := s.bucketDir(d)
	for n := 0; ; n++ {
		candidate := filepath.Join(bucket, fmt.Sprintf("%s.%d.bad", d.String(), n))
		if _, statErr := os.Stat(candidate); errors.Is(statErr, fs.ErrNotExist) {
			if err := os.Rename(path, candidate); err != nil {
				return "", fmt.Errorf("rename %s to %s: %w", path, candidate, err)
			}
			return candidate, nil
		}
	}
}

func touchAtime(path string) error {
	now := time.Now()
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.Chtimes(path, now, modTimeOf(info))
}

func modTimeOf(info os.FileInfo) time.Time {
	return info.ModTime()
}

func atimeOf(info os.FileInfo) time.Time {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return time.Unix(st.Atim.Sec, st.Atim.Nsec)
	}
	return info.ModTime()
}

var _ io.Closer = (*Store)(nil)
