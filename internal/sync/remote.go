package sync

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/http2"

	"vaultd/internal/chunkstore"
	"vaultd/internal/digest"
	"vaultd/internal/snapshot"
)

// defaultRequestTimeout and defaultHandshakeTimeout match spec.md §5's
// named timeouts: "HTTP requests default to 120 s; the HTTP/2 h2-upgrade
// handshake has a short (10 s) timeout."
const (
	defaultRequestTimeout   = 120 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// Credentials selects one of the two wire auth forms spec.md §6 names.
type Credentials struct {
	// Ticket + CSRFToken: cookie PBSAuthCookie=<ticket> plus header
	// CSRFPreventionToken, for user sessions.
	Ticket    string
	CSRFToken string
	// APIToken: header "Authorization: PBSAPIToken <authid>:<secret>",
	// for API tokens. Takes precedence over Ticket if both are set.
	APIToken string
}

func (c Credentials) apply(req *http.Request) {
	if c.APIToken != "" {
		req.Header.Set("Authorization", "PBSAPIToken "+c.APIToken)
		return
	}
	if c.Ticket != "" {
		req.AddCookie(&http.Cookie{Name: "PBSAuthCookie", Value: c.Ticket})
		if c.CSRFToken != "" {
			req.Header.Set("CSRFPreventionToken", c.CSRFToken)
		}
	}
}

// RemoteSource pulls from a peer datastore's REST surface over HTTP/2
// (spec.md §4.8, §6). Endpoints and auth headers are as documented
// there; the client issues plain JSON GETs and treats a 404 on the
// namespace endpoint as the documented backwards-compat signal.
type RemoteSource struct {
	baseURL string // e.g. "https://peer.example:8007/api2/json"
	store   string
	client  *http.Client
	creds   Credentials
}

// RemoteConfig configures a RemoteSource.
type RemoteConfig struct {
	BaseURL          string
	Store            string
	Credentials      Credentials
	TLSConfig        *tls.Config
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
}

// NewRemoteSource builds an HTTP/2 client against a peer's REST API.
func NewRemoteSource(cfg RemoteConfig) *RemoteSource {
	reqTimeout := cfg.RequestTimeout
	if reqTimeout <= 0 {
		reqTimeout = defaultRequestTimeout
	}
	hsTimeout := cfg.HandshakeTimeout
	if hsTimeout <= 0 {
		hsTimeout = defaultHandshakeTimeout
	}
	dialer := &net.Dialer{Timeout: hsTimeout}
	transport := &http2.Transport{
		TLSClientConfig: cfg.TLSConfig,
		DialTLSContext: func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
			tlsDialer := tls.Dialer{NetDialer: dialer, Config: tlsCfg}
			return tlsDialer.DialContext(ctx, network, addr)
		},
	}
	return &RemoteSource{
		baseURL: cfg.BaseURL,
		store:   cfg.Store,
		creds:   cfg.Credentials,
		client:  &http.Client{Transport: transport, Timeout: reqTimeout},
	}
}

func (r *RemoteSource) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	u := r.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	r.creds.apply(req)
	return r.client.Do(req)
}

func (r *RemoteSource) getJSON(ctx context.Context, path string, query url.Values, dst any) error {
	resp, err := r.get(ctx, path, query)
	if err != nil {
		return fmt.Errorf("sync: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &httpStatusError{Path: path, Status: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("sync: decode %s response: %w", path, err)
	}
	return nil
}

// httpStatusError carries the response status of a failed REST call so
// callers (namely the namespace-enumeration 404 fallback) can branch on
// it without string-matching.
type httpStatusError struct {
	Path   string
	Status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("sync: %s: http %d", e.Path, e.Status)
}

func isNotFound(err error) bool {
	se, ok := err.(*httpStatusError)
	return ok && se.Status == http.StatusNotFound
}

type wireNamespace struct {
	NS      string  `json:"ns"`
	Comment *string `json:"comment,omitempty"`
}

func (r *RemoteSource) ListNamespaces(ctx context.Context, maxDepth int) ([]snapshot.Namespace, error) {
	q := url.Values{}
	if maxDepth > 0 {
		q.Set("max-depth", strconv.Itoa(maxDepth))
	}
	var out []wireNamespace
	err := r.getJSON(ctx, fmt.Sprintf("/admin/datastore/%s/namespace", r.store), q, &out)
	if err != nil {
		if isNotFound(err) {
			// Compatibility fallback (spec.md §4.8 step 1): a peer without
			// namespace support still has the implicit root namespace.
			root, perr := snapshot.ParseNamespace("")
			if perr != nil {
				return nil, perr
			}
			return []snapshot.Namespace{root}, nil
		}
		return nil, err
	}
	result := make([]snapshot.Namespace, 0, len(out))
	for _, w := range out {
		ns, err := snapshot.ParseNamespace(w.NS)
		if err != nil {
			continue
		}
		result = append(result, ns)
	}
	return result, nil
}

type wireGroup struct {
	Backup struct {
		Type string `json:"ty"`
		ID   string `json:"id"`
	} `json:"backup"`
}

func (r *RemoteSource) ListGroups(ctx context.Context, ns snapshot.Namespace) ([]snapshot.Group, error) {
	q := url.Values{}
	if !ns.IsRoot() {
		q.Set("ns", ns.String())
	}
	var out []wireGroup
	if err := r.getJSON(ctx, fmt.Sprintf("/admin/datastore/%s/groups", r.store), q, &out); err != nil {
		return nil, err
	}
	groups := make([]snapshot.Group, 0, len(out))
	for _, w := range out {
		groups = append(groups, snapshot.Group{Type: snapshot.BackupType(w.Backup.Type), ID: w.Backup.ID})
	}
	return groups, nil
}

type wireSnapshot struct {
	Backup struct {
		BackupTime int64 `json:"time"`
	} `json:"backup"`
}

func (r *RemoteSource) ListSnapshots(ctx context.Context, ns snapshot.Namespace, g snapshot.Group) ([]snapshot.Snapshot, error) {
	q := url.Values{"backup-type": {string(g.Type)}, "backup-id": {g.ID}}
	if !ns.IsRoot() {
		q.Set("ns", ns.String())
	}
	var out []wireSnapshot
	if err := r.getJSON(ctx, fmt.Sprintf("/admin/datastore/%s/snapshots", r.store), q, &out); err != nil {
		return nil, err
	}
	snaps := make([]snapshot.Snapshot, 0, len(out))
	for _, w := range out {
		snaps = append(snaps, snapshot.Snapshot{Namespace: ns, Group: g, Time: time.Unix(w.Backup.BackupTime, 0).UTC()})
	}
	return snaps, nil
}

func (r *RemoteSource) fetchRaw(ctx context.Context, path string, query url.Values) ([]byte, error) {
	resp, err := r.get(ctx, path, query)
	if err != nil {
		return nil, fmt.Errorf("sync: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{Path: path, Status: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

func snapshotQuery(s snapshot.Snapshot) url.Values {
	q := url.Values{
		"backup-type": {string(s.Group.Type)},
		"backup-id":   {s.Group.ID},
		"backup-time": {strconv.FormatInt(s.Time.Unix(), 10)},
	}
	if !s.Namespace.IsRoot() {
		q.Set("ns", s.Namespace.String())
	}
	return q
}

func (r *RemoteSource) FetchManifest(ctx context.Context, s snapshot.Snapshot) ([]byte, error) {
	return r.fetchRaw(ctx, fmt.Sprintf("/admin/datastore/%s/manifest", r.store), snapshotQuery(s))
}

func (r *RemoteSource) FetchFile(ctx context.Context, s snapshot.Snapshot, filename string) ([]byte, error) {
	q := snapshotQuery(s)
	q.Set("file-name", filename)
	return r.fetchRaw(ctx, fmt.Sprintf("/admin/datastore/%s/file", r.store), q)
}

func (r *RemoteSource) FetchChunk(ctx context.Context, d digest.Digest) ([]byte, error) {
	q := url.Values{"digest": {d.String()}}
	return r.fetchRaw(ctx, fmt.Sprintf("/admin/datastore/%s/chunk", r.store), q)
}

// SameStore is always false for a remote peer: chunk transfer can never
// be skipped across a network boundary.
func (r *RemoteSource) SameStore(target *chunkstore.Store) bool {
	return false
}

var _ Source = (*RemoteSource)(nil)
