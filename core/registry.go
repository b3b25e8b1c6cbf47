package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// directoryStateFile is the on-disk shape of <root>/directory/directory-state.json
// (§6.2).
type directoryStateFile struct {
	Relays           []RelayRecord `json:"relays"`
	CanonicalManifest ChainManifest `json:"canonicalManifest"`
}

// Registry is the directory-side relay registry (§4.4): upsert-by-onion,
// canonical manifest monotonic growth, sync-status diagnostics, reachability
// probing, and post-upsert broadcast. Its single-writer serialization is
// grounded on the teacher's BlockLedger mutex-guarded persistLocked pattern
// (core/ledger.go), reused here for the directory's own JSON store.
type Registry struct {
	log        *logrus.Logger
	path       string
	httpClient *http.Client

	mu        sync.RWMutex
	relays    map[string]*RelayRecord // keyed by onion
	canonical ChainManifest
}

// NewRegistry opens (or creates empty) the directory state file at
// <root>/directory/directory-state.json.
func NewRegistry(log *logrus.Logger, path string) (*Registry, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	reg := &Registry{
		log:        log,
		path:       path,
		httpClient: &http.Client{Timeout: 8 * time.Second},
		relays:     make(map[string]*RelayRecord),
	}
	if err := reg.load(); err != nil {
		return nil, err
	}
	return reg, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return transientIO("read directory state: %v", err)
	}
	var file directoryStateFile
	if err := json.Unmarshal(data, &file); err != nil {
		return invariantViolation("corrupt directory state: %v", err)
	}
	r.mu.Lock()
	for i := range file.Relays {
		rec := file.Relays[i]
		r.relays[rec.Onion] = &rec
	}
	r.canonical = file.CanonicalManifest
	r.mu.Unlock()
	return nil
}

func (r *Registry) persistLocked() error {
	relays := make([]RelayRecord, 0, len(r.relays))
	for _, rec := range r.relays {
		relays = append(relays, *rec)
	}
	data, err := json.MarshalIndent(directoryStateFile{Relays: relays, CanonicalManifest: r.canonical}, "", "  ")
	if err != nil {
		return invariantViolation("marshal directory state: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return transientIO("mkdir directory dir: %v", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return transientIO("write directory state tmp: %v", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return transientIO("rename directory state: %v", err)
	}
	return nil
}

func isLoopbackHost(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Upsert implements §4.4: merge-by-onion, public URL resolution, canonical
// manifest growth, and sync-status computation. clientAddr is the directly
// observed peer address of the inbound connection (empty if unknown).
func (r *Registry) Upsert(payload HeartbeatPayload, clientAddr string) (RelayRecord, error) {
	if payload.Onion == "" {
		return RelayRecord{}, invalidInput("onion is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := nowISO()
	rec, existing := r.relays[payload.Onion]
	if !existing {
		rec = &RelayRecord{
			ID:          payload.Onion,
			Onion:       payload.Onion,
			CreatedAt:   now,
			Fingerprint: payload.Fingerprint,
		}
		if rec.Fingerprint == "" {
			rec.Fingerprint = syntheticFingerprint(payload.Onion)
		}
		r.relays[payload.Onion] = rec
	}

	rec.PublicURL = payload.PublicURL
	rec.PublicAccessURL = payload.PublicAccessURL
	rec.Nickname = payload.Nickname
	rec.LastSeen = now
	rec.LastSeenIP = clientAddr
	rec.LatencyMs = payload.LatencyMs
	rec.Reachability = payload.Reachability
	rec.GFWBlocked = payload.GFWBlocked
	rec.ChainSummary = payload.ChainSummary
	if payload.Fingerprint != "" {
		rec.Fingerprint = payload.Fingerprint
	}

	// 1. Public URL resolution.
	resolved := rec.PublicURL
	if isLoopbackHost(rec.PublicURL) && clientAddr != "" && !isLoopbackHost(clientAddr) {
		resolved = substituteHost(rec.PublicURL, clientAddr)
	}
	rec.ConnectionMeta = ConnectionMeta{
		ReportedPublicURL: payload.PublicURL,
		ResolvedPublicURL: resolved,
		ObservedClientIP:  clientAddr,
	}
	rec.PublicURL = resolved

	// 2. Canonical manifest update.
	if rec.ChainSummary.Length > r.canonical.Length {
		r.canonical = rec.ChainSummary
	}

	// 3. Sync status.
	rec.SyncStatus = computeSyncStatus(rec.ChainSummary, r.canonical)

	if err := r.persistLocked(); err != nil {
		return RelayRecord{}, err
	}
	return *rec, nil
}

func substituteHost(rawURL, clientAddr string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	host := clientAddr
	if h, _, splitErr := net.SplitHostPort(clientAddr); splitErr == nil {
		host = h
	}
	if u.Port() != "" {
		u.Host = net.JoinHostPort(host, u.Port())
	} else {
		u.Host = host
	}
	return u.String()
}

// syntheticFingerprint is seeded only on the stable onion address (via
// uuid.NewSHA1, SPEC_FULL §10) so re-registration after a registry wipe
// yields the same synthesized identity rather than a fresh one each time.
func syntheticFingerprint(onion string) string {
	return "synthetic:" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(onion)).String()
}

// computeSyncStatus implements §4.4 step 3.
func computeSyncStatus(relay, canonical ChainManifest) SyncStatus {
	minLen := relay.Length
	if canonical.Length < minLen {
		minLen = canonical.Length
	}
	for i := 0; i < minLen; i++ {
		if relay.Hashes[i] != canonical.Hashes[i] {
			return SyncStatus{
				NeedsRepair:  true,
				MissingCount: canonical.Length - minLen,
				Details:      fmt.Sprintf("diverges from canonical at index %d", i),
			}
		}
	}
	if relay.Length < canonical.Length {
		return SyncStatus{NeedsSync: true, MissingCount: canonical.Length - relay.Length, Details: "behind canonical manifest"}
	}
	return SyncStatus{}
}

// ListRelays returns all known relays and the current canonical manifest,
// implementing the DirectoryLister interface the sync engine consumes.
func (r *Registry) ListRelays(ctx context.Context) ([]RelayRecord, ChainManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RelayRecord, 0, len(r.relays))
	for _, rec := range r.relays {
		out = append(out, *rec)
	}
	return out, r.canonical, nil
}

// Best returns the highest-scoring relay (excluding none — callers probing
// "best" don't exclude self), or false if none qualify.
func (r *Registry) Best() (RelayRecord, bool) {
	relays, manifest, _ := r.ListRelays(context.Background())
	peer := SelectPeer(relays, "", manifest.Length)
	if peer == nil {
		return RelayRecord{}, false
	}
	return *peer, true
}

// CanonicalManifest returns the directory's current canonical manifest.
func (r *Registry) CanonicalManifest() ChainManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canonical
}

// ProbeReachability implements §4.4's background poller: GET <url>/api/status
// on every relay with a publicUrl, concurrently and each bounded by timeout,
// and records latency/reachability/gfwBlocked. It returns once every probe
// has finished.
func (r *Registry) ProbeReachability(ctx context.Context, timeout time.Duration) {
	r.mu.RLock()
	targets := make([]*RelayRecord, 0, len(r.relays))
	for _, rec := range r.relays {
		if rec.PublicURL != "" {
			targets = append(targets, rec)
		}
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, rec := range targets {
		wg.Add(1)
		go func(rec *RelayRecord) {
			defer wg.Done()
			r.probeOne(ctx, rec, timeout)
		}(rec)
	}
	wg.Wait()
}

func (r *Registry) probeOne(ctx context.Context, rec *RelayRecord, timeout time.Duration) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, rec.PublicURL+"/api/status", nil)
	if err != nil {
		r.log.WithError(err).WithField("relay", rec.Onion).Warn("probe request build failed")
		return
	}
	resp, err := r.httpClient.Do(req)

	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.relays[rec.Onion]
	if !ok {
		return
	}
	target.MetricsSource = "probe"
	target.MetricsSampledAt = nowISO()

	if err != nil {
		reach := 0.0
		target.Reachability = &reach
		target.LatencyMs = nil
		target.GFWBlocked = isGFWLikeError(err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		elapsed := time.Since(start).Milliseconds()
		target.LatencyMs = &elapsed
		reach := 1.0
		target.Reachability = &reach
		target.GFWBlocked = false
		return
	}
	reach := 0.0
	target.Reachability = &reach
	target.LatencyMs = nil
	target.GFWBlocked = resp.StatusCode == http.StatusForbidden
}

// isGFWLikeError classifies a transport error per §4.4's documented class
// list {abort, connection reset, net-reset, refused, host-unreachable,
// timed-out}.
func isGFWLikeError(err error) bool {
	msg := strings.ToLower(err.Error())
	classes := []string{"abort", "connection reset", "reset by peer", "refused", "unreachable", "timed out", "timeout"}
	for _, c := range classes {
		if strings.Contains(msg, c) {
			return true
		}
	}
	return false
}

// BroadcastSync implements §4.4's post-upsert broadcast: asynchronously POST
// /api/sync to every other relay with a publicUrl. Failures are logged per
// target; no retries, no ordering guarantees.
func (r *Registry) BroadcastSync(ctx context.Context, exceptOnion string) {
	r.mu.RLock()
	targets := make([]string, 0, len(r.relays))
	for onion, rec := range r.relays {
		if onion != exceptOnion && rec.PublicURL != "" {
			targets = append(targets, rec.PublicURL)
		}
	}
	r.mu.RUnlock()

	for _, target := range targets {
		go func(url string) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/api/sync", nil)
			if err != nil {
				return
			}
			resp, err := r.httpClient.Do(req)
			if err != nil {
				r.log.WithError(err).WithField("target", url).Warn("broadcast sync failed")
				return
			}
			resp.Body.Close()
		}(target)
	}
}
