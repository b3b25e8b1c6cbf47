package core

import (
	"path/filepath"
	"testing"
)

func tmpRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(nil, filepath.Join(t.TempDir(), "directory-state.json"))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg
}

func TestUpsertCreatesNewRelay(t *testing.T) {
	reg := tmpRegistry(t)
	rec, err := reg.Upsert(HeartbeatPayload{
		Onion:     "abc.onion",
		PublicURL: "http://abc.onion:8080",
		ChainSummary: ChainManifest{Length: 2, Hashes: []string{"g", "h1"}, LatestHash: "h1"},
	}, "203.0.113.5:1234")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if rec.ID != "abc.onion" || rec.CreatedAt == "" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if reg.CanonicalManifest().Length != 2 {
		t.Fatalf("canonical length=%d want 2", reg.CanonicalManifest().Length)
	}
}

func TestUpsertResolvesLoopbackPublicURL(t *testing.T) {
	reg := tmpRegistry(t)
	rec, err := reg.Upsert(HeartbeatPayload{
		Onion:     "loop.onion",
		PublicURL: "http://127.0.0.1:8080",
		ChainSummary: ChainManifest{Length: 1, Hashes: []string{"g"}, LatestHash: "g"},
	}, "198.51.100.9:4000")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if rec.PublicURL != "http://198.51.100.9:8080" {
		t.Fatalf("resolved url=%q", rec.PublicURL)
	}
	if rec.ConnectionMeta.ReportedPublicURL != "http://127.0.0.1:8080" {
		t.Fatalf("reported url lost: %+v", rec.ConnectionMeta)
	}
}

func TestUpsertFlagsNeedsSync(t *testing.T) {
	reg := tmpRegistry(t)
	reg.Upsert(HeartbeatPayload{
		Onion: "leader.onion", PublicURL: "http://leader",
		ChainSummary: ChainManifest{Length: 3, Hashes: []string{"g", "a", "b"}, LatestHash: "b"},
	}, "")
	rec, _ := reg.Upsert(HeartbeatPayload{
		Onion: "behind.onion", PublicURL: "http://behind",
		ChainSummary: ChainManifest{Length: 1, Hashes: []string{"g"}, LatestHash: "g"},
	}, "")
	if !rec.SyncStatus.NeedsSync {
		t.Fatalf("expected needsSync, got %+v", rec.SyncStatus)
	}
}

func TestUpsertFlagsNeedsRepairOnDivergence(t *testing.T) {
	reg := tmpRegistry(t)
	reg.Upsert(HeartbeatPayload{
		Onion: "leader.onion", PublicURL: "http://leader",
		ChainSummary: ChainManifest{Length: 2, Hashes: []string{"g", "a"}, LatestHash: "a"},
	}, "")
	rec, _ := reg.Upsert(HeartbeatPayload{
		Onion: "forked.onion", PublicURL: "http://forked",
		ChainSummary: ChainManifest{Length: 2, Hashes: []string{"g", "zzz"}, LatestHash: "zzz"},
	}, "")
	if !rec.SyncStatus.NeedsRepair {
		t.Fatalf("expected needsRepair, got %+v", rec.SyncStatus)
	}
}

func TestBestReturnsHighestScoring(t *testing.T) {
	reg := tmpRegistry(t)
	reg.Upsert(HeartbeatPayload{Onion: "a.onion", PublicURL: "http://a", LatencyMs: i64(2500),
		ChainSummary: ChainManifest{Length: 1, Hashes: []string{"g"}}}, "")
	reg.Upsert(HeartbeatPayload{Onion: "b.onion", PublicURL: "http://b", LatencyMs: i64(10),
		ChainSummary: ChainManifest{Length: 1, Hashes: []string{"g"}}}, "")

	best, ok := reg.Best()
	if !ok || best.Onion != "b.onion" {
		t.Fatalf("got %+v ok=%v", best, ok)
	}
}

func TestUpsertRejectsMissingOnion(t *testing.T) {
	reg := tmpRegistry(t)
	if _, err := reg.Upsert(HeartbeatPayload{}, ""); err == nil {
		t.Fatalf("expected error for missing onion")
	}
}
