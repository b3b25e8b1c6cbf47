package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type stubDirectory struct {
	relays   []RelayRecord
	manifest ChainManifest
	err      error
}

func (s *stubDirectory) ListRelays(ctx context.Context) ([]RelayRecord, ChainManifest, error) {
	return s.relays, s.manifest, s.err
}

type stubPendingAppender struct {
	replayed []PendingEntry
}

func (s *stubPendingAppender) EnqueueReplayed(payload json.RawMessage, ownerFingerprint string, replayedFromBlock uint64) {
	s.replayed = append(s.replayed, PendingEntry{
		LetterPayload: payload, OwnerFingerprint: ownerFingerprint, ReplayedFromBlock: &replayedFromBlock,
	})
}

func tmpSyncLedger(t *testing.T) *BlockLedger {
	t.Helper()
	l, err := NewBlockLedger(nil, t.TempDir(), "")
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	if _, err := l.RenameToGenesis(); err != nil {
		t.Fatalf("rename to genesis: %v", err)
	}
	return l
}

func blocksServer(t *testing.T, blocks []Block) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/blocks/full" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(struct {
			Blocks []Block `json:"blocks"`
		}{Blocks: blocks})
	}))
}

func TestSyncNoDirectoryConfiguredIsSkippedNotError(t *testing.T) {
	ledger := tmpSyncLedger(t)
	engine := NewSyncEngine(nil, ledger, "self.onion", nil, nil)

	res, err := engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !res.Skipped || res.Reason != NoDirectoryConfiguredReason {
		t.Fatalf("got %+v", res)
	}
}

func TestSyncNoAlternateRelayIsSkippedNotError(t *testing.T) {
	ledger := tmpSyncLedger(t)
	dir := &stubDirectory{relays: nil, manifest: ChainManifest{Length: 1}}
	engine := NewSyncEngine(nil, ledger, "self.onion", dir, nil)

	res, err := engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !res.Skipped || res.Reason != NoAlternateRelayReason {
		t.Fatalf("got %+v", res)
	}
}

func TestSyncAdoptsCleanLongerRemoteChain(t *testing.T) {
	ledger := tmpSyncLedger(t)
	genesis := ledger.GetBlocks()[0]

	block1 := Block{Index: 1, Timestamp: nowISO(), PreviousHash: strPtr(genesis.Hash), Letters: []LetterEntry{}, Summary: "letter for x"}
	h, err := computeBlockHash(&block1)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	block1.Hash = h

	srv := blocksServer(t, []Block{genesis, block1})
	defer srv.Close()

	dir := &stubDirectory{
		relays:   []RelayRecord{{ID: "peer.onion", Onion: "peer.onion", PublicURL: srv.URL, ChainSummary: ChainManifest{Length: 2}}},
		manifest: ChainManifest{Length: 2},
	}
	engine := NewSyncEngine(nil, ledger, "self.onion", dir, nil)

	res, err := engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !res.Updated {
		t.Fatalf("expected updated chain, got %+v", res)
	}
	if ledger.Length() != 2 {
		t.Fatalf("ledger length=%d want 2", ledger.Length())
	}
}

func TestSyncResolvesForkAndReplaysOrphanedLetters(t *testing.T) {
	ledger := tmpSyncLedger(t)
	genesis := ledger.GetBlocks()[0]

	localBlock, err := ledger.AppendLetterBlock(json.RawMessage(`"orphaned"`), "fp-local", nil)
	if err != nil {
		t.Fatalf("append local: %v", err)
	}
	_ = localBlock

	remoteBlock := Block{Index: 1, Timestamp: nowISO(), PreviousHash: strPtr(genesis.Hash), Letters: []LetterEntry{}, Summary: "remote branch"}
	h, err := computeBlockHash(&remoteBlock)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	remoteBlock.Hash = h

	srv := blocksServer(t, []Block{genesis, remoteBlock})
	defer srv.Close()

	dir := &stubDirectory{
		relays:   []RelayRecord{{ID: "peer.onion", Onion: "peer.onion", PublicURL: srv.URL, ChainSummary: ChainManifest{Length: 2}}},
		manifest: ChainManifest{Length: 2},
	}
	pending := &stubPendingAppender{}
	engine := NewSyncEngine(nil, ledger, "self.onion", dir, pending)

	res, err := engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !res.Updated {
		t.Fatalf("expected fork resolution to update chain, got %+v", res)
	}
	if len(pending.replayed) != 1 || pending.replayed[0].OwnerFingerprint != "fp-local" {
		t.Fatalf("expected orphaned letter replayed, got %+v", pending.replayed)
	}
	if conflict := engine.LastConflict(); conflict == nil || conflict.ReplayedLetters != 1 {
		t.Fatalf("expected conflict diagnostic with 1 replayed letter, got %+v", conflict)
	}

	conflictDir := filepath.Join(ledger.Dir(), "conflicts")
	entries, err := os.ReadDir(conflictDir)
	if err != nil {
		t.Fatalf("read conflicts dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one conflict snapshot, got %v", entries)
	}
}

func TestSyncIgnoresShorterRemoteChain(t *testing.T) {
	ledger := tmpSyncLedger(t)
	if _, err := ledger.AppendLetterBlock(json.RawMessage(`"a"`), "fp-a", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := ledger.AppendLetterBlock(json.RawMessage(`"b"`), "fp-b", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	genesis := ledger.GetBlocks()[0]

	srv := blocksServer(t, []Block{genesis})
	defer srv.Close()

	dir := &stubDirectory{
		relays:   []RelayRecord{{ID: "peer.onion", Onion: "peer.onion", PublicURL: srv.URL, ChainSummary: ChainManifest{Length: 1}}},
		manifest: ChainManifest{Length: 3},
	}
	engine := NewSyncEngine(nil, ledger, "self.onion", dir, nil)

	res, err := engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Updated {
		t.Fatalf("shorter remote chain should not update local chain")
	}
	if ledger.Length() != 3 {
		t.Fatalf("local chain should be untouched, length=%d", ledger.Length())
	}
}

func TestSyncUpToDateReportsNoUpdate(t *testing.T) {
	ledger := tmpSyncLedger(t)
	genesis := ledger.GetBlocks()[0]

	srv := blocksServer(t, []Block{genesis})
	defer srv.Close()

	dir := &stubDirectory{
		relays:   []RelayRecord{{ID: "peer.onion", Onion: "peer.onion", PublicURL: srv.URL, ChainSummary: ChainManifest{Length: 1}}},
		manifest: ChainManifest{Length: 1},
	}
	engine := NewSyncEngine(nil, ledger, "self.onion", dir, nil)

	res, err := engine.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Updated {
		t.Fatalf("expected no update when chains match")
	}
}

func TestStartLoopAppliesPeriodicUpdate(t *testing.T) {
	ledger := tmpSyncLedger(t)
	genesis := ledger.GetBlocks()[0]

	block1 := Block{Index: 1, Timestamp: nowISO(), PreviousHash: strPtr(genesis.Hash), Letters: []LetterEntry{}, Summary: "letter for x"}
	h, err := computeBlockHash(&block1)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	block1.Hash = h

	srv := blocksServer(t, []Block{genesis, block1})
	defer srv.Close()

	dir := &stubDirectory{
		relays:   []RelayRecord{{ID: "peer.onion", Onion: "peer.onion", PublicURL: srv.URL, ChainSummary: ChainManifest{Length: 2}}},
		manifest: ChainManifest{Length: 2},
	}
	engine := NewSyncEngine(nil, ledger, "self.onion", dir, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.StartLoop(ctx, 10*time.Millisecond)
	engine.StartLoop(ctx, 10*time.Millisecond) // no-op, already active
	defer engine.StopLoop()

	deadline := time.Now().Add(time.Second)
	for ledger.Length() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected periodic sync to adopt the longer chain, length=%d", ledger.Length())
		}
		time.Sleep(time.Millisecond)
	}

	engine.StopLoop()
	engine.StopLoop() // no-op, already stopped
}
