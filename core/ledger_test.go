package core

import (
	"path/filepath"
	"testing"
)

func tmpLedger(t *testing.T) *BlockLedger {
	t.Helper()
	root := t.TempDir()
	led, err := NewBlockLedger(nil, filepath.Join(root, "chains"), "")
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return led
}

func TestNewBlockLedgerWritesGenesis(t *testing.T) {
	led := tmpLedger(t)
	blocks := led.GetBlocks()
	if len(blocks) != 1 {
		t.Fatalf("blocks=%d want 1", len(blocks))
	}
	g := blocks[0]
	if g.Index != 0 || g.PreviousHash != nil {
		t.Fatalf("genesis shape wrong: %+v", g)
	}
	if g.Hash == "" {
		t.Fatalf("genesis hash empty")
	}
}

func TestAppendLetterBlockChaining(t *testing.T) {
	led := tmpLedger(t)
	genesis := led.GetBlocks()[0]

	b1, err := led.AppendLetterBlock([]byte(`"ENV1"`), "FP1", nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if b1.Index != 1 || b1.PreviousHash == nil || *b1.PreviousHash != genesis.Hash {
		t.Fatalf("block1 chaining wrong: %+v", b1)
	}
	if len(b1.Letters) != 1 || b1.Letters[0].OwnerFingerprint != "FP1" {
		t.Fatalf("block1 letters wrong: %+v", b1.Letters)
	}

	b2, err := led.AppendLetterBlock([]byte(`"ENV2"`), "FP2", nil)
	if err != nil {
		t.Fatalf("append2: %v", err)
	}
	if b2.Index != 2 || *b2.PreviousHash != b1.Hash {
		t.Fatalf("block2 chaining wrong: %+v", b2)
	}
}

func TestValidateChainDetectsTamperedBlock(t *testing.T) {
	led := tmpLedger(t)
	led.AppendLetterBlock([]byte(`"A"`), "FPA", nil)
	blocks := led.GetBlocks()
	blocks[1].Summary = "tampered" // invalidates stored hash without recomputation

	ok, reason, idx := ValidateChain(blocks)
	if ok {
		t.Fatalf("expected validation failure")
	}
	if idx != 1 || reason != "hash mismatch" {
		t.Fatalf("got reason=%q idx=%d", reason, idx)
	}
}

func TestGetManifestLengthAndLatest(t *testing.T) {
	led := tmpLedger(t)
	led.AppendLetterBlock([]byte(`"A"`), "FPA", nil)
	b2, _ := led.AppendLetterBlock([]byte(`"B"`), "FPB", nil)

	manifest, err := led.GetManifest()
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if manifest.Length != 3 {
		t.Fatalf("length=%d want 3", manifest.Length)
	}
	if manifest.LatestHash != b2.Hash {
		t.Fatalf("latestHash=%s want %s", manifest.LatestHash, b2.Hash)
	}
	if len(manifest.Hashes) != 3 {
		t.Fatalf("hashes len=%d want 3", len(manifest.Hashes))
	}
}

func TestSyncFromRemoteRejectsShorterWithoutForce(t *testing.T) {
	led := tmpLedger(t)
	led.AppendLetterBlock([]byte(`"A"`), "FPA", nil)
	led.AppendLetterBlock([]byte(`"B"`), "FPB", nil)
	local := led.GetBlocks()

	res, err := led.SyncFromRemote(local[:1], false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Updated {
		t.Fatalf("expected no update for shorter remote")
	}
	if led.Length() != 3 {
		t.Fatalf("local mutated: length=%d", led.Length())
	}
}

func TestSyncFromRemoteAcceptsLongerValid(t *testing.T) {
	led := tmpLedger(t)
	led.AppendLetterBlock([]byte(`"A"`), "FPA", nil)
	local := led.GetBlocks()

	remoteLed := tmpLedger(t)
	remoteLed.AppendLetterBlock([]byte(`"A"`), "FPA", nil)
	remoteLed.AppendLetterBlock([]byte(`"B"`), "FPB", nil)
	remote := remoteLed.GetBlocks()

	res, err := led.SyncFromRemote(remote, false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !res.Updated {
		t.Fatalf("expected update for longer valid remote")
	}
	if led.Length() != len(remote) {
		t.Fatalf("length=%d want %d", led.Length(), len(remote))
	}
	_ = local
}

func TestFindLettersByFingerprint(t *testing.T) {
	led := tmpLedger(t)
	led.AppendLetterBlock([]byte(`"A"`), "FPA", nil)
	led.AppendLetterBlock([]byte(`"B"`), "FPB", nil)
	led.AppendLetterBlock([]byte(`"C"`), "FPA", nil)

	matches := led.FindLettersByFingerprint("FPA")
	if len(matches) != 2 {
		t.Fatalf("matches=%d want 2", len(matches))
	}
}

func TestMigrateLegacyLedgerNoFile(t *testing.T) {
	root := t.TempDir()
	hash, migrated, err := MigrateLegacyLedger(nil, root, filepath.Join(root, "chains"))
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if migrated || hash != "" {
		t.Fatalf("expected no-op, got migrated=%v hash=%q", migrated, hash)
	}
}
