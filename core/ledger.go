package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// bootstrapPrefix names the temporary directory a ledger is initialized into
// before its genesis hash is known (§4.1, §9 "late-bound genesis").
const bootstrapPrefix = "bootstrap-"

// BlockLedger is durable, hash-verified append-only storage for one active
// chain, with a multi-chain directory layout keyed by genesis hash. It is
// grounded on the teacher's core/ledger.go WAL-and-snapshot Ledger, adapted
// so every append rewrites blocks.json atomically instead of appending to a
// replay log — §4.1 requires "write-then-replace or equivalent" so a crash
// leaves the ledger in a prior valid state.
type BlockLedger struct {
	mu         sync.RWMutex
	log        *logrus.Logger
	chainsRoot string
	dir        string // <chainsRoot>/<genesisHash> (or bootstrap-<id> pre-genesis)
	blocks     []Block
}

// NewBlockLedger opens (or bootstraps) the chain directory for genesisHash
// under chainsRoot. If genesisHash is empty, a bootstrap directory is
// created; call RenameToGenesis once the first block is known to relocate
// it, per §4.1's multi-chain layout with late-bound genesis.
func NewBlockLedger(log *logrus.Logger, chainsRoot, genesisHash string) (*BlockLedger, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	dir := filepath.Join(chainsRoot, genesisHash)
	if genesisHash == "" {
		dir = filepath.Join(chainsRoot, fmt.Sprintf("%s%d", bootstrapPrefix, time.Now().UnixNano()))
	}
	l := &BlockLedger{log: log, chainsRoot: chainsRoot, dir: dir}
	if err := l.Initialize(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *BlockLedger) blocksPath() string { return filepath.Join(l.dir, "blocks.json") }

type blocksFile struct {
	Blocks []Block `json:"blocks"`
}

// Initialize ensures the chain file exists; if empty, it writes a fresh
// genesis block. Post-condition: length >= 1.
func (l *BlockLedger) Initialize() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return transientIO("mkdir chain dir: %v", err)
	}

	data, err := os.ReadFile(l.blocksPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return transientIO("read chain file: %v", err)
		}
		return l.writeGenesisLocked()
	}

	if len(data) == 0 {
		return l.writeGenesisLocked()
	}
	var bf blocksFile
	if err := json.Unmarshal(data, &bf); err != nil {
		return transientIO("decode chain file: %v", err)
	}
	if len(bf.Blocks) == 0 {
		return l.writeGenesisLocked()
	}
	l.blocks = bf.Blocks
	return nil
}

func (l *BlockLedger) writeGenesisLocked() error {
	genesis := Block{
		Index:        0,
		Timestamp:    nowISO(),
		PreviousHash: nil,
		Letters:      []LetterEntry{},
		Summary:      "genesis",
	}
	h, err := computeBlockHash(&genesis)
	if err != nil {
		return invariantViolation("hash genesis: %v", err)
	}
	genesis.Hash = h
	l.blocks = []Block{genesis}
	if err := l.persistLocked(); err != nil {
		return err
	}
	l.log.Infof("ledger %s: wrote fresh genesis %s", l.dir, h)
	return nil
}

// persistLocked writes the full block list atomically (write-to-temp then
// rename) so a crash mid-write never corrupts the on-disk chain.
func (l *BlockLedger) persistLocked() error {
	data, err := json.MarshalIndent(blocksFile{Blocks: l.blocks}, "", "  ")
	if err != nil {
		return transientIO("marshal blocks: %v", err)
	}
	tmp := l.blocksPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return transientIO("write temp blocks file: %v", err)
	}
	if err := os.Rename(tmp, l.blocksPath()); err != nil {
		return transientIO("rename blocks file: %v", err)
	}
	return nil
}

// GenesisHash returns the hash of block 0, or "" if uninitialized.
func (l *BlockLedger) GenesisHash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.blocks) == 0 {
		return ""
	}
	return l.blocks[0].Hash
}

// RenameToGenesis relocates a bootstrap-prefixed directory to its permanent
// <chainsRoot>/<genesisHash> home once the genesis hash is known. It is a
// no-op if the ledger is already at its permanent home.
func (l *BlockLedger) RenameToGenesis() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.blocks) == 0 {
		return "", invariantViolation("cannot rename: ledger has no genesis block")
	}
	genesis := l.blocks[0].Hash
	target := filepath.Join(l.chainsRoot, genesis)
	if l.dir == target {
		return genesis, nil
	}
	if _, err := os.Stat(target); err == nil {
		// Target already exists (another process raced us, or this genesis
		// was synced before) — keep using it, discard the bootstrap dir.
		if err := os.RemoveAll(l.dir); err != nil {
			l.log.Warnf("ledger: cleanup bootstrap dir %s: %v", l.dir, err)
		}
		l.dir = target
		return genesis, l.Initialize()
	}
	if err := os.Rename(l.dir, target); err != nil {
		return "", transientIO("rename chain dir to genesis: %v", err)
	}
	l.dir = target
	return genesis, nil
}

// GetBlocks returns a copy of the full block sequence.
func (l *BlockLedger) GetBlocks() []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Block, len(l.blocks))
	copy(out, l.blocks)
	return out
}

// AppendLetterBlock builds a block with index = prev.index+1 and
// previousHash = prev.hash, containing a single letter entry, persists it,
// and returns it (§4.1, §4.2 step 3).
func (l *BlockLedger) AppendLetterBlock(payload json.RawMessage, ownerFingerprint string, relayMetrics map[string]any) (*Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.blocks) == 0 {
		return nil, invariantViolation("ledger has no genesis block")
	}
	prev := l.blocks[len(l.blocks)-1]
	blk := Block{
		Index:        prev.Index + 1,
		Timestamp:    nowISO(),
		PreviousHash: strPtr(prev.Hash),
		Letters:      []LetterEntry{{OwnerFingerprint: ownerFingerprint, Payload: payload}},
		RelayMetrics: relayMetrics,
		Summary:      fmt.Sprintf("letter for %s", ownerFingerprint),
	}
	h, err := computeBlockHash(&blk)
	if err != nil {
		return nil, invariantViolation("hash block: %v", err)
	}
	blk.Hash = h
	l.blocks = append(l.blocks, blk)
	if err := l.persistLocked(); err != nil {
		// Roll back the in-memory append so the ledger reflects disk state.
		l.blocks = l.blocks[:len(l.blocks)-1]
		return nil, err
	}
	l.log.WithFields(logrus.Fields{"index": blk.Index, "hash": blk.Hash}).Info("appended letter block")
	return &blk, nil
}

// ValidateChain rejects empty input; for each block it verifies the
// recomputed hash matches Hash, and from index 1 verifies PreviousHash
// equals the prior block's Hash. It reports the first failure with its
// index (§4.1).
func ValidateChain(blocks []Block) (ok bool, reason string, index int) {
	if len(blocks) == 0 {
		return false, "empty chain", -1
	}
	for i := range blocks {
		b := blocks[i]
		want, err := computeBlockHash(&b)
		if err != nil {
			return false, fmt.Sprintf("hash error: %v", err), i
		}
		if want != b.Hash {
			return false, "hash mismatch", i
		}
		if i > 0 {
			prev := blocks[i-1]
			if b.PreviousHash == nil || *b.PreviousHash != prev.Hash {
				return false, "previousHash mismatch", i
			}
			if b.Index != prev.Index+1 {
				return false, "index not contiguous", i
			}
		}
	}
	return true, "", -1
}

// GetManifest derives length, hashes, latestHash, checksum (§3, §4.1).
func (l *BlockLedger) GetManifest() (ChainManifest, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return manifestOf(l.blocks)
}

func manifestOf(blocks []Block) (ChainManifest, error) {
	hashes := make([]string, len(blocks))
	for i, b := range blocks {
		hashes[i] = b.Hash
	}
	checksum, err := hashManifest(hashes)
	if err != nil {
		return ChainManifest{}, err
	}
	latest := ""
	if len(hashes) > 0 {
		latest = hashes[len(hashes)-1]
	}
	return ChainManifest{Length: len(blocks), Hashes: hashes, LatestHash: latest, Checksum: checksum}, nil
}

// SyncFromRemote validates remoteBlocks; if not force, it rejects unless
// remoteBlocks is strictly longer than local; if accepting, it replaces the
// on-disk chain atomically (§4.1).
func (l *BlockLedger) SyncFromRemote(remote []Block, force bool) (SyncResult, error) {
	if len(remote) == 0 {
		return SyncResult{Updated: false}, nil
	}
	if ok, reason, idx := ValidateChain(remote); !ok {
		return SyncResult{}, invariantViolation("remote chain invalid at %d: %s", idx, reason)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !force && len(remote) <= len(l.blocks) {
		return SyncResult{Updated: false, Message: "local already up to date"}, nil
	}

	prevBlocks := l.blocks
	l.blocks = remote
	if err := l.persistLocked(); err != nil {
		l.blocks = prevBlocks
		return SyncResult{}, err
	}
	return SyncResult{Updated: true, Message: fmt.Sprintf("replaced chain with %d blocks", len(remote))}, nil
}

// LetterMatch pairs a letter entry with the block it was found in, for
// FindLettersByFingerprint.
type LetterMatch struct {
	BlockIndex uint64
	Letter     LetterEntry
}

// FindLettersByFingerprint streams all (block, letter) pairs whose owner
// matches fingerprint.
func (l *BlockLedger) FindLettersByFingerprint(fingerprint string) []LetterMatch {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []LetterMatch
	for _, b := range l.blocks {
		for _, letter := range b.Letters {
			if letter.OwnerFingerprint == fingerprint {
				out = append(out, LetterMatch{BlockIndex: b.Index, Letter: letter})
			}
		}
	}
	return out
}

// Length returns the number of blocks currently held.
func (l *BlockLedger) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.blocks)
}

// Dir returns the chain's on-disk directory, for snapshot/conflict paths.
func (l *BlockLedger) Dir() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dir
}

// MigrateLegacyLedger moves a pre-multi-chain single-file ledger
// (<relayRoot>/blocks.json) into its genesis-hash subdirectory under
// chainsRoot, per §4.1 and §6.2. It is a no-op if no legacy file exists.
func MigrateLegacyLedger(log *logrus.Logger, relayRoot, chainsRoot string) (genesisHash string, migrated bool, err error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	legacy := filepath.Join(relayRoot, "blocks.json")
	data, statErr := os.ReadFile(legacy)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return "", false, nil
		}
		return "", false, transientIO("read legacy ledger: %v", statErr)
	}
	var bf blocksFile
	if err := json.Unmarshal(data, &bf); err != nil {
		return "", false, transientIO("decode legacy ledger: %v", err)
	}
	if len(bf.Blocks) == 0 {
		return "", false, nil
	}
	genesisHash = bf.Blocks[0].Hash
	dir := filepath.Join(chainsRoot, genesisHash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", false, transientIO("mkdir migrated chain dir: %v", err)
	}
	target := filepath.Join(dir, "blocks.json")
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", false, transientIO("write migrated ledger: %v", err)
	}
	if err := os.Remove(legacy); err != nil {
		log.Warnf("migrate legacy ledger: remove old file: %v", err)
	}
	log.Infof("migrated legacy ledger to %s", dir)
	return genesisHash, true, nil
}
