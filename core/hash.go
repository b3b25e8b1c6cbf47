package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// hashableBlock is Block minus Hash. encoding/json marshals struct fields in
// declaration order and map keys in sorted order, so this produces a
// byte-for-byte deterministic encoding — the invariant spec.md §3 requires
// ("hash equals the hash of all other fields with hash removed; canonical
// JSON serialization; byte-for-byte deterministic").
type hashableBlock struct {
	Index        uint64         `json:"index"`
	Timestamp    string         `json:"timestamp"`
	PreviousHash *string        `json:"previousHash"`
	Letters      []LetterEntry  `json:"letters"`
	RelayMetrics map[string]any `json:"relayMetrics,omitempty"`
	Summary      string         `json:"summary"`
}

// computeBlockHash returns the hex-encoded sha256 of b's canonical encoding
// with the Hash field removed.
func computeBlockHash(b *Block) (string, error) {
	shadow := hashableBlock{
		Index:        b.Index,
		Timestamp:    b.Timestamp,
		PreviousHash: b.PreviousHash,
		Letters:      b.Letters,
		RelayMetrics: b.RelayMetrics,
		Summary:      b.Summary,
	}
	data, err := json.Marshal(shadow)
	if err != nil {
		return "", fmt.Errorf("canonicalize block: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// hashManifest computes the checksum over an ordered hash list, per §3's
// "checksum (hash of the manifest list)".
func hashManifest(hashes []string) (string, error) {
	data, err := json.Marshal(hashes)
	if err != nil {
		return "", fmt.Errorf("canonicalize manifest: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func strPtr(s string) *string { return &s }
