package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"letters-overlay/core"
	"letters-overlay/pkg/utils"
)

// identityFile mirrors <root>/relay/identity.json's shape (§6.2), reused
// here for the client's own keypair storage.
type identityFile struct {
	Fingerprint string `json:"fingerprint"`
	CreatedAt   string `json:"createdAt"`
	PublicKey   string `json:"publicKey"`
	PrivateKey  string `json:"privateKey"`
}

func saveIdentity(path string, pub, priv [32]byte) error {
	id := identityFile{
		Fingerprint: core.Fingerprint(pub),
		CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
		PublicKey:   hex.EncodeToString(pub[:]),
		PrivateKey:  hex.EncodeToString(priv[:]),
	}
	return utils.WriteJSONAtomic(path, id)
}

func loadIdentity(path string) (pub, priv [32]byte, err error) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		return pub, priv, fmt.Errorf("read identity file: %w", readErr)
	}
	var id identityFile
	if err := json.Unmarshal(data, &id); err != nil {
		return pub, priv, fmt.Errorf("parse identity file: %w", err)
	}
	pubBytes, err := hex.DecodeString(id.PublicKey)
	if err != nil || len(pubBytes) != 32 {
		return pub, priv, fmt.Errorf("malformed public key in identity file")
	}
	privBytes, err := hex.DecodeString(id.PrivateKey)
	if err != nil || len(privBytes) != 32 {
		return pub, priv, fmt.Errorf("malformed private key in identity file")
	}
	copy(pub[:], pubBytes)
	copy(priv[:], privBytes)
	return pub, priv, nil
}
