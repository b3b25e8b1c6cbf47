package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// Letter envelopes are anonymous-sender, single-recipient: an ephemeral
// X25519 keypair is generated per letter, its shared secret with the
// recipient's public key keys an XChaCha20-Poly1305 seal, and the ephemeral
// public key travels alongside the ciphertext so the recipient can redo the
// key agreement. The AEAD call itself is grounded on the teacher's
// core/security.go Encrypt/Decrypt (same chacha20poly1305.NewX, nonce-prefix
// shape); the X25519 agreement on the same file's curve25519 import.
//
// The ledger never parses this envelope (§6.3) — it is produced and consumed
// entirely client-side.

const (
	keySize       = 32
	ephemeralSize = 32
)

// GenerateKeypair returns a fresh X25519 keypair for a client identity.
func GenerateKeypair() (pub, priv [keySize]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return pub, priv, fmt.Errorf("generate private key: %w", err)
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, priv, fmt.Errorf("derive public key: %w", err)
	}
	copy(pub[:], p)
	return pub, priv, nil
}

// Fingerprint returns the hex sha256 digest of a public key, the recipient
// selector letters are filed under (§6.3).
func Fingerprint(pub [keySize]byte) string {
	sum := sha256.Sum256(pub[:])
	return hex.EncodeToString(sum[:])
}

// EncryptLetter seals plaintext for recipientPub. The returned envelope is
// ephemeralPub || nonce || ciphertext+tag and is opaque to anything but
// DecryptLetter.
func EncryptLetter(recipientPub [keySize]byte, plaintext []byte) ([]byte, error) {
	ephPub, ephPriv, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephPriv[:], recipientPub[:])
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	key := sha256.Sum256(shared) // shared point isn't uniform; hash it down to a AEAD key

	blob, err := seal(key[:], plaintext, recipientPub[:])
	if err != nil {
		return nil, err
	}
	return append(ephPub[:], blob...), nil
}

// DecryptLetter opens an envelope produced by EncryptLetter using the
// recipient's private key.
func DecryptLetter(recipientPriv [keySize]byte, recipientPub [keySize]byte, envelope []byte) ([]byte, error) {
	if len(envelope) < ephemeralSize {
		return nil, errors.New("envelope too short")
	}
	var ephPub [keySize]byte
	copy(ephPub[:], envelope[:ephemeralSize])
	blob := envelope[ephemeralSize:]

	shared, err := curve25519.X25519(recipientPriv[:], ephPub[:])
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	key := sha256.Sum256(shared)

	return open(key[:], blob, recipientPub[:])
}

// seal mirrors the teacher's Encrypt (security.go): nonce || ciphertext+tag
// using XChaCha20-Poly1305.
func seal(key, plaintext, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("key must be 32 bytes")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return append(nonce, ct...), nil
}

// open mirrors the teacher's Decrypt (security.go).
func open(key, blob, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("key must be 32 bytes")
	}
	minLen := chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(blob) < minLen {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}
