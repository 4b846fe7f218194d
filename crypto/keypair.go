// Package crypto implements the cryptographic primitives for the anonymous
// messenger channel: X25519 key agreement, per-message key derivation, and
// the connection-string codec used to share channel credentials.
//
// All key material is process-lifetime only. Nothing in this package
// persists keys, and callers are expected to Wipe material at channel
// close.
//
// Example:
//
//	material, err := crypto.GenerateKeyMaterial()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer material.Wipe()
//	token, _ := crypto.EncodeToken(material)
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair holds an X25519 key pair. The public half travels inside the
// connection token; the private half never leaves the process.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	keyPair := &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}

	return keyPair, nil
}

// FromSecretKey rebuilds a key pair from an existing private scalar.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	publicKey, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	keyPair := &KeyPair{Private: secretKey}
	copy(keyPair.Public[:], publicKey)

	return keyPair, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
