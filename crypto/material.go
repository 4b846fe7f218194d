package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// KeyMaterial bundles every secret one channel needs: the symmetric key
// shared through the connection token, an optional X25519 key pair, and
// the optional shared secret produced by a one-sided ephemeral exchange.
//
// The side that creates a channel generates fresh material and publishes
// its public key inside the token. The side that decodes a token keeps the
// bundled symmetric key and derives a shared secret against the embedded
// public key using a fresh ephemeral pair of its own. The shared secret,
// once derived, is never recomputed or rotated within a process lifetime.
type KeyMaterial struct {
	// SymmetricKey backs the static encryption path. Always present once
	// material is negotiated.
	SymmetricKey [32]byte

	// KeyPair is the local X25519 pair. Nil for material restored from a
	// key-only legacy token.
	KeyPair *KeyPair

	// SharedSecret seeds per-message key derivation. Nil until a peer
	// public key has been exchanged.
	SharedSecret *[32]byte

	mu      sync.Mutex
	counter uint64
}

// GenerateKeyMaterial creates fresh material for the side that opens a
// channel: a new X25519 pair plus a random symmetric key.
func GenerateKeyMaterial() (*KeyMaterial, error) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	material := &KeyMaterial{KeyPair: keyPair}
	if _, err := rand.Read(material.SymmetricKey[:]); err != nil {
		ZeroBytes(keyPair.Private[:])
		return nil, fmt.Errorf("failed to generate symmetric key: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "GenerateKeyMaterial",
		"key_prefix": fmt.Sprintf("%x", material.KeyPair.Public[:8]),
	}).Debug("Generated fresh channel key material")

	return material, nil
}

// DeriveSharedWith performs the single X25519 exchange against the peer's
// public key and stores the result. The exchange happens at most once per
// instance; a second call is an error.
func (m *KeyMaterial) DeriveSharedWith(peerPublicKey [32]byte) error {
	if m.KeyPair == nil {
		return errors.New("no key pair available for exchange")
	}
	if m.SharedSecret != nil {
		return errors.New("shared secret already derived")
	}

	secret, err := DeriveSharedSecret(peerPublicKey, m.KeyPair.Private)
	if err != nil {
		return err
	}

	m.SharedSecret = &secret
	return nil
}

// HasSharedSecret reports whether the forward-secret path is available.
func (m *KeyMaterial) HasSharedSecret() bool {
	return m != nil && m.SharedSecret != nil
}

// NextCounter returns the next value of the monotone message counter. The
// counter is public information carried in each forward-secret envelope;
// every encrypt backed by this material consumes one value.
func (m *KeyMaterial) NextCounter() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	return m.counter
}

// Wipe zeroizes the symmetric key, the private key, and the shared secret.
// The material must not be used afterwards.
func (m *KeyMaterial) Wipe() {
	if m == nil {
		return
	}
	ZeroBytes(m.SymmetricKey[:])
	if m.KeyPair != nil {
		ZeroBytes(m.KeyPair.Private[:])
	}
	if m.SharedSecret != nil {
		ZeroBytes(m.SharedSecret[:])
	}
}
