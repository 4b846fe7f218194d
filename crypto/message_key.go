package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// messageKeyLabel domain-separates per-message keys from any other use of
// the shared secret.
const messageKeyLabel = "anonmsg-msg-key-v1"

// DeriveMessageKey derives the one-time AES-256 key for a single message
// using HKDF-SHA256 over the shared secret, with the big-endian counter as
// context. The counter is public and travels in the envelope; a given
// (secret, counter) pair always yields the same key, and distinct counters
// yield independent keys.
func DeriveMessageKey(sharedSecret [32]byte, counter uint64) ([32]byte, error) {
	info := make([]byte, 8)
	binary.BigEndian.PutUint64(info, counter)

	hkdfReader := hkdf.New(sha256.New, sharedSecret[:], []byte(messageKeyLabel), info)

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return [32]byte{}, fmt.Errorf("failed to derive message key: %w", err)
	}

	var result [32]byte
	copy(result[:], key)
	ZeroBytes(key)

	return result, nil
}
