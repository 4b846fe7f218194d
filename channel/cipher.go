package channel

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/nixxxo/anon-poc/crypto"
)

// Mode identifies which encryption path a CipherEngine can use.
type Mode int

const (
	// ModeUninitialized means no key material is attached; encrypt and
	// decrypt are rejected.
	ModeUninitialized Mode = iota
	// ModeKeyedStatic means only the shared symmetric key is available.
	ModeKeyedStatic
	// ModeKeyedForwardSecret means a shared secret has been derived and
	// every message is sealed under its own one-time key.
	ModeKeyedForwardSecret
)

// String returns a human-readable mode name for logs.
func (m Mode) String() string {
	switch m {
	case ModeKeyedStatic:
		return "static"
	case ModeKeyedForwardSecret:
		return "forward-secret"
	default:
		return "uninitialized"
	}
}

const (
	// Forward-secret envelope layout: counter ‖ nonce ‖ tag ‖ ciphertext.
	counterSize = 8
	nonceSize   = 12
	tagSize     = 16

	// staticNonceSize prefixes the static secretbox token.
	staticNonceSize = 24

	// minForwardSecretEnvelope gates the forward-secret parse attempt:
	// the header plus the smallest frame bucket. Anything shorter cannot
	// be a forward-secret envelope.
	minForwardSecretEnvelope = counterSize + nonceSize + tagSize + FrameSizeSmall
)

// envelopeEncoding is the text form every envelope travels in.
var envelopeEncoding = base64.URLEncoding

// CipherEngine seals padded frames into wire envelopes and opens them
// again. With a shared secret present it derives a fresh key per message
// (forward secrecy); otherwise it falls back to the static symmetric key.
// Decryption always tries both paths, so peers in different modes can
// coexist on one channel without killing it.
//
// The engine's state (key material, message counter) is guarded by a
// mutex, though the expected usage is a single writer per channel.
type CipherEngine struct {
	material   *crypto.KeyMaterial
	obfuscator *TrafficObfuscator
	logger     *logrus.Logger
	mu         sync.Mutex
}

// NewCipherEngine builds an engine over the given key material. A nil
// obfuscator gets the default delay bounds; a nil logger falls back to
// the process-wide logrus logger.
func NewCipherEngine(material *crypto.KeyMaterial, obfuscator *TrafficObfuscator, logger *logrus.Logger) *CipherEngine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if obfuscator == nil {
		obfuscator = NewTrafficObfuscator(DefaultMinDelay, DefaultMaxDelay, logger)
	}

	engine := &CipherEngine{
		material:   material,
		obfuscator: obfuscator,
		logger:     logger,
	}

	logger.WithFields(logrus.Fields{
		"function": "NewCipherEngine",
		"mode":     engine.Mode().String(),
	}).Debug("Cipher engine created")

	return engine
}

// Mode reports the engine's current encryption path.
func (e *CipherEngine) Mode() Mode {
	if e.material == nil {
		return ModeUninitialized
	}
	if e.material.HasSharedSecret() {
		return ModeKeyedForwardSecret
	}
	return ModeKeyedStatic
}

// Encrypt pads the plaintext into a fixed-size frame, waits out the
// obfuscation delay, seals the frame in the engine's current mode, and
// returns the text envelope. The call blocks for the full randomized
// delay; cancel the context to give up early.
func (e *CipherEngine) Encrypt(ctx context.Context, plaintext []byte) (string, error) {
	if e.Mode() == ModeUninitialized {
		return "", ErrNotKeyed
	}

	if err := e.obfuscator.Wait(ctx); err != nil {
		return "", err
	}

	frame, err := Pad(plaintext)
	if err != nil {
		return "", err
	}
	defer crypto.ZeroBytes(frame)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.material.HasSharedSecret() {
		return e.sealForwardSecret(frame)
	}
	return e.sealStatic(frame)
}

// sealForwardSecret consumes one counter value, derives the one-time key
// for it, and emits counter ‖ nonce ‖ tag ‖ ciphertext.
func (e *CipherEngine) sealForwardSecret(frame []byte) (string, error) {
	counter := e.material.NextCounter()

	key, err := crypto.DeriveMessageKey(*e.material.SharedSecret, counter)
	if err != nil {
		return "", err
	}
	defer crypto.ZeroBytes(key[:])

	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to draw nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce[:], frame, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	envelope := make([]byte, counterSize+nonceSize+tagSize+len(ciphertext))
	binary.BigEndian.PutUint64(envelope[:counterSize], counter)
	copy(envelope[counterSize:], nonce[:])
	copy(envelope[counterSize+nonceSize:], tag)
	copy(envelope[counterSize+nonceSize+tagSize:], ciphertext)

	return envelopeEncoding.EncodeToString(envelope), nil
}

// sealStatic seals the frame under the static key and emits the
// self-contained secretbox token nonce ‖ box.
func (e *CipherEngine) sealStatic(frame []byte) (string, error) {
	var nonce [staticNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to draw nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], frame, &nonce, &e.material.SymmetricKey)
	return envelopeEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a text envelope and returns the plaintext inside its
// frame. The forward-secret parse is attempted first when the envelope is
// long enough and a shared secret is present; any failure there falls
// back to the static path. Decrypt never panics on malformed input, and a
// failed open reports only the generic ErrDecryptFailed.
func (e *CipherEngine) Decrypt(envelopeText string) ([]byte, error) {
	if e.Mode() == ModeUninitialized {
		return nil, ErrNotKeyed
	}

	raw, err := envelopeEncoding.DecodeString(strings.TrimSpace(envelopeText))
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"function": "Decrypt",
			"length":   len(envelopeText),
		}).Debug("Envelope is not valid base64")
		return nil, ErrDecryptFailed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(raw) >= minForwardSecretEnvelope && e.material.HasSharedSecret() {
		if frame, err := e.openForwardSecret(raw); err == nil {
			plaintext, unpadErr := Unpad(frame)
			crypto.ZeroBytes(frame)
			return plaintext, unpadErr
		}
	}

	if frame, err := e.openStatic(raw); err == nil {
		plaintext, unpadErr := Unpad(frame)
		crypto.ZeroBytes(frame)
		return plaintext, unpadErr
	}

	e.logger.WithFields(logrus.Fields{
		"function": "Decrypt",
		"length":   len(raw),
	}).Debug("Envelope opened in neither mode")

	return nil, ErrDecryptFailed
}

// openForwardSecret parses counter ‖ nonce ‖ tag ‖ ciphertext, derives
// the matching one-time key, and opens the AEAD.
func (e *CipherEngine) openForwardSecret(raw []byte) ([]byte, error) {
	counter := binary.BigEndian.Uint64(raw[:counterSize])

	var nonce [nonceSize]byte
	copy(nonce[:], raw[counterSize:counterSize+nonceSize])
	tag := raw[counterSize+nonceSize : counterSize+nonceSize+tagSize]
	ciphertext := raw[counterSize+nonceSize+tagSize:]

	key, err := crypto.DeriveMessageKey(*e.material.SharedSecret, counter)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(key[:])

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	frame, err := aead.Open(nil, nonce[:], sealed, nil)
	if err != nil {
		return nil, err
	}
	return frame, nil
}

// openStatic opens a nonce-prefixed secretbox token under the static key.
func (e *CipherEngine) openStatic(raw []byte) ([]byte, error) {
	if len(raw) < staticNonceSize+secretbox.Overhead {
		return nil, errors.New("token too short")
	}

	var nonce [staticNonceSize]byte
	copy(nonce[:], raw[:staticNonceSize])

	frame, ok := secretbox.Open(nil, raw[staticNonceSize:], &nonce, &e.material.SymmetricKey)
	if !ok {
		return nil, errors.New("authentication failed")
	}
	return frame, nil
}

// Cleanse wipes the engine's key material. The engine must not be used
// afterwards.
func (e *CipherEngine) Cleanse() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.material.Wipe()
}

// newGCM builds the AES-256-GCM AEAD for a derived one-time key.
func newGCM(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
