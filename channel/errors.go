// Package channel implements the secure channel layer: fixed-size frame
// padding, per-message authenticated encryption, and traffic-pattern
// obfuscation. A CipherEngine turns plaintext into text envelopes safe to
// put on an untrusted wire; observers see only uniformly sized, uniformly
// timed ciphertext.
package channel

import "errors"

var (
	// ErrNotKeyed is returned when encrypt or decrypt is attempted before
	// key material is attached to the engine.
	ErrNotKeyed = errors.New("channel has no key material")

	// ErrLengthMismatch is returned when a frame's declared plaintext
	// length exceeds the bytes actually present.
	ErrLengthMismatch = errors.New("frame length mismatch")

	// ErrMessageTooLarge is returned when a plaintext exceeds the largest
	// frame bucket.
	ErrMessageTooLarge = errors.New("message exceeds maximum frame size")

	// ErrDecryptFailed is returned when an envelope opens in neither
	// forward-secret nor static mode. It deliberately carries no detail:
	// callers cannot tell a wrong key from corrupted data.
	ErrDecryptFailed = errors.New("decryption failed")
)
