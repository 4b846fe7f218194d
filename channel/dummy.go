package channel

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// dummyMarker prefixes the plaintext of synthetic traffic, checked after
// decryption. A genuine message that starts with exactly these bytes
// would be discarded as a dummy; the NUL framing keeps typed chat text
// from ever colliding, but the ambiguity is inherent to in-band marking.
const dummyMarker = "\x00DUMMY\x00"

const (
	// Dummy filler length bounds, in raw bytes before hex expansion.
	dummyFillerMin = 8
	dummyFillerMax = 64
)

// IsDummy reports whether a decrypted plaintext is synthetic traffic.
func IsDummy(plaintext []byte) bool {
	return bytes.HasPrefix(plaintext, []byte(dummyMarker))
}

// GenerateDummy encrypts a synthetic message that is indistinguishable on
// the wire from real traffic: same envelope structure, same frame bucket
// as a short chat line, same randomized send delay. The plaintext is the
// reserved marker followed by random hex filler of random length.
func (e *CipherEngine) GenerateDummy(ctx context.Context) (string, error) {
	fillerLen := dummyFillerMin + randomInt(dummyFillerMax-dummyFillerMin+1)
	filler := make([]byte, fillerLen)
	if _, err := rand.Read(filler); err != nil {
		return "", fmt.Errorf("failed to draw dummy filler: %w", err)
	}

	plaintext := dummyMarker + hex.EncodeToString(filler)
	return e.Encrypt(ctx, []byte(plaintext))
}
