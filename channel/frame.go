package channel

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

const (
	// Standard frame size buckets in bytes. Every frame on the wire is
	// exactly one of these sizes, so length reveals at most the bucket.
	FrameSizeSmall  = 512
	FrameSizeMedium = 1024
	FrameSizeLarge  = 2048
	FrameSizeMax    = 4096

	// lengthPrefixSize is the big-endian uint32 plaintext length header.
	lengthPrefixSize = 4

	// minPaddingSize is the fewest random padding bytes any frame carries.
	minPaddingSize = 16

	// MaxPlaintextSize is the largest plaintext that fits the largest
	// bucket together with the prefix and minimum padding.
	MaxPlaintextSize = FrameSizeMax - lengthPrefixSize - minPaddingSize
)

// frameBuckets lists the permitted frame sizes in ascending order.
var frameBuckets = []int{FrameSizeSmall, FrameSizeMedium, FrameSizeLarge, FrameSizeMax}

// Pad builds the fixed-size frame for a plaintext: length prefix, the
// plaintext itself, then random padding up to the smallest bucket that
// holds prefix + plaintext + minimum padding. Two plaintexts whose
// lengths fall in the same bucket produce frames of identical length.
// An empty plaintext is valid and produces the smallest bucket.
func Pad(plaintext []byte) ([]byte, error) {
	required := lengthPrefixSize + len(plaintext) + minPaddingSize

	targetSize := 0
	for _, bucket := range frameBuckets {
		if required <= bucket {
			targetSize = bucket
			break
		}
	}
	if targetSize == 0 {
		return nil, fmt.Errorf("%w: %d bytes, maximum is %d",
			ErrMessageTooLarge, len(plaintext), MaxPlaintextSize)
	}

	frame := make([]byte, targetSize)
	binary.BigEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(plaintext)))
	copy(frame[lengthPrefixSize:], plaintext)

	if _, err := rand.Read(frame[lengthPrefixSize+len(plaintext):]); err != nil {
		return nil, fmt.Errorf("failed to draw frame padding: %w", err)
	}

	return frame, nil
}

// Unpad extracts the plaintext from a padded frame. A declared length
// larger than the bytes present is ErrLengthMismatch; a declared length
// of zero is a valid empty plaintext, not an error.
func Unpad(frame []byte) ([]byte, error) {
	if len(frame) < lengthPrefixSize {
		return nil, fmt.Errorf("%w: frame is %d bytes", ErrLengthMismatch, len(frame))
	}

	declaredLen := binary.BigEndian.Uint32(frame[:lengthPrefixSize])
	if declaredLen > uint32(len(frame)-lengthPrefixSize) {
		return nil, fmt.Errorf("%w: declared %d bytes, %d present",
			ErrLengthMismatch, declaredLen, len(frame)-lengthPrefixSize)
	}

	plaintext := make([]byte, declaredLen)
	copy(plaintext, frame[lengthPrefixSize:lengthPrefixSize+declaredLen])
	return plaintext, nil
}
