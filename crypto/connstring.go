package crypto

import (
	"bytes"
	"compress/zlib"
	"crypto/ecdh"
	"crypto/x509"
	"encoding/base32"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// A connection string is the complete credential a peer needs to join a
// channel:
//
//	<rendezvous-address>:<token>
//
// The rendezvous address is opaque to this package. The token carries the
// channel secrets in one of three formats, tried in order on decode:
//
//  1. compact: publicKey(32) ‖ symmetricKey(32), deflate-compressed,
//     base32 without padding in lower case. This is the only format
//     Encode produces.
//  2. legacy PEM: a PEM "PUBLIC KEY" block (PKIX X25519), a '|' delimiter,
//     and the url-safe base64 symmetric key.
//  3. legacy key-only: the url-safe base64 symmetric key alone.
//
// Decoding a token with an embedded public key performs the one-sided
// ephemeral exchange: a fresh local pair is generated and the shared
// secret is derived immediately, so the resulting material differs every
// decode even for the same token.

// ErrInvalidConnectionString is returned when a connection string or
// token does not parse in any supported format.
var ErrInvalidConnectionString = errors.New("invalid connection string")

const (
	// compactPayloadSize is the decompressed size of a compact token:
	// a 32-byte X25519 public key followed by the 32-byte symmetric key.
	compactPayloadSize = 64

	// legacyDelimiter separates the PEM block from the symmetric key in
	// the legacy two-part format.
	legacyDelimiter = "|"
)

// compactEncoding is the transcription-safe alphabet for compact tokens.
// Padding is stripped on encode and not expected on decode.
var compactEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// EncodeToken serializes key material into the compact token format. The
// material must carry a key pair; its public half is what peers exchange
// against.
func EncodeToken(material *KeyMaterial) (string, error) {
	if material == nil || material.KeyPair == nil {
		return "", errors.New("key material has no key pair to publish")
	}

	payload := make([]byte, 0, compactPayloadSize)
	payload = append(payload, material.KeyPair.Public[:]...)
	payload = append(payload, material.SymmetricKey[:]...)

	var compressed bytes.Buffer
	writer := zlib.NewWriter(&compressed)
	if _, err := writer.Write(payload); err != nil {
		ZeroBytes(payload)
		return "", fmt.Errorf("failed to compress token payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		ZeroBytes(payload)
		return "", fmt.Errorf("failed to compress token payload: %w", err)
	}
	ZeroBytes(payload)

	return strings.ToLower(compactEncoding.EncodeToString(compressed.Bytes())), nil
}

// EncodeConnectionString joins a rendezvous address and the compact token
// for the given material. The address must not contain ':' so the full
// string keeps its two-field structure.
func EncodeConnectionString(address string, material *KeyMaterial) (string, error) {
	if address == "" {
		return "", errors.New("empty rendezvous address")
	}
	if strings.Contains(address, ":") {
		return "", fmt.Errorf("rendezvous address %q must not contain ':'", address)
	}

	token, err := EncodeToken(material)
	if err != nil {
		return "", err
	}

	return address + ":" + token, nil
}

// SplitConnectionString separates the rendezvous address from the token.
// Exactly two colon-delimited fields are accepted; any other count is
// rejected.
func SplitConnectionString(connectionString string) (string, string, error) {
	parts := strings.Split(strings.TrimSpace(connectionString), ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: expected <address>:<token>, got %d fields",
			ErrInvalidConnectionString, len(parts))
	}
	return parts[0], parts[1], nil
}

// DecodeConnectionString splits a full connection string and decodes its
// token into negotiated key material.
func DecodeConnectionString(connectionString string) (string, *KeyMaterial, error) {
	address, token, err := SplitConnectionString(connectionString)
	if err != nil {
		return "", nil, err
	}

	material, err := DecodeToken(token)
	if err != nil {
		return "", nil, err
	}

	return address, material, nil
}

// tokenDecoder attempts to parse one token format. A decoder that does
// not recognize its format returns an error and the next one is tried.
type tokenDecoder func(token string) (*KeyMaterial, error)

// tokenDecoders is the ordered decode pipeline: compact first, then the
// legacy formats. Retiring a format means removing its entry here.
var tokenDecoders = []tokenDecoder{
	decodeCompactToken,
	decodeLegacyPEMToken,
	decodeLegacyKeyToken,
}

// DecodeToken parses a token in any supported format and returns fresh
// key material for the joining side. All parse failures collapse into
// ErrInvalidConnectionString; no partial material is ever returned.
func DecodeToken(token string) (*KeyMaterial, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, ErrInvalidConnectionString
	}

	for _, decode := range tokenDecoders {
		material, err := decode(trimmed)
		if err == nil {
			return material, nil
		}
		logrus.WithFields(logrus.Fields{
			"function": "DecodeToken",
			"error":    err.Error(),
		}).Debug("Token decoder rejected input, trying next format")
	}

	return nil, ErrInvalidConnectionString
}

// decodeCompactToken handles the compact format: base32 → zlib → fixed
// 64-byte payload, then the one-sided ephemeral exchange.
func decodeCompactToken(token string) (*KeyMaterial, error) {
	normalized := strings.ToUpper(strings.Join(strings.Fields(token), ""))

	raw, err := compactEncoding.DecodeString(normalized)
	if err != nil {
		return nil, fmt.Errorf("not base32: %w", err)
	}

	reader, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("not a zlib stream: %w", err)
	}
	payload, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}

	if len(payload) != compactPayloadSize {
		ZeroBytes(payload)
		return nil, fmt.Errorf("payload is %d bytes, want %d", len(payload), compactPayloadSize)
	}

	var peerPublicKey [32]byte
	var symmetricKey [32]byte
	copy(peerPublicKey[:], payload[:32])
	copy(symmetricKey[:], payload[32:])
	ZeroBytes(payload)

	return negotiateWithPeer(peerPublicKey, symmetricKey)
}

// decodeLegacyPEMToken handles the two-part legacy format: a PEM-encoded
// PKIX X25519 public key, '|', and the base64 symmetric key.
func decodeLegacyPEMToken(token string) (*KeyMaterial, error) {
	pemPart, keyPart, found := strings.Cut(token, legacyDelimiter)
	if !found {
		return nil, errors.New("no legacy delimiter")
	}

	block, _ := pem.Decode([]byte(pemPart))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("no PEM public key block")
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	publicKey, ok := parsed.(*ecdh.PublicKey)
	if !ok || publicKey.Curve() != ecdh.X25519() {
		return nil, errors.New("public key is not X25519")
	}

	var peerPublicKey [32]byte
	copy(peerPublicKey[:], publicKey.Bytes())

	symmetricKey, err := decodeSymmetricKey(keyPart)
	if err != nil {
		return nil, err
	}

	return negotiateWithPeer(peerPublicKey, symmetricKey)
}

// decodeLegacyKeyToken handles the oldest format: the symmetric key alone.
// No peer public key is available, so the material stays static-only.
func decodeLegacyKeyToken(token string) (*KeyMaterial, error) {
	symmetricKey, err := decodeSymmetricKey(token)
	if err != nil {
		return nil, err
	}
	return &KeyMaterial{SymmetricKey: symmetricKey}, nil
}

// negotiateWithPeer builds joining-side material: a fresh ephemeral pair,
// the bundled symmetric key, and the derived shared secret. On any
// failure the partially built material is wiped and nothing escapes.
func negotiateWithPeer(peerPublicKey, symmetricKey [32]byte) (*KeyMaterial, error) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		ZeroBytes(symmetricKey[:])
		return nil, fmt.Errorf("failed to generate ephemeral pair: %w", err)
	}

	material := &KeyMaterial{
		SymmetricKey: symmetricKey,
		KeyPair:      keyPair,
	}

	if err := material.DeriveSharedWith(peerPublicKey); err != nil {
		material.Wipe()
		return nil, fmt.Errorf("key exchange failed: %w", err)
	}

	return material, nil
}

// decodeSymmetricKey parses a url-safe base64 symmetric key, accepting
// both padded and unpadded spellings.
func decodeSymmetricKey(text string) ([32]byte, error) {
	cleaned := strings.TrimSpace(text)
	if padding := len(cleaned) % 4; padding != 0 {
		cleaned += strings.Repeat("=", 4-padding)
	}

	raw, err := base64.URLEncoding.DecodeString(cleaned)
	if err != nil {
		return [32]byte{}, fmt.Errorf("not base64: %w", err)
	}
	if len(raw) != 32 {
		ZeroBytes(raw)
		return [32]byte{}, fmt.Errorf("symmetric key is %d bytes, want 32", len(raw))
	}

	var key [32]byte
	copy(key[:], raw)
	ZeroBytes(raw)

	return key, nil
}
