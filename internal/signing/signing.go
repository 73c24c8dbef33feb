// Package signing implements the hashing and Ed25519 signature primitives
// (spec §4.2) used to derive every content hash and actor signature in
// settld. It works on the stdlib crypto/ed25519 key types directly and
// defines no key-wrapper type of its own; the teacher repo's crypto/keys.go
// is secp256k1/ECDSA, swapped to Ed25519 here per spec Non-goals
// ("non-Ed25519 signature schemes" are out of scope).
package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"

	"github.com/nooterra/settld/internal/canonical"
)

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashCanonical canonicalizes v and returns its SHA-256 hex digest. This is
// the single entrypoint artifact hashing should go through so that the "no
// trailing newline inside the hash input" rule (spec §9) can never be
// violated by a caller appending one.
func HashCanonical(v any) (string, error) {
	b, err := canonical.Encode(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// KeyID derives the stable identifier for a PEM-encoded Ed25519 public key:
// "key_" + first 24 hex chars of SHA-256(pem).
func KeyID(pemBytes []byte) string {
	sum := sha256.Sum256(pemBytes)
	return "key_" + hex.EncodeToString(sum[:])[:24]
}

// PublicKeyFromPEM parses a PEM block containing a PKIX-encoded Ed25519
// public key.
func PublicKeyFromPEM(pemBytes []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("signing: no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signing: parse public key: %w", err)
	}
	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signing: key is not Ed25519")
	}
	return edPub, nil
}

// PublicKeyToPEM encodes an Ed25519 public key as a PKIX PEM block.
func PublicKeyToPEM(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("signing: marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return pem.EncodeToMemory(block), nil
}

// SignHashHex signs the raw 32-byte digest represented by hashHex with priv
// and returns the base64-standard-encoded signature. The signature covers
// the raw digest bytes, never the hex string — normative per spec §4.2.
func SignHashHex(hashHex string, priv ed25519.PrivateKey) (string, error) {
	digest, err := hex.DecodeString(hashHex)
	if err != nil {
		return "", fmt.Errorf("signing: decode hash hex: %w", err)
	}
	if len(digest) != sha256.Size {
		return "", fmt.Errorf("signing: hash must be %d bytes, got %d", sha256.Size, len(digest))
	}
	sig := ed25519.Sign(priv, digest)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyHashHex verifies a base64 Ed25519 signature over the raw digest
// represented by hashHex.
func VerifyHashHex(hashHex string, sigB64 string, pub ed25519.PublicKey) bool {
	digest, err := hex.DecodeString(hashHex)
	if err != nil || len(digest) != sha256.Size {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, digest, sig)
}

// ZeroHash is the fixed prevChainHash used by the first event on any stream:
// 64 hex zeros, the hex encoding of a 32-byte all-zero digest.
var ZeroHash = hex.EncodeToString(make([]byte, sha256.Size))
