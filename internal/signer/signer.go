// Package signer implements the pluggable signing capability (spec §9): an
// in-process Ed25519 signer for development, a subprocess signer speaking
// line-delimited JSON over stdio, and an HTTPS/mTLS signer for an external
// HSM-backed service. The mTLS client shape is adapted directly from
// services/otc-gateway/hsm/client.go; the pluggable-backend selection
// mirrors services/otc-gateway/secrets/manager.go.
package signer

import (
	"context"
	"crypto/ed25519"

	"github.com/nooterra/settld/internal/kernelerr"
	"github.com/nooterra/settld/internal/signing"
)

// Signer signs a content hash and reports the keyId that signed it.
type Signer interface {
	SignHashHex(ctx context.Context, hashHex string) (sigB64 string, keyID string, err error)
	KeyID(ctx context.Context) (string, error)
}

// InProcess is the development/test backend: holds the Ed25519 private key
// in memory.
type InProcess struct {
	priv  ed25519.PrivateKey
	keyID string
}

// NewInProcess builds an in-process signer from a raw Ed25519 private key
// and its PEM-derived keyId.
func NewInProcess(priv ed25519.PrivateKey, keyID string) *InProcess {
	return &InProcess{priv: priv, keyID: keyID}
}

func (s *InProcess) SignHashHex(_ context.Context, hashHex string) (string, string, error) {
	sig, err := signing.SignHashHex(hashHex, s.priv)
	if err != nil {
		return "", "", err
	}
	return sig, s.keyID, nil
}

func (s *InProcess) KeyID(_ context.Context) (string, error) {
	return s.keyID, nil
}

var _ Signer = (*InProcess)(nil)

// ErrPluginNotConfigured is returned when a subprocess signer's binary path
// was never set.
var ErrPluginNotConfigured = kernelerr.New(kernelerr.CodeSignerPluginLoadFailed, "signer plugin path not configured")
