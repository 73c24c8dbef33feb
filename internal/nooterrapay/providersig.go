package nooterrapay

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/nooterra/settld/internal/signing"
)

// ProviderQuote is the signed quote a provider returns alongside its 402
// challenge (spec §6): `x-nooterra-provider-quote` / `-signature` headers.
type ProviderQuote struct {
	ProviderID  string    `json:"providerId"`
	ToolID      string    `json:"toolId"`
	AmountCents int64     `json:"amountCents"`
	Currency    string    `json:"currency"`
	QuotedAt    time.Time `json:"quotedAt"`
}

// ResponseSignature is the provider's signed envelope over one tool
// response (spec §4.8): payload hash = sha256(canonical({responseHash,
// nonce, signedAt})), signed by the provider's currently active key.
type ResponseSignature struct {
	ResponseSHA256Hex string    `json:"responseHash"`
	Nonce             string    `json:"nonce"`
	SignedAt          time.Time `json:"signedAt"`
	KeyID             string    `json:"keyId"`
	SignatureB64      string    `json:"signature"`
}

func (s ResponseSignature) payload() map[string]any {
	return map[string]any{
		"responseHash": s.ResponseSHA256Hex,
		"nonce":        s.Nonce,
		"signedAt":     s.SignedAt.UTC().Format(time.RFC3339Nano),
	}
}

// ProviderKeyResolver resolves a provider's keyId to its current Ed25519
// public key, typically backed by jwks.Cache.Get + jwks.ResolveKeyID against
// that provider's own JWKS URL.
type ProviderKeyResolver interface {
	ResolveProviderKey(ctx context.Context, providerID, keyID string) (ed25519.PublicKey, bool, error)
}

// VerifyResponseSignature checks a provider's signed response envelope
// against the response hash the gate observed, per spec §4.8. It is
// fail-closed: any resolution or verification failure returns false, never
// an error that a caller might treat as "skip the check."
func VerifyResponseSignature(ctx context.Context, resolver ProviderKeyResolver, providerID string, sig ResponseSignature, observedResponseSHA256Hex string) bool {
	if sig.ResponseSHA256Hex == "" || sig.ResponseSHA256Hex != observedResponseSHA256Hex {
		return false
	}
	pub, ok, err := resolver.ResolveProviderKey(ctx, providerID, sig.KeyID)
	if err != nil || !ok {
		return false
	}
	hash, err := signing.HashCanonical(sig.payload())
	if err != nil {
		return false
	}
	return signing.VerifyHashHex(hash, sig.SignatureB64, pub)
}

// SignResponse signs a response envelope with the provider's own key — used
// by provider-side test doubles and the reference provider implementation
// exercising this kernel's verification path.
func SignResponse(responseSHA256Hex, nonce, keyID string, signedAt time.Time, priv ed25519.PrivateKey) (ResponseSignature, error) {
	sig := ResponseSignature{
		ResponseSHA256Hex: responseSHA256Hex, Nonce: nonce, SignedAt: signedAt, KeyID: keyID,
	}
	hash, err := signing.HashCanonical(sig.payload())
	if err != nil {
		return ResponseSignature{}, err
	}
	sigB64, err := signing.SignHashHex(hash, priv)
	if err != nil {
		return ResponseSignature{}, err
	}
	sig.SignatureB64 = sigB64
	return sig, nil
}
