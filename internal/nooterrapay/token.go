// Package nooterrapay implements the NooterraPay challenge token and
// provider-quote envelope (spec §4.6, §6): a golang-jwt/jwt/v5 JWT whose
// claims are {iss:"nooterra", aud:<providerId>, gateId, authorizationRef,
// amountCents, currency, payeeProviderId, iat, exp}, signed by a key
// currently present in the kernel's own JWKS keyset. Grounded on the x402
// wire shapes in _examples/other_examples (PaymentPayload/Requirement/
// VerificationResult) and on gateway/auth/auth.go's token-issuance style in
// the teacher repo.
package nooterrapay

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nooterra/settld/internal/kernelerr"
)

// Claims is the NooterraPay challenge token's claim set.
type Claims struct {
	Issuer           string `json:"iss"`
	Audience         string `json:"aud"`
	GateID           string `json:"gateId"`
	AuthorizationRef string `json:"authorizationRef"`
	AmountCents      int64  `json:"amountCents"`
	Currency         string `json:"currency"`
	PayeeProviderID  string `json:"payeeProviderId"`
	jwt.RegisteredClaims
}

// Issuer is the fixed iss claim value for every token this kernel mints.
const Issuer = "nooterra"

// IssueChallenge mints a NooterraPay challenge token for one gate, valid
// from iat to exp, signed with priv (whose keyId is keyID so the verifier
// can resolve the right JWKS entry via the token header's kid).
func IssueChallenge(gateID, providerID string, amountCents int64, currency string, keyID string, priv ed25519.PrivateKey, issuedAt time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		Issuer: Issuer, Audience: providerID, GateID: gateID,
		AuthorizationRef: "", AmountCents: amountCents, Currency: currency,
		PayeeProviderID: providerID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = keyID
	return tok.SignedString(priv)
}

// KeyResolver resolves a token's kid header to the Ed25519 public key that
// should verify it — backed by jwks.Cache/jwks.ResolveKeyID in production,
// a fixed map in tests.
type KeyResolver interface {
	ResolveKeyID(keyID string) (ed25519.PublicKey, bool)
}

// VerifyChallenge parses and verifies a NooterraPay token against gateID
// and providerID, failing closed per spec §7.
func VerifyChallenge(tokenString string, resolver KeyResolver, gateID, providerID string, now time.Time) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodEdDSA {
			return nil, fmt.Errorf("nooterrapay: unexpected signing method %v", t.Method)
		}
		kid, _ := t.Header["kid"].(string)
		pub, ok := resolver.ResolveKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("nooterrapay: unknown signer key %q", kid)
		}
		return pub, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil || !parsed.Valid {
		return nil, kernelerr.New(kernelerr.CodeWalletIssuerDecisionInvalid, "NooterraPay token does not verify")
	}
	if claims.Issuer != Issuer || claims.Audience != providerID || claims.GateID != gateID {
		return nil, kernelerr.New(kernelerr.CodeWalletIssuerDecisionInvalid, "NooterraPay token claims do not match this gate")
	}
	return claims, nil
}
