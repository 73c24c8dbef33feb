package nooterrapay

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DecisionClaims is a walletAuthorizationDecisionToken's claim set (spec
// §4.6 step 5): audience-bound to one gate, signed by the wallet issuer's
// currently-trusted key.
type DecisionClaims struct {
	GateID string `json:"gateId"`
	jwt.RegisteredClaims
}

// DecisionKeyResolver resolves a decision token's kid header to the wallet
// issuer's currently-trusted Ed25519 public key.
type DecisionKeyResolver interface {
	ResolveKeyID(keyID string) (ed25519.PublicKey, bool)
}

// DecisionVerifier implements gate.WalletIssuerVerifier over Ed25519-signed
// JWTs resolved against a wallet issuer's JWKS keyset.
type DecisionVerifier struct {
	resolver DecisionKeyResolver
	now      func() time.Time
}

// NewDecisionVerifier builds a DecisionVerifier. now defaults to time.Now.
func NewDecisionVerifier(resolver DecisionKeyResolver, now func() time.Time) *DecisionVerifier {
	if now == nil {
		now = time.Now
	}
	return &DecisionVerifier{resolver: resolver, now: now}
}

// VerifyDecisionToken implements gate.WalletIssuerVerifier: the token must
// parse, verify against a currently-trusted key, carry a gateId claim equal
// to gateID, and not be expired. Any failure returns (false, nil) rather than an error —
// the caller (gate.Authorize) turns that into X402_WALLET_ISSUER_DECISION_INVALID.
func (v *DecisionVerifier) VerifyDecisionToken(ctx context.Context, token string, gateID string) (bool, error) {
	claims := &DecisionClaims{}
	now := v.now()
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodEdDSA {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		kid, _ := t.Header["kid"].(string)
		pub, ok := v.resolver.ResolveKeyID(kid)
		if !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return pub, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil || !parsed.Valid {
		return false, nil
	}
	if claims.GateID != gateID {
		return false, nil
	}
	return true, nil
}

// IssueDecisionToken mints a walletAuthorizationDecisionToken — used by the
// reference wallet-issuer test double and by any first-party wallet issuer
// this kernel operates itself.
func IssueDecisionToken(gateID, keyID string, priv ed25519.PrivateKey, issuedAt time.Time, ttl time.Duration) (string, error) {
	claims := DecisionClaims{
		GateID: gateID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = keyID
	return tok.SignedString(priv)
}
