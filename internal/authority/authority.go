// Package authority implements the authority-grant register (spec §4.5):
// revocable, time-bounded, policy-scoped capability grants evaluated at
// call time. Grounded on services/otc-gateway/auth/auth.go's credential
// grant shape, and on native/escrow/types.go's ArbitratorSet/FrozenArb
// freeze-at-creation pattern — reused here so a grant's policy is frozen
// into the grant record at issue time rather than read live off a mutable
// policy object elsewhere.
package authority

import (
	"context"
	"time"

	"github.com/nooterra/settld/internal/kernelerr"
)

// Status is the runtime status of a grant, derived from its validity window
// and revocation field — never stored, always computed against `at`.
type Status string

const (
	StatusNotActive Status = "not_active"
	StatusValid     Status = "valid"
	StatusExpired   Status = "expired"
	StatusRevoked   Status = "revoked"
)

// Scope bounds which calls a grant may authorize.
type Scope struct {
	AllowedProviderIDs   []string
	AllowedToolIDs       []string
	AllowedRiskClasses   []string
	SideEffectingAllowed bool
}

// SpendEnvelope bounds how much a grant may move, per call and cumulatively.
type SpendEnvelope struct {
	Currency        string
	MaxPerCallCents int64
	MaxTotalCents   int64
}

// ChainBinding bounds delegation depth.
type ChainBinding struct {
	Depth              int
	MaxDelegationDepth int
}

// Validity is the grant's time window.
type Validity struct {
	IssuedAt  time.Time
	NotBefore time.Time
	ExpiresAt time.Time
}

// Revocation is the one-way transition a grant may undergo.
type Revocation struct {
	RevokedAt        time.Time
	RevocationReason string
}

// Grant is an AuthorityGrant/DelegationGrant record (spec Data Model).
type Grant struct {
	GrantID        string
	PrincipalRef   string
	GranteeAgentID string
	Scope          Scope
	SpendEnvelope  SpendEnvelope
	ChainBinding   ChainBinding
	Validity       Validity
	Revocation     *Revocation
	SpentCents     int64 // cumulative spend charged against this grant
}

// Call describes one authorization check against a grant.
type Call struct {
	ProviderID    string
	ToolID        string
	AmountCents   int64
	Currency      string
	At            time.Time
	RiskClasses   []string
	SideEffecting bool
}

// EvalResult is the outcome of evaluate().
type EvalResult struct {
	OK         bool
	Status     Status
	DenialCode kernelerr.Code
}

// Store is the persistence seam: grant CRUD plus a per-gate "grant used to
// authorize" index so revocation-blocks-unsettled-gate (spec §4.5 last
// bullet) can be enforced without every caller re-deriving it.
type Store interface {
	Save(ctx context.Context, g *Grant) error
	Load(ctx context.Context, grantID string) (*Grant, error)
	RecordGateAuthorization(ctx context.Context, grantID, gateID string) error
	GateVerified(ctx context.Context, gateID string) (bool, error)
	GatesAuthorizedBy(ctx context.Context, grantID string) ([]string, error)
	MarkGateVerified(ctx context.Context, grantID, gateID string) error
}

// Register is the authority-grant register.
type Register struct {
	store Store
}

func New(store Store) *Register {
	return &Register{store: store}
}

// Issue implements issue(grant): validates a non-overlapping window,
// non-negative limits, and depth <= maxDelegationDepth.
func (r *Register) Issue(ctx context.Context, g *Grant) error {
	if g.Validity.NotBefore.After(g.Validity.ExpiresAt) {
		return kernelerr.New(kernelerr.CodeAuthorityGrantNotActive, "notBefore must not be after expiresAt")
	}
	if g.SpendEnvelope.MaxPerCallCents < 0 || g.SpendEnvelope.MaxTotalCents < 0 {
		return kernelerr.New(kernelerr.CodeAuthorityGrantScopeMismatch, "spend limits must be non-negative")
	}
	if g.ChainBinding.Depth > g.ChainBinding.MaxDelegationDepth {
		return kernelerr.New(kernelerr.CodeAuthorityGrantScopeMismatch, "delegation depth exceeds maxDelegationDepth")
	}
	return r.store.Save(ctx, g)
}

// Revoke implements revoke(grantId, reasonCode): a one-way, monotonic
// transition. Revoking twice is a no-op, never an error.
func (r *Register) Revoke(ctx context.Context, grantID, reasonCode string, at time.Time) error {
	g, err := r.store.Load(ctx, grantID)
	if err != nil {
		return err
	}
	if g.Revocation != nil {
		return nil
	}
	g.Revocation = &Revocation{RevokedAt: at, RevocationReason: reasonCode}
	return r.store.Save(ctx, g)
}

func statusAt(g *Grant, at time.Time) Status {
	if g.Revocation != nil {
		return StatusRevoked
	}
	if at.Before(g.Validity.NotBefore) {
		return StatusNotActive
	}
	if at.After(g.Validity.ExpiresAt) {
		return StatusExpired
	}
	return StatusValid
}

// Evaluate implements evaluate(grantId, call) from spec §4.5, returning the
// first applicable denial code, checked in this order: grant status
// (revoked, not active, expired), scope, currency, per-call limit,
// cumulative limit.
func (r *Register) Evaluate(ctx context.Context, grantID string, call Call) (EvalResult, error) {
	g, err := r.store.Load(ctx, grantID)
	if err != nil {
		return EvalResult{}, err
	}

	status := statusAt(g, call.At)
	switch status {
	case StatusNotActive:
		return EvalResult{Status: status, DenialCode: kernelerr.CodeAuthorityGrantNotActive}, nil
	case StatusExpired:
		return EvalResult{Status: status, DenialCode: kernelerr.CodeAuthorityGrantExpired}, nil
	case StatusRevoked:
		return EvalResult{Status: status, DenialCode: kernelerr.CodeAuthorityGrantRevoked}, nil
	}

	if !contains(g.Scope.AllowedProviderIDs, call.ProviderID) ||
		!contains(g.Scope.AllowedToolIDs, call.ToolID) ||
		!riskClassesAllowed(g.Scope.AllowedRiskClasses, call.RiskClasses) ||
		(call.SideEffecting && !g.Scope.SideEffectingAllowed) {
		return EvalResult{Status: status, DenialCode: kernelerr.CodeAuthorityGrantScopeMismatch}, nil
	}

	if g.SpendEnvelope.Currency != "" && g.SpendEnvelope.Currency != call.Currency {
		return EvalResult{Status: status, DenialCode: kernelerr.CodeAuthorityGrantCurrencyMismatch}, nil
	}

	if call.AmountCents > g.SpendEnvelope.MaxPerCallCents {
		return EvalResult{Status: status, DenialCode: kernelerr.CodeAuthorityGrantPerCallExceed}, nil
	}

	if g.SpentCents+call.AmountCents > g.SpendEnvelope.MaxTotalCents {
		return EvalResult{Status: status, DenialCode: kernelerr.CodeAuthorityGrantCumulExceed}, nil
	}

	return EvalResult{OK: true, Status: status}, nil
}

// BlocksGate implements the last bullet of spec §4.5: a revoked grant that
// previously authorized gate g blocks any operation on g that has not yet
// reached the verified terminal, even an idempotent retry.
func (r *Register) BlocksGate(ctx context.Context, grantID, gateID string) (bool, error) {
	g, err := r.store.Load(ctx, grantID)
	if err != nil {
		return false, err
	}
	if g.Revocation == nil {
		return false, nil
	}
	verified, err := r.store.GateVerified(ctx, gateID)
	if err != nil {
		return false, err
	}
	return !verified, nil
}

// RecordAuthorization records that grantID authorized gateID, the index
// BlocksGate consults so a later revoke knows which gates it still covers.
func (r *Register) RecordAuthorization(ctx context.Context, grantID, gateID string) error {
	return r.store.RecordGateAuthorization(ctx, grantID, gateID)
}

// MarkVerified flips the (grantID, gateID) pair to verified once the gate
// reaches its verified terminal, so BlocksGate stops blocking it even if the
// grant is revoked afterward.
func (r *Register) MarkVerified(ctx context.Context, grantID, gateID string) error {
	return r.store.MarkGateVerified(ctx, grantID, gateID)
}

func contains(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func riskClassesAllowed(allowed, requested []string) bool {
	if len(allowed) == 0 {
		return true
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = struct{}{}
	}
	for _, rc := range requested {
		if _, ok := allowedSet[rc]; !ok {
			return false
		}
	}
	return true
}
