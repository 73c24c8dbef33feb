// Package gate implements the x402-style payment gate state machine
// (spec §4.6): challenge -> authorize -> verify -> {released|refunded|
// partial} -> disputed -> arbitrating -> {released'|refunded'|partial'}.
// Grounded on services/escrow-gateway/{payintent,webhook,webhook_queue,
// watcher,server}.go for the gateway request lifecycle, and on
// _examples/other_examples's CedrosPay x402 types file for the payment
// payload/verifier wire shape.
package gate

import (
	"context"
	"time"

	"github.com/nooterra/settld/internal/authority"
	"github.com/nooterra/settld/internal/canonical"
	"github.com/nooterra/settld/internal/chainlog"
	"github.com/nooterra/settld/internal/kernelerr"
	"github.com/nooterra/settld/internal/settlement"
	"github.com/nooterra/settld/internal/signing"
	"github.com/nooterra/settld/internal/wallet"
)

// State is a gate's position in the lifecycle graph in spec §4.6.
type State string

const (
	StateCreated     State = "created"
	StateAuthorized  State = "authorized"
	StateVerified    State = "verified"
	StateDisputed    State = "disputed"
	StateArbitrating State = "arbitrating"
	StateSettled     State = "settled"
	StateRefunded    State = "refunded"
	StateCanceled    State = "canceled"
)

// Policy is the gate's verification and release ruleset, frozen onto the
// gate at creation time.
type Policy struct {
	AutoRelease                 bool `json:"autoRelease"`
	GreenReleaseRatePct         int  `json:"greenReleaseRatePct"`
	AmberReleaseRatePct         int  `json:"amberReleaseRatePct"`
	RedReleaseRatePct           int  `json:"redReleaseRatePct"`
	RequireExecutionIntent      bool `json:"requireExecutionIntent"`
	RequireRequestBinding       bool `json:"requireRequestBinding"`
	RequireProviderSignature    bool `json:"requireProviderSignature"`
	RequireWalletIssuerDecision bool `json:"requireWalletIssuerDecision"`
}

// CanonicalValue implements canonical.Canonicalizer so a policy snapshot
// taken at gate-creation time can be content-addressed: the job-proof
// bundle's policyHash and the settlement decision's PolicyRef.PolicyHash
// both derive from this encoding.
func (p Policy) CanonicalValue() any {
	return canonical.OrderedObject{
		{Key: "autoRelease", Value: p.AutoRelease},
		{Key: "greenReleaseRatePct", Value: float64(p.GreenReleaseRatePct)},
		{Key: "amberReleaseRatePct", Value: float64(p.AmberReleaseRatePct)},
		{Key: "redReleaseRatePct", Value: float64(p.RedReleaseRatePct)},
		{Key: "requireExecutionIntent", Value: p.RequireExecutionIntent},
		{Key: "requireRequestBinding", Value: p.RequireRequestBinding},
		{Key: "requireProviderSignature", Value: p.RequireProviderSignature},
		{Key: "requireWalletIssuerDecision", Value: p.RequireWalletIssuerDecision},
	}
}

// ExecutionIntent is the request-binding evidence a caller may be required
// to supply at authorize time.
type ExecutionIntent struct {
	IdempotencyKey   string
	RequestSHA256Hex string
}

// Gate is an X402Gate record.
type Gate struct {
	GateID            string
	TenantID          string
	PayerAgentID      string
	PayeeAgentID      string
	AmountCents       int64
	Currency          string
	ToolID            string
	ProviderID        string
	AuthorityGrantRef string
	HoldbackBps       int
	DisputeWindowDays int
	Policy            Policy
	ExecutionIntent   *ExecutionIntent
	State             State
	CreatedAt         time.Time
	AuthorizedAt      time.Time
	VerifiedAt        time.Time
}

// EmergencyControls is the tenant/scope-level kill-switch/pause/quarantine
// surface checked first, in order, at authorize time (spec §4.6 step 1-2).
type EmergencyControls interface {
	KillSwitchActive(ctx context.Context, tenantID string) (bool, error)
	PauseActive(ctx context.Context, scope string) (bool, error)
	QuarantineActive(ctx context.Context, scope string) (bool, error)
}

// AgentDirectory answers whether a payer agent is currently active.
type AgentDirectory interface {
	AgentActive(ctx context.Context, agentID string) (bool, error)
}

// WalletIssuerVerifier checks a walletAuthorizationDecisionToken against
// the gate it claims to authorize.
type WalletIssuerVerifier interface {
	VerifyDecisionToken(ctx context.Context, token string, gateID string) (bool, error)
}

// Store persists gates.
type Store interface {
	Save(ctx context.Context, g *Gate) error
	Load(ctx context.Context, gateID string) (*Gate, error)
}

// SettlementRecorder persists the SettlementDecisionRecord/SettlementReceipt
// pair a gate's terminal verify outcome produces (spec §4.7), keyed by the
// gate that produced it.
type SettlementRecorder interface {
	RecordSettlement(ctx context.Context, gateID string, d settlement.DecisionRecord, r settlement.Receipt) error
}

// Service is the gate state machine's operation surface.
type Service struct {
	store        Store
	events       *chainlog.Log
	ledger       *wallet.Ledger
	grants       *authority.Register
	emergency    EmergencyControls
	agents       AgentDirectory
	walletIssuer WalletIssuerVerifier
	settlements  SettlementRecorder
	now          func() time.Time
}

// Deps bundles Service's collaborators. Settlements may be left nil in
// tests that only exercise the state machine, but a live deployment always
// wires one so a terminal verify produces a durable decision/receipt pair.
type Deps struct {
	Store        Store
	Events       *chainlog.Log
	Ledger       *wallet.Ledger
	Grants       *authority.Register
	Emergency    EmergencyControls
	Agents       AgentDirectory
	WalletIssuer WalletIssuerVerifier
	Settlements  SettlementRecorder
	Now          func() time.Time
}

func New(d Deps) *Service {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store: d.Store, events: d.Events, ledger: d.Ledger, grants: d.Grants,
		emergency: d.Emergency, agents: d.Agents, walletIssuer: d.WalletIssuer,
		settlements: d.Settlements, now: now,
	}
}

// CreateInput is the challenge-creation request.
type CreateInput struct {
	GateID            string
	TenantID          string
	PayerAgentID      string
	PayeeAgentID      string
	AmountCents       int64
	Currency          string
	ToolID            string
	ProviderID        string
	AuthorityGrantRef string
	HoldbackBps       int
	DisputeWindowDays int
	Policy            Policy
}

// Create implements the "create" challenge operation: stores the gate in
// state `created` and logs a system-authored chain event.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Gate, error) {
	g := &Gate{
		GateID: in.GateID, TenantID: in.TenantID,
		PayerAgentID: in.PayerAgentID, PayeeAgentID: in.PayeeAgentID,
		AmountCents: in.AmountCents, Currency: in.Currency,
		ToolID: in.ToolID, ProviderID: in.ProviderID,
		AuthorityGrantRef: in.AuthorityGrantRef,
		HoldbackBps:       in.HoldbackBps,
		DisputeWindowDays: in.DisputeWindowDays,
		Policy:            in.Policy,
		State:             StateCreated,
		CreatedAt:         s.now(),
	}
	if err := s.store.Save(ctx, g); err != nil {
		return nil, err
	}
	_, err := s.events.Append(ctx, g.GateID, chainlog.AppendInput{
		Type:  "X402_GATE_CREATED",
		Actor: chainlog.Actor{Type: chainlog.ActorSystem, ID: "kernel"},
		Payload: map[string]any{
			"gateId": g.GateID, "amountCents": float64(g.AmountCents), "currency": g.Currency,
			"providerId": g.ProviderID, "toolId": g.ToolID,
		},
		At: g.CreatedAt,
	}, chainlog.AppendOptions{})
	return g, err
}

// AuthorizeInput carries the inputs evaluated, in order, by Authorize.
type AuthorizeInput struct {
	EmergencyScope            string
	WalletIssuerDecisionToken string
	ExecutionIntent           *ExecutionIntent
	At                        time.Time
}

// Authorize implements the "authorize-payment" operation (spec §4.6),
// evaluating its seven preconditions in the spec's mandated order.
func (s *Service) Authorize(ctx context.Context, gateID string, in AuthorizeInput) (*Gate, error) {
	g, err := s.store.Load(ctx, gateID)
	if err != nil {
		return nil, err
	}
	if g.State != StateCreated {
		return nil, kernelerr.Newf(kernelerr.CodeChainPreconditionFailed, "gate %s is not in created state", gateID)
	}

	if killed, err := s.emergency.KillSwitchActive(ctx, g.TenantID); err != nil {
		return nil, err
	} else if killed {
		return nil, kernelerr.New(kernelerr.CodeEmergencyKillSwitchActive, "tenant kill-switch is active")
	}
	if paused, err := s.emergency.PauseActive(ctx, in.EmergencyScope); err != nil {
		return nil, err
	} else if paused {
		return nil, kernelerr.New(kernelerr.CodeEmergencyPauseActive, "scope is paused")
	}
	if quarantined, err := s.emergency.QuarantineActive(ctx, in.EmergencyScope); err != nil {
		return nil, err
	} else if quarantined {
		return nil, kernelerr.New(kernelerr.CodeEmergencyQuarantineActive, "scope is quarantined")
	}

	if active, err := s.agents.AgentActive(ctx, g.PayerAgentID); err != nil {
		return nil, err
	} else if !active {
		return nil, kernelerr.New(kernelerr.CodeAgentNotActive, "payer agent is not active")
	}

	if g.AuthorityGrantRef != "" {
		res, err := s.grants.Evaluate(ctx, g.AuthorityGrantRef, authority.Call{
			ProviderID: g.ProviderID, ToolID: g.ToolID, AmountCents: g.AmountCents,
			Currency: g.Currency, At: in.At,
		})
		if err != nil {
			return nil, err
		}
		if !res.OK {
			return nil, kernelerr.New(res.DenialCode, "authority grant evaluation failed")
		}
		if err := s.grants.RecordAuthorization(ctx, g.AuthorityGrantRef, g.GateID); err != nil {
			return nil, err
		}
	}

	if g.Policy.RequireWalletIssuerDecision {
		if in.WalletIssuerDecisionToken == "" {
			return nil, kernelerr.New(kernelerr.CodeWalletIssuerDecisionRequired, "walletAuthorizationDecisionToken required")
		}
		ok, err := s.walletIssuer.VerifyDecisionToken(ctx, in.WalletIssuerDecisionToken, gateID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, kernelerr.New(kernelerr.CodeWalletIssuerDecisionInvalid, "walletAuthorizationDecisionToken invalid")
		}
	}

	if err := s.ledger.LockEscrow(ctx, g.PayerAgentID, g.GateID, g.AmountCents); err != nil {
		return nil, err
	}

	if g.Policy.RequireExecutionIntent {
		if in.ExecutionIntent == nil || in.ExecutionIntent.RequestSHA256Hex == "" {
			return nil, kernelerr.New(kernelerr.CodeExecutionIntentRequired, "executionIntent required")
		}
		if g.ExecutionIntent != nil && g.ExecutionIntent.IdempotencyKey != in.ExecutionIntent.IdempotencyKey {
			return nil, kernelerr.New(kernelerr.CodeExecutionIntentIdempotencyMismatch, "executionIntent idempotency key mismatch")
		}
		if g.ExecutionIntent != nil && g.ExecutionIntent.RequestSHA256Hex != in.ExecutionIntent.RequestSHA256Hex {
			return nil, kernelerr.New(kernelerr.CodeExecutionIntentConflict, "executionIntent binding evidence conflicts with a prior authorize")
		}
		g.ExecutionIntent = in.ExecutionIntent
	}

	g.State = StateAuthorized
	g.AuthorizedAt = in.At
	if err := s.store.Save(ctx, g); err != nil {
		return nil, err
	}
	_, err = s.events.Append(ctx, g.GateID, chainlog.AppendInput{
		Type:    "X402_GATE_AUTHORIZED",
		Actor:   chainlog.Actor{Type: chainlog.ActorSystem, ID: "kernel"},
		Payload: map[string]any{"gateId": g.GateID},
		At:      in.At,
	}, chainlog.AppendOptions{})
	return g, err
}

// VerifyStatus is the verification outcome category from spec §4.6's table.
type VerifyStatus string

const (
	VerifyGreen VerifyStatus = "green"
	VerifyAmber VerifyStatus = "amber"
	VerifyRed   VerifyStatus = "red"
)

// VerifyInput carries the verification evidence and outcome.
type VerifyInput struct {
	VerificationStatus     VerifyStatus
	RunStatus              string
	RequestSHA256Hex       string
	ResponseSHA256Hex      string
	ProviderSignatureValid *bool
	VerifierID             string
	VerifierVersion        string
	VerifierHash           string
	Modality               string
	At                     time.Time
}

// VerifyOutcome is the computed release/refund/holdback split.
type VerifyOutcome struct {
	ReleaseRatePct       int
	ReleasedAmountCents  int64
	HeldbackCents        int64
	RefundedAmountCents  int64
	ManualReviewRequired bool
}

// Verify implements the "verify" operation (spec §4.6): computes the
// release fraction from policy + verification status, applies holdback,
// and moves the gate to `verified`; unless manual review is required, it
// then settles the gate through settleOutcome, leaving it `settled` or
// `refunded`.
func (s *Service) Verify(ctx context.Context, gateID string, in VerifyInput) (*Gate, VerifyOutcome, error) {
	g, err := s.store.Load(ctx, gateID)
	if err != nil {
		return nil, VerifyOutcome{}, err
	}
	if g.State != StateAuthorized {
		return nil, VerifyOutcome{}, kernelerr.Newf(kernelerr.CodeChainPreconditionFailed, "gate %s is not authorized", gateID)
	}

	if g.AuthorityGrantRef != "" {
		blocked, err := s.grants.BlocksGate(ctx, g.AuthorityGrantRef, gateID)
		if err != nil {
			return nil, VerifyOutcome{}, err
		}
		if blocked {
			return nil, VerifyOutcome{}, kernelerr.New(kernelerr.CodeAuthorityGrantRevoked,
				"authority grant was revoked before this gate reached verified")
		}
	}

	if g.Policy.RequireRequestBinding {
		if in.RequestSHA256Hex == "" || in.ResponseSHA256Hex == "" {
			return nil, VerifyOutcome{}, kernelerr.New(kernelerr.CodeRequestBindingRequired, "request/response binding evidence required")
		}
		if g.ExecutionIntent == nil || g.ExecutionIntent.RequestSHA256Hex != in.RequestSHA256Hex {
			return nil, VerifyOutcome{}, kernelerr.New(kernelerr.CodeRequestBindingEvidenceMismatch, "request hash does not match execution intent")
		}
	}
	if g.Policy.RequireProviderSignature {
		if in.ProviderSignatureValid == nil {
			return nil, VerifyOutcome{}, kernelerr.New(kernelerr.CodeEvidenceRequired, "provider signature evidence required")
		}
		if !*in.ProviderSignatureValid {
			return nil, VerifyOutcome{}, kernelerr.New(kernelerr.CodeToolProviderSignatureInvalid, "provider signature does not verify")
		}
	}

	var outcome VerifyOutcome
	if !g.Policy.AutoRelease {
		outcome.ManualReviewRequired = true
	} else {
		switch in.VerificationStatus {
		case VerifyGreen:
			outcome.ReleaseRatePct = g.Policy.GreenReleaseRatePct
		case VerifyAmber:
			outcome.ReleaseRatePct = g.Policy.AmberReleaseRatePct
		case VerifyRed:
			outcome.ReleaseRatePct = g.Policy.RedReleaseRatePct
		default:
			return nil, VerifyOutcome{}, kernelerr.New(kernelerr.CodeEvidenceMismatch, "unknown verificationStatus")
		}
		released := (g.AmountCents * int64(outcome.ReleaseRatePct)) / 100
		if g.HoldbackBps > 0 {
			outcome.HeldbackCents = (g.AmountCents * int64(g.HoldbackBps)) / 10000
			released -= outcome.HeldbackCents
			if released < 0 {
				released = 0
			}
		}
		outcome.ReleasedAmountCents = released
		outcome.RefundedAmountCents = g.AmountCents - released - outcome.HeldbackCents
	}

	g.State = StateVerified
	g.VerifiedAt = in.At
	if err := s.store.Save(ctx, g); err != nil {
		return nil, VerifyOutcome{}, err
	}
	ev, err := s.events.Append(ctx, g.GateID, chainlog.AppendInput{
		Type:  "X402_GATE_VERIFIED",
		Actor: chainlog.Actor{Type: chainlog.ActorSystem, ID: "kernel"},
		Payload: map[string]any{
			"gateId": g.GateID, "verificationStatus": string(in.VerificationStatus),
			"releaseRatePct": float64(outcome.ReleaseRatePct),
		},
		At: in.At,
	}, chainlog.AppendOptions{})
	if err != nil {
		return nil, VerifyOutcome{}, err
	}

	if outcome.ManualReviewRequired {
		return g, outcome, nil
	}

	if err := s.settleOutcome(ctx, g, outcome, in, ev); err != nil {
		return nil, VerifyOutcome{}, err
	}
	return g, outcome, nil
}

// settleOutcome moves the verified gate to its settlement terminal
// (spec §4.7): it releases the computed split through the wallet ledger,
// builds and persists the decision/receipt pair, and transitions the gate
// to `settled` or `refunded`. agreementHash reuses the gate's own id: this
// kernel models one agreement per gate, with no further sub-agreement
// structure for PartialRelease/ResolveHoldbackSplit to key against.
func (s *Service) settleOutcome(ctx context.Context, g *Gate, outcome VerifyOutcome, in VerifyInput, ev *chainlog.Event) error {
	if outcome.HeldbackCents > 0 {
		if err := s.ledger.PartialRelease(ctx, g.GateID, g.GateID, g.PayerAgentID, g.PayeeAgentID,
			outcome.ReleasedAmountCents, outcome.RefundedAmountCents); err != nil {
			return err
		}
	} else if err := s.ledger.ReleaseEscrow(ctx, g.GateID, g.PayerAgentID, g.PayeeAgentID,
		outcome.ReleasedAmountCents, outcome.RefundedAmountCents); err != nil {
		return err
	}

	policyHash, err := signing.HashCanonical(g.Policy)
	if err != nil {
		return err
	}
	decision, err := settlement.BuildDecision(settlement.DecisionRecord{
		DecisionID:         "dec_" + g.GateID,
		RunID:              "run_" + g.GateID,
		SettlementID:       "stl_" + g.GateID,
		AgreementID:        g.GateID,
		DecisionStatus:     settlement.DecisionAutoResolved,
		DecisionMode:       settlement.ModeAutomatic,
		VerificationStatus: settlement.VerificationStatus(in.VerificationStatus),
		PolicyRef:          settlement.PolicyRef{PolicyHash: policyHash},
		VerifierRef: settlement.VerifierRef{
			VerifierID: in.VerifierID, VerifierVersion: in.VerifierVersion,
			VerifierHash: in.VerifierHash, Modality: in.Modality,
		},
		RunStatus:         in.RunStatus,
		RunLastEventID:    ev.EventID,
		RunLastChainHash:  ev.ChainHash,
		ResolutionEventID: ev.EventID,
		Bindings:          verifyBindings(g, in),
		DecidedAt:         in.At,
	})
	if err != nil {
		return err
	}

	status := settlement.ReceiptReleased
	switch {
	case outcome.RefundedAmountCents == g.AmountCents:
		status = settlement.ReceiptRefunded
	case outcome.HeldbackCents > 0:
		status = settlement.ReceiptPartial
	}
	receipt, err := settlement.BuildReceipt(settlement.Receipt{
		ReceiptID:           "rcpt_" + g.GateID,
		DecisionRef:         settlement.DecisionRef{DecisionID: decision.DecisionID, DecisionHash: decision.DecisionHash},
		Status:              status,
		AmountCents:         g.AmountCents,
		ReleasedAmountCents: outcome.ReleasedAmountCents,
		RefundedAmountCents: outcome.RefundedAmountCents,
		ReleaseRatePct:      outcome.ReleaseRatePct,
		Currency:            g.Currency,
		RunStatus:           in.RunStatus,
		ResolutionEventID:   ev.EventID,
		SettledAt:           in.At,
		CreatedAt:           in.At,
		Bindings:            verifyBindings(g, in),
	})
	if err != nil {
		return err
	}

	if s.settlements != nil {
		if err := s.settlements.RecordSettlement(ctx, g.GateID, decision, receipt); err != nil {
			return err
		}
	}

	if outcome.RefundedAmountCents == g.AmountCents {
		g.State = StateRefunded
	} else {
		g.State = StateSettled
	}
	if err := s.store.Save(ctx, g); err != nil {
		return err
	}

	if g.AuthorityGrantRef != "" {
		if err := s.grants.MarkVerified(ctx, g.AuthorityGrantRef, g.GateID); err != nil {
			return err
		}
	}
	return nil
}

func verifyBindings(g *Gate, in VerifyInput) *settlement.Bindings {
	if in.RequestSHA256Hex == "" && in.ResponseSHA256Hex == "" {
		return nil
	}
	b := &settlement.Bindings{RequestSHA256Hex: in.RequestSHA256Hex, ResponseSHA256Hex: in.ResponseSHA256Hex}
	if g.ExecutionIntent != nil {
		b.AuthorizationRef = g.ExecutionIntent.IdempotencyKey
	}
	return b
}

// Cancel implements "any -> canceled": only while the gate has not yet
// reached verified/disputed/arbitrating (or a settled, refunded or canceled
// terminal). Cancel takes no actor and performs no caller authorization
// check.
func (s *Service) Cancel(ctx context.Context, gateID string, at time.Time) (*Gate, error) {
	g, err := s.store.Load(ctx, gateID)
	if err != nil {
		return nil, err
	}
	switch g.State {
	case StateVerified, StateDisputed, StateArbitrating, StateSettled, StateRefunded, StateCanceled:
		return nil, kernelerr.Newf(kernelerr.CodeChainPreconditionFailed, "gate %s cannot be canceled from state %s", gateID, g.State)
	}
	g.State = StateCanceled
	if err := s.store.Save(ctx, g); err != nil {
		return nil, err
	}
	_, err = s.events.Append(ctx, g.GateID, chainlog.AppendInput{
		Type:    "X402_GATE_CANCELED",
		Actor:   chainlog.Actor{Type: chainlog.ActorSystem, ID: "kernel"},
		Payload: map[string]any{"gateId": g.GateID},
		At:      at,
	}, chainlog.AppendOptions{})
	return g, err
}
