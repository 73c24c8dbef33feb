// Package dispute implements the dispute/arbitration overlay (spec §4.8):
// window-gated dispute open, arbitration case open/verdict/appeal, and the
// verdict-driven holdback split. Opening a dispute records it only: it
// neither freezes the holdback nor changes the receipt's status. Grounded
// directly on native/escrow/engine.go and types.go — ArbitrationScheme,
// ArbitratorSet, FrozenArb, and DecisionOutcome map almost one-to-one onto
// this component's Case/Verdict/Outcome types.
package dispute

import (
	"context"
	"time"

	"github.com/nooterra/settld/internal/kernelerr"
	"github.com/nooterra/settld/internal/settlement"
	"github.com/nooterra/settld/internal/signing"
	"github.com/nooterra/settld/internal/wallet"
)

// CaseStatus is an ArbitrationCase's lifecycle position.
type CaseStatus string

const (
	CaseUnderReview   CaseStatus = "under_review"
	CaseVerdictIssued CaseStatus = "verdict_issued"
	CaseClosed        CaseStatus = "closed"
	CaseAppealed      CaseStatus = "appealed"
)

// Outcome is a verdict's disposition.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomePartial  Outcome = "partial"
)

// Verdict is the canonical envelope an arbiter signs.
type Verdict struct {
	VerdictID      string
	CaseID         string
	ArbiterAgentID string
	Outcome        Outcome
	ReleaseRatePct int
	Rationale      string
	EvidenceRefs   []string
	IssuedAt       time.Time
	SignerKeyID    string
	Signature      string
}

// Case is an ArbitrationCase record.
type Case struct {
	CaseID         string
	RunID          string
	DisputeID      string
	ArbiterAgentID string
	Status         CaseStatus
	Verdict        *Verdict
	EvidenceRefs   []string
	AppealRef      string
	Related        []string
}

// Dispute tracks one open dispute against a settled receipt.
type Dispute struct {
	DisputeID       string
	ReceiptID       string
	GateID          string
	OpenedAt        time.Time
	OpenedByAgentID string
	BindingEvidence string // hash anchored at dispute-open time, checked against the gate's anchored hash
	Closed          bool
}

// ReceiptWindowLookup answers whether now is still within the dispute
// window for a given receipt, and provides the gate's anchored binding
// evidence hash for binding-integrity checks.
type ReceiptWindowLookup interface {
	SettledAt(ctx context.Context, receiptID string) (time.Time, error)
	DisputeWindowDays(ctx context.Context, receiptID string) (int, error)
	AnchoredBindingHash(ctx context.Context, gateID string) (string, error)
}

// KeyResolver answers whether a signer key is the arbiter's registered
// keyId at a point in time.
type KeyResolver interface {
	ArbiterKeyID(ctx context.Context, arbiterAgentID string, at time.Time) (keyID string, pub []byte, ok bool, err error)
}

// Store persists disputes and arbitration cases.
type Store interface {
	SaveDispute(ctx context.Context, d *Dispute) error
	LoadDispute(ctx context.Context, disputeID string) (*Dispute, error)
	SaveCase(ctx context.Context, c *Case) error
	LoadCase(ctx context.Context, caseID string) (*Case, error)
}

// SettlementLookup reads back the decision/receipt pair a gate's verify
// produced, and persists the adjustment pair an arbitration verdict
// produces, the same storage seam gate.SettlementRecorder writes through.
type SettlementLookup interface {
	LoadSettlement(ctx context.Context, receiptID string) (settlement.DecisionRecord, settlement.Receipt, error)
	RecordSettlement(ctx context.Context, gateID string, d settlement.DecisionRecord, r settlement.Receipt) error
}

// Overlay is the dispute/arbitration operation surface. ledger and
// settlements may be nil in tests that only exercise the window/signature
// checks; a live deployment always wires both so IssueVerdict can resolve
// the holdback and produce a SettlementAdjustment.
type Overlay struct {
	store       Store
	windows     ReceiptWindowLookup
	resolver    KeyResolver
	ledger      *wallet.Ledger
	settlements SettlementLookup
}

func New(store Store, windows ReceiptWindowLookup, resolver KeyResolver, ledger *wallet.Ledger, settlements SettlementLookup) *Overlay {
	return &Overlay{store: store, windows: windows, resolver: resolver, ledger: ledger, settlements: settlements}
}

// OpenDispute implements the dispute window check: a dispute can be opened
// only while now <= receipt.settledAt + disputeWindowDays.
func (o *Overlay) OpenDispute(ctx context.Context, d *Dispute, gateID string, anchoredHash string, now time.Time) error {
	settledAt, err := o.windows.SettledAt(ctx, d.ReceiptID)
	if err != nil {
		return err
	}
	windowDays, err := o.windows.DisputeWindowDays(ctx, d.ReceiptID)
	if err != nil {
		return err
	}
	deadline := settledAt.Add(time.Duration(windowDays) * 24 * time.Hour)
	if now.After(deadline) {
		return kernelerr.New(kernelerr.CodeDisputeWindowClosed, "dispute window has closed")
	}

	if d.BindingEvidence == "" {
		return kernelerr.New(kernelerr.CodeDisputeOpenBindingEvidenceRequired, "dispute open requires binding evidence")
	}
	want, err := o.windows.AnchoredBindingHash(ctx, gateID)
	if err != nil {
		return err
	}
	if d.BindingEvidence != want {
		return kernelerr.New(kernelerr.CodeDisputeOpenBindingEvidenceMismatch, "dispute binding evidence does not match the gate's anchored hash")
	}

	d.GateID = gateID
	d.OpenedAt = now
	return o.store.SaveDispute(ctx, d)
}

// OpenCase opens an ArbitrationCase on an already-open dispute.
func (o *Overlay) OpenCase(ctx context.Context, c *Case) error {
	c.Status = CaseUnderReview
	return o.store.SaveCase(ctx, c)
}

// IssueVerdict applies a signed verdict to a case: the verdict's hash must
// be signed by a key matching the arbiter's registered keyId at issuedAt.
// When ledger and settlements are wired it also resolves the gate's parked
// holdback per the verdict's release rate and returns the resulting
// SettlementAdjustment (spec §4.8); nil when either dependency is absent.
func (o *Overlay) IssueVerdict(ctx context.Context, caseID string, v Verdict) (*Case, *settlement.SettlementAdjustment, error) {
	if v.Outcome != OutcomeAccepted && v.Outcome != OutcomeRejected && v.Outcome != OutcomePartial {
		return nil, nil, kernelerr.New(kernelerr.CodeToolCallVerdictNotBinary, "verdict outcome must be accepted, rejected, or partial")
	}
	c, err := o.store.LoadCase(ctx, caseID)
	if err != nil {
		return nil, nil, err
	}

	keyID, pub, ok, err := o.resolver.ArbiterKeyID(ctx, v.ArbiterAgentID, v.IssuedAt)
	if err != nil {
		return nil, nil, err
	}
	if !ok || keyID != v.SignerKeyID {
		return nil, nil, kernelerr.New(kernelerr.CodeDisputeInvalidSigner, "verdict signer is not the arbiter's registered key")
	}
	hashHex, err := signing.HashCanonical(verdictCanonical(v))
	if err != nil {
		return nil, nil, err
	}
	pubKey, err := signing.PublicKeyFromPEM(pub)
	if err != nil {
		return nil, nil, kernelerr.New(kernelerr.CodeDisputeInvalidSigner, "invalid arbiter public key")
	}
	if !signing.VerifyHashHex(hashHex, v.Signature, pubKey) {
		return nil, nil, kernelerr.New(kernelerr.CodeDisputeInvalidSigner, "verdict signature does not verify")
	}

	c.Verdict = &v
	c.Status = CaseVerdictIssued
	if err := o.store.SaveCase(ctx, c); err != nil {
		return nil, nil, err
	}

	if o.ledger == nil || o.settlements == nil {
		return c, nil, nil
	}

	adj, err := o.resolveVerdictSettlement(ctx, c, v)
	if err != nil {
		return nil, nil, err
	}
	return c, adj, nil
}

// resolveVerdictSettlement splits the case's disputed gate's parked
// holdback per the verdict's release rate and builds the superseding
// SettlementAdjustment via wallet.Ledger.ResolveHoldbackSplit, driven by
// the arbiter's releaseRatePct. (An ordinary verify settles through
// ReleaseEscrow/PartialRelease instead and does not use this split.)
func (o *Overlay) resolveVerdictSettlement(ctx context.Context, c *Case, v Verdict) (*settlement.SettlementAdjustment, error) {
	d, err := o.store.LoadDispute(ctx, c.DisputeID)
	if err != nil {
		return nil, err
	}

	releaseRatePct := v.ReleaseRatePct
	switch v.Outcome {
	case OutcomeAccepted:
		releaseRatePct = 100
	case OutcomeRejected:
		releaseRatePct = 0
	}
	if _, _, err := o.ledger.ResolveHoldbackSplit(ctx, d.GateID, d.GateID, releaseRatePct); err != nil {
		return nil, err
	}

	origDecision, origReceipt, err := o.settlements.LoadSettlement(ctx, d.ReceiptID)
	if err != nil {
		return nil, err
	}

	remaining := origReceipt.AmountCents - origReceipt.ReleasedAmountCents - origReceipt.RefundedAmountCents
	releasedCents := remaining * int64(releaseRatePct) / 100
	refundedCents := remaining - releasedCents

	newDecision := origDecision
	newDecision.DecisionStatus = settlement.DecisionManualResolved
	newDecision.DecisionMode = settlement.ModeManual
	newDecision.DecidedAt = v.IssuedAt

	newReceipt := origReceipt
	newReceipt.ReleasedAmountCents = origReceipt.ReleasedAmountCents + releasedCents
	newReceipt.RefundedAmountCents = origReceipt.RefundedAmountCents + refundedCents
	newReceipt.ReleaseRatePct = releaseRatePct
	newReceipt.SettledAt = v.IssuedAt
	switch {
	case newReceipt.RefundedAmountCents == origReceipt.AmountCents:
		newReceipt.Status = settlement.ReceiptRefunded
	case newReceipt.ReleasedAmountCents == origReceipt.AmountCents:
		newReceipt.Status = settlement.ReceiptReleased
	default:
		newReceipt.Status = settlement.ReceiptPartial
	}

	adj, err := settlement.BuildAdjustment(origReceipt.ReceiptID, newDecision, newReceipt)
	if err != nil {
		return nil, err
	}
	if err := o.settlements.RecordSettlement(ctx, d.GateID, adj.Decision, adj.Receipt); err != nil {
		return nil, err
	}
	return &adj, nil
}

func verdictCanonical(v Verdict) map[string]any {
	evidence := make([]any, len(v.EvidenceRefs))
	for i, e := range v.EvidenceRefs {
		evidence[i] = e
	}
	return map[string]any{
		"verdictId":      v.VerdictID,
		"caseId":         v.CaseID,
		"arbiterAgentId": v.ArbiterAgentID,
		"outcome":        string(v.Outcome),
		"releaseRatePct": float64(v.ReleaseRatePct),
		"rationale":      v.Rationale,
		"evidenceRefs":   evidence,
		"issuedAt":       v.IssuedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Close closes a case after its verdict has been applied downstream.
func (o *Overlay) Close(ctx context.Context, caseID string) error {
	c, err := o.store.LoadCase(ctx, caseID)
	if err != nil {
		return err
	}
	c.Status = CaseClosed
	return o.store.SaveCase(ctx, c)
}

// Appeal implements the appeal operation: opening an appeal copies the
// original case's lineage into the new case's related[], and the appealed
// case itself remains closed.
func (o *Overlay) Appeal(ctx context.Context, originalCaseID string, newCase *Case) (*Case, error) {
	original, err := o.store.LoadCase(ctx, originalCaseID)
	if err != nil {
		return nil, err
	}
	newCase.Related = append(append([]string{}, original.Related...), original.CaseID)
	newCase.Status = CaseUnderReview
	if err := o.store.SaveCase(ctx, newCase); err != nil {
		return nil, err
	}

	original.Status = CaseClosed
	original.AppealRef = newCase.CaseID
	if err := o.store.SaveCase(ctx, original); err != nil {
		return nil, err
	}
	return newCase, nil
}
