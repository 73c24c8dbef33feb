// Package settlement implements the settlement kernel (spec §4.7): it
// builds a SettlementDecisionRecord and a SettlementReceipt from a gate's
// terminal event, policy, and verification evidence, and re-verifies their
// mutual hash and temporal bindings on read. Grounded methodologically on
// native/escrow/trade_engine_test.go's binding-assertion shape (one
// artifact's hash field checked against another's), generalized from trade
// settlement to tool-call settlement.
package settlement

import (
	"time"

	"github.com/nooterra/settld/internal/canonical"
	"github.com/nooterra/settld/internal/kernelerr"
	"github.com/nooterra/settld/internal/signing"
)

type DecisionStatus string

const (
	DecisionAutoResolved         DecisionStatus = "auto_resolved"
	DecisionManualReviewRequired DecisionStatus = "manual_review_required"
	DecisionManualResolved       DecisionStatus = "manual_resolved"
)

type DecisionMode string

const (
	ModeAutomatic DecisionMode = "automatic"
	ModeManual    DecisionMode = "manual"
)

type VerificationStatus string

const (
	VerificationGreen VerificationStatus = "green"
	VerificationAmber VerificationStatus = "amber"
	VerificationRed   VerificationStatus = "red"
)

// PolicyRef anchors the decision to the exact policy and verification
// method that produced it, so a verifier can reproduce the decision later.
type PolicyRef struct {
	PolicyHash             string `json:"policyHash"`
	VerificationMethodHash string `json:"verificationMethodHash"`
}

// VerifierRef identifies the verifier that produced the evidence.
type VerifierRef struct {
	VerifierID      string `json:"verifierId"`
	VerifierVersion string `json:"verifierVersion"`
	VerifierHash    string `json:"verifierHash"`
	Modality        string `json:"modality"`
}

// Bindings is the optional cross-artifact binding evidence carried by both
// the decision and the receipt; when present it must agree between them.
type Bindings struct {
	AuthorizationRef  string `json:"authorizationRef"`
	Token             string `json:"token"`
	RequestSHA256Hex  string `json:"requestSha256Hex"`
	ResponseSHA256Hex string `json:"responseSha256Hex"`
	ProviderSigRef    string `json:"providerSigRef"`
}

// DecisionRecord is a SettlementDecisionRecord v2 (spec Data Model).
type DecisionRecord struct {
	DecisionID         string             `json:"decisionId"`
	RunID              string             `json:"runId"`
	SettlementID       string             `json:"settlementId"`
	AgreementID        string             `json:"agreementId"`
	DecisionStatus     DecisionStatus     `json:"decisionStatus"`
	DecisionMode       DecisionMode       `json:"decisionMode"`
	VerificationStatus VerificationStatus `json:"verificationStatus"`
	PolicyRef          PolicyRef          `json:"policyRef"`
	VerifierRef        VerifierRef        `json:"verifierRef"`
	RunStatus          string             `json:"runStatus"`
	RunLastEventID     string             `json:"runLastEventId"`
	RunLastChainHash   string             `json:"runLastChainHash"`
	ResolutionEventID  string             `json:"resolutionEventId"`
	// DecisionReason distinguishes why this decision exists: empty for an
	// ordinary verify-driven settlement, DecisionReasonArbitrationVerdict for
	// the fresh decision an arbitration verdict produces (spec §4.8).
	DecisionReason string    `json:"decisionReason,omitempty"`
	Bindings       *Bindings `json:"bindings,omitempty"`
	DecidedAt      time.Time `json:"decidedAt"`
	DecisionHash   string    `json:"decisionHash"`
}

// DecisionReasonArbitrationVerdict marks a DecisionRecord as the fresh
// decision produced by an arbitration verdict, as opposed to an ordinary
// gate-verify-driven settlement.
const DecisionReasonArbitrationVerdict = "arbitration_verdict"

// CanonicalValue implements canonical.Canonicalizer, projecting the record
// with decisionHash forced to null per the content-addressing rule (spec §3).
func (d DecisionRecord) CanonicalValue() any {
	kvs := canonical.OrderedObject{
		{Key: "decisionId", Value: d.DecisionID},
		{Key: "runId", Value: d.RunID},
		{Key: "settlementId", Value: d.SettlementID},
		{Key: "agreementId", Value: d.AgreementID},
		{Key: "decisionStatus", Value: string(d.DecisionStatus)},
		{Key: "decisionMode", Value: string(d.DecisionMode)},
		{Key: "verificationStatus", Value: string(d.VerificationStatus)},
		{Key: "policyRef", Value: canonical.OrderedObject{
			{Key: "policyHash", Value: d.PolicyRef.PolicyHash},
			{Key: "verificationMethodHash", Value: d.PolicyRef.VerificationMethodHash},
		}},
		{Key: "verifierRef", Value: canonical.OrderedObject{
			{Key: "verifierId", Value: d.VerifierRef.VerifierID},
			{Key: "verifierVersion", Value: d.VerifierRef.VerifierVersion},
			{Key: "verifierHash", Value: d.VerifierRef.VerifierHash},
			{Key: "modality", Value: d.VerifierRef.Modality},
		}},
		{Key: "runStatus", Value: d.RunStatus},
		{Key: "runLastEventId", Value: d.RunLastEventID},
		{Key: "runLastChainHash", Value: d.RunLastChainHash},
		{Key: "resolutionEventId", Value: d.ResolutionEventID},
		{Key: "decisionReason", Value: d.DecisionReason},
		{Key: "bindings", Value: bindingsValue(d.Bindings)},
		{Key: "decidedAt", Value: d.DecidedAt.UTC().Format(time.RFC3339Nano)},
		{Key: "decisionHash", Value: nil},
	}
	return kvs
}

func bindingsValue(b *Bindings) any {
	if b == nil {
		return nil
	}
	return canonical.OrderedObject{
		{Key: "authorizationRef", Value: b.AuthorizationRef},
		{Key: "token", Value: b.Token},
		{Key: "requestSha256", Value: b.RequestSHA256Hex},
		{Key: "responseSha256", Value: b.ResponseSHA256Hex},
		{Key: "providerSigRef", Value: b.ProviderSigRef},
	}
}

// ReceiptStatus is a SettlementReceipt's terminal disposition.
type ReceiptStatus string

const (
	ReceiptReleased ReceiptStatus = "released"
	ReceiptRefunded ReceiptStatus = "refunded"
	ReceiptPartial  ReceiptStatus = "partial"
	ReceiptHoldback ReceiptStatus = "holdback"
	ReceiptDisputed ReceiptStatus = "disputed"
)

// DecisionRef is how a receipt references the decision it resulted from.
type DecisionRef struct {
	DecisionID   string `json:"decisionId"`
	DecisionHash string `json:"decisionHash"`
}

// Receipt is a SettlementReceipt v1 (spec Data Model).
type Receipt struct {
	ReceiptID           string        `json:"receiptId"`
	DecisionRef         DecisionRef   `json:"decisionRef"`
	Status              ReceiptStatus `json:"status"`
	AmountCents         int64         `json:"amountCents"`
	ReleasedAmountCents int64         `json:"releasedAmountCents"`
	RefundedAmountCents int64         `json:"refundedAmountCents"`
	ReleaseRatePct      int           `json:"releaseRatePct"`
	Currency            string        `json:"currency"`
	RunStatus           string        `json:"runStatus"`
	ResolutionEventID   string        `json:"resolutionEventId"`
	SettledAt           time.Time     `json:"settledAt"`
	CreatedAt           time.Time     `json:"createdAt"`
	Bindings            *Bindings     `json:"bindings,omitempty"`
	ReceiptHash         string        `json:"receiptHash"`
}

// CanonicalValue implements canonical.Canonicalizer.
func (r Receipt) CanonicalValue() any {
	return canonical.OrderedObject{
		{Key: "receiptId", Value: r.ReceiptID},
		{Key: "decisionRef", Value: canonical.OrderedObject{
			{Key: "decisionId", Value: r.DecisionRef.DecisionID},
			{Key: "decisionHash", Value: r.DecisionRef.DecisionHash},
		}},
		{Key: "status", Value: string(r.Status)},
		{Key: "amountCents", Value: float64(r.AmountCents)},
		{Key: "releasedAmountCents", Value: float64(r.ReleasedAmountCents)},
		{Key: "refundedAmountCents", Value: float64(r.RefundedAmountCents)},
		{Key: "releaseRatePct", Value: float64(r.ReleaseRatePct)},
		{Key: "currency", Value: r.Currency},
		{Key: "runStatus", Value: r.RunStatus},
		{Key: "resolutionEventId", Value: r.ResolutionEventID},
		{Key: "settledAt", Value: r.SettledAt.UTC().Format(time.RFC3339Nano)},
		{Key: "createdAt", Value: r.CreatedAt.UTC().Format(time.RFC3339Nano)},
		{Key: "bindings", Value: bindingsValue(r.Bindings)},
		{Key: "receiptHash", Value: nil},
	}
}

// BuildDecision computes DecisionRecord.decisionHash = SHA-256(canonical
// (record with decisionHash=null)) and returns the record with the hash
// filled in.
func BuildDecision(d DecisionRecord) (DecisionRecord, error) {
	d.DecisionHash = ""
	hash, err := signing.HashCanonical(d)
	if err != nil {
		return DecisionRecord{}, err
	}
	d.DecisionHash = hash
	return d, nil
}

// BuildReceipt computes Receipt.receiptHash = SHA-256(canonical(receipt
// with receiptHash=null)) and returns the receipt with the hash filled in.
func BuildReceipt(r Receipt) (Receipt, error) {
	r.ReceiptHash = ""
	hash, err := signing.HashCanonical(r)
	if err != nil {
		return Receipt{}, err
	}
	r.ReceiptHash = hash
	return r, nil
}

// SettlementAdjustment is the artifact an arbitration verdict produces
// (spec §4.8): a second SettlementReceipt, tied to a fresh DecisionRecord
// whose decisionReason is DecisionReasonArbitrationVerdict, that supersedes
// the original receipt's disposition without mutating it.
type SettlementAdjustment struct {
	OriginalReceiptID string         `json:"originalReceiptId"`
	Decision          DecisionRecord `json:"decision"`
	Receipt           Receipt        `json:"receipt"`
}

// BuildAdjustment stamps d with decisionReason=arbitration_verdict, hashes
// it, binds r's decisionRef to the result, hashes r, and returns the
// adjustment. d and r must otherwise already carry the verdict's outcome.
func BuildAdjustment(originalReceiptID string, d DecisionRecord, r Receipt) (SettlementAdjustment, error) {
	d.DecisionReason = DecisionReasonArbitrationVerdict
	d, err := BuildDecision(d)
	if err != nil {
		return SettlementAdjustment{}, err
	}
	r.DecisionRef = DecisionRef{DecisionID: d.DecisionID, DecisionHash: d.DecisionHash}
	r, err = BuildReceipt(r)
	if err != nil {
		return SettlementAdjustment{}, err
	}
	return SettlementAdjustment{OriginalReceiptID: originalReceiptID, Decision: d, Receipt: r}, nil
}

// VerifyBinding re-checks every invariant in spec §4.7's "Binding integrity
// (re-verified on read)" list and returns the first violated one as a
// *kernelerr.Error.
func VerifyBinding(d DecisionRecord, r Receipt) error {
	wantDecisionHash := d.DecisionHash
	recomputed, err := BuildDecision(d)
	if err != nil {
		return err
	}
	if recomputed.DecisionHash != wantDecisionHash {
		return kernelerr.New(kernelerr.CodeDecisionHashMismatch, "decision.decisionHash does not recompute byte-exactly")
	}

	wantReceiptHash := r.ReceiptHash
	recomputedReceipt, err := BuildReceipt(r)
	if err != nil {
		return err
	}
	if recomputedReceipt.ReceiptHash != wantReceiptHash {
		return kernelerr.New(kernelerr.CodeReceiptHashMismatch, "receipt.receiptHash does not recompute byte-exactly")
	}

	if r.DecisionRef.DecisionHash != d.DecisionHash {
		return kernelerr.New(kernelerr.CodeReceiptDecisionHashMismatch, "receipt.decisionRef.decisionHash != record.decisionHash")
	}
	if d.DecidedAt.After(r.SettledAt) {
		return kernelerr.New(kernelerr.CodeReceiptSettledBeforeDecision, "record.decidedAt must be <= receipt.settledAt")
	}
	if d.DecidedAt.After(r.CreatedAt) {
		return kernelerr.New(kernelerr.CodeReceiptBeforeDecision, "record.decidedAt must be <= receipt.createdAt")
	}
	if r.CreatedAt.After(r.SettledAt) {
		return kernelerr.New(kernelerr.CodeReceiptSettledBeforeCreated, "receipt.createdAt must be <= receipt.settledAt")
	}
	if r.RunStatus != d.RunStatus {
		return kernelerr.New(kernelerr.CodeReceiptRunStatusMismatch, "receipt.runStatus != record.runStatus")
	}
	if r.ResolutionEventID != d.ResolutionEventID {
		return kernelerr.New(kernelerr.CodeReceiptRunStatusMismatch, "receipt.resolutionEventId != record.resolutionEventId")
	}
	if d.Bindings != nil || r.Bindings != nil {
		if d.Bindings == nil || r.Bindings == nil || *d.Bindings != *r.Bindings {
			return kernelerr.New(kernelerr.CodeReceiptDecisionHashMismatch, "bindings block disagrees between record and receipt")
		}
	}
	return nil
}

// AgreementDelegation links a parent agreement hash to a child agreement
// hash with a budget cap, depth, and ancestor chain (spec Data Model).
type AgreementDelegation struct {
	ParentAgreementHash string
	ChildAgreementHash  string
	BudgetCapCents      int64
	Depth               int
	AncestorChain       []string
}

// CascadeSettlementCheck returns the deterministic bottom-up parent order
// starting from a child agreement hash: the child first, then each parent
// up the AncestorChain, deduplicated, independent of input ordering.
func CascadeSettlementCheck(delegations []AgreementDelegation, startChildHash string) []string {
	byChild := make(map[string]AgreementDelegation, len(delegations))
	for _, d := range delegations {
		byChild[d.ChildAgreementHash] = d
	}
	var order []string
	seen := map[string]bool{}
	cur := startChildHash
	for {
		if seen[cur] {
			break
		}
		seen[cur] = true
		order = append(order, cur)
		d, ok := byChild[cur]
		if !ok {
			break
		}
		cur = d.ParentAgreementHash
	}
	return order
}

// RefundUnwindCheck returns the deterministic top-down child order starting
// from a parent agreement hash.
func RefundUnwindCheck(delegations []AgreementDelegation, startParentHash string) []string {
	byParent := make(map[string][]AgreementDelegation, len(delegations))
	for _, d := range delegations {
		byParent[d.ParentAgreementHash] = append(byParent[d.ParentAgreementHash], d)
	}
	for parent := range byParent {
		children := byParent[parent]
		sortByChildHash(children)
		byParent[parent] = children
	}

	var order []string
	seen := map[string]bool{}
	var walk func(hash string)
	walk = func(hash string) {
		if seen[hash] {
			return
		}
		seen[hash] = true
		order = append(order, hash)
		for _, d := range byParent[hash] {
			walk(d.ChildAgreementHash)
		}
	}
	walk(startParentHash)
	return order
}

func sortByChildHash(ds []AgreementDelegation) {
	for i := 1; i < len(ds); i++ {
		for j := i; j > 0 && ds[j-1].ChildAgreementHash > ds[j].ChildAgreementHash; j-- {
			ds[j-1], ds[j] = ds[j], ds[j-1]
		}
	}
}
