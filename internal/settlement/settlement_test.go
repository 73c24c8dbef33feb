package settlement

import (
	"testing"
	"time"

	"github.com/nooterra/settld/internal/kernelerr"
	"github.com/stretchr/testify/require"
)

func sampleDecision() DecisionRecord {
	return DecisionRecord{
		DecisionID:         "dec_1",
		RunID:              "run_1",
		SettlementID:       "settle_1",
		AgreementID:        "agr_1",
		DecisionStatus:     DecisionAutoResolved,
		DecisionMode:       ModeAutomatic,
		VerificationStatus: VerificationGreen,
		PolicyRef:          PolicyRef{PolicyHash: "ph1", VerificationMethodHash: "vm1"},
		VerifierRef:        VerifierRef{VerifierID: "v1", VerifierVersion: "1.0", VerifierHash: "vh1", Modality: "http"},
		RunStatus:          "completed",
		RunLastEventID:     "ev_abc",
		RunLastChainHash:   "hash_abc",
		ResolutionEventID:  "ev_res",
		DecidedAt:          time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestBuildDecisionIsDeterministic(t *testing.T) {
	d1, err := BuildDecision(sampleDecision())
	require.NoError(t, err)
	d2, err := BuildDecision(sampleDecision())
	require.NoError(t, err)
	require.Equal(t, d1.DecisionHash, d2.DecisionHash)
	require.Len(t, d1.DecisionHash, 64)
}

func sampleReceipt(decisionHash string, decidedAt time.Time) Receipt {
	return Receipt{
		ReceiptID:           "rcpt_1",
		DecisionRef:         DecisionRef{DecisionID: "dec_1", DecisionHash: decisionHash},
		Status:              ReceiptReleased,
		AmountCents:         10000,
		ReleasedAmountCents: 10000,
		RefundedAmountCents: 0,
		ReleaseRatePct:      100,
		Currency:            "USD",
		RunStatus:           "completed",
		ResolutionEventID:   "ev_res",
		SettledAt:           decidedAt.Add(time.Minute),
		CreatedAt:           decidedAt.Add(30 * time.Second),
	}
}

func TestVerifyBindingSucceedsOnValidPair(t *testing.T) {
	d, err := BuildDecision(sampleDecision())
	require.NoError(t, err)
	r, err := BuildReceipt(sampleReceipt(d.DecisionHash, d.DecidedAt))
	require.NoError(t, err)
	require.NoError(t, VerifyBinding(d, r))
}

func TestVerifyBindingCatchesDecisionHashTamper(t *testing.T) {
	d, err := BuildDecision(sampleDecision())
	require.NoError(t, err)
	r, err := BuildReceipt(sampleReceipt(d.DecisionHash, d.DecidedAt))
	require.NoError(t, err)

	d.DecisionStatus = DecisionManualResolved // mutate after hashing without recomputing
	err = VerifyBinding(d, r)
	require.Error(t, err)
	require.True(t, kernelerr.As(err, kernelerr.CodeDecisionHashMismatch))
}

func TestVerifyBindingCatchesReceiptDecisionHashMismatch(t *testing.T) {
	d, err := BuildDecision(sampleDecision())
	require.NoError(t, err)
	r, err := BuildReceipt(sampleReceipt("wrong_hash", d.DecidedAt))
	require.NoError(t, err)

	err = VerifyBinding(d, r)
	require.Error(t, err)
	require.True(t, kernelerr.As(err, kernelerr.CodeReceiptDecisionHashMismatch))
}

func TestVerifyBindingCatchesSettledBeforeDecision(t *testing.T) {
	d, err := BuildDecision(sampleDecision())
	require.NoError(t, err)
	receipt := sampleReceipt(d.DecisionHash, d.DecidedAt)
	receipt.SettledAt = d.DecidedAt.Add(-time.Hour)
	r, err := BuildReceipt(receipt)
	require.NoError(t, err)

	err = VerifyBinding(d, r)
	require.Error(t, err)
}

func TestCascadeSettlementCheckDeterministic(t *testing.T) {
	delegations := []AgreementDelegation{
		{ParentAgreementHash: "root", ChildAgreementHash: "mid"},
		{ParentAgreementHash: "mid", ChildAgreementHash: "leaf"},
	}
	order := CascadeSettlementCheck(delegations, "leaf")
	require.Equal(t, []string{"leaf", "mid", "root"}, order)
}

func TestRefundUnwindCheckDeterministic(t *testing.T) {
	delegations := []AgreementDelegation{
		{ParentAgreementHash: "root", ChildAgreementHash: "b"},
		{ParentAgreementHash: "root", ChildAgreementHash: "a"},
	}
	order := RefundUnwindCheck(delegations, "root")
	require.Equal(t, []string{"root", "a", "b"}, order)
}
