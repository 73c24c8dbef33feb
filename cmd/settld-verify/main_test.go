package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nooterra/settld/internal/chainlog"
	"github.com/nooterra/settld/internal/gate"
	"github.com/nooterra/settld/internal/jobproof"
	"github.com/nooterra/settld/internal/settlement"
	"github.com/nooterra/settld/internal/signing"
)

func writeWellFormedBundle(t *testing.T, dir string) {
	t.Helper()

	govPub, govPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	govPEM, err := signing.PublicKeyToPEM(govPub)
	require.NoError(t, err)
	govKeyID := signing.KeyID(govPEM)

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	trust := jobproof.Envelope{
		SchemaVersion: "JobProofTrust.v1", GeneratedAt: at,
		Keys: []jobproof.Key{{KeyID: govKeyID, PublicKeyPEM: string(govPEM), Role: jobproof.RoleGovernance}},
	}

	policy := gate.Policy{AutoRelease: true, GreenReleaseRatePct: 100}
	policyHash, err := signing.HashCanonical(policy)
	require.NoError(t, err)
	sig, err := signing.SignHashHex(policyHash, govPriv)
	require.NoError(t, err)
	policySnap := jobproof.PolicySnapshot{
		Policy: policy, PolicyHash: policyHash, SignerKeyID: govKeyID, Signature: sig, SignedAt: at,
	}

	core := chainlog.EventCore{
		Type: "gate.verified", Actor: chainlog.Actor{Type: chainlog.ActorSystem, ID: "kernel"},
		Payload: map[string]any{"gateId": "gate_1"}, At: at,
	}
	chainHash, err := chainlog.RecomputeChainHash(signing.ZeroHash, core)
	require.NoError(t, err)
	event := chainlog.Event{
		EventID: "ev_1", StreamID: "gate_1", EventCore: core,
		PrevChainHash: signing.ZeroHash, ChainHash: chainHash,
	}
	events := []chainlog.Event{event}

	decision := settlement.DecisionRecord{
		DecisionID: "dec_1", RunID: "gate_1", SettlementID: "settle_1", AgreementID: "agr_1",
		DecisionStatus: settlement.DecisionAutoResolved, DecisionMode: settlement.ModeAutomatic,
		VerificationStatus: settlement.VerificationGreen,
		PolicyRef:          settlement.PolicyRef{PolicyHash: policyHash, VerificationMethodHash: "vm_1"},
		VerifierRef:        settlement.VerifierRef{VerifierID: "v1", VerifierVersion: "1", VerifierHash: "vh_1", Modality: "auto"},
		RunStatus:          "succeeded", RunLastEventID: event.EventID, RunLastChainHash: event.ChainHash,
		ResolutionEventID: event.EventID, DecidedAt: at,
	}
	decision, err = settlement.BuildDecision(decision)
	require.NoError(t, err)

	receipt := settlement.Receipt{
		ReceiptID:   "rcpt_1",
		DecisionRef: settlement.DecisionRef{DecisionID: decision.DecisionID, DecisionHash: decision.DecisionHash},
		Status:      settlement.ReceiptReleased, AmountCents: 1000, ReleasedAmountCents: 1000,
		ReleaseRatePct: 100, Currency: "USD", RunStatus: "succeeded", ResolutionEventID: event.EventID,
		SettledAt: at, CreatedAt: at,
	}
	receipt, err = settlement.BuildReceipt(receipt)
	require.NoError(t, err)

	evidence := []jobproof.EvidenceRef{{Kind: "verifier_attestation", RefID: "att_1", SHA256Hex: signing.ZeroHash}}

	write := func(name string, v any) {
		b, err := json.MarshalIndent(v, "", "  ")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), b, 0o644))
	}
	write(jobproof.FileTrust, trust)
	write(jobproof.FileEvents, events)
	write(jobproof.FilePolicy, policySnap)
	write(jobproof.FileDecision, decision)
	write(jobproof.FileReceipt, receipt)
	write(jobproof.FileEvidence, evidence)

	names := []string{jobproof.FileTrust, jobproof.FileEvents, jobproof.FilePolicy, jobproof.FileDecision, jobproof.FileReceipt, jobproof.FileEvidence}
	var sums bytes.Buffer
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		hash := signing.SHA256Hex(b)
		sums.WriteString(hash + "  " + name + "\n")
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, jobproof.FileSums), sums.Bytes(), 0o644))
}

func TestRunExitsZeroOnAWellFormedBundle(t *testing.T) {
	dir := t.TempDir()
	writeWellFormedBundle(t, dir)

	var stdout, stderr bytes.Buffer
	code := run([]string{"--job-proof", dir}, &stdout, &stderr)
	require.Equal(t, 0, code)
	require.Contains(t, stdout.String(), `"ok": true`)
}

func TestRunExitsTwoOnMissingFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{}, &stdout, &stderr)
	require.Equal(t, 2, code)
}

func TestRunExitsTwoOnMissingDirectory(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"--job-proof", "/nonexistent/path"}, &stdout, &stderr)
	require.Equal(t, 2, code)
}

func TestRunExitsOneOnBrokenBundle(t *testing.T) {
	dir := t.TempDir()
	writeWellFormedBundle(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, jobproof.FileDecision), []byte(`{"decisionId":"tampered"}`), 0o644))

	var stdout, stderr bytes.Buffer
	code := run([]string{"--job-proof", dir}, &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stdout.String(), `"ok": false`)
}
