package jobproof

import (
	"bufio"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nooterra/settld/internal/chainlog"
	"github.com/nooterra/settld/internal/gate"
	"github.com/nooterra/settld/internal/settlement"
	"github.com/nooterra/settld/internal/signing"
)

// writeBundle assembles a valid, self-consistent job-proof bundle in dir
// and returns the governance key pair used to sign it, so tests can
// construct deliberate inconsistencies on top of a known-good baseline.
func writeBundle(t *testing.T, dir string) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()

	govPub, govPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	govPEM, err := signing.PublicKeyToPEM(govPub)
	require.NoError(t, err)
	govKeyID := signing.KeyID(govPEM)

	signedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	trust := Envelope{
		SchemaVersion: "JobProofTrust.v1",
		GeneratedAt:   signedAt,
		Keys: []Key{
			{KeyID: govKeyID, PublicKeyPEM: string(govPEM), Role: RoleGovernance},
		},
	}

	policy := gate.Policy{AutoRelease: true, GreenReleaseRatePct: 100}
	policyHash, err := signing.HashCanonical(policy)
	require.NoError(t, err)
	sig, err := signing.SignHashHex(policyHash, govPriv)
	require.NoError(t, err)
	policySnap := PolicySnapshot{
		Policy: policy, PolicyHash: policyHash,
		SignerKeyID: govKeyID, Signature: sig, SignedAt: signedAt,
	}

	core := chainlog.EventCore{
		Type:    "gate.verified",
		Actor:   chainlog.Actor{Type: chainlog.ActorSystem, ID: "kernel"},
		Payload: map[string]any{"gateId": "gate_1"},
		At:      signedAt,
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
		ResolutionEventID: event.EventID, DecidedAt: signedAt,
	}
	decision, err = settlement.BuildDecision(decision)
	require.NoError(t, err)

	receipt := settlement.Receipt{
		ReceiptID:   "rcpt_1",
		DecisionRef: settlement.DecisionRef{DecisionID: decision.DecisionID, DecisionHash: decision.DecisionHash},
		Status:      settlement.ReceiptReleased, AmountCents: 1000, ReleasedAmountCents: 1000,
		ReleaseRatePct: 100, Currency: "USD", RunStatus: "succeeded", ResolutionEventID: event.EventID,
		SettledAt: signedAt, CreatedAt: signedAt,
	}
	receipt, err = settlement.BuildReceipt(receipt)
	require.NoError(t, err)

	evidence := []EvidenceRef{
		{Kind: "verifier_attestation", RefID: "att_1", SHA256Hex: signing.ZeroHash},
	}

	writeJSONFile(t, dir, FileTrust, trust)
	writeJSONFile(t, dir, FileEvents, events)
	writeJSONFile(t, dir, FilePolicy, policySnap)
	writeJSONFile(t, dir, FileDecision, decision)
	writeJSONFile(t, dir, FileReceipt, receipt)
	writeJSONFile(t, dir, FileEvidence, evidence)
	writeSums(t, dir)

	return govPub, govPriv
}

func writeJSONFile(t *testing.T, dir, name string, v any) {
	t.Helper()
	b, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), b, 0o644))
}

func writeSums(t *testing.T, dir string) {
	t.Helper()
	names := []string{FileTrust, FileEvents, FilePolicy, FileDecision, FileReceipt, FileEvidence}
	f, err := os.Create(filepath.Join(dir, FileSums))
	require.NoError(t, err)
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, name := range names {
		hash, err := fileSHA256Hex(dir, name)
		require.NoError(t, err)
		_, err = fmt.Fprintf(w, "%s  %s\n", hash, name)
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush())
}

func TestVerifyAcceptsAWellFormedBundle(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir)

	report, err := Verify(dir, Options{})
	require.NoError(t, err)
	require.True(t, report.OK, "%+v", report.Errors)
	require.Empty(t, report.Errors)
}

func TestVerifyRejectsTamperedDecisionFile(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir)

	path := filepath.Join(dir, FileDecision)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b = append(b, ' ') // does not change JSON semantics but does change bytes/digest
	require.NoError(t, os.WriteFile(path, b, 0o644))

	report, err := Verify(dir, Options{})
	require.NoError(t, err)
	require.False(t, report.OK)
	require.Contains(t, report.Errors[0], "does not match recorded")
}

func TestVerifyRejectsBrokenChain(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir)

	var events []chainlog.Event
	readJSONFileInto(t, dir, FileEvents, &events)
	events[0].ChainHash = signing.ZeroHash
	writeJSONFile(t, dir, FileEvents, events)
	writeSums(t, dir)

	report, err := Verify(dir, Options{})
	require.NoError(t, err)
	require.False(t, report.OK)
	found := false
	for _, c := range report.Checks {
		if c.Name == "chain" && !c.OK {
			found = true
		}
	}
	require.True(t, found)
}

func TestVerifyRejectsUntrustedPolicySignerAfterRotation(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir)

	var trust Envelope
	readJSONFileInto(t, dir, FileTrust, &trust)
	past := trust.GeneratedAt.Add(-time.Hour)
	trust.Keys[0].RevokedAt = &past
	writeJSONFile(t, dir, FileTrust, trust)
	writeSums(t, dir)

	report, err := Verify(dir, Options{})
	require.NoError(t, err)
	require.False(t, report.OK)
	var sawUntrusted bool
	for _, e := range report.Errors {
		if strings.Contains(e, "not trusted") {
			sawUntrusted = true
		}
	}
	require.True(t, sawUntrusted, "%+v", report.Errors)
}

func TestVerifyStrictTurnsEvidenceWarningIntoError(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir)

	var evidence []EvidenceRef
	readJSONFileInto(t, dir, FileEvidence, &evidence)
	evidence[0].SHA256Hex = "not-a-digest"
	writeJSONFile(t, dir, FileEvidence, evidence)
	writeSums(t, dir)

	lenient, err := Verify(dir, Options{})
	require.NoError(t, err)
	require.True(t, lenient.OK)
	require.NotEmpty(t, lenient.Warnings)

	strict, err := Verify(dir, Options{Strict: true})
	require.NoError(t, err)
	require.False(t, strict.OK)
}

func TestVerifyReportIsByteStableAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir)

	r1, err := Verify(dir, Options{})
	require.NoError(t, err)
	r2, err := Verify(dir, Options{})
	require.NoError(t, err)

	b1, err := json.Marshal(r1)
	require.NoError(t, err)
	b2, err := json.Marshal(r2)
	require.NoError(t, err)
	require.Equal(t, string(b1), string(b2))
}

func readJSONFileInto(t *testing.T, dir, name string, v any) {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, v))
}
