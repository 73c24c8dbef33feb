package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nooterra/settld/internal/authority"
	"github.com/nooterra/settld/internal/chainlog"
	"github.com/nooterra/settld/internal/gate"
	"github.com/nooterra/settld/internal/signing"
	"github.com/nooterra/settld/internal/wallet"
)

type memChainStore struct{ tips map[string]string }

func newMemChainStore() *memChainStore { return &memChainStore{tips: map[string]string{}} }
func (s *memChainStore) Tip(_ context.Context, streamID string) (string, error) {
	if t, ok := s.tips[streamID]; ok {
		return t, nil
	}
	return signing.ZeroHash, nil
}
func (s *memChainStore) FindByIdempotencyKey(_ context.Context, _, _ string) (*chainlog.Event, bool, error) {
	return nil, false, nil
}
func (s *memChainStore) Insert(_ context.Context, ev *chainlog.Event) error {
	s.tips[ev.StreamID] = ev.ChainHash
	return nil
}

type memWalletStore struct {
	wallets map[string]*wallet.Wallet
	ledgers map[string]*wallet.GateLedger
}

func newMemWalletStore() *memWalletStore {
	return &memWalletStore{wallets: map[string]*wallet.Wallet{}, ledgers: map[string]*wallet.GateLedger{}}
}
func (s *memWalletStore) LockWallet(_ context.Context, agentID string) (*wallet.Wallet, error) {
	w, ok := s.wallets[agentID]
	if !ok {
		w = &wallet.Wallet{AgentID: agentID, Currency: "USD", AvailableCents: 1_000_000}
		s.wallets[agentID] = w
	}
	cp := *w
	return &cp, nil
}
func (s *memWalletStore) SaveWallet(_ context.Context, w *wallet.Wallet) error {
	cp := *w
	s.wallets[w.AgentID] = &cp
	return nil
}
func (s *memWalletStore) LockGateLedger(_ context.Context, gateID string) (*wallet.GateLedger, error) {
	g, ok := s.ledgers[gateID]
	if !ok {
		g = &wallet.GateLedger{GateID: gateID}
		s.ledgers[gateID] = g
	}
	cp := *g
	return &cp, nil
}
func (s *memWalletStore) SaveGateLedger(_ context.Context, g *wallet.GateLedger) error {
	cp := *g
	s.ledgers[g.GateID] = &cp
	return nil
}
func (s *memWalletStore) SeenCreditIdempotencyKey(_ context.Context, _, _ string) (bool, error) {
	return false, nil
}
func (s *memWalletStore) RecordCreditIdempotencyKey(_ context.Context, _, _ string) error { return nil }
func (s *memWalletStore) SaveHoldback(_ context.Context, _ *wallet.HoldbackFund) error    { return nil }
func (s *memWalletStore) LoadHoldback(_ context.Context, _, _ string) (*wallet.HoldbackFund, error) {
	return &wallet.HoldbackFund{}, nil
}

type memGrantStore struct{ grants map[string]*authority.Grant }

func newMemGrantStore() *memGrantStore { return &memGrantStore{grants: map[string]*authority.Grant{}} }
func (s *memGrantStore) Save(_ context.Context, g *authority.Grant) error {
	cp := *g
	s.grants[g.GrantID] = &cp
	return nil
}
func (s *memGrantStore) Load(_ context.Context, grantID string) (*authority.Grant, error) {
	cp := *s.grants[grantID]
	return &cp, nil
}
func (s *memGrantStore) RecordGateAuthorization(_ context.Context, _, _ string) error { return nil }
func (s *memGrantStore) GateVerified(_ context.Context, _ string) (bool, error)       { return false, nil }
func (s *memGrantStore) GatesAuthorizedBy(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}
func (s *memGrantStore) MarkGateVerified(_ context.Context, _, _ string) error { return nil }

type memGateStore struct{ gates map[string]*gate.Gate }

func newMemGateStore() *memGateStore { return &memGateStore{gates: map[string]*gate.Gate{}} }
func (s *memGateStore) Save(_ context.Context, g *gate.Gate) error {
	cp := *g
	s.gates[g.GateID] = &cp
	return nil
}
func (s *memGateStore) Load(_ context.Context, gateID string) (*gate.Gate, error) {
	cp := *s.gates[gateID]
	return &cp, nil
}

type noEmergency struct{}

func (noEmergency) KillSwitchActive(_ context.Context, _ string) (bool, error) { return false, nil }
func (noEmergency) PauseActive(_ context.Context, _ string) (bool, error)      { return false, nil }
func (noEmergency) QuarantineActive(_ context.Context, _ string) (bool, error) { return false, nil }

type activeAgents struct{}

func (activeAgents) AgentActive(_ context.Context, _ string) (bool, error) { return true, nil }

type noWalletIssuer struct{}

func (noWalletIssuer) VerifyDecisionToken(_ context.Context, _, _ string) (bool, error) {
	return true, nil
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	svc := gate.New(gate.Deps{
		Store:        newMemGateStore(),
		Events:       chainlog.New(newMemChainStore(), nil),
		Ledger:       wallet.New(newMemWalletStore()),
		Grants:       authority.New(newMemGrantStore()),
		Emergency:    noEmergency{},
		Agents:       activeAgents{},
		WalletIssuer: noWalletIssuer{},
		Now:          func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
	})
	return NewRouter(Deps{Gates: svc})
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGateLifecycleOverHTTP(t *testing.T) {
	h := newTestServer(t)

	createRec := doJSON(t, h, http.MethodPost, "/v1/gates", createGateRequest{
		GateID: "gate_1", TenantID: "tenant_1",
		PayerAgentID: "payer", PayeeAgentID: "payee",
		AmountCents: 10000, Currency: "USD",
		ToolID: "tool_1", ProviderID: "provider_1",
		Policy: wirePolicy{AutoRelease: true, GreenReleaseRatePct: 100},
	})
	require.Equal(t, http.StatusPaymentRequired, createRec.Code)
	require.Contains(t, createRec.Header().Get("X-Payment-Required"), "amountCents=10000")

	authRec := doJSON(t, h, http.MethodPost, "/v1/gates/gate_1/authorize-payment", authorizeRequest{})
	require.Equal(t, http.StatusOK, authRec.Code)

	verifyRec := doJSON(t, h, http.MethodPost, "/v1/gates/gate_1/verify", verifyRequest{
		VerificationStatus: "green", RunStatus: "succeeded",
	})
	require.Equal(t, http.StatusOK, verifyRec.Code)
	require.Equal(t, "released", verifyRec.Header().Get("X-Settld-Settlement-Status"))
	require.Equal(t, "10000", verifyRec.Header().Get("X-Settld-Released-Amount-Cents"))
}

func TestCreateGateRejectsMalformedBody(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/gates", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
