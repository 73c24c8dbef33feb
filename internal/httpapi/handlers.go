package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nooterra/settld/internal/gate"
)

// createGateRequest is the wire body for POST /v1/gates — the x402
// "create" challenge operation (spec §4.6).
type createGateRequest struct {
	GateID            string     `json:"gateId"`
	TenantID          string     `json:"tenantId"`
	PayerAgentID      string     `json:"payerAgentId"`
	PayeeAgentID      string     `json:"payeeAgentId"`
	AmountCents       int64      `json:"amountCents"`
	Currency          string     `json:"currency"`
	ToolID            string     `json:"toolId"`
	ProviderID        string     `json:"providerId"`
	AuthorityGrantRef string     `json:"authorityGrantRef"`
	HoldbackBps       int        `json:"holdbackBps"`
	DisputeWindowDays int        `json:"disputeWindowDays"`
	Policy            wirePolicy `json:"policy"`
}

type wirePolicy struct {
	AutoRelease                 bool `json:"autoRelease"`
	GreenReleaseRatePct         int  `json:"greenReleaseRatePct"`
	AmberReleaseRatePct         int  `json:"amberReleaseRatePct"`
	RedReleaseRatePct           int  `json:"redReleaseRatePct"`
	RequireExecutionIntent      bool `json:"requireExecutionIntent"`
	RequireRequestBinding       bool `json:"requireRequestBinding"`
	RequireProviderSignature    bool `json:"requireProviderSignature"`
	RequireWalletIssuerDecision bool `json:"requireWalletIssuerDecision"`
}

func (p wirePolicy) toGatePolicy() gate.Policy {
	return gate.Policy{
		AutoRelease: p.AutoRelease, GreenReleaseRatePct: p.GreenReleaseRatePct,
		AmberReleaseRatePct: p.AmberReleaseRatePct, RedReleaseRatePct: p.RedReleaseRatePct,
		RequireExecutionIntent: p.RequireExecutionIntent, RequireRequestBinding: p.RequireRequestBinding,
		RequireProviderSignature: p.RequireProviderSignature, RequireWalletIssuerDecision: p.RequireWalletIssuerDecision,
	}
}

// handleCreate implements the x402 "create" challenge operation: stores the
// gate and responds with the `x-payment-required` challenge header (spec
// §6). The header is built from the gate's amount/currency/provider/tool
// fields only; provider quote headers are neither read nor verified here.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createGateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	g, err := s.gates.Create(r.Context(), gate.CreateInput{
		GateID: req.GateID, TenantID: req.TenantID,
		PayerAgentID: req.PayerAgentID, PayeeAgentID: req.PayeeAgentID,
		AmountCents: req.AmountCents, Currency: req.Currency,
		ToolID: req.ToolID, ProviderID: req.ProviderID,
		AuthorityGrantRef: req.AuthorityGrantRef,
		HoldbackBps:       req.HoldbackBps,
		DisputeWindowDays: req.DisputeWindowDays,
		Policy:            req.Policy.toGatePolicy(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("x-payment-required", fmt.Sprintf(
		"amountCents=%d; currency=%s; providerId=%s; toolId=%s",
		g.AmountCents, g.Currency, g.ProviderID, g.ToolID,
	))
	writeJSON(w, http.StatusPaymentRequired, gateResponse(g))
}

type executionIntentWire struct {
	IdempotencyKey   string `json:"idempotencyKey"`
	RequestSHA256Hex string `json:"requestSha256Hex"`
}

type authorizeRequest struct {
	EmergencyScope            string               `json:"emergencyScope"`
	WalletIssuerDecisionToken string               `json:"walletAuthorizationDecisionToken"`
	ExecutionIntent           *executionIntentWire `json:"executionIntent"`
}

// handleAuthorize implements the "authorize-payment" operation (spec §4.6).
// The wallet-issuer decision token is taken from the JSON body field
// walletAuthorizationDecisionToken; the request's Authorization header is
// not read. Token verification happens inside gate.Service via the
// injected nooterrapay.DecisionVerifier.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	gateID := chi.URLParam(r, "gateID")
	var req authorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}

	in := gate.AuthorizeInput{
		EmergencyScope:            req.EmergencyScope,
		WalletIssuerDecisionToken: req.WalletIssuerDecisionToken,
		At:                        s.now(),
	}
	if req.ExecutionIntent != nil {
		in.ExecutionIntent = &gate.ExecutionIntent{
			IdempotencyKey:   req.ExecutionIntent.IdempotencyKey,
			RequestSHA256Hex: req.ExecutionIntent.RequestSHA256Hex,
		}
	}

	g, err := s.gates.Authorize(r.Context(), gateID, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gateResponse(g))
}

type verifyRequest struct {
	VerificationStatus     string `json:"verificationStatus"`
	RunStatus              string `json:"runStatus"`
	RequestSHA256Hex       string `json:"requestSha256Hex"`
	ResponseSHA256Hex      string `json:"responseSha256Hex"`
	ProviderSignatureValid *bool  `json:"providerSignatureValid"`
	VerifierID             string `json:"verifierId"`
	VerifierVersion        string `json:"verifierVersion"`
	VerifierHash           string `json:"verifierHash"`
	Modality               string `json:"modality"`
}

// handleVerify implements the "verify" operation (spec §4.6) and writes the
// `x-settld-*` settlement-status response headers on success.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	gateID := chi.URLParam(r, "gateID")
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}

	g, outcome, err := s.gates.Verify(r.Context(), gateID, gate.VerifyInput{
		VerificationStatus:     gate.VerifyStatus(strings.ToLower(req.VerificationStatus)),
		RunStatus:              req.RunStatus,
		RequestSHA256Hex:       req.RequestSHA256Hex,
		ResponseSHA256Hex:      req.ResponseSHA256Hex,
		ProviderSignatureValid: req.ProviderSignatureValid,
		VerifierID:             req.VerifierID,
		VerifierVersion:        req.VerifierVersion,
		VerifierHash:           req.VerifierHash,
		Modality:               req.Modality,
		At:                     s.now(),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := "released"
	switch {
	case outcome.ManualReviewRequired:
		status = "disputed"
	case outcome.RefundedAmountCents == g.AmountCents:
		status = "refunded"
	case outcome.RefundedAmountCents > 0 || outcome.HeldbackCents > 0:
		status = "partial"
	}
	holdbackStatus := "released"
	if outcome.HeldbackCents > 0 {
		holdbackStatus = "held"
	}
	w.Header().Set("x-settld-gate-id", g.GateID)
	w.Header().Set("x-settld-settlement-status", status)
	w.Header().Set("x-settld-released-amount-cents", strconv.FormatInt(outcome.ReleasedAmountCents, 10))
	w.Header().Set("x-settld-refunded-amount-cents", strconv.FormatInt(outcome.RefundedAmountCents, 10))
	w.Header().Set("x-settld-holdback-status", holdbackStatus)
	w.Header().Set("x-settld-holdback-amount-cents", strconv.FormatInt(outcome.HeldbackCents, 10))

	writeJSON(w, http.StatusOK, map[string]any{
		"gate":    gateResponse(g),
		"outcome": outcome,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	gateID := chi.URLParam(r, "gateID")
	g, err := s.gates.Cancel(r.Context(), gateID, s.now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gateResponse(g))
}

func gateResponse(g *gate.Gate) map[string]any {
	return map[string]any{
		"gateId": g.GateID, "tenantId": g.TenantID,
		"payerAgentId": g.PayerAgentID, "payeeAgentId": g.PayeeAgentID,
		"amountCents": g.AmountCents, "currency": g.Currency,
		"toolId": g.ToolID, "providerId": g.ProviderID,
		"state": string(g.State),
	}
}
