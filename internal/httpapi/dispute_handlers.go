package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nooterra/settld/internal/dispute"
)

type openDisputeRequest struct {
	DisputeID       string `json:"disputeId"`
	ReceiptID       string `json:"receiptId"`
	OpenedByAgentID string `json:"openedByAgentId"`
	BindingEvidence string `json:"bindingEvidence"`
	AnchoredHash    string `json:"anchoredHash"`
}

// handleOpenDispute implements the dispute-open operation (spec §4.8):
// opening a dispute against a settled receipt's gate, gated by the receipt's
// dispute window and its anchored binding evidence.
func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	gateID := chi.URLParam(r, "gateID")
	var req openDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	d := &dispute.Dispute{
		DisputeID: req.DisputeID, ReceiptID: req.ReceiptID,
		OpenedByAgentID: req.OpenedByAgentID, BindingEvidence: req.BindingEvidence,
	}
	if err := s.disputes.OpenDispute(r.Context(), d, gateID, req.AnchoredHash, s.now()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, disputeResponse(d))
}

type openCaseRequest struct {
	CaseID         string   `json:"caseId"`
	RunID          string   `json:"runId"`
	DisputeID      string   `json:"disputeId"`
	ArbiterAgentID string   `json:"arbiterAgentId"`
	EvidenceRefs   []string `json:"evidenceRefs"`
}

// handleOpenCase opens an ArbitrationCase on an already-open dispute.
func (s *Server) handleOpenCase(w http.ResponseWriter, r *http.Request) {
	var req openCaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	c := &dispute.Case{
		CaseID: req.CaseID, RunID: req.RunID, DisputeID: req.DisputeID,
		ArbiterAgentID: req.ArbiterAgentID, EvidenceRefs: req.EvidenceRefs,
	}
	if err := s.disputes.OpenCase(r.Context(), c); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, caseResponse(c))
}

type issueVerdictRequest struct {
	VerdictID      string   `json:"verdictId"`
	ArbiterAgentID string   `json:"arbiterAgentId"`
	Outcome        string   `json:"outcome"`
	ReleaseRatePct int      `json:"releaseRatePct"`
	Rationale      string   `json:"rationale"`
	EvidenceRefs   []string `json:"evidenceRefs"`
	IssuedAt       string   `json:"issuedAt"`
	SignerKeyID    string   `json:"signerKeyId"`
	Signature      string   `json:"signature"`
}

// handleIssueVerdict applies a signed arbiter verdict to a case and, when a
// settlement kernel is wired, resolves the disputed gate's holdback and
// responds with the resulting settlement adjustment.
func (s *Server) handleIssueVerdict(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	var req issueVerdictRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	issuedAt, err := time.Parse(time.RFC3339Nano, req.IssuedAt)
	if err != nil {
		issuedAt = s.now()
	}
	v := dispute.Verdict{
		VerdictID: req.VerdictID, CaseID: caseID, ArbiterAgentID: req.ArbiterAgentID,
		Outcome: dispute.Outcome(req.Outcome), ReleaseRatePct: req.ReleaseRatePct,
		Rationale: req.Rationale, EvidenceRefs: req.EvidenceRefs,
		IssuedAt: issuedAt, SignerKeyID: req.SignerKeyID, Signature: req.Signature,
	}
	c, adj, err := s.disputes.IssueVerdict(r.Context(), caseID, v)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"case": caseResponse(c)}
	if adj != nil {
		resp["settlementAdjustment"] = adj
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCloseCase closes a case after its verdict has been applied downstream.
func (s *Server) handleCloseCase(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	if err := s.disputes.Close(r.Context(), caseID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"caseId": caseID, "status": string(dispute.CaseClosed)})
}

type appealRequest struct {
	NewCaseID      string `json:"newCaseId"`
	RunID          string `json:"runId"`
	DisputeID      string `json:"disputeId"`
	ArbiterAgentID string `json:"arbiterAgentId"`
}

// handleAppeal opens an appeal case carrying the original case's lineage.
func (s *Server) handleAppeal(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	var req appealRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	newCase := &dispute.Case{
		CaseID: req.NewCaseID, RunID: req.RunID, DisputeID: req.DisputeID,
		ArbiterAgentID: req.ArbiterAgentID,
	}
	result, err := s.disputes.Appeal(r.Context(), caseID, newCase)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, caseResponse(result))
}

func disputeResponse(d *dispute.Dispute) map[string]any {
	return map[string]any{
		"disputeId": d.DisputeID, "receiptId": d.ReceiptID, "gateId": d.GateID,
		"openedAt": d.OpenedAt, "openedByAgentId": d.OpenedByAgentID, "closed": d.Closed,
	}
}

func caseResponse(c *dispute.Case) map[string]any {
	return map[string]any{
		"caseId": c.CaseID, "runId": c.RunID, "disputeId": c.DisputeID,
		"arbiterAgentId": c.ArbiterAgentID, "status": string(c.Status),
		"appealRef": c.AppealRef, "related": c.Related,
	}
}
