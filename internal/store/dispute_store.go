package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nooterra/settld/internal/dispute"
)

type disputeRow struct {
	DisputeID       string `gorm:"primaryKey"`
	ReceiptID       string
	GateID          string
	OpenedAt        time.Time
	OpenedByAgentID string
	BindingEvidence string
	Closed          bool
}

func (disputeRow) TableName() string { return "settld_disputes" }

type arbitrationCaseRow struct {
	CaseID           string `gorm:"primaryKey"`
	RunID            string
	DisputeID        string
	ArbiterAgentID   string
	Status           string
	VerdictJSON      string
	EvidenceRefsJSON string
	AppealRef        string
	RelatedJSON      string
}

func (arbitrationCaseRow) TableName() string { return "settld_arbitration_cases" }

// DisputeStore implements dispute.Store.
type DisputeStore struct {
	db *DB
}

func NewDisputeStore(db *DB) *DisputeStore { return &DisputeStore{db: db} }

var _ dispute.Store = (*DisputeStore)(nil)

func (s *DisputeStore) SaveDispute(ctx context.Context, d *dispute.Dispute) error {
	row := disputeRow{
		DisputeID: d.DisputeID, ReceiptID: d.ReceiptID, GateID: d.GateID,
		OpenedAt: d.OpenedAt, OpenedByAgentID: d.OpenedByAgentID,
		BindingEvidence: d.BindingEvidence, Closed: d.Closed,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *DisputeStore) LoadDispute(ctx context.Context, disputeID string) (*dispute.Dispute, error) {
	var row disputeRow
	if err := s.db.WithContext(ctx).Where("dispute_id = ?", disputeID).First(&row).Error; err != nil {
		return nil, err
	}
	return &dispute.Dispute{
		DisputeID: row.DisputeID, ReceiptID: row.ReceiptID, GateID: row.GateID,
		OpenedAt: row.OpenedAt, OpenedByAgentID: row.OpenedByAgentID,
		BindingEvidence: row.BindingEvidence, Closed: row.Closed,
	}, nil
}

func (s *DisputeStore) SaveCase(ctx context.Context, c *dispute.Case) error {
	var verdictJSON, evidenceJSON, relatedJSON []byte
	var err error
	if c.Verdict != nil {
		if verdictJSON, err = json.Marshal(c.Verdict); err != nil {
			return err
		}
	}
	if evidenceJSON, err = json.Marshal(c.EvidenceRefs); err != nil {
		return err
	}
	if relatedJSON, err = json.Marshal(c.Related); err != nil {
		return err
	}
	row := arbitrationCaseRow{
		CaseID: c.CaseID, RunID: c.RunID, DisputeID: c.DisputeID, ArbiterAgentID: c.ArbiterAgentID,
		Status: string(c.Status), VerdictJSON: string(verdictJSON),
		EvidenceRefsJSON: string(evidenceJSON), AppealRef: c.AppealRef, RelatedJSON: string(relatedJSON),
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *DisputeStore) LoadCase(ctx context.Context, caseID string) (*dispute.Case, error) {
	var row arbitrationCaseRow
	if err := s.db.WithContext(ctx).Where("case_id = ?", caseID).First(&row).Error; err != nil {
		return nil, err
	}
	c := &dispute.Case{
		CaseID: row.CaseID, RunID: row.RunID, DisputeID: row.DisputeID, ArbiterAgentID: row.ArbiterAgentID,
		Status: dispute.CaseStatus(row.Status), AppealRef: row.AppealRef,
	}
	if row.VerdictJSON != "" {
		var v dispute.Verdict
		if err := json.Unmarshal([]byte(row.VerdictJSON), &v); err != nil {
			return nil, err
		}
		c.Verdict = &v
	}
	if row.EvidenceRefsJSON != "" {
		if err := json.Unmarshal([]byte(row.EvidenceRefsJSON), &c.EvidenceRefs); err != nil {
			return nil, err
		}
	}
	if row.RelatedJSON != "" {
		if err := json.Unmarshal([]byte(row.RelatedJSON), &c.Related); err != nil {
			return nil, err
		}
	}
	return c, nil
}
