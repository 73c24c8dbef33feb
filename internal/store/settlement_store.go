package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nooterra/settld/internal/gate"
	"github.com/nooterra/settld/internal/settlement"
)

// settlementRow persists one gate's terminal decision/receipt pair, keyed by
// receiptId so a later dispute (and the job-proof bundle exporter) can look
// the pair back up without replaying the gate's chain event stream.
type settlementRow struct {
	ReceiptID    string `gorm:"primaryKey"`
	GateID       string `gorm:"index"`
	DecisionJSON string
	ReceiptJSON  string
	CreatedAt    time.Time
}

func (settlementRow) TableName() string { return "settld_settlements" }

// SettlementStore implements gate.SettlementRecorder and
// dispute.SettlementLookup over the same table.
type SettlementStore struct {
	db *DB
}

func NewSettlementStore(db *DB) *SettlementStore { return &SettlementStore{db: db} }

var _ gate.SettlementRecorder = (*SettlementStore)(nil)

func (s *SettlementStore) RecordSettlement(ctx context.Context, gateID string, d settlement.DecisionRecord, r settlement.Receipt) error {
	decisionJSON, err := json.Marshal(d)
	if err != nil {
		return err
	}
	receiptJSON, err := json.Marshal(r)
	if err != nil {
		return err
	}
	row := settlementRow{
		ReceiptID: r.ReceiptID, GateID: gateID,
		DecisionJSON: string(decisionJSON), ReceiptJSON: string(receiptJSON),
		CreatedAt: r.CreatedAt,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

// LoadSettlement looks a previously recorded decision/receipt pair back up
// by the receipt id a dispute was opened against.
func (s *SettlementStore) LoadSettlement(ctx context.Context, receiptID string) (settlement.DecisionRecord, settlement.Receipt, error) {
	var row settlementRow
	if err := s.db.WithContext(ctx).Where("receipt_id = ?", receiptID).First(&row).Error; err != nil {
		return settlement.DecisionRecord{}, settlement.Receipt{}, err
	}
	var d settlement.DecisionRecord
	var r settlement.Receipt
	if err := json.Unmarshal([]byte(row.DecisionJSON), &d); err != nil {
		return d, r, err
	}
	if err := json.Unmarshal([]byte(row.ReceiptJSON), &r); err != nil {
		return d, r, err
	}
	return d, r, nil
}
