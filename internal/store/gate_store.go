package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nooterra/settld/internal/gate"
)

type gateRow struct {
	GateID              string `gorm:"primaryKey"`
	TenantID            string
	PayerAgentID        string
	PayeeAgentID        string
	AmountCents         int64
	Currency            string
	ToolID              string
	ProviderID          string
	AuthorityGrantRef   string
	HoldbackBps         int
	DisputeWindowDays   int
	PolicyJSON          string
	ExecutionIntentJSON string
	State               string
	CreatedAt           time.Time
	AuthorizedAt        time.Time
	VerifiedAt          time.Time
}

func (gateRow) TableName() string { return "settld_gates" }

// GateStore implements gate.Store.
type GateStore struct {
	db *DB
}

func NewGateStore(db *DB) *GateStore { return &GateStore{db: db} }

var _ gate.Store = (*GateStore)(nil)

func (s *GateStore) Save(ctx context.Context, g *gate.Gate) error {
	policy, err := json.Marshal(g.Policy)
	if err != nil {
		return err
	}
	var intent string
	if g.ExecutionIntent != nil {
		b, err := json.Marshal(g.ExecutionIntent)
		if err != nil {
			return err
		}
		intent = string(b)
	}
	row := gateRow{
		GateID: g.GateID, TenantID: g.TenantID, PayerAgentID: g.PayerAgentID, PayeeAgentID: g.PayeeAgentID,
		AmountCents: g.AmountCents, Currency: g.Currency, ToolID: g.ToolID, ProviderID: g.ProviderID,
		AuthorityGrantRef: g.AuthorityGrantRef, HoldbackBps: g.HoldbackBps, DisputeWindowDays: g.DisputeWindowDays,
		PolicyJSON: string(policy), ExecutionIntentJSON: intent, State: string(g.State),
		CreatedAt: g.CreatedAt, AuthorizedAt: g.AuthorizedAt, VerifiedAt: g.VerifiedAt,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *GateStore) Load(ctx context.Context, gateID string) (*gate.Gate, error) {
	var row gateRow
	if err := s.db.WithContext(ctx).Where("gate_id = ?", gateID).First(&row).Error; err != nil {
		return nil, err
	}
	var policy gate.Policy
	if err := json.Unmarshal([]byte(row.PolicyJSON), &policy); err != nil {
		return nil, err
	}
	g := &gate.Gate{
		GateID: row.GateID, TenantID: row.TenantID, PayerAgentID: row.PayerAgentID, PayeeAgentID: row.PayeeAgentID,
		AmountCents: row.AmountCents, Currency: row.Currency, ToolID: row.ToolID, ProviderID: row.ProviderID,
		AuthorityGrantRef: row.AuthorityGrantRef, HoldbackBps: row.HoldbackBps, DisputeWindowDays: row.DisputeWindowDays,
		Policy: policy, State: gate.State(row.State),
		CreatedAt: row.CreatedAt, AuthorizedAt: row.AuthorizedAt, VerifiedAt: row.VerifiedAt,
	}
	if row.ExecutionIntentJSON != "" {
		var intent gate.ExecutionIntent
		if err := json.Unmarshal([]byte(row.ExecutionIntentJSON), &intent); err != nil {
			return nil, err
		}
		g.ExecutionIntent = &intent
	}
	return g, nil
}
