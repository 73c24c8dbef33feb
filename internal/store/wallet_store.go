package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/nooterra/settld/internal/wallet"
)

type walletRow struct {
	AgentID           string `gorm:"primaryKey"`
	Currency          string
	AvailableCents    int64
	EscrowLockedCents int64
	TotalDebitedCents int64
}

func (walletRow) TableName() string { return "settld_wallets" }

type gateLedgerRow struct {
	GateID        string `gorm:"primaryKey"`
	LockedCents   int64
	ReleasedCents int64
	RefundedCents int64
	HeldbackCents int64
}

func (gateLedgerRow) TableName() string { return "settld_gate_ledgers" }

type walletCreditIdemRow struct {
	AgentID        string `gorm:"primaryKey"`
	IdempotencyKey string `gorm:"primaryKey"`
}

func (walletCreditIdemRow) TableName() string { return "settld_wallet_credit_idempotency" }

type holdbackRow struct {
	GateID        string `gorm:"primaryKey"`
	AgreementHash string `gorm:"primaryKey"`
	PayerID       string
	PayeeID       string
	HeldbackCents int64
	Resolved      bool
}

func (holdbackRow) TableName() string { return "settld_holdback_funds" }

// WalletStore implements wallet.Store. Each Lock*/Save* call opens its own
// short transaction; per-agent serialization (spec §5) additionally relies
// on the caller (the gate/authority services) serializing composite
// operations on the sorted (payerId, payeeId) tuple the way spec §4.4
// requires, the same advisory-locking discipline gorm's
// pg_advisory_xact_lock gives internal/maintenance.
type WalletStore struct {
	db *DB
}

func NewWalletStore(db *DB) *WalletStore { return &WalletStore{db: db} }

var _ wallet.Store = (*WalletStore)(nil)

func (s *WalletStore) LockWallet(ctx context.Context, agentID string) (*wallet.Wallet, error) {
	var row walletRow
	err := forUpdate(s.db.WithContext(ctx)).Where("agent_id = ?", agentID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = walletRow{AgentID: agentID}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return &wallet.Wallet{
		AgentID: row.AgentID, Currency: row.Currency,
		AvailableCents: row.AvailableCents, EscrowLockedCents: row.EscrowLockedCents,
		TotalDebitedCents: row.TotalDebitedCents,
	}, nil
}

func (s *WalletStore) SaveWallet(ctx context.Context, w *wallet.Wallet) error {
	row := walletRow{
		AgentID: w.AgentID, Currency: w.Currency,
		AvailableCents: w.AvailableCents, EscrowLockedCents: w.EscrowLockedCents,
		TotalDebitedCents: w.TotalDebitedCents,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *WalletStore) LockGateLedger(ctx context.Context, gateID string) (*wallet.GateLedger, error) {
	var row gateLedgerRow
	err := forUpdate(s.db.WithContext(ctx)).Where("gate_id = ?", gateID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = gateLedgerRow{GateID: gateID}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return &wallet.GateLedger{
		GateID: row.GateID, LockedCents: row.LockedCents,
		ReleasedCents: row.ReleasedCents, RefundedCents: row.RefundedCents,
		HeldbackCents: row.HeldbackCents,
	}, nil
}

func (s *WalletStore) SaveGateLedger(ctx context.Context, g *wallet.GateLedger) error {
	row := gateLedgerRow{
		GateID: g.GateID, LockedCents: g.LockedCents,
		ReleasedCents: g.ReleasedCents, RefundedCents: g.RefundedCents,
		HeldbackCents: g.HeldbackCents,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *WalletStore) SeenCreditIdempotencyKey(ctx context.Context, agentID, idempotencyKey string) (bool, error) {
	var row walletCreditIdemRow
	err := s.db.WithContext(ctx).
		Where("agent_id = ? AND idempotency_key = ?", agentID, idempotencyKey).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *WalletStore) RecordCreditIdempotencyKey(ctx context.Context, agentID, idempotencyKey string) error {
	return s.db.WithContext(ctx).Create(&walletCreditIdemRow{AgentID: agentID, IdempotencyKey: idempotencyKey}).Error
}

func (s *WalletStore) SaveHoldback(ctx context.Context, h *wallet.HoldbackFund) error {
	row := holdbackRow{
		GateID: h.GateID, AgreementHash: h.AgreementHash,
		PayerID: h.PayerID, PayeeID: h.PayeeID,
		HeldbackCents: h.HeldbackCents, Resolved: h.Resolved,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *WalletStore) LoadHoldback(ctx context.Context, gateID, agreementHash string) (*wallet.HoldbackFund, error) {
	var row holdbackRow
	err := s.db.WithContext(ctx).
		Where("gate_id = ? AND agreement_hash = ?", gateID, agreementHash).
		First(&row).Error
	if err != nil {
		return nil, err
	}
	return &wallet.HoldbackFund{
		GateID: row.GateID, AgreementHash: row.AgreementHash,
		PayerID: row.PayerID, PayeeID: row.PayeeID,
		HeldbackCents: row.HeldbackCents, Resolved: row.Resolved,
	}, nil
}
