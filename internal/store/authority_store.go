package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nooterra/settld/internal/authority"
)

type grantRow struct {
	GrantID           string `gorm:"primaryKey"`
	PrincipalRef      string
	GranteeAgentID    string
	ScopeJSON         string
	SpendEnvelopeJSON string
	ChainBindingJSON  string
	IssuedAt          time.Time
	NotBefore         time.Time
	ExpiresAt         time.Time
	RevokedAt         *time.Time
	RevocationReason  string
	SpentCents        int64
}

func (grantRow) TableName() string { return "settld_authority_grants" }

// grantGateRow records that grantID authorized gateID, and whether that
// gate has reached verified, so revoke-blocks-unsettled-gate (spec §4.5)
// can be checked without re-deriving gate state every time.
type grantGateRow struct {
	GrantID  string `gorm:"primaryKey"`
	GateID   string `gorm:"primaryKey"`
	Verified bool
}

func (grantGateRow) TableName() string { return "settld_authority_grant_gates" }

// AuthorityStore implements authority.Store.
type AuthorityStore struct {
	db *DB
}

func NewAuthorityStore(db *DB) *AuthorityStore { return &AuthorityStore{db: db} }

var _ authority.Store = (*AuthorityStore)(nil)

func (s *AuthorityStore) Save(ctx context.Context, g *authority.Grant) error {
	scope, err := json.Marshal(g.Scope)
	if err != nil {
		return err
	}
	envelope, err := json.Marshal(g.SpendEnvelope)
	if err != nil {
		return err
	}
	chain, err := json.Marshal(g.ChainBinding)
	if err != nil {
		return err
	}
	row := grantRow{
		GrantID: g.GrantID, PrincipalRef: g.PrincipalRef, GranteeAgentID: g.GranteeAgentID,
		ScopeJSON: string(scope), SpendEnvelopeJSON: string(envelope), ChainBindingJSON: string(chain),
		IssuedAt: g.Validity.IssuedAt, NotBefore: g.Validity.NotBefore, ExpiresAt: g.Validity.ExpiresAt,
		SpentCents: g.SpentCents,
	}
	if g.Revocation != nil {
		at := g.Revocation.RevokedAt
		row.RevokedAt = &at
		row.RevocationReason = g.Revocation.RevocationReason
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *AuthorityStore) Load(ctx context.Context, grantID string) (*authority.Grant, error) {
	var row grantRow
	if err := s.db.WithContext(ctx).Where("grant_id = ?", grantID).First(&row).Error; err != nil {
		return nil, err
	}
	var scope authority.Scope
	var envelope authority.SpendEnvelope
	var chain authority.ChainBinding
	if err := json.Unmarshal([]byte(row.ScopeJSON), &scope); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.SpendEnvelopeJSON), &envelope); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.ChainBindingJSON), &chain); err != nil {
		return nil, err
	}
	g := &authority.Grant{
		GrantID: row.GrantID, PrincipalRef: row.PrincipalRef, GranteeAgentID: row.GranteeAgentID,
		Scope: scope, SpendEnvelope: envelope, ChainBinding: chain,
		Validity:   authority.Validity{IssuedAt: row.IssuedAt, NotBefore: row.NotBefore, ExpiresAt: row.ExpiresAt},
		SpentCents: row.SpentCents,
	}
	if row.RevokedAt != nil {
		g.Revocation = &authority.Revocation{RevokedAt: *row.RevokedAt, RevocationReason: row.RevocationReason}
	}
	return g, nil
}

func (s *AuthorityStore) RecordGateAuthorization(ctx context.Context, grantID, gateID string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflictDoNothing()).
		Create(&grantGateRow{GrantID: grantID, GateID: gateID}).Error
}

func (s *AuthorityStore) GateVerified(ctx context.Context, gateID string) (bool, error) {
	var row grantGateRow
	err := s.db.WithContext(ctx).Where("gate_id = ?", gateID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return row.Verified, nil
}

func (s *AuthorityStore) GatesAuthorizedBy(ctx context.Context, grantID string) ([]string, error) {
	var rows []grantGateRow
	if err := s.db.WithContext(ctx).Where("grant_id = ?", grantID).Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.GateID)
	}
	return ids, nil
}

// MarkGateVerified flips a (grant, gate) pair's verified bit once the gate
// reaches its verified terminal, so a later revoke knows it can no longer
// block that gate.
func (s *AuthorityStore) MarkGateVerified(ctx context.Context, grantID, gateID string) error {
	return s.db.WithContext(ctx).Model(&grantGateRow{}).
		Where("grant_id = ? AND gate_id = ?", grantID, gateID).
		Update("verified", true).Error
}
