package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/nooterra/settld/internal/chainlog"
	"github.com/nooterra/settld/internal/signing"
)

// chainEventRow is one appended event, keyed by its position in a stream.
// The payload is stored as a JSON column — gorm has no first-class
// map[string]any column type, and the canonical bytes are re-derived from
// this column on Append/idempotency-replay, never cached separately, so a
// hand-edited row would be caught by the chain-hash recompute rather than
// silently trusted.
type chainEventRow struct {
	Seq            uint64 `gorm:"primaryKey;autoIncrement"`
	StreamID       string `gorm:"index:idx_chain_stream_seq"`
	EventID        string `gorm:"uniqueIndex"`
	Type           string
	ActorType      string
	ActorID        string
	PayloadJSON    string
	At             time.Time
	PrevChainHash  string
	ChainHash      string
	SignerKeyID    string
	Signature      string
	IdempotencyKey string `gorm:"index:idx_chain_idem,priority:2"`
}

func (chainEventRow) TableName() string { return "settld_chain_events" }

// chainIdempotencyRow indexes (streamId, idempotencyKey) -> the event it
// produced, so FindByIdempotencyKey doesn't need to scan chainEventRow.
type chainIdempotencyRow struct {
	StreamID       string `gorm:"primaryKey"`
	IdempotencyKey string `gorm:"primaryKey"`
	EventID        string
}

func (chainIdempotencyRow) TableName() string { return "settld_chain_idempotency" }

// ChainlogStore implements chainlog.Store.
type ChainlogStore struct {
	db *DB
}

func NewChainlogStore(db *DB) *ChainlogStore { return &ChainlogStore{db: db} }

var _ chainlog.Store = (*ChainlogStore)(nil)

func (s *ChainlogStore) Tip(ctx context.Context, streamID string) (string, error) {
	var row chainEventRow
	err := s.db.WithContext(ctx).
		Where("stream_id = ?", streamID).
		Order("seq DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return signing.ZeroHash, nil
	}
	if err != nil {
		return "", err
	}
	return row.ChainHash, nil
}

func (s *ChainlogStore) FindByIdempotencyKey(ctx context.Context, streamID, idempotencyKey string) (*chainlog.Event, bool, error) {
	var idem chainIdempotencyRow
	err := s.db.WithContext(ctx).
		Where("stream_id = ? AND idempotency_key = ?", streamID, idempotencyKey).
		First(&idem).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var row chainEventRow
	if err := s.db.WithContext(ctx).Where("event_id = ?", idem.EventID).First(&row).Error; err != nil {
		return nil, false, err
	}
	ev, err := rowToEvent(row)
	return ev, true, err
}

func (s *ChainlogStore) Insert(ctx context.Context, ev *chainlog.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	row := chainEventRow{
		StreamID: ev.StreamID, EventID: ev.EventID, Type: ev.Type,
		ActorType: string(ev.Actor.Type), ActorID: ev.Actor.ID,
		PayloadJSON: string(payload), At: ev.At,
		PrevChainHash: ev.PrevChainHash, ChainHash: ev.ChainHash,
		SignerKeyID: ev.SignerKeyID, Signature: ev.Signature,
		IdempotencyKey: ev.IdempotencyKey,
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if ev.IdempotencyKey != "" {
			if err := tx.Create(&chainIdempotencyRow{
				StreamID: ev.StreamID, IdempotencyKey: ev.IdempotencyKey, EventID: ev.EventID,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func rowToEvent(row chainEventRow) (*chainlog.Event, error) {
	var payload map[string]any
	if row.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(row.PayloadJSON), &payload); err != nil {
			return nil, err
		}
	}
	return &chainlog.Event{
		EventID:  row.EventID,
		StreamID: row.StreamID,
		EventCore: chainlog.EventCore{
			Type:    row.Type,
			Actor:   chainlog.Actor{Type: chainlog.ActorType(row.ActorType), ID: row.ActorID},
			Payload: payload,
			At:      row.At,
		},
		PrevChainHash:  row.PrevChainHash,
		ChainHash:      row.ChainHash,
		SignerKeyID:    row.SignerKeyID,
		Signature:      row.Signature,
		IdempotencyKey: row.IdempotencyKey,
	}, nil
}
