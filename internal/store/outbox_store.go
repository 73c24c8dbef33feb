package store

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/nooterra/settld/internal/maintenance"
)

type outboxRow struct {
	ID          string    `gorm:"primaryKey"`
	TenantID    string    `gorm:"index:idx_outbox_due"`
	Kind        string    `gorm:"index:idx_outbox_due"`
	ScheduledAt time.Time `gorm:"index:idx_outbox_due"`
	DedupeKey   string    `gorm:"uniqueIndex"`
	PayloadJSON string
	Delivered   bool
	Attempts    int
	LastError   string
}

func (outboxRow) TableName() string { return "settld_outbox" }

// OutboxStore implements maintenance.Outbox over a Postgres table.
type OutboxStore struct {
	db *DB
}

func NewOutboxStore(db *DB) *OutboxStore { return &OutboxStore{db: db} }

var _ maintenance.Outbox = (*OutboxStore)(nil)

func (s *OutboxStore) ClaimDue(ctx context.Context, tenantID string, kind maintenance.Kind, now time.Time, limit int) ([]*maintenance.Message, error) {
	var rows []outboxRow
	err := forUpdate(s.db.WithContext(ctx)).
		Where("tenant_id = ? AND kind = ? AND delivered = ? AND scheduled_at <= ?", tenantID, string(kind), false, now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	msgs := make([]*maintenance.Message, 0, len(rows))
	for _, r := range rows {
		var payload map[string]any
		if r.PayloadJSON != "" {
			if err := json.Unmarshal([]byte(r.PayloadJSON), &payload); err != nil {
				return nil, err
			}
		}
		msgs = append(msgs, &maintenance.Message{
			ID: r.ID, TenantID: r.TenantID, Kind: maintenance.Kind(r.Kind),
			ScheduledAt: r.ScheduledAt, DedupeKey: r.DedupeKey, Payload: payload,
			Delivered: r.Delivered, Attempts: r.Attempts,
		})
	}
	return msgs, nil
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, messageID string) error {
	return s.db.WithContext(ctx).Model(&outboxRow{}).
		Where("id = ?", messageID).
		Update("delivered", true).Error
}

func (s *OutboxStore) MarkFailed(ctx context.Context, messageID string, handlerErr error) error {
	return s.db.WithContext(ctx).Model(&outboxRow{}).
		Where("id = ?", messageID).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": handlerErr.Error(),
		}).Error
}

// Enqueue inserts a new outbox message, deduplicating on DedupeKey so a
// message scheduled twice for the same (kind, dedupeKey) is a no-op —
// spec §4.10's "idempotent on its key" rule.
func (s *OutboxStore) Enqueue(ctx context.Context, msg *maintenance.Message) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return err
	}
	row := outboxRow{
		ID: msg.ID, TenantID: msg.TenantID, Kind: string(msg.Kind),
		ScheduledAt: msg.ScheduledAt, DedupeKey: msg.DedupeKey, PayloadJSON: string(payload),
	}
	err = s.db.WithContext(ctx).Where("dedupe_key = ?", msg.DedupeKey).FirstOrCreate(&row).Error
	return err
}

// AdvisoryLockStore implements maintenance.AdvisoryLock with Postgres
// session-level advisory locks keyed by a 64-bit hash of (tenantId, kind),
// grounded on services/otc-gateway's own use of pg_advisory_lock for its
// reconciler scheduler.
type AdvisoryLockStore struct {
	db *DB
}

func NewAdvisoryLockStore(db *DB) *AdvisoryLockStore { return &AdvisoryLockStore{db: db} }

var _ maintenance.AdvisoryLock = (*AdvisoryLockStore)(nil)

func (s *AdvisoryLockStore) TryAcquire(ctx context.Context, tenantID string, kind maintenance.Kind) (bool, func(context.Context) error, error) {
	key := advisoryLockKey(tenantID, kind)
	var acquired bool
	if err := s.db.WithContext(ctx).Raw("SELECT pg_try_advisory_lock(?)", key).Scan(&acquired).Error; err != nil {
		return false, nil, err
	}
	if !acquired {
		return false, nil, nil
	}
	release := func(releaseCtx context.Context) error {
		return s.db.WithContext(releaseCtx).Exec("SELECT pg_advisory_unlock(?)", key).Error
	}
	return true, release, nil
}

func advisoryLockKey(tenantID string, kind maintenance.Kind) int64 {
	sum := sha1.Sum([]byte(tenantID + "|" + string(kind)))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
