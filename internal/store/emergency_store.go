package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/nooterra/settld/internal/emergency"
)

// flagRow is a single kill-switch/pause/quarantine/agent-suspension toggle,
// keyed the way pauses.go keys its single param-store entry — one string
// key per flag, here widened from a chain-wide param store to an arbitrary
// tenant/scope/agent key.
type flagRow struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (flagRow) TableName() string { return "settld_emergency_flags" }

// EmergencyStore implements emergency.Reader and emergency.Writer.
type EmergencyStore struct {
	db *DB
}

func NewEmergencyStore(db *DB) *EmergencyStore { return &EmergencyStore{db: db} }

var (
	_ emergency.Reader = (*EmergencyStore)(nil)
	_ emergency.Writer = (*EmergencyStore)(nil)
)

func (s *EmergencyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var row flagRow
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(row.Value), true, nil
}

func (s *EmergencyStore) Set(ctx context.Context, key string, value []byte) error {
	row := flagRow{Key: key, Value: string(value)}
	return s.db.WithContext(ctx).Save(&row).Error
}
