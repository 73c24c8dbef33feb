package store

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/nooterra/settld/internal/chainlog"
)

// setupTestDB opens an in-memory sqlite database through glebarez/sqlite,
// the same pure-Go dialector services/otc-gateway's recon and funding tests
// use in place of a live Postgres instance.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	raw, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	db := &DB{DB: raw}
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func TestChainlogStoreInsertAndTip(t *testing.T) {
	db := setupTestDB(t)
	s := NewChainlogStore(db)
	ctx := context.Background()

	tip, err := s.Tip(ctx, "stream_1")
	require.NoError(t, err)
	require.NotEmpty(t, tip)

	ev := &chainlog.Event{
		EventID:  "ev_1",
		StreamID: "stream_1",
		EventCore: chainlog.EventCore{
			Type:    "gate.created",
			Actor:   chainlog.Actor{Type: chainlog.ActorSystem, ID: "kernel"},
			Payload: map[string]any{"gateId": "gate_1"},
			At:      time.Unix(0, 0),
		},
		PrevChainHash:  tip,
		ChainHash:      "deadbeef",
		IdempotencyKey: "idem-1",
	}
	require.NoError(t, s.Insert(ctx, ev))

	newTip, err := s.Tip(ctx, "stream_1")
	require.NoError(t, err)
	require.Equal(t, "deadbeef", newTip)

	found, ok, err := s.FindByIdempotencyKey(ctx, "stream_1", "idem-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ev.EventID, found.EventID)
	require.Equal(t, ev.Payload["gateId"], found.Payload["gateId"])
}

func TestEmergencyStoreGetSetRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	s := NewEmergencyStore(db)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "kill_switch")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "kill_switch", []byte("true")))

	value, ok, err := s.Get(ctx, "kill_switch")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "true", string(value))
}
