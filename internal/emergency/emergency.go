// Package emergency implements the tenant/scope-level kill-switch, pause,
// and quarantine controls the gate state machine checks first, in order, at
// authorize time (spec §4.6 steps 1-2), plus the payer-agent-active check
// (step 3). Grounded on native/params/state/pauses.go's Reader-over-raw-
// bytes pause toggle, generalized from a single chain-wide "staking paused"
// flag to arbitrary tenant/scope-keyed flags backed by a key-value table
// instead of the chain's param store.
package emergency

import (
	"context"
	"encoding/json"
	"fmt"
)

// Reader exposes the minimal flag-store capability this package needs;
// internal/store.EmergencyStore is the production implementation, backed by
// a gorm key-value table.
type Reader interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

// Writer lets an admin surface flip a flag.
type Writer interface {
	Set(ctx context.Context, key string, value []byte) error
}

// Controls implements gate.EmergencyControls and gate.AgentDirectory over a
// Reader.
type Controls struct {
	reader Reader
}

func New(reader Reader) *Controls { return &Controls{reader: reader} }

type flag struct {
	Enabled bool `json:"enabled"`
}

func (c *Controls) boolFlag(ctx context.Context, key string) (bool, error) {
	raw, ok, err := c.reader.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("emergency: load %s: %w", key, err)
	}
	if !ok || len(raw) == 0 {
		return false, nil
	}
	var f flag
	if err := json.Unmarshal(raw, &f); err != nil {
		return false, fmt.Errorf("emergency: decode %s: %w", key, err)
	}
	return f.Enabled, nil
}

// KillSwitchActive implements gate.EmergencyControls.
func (c *Controls) KillSwitchActive(ctx context.Context, tenantID string) (bool, error) {
	return c.boolFlag(ctx, "killswitch:tenant:"+tenantID)
}

// PauseActive implements gate.EmergencyControls.
func (c *Controls) PauseActive(ctx context.Context, scope string) (bool, error) {
	if scope == "" {
		return false, nil
	}
	return c.boolFlag(ctx, "pause:scope:"+scope)
}

// QuarantineActive implements gate.EmergencyControls.
func (c *Controls) QuarantineActive(ctx context.Context, scope string) (bool, error) {
	if scope == "" {
		return false, nil
	}
	return c.boolFlag(ctx, "quarantine:scope:"+scope)
}

// AgentActive implements gate.AgentDirectory: an agent with no recorded
// flag is active by default, matching the teacher's "absent pause key means
// not paused" convention in pauses.go.
func (c *Controls) AgentActive(ctx context.Context, agentID string) (bool, error) {
	raw, ok, err := c.reader.Get(ctx, "agent:inactive:"+agentID)
	if err != nil {
		return false, fmt.Errorf("emergency: load agent status for %s: %w", agentID, err)
	}
	if !ok || len(raw) == 0 {
		return true, nil
	}
	var f flag
	if err := json.Unmarshal(raw, &f); err != nil {
		return false, fmt.Errorf("emergency: decode agent status for %s: %w", agentID, err)
	}
	return !f.Enabled, nil
}

// SetFlag writes a flag through to writer — used by the admin CLI/HTTP
// surface to trip or clear a kill-switch, pause, quarantine, or agent
// suspension.
func SetFlag(ctx context.Context, w Writer, key string, enabled bool) error {
	raw, err := json.Marshal(flag{Enabled: enabled})
	if err != nil {
		return err
	}
	return w.Set(ctx, key, raw)
}
