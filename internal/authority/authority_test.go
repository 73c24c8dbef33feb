package authority

import (
	"context"
	"testing"
	"time"

	"github.com/nooterra/settld/internal/kernelerr"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	grants     map[string]*Grant
	gateGrants map[string]string
	verified   map[string]bool
}

func newMemStore() *memStore {
	return &memStore{grants: map[string]*Grant{}, gateGrants: map[string]string{}, verified: map[string]bool{}}
}

func (s *memStore) Save(_ context.Context, g *Grant) error {
	cp := *g
	s.grants[g.GrantID] = &cp
	return nil
}

func (s *memStore) Load(_ context.Context, grantID string) (*Grant, error) {
	g := s.grants[grantID]
	cp := *g
	return &cp, nil
}

func (s *memStore) RecordGateAuthorization(_ context.Context, grantID, gateID string) error {
	s.gateGrants[gateID] = grantID
	return nil
}

func (s *memStore) GateVerified(_ context.Context, gateID string) (bool, error) {
	return s.verified[gateID], nil
}

func (s *memStore) GatesAuthorizedBy(_ context.Context, grantID string) ([]string, error) {
	var out []string
	for gate, g := range s.gateGrants {
		if g == grantID {
			out = append(out, gate)
		}
	}
	return out, nil
}

func (s *memStore) MarkGateVerified(_ context.Context, _, gateID string) error {
	s.verified[gateID] = true
	return nil
}

func baseGrant() *Grant {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &Grant{
		GrantID:        "grant_1",
		GranteeAgentID: "agent_1",
		Scope: Scope{
			AllowedProviderIDs: []string{"provider_a"},
			AllowedToolIDs:     []string{"tool_x"},
		},
		SpendEnvelope: SpendEnvelope{Currency: "USD", MaxPerCallCents: 5000, MaxTotalCents: 20000},
		ChainBinding:  ChainBinding{Depth: 0, MaxDelegationDepth: 2},
		Validity:      Validity{IssuedAt: now, NotBefore: now, ExpiresAt: now.Add(30 * 24 * time.Hour)},
	}
}

func TestIssueAndEvaluateOK(t *testing.T) {
	store := newMemStore()
	r := New(store)
	ctx := context.Background()
	g := baseGrant()
	require.NoError(t, r.Issue(ctx, g))

	res, err := r.Evaluate(ctx, "grant_1", Call{
		ProviderID: "provider_a", ToolID: "tool_x", AmountCents: 1000, Currency: "USD",
		At: g.Validity.NotBefore.Add(time.Hour),
	})
	require.NoError(t, err)
	require.True(t, res.OK)
}

func TestEvaluateScopeMismatch(t *testing.T) {
	store := newMemStore()
	r := New(store)
	ctx := context.Background()
	g := baseGrant()
	require.NoError(t, r.Issue(ctx, g))

	res, err := r.Evaluate(ctx, "grant_1", Call{
		ProviderID: "provider_b", ToolID: "tool_x", AmountCents: 1000, Currency: "USD",
		At: g.Validity.NotBefore.Add(time.Hour),
	})
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, kernelerr.CodeAuthorityGrantScopeMismatch, res.DenialCode)
}

func TestEvaluatePerCallExceeded(t *testing.T) {
	store := newMemStore()
	r := New(store)
	ctx := context.Background()
	g := baseGrant()
	require.NoError(t, r.Issue(ctx, g))

	res, err := r.Evaluate(ctx, "grant_1", Call{
		ProviderID: "provider_a", ToolID: "tool_x", AmountCents: 6000, Currency: "USD",
		At: g.Validity.NotBefore.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, kernelerr.CodeAuthorityGrantPerCallExceed, res.DenialCode)
}

func TestEvaluateExpired(t *testing.T) {
	store := newMemStore()
	r := New(store)
	ctx := context.Background()
	g := baseGrant()
	require.NoError(t, r.Issue(ctx, g))

	res, err := r.Evaluate(ctx, "grant_1", Call{
		ProviderID: "provider_a", ToolID: "tool_x", AmountCents: 1000, Currency: "USD",
		At: g.Validity.ExpiresAt.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, kernelerr.CodeAuthorityGrantExpired, res.DenialCode)
}

func TestRevokeIsOneWayAndBlocksUnsettledGate(t *testing.T) {
	store := newMemStore()
	r := New(store)
	ctx := context.Background()
	g := baseGrant()
	require.NoError(t, r.Issue(ctx, g))
	require.NoError(t, store.RecordGateAuthorization(ctx, "grant_1", "gate_1"))

	at := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, r.Revoke(ctx, "grant_1", "compromised_key", at))
	require.NoError(t, r.Revoke(ctx, "grant_1", "ignored_second_reason", at.Add(time.Hour)))

	blocked, err := r.BlocksGate(ctx, "grant_1", "gate_1")
	require.NoError(t, err)
	require.True(t, blocked)

	store.verified["gate_1"] = true
	blocked, err = r.BlocksGate(ctx, "grant_1", "gate_1")
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestIssueRejectsInvalidWindow(t *testing.T) {
	store := newMemStore()
	r := New(store)
	ctx := context.Background()
	g := baseGrant()
	g.Validity.NotBefore, g.Validity.ExpiresAt = g.Validity.ExpiresAt, g.Validity.NotBefore
	require.Error(t, r.Issue(ctx, g))
}
