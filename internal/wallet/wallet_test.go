package wallet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	wallets   map[string]*Wallet
	ledgers   map[string]*GateLedger
	holdbacks map[string]*HoldbackFund
	seenKeys  map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		wallets:   map[string]*Wallet{},
		ledgers:   map[string]*GateLedger{},
		holdbacks: map[string]*HoldbackFund{},
		seenKeys:  map[string]bool{},
	}
}

func (s *memStore) LockWallet(_ context.Context, agentID string) (*Wallet, error) {
	w, ok := s.wallets[agentID]
	if !ok {
		w = &Wallet{AgentID: agentID, Currency: "USD"}
		s.wallets[agentID] = w
	}
	cp := *w
	return &cp, nil
}

func (s *memStore) SaveWallet(_ context.Context, w *Wallet) error {
	cp := *w
	s.wallets[w.AgentID] = &cp
	return nil
}

func (s *memStore) LockGateLedger(_ context.Context, gateID string) (*GateLedger, error) {
	g, ok := s.ledgers[gateID]
	if !ok {
		g = &GateLedger{GateID: gateID}
		s.ledgers[gateID] = g
	}
	cp := *g
	return &cp, nil
}

func (s *memStore) SaveGateLedger(_ context.Context, g *GateLedger) error {
	cp := *g
	s.ledgers[g.GateID] = &cp
	return nil
}

func (s *memStore) SeenCreditIdempotencyKey(_ context.Context, agentID, key string) (bool, error) {
	return s.seenKeys[agentID+"|"+key], nil
}

func (s *memStore) RecordCreditIdempotencyKey(_ context.Context, agentID, key string) error {
	s.seenKeys[agentID+"|"+key] = true
	return nil
}

func (s *memStore) SaveHoldback(_ context.Context, h *HoldbackFund) error {
	cp := *h
	s.holdbacks[h.GateID+"|"+h.AgreementHash] = &cp
	return nil
}

func (s *memStore) LoadHoldback(_ context.Context, gateID, agreementHash string) (*HoldbackFund, error) {
	h := s.holdbacks[gateID+"|"+agreementHash]
	cp := *h
	return &cp, nil
}

func TestCreditAndLockEscrow(t *testing.T) {
	store := newMemStore()
	l := New(store)
	ctx := context.Background()

	require.NoError(t, l.Credit(ctx, "agent_payer", 10000, "USD", "credit-1"))
	require.NoError(t, l.LockEscrow(ctx, "agent_payer", "gate_1", 7000))

	w, err := store.LockWallet(ctx, "agent_payer")
	require.NoError(t, err)
	require.Equal(t, int64(3000), w.AvailableCents)
	require.Equal(t, int64(7000), w.EscrowLockedCents)
}

func TestLockEscrowInsufficientFunds(t *testing.T) {
	store := newMemStore()
	l := New(store)
	ctx := context.Background()

	require.NoError(t, l.Credit(ctx, "agent_payer", 1000, "USD", "c1"))
	err := l.LockEscrow(ctx, "agent_payer", "gate_1", 5000)
	require.Error(t, err)
}

func TestCreditIdempotentReplay(t *testing.T) {
	store := newMemStore()
	l := New(store)
	ctx := context.Background()

	require.NoError(t, l.Credit(ctx, "agent_1", 500, "USD", "k"))
	require.NoError(t, l.Credit(ctx, "agent_1", 500, "USD", "k"))

	w, err := store.LockWallet(ctx, "agent_1")
	require.NoError(t, err)
	require.Equal(t, int64(500), w.AvailableCents)
}

func TestReleaseEscrowFullSplit(t *testing.T) {
	store := newMemStore()
	l := New(store)
	ctx := context.Background()

	require.NoError(t, l.Credit(ctx, "payer", 10000, "USD", "c"))
	require.NoError(t, l.LockEscrow(ctx, "payer", "gate_1", 10000))
	require.NoError(t, l.ReleaseEscrow(ctx, "gate_1", "payer", "payee", 8000, 2000))

	payer, err := store.LockWallet(ctx, "payer")
	require.NoError(t, err)
	require.Equal(t, int64(2000), payer.AvailableCents)
	require.Equal(t, int64(0), payer.EscrowLockedCents)
	require.Equal(t, int64(8000), payer.TotalDebitedCents)

	payee, err := store.LockWallet(ctx, "payee")
	require.NoError(t, err)
	require.Equal(t, int64(8000), payee.AvailableCents)
}

func TestPartialReleaseParksHoldback(t *testing.T) {
	store := newMemStore()
	l := New(store)
	ctx := context.Background()

	require.NoError(t, l.Credit(ctx, "payer", 10000, "USD", "c"))
	require.NoError(t, l.LockEscrow(ctx, "payer", "gate_1", 10000))
	require.NoError(t, l.PartialRelease(ctx, "gate_1", "agr_1", "payer", "payee", 6000, 1000))

	ledger, err := store.LockGateLedger(ctx, "gate_1")
	require.NoError(t, err)
	require.Equal(t, int64(3000), ledger.HeldbackCents)
	require.LessOrEqual(t, ledger.ReleasedCents+ledger.RefundedCents+ledger.HeldbackCents, ledger.LockedCents)

	require.NoError(t, l.ReleaseHoldback(ctx, "gate_1", "agr_1", "payee"))
	ledger, err = store.LockGateLedger(ctx, "gate_1")
	require.NoError(t, err)
	require.Equal(t, int64(0), ledger.HeldbackCents)
	require.Equal(t, int64(9000), ledger.ReleasedCents)
}
