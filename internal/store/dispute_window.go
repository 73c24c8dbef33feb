package store

import (
	"context"
	"time"

	"github.com/nooterra/settld/internal/dispute"
)

// DisputeWindowStore implements dispute.ReceiptWindowLookup by joining the
// settlement and gate tables: a receipt's settledAt comes from its recorded
// SettlementReceipt, the dispute window length from the gate that produced
// it, and the anchored binding hash from that gate's chainlog stream tip.
type DisputeWindowStore struct {
	settlements *SettlementStore
	gates       *GateStore
	chain       *ChainlogStore
}

func NewDisputeWindowStore(settlements *SettlementStore, gates *GateStore, chain *ChainlogStore) *DisputeWindowStore {
	return &DisputeWindowStore{settlements: settlements, gates: gates, chain: chain}
}

var _ dispute.ReceiptWindowLookup = (*DisputeWindowStore)(nil)

func (s *DisputeWindowStore) SettledAt(ctx context.Context, receiptID string) (time.Time, error) {
	_, r, err := s.settlements.LoadSettlement(ctx, receiptID)
	if err != nil {
		return time.Time{}, err
	}
	return r.SettledAt, nil
}

func (s *DisputeWindowStore) DisputeWindowDays(ctx context.Context, receiptID string) (int, error) {
	d, _, err := s.settlements.LoadSettlement(ctx, receiptID)
	if err != nil {
		return 0, err
	}
	g, err := s.gates.Load(ctx, d.AgreementID)
	if err != nil {
		return 0, err
	}
	return g.DisputeWindowDays, nil
}

func (s *DisputeWindowStore) AnchoredBindingHash(ctx context.Context, gateID string) (string, error) {
	return s.chain.Tip(ctx, gateID)
}
