// Package wallet implements the per-agent wallet/escrow ledger (spec §4.4).
// Balance fields are generalized from native/escrow/types.go's EscrowRealm
// (this package defines no Sanitize*-style validators), and the
// partial-release/holdback accounting is grounded on
// native/escrow/engine_milestone.go's milestone-release bookkeeping.
package wallet

import (
	"context"

	"github.com/nooterra/settld/internal/kernelerr"
)

// Wallet is a per-agent ledger. Invariant: all fields >= 0, and
// availableCents + escrowLockedCents equals total credits minus total
// final debits.
type Wallet struct {
	AgentID           string
	Currency          string
	AvailableCents    int64
	EscrowLockedCents int64
	TotalDebitedCents int64
}

// HoldbackFund is the per-(gateId, agreementHash) remainder parked by a
// partial release, awaiting final resolution.
type HoldbackFund struct {
	GateID        string
	AgreementHash string
	PayerID       string
	PayeeID       string
	HeldbackCents int64
	Resolved      bool
}

// GateLedger tracks the released/refunded/heldback totals for one gate so
// the "released+refunded+heldback <= locked" invariant (spec §4.4) can be
// checked on every mutation.
type GateLedger struct {
	GateID        string
	LockedCents   int64
	ReleasedCents int64
	RefundedCents int64
	HeldbackCents int64
}

func (g GateLedger) remaining() int64 {
	return g.LockedCents - g.ReleasedCents - g.RefundedCents - g.HeldbackCents
}

// Store is the persistence seam: per-agent wallet rows, per-gate ledger
// rows, and holdback fund rows, all mutated under row-level locking the way
// the teacher's escrow engine serializes balance mutations.
type Store interface {
	LockWallet(ctx context.Context, agentID string) (*Wallet, error)
	SaveWallet(ctx context.Context, w *Wallet) error
	LockGateLedger(ctx context.Context, gateID string) (*GateLedger, error)
	SaveGateLedger(ctx context.Context, g *GateLedger) error
	SeenCreditIdempotencyKey(ctx context.Context, agentID, idempotencyKey string) (bool, error)
	RecordCreditIdempotencyKey(ctx context.Context, agentID, idempotencyKey string) error
	SaveHoldback(ctx context.Context, h *HoldbackFund) error
	LoadHoldback(ctx context.Context, gateID, agreementHash string) (*HoldbackFund, error)
}

// Ledger is the wallet/escrow ledger operation surface.
type Ledger struct {
	store Store
}

func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Credit implements credit(agentId, amountCents, currency, idempotencyKey).
func (l *Ledger) Credit(ctx context.Context, agentID string, amountCents int64, currency, idempotencyKey string) error {
	if amountCents <= 0 {
		return kernelerr.New(kernelerr.CodeInsufficientFunds, "credit amount must be positive")
	}
	if idempotencyKey != "" {
		seen, err := l.store.SeenCreditIdempotencyKey(ctx, agentID, idempotencyKey)
		if err != nil {
			return err
		}
		if seen {
			return nil
		}
	}
	w, err := l.store.LockWallet(ctx, agentID)
	if err != nil {
		return err
	}
	if w.Currency == "" {
		w.Currency = currency
	}
	w.AvailableCents += amountCents
	if err := l.store.SaveWallet(ctx, w); err != nil {
		return err
	}
	if idempotencyKey != "" {
		return l.store.RecordCreditIdempotencyKey(ctx, agentID, idempotencyKey)
	}
	return nil
}

// LockEscrow implements lockEscrow(payerId, gateId, amount).
func (l *Ledger) LockEscrow(ctx context.Context, payerID, gateID string, amountCents int64) error {
	w, err := l.store.LockWallet(ctx, payerID)
	if err != nil {
		return err
	}
	if w.AvailableCents < amountCents {
		return kernelerr.New(kernelerr.CodeInsufficientFunds, "available balance below requested lock amount")
	}
	w.AvailableCents -= amountCents
	w.EscrowLockedCents += amountCents
	if err := l.store.SaveWallet(ctx, w); err != nil {
		return err
	}
	ledger, err := l.store.LockGateLedger(ctx, gateID)
	if err != nil {
		return err
	}
	ledger.LockedCents += amountCents
	return l.store.SaveGateLedger(ctx, ledger)
}

// ReleaseEscrow implements releaseEscrow(gateId, payeeId, released, refunded):
// the terminal, full-locked-amount release/refund split for a gate.
func (l *Ledger) ReleaseEscrow(ctx context.Context, gateID, payerID, payeeID string, releasedCents, refundedCents int64) error {
	ledger, err := l.store.LockGateLedger(ctx, gateID)
	if err != nil {
		return err
	}
	if releasedCents+refundedCents > ledger.LockedCents-ledger.ReleasedCents-ledger.RefundedCents-ledger.HeldbackCents {
		return kernelerr.New(kernelerr.CodeInsufficientFunds, "released+refunded exceeds remaining locked amount")
	}
	if err := l.applyReleaseRefund(ctx, payerID, payeeID, releasedCents, refundedCents); err != nil {
		return err
	}
	ledger.ReleasedCents += releasedCents
	ledger.RefundedCents += refundedCents
	return l.store.SaveGateLedger(ctx, ledger)
}

// PartialRelease implements partialRelease(...): allows released+refunded <
// locked, parking the remainder in a holdback fund keyed by
// (gateId, agreementHash).
func (l *Ledger) PartialRelease(ctx context.Context, gateID, agreementHash, payerID, payeeID string, releasedCents, refundedCents int64) error {
	ledger, err := l.store.LockGateLedger(ctx, gateID)
	if err != nil {
		return err
	}
	heldback := ledger.LockedCents - releasedCents - refundedCents
	if heldback < 0 {
		return kernelerr.New(kernelerr.CodeInsufficientFunds, "released+refunded exceeds locked amount")
	}
	if err := l.applyReleaseRefund(ctx, payerID, payeeID, releasedCents, refundedCents); err != nil {
		return err
	}
	ledger.ReleasedCents += releasedCents
	ledger.RefundedCents += refundedCents
	ledger.HeldbackCents += heldback
	if err := l.store.SaveGateLedger(ctx, ledger); err != nil {
		return err
	}
	return l.store.SaveHoldback(ctx, &HoldbackFund{
		GateID: gateID, AgreementHash: agreementHash,
		PayerID: payerID, PayeeID: payeeID, HeldbackCents: heldback,
	})
}

// ReleaseHoldback implements releaseHoldback(gateId, targetAgentId): final
// resolution of a parked holdback fund in the target's favor.
func (l *Ledger) ReleaseHoldback(ctx context.Context, gateID, agreementHash, targetAgentID string) error {
	h, err := l.store.LoadHoldback(ctx, gateID, agreementHash)
	if err != nil {
		return err
	}
	if h.Resolved {
		return nil
	}
	w, err := l.store.LockWallet(ctx, targetAgentID)
	if err != nil {
		return err
	}
	w.AvailableCents += h.HeldbackCents
	if err := l.store.SaveWallet(ctx, w); err != nil {
		return err
	}
	ledger, err := l.store.LockGateLedger(ctx, gateID)
	if err != nil {
		return err
	}
	ledger.ReleasedCents += h.HeldbackCents
	ledger.HeldbackCents -= h.HeldbackCents
	if err := l.store.SaveGateLedger(ctx, ledger); err != nil {
		return err
	}
	h.Resolved = true
	return l.store.SaveHoldback(ctx, h)
}

// ResolveHoldbackSplit finalizes a parked holdback fund by splitting it
// between payee and payer according to payeeReleaseRatePct — the
// arbitration-verdict resolution path, as opposed to ReleaseHoldback/
// RefundHoldback's all-or-nothing resolution.
func (l *Ledger) ResolveHoldbackSplit(ctx context.Context, gateID, agreementHash string, payeeReleaseRatePct int) (releasedCents, refundedCents int64, err error) {
	h, err := l.store.LoadHoldback(ctx, gateID, agreementHash)
	if err != nil {
		return 0, 0, err
	}
	if h.Resolved {
		return 0, 0, nil
	}
	releasedCents = (h.HeldbackCents * int64(payeeReleaseRatePct)) / 100
	refundedCents = h.HeldbackCents - releasedCents

	if releasedCents > 0 {
		payee, err := l.store.LockWallet(ctx, h.PayeeID)
		if err != nil {
			return 0, 0, err
		}
		payee.AvailableCents += releasedCents
		if err := l.store.SaveWallet(ctx, payee); err != nil {
			return 0, 0, err
		}
	}
	if refundedCents > 0 {
		payer, err := l.store.LockWallet(ctx, h.PayerID)
		if err != nil {
			return 0, 0, err
		}
		payer.AvailableCents += refundedCents
		if err := l.store.SaveWallet(ctx, payer); err != nil {
			return 0, 0, err
		}
	}

	ledger, err := l.store.LockGateLedger(ctx, gateID)
	if err != nil {
		return 0, 0, err
	}
	ledger.ReleasedCents += releasedCents
	ledger.RefundedCents += refundedCents
	ledger.HeldbackCents -= h.HeldbackCents
	if err := l.store.SaveGateLedger(ctx, ledger); err != nil {
		return 0, 0, err
	}

	h.Resolved = true
	return releasedCents, refundedCents, l.store.SaveHoldback(ctx, h)
}

// RefundHoldback implements refundHoldback(gateId): final resolution of a
// parked holdback fund back to the payer.
func (l *Ledger) RefundHoldback(ctx context.Context, gateID, agreementHash string) error {
	h, err := l.store.LoadHoldback(ctx, gateID, agreementHash)
	if err != nil {
		return err
	}
	if h.Resolved {
		return nil
	}
	return l.ReleaseHoldback(ctx, gateID, agreementHash, h.PayerID)
}

func (l *Ledger) applyReleaseRefund(ctx context.Context, payerID, payeeID string, releasedCents, refundedCents int64) error {
	payer, err := l.store.LockWallet(ctx, payerID)
	if err != nil {
		return err
	}
	payer.EscrowLockedCents -= releasedCents + refundedCents
	payer.AvailableCents += refundedCents
	payer.TotalDebitedCents += releasedCents
	if err := l.store.SaveWallet(ctx, payer); err != nil {
		return err
	}
	if releasedCents == 0 {
		return nil
	}
	payee, err := l.store.LockWallet(ctx, payeeID)
	if err != nil {
		return err
	}
	payee.AvailableCents += releasedCents
	return l.store.SaveWallet(ctx, payee)
}
