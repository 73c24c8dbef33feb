// Package chainlog implements the per-stream append-only chained event log
// (spec §4.3). Generalized from native/escrow/events.go's escrow-lifecycle
// event construction and core/events/event.go's Event/Emitter interfaces
// into a generic per-stream envelope; the idempotency-by-key rule is
// adapted from services/otc-gateway/middleware/idempotency.go's
// stored-response-replay pattern, moved from an HTTP middleware into a
// store-backed append primitive.
package chainlog

import (
	"context"
	"time"

	"github.com/nooterra/settld/internal/canonical"
	"github.com/nooterra/settld/internal/kernelerr"
	"github.com/nooterra/settld/internal/signing"
)

// ActorType distinguishes system-originated events (no signature required)
// from agent-originated events (signature required).
type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorServer ActorType = "server"
	ActorAgent  ActorType = "agent"
)

// Actor identifies who caused an event.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// requiresSignature reports whether this actor must carry a signature per
// spec §4.3: only non-system, non-server actors do.
func (a Actor) requiresSignature() bool {
	return a.Type != ActorSystem && a.Type != ActorServer
}

// EventCore is the part of an event that participates in the chain hash.
// chainHash = H(prevChainHash || canonical(EventCore)) — signerKeyId and
// signature are deliberately excluded from this struct so the hash can
// never accidentally absorb them.
type EventCore struct {
	Type    string         `json:"type"`
	Actor   Actor          `json:"actor"`
	Payload map[string]any `json:"payload"`
	At      time.Time      `json:"at"`
}

// CanonicalValue implements canonical.Canonicalizer.
func (c EventCore) CanonicalValue() any {
	return canonical.OrderedObject{
		{Key: "type", Value: c.Type},
		{Key: "actor", Value: canonical.OrderedObject{
			{Key: "type", Value: string(c.Actor.Type)},
			{Key: "id", Value: c.Actor.ID},
		}},
		{Key: "payload", Value: toAny(c.Payload)},
		{Key: "at", Value: c.At.UTC().Format(time.RFC3339Nano)},
	}
}

func toAny(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Event is a fully appended, chain-bound record on a stream.
type Event struct {
	EventID  string `json:"eventId"`
	StreamID string `json:"streamId"`
	EventCore
	PrevChainHash  string `json:"prevChainHash"`
	ChainHash      string `json:"chainHash"`
	SignerKeyID    string `json:"signerKeyId,omitempty"`
	Signature      string `json:"signature,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// KeyResolver looks up whether a given agent's signing key was active at a
// point in time, without chainlog importing the agent-registry package
// directly (avoids a dependency cycle between C3 and the agent/authority
// surfaces that sit above it).
type KeyResolver interface {
	ActiveKey(ctx context.Context, agentID string, at time.Time) (keyID string, pub []byte, ok bool, err error)
}

// Store is the persistence seam chainlog needs: append-only per-stream
// storage plus an idempotency index. A gorm-backed implementation lives in
// internal/store.
type Store interface {
	Tip(ctx context.Context, streamID string) (prevChainHash string, err error)
	FindByIdempotencyKey(ctx context.Context, streamID, idempotencyKey string) (*Event, bool, error)
	Insert(ctx context.Context, ev *Event) error
}

// Log is the chained event log for a tenant's set of streams.
type Log struct {
	store    Store
	resolver KeyResolver
}

// New constructs a Log backed by store, resolving agent signing keys
// through resolver.
func New(store Store, resolver KeyResolver) *Log {
	return &Log{store: store, resolver: resolver}
}

// AppendOptions carries appendEvent's optional preconditions.
type AppendOptions struct {
	ExpectedPrevChainHash string
	IdempotencyKey        string
}

// AppendInput is the caller-supplied event core plus an optional signature.
type AppendInput struct {
	Type        string
	Actor       Actor
	Payload     map[string]any
	At          time.Time
	SignerKeyID string
	Signature   string
}

// Append implements appendEvent(streamId, event, opts) from spec §4.3.
func (l *Log) Append(ctx context.Context, streamID string, in AppendInput, opts AppendOptions) (*Event, error) {
	if opts.IdempotencyKey != "" {
		existing, found, err := l.store.FindByIdempotencyKey(ctx, streamID, opts.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if found {
			if !sameAppendRequest(existing, in) {
				return nil, kernelerr.New(kernelerr.CodeIdempotencyConflict,
					"idempotency key reused with a different event body")
			}
			return existing, nil
		}
	}

	prevTip, err := l.store.Tip(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if opts.ExpectedPrevChainHash != "" && opts.ExpectedPrevChainHash != prevTip {
		return nil, kernelerr.Newf(kernelerr.CodeChainPreconditionFailed,
			"expected prevChainHash %q, stream tip is %q", opts.ExpectedPrevChainHash, prevTip)
	}

	if in.Actor.requiresSignature() {
		if in.Signature == "" || in.SignerKeyID == "" {
			return nil, kernelerr.New(kernelerr.CodeEventSignatureRequired,
				"non-system actor events must carry a signature")
		}
		if l.resolver == nil {
			return nil, kernelerr.New(kernelerr.CodeEventSignatureInvalid, "no key resolver configured")
		}
		keyID, pub, ok, err := l.resolver.ActiveKey(ctx, in.Actor.ID, in.At)
		if err != nil {
			return nil, err
		}
		if !ok || keyID != in.SignerKeyID {
			return nil, kernelerr.New(kernelerr.CodeEventSignatureInvalid,
				"signer key is not active for this actor at the event time")
		}
		core := EventCore{Type: in.Type, Actor: in.Actor, Payload: in.Payload, At: in.At}
		coreHash, err := signing.HashCanonical(core)
		if err != nil {
			return nil, err
		}
		pubKey, err := signing.PublicKeyFromPEM(pub)
		if err != nil {
			return nil, kernelerr.New(kernelerr.CodeEventSignatureInvalid, "invalid signer public key")
		}
		if !signing.VerifyHashHex(coreHash, in.Signature, pubKey) {
			return nil, kernelerr.New(kernelerr.CodeEventSignatureInvalid, "signature does not verify")
		}
	}

	core := EventCore{Type: in.Type, Actor: in.Actor, Payload: in.Payload, At: in.At}
	chainHash, err := RecomputeChainHash(prevTip, core)
	if err != nil {
		return nil, err
	}

	ev := &Event{
		EventID:        "ev_" + chainHash[:24],
		StreamID:       streamID,
		EventCore:      core,
		PrevChainHash:  prevTip,
		ChainHash:      chainHash,
		SignerKeyID:    in.SignerKeyID,
		Signature:      in.Signature,
		IdempotencyKey: opts.IdempotencyKey,
	}
	if err := l.store.Insert(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// TipOf implements tipOf(streamId) from spec §4.3.
func (l *Log) TipOf(ctx context.Context, streamID string) (string, error) {
	return l.store.Tip(ctx, streamID)
}

// RecomputeChainHash reproduces chainHash = H(prevChainHash ||
// canonical(core)) outside of Append — used by offline verifiers (the
// job-proof bundle checker) that have an exported event log file but no
// Store to replay through. The hash is over the literal byte concatenation
// of prevChainHash and core's canonical encoding, not over a JSON object
// wrapping the two: any other conformant implementation following the same
// formula must reproduce this hash byte-for-byte.
func RecomputeChainHash(prevChainHash string, core EventCore) (string, error) {
	coreBytes, err := canonical.Encode(core.CanonicalValue())
	if err != nil {
		return "", err
	}
	input := append([]byte(prevChainHash), coreBytes...)
	return signing.SHA256Hex(input), nil
}

// VerifyChain walks a stream's exported events in order and checks that
// each one's chainHash recomputes from the previous one's chainHash (or
// signing.ZeroHash for the first event) and its own core, failing closed on
// the first break.
func VerifyChain(events []Event) error {
	prev := signing.ZeroHash
	for i, ev := range events {
		if ev.PrevChainHash != prev {
			return kernelerr.Newf(kernelerr.CodeChainPreconditionFailed,
				"event %d (%s): prevChainHash %q does not match prior chainHash %q", i, ev.EventID, ev.PrevChainHash, prev)
		}
		recomputed, err := RecomputeChainHash(ev.PrevChainHash, ev.EventCore)
		if err != nil {
			return err
		}
		if recomputed != ev.ChainHash {
			return kernelerr.Newf(kernelerr.CodeChainPreconditionFailed,
				"event %d (%s): chainHash does not recompute byte-exactly", i, ev.EventID)
		}
		prev = ev.ChainHash
	}
	return nil
}

func sameAppendRequest(existing *Event, in AppendInput) bool {
	if existing.Type != in.Type || existing.Actor != in.Actor {
		return false
	}
	existingPayload, _ := canonical.Encode(toAny(existing.Payload))
	inPayload, _ := canonical.Encode(toAny(in.Payload))
	return string(existingPayload) == string(inPayload) && existing.At.Equal(in.At)
}
