package chainlog

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/nooterra/settld/internal/signing"
	"github.com/stretchr/testify/require"
)

func generateKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	t.Helper()
	return ed25519.GenerateKey(nil)
}

type memStore struct {
	mu     sync.Mutex
	events map[string][]*Event
	byIdem map[string]*Event
}

func newMemStore() *memStore {
	return &memStore{events: map[string][]*Event{}, byIdem: map[string]*Event{}}
}

func (s *memStore) Tip(_ context.Context, streamID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[streamID]
	if len(evs) == 0 {
		return signing.ZeroHash, nil
	}
	return evs[len(evs)-1].ChainHash, nil
}

func (s *memStore) FindByIdempotencyKey(_ context.Context, streamID, key string) (*Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.byIdem[streamID+"|"+key]
	return ev, ok, nil
}

func (s *memStore) Insert(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.StreamID] = append(s.events[ev.StreamID], ev)
	if ev.IdempotencyKey != "" {
		s.byIdem[ev.StreamID+"|"+ev.IdempotencyKey] = ev
	}
	return nil
}

func TestAppendSystemEventNoSignatureNeeded(t *testing.T) {
	store := newMemStore()
	l := New(store, nil)
	ctx := context.Background()

	ev, err := l.Append(ctx, "stream_1", AppendInput{
		Type:    "gate.created",
		Actor:   Actor{Type: ActorSystem, ID: "kernel"},
		Payload: map[string]any{"gateId": "gate_1"},
		At:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}, AppendOptions{})
	require.NoError(t, err)
	require.Equal(t, signing.ZeroHash, ev.PrevChainHash)
	require.Len(t, ev.ChainHash, 64)
	require.Equal(t, "ev_"+ev.ChainHash[:24], ev.EventID)

	tip, err := l.TipOf(ctx, "stream_1")
	require.NoError(t, err)
	require.Equal(t, ev.ChainHash, tip)
}

func TestAppendChainsAcrossEvents(t *testing.T) {
	store := newMemStore()
	l := New(store, nil)
	ctx := context.Background()

	ev1, err := l.Append(ctx, "s", AppendInput{
		Type: "a", Actor: Actor{Type: ActorSystem, ID: "kernel"},
		Payload: map[string]any{}, At: time.Unix(0, 0),
	}, AppendOptions{})
	require.NoError(t, err)

	ev2, err := l.Append(ctx, "s", AppendInput{
		Type: "b", Actor: Actor{Type: ActorSystem, ID: "kernel"},
		Payload: map[string]any{}, At: time.Unix(1, 0),
	}, AppendOptions{})
	require.NoError(t, err)
	require.Equal(t, ev1.ChainHash, ev2.PrevChainHash)
	require.NotEqual(t, ev1.ChainHash, ev2.ChainHash)
}

func TestAppendPreconditionFailure(t *testing.T) {
	store := newMemStore()
	l := New(store, nil)
	ctx := context.Background()

	_, err := l.Append(ctx, "s", AppendInput{
		Type: "a", Actor: Actor{Type: ActorSystem, ID: "kernel"},
		Payload: map[string]any{}, At: time.Unix(0, 0),
	}, AppendOptions{ExpectedPrevChainHash: "deadbeef"})
	require.Error(t, err)
}

func TestAppendIdempotencyReplay(t *testing.T) {
	store := newMemStore()
	l := New(store, nil)
	ctx := context.Background()

	in := AppendInput{
		Type: "a", Actor: Actor{Type: ActorSystem, ID: "kernel"},
		Payload: map[string]any{"x": 1.0}, At: time.Unix(0, 0),
	}
	ev1, err := l.Append(ctx, "s", in, AppendOptions{IdempotencyKey: "k1"})
	require.NoError(t, err)

	ev2, err := l.Append(ctx, "s", in, AppendOptions{IdempotencyKey: "k1"})
	require.NoError(t, err)
	require.Equal(t, ev1.ChainHash, ev2.ChainHash)

	conflicting := in
	conflicting.Payload = map[string]any{"x": 2.0}
	_, err = l.Append(ctx, "s", conflicting, AppendOptions{IdempotencyKey: "k1"})
	require.Error(t, err)
}

func TestAppendAgentActorRequiresSignature(t *testing.T) {
	store := newMemStore()
	l := New(store, nil)
	ctx := context.Background()

	_, err := l.Append(ctx, "s", AppendInput{
		Type: "a", Actor: Actor{Type: ActorAgent, ID: "agent_1"},
		Payload: map[string]any{}, At: time.Unix(0, 0),
	}, AppendOptions{})
	require.Error(t, err)
}

type fakeResolver struct {
	keyID string
	pub   []byte
}

func (f fakeResolver) ActiveKey(_ context.Context, _ string, _ time.Time) (string, []byte, bool, error) {
	return f.keyID, f.pub, true, nil
}

func TestAppendAgentActorValidSignature(t *testing.T) {
	store := newMemStore()

	pub, priv, err := generateKey(t)
	require.NoError(t, err)
	pemBytes, err := signing.PublicKeyToPEM(pub)
	require.NoError(t, err)
	keyID := signing.KeyID(pemBytes)

	l := New(store, fakeResolver{keyID: keyID, pub: pemBytes})
	ctx := context.Background()

	core := EventCore{
		Type:    "a",
		Actor:   Actor{Type: ActorAgent, ID: "agent_1"},
		Payload: map[string]any{},
		At:      time.Unix(0, 0),
	}
	hashHex, err := signing.HashCanonical(core)
	require.NoError(t, err)
	sig, err := signing.SignHashHex(hashHex, priv)
	require.NoError(t, err)

	ev, err := l.Append(ctx, "s", AppendInput{
		Type: "a", Actor: Actor{Type: ActorAgent, ID: "agent_1"},
		Payload: map[string]any{}, At: time.Unix(0, 0),
		SignerKeyID: keyID, Signature: sig,
	}, AppendOptions{})
	require.NoError(t, err)
	require.Equal(t, keyID, ev.SignerKeyID)
}

func TestRecomputeChainHashMatchesAppend(t *testing.T) {
	store := newMemStore()
	l := New(store, nil)
	ctx := context.Background()

	ev, err := l.Append(ctx, "s", AppendInput{
		Type: "gate.created", Actor: Actor{Type: ActorSystem, ID: "kernel"},
		Payload: map[string]any{"gateId": "gate_1"}, At: time.Unix(0, 0),
	}, AppendOptions{})
	require.NoError(t, err)

	recomputed, err := RecomputeChainHash(ev.PrevChainHash, ev.EventCore)
	require.NoError(t, err)
	require.Equal(t, ev.ChainHash, recomputed)
}

func TestVerifyChainAcceptsAnIntactChain(t *testing.T) {
	store := newMemStore()
	l := New(store, nil)
	ctx := context.Background()

	var events []Event
	for i := 0; i < 3; i++ {
		ev, err := l.Append(ctx, "s", AppendInput{
			Type: "a", Actor: Actor{Type: ActorSystem, ID: "kernel"},
			Payload: map[string]any{"i": i}, At: time.Unix(int64(i), 0),
		}, AppendOptions{})
		require.NoError(t, err)
		events = append(events, *ev)
	}

	require.NoError(t, VerifyChain(events))
}

func TestVerifyChainRejectsTamperedPayload(t *testing.T) {
	store := newMemStore()
	l := New(store, nil)
	ctx := context.Background()

	var events []Event
	for i := 0; i < 3; i++ {
		ev, err := l.Append(ctx, "s", AppendInput{
			Type: "a", Actor: Actor{Type: ActorSystem, ID: "kernel"},
			Payload: map[string]any{"i": i}, At: time.Unix(int64(i), 0),
		}, AppendOptions{})
		require.NoError(t, err)
		events = append(events, *ev)
	}

	events[1].Payload = map[string]any{"i": 999}
	err := VerifyChain(events)
	require.Error(t, err)
}

func TestVerifyChainRejectsReorderedEvents(t *testing.T) {
	store := newMemStore()
	l := New(store, nil)
	ctx := context.Background()

	var events []Event
	for i := 0; i < 3; i++ {
		ev, err := l.Append(ctx, "s", AppendInput{
			Type: "a", Actor: Actor{Type: ActorSystem, ID: "kernel"},
			Payload: map[string]any{"i": i}, At: time.Unix(int64(i), 0),
		}, AppendOptions{})
		require.NoError(t, err)
		events = append(events, *ev)
	}

	events[0], events[1] = events[1], events[0]
	err := VerifyChain(events)
	require.Error(t, err)
}

func TestVerifyChainEmptyIsValid(t *testing.T) {
	require.NoError(t, VerifyChain(nil))
}
