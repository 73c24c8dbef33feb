package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nooterra/settld/internal/signing"
)

func testKey(t *testing.T) Key {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pem, err := signing.PublicKeyToPEM(pub)
	require.NoError(t, err)
	return Key{KeyID: signing.KeyID(pem), PublicKeyPEM: string(pem)}
}

func TestPublisherRotateDemotesActiveKeyToFallback(t *testing.T) {
	k1, k2 := testKey(t), testKey(t)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewPublisher(k1, nil, 300, func() time.Time { return clock })

	require.Equal(t, k1, p.Current().ActiveKey)
	require.Empty(t, p.Current().FallbackKeys)

	p.Rotate(k2)
	current := p.Current()
	require.Equal(t, k2, current.ActiveKey)
	require.Equal(t, []Key{k1}, current.FallbackKeys)
}

func TestPublisherServeHTTPEncodesCurrentKeyset(t *testing.T) {
	k1 := testKey(t)
	p := NewPublisher(k1, nil, 300, nil)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/nooterrapay-jwks.json", nil))

	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var ks Keyset
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ks))
	require.Equal(t, SchemaVersion, ks.SchemaVersion)
	require.Equal(t, k1.KeyID, ks.ActiveKey.KeyID)
}

func TestResolveKeyIDFindsActiveAndFallbackKeys(t *testing.T) {
	active, fallback := testKey(t), testKey(t)
	ks := Keyset{SchemaVersion: SchemaVersion, ActiveKey: active, FallbackKeys: []Key{fallback}}

	pub, ok := ResolveKeyID(ks, active.KeyID)
	require.True(t, ok)
	require.NotNil(t, pub)

	pub, ok = ResolveKeyID(ks, fallback.KeyID)
	require.True(t, ok)
	require.NotNil(t, pub)

	_, ok = ResolveKeyID(ks, "unknown")
	require.False(t, ok)
}

func TestCacheFetchesAndReusesWithinMaxAge(t *testing.T) {
	active := testKey(t)
	ks := Keyset{SchemaVersion: SchemaVersion, ActiveKey: active, MaxAgeSec: 300}

	var fetchCount int
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetchCount++
		_ = json.NewEncoder(w).Encode(ks)
	}))
	defer srv.Close()

	dbPath := filepath.Join(t.TempDir(), "jwks-cache")
	cache, err := NewCache(http.DefaultClient, dbPath, func() time.Time { return now })
	require.NoError(t, err)
	defer cache.Close()

	got, err := cache.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, active.KeyID, got.ActiveKey.KeyID)
	require.Equal(t, 1, fetchCount)

	// Second call within maxAgeSec reuses the in-memory entry.
	_, err = cache.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, 1, fetchCount)

	// Past maxAgeSec, the cache fetches again.
	now = now.Add(301 * time.Second)
	_, err = cache.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, 2, fetchCount)
}

func TestCacheRejectsUnsupportedSchemaVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Keyset{SchemaVersion: "Unsupported.v0"})
	}))
	defer srv.Close()

	dbPath := filepath.Join(t.TempDir(), "jwks-cache")
	cache, err := NewCache(http.DefaultClient, dbPath, nil)
	require.NoError(t, err)
	defer cache.Close()

	_, err = cache.Get(context.Background(), srv.URL)
	require.Error(t, err)
}
