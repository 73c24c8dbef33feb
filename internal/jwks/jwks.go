// Package jwks serves and fetches the NooterraPay JWKS keyset (spec §6):
// {schemaVersion, refreshedAt, activeKey, fallbackKeys, maxAgeSec}. The
// keyset cache's persistence choice (github.com/syndtr/goleveldb) is
// grounded on gateway/auth/nonce_leveldb.go's NoncePersistence-over-leveldb
// shape, adapted from nonce storage to keyset storage; the HTTPFetcher
// capability interface replaces a duck-typed fetchFn, and this cache is
// its only user.
package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/nooterra/settld/internal/signing"
)

// Key is one entry in a keyset: a keyId and its PEM-encoded Ed25519 public
// key.
type Key struct {
	KeyID        string `json:"keyId"`
	PublicKeyPEM string `json:"publicKeyPem"`
}

// Keyset is the NooterraPayKeyset.v1 wire document served at the
// well-known JWKS URL.
type Keyset struct {
	SchemaVersion string    `json:"schemaVersion"`
	RefreshedAt   time.Time `json:"refreshedAt"`
	ActiveKey     Key       `json:"activeKey"`
	FallbackKeys  []Key     `json:"fallbackKeys,omitempty"`
	MaxAgeSec     int       `json:"maxAgeSec"`
}

// SchemaVersion is the only version this package emits or accepts.
const SchemaVersion = "NooterraPayKeyset.v1"

// HTTPFetcher is the HTTP capability injection point (spec §9) for the JWKS
// refresh below, in place of a hand-rolled *http.Client or a duck-typed
// fetchFn. No other package in this module uses it.
type HTTPFetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Publisher serves this kernel's own signing keyset — what a provider or
// wallet-issuer fetches to verify a NooterraPay token this kernel signed.
type Publisher struct {
	mu     sync.RWMutex
	keyset Keyset
	now    func() time.Time
}

// NewPublisher builds a Publisher around an initial keyset.
func NewPublisher(active Key, fallback []Key, maxAgeSec int, now func() time.Time) *Publisher {
	if now == nil {
		now = time.Now
	}
	return &Publisher{
		keyset: Keyset{
			SchemaVersion: SchemaVersion, RefreshedAt: now().UTC(),
			ActiveKey: active, FallbackKeys: fallback, MaxAgeSec: maxAgeSec,
		},
		now: now,
	}
}

// Current returns the keyset currently being served.
func (p *Publisher) Current() Keyset {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.keyset
}

// Rotate replaces the active key, demoting the prior active key into
// fallbackKeys so tokens signed moments before the rotation still verify
// until fallbackKeys ages out.
func (p *Publisher) Rotate(newActive Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fallback := append([]Key{p.keyset.ActiveKey}, p.keyset.FallbackKeys...)
	p.keyset = Keyset{
		SchemaVersion: SchemaVersion, RefreshedAt: p.now().UTC(),
		ActiveKey: newActive, FallbackKeys: fallback, MaxAgeSec: p.keyset.MaxAgeSec,
	}
}

// ServeHTTP implements the well-known JWKS endpoint.
func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(p.Current())
}

// Cache fetches and caches a remote party's JWKS keyset, persisting the
// last-known-good copy to a local leveldb store so a restart doesn't need
// a network round-trip before it can verify anything, and refusing to
// serve a copy older than its own maxAgeSec (spec §5: "a stale cache MUST
// NOT be used after expiry").
type Cache struct {
	fetcher HTTPFetcher
	db      *leveldb.DB
	now     func() time.Time

	mu    sync.Mutex
	byURL map[string]cachedKeyset
}

type cachedKeyset struct {
	Keyset    Keyset    `json:"keyset"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// NewCache opens (or creates) a leveldb store at dbPath for the fetch
// cache.
func NewCache(fetcher HTTPFetcher, dbPath string, now func() time.Time) (*Cache, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{fetcher: fetcher, db: db, now: now, byURL: make(map[string]cachedKeyset)}, nil
}

// Close releases the underlying leveldb handle.
func (c *Cache) Close() error { return c.db.Close() }

// Get returns the keyset for url, refreshing it over HTTP if the in-memory
// or on-disk copy is missing or has aged past its own maxAgeSec.
func (c *Cache) Get(ctx context.Context, url string) (Keyset, error) {
	c.mu.Lock()
	entry, ok := c.byURL[url]
	c.mu.Unlock()
	if ok && c.now().Before(entry.FetchedAt.Add(time.Duration(entry.Keyset.MaxAgeSec)*time.Second)) {
		return entry.Keyset, nil
	}

	if !ok {
		if stored, err := c.loadDisk(url); err == nil {
			entry = stored
			if c.now().Before(entry.FetchedAt.Add(time.Duration(entry.Keyset.MaxAgeSec) * time.Second)) {
				c.mu.Lock()
				c.byURL[url] = entry
				c.mu.Unlock()
				return entry.Keyset, nil
			}
		}
	}

	ks, err := c.fetch(ctx, url)
	if err != nil {
		return Keyset{}, err
	}
	fresh := cachedKeyset{Keyset: ks, FetchedAt: c.now()}
	c.mu.Lock()
	c.byURL[url] = fresh
	c.mu.Unlock()
	_ = c.saveDisk(url, fresh)
	return ks, nil
}

func (c *Cache) fetch(ctx context.Context, url string) (Keyset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Keyset{}, err
	}
	resp, err := c.fetcher.Do(req)
	if err != nil {
		return Keyset{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Keyset{}, fmt.Errorf("jwks: fetch %s: status %d", url, resp.StatusCode)
	}
	var ks Keyset
	if err := json.NewDecoder(resp.Body).Decode(&ks); err != nil {
		return Keyset{}, err
	}
	if ks.SchemaVersion != SchemaVersion {
		return Keyset{}, fmt.Errorf("jwks: unsupported schemaVersion %q", ks.SchemaVersion)
	}
	return ks, nil
}

func (c *Cache) loadDisk(url string) (cachedKeyset, error) {
	raw, err := c.db.Get([]byte(url), nil)
	if err != nil {
		return cachedKeyset{}, err
	}
	var entry cachedKeyset
	if err := json.Unmarshal(raw, &entry); err != nil {
		return cachedKeyset{}, err
	}
	return entry, nil
}

func (c *Cache) saveDisk(url string, entry cachedKeyset) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.db.Put([]byte(url), raw, nil)
}

// ResolveKeyID finds the public key for keyID among a keyset's active and
// fallback keys.
func ResolveKeyID(ks Keyset, keyID string) (ed25519.PublicKey, bool) {
	if ks.ActiveKey.KeyID == keyID {
		pub, err := signing.PublicKeyFromPEM([]byte(ks.ActiveKey.PublicKeyPEM))
		return pub, err == nil
	}
	for _, k := range ks.FallbackKeys {
		if k.KeyID == keyID {
			pub, err := signing.PublicKeyFromPEM([]byte(k.PublicKeyPEM))
			return pub, err == nil
		}
	}
	return nil, false
}
