// Package cached wraps a storage.Store with an in-process read-through cache
// for client lookups.
//
// Client records are read on every /authorize and /token request but change
// only on registration, so GetClient results are cached for a short TTL.
// Codes and tokens pass straight through: their single-use semantics must be
// decided by the backing store.
package cached

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/asamzaman87/Git-GPT-App/storage"
)

// DefaultTTL is how long a client record stays cached.
const DefaultTTL = 30 * time.Second

// Store caches GetClient on top of another storage.Store.
type Store struct {
	storage.Store
	clients *gocache.Cache
}

var _ storage.Store = (*Store)(nil)

// New wraps next. A zero ttl selects DefaultTTL.
func New(next storage.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		Store:   next,
		clients: gocache.New(ttl, 2*ttl),
	}
}

// GetClient serves from cache when possible. Misses are not cached, so a
// client registered on another instance becomes visible immediately.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if v, ok := s.clients.Get(clientID); ok {
		if c, ok := v.(*storage.Client); ok {
			return storage.CloneClient(c), nil
		}
	}

	c, err := s.Store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	s.clients.SetDefault(clientID, storage.CloneClient(c))
	return c, nil
}

// SaveClient writes through and invalidates the cached entry.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if err := s.Store.SaveClient(ctx, client); err != nil {
		return err
	}
	if client != nil {
		s.clients.Delete(client.ClientID)
	}
	return nil
}

// Close flushes the cache and closes the backing store.
func (s *Store) Close() error {
	s.clients.Flush()
	return s.Store.Close()
}
