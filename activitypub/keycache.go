package activitypub

import (
	"context"
	"time"

	"github.com/deemkeen/agora/domain"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// KeySource provides actor public keys to the cache.
type KeySource interface {
	// Key returns the locally known key, fetching the actor if unknown.
	Key(ctx context.Context, actorURI string) (*domain.KeyCacheEntry, error)
	// FetchKey always re-fetches the actor from its origin.
	FetchKey(ctx context.Context, actorURI string) (*domain.KeyCacheEntry, error)
}

// KeyCache memoizes public keys by actor. Loads and refreshes for the same
// actor are collapsed so that concurrent callers share one fetch.
type KeyCache struct {
	entries *cache.Cache
	group   singleflight.Group
	source  KeySource
	ttl     time.Duration
}

func NewKeyCache(source KeySource, ttl time.Duration) *KeyCache {
	// entries linger past the TTL so a stale key can still be tried once
	return &KeyCache{
		entries: cache.New(2*ttl, ttl),
		source:  source,
		ttl:     ttl,
	}
}

// TTL is the age after which a key is considered stale.
func (k *KeyCache) TTL() time.Duration {
	return k.ttl
}

// Get returns the cached key, loading it through the source on a miss.
func (k *KeyCache) Get(ctx context.Context, actorURI string) (*domain.KeyCacheEntry, error) {
	if v, ok := k.entries.Get(actorURI); ok {
		return v.(*domain.KeyCacheEntry), nil
	}
	return k.load(ctx, "get:"+actorURI, actorURI, k.source.Key)
}

// Refresh re-fetches the key from the actor's origin.
func (k *KeyCache) Refresh(ctx context.Context, actorURI string) (*domain.KeyCacheEntry, error) {
	return k.load(ctx, "refresh:"+actorURI, actorURI, k.source.FetchKey)
}

// Invalidate drops the actor's entry.
func (k *KeyCache) Invalidate(actorURI string) {
	k.entries.Delete(actorURI)
}

func (k *KeyCache) load(ctx context.Context, flight, actorURI string,
	fn func(context.Context, string) (*domain.KeyCacheEntry, error)) (*domain.KeyCacheEntry, error) {
	v, err, _ := k.group.Do(flight, func() (interface{}, error) {
		entry, err := fn(ctx, actorURI)
		if err != nil {
			return nil, err
		}
		k.entries.SetDefault(actorURI, entry)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.KeyCacheEntry), nil
}
