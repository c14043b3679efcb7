/*
Package suggest stores externally generated substitute-service suggestions.

The cache holds one suggestion per subscription with a hard 7-day expiry.
A read past expiry is a cache miss, never stale data; re-requesting from
the AI collaborator is the caller's job. No business logic lives here
beyond expiry bookkeeping.
*/
package suggest

import (
	"context"
	"errors"
	"time"

	"github.com/spendwise/recurring-engine/recurring"
)

// DefaultTTL is how long a cached suggestion stays servable.
const DefaultTTL = 7 * 24 * time.Hour

// ErrCacheMiss signals that nothing fresh is cached for the subscription.
var ErrCacheMiss = errors.New("no fresh suggestion cached")

// Cache wraps a SuggestionStore with expiry bookkeeping.
type Cache struct {
	store recurring.SuggestionStore
	ttl   time.Duration
}

func NewCache(store recurring.SuggestionStore) *Cache {
	return &Cache{store: store, ttl: DefaultTTL}
}

// NewCacheWithTTL exists for tests that need a short expiry.
func NewCacheWithTTL(store recurring.SuggestionStore, ttl time.Duration) *Cache {
	return &Cache{store: store, ttl: ttl}
}

// Put stores a suggestion, replacing any previous one for the subscription.
func (c *Cache) Put(ctx context.Context, s recurring.Suggestion) error {
	return c.store.PutSuggestion(ctx, s)
}

// Get returns the cached suggestion for a subscription, or ErrCacheMiss
// when nothing is cached or the cached entry has expired. Expiry compares
// against the injected as-of date, consistent with the rest of the engine.
func (c *Cache) Get(ctx context.Context, id recurring.SubscriptionID, asOf recurring.Date) (*recurring.Suggestion, error) {
	s, err := c.store.GetSuggestion(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrCacheMiss
	}
	if c.expired(s.GeneratedAt, asOf) {
		return nil, ErrCacheMiss
	}
	return s, nil
}

func (c *Cache) expired(generatedAt, asOf recurring.Date) bool {
	age := time.Duration(recurring.DaysBetween(generatedAt, asOf)) * 24 * time.Hour
	return age >= c.ttl
}
