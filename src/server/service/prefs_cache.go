package service

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/commercecms/notify/src/server/model"
)

// CachedPreferences wraps a PreferenceLookup with a short TTL cache so a
// burst of dispatches to the same user does not hammer the profile table.
// Only successful lookups are cached; a missing user is re-checked every
// time so newly created profiles take effect immediately.
type CachedPreferences struct {
	next  PreferenceLookup
	cache *gocache.Cache
}

// NewCachedPreferences creates the caching decorator. A ttl of zero
// disables expiry-based reuse entirely by caching for one nanosecond.
func NewCachedPreferences(next PreferenceLookup, ttl time.Duration) *CachedPreferences {
	if ttl <= 0 {
		ttl = time.Nanosecond
	}
	return &CachedPreferences{
		next:  next,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// GetPreferences returns cached preferences when fresh, falling through to
// the underlying lookup otherwise. Callers get a copy, never the cached
// value itself.
func (c *CachedPreferences) GetPreferences(ctx context.Context, userID string) (*model.DeliveryPreferences, error) {
	if v, ok := c.cache.Get(userID); ok {
		cached := v.(model.DeliveryPreferences)
		return &cached, nil
	}

	prefs, err := c.next.GetPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(userID, *prefs)
	result := *prefs
	return &result, nil
}

// Invalidate drops a user's cached entry, e.g. after a preference update
func (c *CachedPreferences) Invalidate(userID string) {
	c.cache.Delete(userID)
}
