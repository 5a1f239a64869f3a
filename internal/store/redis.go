package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/thomasender/dsc-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the affected user
// histories; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) InsertEvent(ctx context.Context, ev *model.Event) error {
	if err := s.primary.InsertEvent(ctx, ev); err != nil {
		return err
	}
	// Invalidate histories touched by this event; next read re-populates.
	s.rdb.Del(ctx, userEventsKey(ev.Actor))
	if ev.OnBehalf != "" {
		s.rdb.Del(ctx, userEventsKey(ev.OnBehalf))
	}
	return nil
}

func (s *CachedStore) EventsByUser(ctx context.Context, user string) ([]model.Event, error) {
	data, err := s.rdb.Get(ctx, userEventsKey(user)).Bytes()
	if err == nil {
		var events []model.Event
		if json.Unmarshal(data, &events) == nil {
			return events, nil
		}
	}

	// Cache miss: read from primary.
	events, err := s.primary.EventsByUser(ctx, user)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(events); err == nil {
		s.rdb.Set(ctx, userEventsKey(user), data, s.ttl)
	}
	return events, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) EventsByAsset(ctx context.Context, assetID string) ([]model.Event, error) {
	return s.primary.EventsByAsset(ctx, assetID)
}

func (s *CachedStore) RecentEvents(ctx context.Context, limit int) ([]model.Event, error) {
	return s.primary.RecentEvents(ctx, limit)
}

func userEventsKey(user string) string { return fmt.Sprintf("events:user:%s", user) }
