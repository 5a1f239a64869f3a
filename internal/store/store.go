// Package store defines persistence for the engine's immutable event log.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"

	"github.com/thomasender/dsc-engine/internal/model"
)

// Store persists engine events. PostgreSQL is the source of truth; Redis
// provides a read-through cache layer.
type Store interface {
	// InsertEvent appends an immutable engine event.
	InsertEvent(ctx context.Context, ev *model.Event) error

	// EventsByUser returns events where the user is actor or target,
	// oldest first.
	EventsByUser(ctx context.Context, user string) ([]model.Event, error)

	// EventsByAsset returns all events touching one collateral asset,
	// oldest first.
	EventsByAsset(ctx context.Context, assetID string) ([]model.Event, error)

	// RecentEvents returns the newest events up to limit, newest first.
	RecentEvents(ctx context.Context, limit int) ([]model.Event, error)
}
