package dead

import (
	"context"
	"time"

	"github.com/xraph/tenancy/id"
)

// ListOpts controls pagination for dead-job list queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
}

// Store defines the per-tenant persistence contract for dead jobs.
type Store interface {
	// PushDead adds a dead-job entry.
	PushDead(ctx context.Context, entry *Entry) error

	// ListDead returns entries ordered by FailedAt descending.
	ListDead(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// GetDead retrieves an entry by ID.
	GetDead(ctx context.Context, entryID id.DeadJobID) (*Entry, error)

	// MarkReplayed records that an entry was replayed. The re-enqueue
	// itself is handled at the service layer.
	MarkReplayed(ctx context.Context, entryID id.DeadJobID, at time.Time) error

	// PurgeDead removes entries with FailedAt before the given time.
	// Returns the number of entries removed.
	PurgeDead(ctx context.Context, before time.Time) (int64, error)

	// CountDead returns the total number of dead-job entries.
	CountDead(ctx context.Context) (int64, error)
}
