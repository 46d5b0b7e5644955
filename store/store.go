package store

import (
	"context"

	"github.com/xraph/tenancy/dead"
	"github.com/xraph/tenancy/job"
	"github.com/xraph/tenancy/process"
)

// Store is the aggregate per-tenant persistence interface.
// A single backend (postgres, sqlite, redis, memory) implements all of
// the subsystem stores for one tenant's schema.
type Store interface {
	job.Store
	process.Store
	dead.Store

	// Migrate runs all schema migrations for this tenant's store.
	Migrate(ctx context.Context) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
