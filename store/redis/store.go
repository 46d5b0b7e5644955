// Package redis implements store.Store on Redis for tenants with
// high-throughput, short-lived workloads. Entities are msgpack blobs,
// jobs are indexed by due time in a Sorted Set, and lock claims use
// optimistic WATCH transactions so racing executors resolve to one
// winner. Tenant isolation comes from giving each tenant its own
// logical database in the DSN (e.g. redis://localhost:6379/2).
package redis

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/tenancy/dead"
	"github.com/xraph/tenancy/job"
	"github.com/xraph/tenancy/process"
)

// Compile-time checks per subsystem so failures stay local.
var (
	_ job.Store     = (*Store)(nil)
	_ process.Store = (*Store)(nil)
	_ dead.Store    = (*Store)(nil)
)

// Store is a Redis implementation of store.Store for one tenant.
type Store struct {
	client *goredis.Client
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open connects to the Redis instance at the given URL, e.g.
// "redis://localhost:6379/0". The Store owns the client and closes it
// on Close.
func Open(dsn string, opts ...Option) (*Store, error) {
	cfg, err := goredis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("tenancy/redis: parse url: %w", err)
	}
	return New(goredis.NewClient(cfg), opts...), nil
}

// New wraps an existing Redis client. Close closes the client, so
// callers sharing one should not reuse it after closing the Store.
func New(client *goredis.Client, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() *goredis.Client { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
