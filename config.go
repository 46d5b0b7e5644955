package tenancy

import "time"

// PoolShape selects how worker capacity is shared across tenants.
type PoolShape string

const (
	// PoolShared runs one bounded pool serving every tenant's jobs.
	// Maximizes utilization; a noisy tenant can starve others under
	// saturation (mitigate with the limit package).
	PoolShared PoolShape = "shared"
	// PoolPerTenant runs one bounded pool per tenant, guaranteeing
	// isolation at the cost of idle capacity.
	PoolPerTenant PoolShape = "per-tenant"
)

// Config holds engine-level configuration shared by the executor and
// the facade.
type Config struct {
	// AsyncExecutorEnabled controls whether the background job executor
	// is started with the engine.
	AsyncExecutorEnabled bool

	// AcquireInterval is how often the executor sweeps every tenant's
	// store for due jobs.
	AcquireInterval time.Duration

	// LockDuration is how long an acquired job stays locked before its
	// lock expires and the job becomes eligible for re-acquisition.
	LockDuration time.Duration

	// AcquireBatch is the maximum number of due jobs fetched per tenant
	// per sweep.
	AcquireBatch int

	// SweepConcurrency bounds how many tenant stores are queried
	// concurrently within one sweep.
	SweepConcurrency int

	// MaxSweepFailures is the number of consecutive failed sweeps after
	// which the executor stops and raises an operator-visible alarm.
	MaxSweepFailures int

	// MaxRetries is the default retry budget for a job before it is
	// moved to the dead-job store.
	MaxRetries int

	// PoolShape selects the dispatch strategy: shared or per-tenant.
	PoolShape PoolShape

	// PoolSize is the number of worker goroutines per pool.
	PoolSize int

	// QueueCapacity bounds the dispatch queue feeding each pool. When
	// the queue is full, dispatch skips the job and the executor retries
	// it on the next sweep.
	QueueCapacity int

	// ShutdownTimeout is the grace period in-flight jobs get to finish
	// before their locks are force-released.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		AsyncExecutorEnabled: true,
		AcquireInterval:      10 * time.Second,
		LockDuration:         5 * time.Minute,
		AcquireBatch:         100,
		SweepConcurrency:     4,
		MaxSweepFailures:     10,
		MaxRetries:           3,
		PoolShape:            PoolShared,
		PoolSize:             10,
		QueueCapacity:        100,
		ShutdownTimeout:      30 * time.Second,
	}
}
