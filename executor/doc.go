// Package executor runs the asynchronous job loop across every
// registered tenant.
//
// The Executor sweeps tenant stores on a fixed interval: each cycle
// snapshots the tenant list, queries every tenant's store for due jobs,
// claims them with a time-bounded lock, and hands the winners to a
// Dispatcher for execution on a worker pool. A tenant whose store is
// unreachable is skipped for the cycle and retried on the next one.
//
// Two pool shapes are available. SharedDispatcher runs one bounded pool
// serving all tenants; TenantDispatcher runs one bounded pool per
// tenant, created lazily as tenants appear. Both use a bounded queue
// with a non-blocking Submit: when the queue is full, the job is
// unlocked and the next sweep picks it up again.
//
// Workers run each job through the middleware chain and its registered
// handler with the job's tenant (and user, if any) on the context. On
// success the job is deleted, or rescheduled when it carries a cron
// repeat expression. On failure the job is unlocked and rescheduled with
// backoff until its retry budget runs out, then moved to the dead-job
// store.
//
// All due-time and lock-expiry comparisons go through the injected
// engine clock, never the wall clock, so tests drive the whole loop by
// advancing a settable clock.
package executor
