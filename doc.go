// Package tenancy provides multi-tenant execution for a process engine:
// one engine instance serves many isolated tenants, each with its own
// persistent store, while sharing engine code and a pool of workers that
// execute asynchronous jobs (timers, async continuations) on behalf of
// any tenant.
//
// Tenancy is designed as a library, not a service. Import it, register
// tenants with their stores, and drive the engine facade under a tenant
// context.
//
// # Quick Start
//
//	eng, err := engine.New(engine.WithConfig(tenancy.DefaultConfig()))
//	err = eng.RegisterTenant("acme", memory.New(), "raphael")
//
//	ctx, _ := eng.WithUser(context.Background(), "raphael")
//	eng.Deploy(ctx, defs...)
//	eng.StartInstance(ctx, "oneTaskProcess", vars)
//
// # Architecture
//
// Tenant identity travels on context.Context (package tenant), never in
// ambient per-goroutine state. Every data operation reaches a tenant's
// store through the Router, which is the only path from a context to a
// store handle.
//
// The async executor (package executor) sweeps every registered tenant's
// store for due jobs on a fixed interval, locks them optimistically, and
// dispatches execution onto a shared or per-tenant worker pool. Due-time
// comparisons read through an injected clock (package clock) so tests can
// fast-forward time deterministically.
//
// Tenancy follows a composable store pattern: job and process state each
// define their own store interface and a single per-tenant backend
// implements both. Backends: Postgres, SQLite, Redis, and Memory.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package tenancy
