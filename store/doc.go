// Package store defines the aggregate per-tenant persistence interface.
// The job, process, and dead subsystems each define their own store
// interface; the composite Store composes them all. One backend instance
// serves exactly one tenant; stores are never shared across tenants.
// Backends: Postgres, SQLite, Redis, and Memory.
package store
