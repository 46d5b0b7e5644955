// Package tenant carries tenant and user identity on context.Context
// and maps tenant identifiers to their isolated stores.
//
// Identity is passed explicitly, never held in ambient per-goroutine
// state: a worker derives a context scoped to one job's tenant, and the
// scope ends with the call. There is nothing to clear and nothing to
// leak across pool reuse.
//
// The Router is the only path from a context to a store handle, so a
// data operation physically cannot reach a store owned by a tenant other
// than the one in its context.
package tenant
