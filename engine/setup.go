package engine

import (
	"context"
	"fmt"

	"github.com/xraph/tenancy/store"
	"github.com/xraph/tenancy/store/memory"
	"github.com/xraph/tenancy/store/postgres"
	"github.com/xraph/tenancy/store/redis"
	"github.com/xraph/tenancy/store/sqlite"
)

// OpenStore maps a driver name to a store backend. Drivers: "memory",
// "sqlite", "postgres", "redis". The DSN format is backend-specific;
// "memory" ignores it. Used by operator configuration to open one store
// per tenant.
func OpenStore(ctx context.Context, driver, dsn string) (store.Store, error) {
	switch driver {
	case "memory", "":
		return memory.New(), nil
	case "sqlite":
		return sqlite.Open(dsn)
	case "postgres":
		return postgres.Open(ctx, dsn)
	case "redis":
		return redis.Open(dsn)
	default:
		return nil, fmt.Errorf("tenancy: unknown store driver %q", driver)
	}
}
