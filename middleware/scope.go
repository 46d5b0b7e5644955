package middleware

import (
	"context"

	"github.com/xraph/tenancy/job"
	"github.com/xraph/tenancy/tenant"
)

// TenantScope returns middleware that derives the execution context from
// the job's owning tenant and user. It runs innermost-but-one so every
// store and facade call inside the handler resolves to the right tenant;
// the scope ends when the handler returns, on every exit path,
// including panics recovered further out.
func TenantScope() Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx = tenant.WithTenant(ctx, j.TenantID)
		if j.UserID != "" {
			ctx = tenant.WithUser(ctx, j.UserID)
		}
		return next(ctx)
	}
}
