// Package engine wires the tenancy subsystems together: the tenant
// registry and router, the engine clock, the async job executor, the
// middleware chain, and the lifecycle hook registry. It exposes the
// process facade applications program against: deploy definitions,
// start instances, complete tasks, always on behalf of the tenant
// carried by the context.
//
// A minimal multi-tenant setup:
//
//	eng := engine.New(tenancy.DefaultConfig())
//	eng.RegisterTenant(ctx, "alfresco", memory.New(), "joram", "tijs")
//	eng.RegisterTenant(ctx, "acme", memory.New(), "raphael")
//	eng.Start(ctx)
//	defer eng.Stop(ctx)
//
//	ctx, _ = eng.WithUser(ctx, "joram") // acts as tenant alfresco
//	eng.Deploy(ctx, process.Definition{Key: "onboarding", ...})
//	eng.StartInstance(ctx, "onboarding", nil)
//
// Every facade call resolves the tenant's own store through the router;
// no data path is shared between tenants.
package engine
