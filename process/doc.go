// Package process holds the data model driven by the engine facade:
// process definitions, deployments, instances, and user tasks, plus
// their per-tenant persistence contract.
//
// The model is deliberately small. Workflow semantics (gateways, token
// passing) live behind the facade; this package only tracks what the
// multi-tenant execution layer needs: which instances are active,
// which tasks are open, and which timers schedule jobs.
package process
