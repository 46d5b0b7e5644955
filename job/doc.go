// Package job defines the asynchronous job model, its per-tenant
// persistence contract, and the registry mapping job names to handlers.
//
// A job's lifecycle is: due → locked → executing → deleted on success,
// unlocked and rescheduled on failure, or moved to the dead-job store
// once its retry budget is exhausted. There is no separate state column;
// the lock fields carry the state, and completed jobs are removed.
package job
