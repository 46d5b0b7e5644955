package redis

// Redis key naming conventions. All keys are prefixed with "tenancy:"
// to avoid collisions with other data in the same logical database.

const keyPrefix = "tenancy:"

// ── Job keys ──

// jobKey returns the key for a job blob: tenancy:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// jobsDueKey is the Sorted Set indexing every job by due time
// (score = DueAt in unix milliseconds). It doubles as the full job
// index for enumeration and counting.
const jobsDueKey = keyPrefix + "jobs:due"

// ── Process keys ──

// deploymentKey returns the key for a deployment blob: tenancy:deployment:{id}
func deploymentKey(id string) string { return keyPrefix + "deployment:" + id }

// deploymentsKey is the Sorted Set ordering deployments by creation
// time so the latest definition lookup can walk newest-first.
const deploymentsKey = keyPrefix + "deployments"

// instanceKey returns the key for an instance blob: tenancy:instance:{id}
func instanceKey(id string) string { return keyPrefix + "instance:" + id }

// instanceIDsKey is the Set tracking all instance IDs for enumeration.
const instanceIDsKey = keyPrefix + "instance_ids"

// taskKey returns the key for a task blob: tenancy:task:{id}
func taskKey(id string) string { return keyPrefix + "task:" + id }

// taskIDsKey is the Set tracking all open task IDs for enumeration.
const taskIDsKey = keyPrefix + "task_ids"

// ── Dead-job keys ──

// deadKey returns the key for a dead-job blob: tenancy:dead:{id}
func deadKey(id string) string { return keyPrefix + "dead:" + id }

// deadIndexKey is the Sorted Set ordering dead entries by failure time
// (score = FailedAt in unix milliseconds).
const deadIndexKey = keyPrefix + "dead:index"
