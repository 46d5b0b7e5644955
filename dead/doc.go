// Package dead implements the dead-job store: the per-tenant holding
// area for jobs that exhausted their retry budget. Dead jobs are removed
// from normal scheduling but stay visible to monitoring, and can be
// replayed back into the job store by an operator.
package dead
