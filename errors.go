package tenancy

import "errors"

var (
	// Tenant errors.
	ErrNoTenantContext = errors.New("tenancy: no tenant in context")
	ErrUnknownTenant   = errors.New("tenancy: tenant not registered")
	ErrDuplicateTenant = errors.New("tenancy: tenant already registered")
	ErrUnknownUser     = errors.New("tenancy: user not assigned to any tenant")

	// Store errors.
	ErrNoStore     = errors.New("tenancy: no store configured")
	ErrStoreClosed = errors.New("tenancy: store closed")

	// Not found errors.
	ErrJobNotFound        = errors.New("tenancy: job not found")
	ErrDeadJobNotFound    = errors.New("tenancy: dead job not found")
	ErrDeploymentNotFound = errors.New("tenancy: deployment not found")
	ErrDefinitionNotFound = errors.New("tenancy: process definition not found")
	ErrInstanceNotFound   = errors.New("tenancy: process instance not found")
	ErrTaskNotFound       = errors.New("tenancy: task not found")

	// Executor errors.
	ErrExecutorStopped    = errors.New("tenancy: executor stopped")
	ErrMaxRetriesExceeded = errors.New("tenancy: max retries exceeded")
)
