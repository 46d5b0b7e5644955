package tenancy

import "github.com/xraph/tenancy/id"

// ID is the primary identifier type for all tenancy entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
