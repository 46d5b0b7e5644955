package postgres

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"
)

// isNoRows returns true when err indicates no rows were found.
// pgx.ErrNoRows wraps sql.ErrNoRows since pgx v5.5, but both are
// checked so callers can route errors from either API surface.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}
