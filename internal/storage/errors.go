package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrQueryCancelled is returned when Postgres cancels a query because it
// exceeded the per-statement timeout. Distinct from "no matching data":
// callers should retry with a narrower time range rather than trust an
// empty result.
var ErrQueryCancelled = errors.New("storage: query cancelled by statement timeout, narrow your time range")

// SQLSTATE 57014 (query_canceled) is raised both by statement_timeout and
// by explicit cancellation requests.
const sqlstateQueryCanceled = "57014"

// classifyQueryErr converts a statement-timeout cancellation into the typed
// sentinel so callers never match on driver error text.
func classifyQueryErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlstateQueryCanceled {
		return ErrQueryCancelled
	}
	return err
}
