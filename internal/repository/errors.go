package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"project_chatdigest/internal/entities"
)

const uniqueViolation = "23505"

// mapWriteError turns a unique violation into entities.ErrConflict so callers can re-read.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return entities.ErrConflict
	}
	return err
}
