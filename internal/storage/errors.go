package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/relay/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
// It wraps model.ErrNotFound so callers can match either.
var ErrNotFound = fmt.Errorf("storage: %w", model.ErrNotFound)

// notFound maps pgx.ErrNoRows to ErrNotFound and wraps anything else with op.
func notFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("storage: %s: %w", op, err)
}
