package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

const idempotencyLookupTimeout = 500 * time.Millisecond

// PostgresIdempotencyChecker is the second dedup tier behind the engine's
// LRU: it looks the command up in the persisted command log.
type PostgresIdempotencyChecker struct {
	db *sqlx.DB
}

func NewPostgresIdempotencyChecker(db *sqlx.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate reports whether a command of this type and ID is in the log.
func (pic *PostgresIdempotencyChecker) IsDuplicate(commandType string, commandID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), idempotencyLookupTimeout)
	defer cancel()

	var exists int
	err := pic.db.GetContext(ctx, &exists, `
		SELECT 1
		FROM event_log.commands
		WHERE command_type = $1 AND command_id = $2
		LIMIT 1
	`, commandType, commandID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys returns the composite keys of the last limit commands, oldest
// first, for warming the engine's LRU on a cold start.
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	var keys []string
	err := pic.db.SelectContext(ctx, &keys, `
		SELECT key FROM (
			SELECT command_type || ':' || command_id AS key, sequence
			FROM event_log.commands
			ORDER BY sequence DESC
			LIMIT $1
		) recent
		ORDER BY sequence ASC
	`, limit)
	return keys, err
}
