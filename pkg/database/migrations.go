package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CreateGINIndexes creates auxiliary indexes not expressed in the
// golang-migrate SQL files: a GIN index over the outbox's JSONB stage
// payload, so ops queries can filter outbox rows by a field inside the
// stage payload without a full table scan.
func CreateGINIndexes(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS outbox_stage_gin_idx ON outbox USING gin (stage)`)
	if err != nil {
		return fmt.Errorf("create outbox stage GIN index: %w", err)
	}
	return nil
}
