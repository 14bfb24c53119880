// Package outbox drives durably-persisted business events through an
// ordered chain of named stages with at-least-once delivery and
// exponential-backoff retry.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/foxford/conference/pkg/apperror"
)

// Record is one claimed outbox row: the current stage's payload, a
// monotonic id, and retry bookkeeping.
type Record struct {
	ID                 int64
	EntityType         string
	Operation          string
	StageName          string
	Stage              json.RawMessage
	DeliveryDeadlineAt time.Time
	RetryCount         int32
	ErrorKind          *string
	CreatedAt          time.Time
}

// store wraps the outbox table's row-claiming queries. All claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never block on the same
// row — grounded on the same claim pattern a session worker uses to
// grab its next unit of work.
type store struct {
	db querier
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting store
// methods run either standalone or inside a caller-managed transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func newStore(db querier) *store {
	return &store{db: db}
}

const recordColumns = `id, entity_type, operation, stage_name, stage, delivery_deadline_at, retry_count, error_kind, created_at`

func scanOutboxRecord(row interface{ Scan(dest ...any) error }) (*Record, error) {
	var rec Record
	if err := row.Scan(
		&rec.ID, &rec.EntityType, &rec.Operation, &rec.StageName, &rec.Stage,
		&rec.DeliveryDeadlineAt, &rec.RetryCount, &rec.ErrorKind, &rec.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}

// claimDue locks up to limit rows whose deadline has passed, skipping
// rows already locked by another worker.
func (s *store) claimDue(ctx context.Context, limit int64) ([]Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM outbox
		WHERE delivery_deadline_at <= now()
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindDatabase, "claim due outbox rows")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, apperror.Wrap(err, apperror.KindDatabase, "scan outbox row")
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// claimOne locks a single row by id, used when chaining directly from
// one stage to the next within the same transaction.
func (s *store) claimOne(ctx context.Context, id int64) (*Record, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM outbox
		WHERE id = $1
		FOR UPDATE SKIP LOCKED
	`, id)

	rec, err := scanOutboxRecord(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, apperror.Wrap(err, apperror.KindDatabase, "claim outbox row")
	}
	return rec, nil
}

// insert enqueues a new event at its first stage.
func (s *store) insert(ctx context.Context, entityType, operation, stageName string, stage json.RawMessage, deadline time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO outbox (entity_type, operation, stage_name, stage, delivery_deadline_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, entityType, operation, stageName, stage, deadline).Scan(&id)
	if err != nil {
		return 0, apperror.Wrap(err, apperror.KindDatabase, "insert outbox row")
	}
	return id, nil
}

// advance deletes id's row and inserts the next stage for the same
// entity/operation, returning the new row's id.
func (s *store) advance(ctx context.Context, rec Record, nextStageName string, nextStage json.RawMessage) (int64, error) {
	if _, err := s.db.Exec(ctx, `DELETE FROM outbox WHERE id = $1`, rec.ID); err != nil {
		return 0, apperror.Wrap(err, apperror.KindDatabase, "delete outbox row")
	}
	return s.insert(ctx, rec.EntityType, rec.Operation, nextStageName, nextStage, time.Now())
}

// complete deletes id's row — the chain finished successfully.
func (s *store) complete(ctx context.Context, id int64) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM outbox WHERE id = $1`, id); err != nil {
		return apperror.Wrap(err, apperror.KindDatabase, "delete completed outbox row")
	}
	return nil
}

// retryLater bumps retry_count, records the failure kind, and pushes
// the deadline out per the exponential backoff schedule.
func (s *store) retryLater(ctx context.Context, id int64, deadline time.Time, errorKind string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE outbox
		SET delivery_deadline_at = $2, retry_count = retry_count + 1, error_kind = $3
		WHERE id = $1
	`, id, deadline, errorKind)
	if err != nil {
		return apperror.Wrap(err, apperror.KindDatabase, "reschedule outbox row")
	}
	return nil
}

// NextDeliveryDeadline computes the next retry deadline:
// delivery_deadline_at + min(try_wake_interval * 2^(retry_count+1),
// max_delivery_interval).
func NextDeliveryDeadline(retryCount int32, deliveryDeadlineAt time.Time, tryWakeInterval, maxDeliveryInterval time.Duration) time.Time {
	factor := int64(1) << uint(retryCount+1)
	delay := tryWakeInterval * time.Duration(factor)
	if delay > maxDeliveryInterval {
		delay = maxDeliveryInterval
	}
	return deliveryDeadlineAt.Add(delay)
}
