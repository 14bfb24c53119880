package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/foxford/conference/pkg/apperror"
)

// StageResult is what a Handler returns after processing one stage:
// either the next named stage to persist, or nothing (Done is true)
// when the chain has finished.
type StageResult struct {
	Done      bool
	NextStage string
	Payload   json.RawMessage
}

// Handler processes one named stage's payload. A concrete stage holds
// whatever clients it needs (NATS/MQTT publishers, backend pool) as its
// own fields; payload is this record's stage JSON.
type Handler interface {
	Handle(ctx context.Context, record Record, payload json.RawMessage) (StageResult, error)
}

// Config tunes claim batch size and retry backoff
// knobs `outbox.messages_per_try`, `outbox.try_wake_interval`,
// `outbox.max_delivery_interval`).
type Config struct {
	MessagesPerTry      int64
	TryWakeInterval     time.Duration
	MaxDeliveryInterval time.Duration
	PollInterval        time.Duration
}

// Worker periodically claims due outbox rows and drives each through
// its registered stage handler, persisting progress one stage at a
// time so a crash mid-chain never loses the event.
type Worker struct {
	pool     *pgxpool.Pool
	store    *store
	handlers map[string]Handler
	cfg      Config
	reporter *apperror.Reporter

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker builds a Worker. handlers maps stage name to the Handler
// that processes it; Enqueue's initial stageName must be a key here.
func NewWorker(pool *pgxpool.Pool, handlers map[string]Handler, cfg Config, reporter *apperror.Reporter) *Worker {
	return &Worker{
		pool:     pool,
		store:    newStore(pool),
		handlers: handlers,
		cfg:      cfg,
		reporter: reporter,
		stopCh:   make(chan struct{}),
	}
}

// Enqueue persists a new event at its first stage.
func (w *Worker) Enqueue(ctx context.Context, entityType, operation, stageName string, payload json.RawMessage) (int64, error) {
	return w.store.insert(ctx, entityType, operation, stageName, payload, time.Now())
}

// Start runs the claim loop in a goroutine until Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the loop to exit and waits for it to drain.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				slog.Error("outbox tick failed", "error", err)
			}
		}
	}
}

// tick claims a batch and drives each claimed record through its
// handler inside the one claim transaction. A handler error only
// reschedules that record and the batch goes on; there is no
// per-record sub-transaction, so a database error on one record's
// update aborts the shared transaction and none of the batch's
// progress is committed.
func (w *Worker) tick(ctx context.Context) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return apperror.Wrap(err, apperror.KindDatabase, "begin outbox claim transaction")
	}
	defer tx.Rollback(ctx)

	txStore := newStore(tx)
	records, err := txStore.claimDue(ctx, w.cfg.MessagesPerTry)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return tx.Commit(ctx)
	}

	for _, rec := range records {
		w.processOne(ctx, txStore, rec)
	}

	return tx.Commit(ctx)
}

func (w *Worker) processOne(ctx context.Context, s *store, rec Record) {
	handler, ok := w.handlers[rec.StageName]
	if !ok {
		slog.Error("outbox: no handler registered for stage", "stage", rec.StageName, "id", rec.ID)
		w.scheduleRetry(ctx, s, rec, apperror.KindInternal)
		return
	}

	result, err := handler.Handle(ctx, rec, rec.Stage)
	if err != nil {
		w.scheduleRetry(ctx, s, rec, apperror.KindOf(err))
		if w.reporter != nil {
			w.reporter.Report(err, map[string]string{
				"stage":       rec.StageName,
				"entity_type": rec.EntityType,
				"operation":   rec.Operation,
			})
		}
		return
	}

	if result.Done {
		if err := s.complete(ctx, rec.ID); err != nil {
			slog.Error("outbox: failed to complete record", "id", rec.ID, "error", err)
		}
		return
	}

	if _, err := s.advance(ctx, rec, result.NextStage, result.Payload); err != nil {
		slog.Error("outbox: failed to advance record", "id", rec.ID, "error", err)
	}
}

func (w *Worker) scheduleRetry(ctx context.Context, s *store, rec Record, kind apperror.Kind) {
	deadline := NextDeliveryDeadline(rec.RetryCount, rec.DeliveryDeadlineAt, w.cfg.TryWakeInterval, w.cfg.MaxDeliveryInterval)
	if err := s.retryLater(ctx, rec.ID, deadline, string(kind)); err != nil {
		slog.Error("outbox: failed to reschedule record", "id", rec.ID, "error", err)
	}
}
