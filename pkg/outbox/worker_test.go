package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/foxford/conference/pkg/apperror"
	"github.com/foxford/conference/pkg/database"
)

func newTestPool(t *testing.T) *database.Client {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(pgContainer)
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	client, err := database.NewClient(ctx, database.Config{
		Host: host, Port: port.Int(), User: "test", Password: "test",
		Database: "test", SSLMode: "disable", MaxOpenConns: 10, MinOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return client
}

type firstStageHandler struct{ called *int }

func (h firstStageHandler) Handle(ctx context.Context, rec Record, payload json.RawMessage) (StageResult, error) {
	*h.called++
	return StageResult{NextStage: "second", Payload: json.RawMessage(`{"ok":true}`)}, nil
}

type secondStageHandler struct{ called *int }

func (h secondStageHandler) Handle(ctx context.Context, rec Record, payload json.RawMessage) (StageResult, error) {
	*h.called++
	return StageResult{Done: true}, nil
}

func TestWorkerDrivesChainToCompletion(t *testing.T) {
	client := newTestPool(t)
	ctx := t.Context()

	firstCalls, secondCalls := 0, 0
	handlers := map[string]Handler{
		"first":  firstStageHandler{called: &firstCalls},
		"second": secondStageHandler{called: &secondCalls},
	}

	worker := NewWorker(client.Pool, handlers, Config{
		MessagesPerTry:      10,
		TryWakeInterval:     time.Second,
		MaxDeliveryInterval: time.Minute,
		PollInterval:        10 * time.Millisecond,
	}, nil)

	_, err := worker.Enqueue(ctx, "video_group", "update", "first", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, worker.tick(ctx))
	require.NoError(t, worker.tick(ctx))

	assert.Equal(t, 1, firstCalls)
	assert.Equal(t, 1, secondCalls)

	var count int
	require.NoError(t, client.Pool.QueryRow(ctx, `SELECT count(*) FROM outbox`).Scan(&count))
	assert.Equal(t, 0, count)
}

type failingHandler struct{ err error }

func (h failingHandler) Handle(ctx context.Context, rec Record, payload json.RawMessage) (StageResult, error) {
	return StageResult{}, h.err
}

func TestWorkerReschedulesOnHandlerFailure(t *testing.T) {
	client := newTestPool(t)
	ctx := t.Context()

	wantErr := apperror.New(apperror.KindBackendRequestFailed, "boom")
	handlers := map[string]Handler{"only": failingHandler{err: wantErr}}

	worker := NewWorker(client.Pool, handlers, Config{
		MessagesPerTry:      10,
		TryWakeInterval:     time.Second,
		MaxDeliveryInterval: time.Minute,
		PollInterval:        10 * time.Millisecond,
	}, nil)

	id, err := worker.Enqueue(ctx, "video_group", "update", "only", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, worker.tick(ctx))

	var retryCount int32
	var errorKind *string
	var deadline time.Time
	require.NoError(t, client.Pool.QueryRow(ctx,
		`SELECT retry_count, error_kind, delivery_deadline_at FROM outbox WHERE id = $1`, id,
	).Scan(&retryCount, &errorKind, &deadline))

	assert.Equal(t, int32(1), retryCount)
	require.NotNil(t, errorKind)
	assert.Equal(t, string(apperror.KindBackendRequestFailed), *errorKind)
	assert.True(t, deadline.After(time.Now()))
}

func TestWorkerUnknownStageIsRetried(t *testing.T) {
	client := newTestPool(t)
	ctx := t.Context()

	worker := NewWorker(client.Pool, map[string]Handler{}, Config{
		MessagesPerTry:      10,
		TryWakeInterval:     time.Second,
		MaxDeliveryInterval: time.Minute,
		PollInterval:        10 * time.Millisecond,
	}, nil)

	id, err := worker.Enqueue(ctx, "video_group", "update", "missing", json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, worker.tick(ctx))

	var retryCount int32
	require.NoError(t, client.Pool.QueryRow(ctx, `SELECT retry_count FROM outbox WHERE id = $1`, id).Scan(&retryCount))
	assert.Equal(t, int32(1), retryCount)
}
