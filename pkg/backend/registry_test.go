package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/foxford/conference/pkg/database"
)

func newTestRegistry(t *testing.T) *Registry {
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

	return NewRegistry(client.Pool)
}

func TestRegistryUpsertAndFind(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := t.Context()

	agentID := AgentID{Label: "alpha", Audience: "example.org"}
	capacity := int32(10)

	err := registry.Upsert(ctx, Record{
		AgentID: agentID, JanusURL: "http://janus.local", SessionID: 1, HandleID: 2,
		Capacity: &capacity,
	})
	require.NoError(t, err)

	rec, err := registry.Find(ctx, agentID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, agentID, rec.AgentID)
	assert.Equal(t, int64(1), rec.SessionID)
}

func TestRegistryFindMissingReturnsNil(t *testing.T) {
	registry := newTestRegistry(t)
	rec, err := registry.Find(t.Context(), AgentID{Label: "nobody", Audience: "example.org"})
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRegistrySelectHonoursCapacityAndOrdering(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := t.Context()

	fullCap := int32(1)
	require.NoError(t, registry.Upsert(ctx, Record{
		AgentID: AgentID{Label: "full", Audience: "example.org"},
		JanusURL: "http://a", SessionID: 1, HandleID: 1, Capacity: &fullCap, Load: 1,
	}))
	require.NoError(t, registry.Upsert(ctx, Record{
		AgentID: AgentID{Label: "free", Audience: "example.org"},
		JanusURL: "http://b", SessionID: 2, HandleID: 2, Load: 0,
	}))

	rec, err := registry.Select(ctx, SelectionCriteria{})
	require.NoError(t, err)
	assert.Equal(t, "free", rec.AgentID.Label)
}

func TestRegistrySelectNoCandidatesReturnsNotFound(t *testing.T) {
	registry := newTestRegistry(t)
	_, err := registry.Select(t.Context(), SelectionCriteria{})
	assert.Error(t, err)
}
