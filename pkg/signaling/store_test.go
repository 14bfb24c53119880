package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/foxford/conference/pkg/backend"
	"github.com/foxford/conference/pkg/database"
)

func newTestStore(t *testing.T) (*Store, *database.Client) {
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

	return NewStore(client.Pool), client
}

func TestRoomCreateReadUpdate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := t.Context()

	room, err := store.CreateRoom(ctx, "example.org", nil, nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, room.ID)

	_, err = store.ReadRoom(ctx, room.ID, RoomTimeOpen)
	assert.Error(t, err, "room has no opening time should reject RoomTimeOpen")

	now := time.Now()
	later := now.Add(time.Hour)
	updated, err := store.UpdateRoom(ctx, room.ID, &now, &later)
	require.NoError(t, err)
	assert.NotNil(t, updated.TimeOpen)

	got, err := store.ReadRoom(ctx, room.ID, RoomTimeOpen)
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)
}

func TestEnterLeaveAndPresence(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := t.Context()

	room, err := store.CreateRoom(ctx, "example.org", nil, nil, nil)
	require.NoError(t, err)

	agentID := AccountID{Label: "alpha", Account: "svc", Audience: "example.org"}

	err = store.CheckPresence(ctx, room.ID, agentID)
	assert.Error(t, err)

	require.NoError(t, store.Enter(ctx, room.ID, agentID))
	require.NoError(t, store.CheckPresence(ctx, room.ID, agentID))

	agents, err := store.ListAgents(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, agents, 1)

	require.NoError(t, store.Leave(ctx, room.ID, agentID))
	assert.Error(t, store.CheckPresence(ctx, room.ID, agentID))
}

func TestRTCCreateReadList(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := t.Context()

	room, err := store.CreateRoom(ctx, "example.org", nil, nil, nil)
	require.NoError(t, err)

	creator := backend.AgentID{Label: "alpha", Audience: "example.org"}
	rtc, err := store.CreateRTC(ctx, room.ID, creator)
	require.NoError(t, err)

	got, err := store.ReadRTC(ctx, rtc.ID)
	require.NoError(t, err)
	assert.Equal(t, rtc.ID, got.ID)

	rtcs, err := store.ListRTCs(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, rtcs, 1)
}

func TestStartStreamAndList(t *testing.T) {
	store, client := newTestStore(t)
	ctx := t.Context()

	room, err := store.CreateRoom(ctx, "example.org", nil, nil, nil)
	require.NoError(t, err)
	creator := backend.AgentID{Label: "alpha", Audience: "example.org"}
	rtc, err := store.CreateRTC(ctx, room.ID, creator)
	require.NoError(t, err)

	registry := backend.NewRegistry(client.Pool)
	require.NoError(t, registry.Upsert(ctx, backend.Record{AgentID: creator, JanusURL: "http://janus.local", SessionID: 1, HandleID: 2}))

	sentBy := AccountID{Label: "alpha", Account: "svc", Audience: "example.org"}
	stream, err := store.StartStream(ctx, rtc.ID, creator, "alpha", sentBy)
	require.NoError(t, err)
	assert.NotEmpty(t, stream.ID)

	streams, err := store.ListStreams(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, streams, 1)
}
