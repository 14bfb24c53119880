package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxford/conference/pkg/backend"
	"github.com/foxford/conference/pkg/waitlist"
)

func newTestMachine(t *testing.T, srv *httptest.Server) (*Machine, *Store, *backend.Registry) {
	store, client := newTestStore(t)
	registry := backend.NewRegistry(client.Pool)
	pool := backend.NewPool(nil, time.Second)
	t.Cleanup(func() {
		for _, rec := range mustList(t, registry) {
			pool.Remove(rec.AgentID)
		}
	})

	wl := waitlist.New[PluginReply](time.Minute)
	m := NewMachine(store, registry, pool, wl, nil, 5*time.Second, 30*time.Second)
	return m, store, registry
}

func mustList(t *testing.T, r *backend.Registry) []backend.Record {
	recs, err := r.List(t.Context())
	require.NoError(t, err)
	return recs
}

// ackServer answers POST message requests with a bare ack and GET long
// polls (from the pool's background poller) with an empty event batch,
// so the poller goroutine never logs spurious decode errors.
func ackServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode([]any{})
			return
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if body["janus"] == "message" {
			_ = json.NewEncoder(w).Encode(map[string]any{"janus": "ack"})
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
}

func TestMachineCreateResumesOnWaitlistFire(t *testing.T) {
	srv := ackServer(t)
	defer srv.Close()

	m, store, registry := newTestMachine(t, srv)
	ctx := t.Context()

	room, err := store.CreateRoom(ctx, "example.org", nil, nil, nil)
	require.NoError(t, err)

	agentID := AccountID{Label: "alpha", Account: "svc", Audience: "example.org"}
	require.NoError(t, store.Enter(ctx, room.ID, agentID))

	backendAgent := backend.AgentID{Label: "janus-1", Audience: "example.org"}
	require.NoError(t, registry.Upsert(ctx, backend.Record{
		AgentID: backendAgent, JanusURL: srv.URL, SessionID: 1, HandleID: 2,
	}))

	rtc, err := store.CreateRTC(ctx, room.ID, backendAgent)
	require.NoError(t, err)

	resultCh := make(chan struct {
		jsep []byte
		err  error
	}, 1)
	go func() {
		jsep, err := m.Create(ctx, CreateRequest{
			RTCID: rtc.ID, AgentID: agentID, Label: "alpha", SDP: []byte(`{"type":"offer"}`),
		})
		resultCh <- struct {
			jsep []byte
			err  error
		}{jsep, err}
	}()

	assert.Eventually(t, func() bool {
		return m.State(rtc.ID, agentID) == StateAwaitingPluginResponse
	}, time.Second, 5*time.Millisecond)

	m.Waitlist.Fire(0, PluginReply{Jsep: []byte(`{"type":"answer"}`)})

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		assert.Equal(t, `{"type":"answer"}`, string(res.jsep))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Create to resume")
	}

	assert.Equal(t, StateIdle, m.State(rtc.ID, agentID))

	streams, err := store.ListStreams(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, streams, 1)
}

func TestMachineCreateRejectsAbsentAgent(t *testing.T) {
	srv := ackServer(t)
	defer srv.Close()

	m, store, registry := newTestMachine(t, srv)
	ctx := t.Context()

	room, err := store.CreateRoom(ctx, "example.org", nil, nil, nil)
	require.NoError(t, err)

	backendAgent := backend.AgentID{Label: "janus-1", Audience: "example.org"}
	require.NoError(t, registry.Upsert(ctx, backend.Record{AgentID: backendAgent, JanusURL: srv.URL, SessionID: 1, HandleID: 2}))

	rtc, err := store.CreateRTC(ctx, room.ID, backendAgent)
	require.NoError(t, err)

	agentID := AccountID{Label: "ghost", Account: "svc", Audience: "example.org"}
	_, err = m.Create(ctx, CreateRequest{RTCID: rtc.ID, AgentID: agentID, Label: "ghost"})
	assert.Error(t, err)
}

func TestMachineUpdateReaderConfig(t *testing.T) {
	srv := ackServer(t)
	defer srv.Close()

	m, _, _ := newTestMachine(t, srv)
	record := backend.Record{AgentID: backend.AgentID{Label: "janus-1", Audience: "example.org"}, SessionID: 1, HandleID: 2}
	m.Pool.GetOrInsert(t.Context(), backend.Record{AgentID: record.AgentID, JanusURL: srv.URL, SessionID: 1, HandleID: 2})
	t.Cleanup(func() { m.Pool.Remove(record.AgentID) })

	err := m.UpdateReaderConfig(t.Context(), record, []ReaderConfigEntry{{ReaderLabel: "r1", RTCID: "rtc-1", ReceiveVideo: true}})
	require.NoError(t, err)
}

func TestMachineAgentLeaveMissingBackend(t *testing.T) {
	srv := ackServer(t)
	defer srv.Close()

	m, _, _ := newTestMachine(t, srv)
	record := backend.Record{AgentID: backend.AgentID{Label: "ghost", Audience: "example.org"}, SessionID: 1, HandleID: 2}
	err := m.AgentLeave(t.Context(), record, AccountID{Label: "alpha", Audience: "example.org"})
	assert.Error(t, err)
}
