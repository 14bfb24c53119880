package backend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientCreateSessionAndHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		switch body["janus"] {
		case "create":
			_ = json.NewEncoder(w).Encode(map[string]any{"janus": "success", "data": map[string]any{"id": 111}})
		case "attach":
			_ = json.NewEncoder(w).Encode(map[string]any{"janus": "success", "data": map[string]any{"id": 222}})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)

	sessionID, err := client.CreateSession(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(111), sessionID)

	handleID, err := client.CreateHandle(t.Context(), sessionID, "opaque")
	require.NoError(t, err)
	assert.Equal(t, int64(222), handleID)
}

func TestClientPollReturns404AsSessionNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	_, err := client.Poll(t.Context(), 1, 5)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestClientPollDecodesAndDropsKeepalive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"janus":"keepalive"},{"janus":"ack"}]`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	events, err := client.Poll(t.Context(), 1, 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventAck, events[0].Kind)
}

func TestClientServicePingRequestFailedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	err := client.ServicePing(t.Context(), 1, 2)
	assert.Error(t, err)
}
