package backend

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolGetOrInsertReusesClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	events := make(chan BackendEvent, 16)
	pool := NewPool(events, time.Second)

	rec := Record{AgentID: AgentID{Label: "alpha", Audience: "example.org"}, JanusURL: srv.URL, SessionID: 1}

	c1 := pool.GetOrInsert(t.Context(), rec)
	c2 := pool.GetOrInsert(t.Context(), rec)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, pool.Len())
}

func TestPoolRemoveDropsClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	events := make(chan BackendEvent, 16)
	pool := NewPool(events, time.Second)

	rec := Record{AgentID: AgentID{Label: "alpha", Audience: "example.org"}, JanusURL: srv.URL, SessionID: 1}
	pool.GetOrInsert(t.Context(), rec)
	require.Equal(t, 1, pool.Len())

	pool.Remove(rec.AgentID)
	assert.Equal(t, 0, pool.Len())

	_, ok := pool.Get(rec.AgentID)
	assert.False(t, ok)
}
