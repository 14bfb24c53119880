package backend

import (
	"context"
	"sync"
	"time"
)

// pooledClient bundles a live Client with the cancellation for its
// background poller task.
type pooledClient struct {
	client *Client
	cancel context.CancelFunc
}

// Pool maps backend identity to a materialised Client, with a
// long-poll task per entry demultiplexing its events onto a shared
// channel. Per-backend creation is
// serialized through a dedicated mutex per agent id, the same
// thundering-herd guard used for per-server
// session recreation.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*pooledClient

	reinitMu sync.Map // agentID.String() -> *sync.Mutex

	events         chan BackendEvent
	requestTimeout time.Duration
}

// NewEventChannel builds the buffered channel NewPool expects, sized
// for the expected number of in-flight backend long polls. Exported so
// callers outside this package (main's wiring) can construct one
// without naming the channel's element type inline.
func NewEventChannel(size int) chan BackendEvent {
	return make(chan BackendEvent, size)
}

// NewPool creates an empty Pool. events is the shared channel every
// poller pushes decoded events onto; callers drain it to feed the
// transaction correlator and signaling state machine.
func NewPool(events chan BackendEvent, requestTimeout time.Duration) *Pool {
	return &Pool{
		clients:        make(map[string]*pooledClient),
		events:         events,
		requestTimeout: requestTimeout,
	}
}

// Events returns the channel every active poller publishes onto.
func (p *Pool) Events() <-chan BackendEvent {
	return p.events
}

// GetOrInsert returns the Client for rec's identity, constructing one
// and spawning its poller if absent.
func (p *Pool) GetOrInsert(ctx context.Context, rec Record) *Client {
	key := rec.AgentID.String()

	p.mu.RLock()
	if pc, ok := p.clients[key]; ok {
		p.mu.RUnlock()
		return pc.client
	}
	p.mu.RUnlock()

	muI, _ := p.reinitMu.LoadOrStore(key, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	p.mu.RLock()
	if pc, ok := p.clients[key]; ok {
		p.mu.RUnlock()
		return pc.client
	}
	p.mu.RUnlock()

	client := NewClient(rec.JanusURL, p.requestTimeout)
	pollCtx, cancel := context.WithCancel(context.Background())
	go runPoller(pollCtx, client, rec.AgentID, rec.SessionID, p.events)

	p.mu.Lock()
	p.clients[key] = &pooledClient{client: client, cancel: cancel}
	p.mu.Unlock()

	return client
}

// Remove aborts the backend's poller and drops its client, if present.
func (p *Pool) Remove(agentID AgentID) {
	key := agentID.String()

	p.mu.Lock()
	pc, ok := p.clients[key]
	if ok {
		delete(p.clients, key)
	}
	p.mu.Unlock()

	if ok {
		pc.cancel()
	}
}

// Get returns the Client for an already-registered backend, if any.
func (p *Pool) Get(agentID AgentID) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pc, ok := p.clients[agentID.String()]
	if !ok {
		return nil, false
	}
	return pc.client, true
}

// Len reports the number of backends currently materialised.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}
