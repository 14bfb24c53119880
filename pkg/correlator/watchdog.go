package correlator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TimeoutReporter is notified when a watched correlation's deadline
// passes without a Resolve call. method is the one given to Watch; the
// deadline itself comes from the timeout the caller passed to Watch.
type TimeoutReporter func(correlationID string, method string, payload any)

// entry is one watched transaction: enough to report the timeout and to
// compute its deadline.
type entry struct {
	method    string
	payload   any
	deadline  time.Time
}

// Watchdog tracks correlation_id -> (payload, deadline) and, at a
// configurable check period, reports and evicts entries whose deadline
// has passed — the backstop for a backend (or HTTP callback) that never
// replies to a suspended signaling request.
type Watchdog struct {
	checkPeriod time.Duration
	onTimeout   TimeoutReporter

	mu      sync.Mutex
	entries map[string]entry

	stop chan struct{}
	done chan struct{}
}

// NewWatchdog creates a Watchdog; call Start to begin its background
// sweep.
func NewWatchdog(checkPeriod time.Duration, onTimeout TimeoutReporter) *Watchdog {
	return &Watchdog{
		checkPeriod: checkPeriod,
		onTimeout:   onTimeout,
		entries:     make(map[string]entry),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Watch registers a correlation to be reported if not Resolve'd by
// deadline. method+timeout selects the per-method deadline the caller
// already computed (default vs. stream-upload).
func (w *Watchdog) Watch(correlationID string, method string, payload any, timeout time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[correlationID] = entry{
		method:   method,
		payload:  payload,
		deadline: time.Now().Add(timeout),
	}
}

// Resolve removes a correlation that received its reply in time.
func (w *Watchdog) Resolve(correlationID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, correlationID)
}

// Start runs the periodic sweep until ctx is cancelled or Stop is
// called.
func (w *Watchdog) Start(ctx context.Context) {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.checkPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.sweep()
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweep goroutine and waits for it to exit.
func (w *Watchdog) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watchdog) sweep() {
	now := time.Now()

	var timedOut []struct {
		id      string
		method  string
		payload any
	}

	w.mu.Lock()
	for id, e := range w.entries {
		if now.After(e.deadline) {
			timedOut = append(timedOut, struct {
				id      string
				method  string
				payload any
			}{id, e.method, e.payload})
			delete(w.entries, id)
		}
	}
	w.mu.Unlock()

	for _, t := range timedOut {
		slog.Warn("correlator: transaction timed out", "correlation_id", t.id, "method", t.method)
		if w.onTimeout != nil {
			w.onTimeout(t.id, t.method, t.payload)
		}
	}
}

// Len reports the number of in-flight watched correlations. Intended
// for tests and health diagnostics.
func (w *Watchdog) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// MethodTimeout selects the per-method timeout: UploadStream gets the
// longer stream-upload timeout, everything else gets the default —
// grounded on original_source's transactions.rs per-method dispatch.
func MethodTimeout(method string, defaultTimeout, streamUploadTimeout time.Duration) time.Duration {
	if method == string(KindUploadStream) {
		return streamUploadTimeout
	}
	return defaultTimeout
}
