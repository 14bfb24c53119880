package apperror

import (
	"log/slog"

	"github.com/getsentry/sentry-go"
)

// Reporter forwards failures to an error-tracking sink without blocking
// the caller. The outbox worker uses it to surface every stage handler
// failure (each one is also rescheduled for a retry) while its own
// goroutine moves on through the claimed batch.
type Reporter struct {
	queue chan report
	done  chan struct{}
}

type report struct {
	err  error
	tags map[string]string
}

// NewReporter starts a bounded background sender. Sentry is initialized
// by the caller (main) via sentry.Init; NewReporter only owns the
// fire-and-forget queue discipline.
func NewReporter(queueSize int) *Reporter {
	if queueSize <= 0 {
		queueSize = 256
	}
	r := &Reporter{
		queue: make(chan report, queueSize),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Reporter) run() {
	defer close(r.done)
	for rep := range r.queue {
		event := sentry.NewEvent()
		event.Level = sentry.LevelError
		event.Message = rep.err.Error()
		for k, v := range rep.tags {
			event.Tags[k] = v
		}
		sentry.CaptureEvent(event)
	}
}

// Report enqueues err for delivery, dropping it with a log line instead
// of blocking if the queue is full.
func (r *Reporter) Report(err error, tags map[string]string) {
	if err == nil {
		return
	}
	select {
	case r.queue <- report{err: err, tags: tags}:
	default:
		slog.Warn("apperror: reporter queue full, dropping report", "error", err)
	}
}

// Close stops accepting new reports and waits for the queue to drain.
func (r *Reporter) Close() {
	close(r.queue)
	<-r.done
}
