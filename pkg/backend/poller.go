package backend

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const pollMaxEvents = 5

// newPollErrorBackOff builds the schedule runPoller retries a failing
// poll on: short at first, capped so a backend that's down for a while
// doesn't get hammered.
func newPollErrorBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	return b
}

// runPoller long-polls sessionID in a loop, pushing decoded events onto
// sink until ctx is cancelled or the session is reported gone. On any
// other error it backs off along an exponential schedule and retries,
// resetting the schedule once a poll succeeds again.
func runPoller(ctx context.Context, client *Client, agentID AgentID, sessionID int64, sink chan<- BackendEvent) {
	errBackOff := newPollErrorBackOff()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, err := client.Poll(ctx, sessionID, pollMaxEvents)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				slog.Warn("janus session lost", "agent_id", agentID.String())
				select {
				case sink <- BackendEvent{AgentID: agentID, SessionLost: true}:
				case <-ctx.Done():
				}
				return
			}

			wait := errBackOff.NextBackOff()
			slog.Warn("janus poll failed", "agent_id", agentID.String(), "error", err, "retry_in", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		errBackOff.Reset()

		for _, evt := range events {
			select {
			case sink <- BackendEvent{AgentID: agentID, Event: evt}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// BackendEvent tags a decoded Event with the backend it arrived from, or
// signals that the backend's session was lost.
type BackendEvent struct {
	AgentID     AgentID
	Event       Event
	SessionLost bool
}
