package signaling

import (
	"context"
	"log/slog"

	"github.com/foxford/conference/pkg/backend"
)

// DrainEvents consumes a backend pool's long-poll event stream until ctx
// is cancelled or events is closed. A session-lost event drops the
// backend from the pool so the next negotiation re-selects and
// reconnects it; an EventEvent carrying a transaction resumes whichever
// waitlist handle submitted the original offer, delivering the plugin's
// jsep answer as a PluginReply (negotiate's own defer resolves the
// watchdog entry once Wait returns). Events the machine has no use for
// (webrtcup, media, slowlink, keepalive, timeout, hangup, detached) are
// dropped — they carry no transaction to resume.
func (m *Machine) DrainEvents(ctx context.Context, events <-chan backend.BackendEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			m.handleBackendEvent(evt)
		}
	}
}

func (m *Machine) handleBackendEvent(evt backend.BackendEvent) {
	if evt.SessionLost {
		slog.Warn("signaling: backend session lost, dropping pooled client", "agent_id", evt.AgentID.String())
		m.Pool.Remove(evt.AgentID)
		return
	}

	if evt.Event.Kind != backend.EventEvent {
		return
	}

	rc, ok := evt.Event.Transaction.Context()
	if !ok {
		return
	}

	id, err := ParseWaitlistID(rc.CorrelationData)
	if err != nil {
		slog.Warn("signaling: dropping plugin reply with unparseable correlation data",
			"correlation_data", rc.CorrelationData, "error", err)
		return
	}

	m.Waitlist.Fire(id, PluginReply{Jsep: evt.Event.Jsep})
}
