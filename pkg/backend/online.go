package backend

import (
	"context"
	"time"

	"github.com/foxford/conference/pkg/apperror"
)

// OnlineRegistration is the payload of a backend's "online" announcement
// received on the backend registration endpoint.
type OnlineRegistration struct {
	AgentID          AgentID
	JanusURL         string
	Capacity         *int32
	BalancerCapacity *int32
	Group            *string
}

// HandleOnline implements the registration handshake:
// reuse an existing session if it still answers a service-ping,
// otherwise create a fresh session and handle, confirm liveness, and
// upsert the row. Either path ends with the pool materialising a
// client for the backend.
func HandleOnline(ctx context.Context, registry *Registry, pool *Pool, requestTimeout time.Duration, reg OnlineRegistration) (*Record, error) {
	client := NewClient(reg.JanusURL, requestTimeout)

	existing, err := registry.Find(ctx, reg.AgentID)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if pingErr := client.ServicePing(ctx, existing.SessionID, existing.HandleID); pingErr == nil {
			pool.GetOrInsert(ctx, *existing)
			return existing, nil
		}
		// Ping failed: the session is stale. Fall through to
		// re-creation rather than erroring, since repairing exactly
		// this condition is why this path exists.
	}

	sessionID, err := client.CreateSession(ctx)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindBackendRequestFailed, "create janus session")
	}

	handleID, err := client.CreateHandle(ctx, sessionID, reg.AgentID.String())
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindBackendRequestFailed, "create janus handle")
	}

	if err := client.ServicePing(ctx, sessionID, handleID); err != nil {
		return nil, apperror.Wrap(err, apperror.KindBackendRequestFailed, "confirm janus handle liveness")
	}

	rec := Record{
		AgentID:          reg.AgentID,
		JanusURL:         reg.JanusURL,
		SessionID:        sessionID,
		HandleID:         handleID,
		Capacity:         reg.Capacity,
		BalancerCapacity: reg.BalancerCapacity,
		Group:            reg.Group,
	}

	if err := registry.Upsert(ctx, rec); err != nil {
		return nil, err
	}

	pool.GetOrInsert(ctx, rec)

	return &rec, nil
}
