// Package backend tracks live media-server ("backend") instances, their
// Janus session/handle identifiers, and a pool of long-poll-backed HTTP
// clients used to submit native-plane messages to them.
package backend

import "fmt"

// AgentID is a client/service identity: a label scoped to an audience
// (e.g. "alpha.svc" in "example.org"). Backends, rooms and agents are
// all addressed by one.
type AgentID struct {
	Label    string `json:"label"`
	Audience string `json:"audience"`
}

func (a AgentID) String() string {
	return fmt.Sprintf("%s.%s", a.Label, a.Audience)
}

// Record is a persisted Backend row: identity,
// network endpoint, current session/handle, optional capacity /
// balancer headroom, optional group tag, and liveness-derived
// LastSeenAt.
type Record struct {
	AgentID          AgentID
	JanusURL         string
	SessionID        int64
	HandleID         int64
	Capacity         *int32
	BalancerCapacity *int32
	Group            *string
	Load             int32
	LastSeenAt       int64 // unix seconds
}

// SelectionCriteria narrows candidates for a new stream placement.
type SelectionCriteria struct {
	Group *string
}
