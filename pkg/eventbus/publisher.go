// Package eventbus publishes business-level events onto NATS subjects
// scoped by classroom, for consumers outside the orchestration core.
package eventbus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/foxford/conference/pkg/apperror"
)

const subjectPrefix = "classroom"

// Envelope is the wire shape published on a classroom's subject: a
// sequence id for ordering/dedup on the consumer side, the originating
// agent, and the event's JSON-encoded payload.
type Envelope struct {
	EventID    int64  `json:"event_id"`
	EntityType string `json:"entity_type"`
	AgentID    string `json:"agent_id"`
	Payload    []byte `json:"payload"`
}

// Publisher wraps a NATS connection for the "classroom.<id>.<entity_type>"
// subject scheme.
type Publisher struct {
	conn *nats.Conn
}

func NewPublisher(conn *nats.Conn) *Publisher {
	return &Publisher{conn: conn}
}

// Subject builds the subject for a classroom/entity pair.
func Subject(classroomID, entityType string) string {
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, classroomID, entityType)
}

// Publish marshals env and sends it to the classroom's entity-scoped
// subject.
func (p *Publisher) Publish(classroomID, entityType string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return apperror.Wrap(err, apperror.KindSerialization, "invalid payload")
	}

	if err := p.conn.Publish(Subject(classroomID, entityType), data); err != nil {
		return apperror.Wrap(err, apperror.KindBackendUnavailable, "nats publish failed")
	}
	return nil
}
