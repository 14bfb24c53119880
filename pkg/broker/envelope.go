package broker

import (
	"encoding/json"
	"fmt"
)

// MessageType is the properties.type discriminator carried on every
// envelope crossing the message broker.
type MessageType string

const (
	TypeEvent    MessageType = "event"
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
)

// Properties is the envelope's header: routing and authn metadata
// alongside the JSON-encoded payload.
type Properties struct {
	Type            MessageType `json:"type"`
	Method          string      `json:"method,omitempty"`
	CorrelationData string      `json:"correlation_data,omitempty"`
	ResponseTopic   string      `json:"response_topic,omitempty"`
	Status          string      `json:"status,omitempty"`

	AgentLabel   string `json:"agent_label,omitempty"`
	AccountLabel string `json:"account_label,omitempty"`
	Audience     string `json:"audience,omitempty"`
}

// Envelope is the on-the-wire message broker shape: a JSON-encoded
// payload plus routing/authn properties.
type Envelope struct {
	Payload    string     `json:"payload"`
	Properties Properties `json:"properties"`
}

// DecodePayload unmarshals the envelope's JSON-encoded payload into v.
func (e Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal([]byte(e.Payload), v); err != nil {
		return fmt.Errorf("broker: decode payload for method %q: %w", e.Properties.Method, err)
	}
	return nil
}

// NewEnvelope JSON-encodes payload into a new Envelope carrying props.
func NewEnvelope(props Properties, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("broker: encode payload: %w", err)
	}
	return Envelope{Payload: string(data), Properties: props}, nil
}

// InboundTopic is the topic this service subscribes on to receive
// requests and events addressed to it from agentID acting as
// accountID.
func InboundTopic(agentID, accountID string) string {
	return fmt.Sprintf("agents/%s/api/v1/in/%s", agentID, accountID)
}

// OutboundTopic is the topic used for a multicast request directed at
// agentID, sent as accountID.
func OutboundTopic(agentID, accountID string) string {
	return fmt.Sprintf("agents/%s/api/v1/out/%s", agentID, accountID)
}

// BroadcastTopic is the topic an app-scoped broadcast event is
// published to.
func BroadcastTopic(accountID, path string) string {
	return fmt.Sprintf("apps/%s/api/v1/%s", accountID, path)
}
