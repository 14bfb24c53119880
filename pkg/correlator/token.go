// Package correlator encodes and decodes the opaque transaction tokens
// that round-trip through a backend so an asynchronous reply carries
// enough context to resume the client request that triggered it, and
// tracks per-correlation deadlines so a backend that never replies is
// eventually reported as timed out.
package correlator

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Kind tags which reply variant a Token carries. The zero value is not
// a valid Kind.
type Kind string

const (
	KindAgentLeave          Kind = "agent_leave"
	KindCreateStream        Kind = "create_stream"
	KindReadStream          Kind = "read_stream"
	KindUpdateReaderConfig  Kind = "update_reader_config"
	KindUpdateWriterConfig  Kind = "update_writer_config"
	KindUploadStream        Kind = "upload_stream"
	KindSpeakingNotification Kind = "speaking_notification"
)

// RequestContext is embedded in the variants that must resume a
// suspended client request: the originating method, its correlation
// data, where to publish the eventual response, and when the request
// started (for latency accounting and watchdog deadlines).
type RequestContext struct {
	Method         string    `json:"method"`
	CorrelationData string   `json:"correlation_data"`
	ResponseTopic  string    `json:"response_topic"`
	ReplyTo        string    `json:"reply_to"`
	StartedAt      time.Time `json:"started_at"`
}

// Token is the decoded form of a transaction. Only the field matching
// Kind is populated; the others are zero values.
type Token struct {
	Kind Kind `json:"kind"`

	CreateStream *RequestContext `json:"create_stream,omitempty"`
	ReadStream   *RequestContext `json:"read_stream,omitempty"`
	UploadStream *RequestContext `json:"upload_stream,omitempty"`
}

// NewSimple builds a context-free token for the kinds that carry no
// resumption state (AgentLeave, UpdateReaderConfig, UpdateWriterConfig,
// SpeakingNotification).
func NewSimple(kind Kind) Token {
	return Token{Kind: kind}
}

// NewCreateStream builds a CreateStream token carrying the originating
// request's context.
func NewCreateStream(ctx RequestContext) Token {
	return Token{Kind: KindCreateStream, CreateStream: &ctx}
}

// NewReadStream builds a ReadStream token carrying the originating
// request's context.
func NewReadStream(ctx RequestContext) Token {
	return Token{Kind: KindReadStream, ReadStream: &ctx}
}

// NewUploadStream builds an UploadStream token carrying the originating
// request's context.
func NewUploadStream(ctx RequestContext) Token {
	return Token{Kind: KindUploadStream, UploadStream: &ctx}
}

// Encode produces the base64 transaction string sent to the backend.
func Encode(t Token) (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("correlator: marshal token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode parses a transaction string received in a backend reply.
func Decode(s string) (Token, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Token{}, fmt.Errorf("correlator: decode base64: %w", err)
	}
	var t Token
	if err := json.Unmarshal(raw, &t); err != nil {
		return Token{}, fmt.Errorf("correlator: unmarshal token: %w", err)
	}
	return t, nil
}

// Context returns whichever RequestContext is embedded in t, and
// whether t carries one at all (AgentLeave/UpdateReaderConfig/
// UpdateWriterConfig/SpeakingNotification do not).
func (t Token) Context() (RequestContext, bool) {
	switch t.Kind {
	case KindCreateStream:
		if t.CreateStream != nil {
			return *t.CreateStream, true
		}
	case KindReadStream:
		if t.ReadStream != nil {
			return *t.ReadStream, true
		}
	case KindUploadStream:
		if t.UploadStream != nil {
			return *t.UploadStream, true
		}
	}
	return RequestContext{}, false
}
