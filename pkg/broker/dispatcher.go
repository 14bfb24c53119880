// Package broker also hosts the message-broker request/response
// dispatcher: it subscribes to this service's inbound MQTT topic,
// decodes request envelopes, routes them to the signaling CRUD surface
// or state machine, and publishes a response envelope back to
// properties.response_topic.
package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/foxford/conference/pkg/apperror"
	"github.com/foxford/conference/pkg/backend"
	"github.com/foxford/conference/pkg/signaling"
)

func marshalEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func unmarshalMessage(msg mqtt.Message, env *Envelope) error {
	return json.Unmarshal(msg.Payload(), env)
}

// HandlerFunc answers a decoded request envelope with a response
// payload, or an error to be reported back as a failure envelope.
type HandlerFunc func(ctx context.Context, requester signaling.AccountID, env Envelope) (any, error)

// Dispatcher routes inbound request envelopes to the signaling surface
// by properties.method and publishes the result to response_topic.
type Dispatcher struct {
	client  mqtt.Client
	store   *signaling.Store
	machine *signaling.Machine
	timeout time.Duration

	handlers map[string]HandlerFunc
}

// NewDispatcher builds a Dispatcher with the built-in method table
// wired to store and machine.
func NewDispatcher(client mqtt.Client, store *signaling.Store, machine *signaling.Machine, timeout time.Duration) *Dispatcher {
	d := &Dispatcher{client: client, store: store, machine: machine, timeout: timeout}
	d.handlers = map[string]HandlerFunc{
		"room.create": d.roomCreate,
		"room.read":   d.roomRead,
		"room.update": d.roomUpdate,
		"room.enter":  d.roomEnter,
		"room.leave":  d.roomLeave,
		"agent.list":  d.agentList,

		"rtc.create":  d.rtcCreate,
		"rtc.read":    d.rtcRead,
		"rtc.list":    d.rtcList,
		"rtc.connect": d.rtcConnect,

		"rtc_signal.create":  d.rtcSignalCreate,
		"rtc_signal.trickle": d.rtcSignalTrickle,
		"rtc_stream.list":    d.rtcStreamList,

		"message.broadcast":        d.messageBroadcast,
		"message.unicast.request":  d.messageUnicast,
		"message.unicast.response": d.messageUnicast,
		"subscription.create":      d.subscriptionCreate,
		"subscription.delete":      d.subscriptionDelete,
	}
	return d
}

// Subscribe registers the dispatcher's onMessage handler on the
// service's inbound topic.
func (d *Dispatcher) Subscribe(agentID, accountID string, qos byte) error {
	topic := InboundTopic(agentID, accountID)
	token := d.client.Subscribe(topic, qos, d.onMessage)
	if !token.WaitTimeout(d.timeout) {
		return apperror.New(apperror.KindBackendUnavailable, "mqtt subscribe timed out")
	}
	return token.Error()
}

func (d *Dispatcher) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var env Envelope
	if err := unmarshalMessage(msg, &env); err != nil {
		slog.Warn("broker: malformed envelope", "topic", msg.Topic(), "error", err)
		return
	}
	if env.Properties.Type != TypeRequest {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	d.handle(ctx, env)
}

func (d *Dispatcher) handle(ctx context.Context, env Envelope) {
	handler, ok := d.handlers[env.Properties.Method]
	if !ok {
		d.respondError(env, apperror.New(apperror.KindInvalidInput, "unknown method").WithDetail(env.Properties.Method))
		return
	}

	requester := signaling.AccountID{
		Label:    env.Properties.AccountLabel,
		Account:  env.Properties.AccountLabel,
		Audience: env.Properties.Audience,
	}

	result, err := handler(ctx, requester, env)
	if err != nil {
		d.respondError(env, err)
		return
	}
	d.respondOK(env, result)
}

func (d *Dispatcher) respondOK(req Envelope, payload any) {
	if req.Properties.ResponseTopic == "" {
		return
	}
	resp, err := NewEnvelope(Properties{
		Type:            TypeResponse,
		Method:          req.Properties.Method,
		CorrelationData: req.Properties.CorrelationData,
		Status:          "200",
	}, payload)
	if err != nil {
		slog.Error("broker: encode response", "method", req.Properties.Method, "error", err)
		return
	}
	d.publish(req.Properties.ResponseTopic, resp)
}

func (d *Dispatcher) respondError(req Envelope, err error) {
	if req.Properties.ResponseTopic == "" {
		slog.Warn("broker: request failed with no response_topic", "method", req.Properties.Method, "error", err)
		return
	}
	kind := apperror.KindOf(err)
	resp, encErr := NewEnvelope(Properties{
		Type:            TypeResponse,
		Method:          req.Properties.Method,
		CorrelationData: req.Properties.CorrelationData,
		Status:          "422",
	}, map[string]string{"kind": string(kind), "detail": err.Error()})
	if encErr != nil {
		slog.Error("broker: encode error response", "method", req.Properties.Method, "error", encErr)
		return
	}
	d.publish(req.Properties.ResponseTopic, resp)
}

func (d *Dispatcher) publish(topic string, env Envelope) {
	data, err := marshalEnvelope(env)
	if err != nil {
		slog.Error("broker: marshal envelope", "topic", topic, "error", err)
		return
	}
	token := d.client.Publish(topic, 1, false, data)
	go func() {
		if !token.WaitTimeout(d.timeout) {
			slog.Warn("broker: publish timed out", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			slog.Warn("broker: publish failed", "topic", topic, "error", err)
		}
	}()
}

// --- room.* ---

type createRoomPayload struct {
	Audience     string     `json:"audience"`
	SourceRoomID *string    `json:"source_room_id"`
	TimeOpen     *time.Time `json:"time_open"`
	TimeClose    *time.Time `json:"time_close"`
}

func (d *Dispatcher) roomCreate(ctx context.Context, _ signaling.AccountID, env Envelope) (any, error) {
	var p createRoomPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, apperror.Wrap(err, apperror.KindSerialization, "room.create payload")
	}
	return d.store.CreateRoom(ctx, p.Audience, p.SourceRoomID, p.TimeOpen, p.TimeClose)
}

type roomIDPayload struct {
	RoomID string `json:"room_id"`
}

func (d *Dispatcher) roomRead(ctx context.Context, _ signaling.AccountID, env Envelope) (any, error) {
	var p roomIDPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, apperror.Wrap(err, apperror.KindSerialization, "room.read payload")
	}
	return d.store.ReadRoom(ctx, p.RoomID, signaling.RoomTimeAny)
}

type updateRoomPayload struct {
	RoomID    string     `json:"room_id"`
	TimeOpen  *time.Time `json:"time_open"`
	TimeClose *time.Time `json:"time_close"`
}

func (d *Dispatcher) roomUpdate(ctx context.Context, _ signaling.AccountID, env Envelope) (any, error) {
	var p updateRoomPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, apperror.Wrap(err, apperror.KindSerialization, "room.update payload")
	}
	return d.store.UpdateRoom(ctx, p.RoomID, p.TimeOpen, p.TimeClose)
}

func (d *Dispatcher) roomEnter(ctx context.Context, requester signaling.AccountID, env Envelope) (any, error) {
	var p roomIDPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, apperror.Wrap(err, apperror.KindSerialization, "room.enter payload")
	}
	if _, err := d.store.ReadRoom(ctx, p.RoomID, signaling.RoomTimeNotClosed); err != nil {
		return nil, err
	}
	if err := d.store.Enter(ctx, p.RoomID, requester); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (d *Dispatcher) roomLeave(ctx context.Context, requester signaling.AccountID, env Envelope) (any, error) {
	var p roomIDPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, apperror.Wrap(err, apperror.KindSerialization, "room.leave payload")
	}
	if err := d.store.Leave(ctx, p.RoomID, requester); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (d *Dispatcher) agentList(ctx context.Context, _ signaling.AccountID, env Envelope) (any, error) {
	var p roomIDPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, apperror.Wrap(err, apperror.KindSerialization, "agent.list payload")
	}
	return d.store.ListAgents(ctx, p.RoomID)
}

// --- rtc.* ---

func (d *Dispatcher) rtcCreate(ctx context.Context, requester signaling.AccountID, env Envelope) (any, error) {
	var p roomIDPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, apperror.Wrap(err, apperror.KindSerialization, "rtc.create payload")
	}
	createdBy := backend.AgentID{Label: requester.Label, Audience: requester.Audience}
	return d.store.CreateRTC(ctx, p.RoomID, createdBy)
}

type rtcIDPayload struct {
	RTCID string `json:"rtc_id"`
}

func (d *Dispatcher) rtcRead(ctx context.Context, _ signaling.AccountID, env Envelope) (any, error) {
	var p rtcIDPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, apperror.Wrap(err, apperror.KindSerialization, "rtc.read payload")
	}
	return d.store.ReadRTC(ctx, p.RTCID)
}

func (d *Dispatcher) rtcList(ctx context.Context, _ signaling.AccountID, env Envelope) (any, error) {
	var p roomIDPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, apperror.Wrap(err, apperror.KindSerialization, "rtc.list payload")
	}
	return d.store.ListRTCs(ctx, p.RoomID)
}

type rtcConnectPayload struct {
	RTCID string  `json:"rtc_id"`
	Group *string `json:"group"`
}

// rtcConnect resolves which backend an agent should address for rtcID,
// without itself performing a plugin negotiation.
func (d *Dispatcher) rtcConnect(ctx context.Context, _ signaling.AccountID, env Envelope) (any, error) {
	var p rtcConnectPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, apperror.Wrap(err, apperror.KindSerialization, "rtc.connect payload")
	}
	rtc, err := d.store.ReadRTC(ctx, p.RTCID)
	if err != nil {
		return nil, err
	}
	rec, err := d.machine.Registry.Find(ctx, rtc.CreatedByID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperror.New(apperror.KindBackendUnavailable, "no backend registered for this rtc")
	}
	return rec, nil
}

// --- rtc_signal.* ---

type rtcSignalCreatePayload struct {
	RTCID string  `json:"rtc_id"`
	SDP   []byte  `json:"jsep"`
	Label string  `json:"label"`
	Group *string `json:"group"`
}

func (d *Dispatcher) rtcSignalCreate(ctx context.Context, requester signaling.AccountID, env Envelope) (any, error) {
	var p rtcSignalCreatePayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, apperror.Wrap(err, apperror.KindSerialization, "rtc_signal.create payload")
	}
	jsep, err := d.machine.Create(ctx, signaling.CreateRequest{
		RTCID:   p.RTCID,
		AgentID: requester,
		Label:   p.Label,
		SDP:     p.SDP,
		Group:   p.Group,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"jsep": jsep}, nil
}

type rtcSignalTricklePayload struct {
	RTCID     string `json:"rtc_id"`
	Candidate any    `json:"candidate"`
}

func (d *Dispatcher) rtcSignalTrickle(ctx context.Context, requester signaling.AccountID, env Envelope) (any, error) {
	var p rtcSignalTricklePayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, apperror.Wrap(err, apperror.KindSerialization, "rtc_signal.trickle payload")
	}
	if err := d.machine.Trickle(ctx, p.RTCID, requester, p.Candidate); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (d *Dispatcher) rtcStreamList(ctx context.Context, _ signaling.AccountID, env Envelope) (any, error) {
	var p roomIDPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, apperror.Wrap(err, apperror.KindSerialization, "rtc_stream.list payload")
	}
	return d.store.ListStreams(ctx, p.RoomID)
}

// --- message.* / subscription.* ---

type broadcastPayload struct {
	AccountID string          `json:"account_id"`
	Path      string          `json:"path"`
	Payload   json.RawMessage `json:"payload"`
}

func (d *Dispatcher) messageBroadcast(_ context.Context, _ signaling.AccountID, env Envelope) (any, error) {
	var p broadcastPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, apperror.Wrap(err, apperror.KindSerialization, "message.broadcast payload")
	}
	out, err := NewEnvelope(Properties{Type: TypeEvent, Method: "message.broadcast"}, p.Payload)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindSerialization, "message.broadcast response")
	}
	d.publish(BroadcastTopic(p.AccountID, p.Path), out)
	return struct{}{}, nil
}

type unicastPayload struct {
	AgentID   string          `json:"agent_id"`
	AccountID string          `json:"account_id"`
	Payload   json.RawMessage `json:"payload"`
}

// messageUnicast relays a unicast request or response verbatim onto its
// addressee's out topic; it is a pass-through, not a CRUD operation.
func (d *Dispatcher) messageUnicast(_ context.Context, _ signaling.AccountID, env Envelope) (any, error) {
	var p unicastPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, apperror.Wrap(err, apperror.KindSerialization, "message.unicast payload")
	}
	out, err := NewEnvelope(Properties{
		Type:            env.Properties.Type,
		Method:          env.Properties.Method,
		CorrelationData: env.Properties.CorrelationData,
	}, p.Payload)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindSerialization, "message.unicast response")
	}
	d.publish(OutboundTopic(p.AgentID, p.AccountID), out)
	return struct{}{}, nil
}

type subscriptionPayload struct {
	AgentID   string `json:"agent_id"`
	AccountID string `json:"account_id"`
}

func (d *Dispatcher) subscriptionCreate(_ context.Context, _ signaling.AccountID, env Envelope) (any, error) {
	var p subscriptionPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, apperror.Wrap(err, apperror.KindSerialization, "subscription.create payload")
	}
	topic := OutboundTopic(p.AgentID, p.AccountID)
	token := d.client.Subscribe(topic, 1, d.onMessage)
	if !token.WaitTimeout(d.timeout) {
		return nil, apperror.New(apperror.KindBackendUnavailable, "mqtt subscribe timed out")
	}
	return struct{}{}, token.Error()
}

func (d *Dispatcher) subscriptionDelete(_ context.Context, _ signaling.AccountID, env Envelope) (any, error) {
	var p subscriptionPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, apperror.Wrap(err, apperror.KindSerialization, "subscription.delete payload")
	}
	topic := OutboundTopic(p.AgentID, p.AccountID)
	token := d.client.Unsubscribe(topic)
	if !token.WaitTimeout(d.timeout) {
		return nil, apperror.New(apperror.KindBackendUnavailable, "mqtt unsubscribe timed out")
	}
	return struct{}{}, token.Error()
}
