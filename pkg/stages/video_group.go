// Package stages implements the per-stage business logic the outbox
// pipeline drives a "video group updated" event through: push the new
// reader configuration to the backend, publish the durable NATS event,
// then notify room subscribers over MQTT.
package stages

import (
	"context"
	"encoding/json"

	"github.com/foxford/conference/pkg/apperror"
	"github.com/foxford/conference/pkg/backend"
	"github.com/foxford/conference/pkg/broker"
	"github.com/foxford/conference/pkg/correlator"
	"github.com/foxford/conference/pkg/eventbus"
	"github.com/foxford/conference/pkg/outbox"
)

const (
	EntityTypeVideoGroup = "video_group"

	StageUpdateJanusConfig    = "update_janus_config"
	StageSendNatsNotification = "send_nats_notification"
	StageSendMqttNotification = "send_mqtt_notification"

	updateReaderConfigMethod = "janus_conference_rtc_reader_config.update"
)

// ReaderConfigItem is one entry of the reader-config update body sent
// to the backend.
type ReaderConfigItem struct {
	ReaderLabel  string `json:"reader_id"`
	RTCID        string `json:"rtc_id"`
	ReceiveVideo bool   `json:"receive_video"`
	ReceiveAudio bool   `json:"receive_audio"`
}

// UpdateJanusConfigPayload is the first stage's persisted payload. The
// backend's session/handle are captured at enqueue time (by whoever
// enqueues the event), since the pool only
// materialises transport, not registry state.
type UpdateJanusConfigPayload struct {
	RoomID      string             `json:"room_id"`
	ClassroomID string             `json:"classroom_id"`
	BackendID   backend.AgentID    `json:"backend_id"`
	SessionID   int64              `json:"session_id"`
	HandleID    int64              `json:"handle_id"`
	Configs     []ReaderConfigItem `json:"configs"`
	Event       json.RawMessage    `json:"event"`
}

// SendNatsNotificationPayload is the second stage's persisted payload.
type SendNatsNotificationPayload struct {
	RoomID      string          `json:"room_id"`
	ClassroomID string          `json:"classroom_id"`
	Event       json.RawMessage `json:"event"`
}

// SendMqttNotificationPayload is the third stage's persisted payload.
type SendMqttNotificationPayload struct {
	RoomID string `json:"room_id"`
}

// UpdateJanusConfigHandler pushes a reader-config update to the
// owning backend, then chains into the NATS notification stage.
type UpdateJanusConfigHandler struct {
	Pool *backend.Pool
}

func (h UpdateJanusConfigHandler) Handle(ctx context.Context, rec outbox.Record, raw json.RawMessage) (outbox.StageResult, error) {
	var payload UpdateJanusConfigPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return outbox.StageResult{}, apperror.Wrap(err, apperror.KindSerialization, "decode update_janus_config stage")
	}

	client, ok := h.Pool.Get(payload.BackendID)
	if !ok {
		return outbox.StageResult{}, apperror.New(apperror.KindBackendUnavailable, "backend not found")
	}

	body := map[string]any{"config": payload.Configs}
	transaction := correlator.NewSimple(correlator.KindUpdateReaderConfig)
	if err := client.Message(ctx, payload.SessionID, payload.HandleID, updateReaderConfigMethod, body, transaction); err != nil {
		return outbox.StageResult{}, apperror.Wrap(err, apperror.KindBackendRequestFailed, "reader config update")
	}

	next := SendNatsNotificationPayload{
		RoomID:      payload.RoomID,
		ClassroomID: payload.ClassroomID,
		Event:       payload.Event,
	}
	nextRaw, err := json.Marshal(next)
	if err != nil {
		return outbox.StageResult{}, apperror.Wrap(err, apperror.KindSerialization, "encode send_nats_notification stage")
	}

	return outbox.StageResult{NextStage: StageSendNatsNotification, Payload: nextRaw}, nil
}

// natsPublisher is the subset of *eventbus.Publisher this stage needs,
// narrowed so tests can substitute a fake.
type natsPublisher interface {
	Publish(classroomID, entityType string, env eventbus.Envelope) error
}

// SendNatsNotificationHandler publishes the durable event onto the
// classroom's NATS subject, then chains into the MQTT stage.
type SendNatsNotificationHandler struct {
	Publisher natsPublisher
	AgentID   string
}

func (h SendNatsNotificationHandler) Handle(ctx context.Context, rec outbox.Record, raw json.RawMessage) (outbox.StageResult, error) {
	var payload SendNatsNotificationPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return outbox.StageResult{}, apperror.Wrap(err, apperror.KindSerialization, "decode send_nats_notification stage")
	}

	err := h.Publisher.Publish(payload.ClassroomID, EntityTypeVideoGroup, eventbus.Envelope{
		EventID:    rec.ID,
		EntityType: EntityTypeVideoGroup,
		AgentID:    h.AgentID,
		Payload:    payload.Event,
	})
	if err != nil {
		return outbox.StageResult{}, err
	}

	next := SendMqttNotificationPayload{RoomID: payload.RoomID}
	nextRaw, err := json.Marshal(next)
	if err != nil {
		return outbox.StageResult{}, apperror.Wrap(err, apperror.KindSerialization, "encode send_mqtt_notification stage")
	}

	return outbox.StageResult{NextStage: StageSendMqttNotification, Payload: nextRaw}, nil
}

// mqttPublisher is the subset of *broker.Publisher this stage needs.
type mqttPublisher interface {
	Publish(roomID, label string) error
}

// SendMqttNotificationHandler notifies the room's MQTT topic; it is
// the chain's last stage.
type SendMqttNotificationHandler struct {
	Publisher mqttPublisher
}

func (h SendMqttNotificationHandler) Handle(ctx context.Context, rec outbox.Record, raw json.RawMessage) (outbox.StageResult, error) {
	var payload SendMqttNotificationPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return outbox.StageResult{}, apperror.Wrap(err, apperror.KindSerialization, "decode send_mqtt_notification stage")
	}

	if err := h.Publisher.Publish(payload.RoomID, broker.NotificationLabel); err != nil {
		return outbox.StageResult{}, err
	}

	return outbox.StageResult{Done: true}, nil
}
