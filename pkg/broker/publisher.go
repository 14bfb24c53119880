// Package broker publishes short-lived notification labels onto a
// room's MQTT topic, the last hop that tells room subscribers to
// re-fetch state after a durable event has landed.
package broker

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/foxford/conference/pkg/apperror"
)

// NotificationLabel is the payload published for a video-group-updated
// notification.
const NotificationLabel = "video_group.update"

// Publisher wraps an MQTT client for the "rooms/<room_id>/events" topic
// scheme.
type Publisher struct {
	client  mqtt.Client
	timeout time.Duration
}

func NewPublisher(client mqtt.Client, timeout time.Duration) *Publisher {
	return &Publisher{client: client, timeout: timeout}
}

// Topic builds the events topic for a room.
func Topic(roomID string) string {
	return fmt.Sprintf("rooms/%s/events", roomID)
}

// Publish sends label to roomID's events topic at QoS 1, unretained.
func (p *Publisher) Publish(roomID, label string) error {
	token := p.client.Publish(Topic(roomID), 1, false, label)
	if !token.WaitTimeout(p.timeout) {
		return apperror.New(apperror.KindBackendUnavailable, "mqtt publish timed out")
	}
	if err := token.Error(); err != nil {
		return apperror.Wrap(err, apperror.KindBackendRequestFailed, "mqtt publish failed")
	}
	return nil
}
