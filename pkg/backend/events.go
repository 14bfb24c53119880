package backend

import (
	"encoding/json"
	"fmt"

	"github.com/foxford/conference/pkg/apperror"
	"github.com/foxford/conference/pkg/correlator"
)

// EventKind is the "janus" discriminator tag on a long-poll event.
type EventKind string

const (
	EventAck       EventKind = "ack"
	EventEvent     EventKind = "event"
	EventWebRTCUp  EventKind = "webrtcup"
	EventMedia     EventKind = "media"
	EventTimeout   EventKind = "timeout"
	EventHangUp    EventKind = "hangup"
	EventSlowLink  EventKind = "slowlink"
	EventDetached  EventKind = "detached"
	EventKeepAlive EventKind = "keepalive"
)

// Event is a decoded long-poll event. Only the fields relevant to its Kind
// are populated; Transaction/PluginData/Jsep only appear on EventEvent.
type Event struct {
	Kind        EventKind
	SessionID   int64
	Sender      int64
	OpaqueID    string
	Reason      string  // hangup
	MediaType   string  // media
	Receiving   bool    // media
	Uplink      bool    // slowlink
	Transaction correlator.Token
	PluginData  json.RawMessage
	Jsep        json.RawMessage
}

type wireEvent struct {
	Janus       EventKind       `json:"janus"`
	SessionID   int64           `json:"session_id"`
	Sender      int64           `json:"sender"`
	OpaqueID    string          `json:"opaque_id"`
	Reason      string          `json:"reason"`
	Type        string          `json:"type"`
	Receiving   bool            `json:"receiving"`
	Uplink      bool            `json:"uplink"`
	Transaction string          `json:"transaction"`
	PluginData  json.RawMessage `json:"plugindata"`
	Jsep        json.RawMessage `json:"jsep"`
}

// DecodeEvents parses the JSON array body of a long-poll response into
// Events, dropping keepalives.
func DecodeEvents(body []byte) ([]Event, error) {
	var raw []wireEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apperror.Wrap(err, apperror.KindSerialization, "decode long-poll events")
	}

	events := make([]Event, 0, len(raw))
	for _, w := range raw {
		if w.Janus == EventKeepAlive {
			continue
		}

		evt := Event{
			Kind:       w.Janus,
			SessionID:  w.SessionID,
			Sender:     w.Sender,
			OpaqueID:   w.OpaqueID,
			Reason:     w.Reason,
			MediaType:  w.Type,
			Receiving:  w.Receiving,
			Uplink:     w.Uplink,
			PluginData: w.PluginData,
			Jsep:       w.Jsep,
		}

		if w.Janus == EventEvent && w.Transaction != "" {
			tok, err := correlator.Decode(w.Transaction)
			if err != nil {
				return nil, apperror.Wrap(err, apperror.KindSerialization,
					fmt.Sprintf("decode transaction on %s event", w.Janus))
			}
			evt.Transaction = tok
		}

		events = append(events, evt)
	}
	return events, nil
}
