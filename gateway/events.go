package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Inbound events form a tagged union: the envelope's event field names the
// kind, and the payload is decoded into the matching type before dispatch.
// Anything else is rejected at the boundary.

type Event interface {
	isEvent()
}

// HandshakeEvent carries the client's credentials: a fresh display name or a
// resumption token, never both.
type HandshakeEvent struct {
	Username  string `json:"username"`
	SessionID string `json:"sessionID"`
}

// MessageEvent is a client-submitted direct message. The time field is
// deliberately absent: it is assigned at routing, not taken from the client.
type MessageEvent struct {
	To   string `json:"to"`
	From string `json:"from"`
	Text string `json:"text"`
}

// LogoutEvent asks for the user's persisted session to be ended.
type LogoutEvent struct {
	UserID string `json:"userID"`
}

func (HandshakeEvent) isEvent() {}
func (MessageEvent) isEvent()   {}
func (LogoutEvent) isEvent()    {}

func parseEvent(frame []byte) (Event, error) {
	if !gjson.ValidBytes(frame) {
		return nil, fmt.Errorf("malformed frame")
	}
	parsed := gjson.ParseBytes(frame)
	kind := parsed.Get("event").Str
	data := []byte(parsed.Get("data").Raw)
	if len(data) == 0 {
		data = []byte("{}")
	}
	switch kind {
	case "handshake":
		var ev HandshakeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("malformed handshake payload: %s", err)
		}
		return &ev, nil
	case "message":
		var ev MessageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("malformed message payload: %s", err)
		}
		return &ev, nil
	case "logout":
		var ev LogoutEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("malformed logout payload: %s", err)
		}
		return &ev, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}
