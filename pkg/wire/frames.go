// Package wire holds the JSON frames exchanged between a chat client and the channel server.
//
// The same EventFrame envelope is used as the payload of pub/sub messages, with the event name
// duplicated into message metadata.
package wire

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

const (
	OpJoin  = "join"
	OpLeave = "leave"
)

// MetadataEvent is the watermill metadata key carrying the event name.
const MetadataEvent = "event"

// ControlFrame is sent by a client to join or leave a channel.
type ControlFrame struct {
	Op      string `json:"op"`
	Channel string `json:"channel"`
}

// EventFrame is one named event on a channel.
type EventFrame struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (f ControlFrame) Validate() error {
	switch f.Op {
	case OpJoin, OpLeave:
	default:
		return errors.Errorf("unknown op %q", f.Op)
	}
	if strings.TrimSpace(f.Channel) == "" {
		return errors.New("channel is empty")
	}
	return nil
}

func DecodeControl(b []byte) (ControlFrame, error) {
	var f ControlFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return ControlFrame{}, errors.Wrap(err, "decode control frame")
	}
	if err := f.Validate(); err != nil {
		return ControlFrame{}, err
	}
	return f, nil
}

// NewEvent builds an EventFrame, encoding payload as its data. A nil payload leaves data empty.
func NewEvent(channel, event string, payload any) (EventFrame, error) {
	f := EventFrame{Channel: channel, Event: event}
	if payload == nil {
		return f, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		f.Data = raw
		return f, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return EventFrame{}, errors.Wrapf(err, "encode %s payload", event)
	}
	f.Data = b
	return f, nil
}

func (f EventFrame) Encode() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "encode event frame")
	}
	return b, nil
}

func DecodeEvent(b []byte) (EventFrame, error) {
	var f EventFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return EventFrame{}, errors.Wrap(err, "decode event frame")
	}
	if f.Event == "" {
		return EventFrame{}, errors.New("event frame without event name")
	}
	return f, nil
}
