package socket

import (
	"encoding/json"
	"errors"
)

// Reserved event names.
const (
	EventAck   = "ack"
	EventError = "error"
)

// Frame is one inbound message: {"event": "...", "data": ..., "id": n}.
// A frame carrying an id is answered with an ack frame with the same id.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    *int64          `json:"id,omitempty"`
}

// outFrame is the outbound counterpart of Frame.
type outFrame struct {
	Event string `json:"event"`
	ID    *int64 `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
}

type errorData struct {
	Message string `json:"message"`
}

var errNoEvent = errors.New("frame has no event name")

func decodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, err
	}
	if f.Event == "" {
		return Frame{}, errNoEvent
	}
	return f, nil
}

func encodeFrame(event string, id *int64, data any) ([]byte, error) {
	return json.Marshal(outFrame{Event: event, ID: id, Data: data})
}
