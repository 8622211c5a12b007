package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedFrame marks a line that is not valid JSON. The session logs it
// and keeps reading; a single corrupt line never ends a healthy stream.
var ErrMalformedFrame = errors.New("malformed stream frame")

type rawFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type statePayload struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ParseFrame decodes one NDJSON line into an Event. A blank line yields
// (nil, nil). An unrecognized event type yields UnknownEvent.
func ParseFrame(line []byte) (Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}

	var frame rawFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch frame.Event {
	case "connected":
		return ConnectedEvent{}, nil
	case "vehicle_state":
		return parseStateUpdate(EntityVehicle, frame.Data)
	case "driver_state":
		return parseStateUpdate(EntityDriver, frame.Data)
	case "initial_state_sent":
		return InitialStateSentEvent{}, nil
	case "heartbeat":
		return HeartbeatEvent{}, nil
	case "disconnected":
		return DisconnectedEvent{}, nil
	default:
		return UnknownEvent{EventType: frame.Event, Raw: append(json.RawMessage(nil), line...)}, nil
	}
}

func parseStateUpdate(kind EntityKind, data json.RawMessage) (Event, error) {
	// The scanner reuses its buffer between lines, and the payload outlives
	// this frame once retained downstream.
	ev := StateUpdateEvent{
		Kind:    kind,
		Payload: append(json.RawMessage(nil), data...),
	}

	// Only id and updated_at matter here; the rest of the payload is owned
	// by the projection layer and passed through untouched.
	var p statePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: state payload: %v", ErrMalformedFrame, err)
	}
	if id, err := uuid.Parse(p.ID); err == nil {
		ev.ID = id
	}
	ev.UpdatedAt = p.UpdatedAt

	return ev, nil
}
