package stream

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EntityKind identifies which catalog a state event belongs to.
type EntityKind string

const (
	EntityVehicle EntityKind = "vehicle"
	EntityDriver  EntityKind = "driver"
)

// Event is a decoded NDJSON stream frame.
type Event interface {
	eventMarker()
}

// ConnectedEvent is the server's greeting after the stream opens.
type ConnectedEvent struct{}

// StateUpdateEvent carries one entity's latest state. Payload is opaque to
// the stream layer; only id and updated_at are pulled out of it.
type StateUpdateEvent struct {
	Kind      EntityKind
	ID        uuid.UUID
	UpdatedAt time.Time
	Payload   json.RawMessage
}

// InitialStateSentEvent marks the end of the baseline snapshot: every entity
// the server knows about has been sent at least once.
type InitialStateSentEvent struct{}

// HeartbeatEvent is the periodic liveness frame.
type HeartbeatEvent struct{}

// DisconnectedEvent is a server-initiated clean close; the caller should
// reconnect immediately.
type DisconnectedEvent struct{}

// UnknownEvent wraps a frame whose event type this version does not know.
// Kept for forward compatibility; never an error.
type UnknownEvent struct {
	EventType string
	Raw       json.RawMessage
}

func (ConnectedEvent) eventMarker()        {}
func (StateUpdateEvent) eventMarker()      {}
func (InitialStateSentEvent) eventMarker() {}
func (HeartbeatEvent) eventMarker()        {}
func (DisconnectedEvent) eventMarker()     {}
func (UnknownEvent) eventMarker()          {}

// Key identifies an entity across all streams of an account.
type Key struct {
	Kind EntityKind
	ID   uuid.UUID
}

func (k Key) String() string {
	return string(k.Kind) + "/" + k.ID.String()
}
