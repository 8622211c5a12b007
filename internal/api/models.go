package api

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Command states reported by the device command endpoint.
const (
	CommandStatePending      = "pending"
	CommandStateSent         = "sent"
	CommandStateAcknowledged = "acknowledged"
	CommandStateFailed       = "failed"
	CommandStateExpired      = "expired"
)

// TerminalCommandStates are states from which no further transition is
// expected.
var TerminalCommandStates = map[string]bool{
	CommandStateAcknowledged: true,
	CommandStateFailed:       true,
	CommandStateExpired:      true,
}

type Account struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

type Vehicle struct {
	ID           uuid.UUID `json:"id"`
	Account      string    `json:"account"`
	NameDisplay  string    `json:"name_display"`
	Registration string    `json:"registration"`
	Active       bool      `json:"active"`
}

type Sensor struct {
	ID             uuid.UUID `json:"id"`
	Vehicle        string    `json:"vehicle"`
	Interpretation string    `json:"interpretation"`
	NameDisplay    string    `json:"name_display"`
	Unit           string    `json:"unit"`
}

type Driver struct {
	ID          uuid.UUID `json:"id"`
	Account     string    `json:"account"`
	NameDisplay string    `json:"name_display"`
	Active      bool      `json:"active"`
}

type VehicleAction struct {
	ID          uuid.UUID `json:"id"`
	Vehicle     string    `json:"vehicle"`
	Type        string    `json:"type"`
	Slug        string    `json:"slug"`
	NameDisplay string    `json:"name_display"`
}

// DeviceCommand is a command issued to a vehicle's device, polled until it
// reaches a terminal state.
type DeviceCommand struct {
	ID        uuid.UUID  `json:"id"`
	Vehicle   string     `json:"vehicle"`
	Action    string     `json:"action"`
	State     string     `json:"state"`
	Message   string     `json:"message,omitempty"`
	Response  string     `json:"response,omitempty"`
	Errors    string     `json:"errors,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Terminal reports whether the command state is terminal.
func (c DeviceCommand) Terminal() bool {
	return TerminalCommandStates[c.State]
}

var uuidPattern = regexp.MustCompile(
	`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)

// ExtractUUID pulls the first UUID out of an API resource URL, e.g.
// https://api.example.com/vehicles/924da156-1a68-4fce-8da1-a196c9bf22be/.
func ExtractUUID(url string) (uuid.UUID, bool) {
	match := uuidPattern.FindString(url)
	if match == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(match)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// VehicleID resolves the vehicle UUID from the sensor's vehicle URL.
func (s Sensor) VehicleID() (uuid.UUID, bool) {
	return ExtractUUID(s.Vehicle)
}

// VehicleID resolves the vehicle UUID from the action's vehicle URL.
func (a VehicleAction) VehicleID() (uuid.UUID, bool) {
	return ExtractUUID(a.Vehicle)
}
