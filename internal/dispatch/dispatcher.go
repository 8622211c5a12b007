// Package dispatch fans decoded state events out to per-entity listeners and
// keeps the latest state per entity for late joiners.
package dispatch

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/navirec/fleet-streamer/internal/metrics"
	"github.com/navirec/fleet-streamer/internal/stream"
)

// Listener is the capability a projection layer registers per entity.
type Listener interface {
	// StateChanged delivers the entity's newest payload in arrival order.
	StateChanged(payload json.RawMessage, updatedAt time.Time)

	// BaselineSynced signals that the server finished sending the initial
	// snapshot, whether or not this entity appeared in it.
	BaselineSynced()
}

type retained struct {
	payload   json.RawMessage
	updatedAt time.Time
}

// Dispatcher is safe for one producing goroutine (the stream read loop)
// concurrent with listener registration. Notification is synchronous, so
// listeners must return quickly or they stall the read loop.
type Dispatcher struct {
	logger    *zap.Logger
	watermark interface{ Advance(time.Time) }

	mu        sync.Mutex
	states    map[stream.Key]retained
	listeners map[stream.Key]Listener
	synced    bool
}

func New(watermark interface{ Advance(time.Time) }, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger:    logger,
		watermark: watermark,
		states:    make(map[stream.Key]retained),
		listeners: make(map[stream.Key]Listener),
	}
}

// Register attaches a listener for an entity key. If state for the key has
// already arrived, the listener receives it immediately; if the baseline
// snapshot already completed, it is told so as well.
func (d *Dispatcher) Register(key stream.Key, l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.listeners[key] = l

	if st, ok := d.states[key]; ok {
		l.StateChanged(st.payload, st.updatedAt)
	}
	if d.synced {
		l.BaselineSynced()
	}
}

// Unregister detaches the listener for a key. Retained state stays behind
// for a later registration.
func (d *Dispatcher) Unregister(key stream.Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.listeners, key)
}

// HandleEvent consumes one decoded stream event.
func (d *Dispatcher) HandleEvent(ev stream.Event) {
	switch e := ev.(type) {
	case stream.StateUpdateEvent:
		metrics.EventsTotal.WithLabelValues(string(e.Kind) + "_state").Inc()
		d.handleStateUpdate(e)

	case stream.InitialStateSentEvent:
		metrics.EventsTotal.WithLabelValues("initial_state_sent").Inc()
		d.handleBaselineSynced()

	case stream.ConnectedEvent:
		metrics.EventsTotal.WithLabelValues("connected").Inc()

	case stream.HeartbeatEvent:
		metrics.EventsTotal.WithLabelValues("heartbeat").Inc()

	case stream.DisconnectedEvent:
		metrics.EventsTotal.WithLabelValues("disconnected").Inc()

	case stream.UnknownEvent:
		metrics.EventsTotal.WithLabelValues("unknown").Inc()
		d.logger.Debug("ignoring unknown stream event",
			zap.String("event", e.EventType))
	}
}

func (d *Dispatcher) handleStateUpdate(e stream.StateUpdateEvent) {
	key := stream.Key{Kind: e.Kind, ID: e.ID}

	d.mu.Lock()
	if prev, ok := d.states[key]; ok && e.UpdatedAt.Before(prev.updatedAt) {
		// The stream is assumed forward-only; an older update is suspect
		// but still applied, since the source is authoritative.
		metrics.StaleUpdatesTotal.Inc()
		d.logger.Warn("state event older than recorded state",
			zap.String("entity", key.String()),
			zap.Time("received", e.UpdatedAt),
			zap.Time("recorded", prev.updatedAt),
		)
	}
	d.states[key] = retained{payload: e.Payload, updatedAt: e.UpdatedAt}
	listener := d.listeners[key]
	if listener != nil {
		listener.StateChanged(e.Payload, e.UpdatedAt)
	}
	d.mu.Unlock()

	if d.watermark != nil {
		d.watermark.Advance(e.UpdatedAt)
	}
}

func (d *Dispatcher) handleBaselineSynced() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.synced = true
	for _, l := range d.listeners {
		l.BaselineSynced()
	}
}

// EntityState is one row of the dispatcher's current projection.
type EntityState struct {
	Key       string          `json:"key"`
	UpdatedAt time.Time       `json:"updated_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Snapshot returns the retained state for every known entity, for the debug
// endpoint.
func (d *Dispatcher) Snapshot() []EntityState {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]EntityState, 0, len(d.states))
	for key, st := range d.states {
		out = append(out, EntityState{
			Key:       key.String(),
			UpdatedAt: st.updatedAt,
			Payload:   st.payload,
		})
	}
	return out
}
