package dispatch

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/navirec/fleet-streamer/internal/stream"
)

type recordedState struct {
	payload   string
	updatedAt time.Time
}

type recordingListener struct {
	states []recordedState
	synced int
}

func (l *recordingListener) StateChanged(payload json.RawMessage, updatedAt time.Time) {
	l.states = append(l.states, recordedState{payload: string(payload), updatedAt: updatedAt})
}

func (l *recordingListener) BaselineSynced() { l.synced++ }

type recordingWatermark struct {
	advances []time.Time
}

func (w *recordingWatermark) Advance(t time.Time) { w.advances = append(w.advances, t) }

func stateEvent(id uuid.UUID, at time.Time, payload string) stream.StateUpdateEvent {
	return stream.StateUpdateEvent{
		Kind:      stream.EntityVehicle,
		ID:        id,
		UpdatedAt: at,
		Payload:   json.RawMessage(payload),
	}
}

func TestDispatcherDeliversToRegisteredListener(t *testing.T) {
	d := New(nil, zap.NewNop())
	id := uuid.New()
	key := stream.Key{Kind: stream.EntityVehicle, ID: id}

	listener := &recordingListener{}
	d.Register(key, listener)

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.HandleEvent(stateEvent(id, at, `{"speed":42.5}`))

	require.Len(t, listener.states, 1)
	assert.Equal(t, `{"speed":42.5}`, listener.states[0].payload)
	assert.True(t, at.Equal(listener.states[0].updatedAt))
}

func TestDispatcherLateJoinGetsRetainedState(t *testing.T) {
	d := New(nil, zap.NewNop())
	id := uuid.New()
	key := stream.Key{Kind: stream.EntityVehicle, ID: id}

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.HandleEvent(stateEvent(id, at, `{"speed":10}`))

	// Registration after the state arrived still sees it, immediately.
	listener := &recordingListener{}
	d.Register(key, listener)

	require.Len(t, listener.states, 1)
	assert.Equal(t, `{"speed":10}`, listener.states[0].payload)
}

func TestDispatcherBaselineSynced(t *testing.T) {
	d := New(nil, zap.NewNop())
	idA, idB := uuid.New(), uuid.New()

	early := &recordingListener{}
	d.Register(stream.Key{Kind: stream.EntityVehicle, ID: idA}, early)

	d.HandleEvent(stream.InitialStateSentEvent{})
	assert.Equal(t, 1, early.synced)

	// A listener registered after the snapshot completed is told right away.
	late := &recordingListener{}
	d.Register(stream.Key{Kind: stream.EntityVehicle, ID: idB}, late)
	assert.Equal(t, 1, late.synced)
}

func TestDispatcherArrivalOrderPreserved(t *testing.T) {
	d := New(nil, zap.NewNop())
	id := uuid.New()
	key := stream.Key{Kind: stream.EntityVehicle, ID: id}

	listener := &recordingListener{}
	d.Register(key, listener)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		d.HandleEvent(stateEvent(id, base.Add(time.Duration(i)*time.Second), `{"n":`+string(rune('0'+i))+`}`))
	}

	require.Len(t, listener.states, 5)
	for i := 0; i < 5; i++ {
		assert.True(t, base.Add(time.Duration(i)*time.Second).Equal(listener.states[i].updatedAt))
	}
}

func TestDispatcherStaleUpdateStillApplied(t *testing.T) {
	d := New(nil, zap.NewNop())
	id := uuid.New()
	key := stream.Key{Kind: stream.EntityVehicle, ID: id}

	listener := &recordingListener{}
	d.Register(key, listener)

	newer := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	d.HandleEvent(stateEvent(id, newer, `{"v":"new"}`))
	d.HandleEvent(stateEvent(id, older, `{"v":"old"}`))

	// The source is authoritative: the out-of-order value is logged but
	// applied, not dropped.
	require.Len(t, listener.states, 2)
	assert.Equal(t, `{"v":"old"}`, listener.states[1].payload)

	snap := d.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, json.RawMessage(`{"v":"old"}`), snap[0].Payload)
}

func TestDispatcherAdvancesWatermark(t *testing.T) {
	wm := &recordingWatermark{}
	d := New(wm, zap.NewNop())
	id := uuid.New()

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	second := first.Add(time.Minute)

	d.HandleEvent(stateEvent(id, first, `{}`))
	d.HandleEvent(stateEvent(id, second, `{}`))
	d.HandleEvent(stream.HeartbeatEvent{})

	// Only state updates move the watermark.
	require.Len(t, wm.advances, 2)
	assert.True(t, first.Equal(wm.advances[0]))
	assert.True(t, second.Equal(wm.advances[1]))
}

func TestDispatcherUnregisterStopsDeliveryKeepsState(t *testing.T) {
	d := New(nil, zap.NewNop())
	id := uuid.New()
	key := stream.Key{Kind: stream.EntityVehicle, ID: id}

	listener := &recordingListener{}
	d.Register(key, listener)
	d.Unregister(key)

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.HandleEvent(stateEvent(id, at, `{"speed":5}`))
	assert.Empty(t, listener.states)

	// Retained state survives for the next registration.
	again := &recordingListener{}
	d.Register(key, again)
	require.Len(t, again.states, 1)
	assert.Equal(t, `{"speed":5}`, again.states[0].payload)
}

func TestDispatcherIgnoresUnknownEvents(t *testing.T) {
	d := New(nil, zap.NewNop())
	d.HandleEvent(stream.UnknownEvent{EventType: "future_thing"})
	assert.Empty(t, d.Snapshot())
}

func TestDispatcherKindsDoNotCollide(t *testing.T) {
	d := New(nil, zap.NewNop())
	id := uuid.New()

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.HandleEvent(stateEvent(id, at, `{"kind":"vehicle"}`))
	d.HandleEvent(stream.StateUpdateEvent{
		Kind:      stream.EntityDriver,
		ID:        id,
		UpdatedAt: at,
		Payload:   json.RawMessage(`{"kind":"driver"}`),
	})

	// Same uuid under different kinds is two entities.
	assert.Len(t, d.Snapshot(), 2)
}
