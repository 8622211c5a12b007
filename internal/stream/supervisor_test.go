package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navirec/fleet-streamer/internal/api"
)

type attemptRecord struct {
	resumeAfter time.Time
	startedAt   time.Time
}

// scriptedRunner replaces the HTTP session with one scripted outcome per
// attempt. Attempts beyond the script block until the context ends.
type scriptedRunner struct {
	mu       sync.Mutex
	script   []func(ctx context.Context, onOpen func(), sink func(Event)) error
	attempts []attemptRecord
	started  chan struct{}
	clk      clock.Clock
}

func newScriptedRunner(clk clock.Clock, script ...func(ctx context.Context, onOpen func(), sink func(Event)) error) *scriptedRunner {
	return &scriptedRunner{
		script:  script,
		started: make(chan struct{}, 64),
		clk:     clk,
	}
}

func (r *scriptedRunner) Run(ctx context.Context, cfg SessionConfig, onOpen func(), sink func(Event)) error {
	r.mu.Lock()
	idx := len(r.attempts)
	r.attempts = append(r.attempts, attemptRecord{resumeAfter: cfg.ResumeAfter, startedAt: r.clk.Now()})
	var step func(context.Context, func(), func(Event)) error
	if idx < len(r.script) {
		step = r.script[idx]
	}
	r.mu.Unlock()

	r.started <- struct{}{}

	if step == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return step(ctx, onOpen, sink)
}

func (r *scriptedRunner) recorded() []attemptRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]attemptRecord, len(r.attempts))
	copy(out, r.attempts)
	return out
}

func testSupervisorConfig(runner SessionRunner, clk clock.Clock) SupervisorConfig {
	return SupervisorConfig{
		Session: SessionConfig{
			AccountID: uuid.New(),
			Kind:      EntityVehicle,
		},
		Sink:            func(Event) {},
		InitialDelay:    time.Second,
		Ceiling:         60 * time.Second,
		Factor:          2,
		JitterFrac:      0, // deterministic delays
		StabilityWindow: 30 * time.Second,
		Runner:          runner,
		Clock:           clk,
	}
}

// waitAttempt steps the mock clock in small increments until the runner
// reports a new attempt. The tiny real sleeps let the supervisor goroutine
// reach its timer between steps.
func waitAttempt(t *testing.T, r *scriptedRunner, mock *clock.Mock) {
	t.Helper()
	// Give the supervisor a moment to arm the backoff timer before the
	// clock moves, so measured deltas stay tight.
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 2000; i++ {
		select {
		case <-r.started:
			return
		default:
		}
		mock.Add(100 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no new attempt observed")
}

func TestSupervisorCleanDisconnectRetriesImmediately(t *testing.T) {
	runner := newScriptedRunner(clock.New(),
		func(ctx context.Context, onOpen func(), sink func(Event)) error {
			onOpen()
			sink(DisconnectedEvent{})
			return nil
		},
	)

	sup := NewSupervisor(testSupervisorConfig(runner, clock.New()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// Two attempts without any clock manipulation: the second follows the
	// clean disconnect with no backoff sleep.
	for i := 0; i < 2; i++ {
		select {
		case <-runner.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("attempt %d never started", i+1)
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Equal(t, PhaseStopped, sup.Phase())
}

func TestSupervisorBackoffGrowsBetweenFailures(t *testing.T) {
	mock := clock.NewMock()
	fail := func(ctx context.Context, onOpen func(), sink func(Event)) error {
		return &ConnectError{Err: context.DeadlineExceeded}
	}
	runner := newScriptedRunner(mock, fail, fail, fail)

	sup := NewSupervisor(testSupervisorConfig(runner, mock))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sup.Run(ctx) //nolint:errcheck

	for i := 0; i < 4; i++ {
		waitAttempt(t, runner, mock)
	}
	cancel()

	attempts := runner.recorded()
	require.Len(t, attempts, 4)

	// Delays double: 1s, 2s, 4s. The stepping loop overshoots by at most
	// a few hundred milliseconds.
	for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		delta := attempts[i+1].startedAt.Sub(attempts[i].startedAt)
		assert.GreaterOrEqual(t, delta, want, "attempt %d", i+2)
		assert.Less(t, delta, want+500*time.Millisecond, "attempt %d", i+2)
	}
}

func TestSupervisorRateLimitFloorsDelay(t *testing.T) {
	mock := clock.NewMock()
	runner := newScriptedRunner(mock,
		func(ctx context.Context, onOpen func(), sink func(Event)) error {
			return &api.RateLimitError{RetryAfter: 5}
		},
	)

	sup := NewSupervisor(testSupervisorConfig(runner, mock))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sup.Run(ctx) //nolint:errcheck

	waitAttempt(t, runner, mock)
	waitAttempt(t, runner, mock)
	cancel()

	attempts := runner.recorded()
	require.Len(t, attempts, 2)

	// The first backoff delay would be 1s, but Retry-After raises the
	// floor to 5s.
	delta := attempts[1].startedAt.Sub(attempts[0].startedAt)
	assert.GreaterOrEqual(t, delta, 5*time.Second)
	assert.Less(t, delta, 6*time.Second)
}

func TestSupervisorStableSessionResetsBackoff(t *testing.T) {
	mock := clock.NewMock()
	fail := func(ctx context.Context, onOpen func(), sink func(Event)) error {
		return &ConnectError{Err: context.DeadlineExceeded}
	}
	runner := newScriptedRunner(mock,
		fail, // delay 1s
		fail, // delay 2s
		func(ctx context.Context, onOpen func(), sink func(Event)) error {
			// A session that streams past the stability window before
			// dying earns a fresh schedule.
			onOpen()
			mock.Add(40 * time.Second)
			return &ConnectError{Err: context.DeadlineExceeded}
		},
		fail,
	)

	cfg := testSupervisorConfig(runner, mock)
	cfg.StabilityWindow = 30 * time.Second
	sup := NewSupervisor(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sup.Run(ctx) //nolint:errcheck

	for i := 0; i < 4; i++ {
		waitAttempt(t, runner, mock)
	}
	cancel()

	attempts := runner.recorded()
	require.Len(t, attempts, 4)

	// Attempt 3 spent 40s streaming, so the delay after its failure drops
	// back to the initial 1s instead of continuing to 4s. The gap covers
	// the 40s of streaming plus the 1s backoff.
	delta := attempts[3].startedAt.Sub(attempts[2].startedAt)
	assert.GreaterOrEqual(t, delta, 41*time.Second)
	assert.Less(t, delta, 42*time.Second)
}

func TestSupervisorCancelDuringBackoff(t *testing.T) {
	mock := clock.NewMock()
	runner := newScriptedRunner(mock,
		func(ctx context.Context, onOpen func(), sink func(Event)) error {
			return &ConnectError{Err: context.DeadlineExceeded}
		},
	)

	cfg := testSupervisorConfig(runner, mock)
	cfg.InitialDelay = 10 * time.Second
	sup := NewSupervisor(cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first attempt never started")
	}

	// Cancel while the supervisor waits out the 10s delay; it must stop
	// without the mock clock ever advancing.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop during backoff")
	}
	assert.Equal(t, PhaseStopped, sup.Phase())
}

func TestSupervisorPicksUpCursorEachAttempt(t *testing.T) {
	var mu sync.Mutex
	cursor := time.Time{}

	runner := newScriptedRunner(clock.New(),
		func(ctx context.Context, onOpen func(), sink func(Event)) error {
			onOpen()
			mu.Lock()
			cursor = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			mu.Unlock()
			return nil
		},
	)

	cfg := testSupervisorConfig(runner, clock.New())
	cfg.Cursor = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return cursor
	}
	sup := NewSupervisor(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sup.Run(ctx) //nolint:errcheck

	for i := 0; i < 2; i++ {
		select {
		case <-runner.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("attempt %d never started", i+1)
		}
	}
	cancel()

	attempts := runner.recorded()
	require.Len(t, attempts, 2)
	assert.True(t, attempts[0].resumeAfter.IsZero())
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), attempts[1].resumeAfter)
}
