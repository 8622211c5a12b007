package stream

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/navirec/fleet-streamer/internal/api"
	"github.com/navirec/fleet-streamer/internal/metrics"
)

// Supervisor phases.
const (
	PhaseIdle       = "idle"
	PhaseConnecting = "connecting"
	PhaseStreaming  = "streaming"
	PhaseBackingOff = "backing_off"
	PhaseStopped    = "stopped"
)

const (
	phaseEventConnect     = "connect"
	phaseEventEstablished = "established"
	phaseEventSettle      = "settle"
	phaseEventFail        = "fail"
	phaseEventRetry       = "retry"
	phaseEventStop        = "stop"
)

// SessionRunner runs one connection attempt end to end, reporting readiness
// through onOpen and every decoded event through sink. It returns nil only on
// a clean server-initiated disconnect.
type SessionRunner interface {
	Run(ctx context.Context, cfg SessionConfig, onOpen func(), sink func(Event)) error
}

type httpRunner struct{}

func (httpRunner) Run(ctx context.Context, cfg SessionConfig, onOpen func(), sink func(Event)) error {
	sess := NewSession(cfg)
	if err := sess.Open(ctx); err != nil {
		return err
	}
	onOpen()
	return sess.Events(ctx, sink)
}

// SupervisorConfig configures the retry loop around a stream session.
type SupervisorConfig struct {
	Session SessionConfig

	// Cursor returns the latest watermark; the zero time means no resume
	// parameter is sent.
	Cursor func() time.Time

	// Sink receives every decoded event.
	Sink func(Event)

	InitialDelay    time.Duration // default 1s
	Ceiling         time.Duration // default 60s
	Factor          float64       // default 2
	JitterFrac      float64       // default 0.2
	StabilityWindow time.Duration // default one heartbeat interval

	Runner SessionRunner
	Clock  clock.Clock
	Logger *zap.Logger
}

// Supervisor wraps a StreamSession in a reconnect loop: exponential backoff
// with jitter on failure, immediate retry on clean disconnect, a rate-limit
// floor when the server asks for one, and a backoff reset after a sustained
// healthy period.
type Supervisor struct {
	cfg     SupervisorConfig
	backoff *Backoff
	phases  *fsm.FSM
	clock   clock.Clock
	logger  *zap.Logger
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 60 * time.Second
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 2
	}
	if cfg.JitterFrac < 0 {
		cfg.JitterFrac = 0
	}
	if cfg.StabilityWindow <= 0 {
		cfg.StabilityWindow = DefaultHeartbeatInterval
	}
	if cfg.Runner == nil {
		cfg.Runner = httpRunner{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Cursor == nil {
		cfg.Cursor = func() time.Time { return time.Time{} }
	}

	phases := fsm.NewFSM(
		PhaseIdle,
		fsm.Events{
			{Name: phaseEventConnect, Src: []string{PhaseIdle, PhaseBackingOff}, Dst: PhaseConnecting},
			{Name: phaseEventEstablished, Src: []string{PhaseConnecting}, Dst: PhaseStreaming},
			{Name: phaseEventSettle, Src: []string{PhaseConnecting, PhaseStreaming}, Dst: PhaseIdle},
			{Name: phaseEventFail, Src: []string{PhaseConnecting, PhaseStreaming}, Dst: PhaseBackingOff},
			{Name: phaseEventRetry, Src: []string{PhaseBackingOff}, Dst: PhaseIdle},
			{Name: phaseEventStop, Src: []string{PhaseIdle, PhaseConnecting, PhaseStreaming, PhaseBackingOff}, Dst: PhaseStopped},
		},
		fsm.Callbacks{},
	)

	return &Supervisor{
		cfg:     cfg,
		backoff: NewBackoff(cfg.InitialDelay, cfg.Ceiling, cfg.Factor, cfg.JitterFrac),
		phases:  phases,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}
}

// Phase reports the current supervisor phase.
func (s *Supervisor) Phase() string {
	return s.phases.Current()
}

// Run drives connect attempts until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	account := s.cfg.Session.AccountID.String()
	defer metrics.StreamConnected.WithLabelValues(account).Set(0)

	for {
		if ctx.Err() != nil {
			s.transition(ctx, phaseEventStop)
			return ctx.Err()
		}

		s.transition(ctx, phaseEventConnect)

		cfg := s.cfg.Session
		cfg.ResumeAfter = s.cfg.Cursor()

		var openedAt time.Time
		err := s.cfg.Runner.Run(ctx, cfg,
			func() {
				openedAt = s.clock.Now()
				metrics.StreamConnected.WithLabelValues(account).Set(1)
				s.transition(ctx, phaseEventEstablished)
			},
			s.cfg.Sink,
		)
		metrics.StreamConnected.WithLabelValues(account).Set(0)

		// A session that stayed healthy past the stability window earns
		// a fresh backoff schedule for whatever ended it.
		if !openedAt.IsZero() && s.clock.Since(openedAt) >= s.cfg.StabilityWindow {
			s.backoff.Reset()
		}

		switch {
		case err == nil:
			// Clean disconnect: retry immediately.
			s.transition(ctx, phaseEventSettle)
			metrics.ReconnectsTotal.WithLabelValues("clean_disconnect").Inc()

		case errors.Is(err, context.Canceled) || ctx.Err() != nil:
			s.transition(ctx, phaseEventStop)
			return ctx.Err()

		default:
			s.transition(ctx, phaseEventFail)
			delay := s.backoff.Next()

			reason := failureReason(err)
			metrics.ReconnectsTotal.WithLabelValues(reason).Inc()

			var rateErr *api.RateLimitError
			if errors.As(err, &rateErr) {
				if floor := time.Duration(rateErr.RetryAfter) * time.Second; delay < floor {
					delay = floor
				}
			}

			s.logger.Warn("stream attempt failed",
				zap.String("account", account),
				zap.String("reason", reason),
				zap.Duration("retry_in", delay),
				zap.Int("attempt", s.backoff.Attempt()),
				zap.Error(err),
			)

			if !s.wait(ctx, delay) {
				s.transition(ctx, phaseEventStop)
				return ctx.Err()
			}
			s.transition(ctx, phaseEventRetry)
		}
	}
}

// wait sleeps for d, returning false if ctx was cancelled first.
func (s *Supervisor) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := s.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Supervisor) transition(ctx context.Context, event string) {
	if err := s.phases.Event(ctx, event); err != nil {
		// Stop from a terminal state is the only expected no-op.
		s.logger.Debug("phase transition skipped",
			zap.String("event", event),
			zap.String("phase", s.phases.Current()),
			zap.Error(err),
		)
	}
}

func failureReason(err error) string {
	var rateErr *api.RateLimitError
	var srvErr *api.ServerError
	var connErr *ConnectError

	switch {
	case errors.Is(err, api.ErrAuthFailed):
		return "auth"
	case errors.As(err, &rateErr):
		return "rate_limited"
	case errors.As(err, &srvErr):
		return "server_error"
	case errors.Is(err, ErrIdleTimeout):
		return "idle_timeout"
	case errors.As(err, &connErr):
		return "connect_error"
	default:
		return "stream_closed"
	}
}
