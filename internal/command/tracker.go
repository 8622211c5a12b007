// Package command polls the device command side channel until each command
// reaches a terminal state or expires.
package command

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/navirec/fleet-streamer/internal/api"
	"github.com/navirec/fleet-streamer/internal/metrics"
)

const (
	// DefaultInitialDelay is the wait before the first status poll.
	DefaultInitialDelay = 2 * time.Second

	// DefaultBackoffFactor grows the delay between polls.
	DefaultBackoffFactor = 1.5

	// DefaultMaxDelay caps the delay between polls.
	DefaultMaxDelay = 900 * time.Second

	// DefaultExpiry bounds how long a command without a server-side
	// expires_at is polled before being declared expired locally.
	DefaultExpiry = time.Hour
)

// Handle identifies a created command the tracker owns until completion.
type Handle struct {
	CommandID uuid.UUID
	VehicleID uuid.UUID
	ActionID  uuid.UUID

	// Display names carried through to the result notification.
	VehicleName string
	ActionName  string

	CreatedAt time.Time
	ExpiresAt time.Time // zero means CreatedAt + DefaultExpiry
}

// Result is the single terminal notification emitted per command.
type Result struct {
	Handle   Handle
	State    string // acknowledged, failed, expired
	Message  string
	Response string
	Errors   string
}

// StatusFetcher is the side-channel capability the tracker polls.
type StatusFetcher interface {
	GetDeviceCommand(ctx context.Context, commandID uuid.UUID) (api.DeviceCommand, error)
}

// Notifier receives exactly one Result per tracked command. A cancelled
// tracker emits nothing.
type Notifier interface {
	CommandResult(ctx context.Context, res Result)
}

// Config tunes the poll schedule.
type Config struct {
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	DefaultExpiry time.Duration
}

func (c *Config) applyDefaults() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = DefaultBackoffFactor
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.DefaultExpiry <= 0 {
		c.DefaultExpiry = DefaultExpiry
	}
}

// Tracker runs one lightweight polling goroutine per in-flight command.
// Commands are independent: no ordering exists between their notifications.
type Tracker struct {
	cfg      Config
	fetcher  StatusFetcher
	notifier Notifier
	clock    clock.Clock
	logger   *zap.Logger

	wg sync.WaitGroup
}

func NewTracker(cfg Config, fetcher StatusFetcher, notifier Notifier, clk clock.Clock, logger *zap.Logger) *Tracker {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		cfg:      cfg,
		fetcher:  fetcher,
		notifier: notifier,
		clock:    clk,
		logger:   logger,
	}
}

// Track starts polling for the given command handle.
func (t *Tracker) Track(ctx context.Context, h Handle) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.poll(ctx, h)
	}()
}

// Wait blocks until all in-flight polls have finished.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) poll(ctx context.Context, h Handle) {
	expiresAt := h.ExpiresAt
	if expiresAt.IsZero() {
		createdAt := h.CreatedAt
		if createdAt.IsZero() {
			createdAt = t.clock.Now()
		}
		expiresAt = createdAt.Add(t.cfg.DefaultExpiry)
	}

	delay := t.cfg.InitialDelay

	for {
		// Expiry is checked before each wait so an already-dead command
		// does not sleep first.
		if !t.clock.Now().Before(expiresAt) {
			t.logger.Warn("command expired before terminal state",
				zap.String("command", h.CommandID.String()))
			t.finish(ctx, Result{Handle: h, State: api.CommandStateExpired})
			return
		}

		if !t.sleep(ctx, delay) {
			// Cancelled trackers stop silently: no terminal notification.
			return
		}

		metrics.CommandPollsTotal.Inc()
		cmd, err := t.fetcher.GetDeviceCommand(ctx, h.CommandID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Transient fetch failure carries no new information; the
			// schedule advances as if the poll had returned pending.
			t.logger.Warn("command poll failed",
				zap.String("command", h.CommandID.String()),
				zap.Error(err),
			)
			delay = t.nextDelay(delay)
			continue
		}

		if cmd.Terminal() {
			t.logger.Info("command reached terminal state",
				zap.String("command", h.CommandID.String()),
				zap.String("state", cmd.State),
			)
			t.finish(ctx, Result{
				Handle:   h,
				State:    cmd.State,
				Message:  cmd.Message,
				Response: cmd.Response,
				Errors:   cmd.Errors,
			})
			return
		}

		delay = t.nextDelay(delay)
	}
}

func (t *Tracker) nextDelay(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * t.cfg.BackoffFactor)
	if next > t.cfg.MaxDelay {
		next = t.cfg.MaxDelay
	}
	return next
}

func (t *Tracker) finish(ctx context.Context, res Result) {
	if ctx.Err() != nil {
		return
	}
	metrics.CommandResultsTotal.WithLabelValues(res.State).Inc()
	if t.notifier != nil {
		t.notifier.CommandResult(ctx, res)
	}
}

// sleep waits for d, returning false when ctx is cancelled first.
func (t *Tracker) sleep(ctx context.Context, d time.Duration) bool {
	timer := t.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
