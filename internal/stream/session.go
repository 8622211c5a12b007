package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/navirec/fleet-streamer/internal/api"
	"github.com/navirec/fleet-streamer/internal/metrics"
)

const (
	// DefaultHeartbeatInterval is the server's heartbeat cadence.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultReadIdleTimeout must stay strictly above the heartbeat
	// interval so a healthy-but-quiet stream is not torn down.
	DefaultReadIdleTimeout = 35 * time.Second

	// Maximum accepted frame size.
	maxLineSize = 1024 * 1024
)

var (
	// ErrIdleTimeout means no bytes arrived within the read-idle window.
	ErrIdleTimeout = errors.New("stream read idle timeout")

	// ErrStreamClosed means the remote closed the connection without a
	// disconnected frame.
	ErrStreamClosed = errors.New("stream closed without disconnect frame")
)

// ConnectError wraps DNS/TLS/transport-level failures at open time.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("stream connect: %v", e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// SessionConfig describes one connection attempt.
type SessionConfig struct {
	BaseURL   string
	Token     string
	Version   string
	UserAgent string

	Kind      EntityKind
	AccountID uuid.UUID

	// ResumeAfter is the durable watermark; zero means first-ever connect
	// and the updated_at__gt parameter is omitted.
	ResumeAfter time.Time

	ReadIdleTimeout time.Duration

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Session owns one physical connection attempt: it opens the stream, drives
// the frame parser, and hands decoded events to a sink.
type Session struct {
	cfg  SessionConfig
	resp *http.Response

	// set when the idle watchdog closed the body, to tell an idle trip
	// apart from a remote close
	idleTripped atomic.Bool
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.ReadIdleTimeout <= 0 {
		cfg.ReadIdleTimeout = DefaultReadIdleTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:      10,
				IdleConnTimeout:   90 * time.Second,
				DisableKeepAlives: false,
			},
			// No overall timeout: the stream is long-lived. Liveness is
			// enforced by the read-idle watchdog.
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Session{cfg: cfg}
}

// URL builds the stream request URL, attaching the resume cursor only when
// one exists.
func (s *Session) URL() string {
	u := fmt.Sprintf("%s/streams/%s_states/?account=%s",
		s.cfg.BaseURL, s.cfg.Kind, s.cfg.AccountID)
	if !s.cfg.ResumeAfter.IsZero() {
		u += "&updated_at__gt=" + url.QueryEscape(s.cfg.ResumeAfter.Format(time.RFC3339Nano))
	}
	return u
}

// Open connects to the stream endpoint. Failures are typed so the supervisor
// can pick a retry policy.
func (s *Session) Open(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL(), nil)
	if err != nil {
		return &ConnectError{Err: err}
	}

	req.Header.Set("Authorization", "Token "+s.cfg.Token)
	req.Header.Set("Accept", "application/x-ndjson; version="+s.cfg.Version)
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return &ConnectError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		drainAndClose(resp)
		return api.ErrAuthFailed

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 60
		if v := resp.Header.Get("Retry-After"); v != "" {
			if n, parseErr := parsePositiveInt(v); parseErr == nil {
				retryAfter = n
			}
		}
		drainAndClose(resp)
		return &api.RateLimitError{RetryAfter: retryAfter}

	case resp.StatusCode >= 500:
		status := resp.StatusCode
		drainAndClose(resp)
		return &api.ServerError{Status: status}

	case resp.StatusCode != http.StatusOK:
		status := resp.StatusCode
		drainAndClose(resp)
		return &ConnectError{Err: fmt.Errorf("unexpected status %d", status)}
	}

	s.resp = resp
	s.cfg.Logger.Info("stream connected",
		zap.String("kind", string(s.cfg.Kind)),
		zap.String("account", s.cfg.AccountID.String()),
		zap.Bool("resumed", !s.cfg.ResumeAfter.IsZero()),
	)
	return nil
}

// Events reads frames until the stream ends, calling sink for each decoded
// event. It returns nil only on a clean server-initiated disconnect; every
// other termination is an error the supervisor maps to a backoff policy.
// Malformed lines are logged and skipped.
func (s *Session) Events(ctx context.Context, sink func(Event)) error {
	if s.resp == nil {
		return errors.New("stream not open")
	}
	defer s.Close()

	body := io.Reader(s.resp.Body)
	if s.resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(s.resp.Body)
		if err != nil {
			return &ConnectError{Err: fmt.Errorf("gzip reader: %w", err)}
		}
		defer gz.Close()
		body = gz
	}

	// Watchdog: no bytes for ReadIdleTimeout closes the body so the
	// blocked read observes an error instead of hanging forever.
	watchdog := time.AfterFunc(s.cfg.ReadIdleTimeout, func() {
		s.idleTripped.Store(true)
		s.resp.Body.Close()
	})
	defer watchdog.Stop()

	// Cancellation also unblocks the read loop through a body close.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.resp.Body.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		watchdog.Reset(s.cfg.ReadIdleTimeout)

		event, err := ParseFrame(scanner.Bytes())
		if err != nil {
			metrics.MalformedFramesTotal.Inc()
			s.cfg.Logger.Warn("skipping malformed frame",
				zap.String("account", s.cfg.AccountID.String()),
				zap.Error(err),
			)
			continue
		}
		if event == nil {
			continue
		}

		if _, clean := event.(DisconnectedEvent); clean {
			sink(event)
			s.cfg.Logger.Info("server requested disconnect",
				zap.String("account", s.cfg.AccountID.String()))
			return nil
		}

		sink(event)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.idleTripped.Load() {
		return ErrIdleTimeout
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}
	return ErrStreamClosed
}

// Close tears down the connection. Safe to call more than once.
func (s *Session) Close() {
	if s.resp != nil {
		s.resp.Body.Close()
	}
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

func parsePositiveInt(v string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("non-positive value %q", v)
	}
	return n, nil
}
