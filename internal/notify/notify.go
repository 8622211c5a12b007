// Package notify pushes one ntfy notification per terminal command result.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/navirec/fleet-streamer/internal/api"
	"github.com/navirec/fleet-streamer/internal/command"
)

// Client implements command.Notifier over the ntfy push service.
type Client struct {
	httpClient *http.Client
	config     *Config
	logger     *zap.Logger
}

var _ command.Notifier = (*Client)(nil)

// NewClient creates a new ntfy client.
func NewClient(cfg *Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		config: cfg,
		logger: logger,
	}
}

// CommandResult sends one push for a terminal command outcome. Failures are
// logged; a lost notification never affects command tracking.
func (c *Client) CommandResult(ctx context.Context, res command.Result) {
	title := FormatResultTitle(res)
	message := FormatResultMessage(res)

	tags := c.config.Tags
	priority := c.config.Priority
	switch res.State {
	case api.CommandStateAcknowledged:
		tags += ",white_check_mark"
	default:
		tags += ",x"
		priority = "high"
	}

	if err := c.send(ctx, title, message, tags, priority); err != nil {
		c.logger.Warn("command result notification failed",
			zap.String("command", res.Handle.CommandID.String()),
			zap.Error(err),
		)
	}
}

func (c *Client) send(ctx context.Context, title, message, tags, priority string) error {
	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.config.Server, "/"), c.config.Topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)

	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain response body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification failed with status: %d", resp.StatusCode)
	}

	c.logger.Debug("notification sent", zap.String("title", title))
	return nil
}

// NoopNotifier is used when notifications are disabled.
type NoopNotifier struct{}

// CommandResult is a no-op.
func (NoopNotifier) CommandResult(_ context.Context, _ command.Result) {}

// New creates the appropriate notifier based on config.
func New(cfg *Config, logger *zap.Logger) command.Notifier {
	if !cfg.Enabled {
		return NoopNotifier{}
	}
	return NewClient(cfg, logger)
}
