package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client is the REST surface used by the daemon: catalog lookups and the
// device command side channel.
type Client interface {
	GetAccounts(ctx context.Context) ([]Account, error)
	GetVehicles(ctx context.Context, accountID uuid.UUID, activeOnly bool) ([]Vehicle, error)
	GetSensors(ctx context.Context, accountID uuid.UUID) ([]Sensor, error)
	GetDrivers(ctx context.Context, accountID uuid.UUID) ([]Driver, error)
	GetVehicleActions(ctx context.Context, vehicleID uuid.UUID) ([]VehicleAction, error)
	CreateDeviceCommand(ctx context.Context, vehicleID, actionID uuid.UUID) (DeviceCommand, error)
	GetDeviceCommand(ctx context.Context, commandID uuid.UUID) (DeviceCommand, error)
}

type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	version    string
	userAgent  string
	limiter    *rate.Limiter
	retryCount int
	retryDelay time.Duration
	logger     *zap.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewClient(baseURL, token, version, userAgent string, ratePerSec int, timeout, retryDelay time.Duration, retryCount int, logger *zap.Logger) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:       100,
		MaxConnsPerHost:    10,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: false,
	}

	return &HTTPClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		version:    version,
		userAgent:  userAgent,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2),
		retryCount: retryCount,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

func (c *HTTPClient) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Token "+c.token)
	h.Set("Accept", "application/json; version="+c.version)
	h.Set("User-Agent", c.userAgent)
	return h
}

func (c *HTTPClient) GetAccounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	err := c.getPaginated(ctx, c.baseURL+"/accounts/", &accounts)
	return accounts, err
}

func (c *HTTPClient) GetVehicles(ctx context.Context, accountID uuid.UUID, activeOnly bool) ([]Vehicle, error) {
	params := url.Values{}
	if accountID != uuid.Nil {
		params.Set("account", accountID.String())
	}
	if activeOnly {
		params.Set("active", "true")
	}

	u := c.baseURL + "/vehicles/"
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var vehicles []Vehicle
	err := c.getPaginated(ctx, u, &vehicles)
	return vehicles, err
}

func (c *HTTPClient) GetSensors(ctx context.Context, accountID uuid.UUID) ([]Sensor, error) {
	u := c.baseURL + "/sensors/"
	if accountID != uuid.Nil {
		u += "?account=" + accountID.String()
	}

	var sensors []Sensor
	err := c.getPaginated(ctx, u, &sensors)
	return sensors, err
}

func (c *HTTPClient) GetDrivers(ctx context.Context, accountID uuid.UUID) ([]Driver, error) {
	u := c.baseURL + "/drivers/"
	if accountID != uuid.Nil {
		u += "?account=" + accountID.String()
	}

	var drivers []Driver
	err := c.getPaginated(ctx, u, &drivers)
	return drivers, err
}

func (c *HTTPClient) GetVehicleActions(ctx context.Context, vehicleID uuid.UUID) ([]VehicleAction, error) {
	u := c.baseURL + "/vehicle_actions/"
	if vehicleID != uuid.Nil {
		u += "?vehicle=" + vehicleID.String()
	}

	var actions []VehicleAction
	err := c.getPaginated(ctx, u, &actions)
	return actions, err
}

func (c *HTTPClient) CreateDeviceCommand(ctx context.Context, vehicleID, actionID uuid.UUID) (DeviceCommand, error) {
	payload, err := json.Marshal(map[string]string{
		"vehicle": vehicleID.String(),
		"action":  actionID.String(),
	})
	if err != nil {
		return DeviceCommand{}, fmt.Errorf("encoding command payload: %w", err)
	}

	body, _, err := c.do(ctx, http.MethodPost, c.baseURL+"/device_commands/", payload)
	if err != nil {
		return DeviceCommand{}, err
	}

	var cmd DeviceCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		return DeviceCommand{}, fmt.Errorf("decoding command: %w", err)
	}
	return cmd, nil
}

func (c *HTTPClient) GetDeviceCommand(ctx context.Context, commandID uuid.UUID) (DeviceCommand, error) {
	body, _, err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/device_commands/%s/", c.baseURL, commandID), nil)
	if err != nil {
		return DeviceCommand{}, err
	}

	var cmd DeviceCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		return DeviceCommand{}, fmt.Errorf("decoding command: %w", err)
	}
	return cmd, nil
}

// getPaginated fetches every page of a list endpoint, following the Link
// header's rel="next" URL.
func (c *HTTPClient) getPaginated(ctx context.Context, startURL string, out any) error {
	var raw []json.RawMessage
	next := startURL

	for next != "" {
		body, header, err := c.do(ctx, http.MethodGet, next, nil)
		if err != nil {
			return err
		}

		var page []json.RawMessage
		if err := json.Unmarshal(body, &page); err != nil {
			return fmt.Errorf("decoding page: %w", err)
		}
		raw = append(raw, page...)

		next = nextPageURL(header.Get("Link"))
	}

	merged, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("merging pages: %w", err)
	}
	return json.Unmarshal(merged, out)
}

var linkURLPattern = regexp.MustCompile(`<([^>]+)>`)

// nextPageURL parses a Link header of the form `<url>; rel="next"`.
func nextPageURL(linkHeader string) string {
	for _, link := range strings.Split(linkHeader, ",") {
		if !strings.Contains(link, `rel="next"`) {
			continue
		}
		if match := linkURLPattern.FindStringSubmatch(link); match != nil {
			return match[1]
		}
	}
	return ""
}

// do runs one request with the shared retry loop. Auth failures and 404s are
// returned immediately; rate limits and 5xx are retried up to retryCount
// times with exponential delay.
func (c *HTTPClient) do(ctx context.Context, method, u string, payload []byte) ([]byte, http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("rate limiter: %w", err)
	}

	c.logger.Debug("requesting", zap.String("method", method), zap.String("url", u))

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1))
			c.logger.Debug("retrying request", zap.Int("attempt", attempt), zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = strings.NewReader(string(payload))
		}

		req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
		if err != nil {
			return nil, nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header = c.headers()
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if readErr != nil {
			lastErr = readErr
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, nil, ErrAuthFailed

		case resp.StatusCode == http.StatusNotFound:
			return nil, nil, ErrNotFound

		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = &RateLimitError{RetryAfter: retryAfterSeconds(resp.Header)}
			continue

		case resp.StatusCode >= 500:
			lastErr = &ServerError{Status: resp.StatusCode}
			continue

		case resp.StatusCode >= 300:
			return nil, nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
		}

		return body, resp.Header, nil
	}

	return nil, nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// retryAfterSeconds reads the Retry-After header, defaulting to 60.
func retryAfterSeconds(h http.Header) int {
	if v := h.Get("Retry-After"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 60
}
