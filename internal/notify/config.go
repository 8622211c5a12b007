package notify

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

const defaultServer = "https://ntfy.sh"

var validPriorities = map[string]bool{
	"min": true, "low": true, "default": true, "high": true, "urgent": true,
}

// Config holds the ntfy push settings. Pushes are opt-in and configured
// through NTFY_* environment variables, separate from the daemon config file,
// so an operator can point them at a private topic without touching the
// deployment config.
type Config struct {
	Enabled  bool
	Server   string
	Topic    string // required when enabled
	Priority string // min, low, default, high, urgent
	Tags     string // comma-separated emoji tags
	Token    string // access token for private topics
}

// LoadConfig reads the NTFY_* environment variables.
func LoadConfig() *Config {
	cfg := &Config{
		Server:   os.Getenv("NTFY_SERVER"),
		Topic:    os.Getenv("NTFY_TOPIC"),
		Priority: os.Getenv("NTFY_PRIORITY"),
		Tags:     os.Getenv("NTFY_TAGS"),
		Token:    os.Getenv("NTFY_TOKEN"),
	}
	if v, err := strconv.ParseBool(os.Getenv("NTFY_ENABLED")); err == nil {
		cfg.Enabled = v
	}
	if cfg.Server == "" {
		cfg.Server = defaultServer
	}
	if cfg.Priority == "" {
		cfg.Priority = "default"
	}
	if cfg.Tags == "" {
		cfg.Tags = "truck"
	}
	return cfg
}

// Validate checks the configuration; a disabled config is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Topic == "" {
		return errors.New("NTFY_TOPIC is required when NTFY_ENABLED=true")
	}
	if !validPriorities[c.Priority] {
		return fmt.Errorf("invalid NTFY_PRIORITY: %s (valid: min, low, default, high, urgent)", c.Priority)
	}
	return nil
}
