package notify

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds ntfy notification configuration.
type Config struct {
	Enabled  bool     // Whether notifications are enabled
	Server   string   // ntfy server URL (default: https://ntfy.sh)
	Topic    string   // Topic name (required if enabled)
	Priority string   // Message priority: min, low, default, high, urgent
	Tags     string   // Comma-separated emoji tags (e.g., "speech_balloon")
	Token    string   // Optional access token for private topics
	Channels []string // Channel ids forwarded; empty forwards every channel
	// AlertEvery limits connection-lost alerts to one per interval.
	AlertEvery time.Duration
}

// LoadConfig loads notification config from environment variables.
func LoadConfig() (*Config, error) {
	alertEvery, err := time.ParseDuration(getEnvOrDefault("CHATSYNC_NTFY_ALERT_EVERY", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid CHATSYNC_NTFY_ALERT_EVERY: %w", err)
	}

	cfg := &Config{
		Enabled:    getEnvBoolOrDefault("CHATSYNC_NTFY_ENABLED", false),
		Server:     getEnvOrDefault("CHATSYNC_NTFY_SERVER", "https://ntfy.sh"),
		Topic:      os.Getenv("CHATSYNC_NTFY_TOPIC"),
		Priority:   getEnvOrDefault("CHATSYNC_NTFY_PRIORITY", "default"),
		Tags:       getEnvOrDefault("CHATSYNC_NTFY_TAGS", "speech_balloon"),
		Token:      os.Getenv("CHATSYNC_NTFY_TOKEN"),
		AlertEvery: alertEvery,
	}
	if v := os.Getenv("CHATSYNC_NTFY_CHANNELS"); v != "" {
		for _, cid := range strings.Split(v, ",") {
			if cid = strings.TrimSpace(cid); cid != "" {
				cfg.Channels = append(cfg.Channels, cid)
			}
		}
	}
	return cfg, nil
}

// Validate checks configuration is valid when enabled.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Topic == "" {
		return errors.New("CHATSYNC_NTFY_TOPIC is required when CHATSYNC_NTFY_ENABLED=true")
	}

	validPriorities := map[string]bool{
		"min": true, "low": true, "default": true, "high": true, "urgent": true,
	}
	if !validPriorities[c.Priority] {
		return fmt.Errorf("invalid CHATSYNC_NTFY_PRIORITY: %s (valid: min, low, default, high, urgent)", c.Priority)
	}
	if c.AlertEvery <= 0 {
		return fmt.Errorf("invalid CHATSYNC_NTFY_ALERT_EVERY: %s (must be positive)", c.AlertEvery)
	}

	return nil
}

// Watches reports whether messages in cid are forwarded.
func (c *Config) Watches(cid string) bool {
	if len(c.Channels) == 0 {
		return true
	}
	for _, w := range c.Channels {
		if w == cid {
			return true
		}
	}
	return false
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
