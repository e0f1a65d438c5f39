package config

import (
	"fmt"
	"net/url"
	"strings"
)

// FieldError is one invalid setting.
type FieldError struct {
	Key     string
	Message string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Fields []FieldError
}

func (e *ValidationErrors) add(key, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Key: key, Message: fmt.Sprintf(format, args...)})
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Fields) > 0
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, f := range e.Fields {
		sb.WriteString(fmt.Sprintf("  - %s: %s\n", f.Key, f.Message))
	}
	return sb.String()
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if c.User.ID == "" {
		errs.add("user.id", "is required (set CHATSYNC_USER_ID env var)")
	}
	if c.API.APIKey == "" {
		errs.add("api.api_key", "is required (set CHATSYNC_API_KEY env var)")
	}
	if c.API.RatePerSecond < 1 {
		errs.add("api.rate_per_second", "must be >= 1")
	}
	if c.API.RetryCount < 0 {
		errs.add("api.retry_count", "must be >= 0")
	}

	if u, err := url.Parse(c.Connection.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs.add("connection.url", "must be a ws:// or wss:// URL, got %q", c.Connection.URL)
	}
	if c.Connection.PingInterval <= 0 {
		errs.add("connection.ping_interval", "must be positive")
	}
	if c.Connection.PongTimeout <= 0 {
		errs.add("connection.pong_timeout", "must be positive")
	}
	if c.Connection.BaseDelay <= 0 || c.Connection.MaxDelay < c.Connection.BaseDelay {
		errs.add("connection.max_delay", "must be >= base_delay and both positive")
	}

	if c.Events.MaxBatchSize < 1 {
		errs.add("events.max_batch_size", "must be >= 1")
	}
	if c.Events.MaxBatchAge <= 0 {
		errs.add("events.max_batch_age", "must be positive")
	}

	if !ValidStoreDrivers[c.Store.Driver] {
		errs.add("store.driver", "must be memory or sqlite, got %q", c.Store.Driver)
	}
	if c.Store.Driver == StoreSQLite && c.Store.Path == "" {
		errs.add("store.path", "is required for the sqlite driver")
	}

	if !ValidLogLevels[c.Logging.Level] {
		errs.add("logging.level", "must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
