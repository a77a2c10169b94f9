package config

import (
	"fmt"
	"strings"
	"time"
)

// DefaultWaitTimeout bounds the wait on the device completion signal. The
// wait used to be effectively infinite, which turned a device hang into a
// harness hang; a bounded wait turns it into an explicit TimedOut verdict.
const DefaultWaitTimeout = 60 * time.Second

type Config struct {
	// Device holds OCCA device properties JSON. Empty means probe the
	// default backends.
	Device string

	// WaitTimeout bounds the wait for device completion per iteration.
	WaitTimeout time.Duration

	LogLevel  string
	LogFormat string

	// MetricsAddr is the listen address for the Prometheus endpoint.
	// Empty disables the endpoint.
	MetricsAddr string
}

func Default() Config {
	return Config{
		WaitTimeout: DefaultWaitTimeout,
		LogLevel:    "info",
		LogFormat:   "console",
	}
}

func (c *Config) Validate() error {
	if c.WaitTimeout <= 0 {
		return fmt.Errorf("invalid wait_timeout: %v (must be positive)", c.WaitTimeout)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %q", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %q", c.LogFormat)
	}
	return nil
}
