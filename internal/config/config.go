// Package config holds the relay's runtime tunables: network binding,
// heartbeat cadence, command timeouts, and the request cache and per-instance
// queue knobs described in the wire protocol.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config is the relay's complete set of runtime tunables. Unlike the
// teacher's file-backed ServerConfig, the relay holds no persistent state
// across restarts, so Config carries only in-memory defaults overridable by
// CLI flags.
type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// HeartbeatIntervalMs is the delay between PINGs once the previous one
	// has been answered (single-outstanding-ping discipline).
	HeartbeatIntervalMs int `json:"heartbeat_interval_ms"`
	// HeartbeatTimeoutMs bounds how long the relay waits for a PONG, and
	// separately bounds an idle Editor read before a heartbeat check runs.
	HeartbeatTimeoutMs int `json:"heartbeat_timeout_ms"`
	// ReloadTimeoutMs replaces HeartbeatTimeoutMs while an instance reports
	// RELOADING, since domain reloads routinely pause the Editor's main
	// thread for longer than a healthy heartbeat interval.
	ReloadTimeoutMs int `json:"reload_timeout_ms"`
	// HeartbeatMaxFailures is the number of consecutive missed PONGs before
	// the relay gives up and marks an instance DISCONNECTED.
	HeartbeatMaxFailures int `json:"heartbeat_max_failures"`
	// GraceTimeoutMs bounds how long a RELOADING instance's record survives
	// after it drops its connection, before it is fully unregistered.
	GraceTimeoutMs int `json:"grace_timeout_ms"`

	// CommandTimeoutMs is the default applied to a REQUEST that omits
	// timeout_ms.
	CommandTimeoutMs int `json:"command_timeout_ms"`
	// CacheTTLSeconds is how long a successful outcome is remembered under
	// its request id for idempotent retries.
	CacheTTLSeconds int `json:"cache_ttl_seconds"`

	// QueueEnabled turns on the bounded per-instance FIFO for commands that
	// arrive while an instance is BUSY; disabled, BUSY commands fail fast
	// with INSTANCE_BUSY.
	QueueEnabled bool `json:"queue_enabled"`
	// QueueMaxSize is carried with the other tunables but is not read by
	// the relay: every instance's FIFO is bounded by
	// registry.DefaultQueueMaxSize (10) whatever this field holds.
	QueueMaxSize int `json:"queue_max_size"`

	// InstanceReadyWaitBudgetMs is the total time a REQUEST will wait for
	// its target instance to exist and leave RELOADING/DISCONNECTED before
	// giving up.
	InstanceReadyWaitBudgetMs int `json:"instance_ready_wait_budget_ms"`
	// InstanceReadyPollIntervalMs is the polling granularity within that
	// wait budget.
	InstanceReadyPollIntervalMs int `json:"instance_ready_poll_interval_ms"`
}

// DefaultConfig mirrors the reference relay's module-level constants.
func DefaultConfig() *Config {
	return &Config{
		Host: "127.0.0.1",
		Port: 6500,

		HeartbeatIntervalMs:  5000,
		HeartbeatTimeoutMs:   15000,
		ReloadTimeoutMs:      30000,
		HeartbeatMaxFailures: 3,
		GraceTimeoutMs:       30000,

		CommandTimeoutMs: 30000,
		CacheTTLSeconds:  60,

		QueueEnabled: false,
		QueueMaxSize: 10,

		InstanceReadyWaitBudgetMs:   10000,
		InstanceReadyPollIntervalMs: 250,
	}
}

// HeartbeatInterval is HeartbeatIntervalMs as a time.Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// HeartbeatTimeout is HeartbeatTimeoutMs as a time.Duration.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMs) * time.Millisecond
}

// ReloadTimeout is ReloadTimeoutMs as a time.Duration.
func (c *Config) ReloadTimeout() time.Duration {
	return time.Duration(c.ReloadTimeoutMs) * time.Millisecond
}

// CacheTTL is CacheTTLSeconds as a time.Duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// DefaultLogDir returns the directory the relay's rotating log file lives
// in, following the same per-OS convention as the teacher's
// internal/config.LogDir: a dedicated directory under Library/Logs on
// macOS, XDG_STATE_HOME (or its fallback) everywhere else. Unlike the
// teacher's config directory, this is the only filesystem path the relay
// resolves on its own — there is no config file to locate alongside it.
func DefaultLogDir() (string, error) {
	if runtime.GOOS == "darwin" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("log dir: %w", err)
		}
		return filepath.Join(home, "Library", "Logs", "relay"), nil
	}

	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "relay", "logs"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("log dir: %w", err)
	}
	return filepath.Join(home, ".local", "state", "relay", "logs"), nil
}
