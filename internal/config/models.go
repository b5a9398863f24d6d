package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/bryanchriswhite/FocusDucker/internal/logger"
)

// Config represents the application configuration
type Config struct {
	// BackgroundVolumeFactor scales every non-foreground session's baseline
	BackgroundVolumeFactor float64 `json:"background_volume_factor" yaml:"background_volume_factor" mapstructure:"background_volume_factor"`
	// ExcludedIdentifiers are process or display names that are never ducked
	ExcludedIdentifiers []string `json:"excluded_identifiers" yaml:"excluded_identifiers" mapstructure:"excluded_identifiers"`
	// RestoreOnExit puts every session back at its baseline when the daemon stops
	RestoreOnExit bool `json:"restore_on_exit" yaml:"restore_on_exit" mapstructure:"restore_on_exit"`

	ServerPort int    `json:"server_port" yaml:"server_port" mapstructure:"server_port"` // 0 disables the status API
	LogLevel   string `json:"log_level" yaml:"log_level" mapstructure:"log_level"`

	Foreground ForegroundConfig `json:"foreground" yaml:"foreground" mapstructure:"foreground"`
	Audio      AudioConfig      `json:"audio" yaml:"audio" mapstructure:"audio"`
}

// ForegroundConfig tunes foreground detection
type ForegroundConfig struct {
	Backend             string `json:"backend" yaml:"backend" mapstructure:"backend"`
	DebounceMS          int    `json:"debounce_ms" yaml:"debounce_ms" mapstructure:"debounce_ms"`
	PollIntervalMS      int    `json:"poll_interval_ms" yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	PollErrorIntervalMS int    `json:"poll_error_interval_ms" yaml:"poll_error_interval_ms" mapstructure:"poll_error_interval_ms"`
}

// AudioConfig tunes the audio session provider
type AudioConfig struct {
	CreatedDelayMS   int `json:"created_delay_ms" yaml:"created_delay_ms" mapstructure:"created_delay_ms"`
	CommandTimeoutMS int `json:"command_timeout_ms" yaml:"command_timeout_ms" mapstructure:"command_timeout_ms"`
}

// Debounce returns the debounce window for change notifications
func (f ForegroundConfig) Debounce() time.Duration {
	return time.Duration(f.DebounceMS) * time.Millisecond
}

// PollInterval returns the polling cadence
func (f ForegroundConfig) PollInterval() time.Duration {
	return time.Duration(f.PollIntervalMS) * time.Millisecond
}

// PollErrorInterval returns the polling cadence after a failed read
func (f ForegroundConfig) PollErrorInterval() time.Duration {
	return time.Duration(f.PollErrorIntervalMS) * time.Millisecond
}

// CreatedDelay returns how long session creation events are deferred
func (a AudioConfig) CreatedDelay() time.Duration {
	return time.Duration(a.CreatedDelayMS) * time.Millisecond
}

// CommandTimeout bounds each request to the sound server
func (a AudioConfig) CommandTimeout() time.Duration {
	return time.Duration(a.CommandTimeoutMS) * time.Millisecond
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		BackgroundVolumeFactor: 0.5,
		ExcludedIdentifiers:    []string{},
		RestoreOnExit:          true,
		ServerPort:             0,
		LogLevel:               "info",
		Foreground: ForegroundConfig{
			Backend:             "auto",
			DebounceMS:          50,
			PollIntervalMS:      100,
			PollErrorIntervalMS: 1000,
		},
		Audio: AudioConfig{
			CreatedDelayMS:   100,
			CommandTimeoutMS: 2000,
		},
	}
}

var validBackends = map[string]bool{"auto": true, "x11": true, "kwin": true}

// Validate reports the first setting that is out of range
func (c *Config) Validate() error {
	if c.BackgroundVolumeFactor < 0 || c.BackgroundVolumeFactor > 1 {
		return fmt.Errorf("background_volume_factor must be between 0 and 1, got %v", c.BackgroundVolumeFactor)
	}
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server_port: %d", c.ServerPort)
	}
	if !logger.ValidLevel(c.LogLevel) {
		return fmt.Errorf("invalid log_level: %s (use: debug, info, warn, error)", c.LogLevel)
	}
	if !validBackends[strings.ToLower(c.Foreground.Backend)] {
		return fmt.Errorf("invalid foreground.backend: %s (use: auto, x11, kwin)", c.Foreground.Backend)
	}
	if c.Foreground.DebounceMS < 0 || c.Foreground.PollIntervalMS < 0 || c.Foreground.PollErrorIntervalMS < 0 {
		return fmt.Errorf("foreground timings must not be negative")
	}
	if c.Audio.CreatedDelayMS < 0 || c.Audio.CommandTimeoutMS < 0 {
		return fmt.Errorf("audio timings must not be negative")
	}
	return nil
}

// clone returns a deep copy
func (c *Config) clone() *Config {
	cp := *c
	cp.ExcludedIdentifiers = append([]string{}, c.ExcludedIdentifiers...)
	return &cp
}
