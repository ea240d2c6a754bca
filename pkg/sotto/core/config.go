// Package core wires the orchestration components together: it routes
// inbound events to per-device workers, owns the flush-on-reconnect
// sequencing, and exposes the configuration surface.
package core

import (
	"github.com/sottolabs/sotto/pkg/sotto/buffer"
	"github.com/sottolabs/sotto/pkg/sotto/delivery"
	"github.com/sottolabs/sotto/pkg/sotto/devicemode"
	"github.com/sottolabs/sotto/pkg/sotto/heartbeat"
	"github.com/sottolabs/sotto/pkg/sotto/privacy"
	"github.com/sottolabs/sotto/pkg/sotto/tasks"
)

// Config holds all orchestration configuration.
type Config struct {
	// Name is the assistant name used in spoken notices.
	Name string `yaml:"name"`

	// Timezone is the user's timezone (e.g. "Europe/Amsterdam").
	Timezone string `yaml:"timezone"`

	// Storage configures the SQLite storage collaborator.
	Storage StorageConfig `yaml:"storage"`

	// Privacy configures the classification gate.
	Privacy privacy.Config `yaml:"privacy"`

	// Devices configures the device registry.
	Devices devicemode.Config `yaml:"devices"`

	// Tasks configures the task lifecycle policies.
	Tasks tasks.Config `yaml:"tasks"`

	// Heartbeat configures cadences and delivery bounds.
	Heartbeat heartbeat.Config `yaml:"heartbeat"`

	// Buffer configures the offline buffer.
	Buffer buffer.Config `yaml:"buffer"`

	// Sleep configures the scheduled sleep/wake transitions.
	Sleep SleepConfig `yaml:"sleep"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig configures the storage collaborator.
type StorageConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path"`
}

// SleepConfig holds the scheduled sleep window. Empty values disable the
// scheduled transitions; voice commands always work.
type SleepConfig struct {
	// SleepAt is the scheduled-sleep-time clock ("23:00").
	SleepAt string `yaml:"sleep_at"`

	// WakeAt is the scheduled-wake-time clock ("07:00").
	WakeAt string `yaml:"wake_at"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// DefaultConfig returns a fully-populated default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:     "Sotto",
		Timezone: "UTC",
		Storage:  StorageConfig{Path: "./data/sotto.db"},
		Privacy:  privacy.DefaultConfig(),
		Devices:  devicemode.DefaultConfig(),
		Tasks:    tasks.DefaultConfig(),
		Heartbeat: func() heartbeat.Config {
			c := heartbeat.DefaultConfig()
			c.Retry = delivery.DefaultRetryConfig()
			return c
		}(),
		Buffer: buffer.DefaultConfig(),
		Sleep:  SleepConfig{SleepAt: "23:00", WakeAt: "07:00"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
