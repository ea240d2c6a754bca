package core

import (
	"testing"
	"time"
)

func TestParseConfigOverlaysDefaults(t *testing.T) {
	yml := []byte(`
name: "TestAssistant"
heartbeat:
  morning_briefing: "06:30"
  work_interval: 15m
privacy:
  default_on_ambiguity: "PRIVATE"
`)
	cfg, err := ParseConfig(yml)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if cfg.Name != "TestAssistant" {
		t.Errorf("Name = %q, want TestAssistant", cfg.Name)
	}
	if cfg.Heartbeat.MorningBriefing != "06:30" {
		t.Errorf("MorningBriefing = %q, want 06:30", cfg.Heartbeat.MorningBriefing)
	}
	if cfg.Heartbeat.WorkInterval != 15*time.Minute {
		t.Errorf("WorkInterval = %s, want 15m", cfg.Heartbeat.WorkInterval)
	}

	// Untouched values keep their defaults.
	if cfg.Heartbeat.EveningSummary != "18:00" {
		t.Errorf("EveningSummary = %q, want default 18:00", cfg.Heartbeat.EveningSummary)
	}
	if cfg.Storage.Path != "./data/sotto.db" {
		t.Errorf("Storage.Path = %q, want default", cfg.Storage.Path)
	}
	if cfg.Buffer.Capacity != 1000 {
		t.Errorf("Buffer.Capacity = %d, want default 1000", cfg.Buffer.Capacity)
	}
}

func TestParseConfigRejectsInvalidYAML(t *testing.T) {
	if _, err := ParseConfig([]byte("name: [unclosed")); err == nil {
		t.Error("ParseConfig accepted invalid YAML")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("SOTTO_TEST_DB", "/var/lib/sotto.db")
	t.Setenv("SOTTO_TEST_NAME", "FromEnv")

	tests := []struct {
		in   string
		want string
	}{
		{"path: ${SOTTO_TEST_DB}", "path: /var/lib/sotto.db"},
		{"name: $SOTTO_TEST_NAME", "name: FromEnv"},
		{"plain: value", "plain: value"},
		{"unset: ${SOTTO_TEST_MISSING}", "unset: "},
	}

	for _, tt := range tests {
		if got := expandEnvVars(tt.in); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDefaultConfigIsComplete(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if cfg.Privacy.DefaultOnAmbiguity != "PRIVATE" {
		t.Errorf("default classification = %q, want PRIVATE", cfg.Privacy.DefaultOnAmbiguity)
	}
	if cfg.Heartbeat.DurationCeiling != 60*time.Second {
		t.Errorf("duration ceiling = %s, want 60s", cfg.Heartbeat.DurationCeiling)
	}
	if cfg.Heartbeat.Retry.MaxRetries <= 0 {
		t.Error("retry bound must be positive")
	}
	if cfg.Sleep.SleepAt == "" || cfg.Sleep.WakeAt == "" {
		t.Error("sleep window defaults missing")
	}
}
