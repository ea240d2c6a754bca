package devicemode

import (
	"testing"
)

var allModes = []Mode{FullyActive, InputOnly, Quiet, SleepMonitor}

var allEvents = []Event{
	EventOutputUnavailable,
	EventOutputAvailable,
	EventQuietCommand,
	EventWakeCommand,
	EventSleepCommand,
	EventScheduledSleep,
	EventScheduledWake,
}

// machineIn builds a machine in a given mode with the output flag set.
func machineIn(mode Mode, outputAvailable bool) *Machine {
	m := NewMachine()
	m.mode = mode
	m.outputAvailable = outputAvailable
	return m
}

func TestApplyIsTotal(t *testing.T) {
	t.Parallel()

	// Every (mode, event) pair must produce a valid mode, never panic.
	for _, mode := range allModes {
		for _, ev := range allEvents {
			m := machineIn(mode, true)
			tr := m.Apply(ev)

			valid := false
			for _, candidate := range allModes {
				if tr.To == candidate {
					valid = true
				}
			}
			if !valid {
				t.Errorf("Apply(%s) from %s produced invalid mode %q", ev, mode, tr.To)
			}
			if tr.From != mode {
				t.Errorf("Apply(%s) from %s reported From=%s", ev, mode, tr.From)
			}
			if tr.Changed != (tr.From != tr.To) {
				t.Errorf("Apply(%s) from %s: Changed=%v but From=%s To=%s",
					ev, mode, tr.Changed, tr.From, tr.To)
			}
		}
	}
}

func TestFullyActiveReachableFromEveryMode(t *testing.T) {
	t.Parallel()

	// From any mode there must be an event sequence back to FullyActive.
	recover := map[Mode][]Event{
		FullyActive:  {},
		InputOnly:    {EventOutputAvailable},
		Quiet:        {EventWakeCommand},
		SleepMonitor: {EventWakeCommand},
	}

	for mode, seq := range recover {
		m := machineIn(mode, true)
		for _, ev := range seq {
			m.Apply(ev)
		}
		if m.Mode() != FullyActive {
			t.Errorf("mode %s: sequence %v ended in %s, want fully_active", mode, seq, m.Mode())
		}
	}
}

func TestTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		from   Mode
		output bool
		event  Event
		want   Mode
	}{
		{"connectivity loss degrades", FullyActive, true, EventOutputUnavailable, InputOnly},
		{"reconnect restores", InputOnly, false, EventOutputAvailable, FullyActive},
		{"quiet from active", FullyActive, true, EventQuietCommand, Quiet},
		{"quiet from input-only", InputOnly, false, EventQuietCommand, Quiet},
		{"quiet from sleep", SleepMonitor, true, EventQuietCommand, Quiet},
		{"wake from quiet", Quiet, true, EventWakeCommand, FullyActive},
		{"output available exits quiet", Quiet, false, EventOutputAvailable, FullyActive},
		{"sleep command from active", FullyActive, true, EventSleepCommand, SleepMonitor},
		{"scheduled sleep from quiet", Quiet, true, EventScheduledSleep, SleepMonitor},
		{"wake from sleep", SleepMonitor, true, EventWakeCommand, FullyActive},
		{"scheduled wake from sleep", SleepMonitor, true, EventScheduledWake, FullyActive},
		{"scheduled wake ignored outside sleep", Quiet, true, EventScheduledWake, Quiet},
		{"wake ignored in input-only", InputOnly, false, EventWakeCommand, InputOnly},
		{"connectivity loss ignored in quiet", Quiet, false, EventOutputUnavailable, Quiet},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := machineIn(tt.from, tt.output)
			tr := m.Apply(tt.event)
			if tr.To != tt.want {
				t.Errorf("Apply(%s) from %s = %s, want %s", tt.event, tt.from, tr.To, tt.want)
			}
		})
	}
}

func TestFlushAndSuppressSignals(t *testing.T) {
	t.Parallel()

	// Reconnect from InputOnly must demand a queue flush.
	m := machineIn(InputOnly, false)
	tr := m.Apply(EventOutputAvailable)
	if !tr.Flush {
		t.Error("reconnect from input_only: want Flush=true")
	}
	if tr.Suppress {
		t.Error("reconnect from input_only: want Suppress=false")
	}

	// Quiet while deliverable must demand suppression of in-flight cycles.
	m = machineIn(FullyActive, true)
	tr = m.Apply(EventQuietCommand)
	if !tr.Suppress {
		t.Error("quiet from deliverable fully_active: want Suppress=true")
	}
	if tr.Flush {
		t.Error("quiet from deliverable fully_active: want Flush=false")
	}

	// Quiet while already non-deliverable is not a new suppression.
	m = machineIn(InputOnly, false)
	tr = m.Apply(EventQuietCommand)
	if tr.Suppress {
		t.Error("quiet from non-deliverable input_only: want Suppress=false")
	}

	// Wake from quiet with output available flushes.
	m = machineIn(Quiet, true)
	tr = m.Apply(EventWakeCommand)
	if !tr.Flush {
		t.Error("wake from quiet with output: want Flush=true")
	}

	// Wake from quiet without output does not flush.
	m = machineIn(Quiet, false)
	tr = m.Apply(EventWakeCommand)
	if tr.Flush {
		t.Error("wake from quiet without output: want Flush=false")
	}
}

func TestPredicates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode    Mode
		output  bool
		input   bool
		deliver bool
		ambient bool
	}{
		{FullyActive, true, true, true, false},
		{FullyActive, false, true, false, false},
		{InputOnly, false, true, false, false},
		{Quiet, true, false, false, false},
		{SleepMonitor, true, false, false, true},
	}

	for _, tt := range tests {
		m := machineIn(tt.mode, tt.output)
		if got := m.ShouldProcessInput(); got != tt.input {
			t.Errorf("%s(output=%v): ShouldProcessInput=%v, want %v", tt.mode, tt.output, got, tt.input)
		}
		if got := m.CanDeliverOutput(); got != tt.deliver {
			t.Errorf("%s(output=%v): CanDeliverOutput=%v, want %v", tt.mode, tt.output, got, tt.deliver)
		}
		if got := m.CanAmbientMonitor(); got != tt.ambient {
			t.Errorf("%s(output=%v): CanAmbientMonitor=%v, want %v", tt.mode, tt.output, got, tt.ambient)
		}
	}
}
