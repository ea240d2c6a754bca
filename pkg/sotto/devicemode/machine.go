// Package devicemode tracks the agent's operating mode per edge device.
// Each device owns an independent state machine; the rest of the core only
// consults the three gating predicates, never the mode itself.
//
// Transition table (events not listed for a mode are self-loops):
//
//	FullyActive  + output-unavailable          -> InputOnly
//	InputOnly    + output-available            -> FullyActive (flush)
//	any          + quiet-command               -> Quiet
//	Quiet        + wake-command|output-avail   -> FullyActive
//	any          + sleep-command|sched-sleep   -> SleepMonitor
//	SleepMonitor + wake-command|sched-wake     -> FullyActive
package devicemode

import (
	"sync"
)

// Mode is the agent's operating posture for one device.
type Mode string

const (
	FullyActive  Mode = "fully_active"
	InputOnly    Mode = "input_only"
	Quiet        Mode = "quiet"
	SleepMonitor Mode = "sleep_monitor"
)

// Event is an input to the state machine.
type Event string

const (
	EventOutputUnavailable Event = "output_unavailable"
	EventOutputAvailable   Event = "output_available"
	EventQuietCommand      Event = "quiet_command"
	EventWakeCommand       Event = "wake_command"
	EventSleepCommand      Event = "sleep_command"
	EventScheduledSleep    Event = "scheduled_sleep"
	EventScheduledWake     Event = "scheduled_wake"
)

// Transition describes the outcome of applying one event.
type Transition struct {
	From Mode
	To   Mode

	// Flush is true when the transition made output delivery possible:
	// the device's offline queue must be drained in stored order.
	Flush bool

	// Suppress is true when the transition entered a non-delivering mode:
	// any in-flight scheduling cycle for this device must discard its
	// batch before handing it to the delivery collaborator.
	Suppress bool

	// Changed is false for self-loops.
	Changed bool
}

// Machine is the per-device mode state machine. Safe for concurrent use;
// Apply is the only writer of the mode.
type Machine struct {
	mu              sync.Mutex
	mode            Mode
	outputAvailable bool
}

// NewMachine creates a machine in the initial FullyActive mode.
func NewMachine() *Machine {
	return &Machine{mode: FullyActive}
}

// Apply processes an event and returns the resulting transition. Every
// (mode, event) pair is defined; irrelevant events are self-loops.
func (m *Machine) Apply(ev Event) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.mode
	couldDeliver := m.canDeliverLocked()

	switch ev {
	case EventOutputAvailable:
		m.outputAvailable = true
		if m.mode == InputOnly || m.mode == Quiet {
			m.mode = FullyActive
		}
	case EventOutputUnavailable:
		m.outputAvailable = false
		if m.mode == FullyActive {
			m.mode = InputOnly
		}
	case EventQuietCommand:
		m.mode = Quiet
	case EventSleepCommand, EventScheduledSleep:
		m.mode = SleepMonitor
	case EventWakeCommand:
		if m.mode == Quiet || m.mode == SleepMonitor {
			m.mode = FullyActive
		}
	case EventScheduledWake:
		if m.mode == SleepMonitor {
			m.mode = FullyActive
		}
	}

	canDeliver := m.canDeliverLocked()
	return Transition{
		From:     from,
		To:       m.mode,
		Flush:    !couldDeliver && canDeliver,
		Suppress: couldDeliver && !canDeliver,
		Changed:  from != m.mode,
	}
}

// Mode returns the current mode.
func (m *Machine) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// OutputAvailable reports the connectivity flag.
func (m *Machine) OutputAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputAvailable
}

// ShouldProcessInput reports whether incoming audio/transcripts should be
// processed in the current mode.
func (m *Machine) ShouldProcessInput() bool {
	mode := m.Mode()
	return mode == FullyActive || mode == InputOnly
}

// CanDeliverOutput reports whether proactive output may be delivered now:
// only FullyActive with output available.
func (m *Machine) CanDeliverOutput() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canDeliverLocked()
}

// CanAmbientMonitor reports whether lightweight ambient monitoring should
// run: only SleepMonitor.
func (m *Machine) CanAmbientMonitor() bool {
	return m.Mode() == SleepMonitor
}

func (m *Machine) canDeliverLocked() bool {
	return m.mode == FullyActive && m.outputAvailable
}
