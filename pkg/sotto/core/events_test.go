package core

import (
	"testing"
)

func TestEventBusFanOut(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()

	var a, b []Event
	bus.Subscribe(func(ev Event) { a = append(a, ev) })
	unsub := bus.Subscribe(func(ev Event) { b = append(b, ev) })

	bus.Emit(Event{Stream: "mode", Type: "mode_change"})
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("fan-out delivered to %d/%d listeners, want 1/1", len(a), len(b))
	}

	unsub()
	bus.Emit(Event{Stream: "task", Type: "task_created"})
	if len(a) != 2 {
		t.Errorf("remaining listener got %d events, want 2", len(a))
	}
	if len(b) != 1 {
		t.Errorf("unsubscribed listener got %d events, want 1", len(b))
	}
}

func TestEventBusStreamFilterAndSeq(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()

	var got []Event
	bus.SubscribeStream("buffer", func(ev Event) { got = append(got, ev) })

	bus.Emit(Event{Stream: "mode", Type: "mode_change"})
	bus.Emit(Event{Stream: "buffer", Type: "buffering_started"})
	bus.Emit(Event{Stream: "buffer", Type: "buffer_replayed"})

	if len(got) != 2 {
		t.Fatalf("stream listener got %d events, want 2", len(got))
	}
	if got[0].Seq >= got[1].Seq {
		t.Errorf("sequence numbers not increasing: %d then %d", got[0].Seq, got[1].Seq)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("Emit did not stamp the timestamp")
	}
}
