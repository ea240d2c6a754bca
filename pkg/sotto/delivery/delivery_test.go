package delivery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEstimatedDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		fixed   float64
		want    time.Duration
	}{
		{"empty payload", "", 0, 0},
		{"explicit estimate wins", "one two three", 12, 12 * time.Second},
		{"derived from word count", strings.TrimSpace(strings.Repeat("word ", 150)), 0, time.Minute},
		{"half minute of words", strings.TrimSpace(strings.Repeat("word ", 75)), 0, 30 * time.Second},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			item := NewItem("dev", KindNotification, tt.payload, 5, time.Now())
			item.EstimatedSeconds = tt.fixed
			if got := item.EstimatedDuration(); got != tt.want {
				t.Errorf("EstimatedDuration = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBatchDurationSums(t *testing.T) {
	t.Parallel()

	a := NewItem("dev", KindBriefing, "", 5, time.Now())
	a.EstimatedSeconds = 20
	b := NewItem("dev", KindBriefing, "", 5, time.Now())
	b.EstimatedSeconds = 15

	batch := &Batch{DeviceID: "dev", Items: []*Item{a, b}}
	if got := batch.Duration(); got != 35*time.Second {
		t.Errorf("Duration = %s, want 35s", got)
	}
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	attempts := 0
	d := DelivererFunc(func(context.Context, string, []*Item) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	items := []*Item{NewItem("dev", KindNotification, "retry me", 5, time.Now())}
	cfg := RetryConfig{MaxRetries: 2, Backoff: time.Millisecond, AttemptTimeout: time.Second}

	if err := Deliver(context.Background(), d, "dev", items, cfg, nil); err != nil {
		t.Fatalf("Deliver = %v, want success on third attempt", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if items[0].Attempts != 3 {
		t.Errorf("item attempts = %d, want 3", items[0].Attempts)
	}
}

func TestDeliverExhaustsRetries(t *testing.T) {
	t.Parallel()

	attempts := 0
	d := DelivererFunc(func(context.Context, string, []*Item) error {
		attempts++
		return errors.New("hard down")
	})

	cfg := RetryConfig{MaxRetries: 2, Backoff: time.Millisecond, AttemptTimeout: time.Second}
	err := Deliver(context.Background(), d, "dev", []*Item{NewItem("dev", KindAlert, "x", 1, time.Now())}, cfg, nil)

	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("Deliver = %v, want ErrDeliveryFailed", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (initial + 2 retries)", attempts)
	}
}

func TestDeliverStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	d := DelivererFunc(func(context.Context, string, []*Item) error {
		cancel()
		return errors.New("fail to force a retry wait")
	})

	cfg := RetryConfig{MaxRetries: 5, Backoff: time.Hour, AttemptTimeout: time.Second}
	start := time.Now()
	err := Deliver(ctx, d, "dev", []*Item{NewItem("dev", KindAlert, "x", 1, time.Now())}, cfg, nil)

	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("Deliver = %v, want ErrDeliveryFailed", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Deliver waited through backoff despite cancelled context")
	}
}
