package privacy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sottolabs/sotto/pkg/sotto/audit"
	"github.com/sottolabs/sotto/pkg/sotto/delivery"
)

func privateItem(deviceID string) *delivery.Item {
	item := delivery.NewItem(deviceID, delivery.KindNotification, "medical appointment", 5, time.Now())
	item.Private = true
	return item
}

func TestAdmitRejectsPrivateFromProactive(t *testing.T) {
	t.Parallel()

	log := audit.NewMemoryLog()
	g := NewGate(DefaultConfig(), nil, log, nil)

	item := privateItem("dev-1")
	err := g.Admit(item, DestinationProactive)
	if !errors.Is(err, ErrPrivacyViolation) {
		t.Fatalf("Admit(private, proactive) = %v, want ErrPrivacyViolation", err)
	}

	// Redirected to the reactive store, retrievable only on explicit query.
	if n := g.ReactiveCount("dev-1"); n != 1 {
		t.Errorf("reactive count = %d, want 1", n)
	}
	got := g.Retrieve("dev-1")
	if len(got) != 1 || got[0].ID != item.ID {
		t.Errorf("Retrieve returned %d items, want the redirected item", len(got))
	}
	// Retrieve drains.
	if n := g.ReactiveCount("dev-1"); n != 0 {
		t.Errorf("reactive count after drain = %d, want 0", n)
	}

	// The rejection is audited without content.
	entries := log.Entries()
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if entries[0].Kind != "privacy_rejection" {
		t.Errorf("audit kind = %q", entries[0].Kind)
	}
	if entries[0].Detail == item.Payload {
		t.Error("audit entry recorded content")
	}
}

func TestAdmitAllowsPrivateReactiveAndPublicProactive(t *testing.T) {
	t.Parallel()

	g := NewGate(DefaultConfig(), nil, nil, nil)

	if err := g.Admit(privateItem("dev-1"), DestinationReactive); err != nil {
		t.Errorf("Admit(private, reactive) = %v, want nil", err)
	}

	pub := delivery.NewItem("dev-1", delivery.KindBriefing, "weather update", 5, time.Now())
	if err := g.Admit(pub, DestinationProactive); err != nil {
		t.Errorf("Admit(public, proactive) = %v, want nil", err)
	}
}

func TestClassifyContentDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		classifier Classifier
		def        Level
		want       Level
	}{
		{
			name:       "no classifier applies default",
			classifier: nil,
			def:        Private,
			want:       Private,
		},
		{
			name: "classifier error applies default",
			classifier: ClassifierFunc(func(context.Context, string) (Level, error) {
				return "", errors.New("collaborator down")
			}),
			def:  Private,
			want: Private,
		},
		{
			name: "unknown level applies default",
			classifier: ClassifierFunc(func(context.Context, string) (Level, error) {
				return Level("MAYBE"), nil
			}),
			def:  Private,
			want: Private,
		},
		{
			name: "explicit public passes through",
			classifier: ClassifierFunc(func(context.Context, string) (Level, error) {
				return Public, nil
			}),
			def:  Private,
			want: Public,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Config{DefaultOnAmbiguity: tt.def, ClassifyTimeout: time.Second}
			g := NewGate(cfg, tt.classifier, nil, nil)
			if got := g.ClassifyContent(context.Background(), "anything"); got != tt.want {
				t.Errorf("ClassifyContent = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifyContentTimeout(t *testing.T) {
	t.Parallel()

	slow := ClassifierFunc(func(ctx context.Context, _ string) (Level, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
			return Public, nil
		}
	})

	cfg := Config{DefaultOnAmbiguity: Private, ClassifyTimeout: 20 * time.Millisecond}
	g := NewGate(cfg, slow, nil, nil)

	start := time.Now()
	got := g.ClassifyContent(context.Background(), "anything")
	if got != Private {
		t.Errorf("timed-out classification = %s, want PRIVATE", got)
	}
	if time.Since(start) > time.Second {
		t.Error("classification did not respect the timeout bound")
	}
}

func TestConcurrentAdmitsNeverLeakPrivate(t *testing.T) {
	t.Parallel()

	g := NewGate(DefaultConfig(), nil, nil, nil)

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Admit(privateItem("dev-1"), DestinationProactive); !errors.Is(err, ErrPrivacyViolation) {
				t.Errorf("concurrent Admit = %v, want ErrPrivacyViolation", err)
			}
		}()
	}
	wg.Wait()

	if got := g.ReactiveCount("dev-1"); got != n {
		t.Errorf("reactive count = %d, want %d", got, n)
	}
}

func TestSetDefaultOnAmbiguity(t *testing.T) {
	t.Parallel()

	g := NewGate(DefaultConfig(), nil, nil, nil)

	g.SetDefaultOnAmbiguity(Public)
	if got := g.ClassifyContent(context.Background(), "x"); got != Public {
		t.Errorf("after update, default = %s, want PUBLIC", got)
	}

	// Invalid levels are ignored.
	g.SetDefaultOnAmbiguity(Level("BOGUS"))
	if got := g.ClassifyContent(context.Background(), "x"); got != Public {
		t.Errorf("invalid update changed the default to %s", got)
	}
}
