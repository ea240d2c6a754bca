// Package privacy implements the enforcement point between classified
// content and the proactive delivery path. Classification itself is supplied
// by an external reasoning collaborator; this package only enforces the
// result: PRIVATE content never enters a scheduler queue, and anything
// ambiguous is treated as PRIVATE.
package privacy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sottolabs/sotto/pkg/sotto/audit"
	"github.com/sottolabs/sotto/pkg/sotto/delivery"
)

// Level is the classification of a piece of content.
type Level string

const (
	Public  Level = "PUBLIC"
	Private Level = "PRIVATE"
)

// Destination is a delivery path an item may be admitted to.
type Destination string

const (
	// DestinationProactive is the heartbeat/notification path. PRIVATE
	// content is rejected here unconditionally.
	DestinationProactive Destination = "proactive"

	// DestinationReactive is the explicit, user-initiated query path.
	DestinationReactive Destination = "reactive"
)

// ErrPrivacyViolation is returned when a PRIVATE item is admitted toward
// the proactive path. The item is redirected to the reactive store; the
// caller must not schedule it.
var ErrPrivacyViolation = errors.New("private content rejected from proactive path")

// Classifier is the pluggable classification collaborator.
type Classifier interface {
	Classify(ctx context.Context, content string) (Level, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, content string) (Level, error)

// Classify calls f.
func (f ClassifierFunc) Classify(ctx context.Context, content string) (Level, error) {
	return f(ctx, content)
}

// Config holds the gate's policy knobs. Both are hot-reloadable.
type Config struct {
	// DefaultOnAmbiguity is the level applied when classification is
	// unavailable, errors, times out, or returns an unknown value.
	DefaultOnAmbiguity Level `yaml:"default_on_ambiguity"`

	// ClassifyTimeout bounds a single classifier call.
	ClassifyTimeout time.Duration `yaml:"classify_timeout"`
}

// DefaultConfig returns the fail-safe defaults.
func DefaultConfig() Config {
	return Config{
		DefaultOnAmbiguity: Private,
		ClassifyTimeout:    10 * time.Second,
	}
}

// Gate enforces privacy partitioning. It is safe for concurrent use.
type Gate struct {
	classifier Classifier
	auditLog   audit.Log
	logger     *slog.Logger

	mu       sync.RWMutex
	cfg      Config
	reactive map[string][]*delivery.Item
}

// NewGate creates a gate. The classifier may be nil, in which case every
// classification resolves to the configured default.
func NewGate(cfg Config, classifier Classifier, auditLog audit.Log, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultOnAmbiguity == "" {
		cfg.DefaultOnAmbiguity = Private
	}
	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = 10 * time.Second
	}
	return &Gate{
		classifier: classifier,
		auditLog:   auditLog,
		logger:     logger.With("component", "privacy"),
		cfg:        cfg,
		reactive:   make(map[string][]*delivery.Item),
	}
}

// ClassifyContent runs the classifier with a bounded timeout. Any failure,
// timeout, or unknown answer resolves to the configured default level.
func (g *Gate) ClassifyContent(ctx context.Context, content string) Level {
	g.mu.RLock()
	cfg := g.cfg
	g.mu.RUnlock()

	if g.classifier == nil {
		return cfg.DefaultOnAmbiguity
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.ClassifyTimeout)
	defer cancel()

	level, err := g.classifier.Classify(cctx, content)
	if err != nil {
		g.logger.Warn("classification unavailable, applying default",
			"default", cfg.DefaultOnAmbiguity, "error", err)
		return cfg.DefaultOnAmbiguity
	}
	if level != Public && level != Private {
		g.logger.Warn("classifier returned unknown level, applying default",
			"level", level, "default", cfg.DefaultOnAmbiguity)
		return cfg.DefaultOnAmbiguity
	}
	return level
}

// Admit checks an item against a destination. Fails closed: a PRIVATE item
// bound for the proactive path is rejected with ErrPrivacyViolation, recorded
// in the audit log (kind and destination only, never content), and redirected
// to the per-device reactive store.
func (g *Gate) Admit(item *delivery.Item, dest Destination) error {
	if item == nil {
		return fmt.Errorf("admit: nil item")
	}

	if item.Private && dest == DestinationProactive {
		g.mu.Lock()
		g.reactive[item.DeviceID] = append(g.reactive[item.DeviceID], item)
		g.mu.Unlock()

		if g.auditLog != nil {
			if err := g.auditLog.Append(audit.Entry{
				Kind:        "privacy_rejection",
				DeviceID:    item.DeviceID,
				Destination: string(dest),
				Detail:      string(item.Kind),
				At:          time.Now(),
			}); err != nil {
				g.logger.Warn("failed to record privacy rejection", "error", err)
			}
		}

		g.logger.Info("private item redirected to reactive store",
			"device", item.DeviceID, "kind", item.Kind)
		return ErrPrivacyViolation
	}

	return nil
}

// Retrieve drains the reactive store for a device. This is the only way
// PRIVATE content leaves the gate, and only in response to an explicit
// user-initiated query.
func (g *Gate) Retrieve(deviceID string) []*delivery.Item {
	g.mu.Lock()
	defer g.mu.Unlock()
	items := g.reactive[deviceID]
	delete(g.reactive, deviceID)
	return items
}

// ReactiveCount reports how many items are held for a device.
func (g *Gate) ReactiveCount(deviceID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.reactive[deviceID])
}

// SetDefaultOnAmbiguity updates the fail-safe default. Called by the config
// watcher when the policy changes at runtime.
func (g *Gate) SetDefaultOnAmbiguity(level Level) {
	if level != Public && level != Private {
		return
	}
	g.mu.Lock()
	g.cfg.DefaultOnAmbiguity = level
	g.mu.Unlock()
	g.logger.Info("classification default updated", "default", level)
}
