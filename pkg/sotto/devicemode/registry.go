// registry.go keeps one Device record per physical edge device, created on
// first contact and never deleted. Devices scale independently: each holds
// its own state machine, so tests and workers can address one in isolation.
package devicemode

import (
	"log/slog"
	"sync"
	"time"
)

// Class is the physical device category.
type Class string

const (
	ClassMobile     Class = "mobile"
	ClassFixed      Class = "fixed"
	ClassPeripheral Class = "peripheral"
)

// qualityAlpha is the EWMA smoothing factor for the rolling audio-quality
// signal reported by edge devices.
const qualityAlpha = 0.3

// Device is the per-device record: identity, mode machine, connectivity,
// and health signals.
type Device struct {
	ID      string
	Class   Class
	Machine *Machine

	mu           sync.Mutex
	lastSeen     time.Time
	audioQuality float64
	hasQuality   bool
	stale        bool
}

// LastSeen returns the last contact timestamp.
func (d *Device) LastSeen() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSeen
}

// AudioQuality returns the rolling audio-quality signal (0 when the device
// has never reported one).
func (d *Device) AudioQuality() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.audioQuality
}

// Stale reports whether the device has been silent past the threshold.
func (d *Device) Stale() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stale
}

// Config holds registry settings.
type Config struct {
	// StaleAfter marks a device stale after this much silence.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{StaleAfter: 72 * time.Hour}
}

// Registry holds all known devices keyed by ID.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	devices map[string]*Device
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 72 * time.Hour
	}
	return &Registry{
		cfg:     cfg,
		logger:  logger.With("component", "devices"),
		devices: make(map[string]*Device),
	}
}

// GetOrCreate returns the device record, creating it on first contact.
func (r *Registry) GetOrCreate(id string, class Class) *Device {
	r.mu.RLock()
	d, ok := r.devices[id]
	r.mu.RUnlock()
	if ok {
		return d
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		return d
	}
	d = &Device{
		ID:      id,
		Class:   class,
		Machine: NewMachine(),
	}
	d.lastSeen = time.Now()
	r.devices[id] = d
	r.logger.Info("device registered", "device", id, "class", class)
	return d
}

// Get returns a device if known.
func (r *Registry) Get(id string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// All returns a snapshot of every known device.
func (r *Registry) All() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// Touch updates last-seen for a device and clears the stale flag.
func (r *Registry) Touch(id string, now time.Time) {
	if d, ok := r.Get(id); ok {
		d.mu.Lock()
		d.lastSeen = now
		d.stale = false
		d.mu.Unlock()
	}
}

// ReportAudioQuality folds a new sample into the rolling quality signal.
func (r *Registry) ReportAudioQuality(id string, sample float64) {
	d, ok := r.Get(id)
	if !ok {
		return
	}
	d.mu.Lock()
	if !d.hasQuality {
		d.audioQuality = sample
		d.hasQuality = true
	} else {
		d.audioQuality = qualityAlpha*sample + (1-qualityAlpha)*d.audioQuality
	}
	d.mu.Unlock()
}

// SweepStale marks devices silent past the threshold as stale. Devices are
// never deleted. Returns the IDs newly marked stale.
func (r *Registry) SweepStale(now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var marked []string
	for id, d := range r.devices {
		d.mu.Lock()
		if !d.stale && now.Sub(d.lastSeen) > r.cfg.StaleAfter {
			d.stale = true
			marked = append(marked, id)
		}
		d.mu.Unlock()
	}
	if len(marked) > 0 {
		r.logger.Info("devices marked stale", "count", len(marked))
	}
	return marked
}
