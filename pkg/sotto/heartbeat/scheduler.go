// Package heartbeat computes, at configured cadences, the deliverable
// content for each device: fixed-time briefings via cron entries plus
// interval heartbeats inside an active window. Each cycle assembles the
// candidate set, filters it through mode and privacy gating, ranks it, caps
// the spoken duration, and hands the batch to the delivery collaborator —
// or to the offline buffer when the device cannot receive output.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sottolabs/sotto/pkg/sotto/buffer"
	"github.com/sottolabs/sotto/pkg/sotto/delivery"
	"github.com/sottolabs/sotto/pkg/sotto/devicemode"
	"github.com/sottolabs/sotto/pkg/sotto/privacy"
	"github.com/sottolabs/sotto/pkg/sotto/tasks"
)

// ErrCollaboratorTimeout signals that content assembly exceeded its bound.
// The cycle is skipped and retried at the next cadence boundary.
var ErrCollaboratorTimeout = errors.New("content assembly timed out, cycle skipped")

// Cadence identifies which schedule boundary triggered a cycle.
type Cadence string

const (
	CadenceMorning Cadence = "morning_briefing"
	CadenceWork    Cadence = "work_interval"
	CadenceEvening Cadence = "evening_summary"
)

// Assembler is the content-assembly collaborator (calendar/email
// summarization). It is the only call a scheduling cycle may block on, and
// it is always bounded by the configured timeout.
type Assembler interface {
	Assemble(ctx context.Context, deviceID string, cadence Cadence) ([]*delivery.Item, error)
}

// AssemblerFunc adapts a function to the Assembler interface.
type AssemblerFunc func(ctx context.Context, deviceID string, cadence Cadence) ([]*delivery.Item, error)

// Assemble calls f.
func (f AssemblerFunc) Assemble(ctx context.Context, deviceID string, cadence Cadence) ([]*delivery.Item, error) {
	return f(ctx, deviceID, cadence)
}

// Config defines the cadences and delivery bounds.
type Config struct {
	// MorningBriefing is the fixed morning briefing time ("07:00").
	MorningBriefing string `yaml:"morning_briefing"`

	// EveningSummary is the fixed evening summary time ("18:00").
	EveningSummary string `yaml:"evening_summary"`

	// WorkStart/WorkEnd bound the interval-heartbeat window ("08:00").
	WorkStart string `yaml:"work_start"`
	WorkEnd   string `yaml:"work_end"`

	// WorkInterval is the spacing of heartbeats inside the window.
	WorkInterval time.Duration `yaml:"work_interval"`

	// DurationCeiling caps the estimated spoken duration of one batch.
	DurationCeiling time.Duration `yaml:"duration_ceiling"`

	// CalendarLookahead decides when a calendar item counts as imminent.
	CalendarLookahead time.Duration `yaml:"calendar_lookahead"`

	// AssemblyTimeout bounds the content-assembly collaborator call.
	AssemblyTimeout time.Duration `yaml:"assembly_timeout"`

	// Retry bounds delivery re-attempts before falling back to the buffer.
	Retry delivery.RetryConfig `yaml:"retry"`
}

// DefaultConfig returns the default cadences.
func DefaultConfig() Config {
	return Config{
		MorningBriefing:   "07:00",
		EveningSummary:    "18:00",
		WorkStart:         "08:00",
		WorkEnd:           "17:00",
		WorkInterval:      30 * time.Minute,
		DurationCeiling:   60 * time.Second,
		CalendarLookahead: 15 * time.Minute,
		AssemblyTimeout:   10 * time.Second,
		Retry:             delivery.DefaultRetryConfig(),
	}
}

// Scheduler runs the heartbeat cycles.
type Scheduler struct {
	cfg       Config
	devices   *devicemode.Registry
	gate      *privacy.Gate
	tasksMgr  *tasks.Manager
	buf       *buffer.Coordinator
	deliverer delivery.Deliverer
	assembler Assembler
	logger    *slog.Logger

	// onDelivered is invoked for every acknowledged item (metrics,
	// task state updates beyond the built-in MarkReminded).
	onDelivered func(item *delivery.Item)

	mu         sync.Mutex
	candidates map[string][]*delivery.Item
	seq        uint64
	epochs     map[string]*atomic.Uint64
	cycleLocks map[string]*sync.Mutex

	cron   *cron.Cron
	ticker *time.Ticker
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a heartbeat scheduler. Assembler may be nil (no briefing
// content); deliverer must not be nil.
func New(cfg Config, devices *devicemode.Registry, gate *privacy.Gate, tasksMgr *tasks.Manager, buf *buffer.Coordinator, deliverer delivery.Deliverer, assembler Assembler, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DurationCeiling <= 0 {
		cfg.DurationCeiling = 60 * time.Second
	}
	if cfg.CalendarLookahead <= 0 {
		cfg.CalendarLookahead = 15 * time.Minute
	}
	if cfg.AssemblyTimeout <= 0 {
		cfg.AssemblyTimeout = 10 * time.Second
	}
	if cfg.WorkInterval <= 0 {
		cfg.WorkInterval = 30 * time.Minute
	}
	return &Scheduler{
		cfg:        cfg,
		devices:    devices,
		gate:       gate,
		tasksMgr:   tasksMgr,
		buf:        buf,
		deliverer:  deliverer,
		assembler:  assembler,
		logger:     logger.With("component", "heartbeat"),
		candidates: make(map[string][]*delivery.Item),
		epochs:     make(map[string]*atomic.Uint64),
		cycleLocks: make(map[string]*sync.Mutex),
	}
}

// SetOnDelivered registers a callback invoked per acknowledged item.
func (s *Scheduler) SetOnDelivered(fn func(item *delivery.Item)) {
	s.mu.Lock()
	s.onDelivered = fn
	s.mu.Unlock()
}

// Push admits an externally-produced candidate (alert, calendar item,
// notification) into a device's candidate set. PRIVATE items are rejected
// by the gate and redirected to the reactive store.
func (s *Scheduler) Push(item *delivery.Item) error {
	if err := s.gate.Admit(item, privacy.DestinationProactive); err != nil {
		return err
	}

	s.mu.Lock()
	s.seq++
	item.Seq = s.seq
	s.candidates[item.DeviceID] = append(s.candidates[item.DeviceID], item)
	s.mu.Unlock()

	s.logger.Debug("candidate queued",
		"device", item.DeviceID, "kind", item.Kind)
	return nil
}

// Epoch returns the current cycle epoch for a device.
func (s *Scheduler) Epoch(deviceID string) uint64 {
	return s.epoch(deviceID).Load()
}

// BumpEpoch invalidates any in-flight cycle for a device. Called on Quiet
// (or any suppressing transition) and when a replay starts, so a computed
// batch is never handed to the delivery collaborator out of order or
// against the user's wishes.
func (s *Scheduler) BumpEpoch(deviceID string) {
	s.epoch(deviceID).Add(1)
}

func (s *Scheduler) epoch(deviceID string) *atomic.Uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.epochs[deviceID]
	if !ok {
		e = &atomic.Uint64{}
		s.epochs[deviceID] = e
	}
	return e
}

func (s *Scheduler) cycleLock(deviceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.cycleLocks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		s.cycleLocks[deviceID] = l
	}
	return l
}

// Sequence runs fn while holding the device's cycle lock, mutually
// exclusive with RunCycle for that device. The replay coordinator wraps its
// entire drain in this, so a cycle that starts mid-replay blocks until the
// buffered queue has gone out first.
func (s *Scheduler) Sequence(deviceID string, fn func()) {
	l := s.cycleLock(deviceID)
	l.Lock()
	defer l.Unlock()
	fn()
}

// Start registers the fixed-time cron entries and the interval ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))

	entries := []struct {
		at      string
		cadence Cadence
	}{
		{s.cfg.MorningBriefing, CadenceMorning},
		{s.cfg.EveningSummary, CadenceEvening},
	}
	for _, e := range entries {
		spec, err := clockToCronSpec(e.at)
		if err != nil {
			return fmt.Errorf("invalid cadence time %q: %w", e.at, err)
		}
		cadence := e.cadence
		if _, err := s.cron.AddFunc(spec, func() { s.fireAll(cadence) }); err != nil {
			return fmt.Errorf("registering cadence %s: %w", cadence, err)
		}
	}
	s.cron.Start()

	s.ticker = time.NewTicker(s.cfg.WorkInterval)
	go s.intervalLoop()

	s.logger.Info("heartbeat scheduler started",
		"morning", s.cfg.MorningBriefing,
		"evening", s.cfg.EveningSummary,
		"work_window", s.cfg.WorkStart+"-"+s.cfg.WorkEnd,
		"work_interval", s.cfg.WorkInterval.String(),
	)
	return nil
}

// Stop shuts the scheduler down.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("heartbeat scheduler stopped")
}

// intervalLoop fires work-interval heartbeats inside the active window.
func (s *Scheduler) intervalLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.ticker.C:
			if !InWindow(time.Now(), s.cfg.WorkStart, s.cfg.WorkEnd) {
				s.logger.Debug("outside active window, skipping interval heartbeat")
				continue
			}
			s.fireAll(CadenceWork)
		}
	}
}

// fireAll runs one cycle per known device, each in its own goroutine: a
// stalled collaborator call for one device never blocks the others.
func (s *Scheduler) fireAll(cadence Cadence) {
	// Idle re-surfacing runs once per day, on the evening boundary, and
	// targets a single device so the relevance check is asked only once.
	if cadence == CadenceEvening && s.tasksMgr != nil {
		if target := s.pickResurfaceTarget(); target != "" {
			now := time.Now()
			for _, t := range s.tasksMgr.MarkIdleCycle() {
				if t.Private {
					continue
				}
				item := delivery.NewItem(target, delivery.KindNotification,
					relevanceText(t), 6, now)
				item.TaskID = t.ID
				if err := s.Push(item); err != nil {
					s.logger.Warn("relevance check rejected",
						"task", t.ID, "error", err)
				}
			}
		}
	}

	for _, d := range s.devices.All() {
		if d.Stale() {
			continue
		}
		device := d
		go func() {
			if err := s.RunCycle(s.ctx, device, cadence); err != nil {
				s.logger.Warn("heartbeat cycle failed",
					"device", device.ID, "cadence", cadence, "error", err)
			}
		}()
	}
}

// RunCycle evaluates one scheduling cycle for one device.
//
// The cycle takes the device's cycle lock, so it can never overlap a replay
// (see Sequence): a cycle arriving mid-replay waits until the buffered queue
// has drained. It then snapshots its epoch; any Quiet transition or replay
// start bumps the epoch, and the cycle re-validates it before handing its
// batch anywhere. A stale batch is returned to the candidate set, so
// deferred items survive and nothing is delivered against the gate.
func (s *Scheduler) RunCycle(ctx context.Context, device *devicemode.Device, cadence Cadence) error {
	lock := s.cycleLock(device.ID)
	lock.Lock()
	defer lock.Unlock()

	epoch := s.epoch(device.ID)
	startEpoch := epoch.Load()
	now := time.Now()

	// Assemble candidates: queued items, due task reminders, idle
	// resurfacing, and collaborator briefing content.
	items := s.takeCandidates(device.ID)

	if s.tasksMgr != nil {
		for _, t := range s.tasksMgr.ClaimDueReminders(now) {
			prio := 4
			if t.Status == tasks.StatusOverdue {
				prio = 2
			}
			item := delivery.NewItem(device.ID, delivery.KindTaskReminder,
				reminderText(t), prio, now)
			item.TaskID = t.ID
			s.assignSeq(item)
			items = append(items, item)
		}
	}

	if s.assembler != nil {
		actx, cancel := context.WithTimeout(ctx, s.cfg.AssemblyTimeout)
		assembled, err := s.assembler.Assemble(actx, device.ID, cadence)
		cancel()
		switch {
		case err == nil:
			for _, item := range assembled {
				if err := s.gate.Admit(item, privacy.DestinationProactive); err != nil {
					continue
				}
				s.assignSeq(item)
				items = append(items, item)
			}
		case errors.Is(err, context.DeadlineExceeded):
			// Degrade to "skip this cycle, retry next cycle".
			s.requeue(device.ID, items)
			return fmt.Errorf("%w: %v", ErrCollaboratorTimeout, err)
		default:
			s.logger.Warn("content assembly failed, continuing without it",
				"device", device.ID, "error", err)
		}
	}

	if len(items) == 0 {
		return nil
	}

	ranked := Rank(items, now, s.cfg.CalendarLookahead)
	batch, deferred := CapDuration(ranked, s.cfg.DurationCeiling)
	s.requeue(device.ID, deferred)

	if len(batch) == 0 {
		return nil
	}

	// Hard boundary: a Quiet transition or replay that started during
	// assembly invalidates this batch before any collaborator call.
	if epoch.Load() != startEpoch {
		s.requeue(device.ID, batch)
		s.logger.Info("cycle superseded, batch discarded",
			"device", device.ID, "items", len(batch))
		return nil
	}

	if !device.Machine.CanDeliverOutput() {
		for _, item := range batch {
			if err := s.buf.Enqueue(item); err != nil && errors.Is(err, buffer.ErrQueueOverflow) {
				s.logger.Warn("buffering overflowed", "device", device.ID, "error", err)
			}
		}
		s.logger.Info("device not deliverable, batch buffered",
			"device", device.ID, "mode", device.Machine.Mode(), "items", len(batch))
		return nil
	}

	if err := delivery.Deliver(ctx, s.deliverer, device.ID, batch, s.cfg.Retry, s.logger); err != nil {
		// Bounded retries exhausted: fall back to offline buffering.
		for _, item := range batch {
			_ = s.buf.Enqueue(item)
		}
		return err
	}

	s.markDelivered(batch, now)
	s.logger.Info("heartbeat batch delivered",
		"device", device.ID,
		"cadence", cadence,
		"items", len(batch),
		"duration", (&delivery.Batch{DeviceID: device.ID, Items: batch}).Duration().String(),
	)
	return nil
}

// markDelivered stamps acknowledged items and advances task state.
func (s *Scheduler) markDelivered(batch []*delivery.Item, now time.Time) {
	s.mu.Lock()
	onDelivered := s.onDelivered
	s.mu.Unlock()

	for _, item := range batch {
		t := now
		item.DeliveredAt = &t
		if item.TaskID != "" && s.tasksMgr != nil && item.Kind == delivery.KindTaskReminder {
			if err := s.tasksMgr.MarkReminded(item.TaskID, now); err != nil {
				s.logger.Warn("failed to mark task reminded",
					"task", item.TaskID, "error", err)
			}
		}
		if onDelivered != nil {
			onDelivered(item)
		}
	}
}

// takeCandidates removes and returns the pending candidate set for a device.
func (s *Scheduler) takeCandidates(deviceID string) []*delivery.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.candidates[deviceID]
	delete(s.candidates, deviceID)
	return items
}

// requeue returns items to the candidate set, preserving their sequence
// numbers so ordering stays deterministic across cycles.
func (s *Scheduler) requeue(deviceID string, items []*delivery.Item) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	s.candidates[deviceID] = append(items, s.candidates[deviceID]...)
	s.mu.Unlock()
}

// CandidateCount reports the pending candidate count for a device.
func (s *Scheduler) CandidateCount(deviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.candidates[deviceID])
}

func (s *Scheduler) assignSeq(item *delivery.Item) {
	s.mu.Lock()
	s.seq++
	item.Seq = s.seq
	s.mu.Unlock()
}

// pickResurfaceTarget chooses the most recently seen non-stale device.
func (s *Scheduler) pickResurfaceTarget() string {
	var target string
	var latest time.Time
	for _, d := range s.devices.All() {
		if d.Stale() {
			continue
		}
		if seen := d.LastSeen(); target == "" || seen.After(latest) {
			target = d.ID
			latest = seen
		}
	}
	return target
}

func reminderText(t *tasks.Task) string {
	if t.Status == tasks.StatusOverdue {
		return "Overdue task: " + t.Description
	}
	return "Reminder: " + t.Description
}

func relevanceText(t *tasks.Task) string {
	return "You mentioned \"" + t.Description + "\" a while ago. Is this still something you want to do?"
}

// InWindow reports whether now falls inside the [start, end) clock window.
// Times are "HH:MM" in the local timezone.
func InWindow(now time.Time, start, end string) bool {
	cur := now.Format("15:04")
	return cur >= start && cur < end
}

// clockToCronSpec converts "HH:MM" into a five-field cron spec.
func clockToCronSpec(clock string) (string, error) {
	parts := strings.SplitN(clock, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("expected HH:MM, got %q", clock)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("invalid hour in %q", clock)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("invalid minute in %q", clock)
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}
