// brain.go is the orchestrator: inbound events are routed to per-device
// workers (one goroutine each, so everything touching a device is strictly
// serialized while different devices proceed in parallel), and the
// flush-on-reconnect sequencing lives here — replay always completes before
// the next live cycle's batch can be handed off.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sottolabs/sotto/pkg/sotto/buffer"
	"github.com/sottolabs/sotto/pkg/sotto/delivery"
	"github.com/sottolabs/sotto/pkg/sotto/devicemode"
	"github.com/sottolabs/sotto/pkg/sotto/heartbeat"
	"github.com/sottolabs/sotto/pkg/sotto/privacy"
	"github.com/sottolabs/sotto/pkg/sotto/tasks"
)

// Command is a recognized voice command, matched upstream by the reasoning
// collaborator.
type Command string

const (
	CommandQuiet    Command = "quiet"
	CommandWake     Command = "wake"
	CommandSleep    Command = "sleep"
	CommandBriefing Command = "briefing"
	CommandComplete Command = "complete_task"
	CommandSnooze   Command = "snooze_task"
)

// ContentCandidate is content-bearing input from the transcript/reasoning
// collaborator: either a task candidate or a deliverable candidate.
type ContentCandidate struct {
	DeviceID    string
	Kind        delivery.Kind
	Payload     string
	PrivacyHint privacy.Level // empty means "classify now"
	ScheduledAt time.Time
	Priority    int

	// Task is set when the candidate is task-shaped.
	Task *tasks.Candidate
}

// ConnectivityChange reports output availability for a device.
type ConnectivityChange struct {
	DeviceID        string
	OutputAvailable bool
	AudioQuality    float64 // 0 when not reported
}

// VoiceCommand is a recognized command from a device.
type VoiceCommand struct {
	DeviceID string
	Command  Command
	TaskID   string // for complete/snooze
}

// ExternalAlert is pushed by an integration broker (cluster health,
// calendar, email).
type ExternalAlert struct {
	Kind     string
	Priority int
	Payload  string
	DeviceID string // empty targets the most recently seen device
}

// clockTick is the internal per-device message for scheduled transitions.
type clockTick struct {
	at time.Time
}

// NoteLinker is the knowledge-store collaborator: it owns the markdown
// notes; the core only records the returned link.
type NoteLinker interface {
	CreateTaskNote(t *tasks.Task) (path string, err error)
}

// Telemetry is the optional operational-telemetry sink (implemented by the
// storage collaborator).
type Telemetry interface {
	LogProcessing(deviceID, eventKind, actionTaken, notes string) error
	BumpDailyMetrics(date string, tasksCreated, tasksCompleted, heartbeatsDelivered, itemsBuffered int) error
	SaveDeviceSnapshot(d *devicemode.Device) error
}

// Brain routes inbound events and owns the per-device workers.
type Brain struct {
	// cfgMu guards cfg: device workers read the hot-reloadable knobs
	// while the config watcher goroutine applies updates.
	cfgMu     sync.RWMutex
	cfg       *Config
	logger    *slog.Logger
	bus       *EventBus
	gate      *privacy.Gate
	devices   *devicemode.Registry
	tasksMgr  *tasks.Manager
	buf       *buffer.Coordinator
	sched     *heartbeat.Scheduler
	deliverer delivery.Deliverer

	noteLinker NoteLinker // optional
	telemetry  Telemetry  // optional

	mu      sync.Mutex
	workers map[string]chan any

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// mailboxSize bounds each device worker's queue. Routing never blocks: a
// full mailbox drops the event with a log line instead of backing up the
// other devices.
const mailboxSize = 128

// NewBrain wires the orchestrator.
func NewBrain(cfg *Config, gate *privacy.Gate, devices *devicemode.Registry, tasksMgr *tasks.Manager, buf *buffer.Coordinator, sched *heartbeat.Scheduler, deliverer delivery.Deliverer, bus *EventBus, logger *slog.Logger) *Brain {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = NewEventBus()
	}
	return &Brain{
		cfg:       cfg,
		ctx:       context.Background(),
		logger:    logger.With("component", "brain"),
		bus:       bus,
		gate:      gate,
		devices:   devices,
		tasksMgr:  tasksMgr,
		buf:       buf,
		sched:     sched,
		deliverer: deliverer,
		workers:   make(map[string]chan any),
	}
}

// SetNoteLinker plugs in the knowledge-store collaborator.
func (b *Brain) SetNoteLinker(nl NoteLinker) { b.noteLinker = nl }

// SetTelemetry plugs in the telemetry sink.
func (b *Brain) SetTelemetry(t Telemetry) { b.telemetry = t }

// Bus returns the orchestration event bus.
func (b *Brain) Bus() *EventBus { return b.bus }

// Start loads persisted state and starts the heartbeat scheduler.
func (b *Brain) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	if err := b.tasksMgr.Load(); err != nil {
		b.logger.Error("failed to load tasks, starting empty", "error", err)
	}
	if err := b.sched.Start(b.ctx); err != nil {
		return fmt.Errorf("starting heartbeat scheduler: %w", err)
	}

	b.logger.Info("brain started", "name", b.cfg.Name)
	return nil
}

// Stop shuts down the workers and the scheduler.
func (b *Brain) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.sched.Stop()

	b.mu.Lock()
	for _, mailbox := range b.workers {
		close(mailbox)
	}
	b.workers = make(map[string]chan any)
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("brain stopped")
}

// ---------- inbound event surface ----------

// HandleConnectivityChanged routes a connectivity event to its device.
func (b *Brain) HandleConnectivityChanged(ev ConnectivityChange) {
	b.dispatch(ev.DeviceID, ev)
}

// HandleVoiceCommand routes a recognized voice command to its device.
func (b *Brain) HandleVoiceCommand(ev VoiceCommand) {
	b.dispatch(ev.DeviceID, ev)
}

// HandleContentCandidate routes a content candidate to its device.
func (b *Brain) HandleContentCandidate(ev ContentCandidate) {
	b.dispatch(ev.DeviceID, ev)
}

// HandleExternalAlert admits an alert from an integration broker.
func (b *Brain) HandleExternalAlert(ev ExternalAlert) {
	deviceID := ev.DeviceID
	if deviceID == "" {
		deviceID = b.mostRecentDevice()
	}
	if deviceID == "" {
		b.logger.Warn("alert dropped, no known device", "kind", ev.Kind)
		return
	}
	b.dispatch(deviceID, ev)
}

// HandleClockTick runs the global sweeps and fans the tick out to every
// device for its scheduled sleep/wake checks.
func (b *Brain) HandleClockTick(now time.Time) {
	if flagged := b.tasksMgr.SweepOverdue(now); len(flagged) > 0 {
		b.bus.Emit(Event{Stream: "task", Type: "tasks_overdue", Data: flagged})
	}
	for _, id := range b.devices.SweepStale(now) {
		b.bus.Emit(Event{Stream: "mode", Type: "device_stale", DeviceID: id})
	}
	for _, d := range b.devices.All() {
		b.dispatch(d.ID, clockTick{at: now})
	}
}

// HandleAudioReference buffers a captured-audio reference while the
// transcription collaborator is unreachable.
func (b *Brain) HandleAudioReference(ref buffer.AudioRef) {
	b.buf.AddAudioRef(ref)
}

// RetrievePrivate serves the explicit, user-initiated query path for
// PRIVATE content. This is the only way gated content reaches a user.
func (b *Brain) RetrievePrivate(deviceID string) []*delivery.Item {
	return b.gate.Retrieve(deviceID)
}

// ---------- routing ----------

// dispatch hands an event to the owning device worker, creating the worker
// on first contact. Never blocks: a full mailbox drops the event.
func (b *Brain) dispatch(deviceID string, ev any) {
	if deviceID == "" {
		b.logger.Warn("event dropped, missing device id", "event", fmt.Sprintf("%T", ev))
		return
	}

	b.mu.Lock()
	mailbox, ok := b.workers[deviceID]
	if !ok {
		mailbox = make(chan any, mailboxSize)
		b.workers[deviceID] = mailbox
		b.wg.Add(1)
		go b.runWorker(deviceID, mailbox)
	}
	b.mu.Unlock()

	select {
	case mailbox <- ev:
	default:
		b.logger.Error("device mailbox full, event dropped",
			"device", deviceID, "event", fmt.Sprintf("%T", ev))
	}
}

// runWorker processes one device's events in arrival order.
func (b *Brain) runWorker(deviceID string, mailbox <-chan any) {
	defer b.wg.Done()

	for ev := range mailbox {
		device := b.devices.GetOrCreate(deviceID, devicemode.ClassMobile)
		switch ev := ev.(type) {
		case ConnectivityChange:
			b.onConnectivity(device, ev)
		case VoiceCommand:
			b.onVoiceCommand(device, ev)
		case ContentCandidate:
			b.onContentCandidate(device, ev)
		case ExternalAlert:
			b.onExternalAlert(device, ev)
		case clockTick:
			b.onClockTick(device, ev.at)
		}
	}
}

// ---------- handlers (single-writer per device) ----------

func (b *Brain) onConnectivity(device *devicemode.Device, ev ConnectivityChange) {
	b.devices.Touch(device.ID, time.Now())
	if ev.AudioQuality > 0 {
		b.devices.ReportAudioQuality(device.ID, ev.AudioQuality)
	}

	mevent := devicemode.EventOutputUnavailable
	if ev.OutputAvailable {
		mevent = devicemode.EventOutputAvailable
	}
	b.applyTransition(device, mevent)
	b.snapshotDevice(device)
}

func (b *Brain) onVoiceCommand(device *devicemode.Device, ev VoiceCommand) {
	b.devices.Touch(device.ID, time.Now())

	switch ev.Command {
	case CommandQuiet:
		b.applyTransition(device, devicemode.EventQuietCommand)
	case CommandWake:
		b.applyTransition(device, devicemode.EventWakeCommand)
	case CommandSleep:
		b.applyTransition(device, devicemode.EventSleepCommand)
	case CommandBriefing:
		// On-demand briefing, outside the fixed cadences.
		if err := b.sched.RunCycle(b.ctx, device, heartbeat.CadenceMorning); err != nil {
			b.logger.Warn("on-demand briefing failed", "device", device.ID, "error", err)
		}
	case CommandComplete:
		now := time.Now()
		if err := b.tasksMgr.Complete(ev.TaskID, now); err != nil {
			b.logger.Warn("task completion failed", "task", ev.TaskID, "error", err)
			return
		}
		b.bus.Emit(Event{Stream: "task", Type: "task_completed", DeviceID: device.ID, Data: ev.TaskID})
		b.bumpMetrics(0, 1, 0, 0)
	case CommandSnooze:
		if err := b.tasksMgr.Snooze(ev.TaskID, time.Now()); err != nil {
			b.logger.Warn("task snooze failed", "task", ev.TaskID, "error", err)
		}
	default:
		b.logger.Debug("unrecognized command ignored", "command", ev.Command)
	}
	b.snapshotDevice(device)
}

func (b *Brain) onContentCandidate(device *devicemode.Device, ev ContentCandidate) {
	b.devices.Touch(device.ID, time.Now())

	// Quiet and SleepMonitor discard content-bearing input entirely.
	if !device.Machine.ShouldProcessInput() {
		b.logProcessing(device.ID, "content_candidate", "dropped_by_mode",
			string(device.Machine.Mode()))
		return
	}

	level := ev.PrivacyHint
	if level == "" {
		level = b.gate.ClassifyContent(b.ctx, ev.Payload)
	}
	private := level == privacy.Private

	if ev.Task != nil {
		cand := *ev.Task
		cand.Private = cand.Private || private
		t, err := b.tasksMgr.Create(cand, time.Now())
		if err != nil {
			b.logger.Warn("task candidate rejected", "device", device.ID, "error", err)
			return
		}
		if b.noteLinker != nil && !t.Private {
			if path, err := b.noteLinker.CreateTaskNote(t); err == nil {
				t.NotePath = path
			}
		}
		b.bus.Emit(Event{Stream: "task", Type: "task_created", DeviceID: device.ID, Data: t.ID})
		b.bumpMetrics(1, 0, 0, 0)
		b.logProcessing(device.ID, "content_candidate", "task_created", string(level))
		return
	}

	item := delivery.NewItem(device.ID, ev.Kind, ev.Payload, orDefault(ev.Priority, 5), orNow(ev.ScheduledAt))
	item.Private = private
	if err := b.sched.Push(item); err != nil {
		// PRIVATE content was redirected to the reactive store.
		b.logProcessing(device.ID, "content_candidate", "redirected_private", string(ev.Kind))
		return
	}
	b.logProcessing(device.ID, "content_candidate", "queued", string(ev.Kind))
}

func (b *Brain) onExternalAlert(device *devicemode.Device, ev ExternalAlert) {
	item := delivery.NewItem(device.ID, delivery.KindAlert, ev.Payload, orDefault(ev.Priority, 1), time.Now())
	if err := b.sched.Push(item); err != nil {
		b.logger.Warn("alert rejected by gate", "device", device.ID, "error", err)
		return
	}
	b.logProcessing(device.ID, "external_alert", "queued", ev.Kind)
}

func (b *Brain) onClockTick(device *devicemode.Device, now time.Time) {
	sleep := b.sleepWindow()
	clock := now.Format("15:04")
	if sleep.SleepAt != "" && clock == sleep.SleepAt {
		b.applyTransition(device, devicemode.EventScheduledSleep)
	}
	if sleep.WakeAt != "" && clock == sleep.WakeAt {
		b.applyTransition(device, devicemode.EventScheduledWake)
	}
}

// applyTransition runs one mode event and its side effects: epoch bumps on
// suppression (hard boundary for in-flight cycles), queue flush when output
// becomes deliverable, and the user-visible buffering notice.
func (b *Brain) applyTransition(device *devicemode.Device, mevent devicemode.Event) {
	tr := device.Machine.Apply(mevent)

	if tr.Changed {
		b.logger.Info("mode transition",
			"device", device.ID, "from", tr.From, "to", tr.To, "event", mevent)
		b.bus.Emit(Event{Stream: "mode", Type: "mode_change", DeviceID: device.ID,
			Data: map[string]string{"from": string(tr.From), "to": string(tr.To)}})
	}

	if tr.Suppress {
		// Invalidate any in-flight cycle before it can hand off a batch.
		b.sched.BumpEpoch(device.ID)
		b.bus.Emit(Event{Stream: "buffer", Type: "buffering_started", DeviceID: device.ID})
		b.logger.Info("output suppressed, new content will be buffered", "device", device.ID)
	}

	if tr.Flush {
		b.flushDevice(device)
	}
}

// flushDevice replays the offline queue in stored order. Sequencing is
// strict both ways: the epoch bump invalidates a cycle whose batch was
// computed before the reconnect, and the cycle lock held through the drain
// makes a cycle that starts mid-replay wait until the queue is empty. The
// replayed items always go out first.
func (b *Brain) flushDevice(device *devicemode.Device) {
	b.sched.BumpEpoch(device.ID)

	b.sched.Sequence(device.ID, func() {
		retry := b.retryConfig()
		replayed, err := b.buf.Replay(b.ctx, device.ID, b.gate,
			func(ctx context.Context, items []*delivery.Item) error {
				return delivery.Deliver(ctx, b.deliverer, device.ID, items, retry, b.logger)
			})
		if err != nil {
			b.logger.Warn("replay interrupted, remaining items stay buffered",
				"device", device.ID, "replayed", replayed, "error", err)
		}

		if refs := b.buf.DrainAudioRefs(device.ID); len(refs) > 0 {
			b.logger.Info("audio references released for upstream processing",
				"device", device.ID, "count", len(refs))
		}

		if replayed > 0 {
			b.bus.Emit(Event{Stream: "buffer", Type: "buffer_replayed", DeviceID: device.ID, Data: replayed})
			b.speakNotice(device, fmt.Sprintf("While you were away I held %d updates. You're caught up now.", replayed))
		}
	})
}

// speakNotice delivers a short user-visible notice outside the heartbeat
// cadence. Failures only log; notices are never buffered.
func (b *Brain) speakNotice(device *devicemode.Device, text string) {
	if !device.Machine.CanDeliverOutput() {
		return
	}
	item := delivery.NewItem(device.ID, delivery.KindNotification, text, 3, time.Now())
	if err := b.deliverer.DeliverBatch(b.ctx, device.ID, []*delivery.Item{item}); err != nil {
		b.logger.Warn("notice delivery failed", "device", device.ID, "error", err)
	}
}

// ---------- helpers ----------

func (b *Brain) mostRecentDevice() string {
	var id string
	var latest time.Time
	for _, d := range b.devices.All() {
		if d.Stale() {
			continue
		}
		if seen := d.LastSeen(); id == "" || seen.After(latest) {
			id = d.ID
			latest = seen
		}
	}
	return id
}

func (b *Brain) logProcessing(deviceID, eventKind, action, notes string) {
	if b.telemetry == nil {
		return
	}
	if err := b.telemetry.LogProcessing(deviceID, eventKind, action, notes); err != nil {
		b.logger.Debug("processing log write failed", "error", err)
	}
}

func (b *Brain) bumpMetrics(created, completed, delivered, buffered int) {
	if b.telemetry == nil {
		return
	}
	date := time.Now().UTC().Format("2006-01-02")
	if err := b.telemetry.BumpDailyMetrics(date, created, completed, delivered, buffered); err != nil {
		b.logger.Debug("metrics write failed", "error", err)
	}
}

func (b *Brain) snapshotDevice(device *devicemode.Device) {
	if b.telemetry == nil {
		return
	}
	if err := b.telemetry.SaveDeviceSnapshot(device); err != nil {
		b.logger.Debug("device snapshot write failed", "error", err)
	}
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// sleepWindow reads the scheduled sleep window under the config lock.
func (b *Brain) sleepWindow() SleepConfig {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return b.cfg.Sleep
}

// retryConfig reads the delivery retry bounds under the config lock.
func (b *Brain) retryConfig() delivery.RetryConfig {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return b.cfg.Heartbeat.Retry
}

// ApplyConfig hot-applies the reloadable knobs from a freshly-loaded
// config: the classification default and the sleep window. Cadence changes
// require a restart of the scheduler and are logged when they differ.
func (b *Brain) ApplyConfig(cfg *Config) {
	b.gate.SetDefaultOnAmbiguity(cfg.Privacy.DefaultOnAmbiguity)

	b.cfgMu.Lock()
	cadenceChanged := cfg.Heartbeat.MorningBriefing != b.cfg.Heartbeat.MorningBriefing ||
		cfg.Heartbeat.EveningSummary != b.cfg.Heartbeat.EveningSummary ||
		!strings.EqualFold(cfg.Heartbeat.WorkStart, b.cfg.Heartbeat.WorkStart)
	b.cfg.Sleep = cfg.Sleep
	b.cfgMu.Unlock()

	if cadenceChanged {
		b.logger.Info("cadence changes take effect after restart")
	}
}
