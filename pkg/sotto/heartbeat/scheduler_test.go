package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sottolabs/sotto/pkg/sotto/buffer"
	"github.com/sottolabs/sotto/pkg/sotto/delivery"
	"github.com/sottolabs/sotto/pkg/sotto/devicemode"
	"github.com/sottolabs/sotto/pkg/sotto/privacy"
	"github.com/sottolabs/sotto/pkg/sotto/tasks"
)

// captureDeliverer records delivered batches.
type captureDeliverer struct {
	mu      sync.Mutex
	batches [][]*delivery.Item
	fail    bool
}

func (c *captureDeliverer) DeliverBatch(_ context.Context, _ string, items []*delivery.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("transport down")
	}
	c.batches = append(c.batches, items)
	return nil
}

func (c *captureDeliverer) delivered() [][]*delivery.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]*delivery.Item, len(c.batches))
	copy(out, c.batches)
	return out
}

type fixture struct {
	sched     *Scheduler
	devices   *devicemode.Registry
	gate      *privacy.Gate
	tasksMgr  *tasks.Manager
	buf       *buffer.Coordinator
	deliverer *captureDeliverer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Retry = delivery.RetryConfig{MaxRetries: 1, Backoff: time.Millisecond, AttemptTimeout: time.Second}

	f := &fixture{
		devices:   devicemode.NewRegistry(devicemode.DefaultConfig(), nil),
		gate:      privacy.NewGate(privacy.DefaultConfig(), nil, nil, nil),
		tasksMgr:  tasks.NewManager(tasks.DefaultConfig(), nil, nil),
		buf:       buffer.NewCoordinator(buffer.DefaultConfig(), nil, nil, nil),
		deliverer: &captureDeliverer{},
	}
	f.sched = New(cfg, f.devices, f.gate, f.tasksMgr, f.buf, f.deliverer, nil, nil)
	return f
}

// activeDevice registers a device in FullyActive with output available.
func (f *fixture) activeDevice(id string) *devicemode.Device {
	d := f.devices.GetOrCreate(id, devicemode.ClassMobile)
	d.Machine.Apply(devicemode.EventOutputAvailable)
	return d
}

func TestRunCycleDeliversCandidates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.activeDevice("dev")

	item := delivery.NewItem("dev", delivery.KindBriefing, "calendar is clear", 5, time.Now())
	if err := f.sched.Push(item); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if err := f.sched.RunCycle(context.Background(), d, CadenceWork); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	batches := f.deliverer.delivered()
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("delivered %d batches, want 1 with 1 item", len(batches))
	}
	if batches[0][0].DeliveredAt == nil {
		t.Error("delivered item missing DeliveredAt stamp")
	}
	if f.sched.CandidateCount("dev") != 0 {
		t.Errorf("candidate count after delivery = %d, want 0", f.sched.CandidateCount("dev"))
	}
}

func TestRunCycleBuffersWhenNotDeliverable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.activeDevice("dev")
	d.Machine.Apply(devicemode.EventOutputUnavailable) // InputOnly

	f.sched.Push(delivery.NewItem("dev", delivery.KindNotification, "while offline", 5, time.Now()))

	if err := f.sched.RunCycle(context.Background(), d, CadenceWork); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if len(f.deliverer.delivered()) != 0 {
		t.Error("batch delivered to a non-deliverable device")
	}
	if f.buf.Len("dev") != 1 {
		t.Errorf("buffered items = %d, want 1", f.buf.Len("dev"))
	}
}

func TestRunCycleDiscardsBatchWhenEpochBumpsMidCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	// The assembler runs mid-cycle; bumping the epoch from it simulates a
	// quiet command arriving while the batch was being computed.
	assembler := AssemblerFunc(func(_ context.Context, deviceID string, _ Cadence) ([]*delivery.Item, error) {
		f.sched.BumpEpoch(deviceID)
		return nil, nil
	})
	f.sched.assembler = assembler

	d := f.activeDevice("dev")
	f.sched.Push(delivery.NewItem("dev", delivery.KindBriefing, "stale content", 5, time.Now()))

	if err := f.sched.RunCycle(context.Background(), d, CadenceWork); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if len(f.deliverer.delivered()) != 0 {
		t.Error("superseded cycle still delivered its batch")
	}
	// The batch is requeued for the next cycle, not dropped.
	if f.sched.CandidateCount("dev") != 1 {
		t.Errorf("candidate count = %d, want 1 (requeued)", f.sched.CandidateCount("dev"))
	}
}

func TestRunCycleSkipsOnAssemblerTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sched.cfg.AssemblyTimeout = 10 * time.Millisecond
	f.sched.assembler = AssemblerFunc(func(ctx context.Context, _ string, _ Cadence) ([]*delivery.Item, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	d := f.activeDevice("dev")
	f.sched.Push(delivery.NewItem("dev", delivery.KindBriefing, "queued before timeout", 5, time.Now()))

	err := f.sched.RunCycle(context.Background(), d, CadenceMorning)
	if !errors.Is(err, ErrCollaboratorTimeout) {
		t.Fatalf("RunCycle = %v, want ErrCollaboratorTimeout", err)
	}

	if len(f.deliverer.delivered()) != 0 {
		t.Error("timed-out cycle delivered a batch")
	}
	// Candidates survive for the next cadence boundary.
	if f.sched.CandidateCount("dev") != 1 {
		t.Errorf("candidate count = %d, want 1", f.sched.CandidateCount("dev"))
	}
}

func TestRunCycleAssemblerErrorContinuesWithoutContent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sched.assembler = AssemblerFunc(func(context.Context, string, Cadence) ([]*delivery.Item, error) {
		return nil, errors.New("calendar API down")
	})

	d := f.activeDevice("dev")
	f.sched.Push(delivery.NewItem("dev", delivery.KindNotification, "still goes out", 5, time.Now()))

	if err := f.sched.RunCycle(context.Background(), d, CadenceWork); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(f.deliverer.delivered()) != 1 {
		t.Error("queued candidates were not delivered despite assembler failure")
	}
}

func TestPushRejectsPrivate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	item := delivery.NewItem("dev", delivery.KindNotification, "medical info", 5, time.Now())
	item.Private = true

	if err := f.sched.Push(item); !errors.Is(err, privacy.ErrPrivacyViolation) {
		t.Fatalf("Push(private) = %v, want ErrPrivacyViolation", err)
	}
	if f.sched.CandidateCount("dev") != 0 {
		t.Error("private item entered the candidate set")
	}
	if f.gate.ReactiveCount("dev") != 1 {
		t.Error("private item not redirected to the reactive store")
	}
}

func TestRunCycleClaimsAndMarksTaskReminders(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	d := f.activeDevice("dev")

	task, _ := f.tasksMgr.Create(tasks.Candidate{Description: "file taxes"}, time.Now().Add(-time.Minute))

	if err := f.sched.RunCycle(context.Background(), d, CadenceWork); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	batches := f.deliverer.delivered()
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("delivered %d batches, want 1 reminder", len(batches))
	}
	if batches[0][0].Kind != delivery.KindTaskReminder || batches[0][0].TaskID != task.ID {
		t.Errorf("delivered item = %+v, want a reminder for %s", batches[0][0], task.ID)
	}

	got, _ := f.tasksMgr.Get(task.ID)
	if got.Status != tasks.StatusReminded || got.RemindCount != 1 {
		t.Errorf("task after delivery: status=%s count=%d, want reminded/1", got.Status, got.RemindCount)
	}

	// A second cycle before the rescheduled time delivers nothing.
	if err := f.sched.RunCycle(context.Background(), d, CadenceWork); err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if len(f.deliverer.delivered()) != 1 {
		t.Error("the same reminder was delivered twice")
	}
}

func TestRunCycleFallsBackToBufferOnDeliveryFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.deliverer.fail = true
	d := f.activeDevice("dev")

	f.sched.Push(delivery.NewItem("dev", delivery.KindNotification, "lost in transit", 5, time.Now()))

	err := f.sched.RunCycle(context.Background(), d, CadenceWork)
	if !errors.Is(err, delivery.ErrDeliveryFailed) {
		t.Fatalf("RunCycle = %v, want ErrDeliveryFailed", err)
	}
	if f.buf.Len("dev") != 1 {
		t.Errorf("buffered items after retry exhaustion = %d, want 1", f.buf.Len("dev"))
	}
}
