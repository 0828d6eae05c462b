package alerts

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tokenwatch/tokenwatch/pkg/models"
)

type fakeOrgLister struct {
	orgs []models.OrgID
}

func (f *fakeOrgLister) ListOrganizationIDs(_ context.Context) ([]models.OrgID, error) {
	return f.orgs, nil
}

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []models.TriggerID
	sweeps     int
	panicOnce  bool
}

func (f *fakeDispatcher) DispatchAlertTriggered(_ context.Context, triggerID models.TriggerID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnce {
		f.panicOnce = false
		panic("dispatcher exploded")
	}
	f.dispatched = append(f.dispatched, triggerID)
	return nil
}

func (f *fakeDispatcher) SweepFailedDeliveries(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return nil
}

// blockingDispatcher parks inside the sweep until released, holding a
// pass open so another tick can arrive mid-pass.
type blockingDispatcher struct {
	fakeDispatcher
	entered chan struct{}
	release chan struct{}
}

func (b *blockingDispatcher) SweepFailedDeliveries(ctx context.Context) error {
	b.entered <- struct{}{}
	<-b.release
	return b.fakeDispatcher.SweepFailedDeliveries(ctx)
}

func newTestScheduler(store *fakeStore, events []models.EventRecord, dispatcher Dispatcher) *Scheduler {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewScheduler(SchedulerOptions{
		Interval:   time.Hour,
		Engine:     testEngine(store, events, now),
		Orgs:       &fakeOrgLister{orgs: []models.OrgID{1}},
		Dispatcher: dispatcher,
		Logger:     slog.Default(),
	})
}

func TestSchedulerTickDispatchesFreshTriggers(t *testing.T) {
	store := newFakeStore(testConfig(1, models.MetricRequestsPerHour, 5, models.OperatorGreaterThan))
	dispatcher := &fakeDispatcher{}
	sched := newTestScheduler(store, make([]models.EventRecord, 10), dispatcher)

	sched.Tick(context.Background())

	if len(dispatcher.dispatched) != 1 {
		t.Fatalf("dispatched %d triggers, want 1", len(dispatcher.dispatched))
	}
	if dispatcher.sweeps != 1 {
		t.Errorf("sweeps = %d, want 1", dispatcher.sweeps)
	}
}

func TestSchedulerTickSkipsSuppressedTriggers(t *testing.T) {
	cfg := testConfig(1, models.MetricRequestsPerHour, 5, models.OperatorGreaterThan)
	store := newFakeStore(cfg)
	store.latest[cfg.ID] = &models.AlertTrigger{
		ID:          3,
		AlertID:     cfg.ID,
		TriggeredAt: time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC),
		Status:      models.TriggerStatusTriggered,
	}
	dispatcher := &fakeDispatcher{}
	sched := newTestScheduler(store, make([]models.EventRecord, 10), dispatcher)

	sched.Tick(context.Background())

	if len(dispatcher.dispatched) != 0 {
		t.Errorf("dispatched %d triggers, want 0 for suppressed breach", len(dispatcher.dispatched))
	}
	// The sweep runs regardless of evaluation outcomes.
	if dispatcher.sweeps != 1 {
		t.Errorf("sweeps = %d, want 1", dispatcher.sweeps)
	}
}

func TestSchedulerTickRecoversFromPanic(t *testing.T) {
	store := newFakeStore(testConfig(1, models.MetricRequestsPerHour, 5, models.OperatorGreaterThan))
	dispatcher := &fakeDispatcher{panicOnce: true}
	sched := newTestScheduler(store, make([]models.EventRecord, 10), dispatcher)

	// Must not propagate the panic from the dispatcher.
	sched.Tick(context.Background())
}

func TestSchedulerTickSkipsWhileTicking(t *testing.T) {
	store := newFakeStore(testConfig(1, models.MetricRequestsPerHour, 5, models.OperatorGreaterThan))
	dispatcher := &blockingDispatcher{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	sched := newTestScheduler(store, make([]models.EventRecord, 10), dispatcher)

	done := make(chan struct{})
	go func() {
		sched.Tick(context.Background())
		close(done)
	}()
	<-dispatcher.entered

	// Arrives while the first pass is still inside the sweep; must be
	// skipped rather than evaluated a second time.
	sched.Tick(context.Background())

	close(dispatcher.release)
	<-done

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.dispatched) != 1 {
		t.Errorf("dispatched %d triggers, want 1 from the single completed pass", len(dispatcher.dispatched))
	}
	if dispatcher.sweeps != 1 {
		t.Errorf("sweeps = %d, want 1", dispatcher.sweeps)
	}
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	store := newFakeStore()
	dispatcher := &fakeDispatcher{}
	sched := newTestScheduler(store, nil, dispatcher)

	ctx := context.Background()
	sched.Start(ctx)
	sched.Start(ctx) // no-op
	sched.Stop()
	sched.Stop() // no-op
}

func TestSchedulerRestart(t *testing.T) {
	store := newFakeStore()
	dispatcher := &fakeDispatcher{}
	sched := newTestScheduler(store, nil, dispatcher)

	ctx := context.Background()
	sched.Start(ctx)
	sched.Stop()
	sched.Start(ctx)
	sched.Stop()

	// Each Start runs one immediate pass; the restart must tick again
	// instead of inheriting the closed stop channel.
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if dispatcher.sweeps != 2 {
		t.Errorf("sweeps = %d, want 2", dispatcher.sweeps)
	}
}
