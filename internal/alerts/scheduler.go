package alerts

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokenwatch/tokenwatch/internal/metrics"
	"github.com/tokenwatch/tokenwatch/pkg/models"
)

// DefaultEvaluationInterval is how often the scheduler runs a full
// evaluation pass when no interval is configured.
const DefaultEvaluationInterval = 5 * time.Minute

// OrgLister enumerates the organizations to evaluate. *sqlite.DB
// satisfies it.
type OrgLister interface {
	ListOrganizationIDs(ctx context.Context) ([]models.OrgID, error)
}

// Dispatcher is the delivery surface the scheduler drives after an
// evaluation pass.
type Dispatcher interface {
	DispatchAlertTriggered(ctx context.Context, triggerID models.TriggerID) error
	SweepFailedDeliveries(ctx context.Context) error
}

// SchedulerOptions encapsulates the dependencies required to run the
// recurring evaluation driver.
type SchedulerOptions struct {
	Interval   time.Duration
	Engine     *Engine
	Orgs       OrgLister
	Dispatcher Dispatcher
	Logger     *slog.Logger
}

// Scheduler drives the pipeline: on every tick it evaluates all alerts
// for every organization, dispatches notifications for freshly inserted
// triggers, and runs the failed-delivery sweep. The handle owns its
// timer; construct it once at process startup and pass it to shutdown
// hooks explicitly.
type Scheduler struct {
	interval   time.Duration
	engine     *Engine
	orgs       OrgLister
	dispatcher Dispatcher
	log        *slog.Logger

	running atomic.Bool // Start/Stop idempotency.
	ticking atomic.Bool // re-entrancy guard against overlapping ticks
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler constructs a scheduler. It does not start ticking.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultEvaluationInterval
	}
	return &Scheduler{
		interval:   interval,
		engine:     opts.Engine,
		orgs:       opts.Orgs,
		dispatcher: opts.Dispatcher,
		log:        opts.Logger.With("component", "alert_scheduler"),
	}
}

// Start launches the evaluation loop and runs one tick immediately so
// alerts fire soon after startup. Starting an already-running scheduler
// is a logged no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Info("scheduler already running, ignoring start")
		return
	}
	s.log.Info("starting alert scheduler", "interval", s.interval)

	// Stop closes the previous channel; a restarted scheduler needs a
	// fresh one.
	stop := make(chan struct{})
	s.stop = stop

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.Tick(ctx)

		for {
			select {
			case <-ticker.C:
				s.Tick(ctx)
			case <-stop:
				s.log.Info("alert scheduler stopping")
				return
			case <-ctx.Done():
				s.log.Info("alert scheduler context cancelled")
				return
			}
		}
	}()
}

// Stop cancels the recurring timer and waits for any in-progress tick
// to finish. Idempotent. In-flight delivery attempts run to completion
// on their own timers.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stop)
	s.wg.Wait()
}

// Tick runs one full evaluation pass. A tick that fires while the
// previous one is still running is skipped; with many tenants and slow
// endpoints a pass can outlast the interval, and overlapping passes
// would double-evaluate every alert.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		metrics.SchedulerTicksSkipped.Inc()
		s.log.Warn("previous evaluation pass still running, skipping tick")
		return
	}
	defer s.ticking.Store(false)

	defer func() {
		// One bad pass must never kill the timer loop.
		if r := recover(); r != nil {
			s.log.Error("evaluation pass panicked", "panic", r)
		}
	}()

	metrics.SchedulerTicks.Inc()
	started := time.Now()

	orgIDs, err := s.orgs.ListOrganizationIDs(ctx)
	if err != nil {
		s.log.Error("failed to list organizations", "error", err)
		return
	}

	var evaluated, dispatched int
	for _, orgID := range orgIDs {
		results, err := s.engine.EvaluateAlerts(ctx, orgID)
		if err != nil {
			s.log.Error("evaluation pass failed for org", "org_id", orgID, "error", err)
			continue
		}
		evaluated += len(results)

		for _, result := range results {
			// Only freshly inserted triggers are dispatched; suppressed
			// repeats within the suppression window stay quiet.
			if result.Trigger == nil {
				continue
			}
			if err := s.dispatcher.DispatchAlertTriggered(ctx, result.Trigger.ID); err != nil {
				s.log.Error("failed to dispatch trigger",
					"org_id", orgID, "alert_id", result.AlertID, "trigger_id", result.Trigger.ID, "error", err)
				continue
			}
			dispatched++
		}
	}

	if err := s.dispatcher.SweepFailedDeliveries(ctx); err != nil {
		s.log.Error("failed-delivery sweep failed", "error", err)
	}

	s.log.Debug("evaluation pass complete",
		"orgs", len(orgIDs), "alerts_evaluated", evaluated, "triggers_dispatched", dispatched,
		"duration", time.Since(started))
}
