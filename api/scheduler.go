/*
scheduler.go - Loan monitor scheduler

PURPOSE:
  Periodically runs the overdue monitor and drains the outbox so that
  notifications, sales and returns reach the collaborators without a
  human pressing a button.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each tick: sweep late loans, queue one notification per loan per day,
    count due reminders, then dispatch a batch of pending intents
  - Repeat sweeps on the same day queue nothing new

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewMonitorScheduler(engine, dispatcher, metrics, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep, DrainOutbox endpoints (manual runs)
  - loans/monitor.go: Sweep, NotificationIntents, reminders
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/loan-engine/loans"
	"go.uber.org/zap"
)

// MonitorScheduler runs the loan monitor on a ticker.
type MonitorScheduler struct {
	Engine        *loans.Engine
	Dispatcher    *loans.Dispatcher
	Metrics       *Metrics
	CheckInterval time.Duration
	Enabled       bool

	// DrainInterval drains the outbox between monitor runs. Zero drains
	// only after each monitor run.
	DrainInterval time.Duration

	logger *zap.Logger
	ticker *time.Ticker
	drain  *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewMonitorScheduler creates a new scheduler.
func NewMonitorScheduler(engine *loans.Engine, dispatcher *loans.Dispatcher, metrics *Metrics, logger *zap.Logger) *MonitorScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &MonitorScheduler{
		Engine:        engine,
		Dispatcher:    dispatcher,
		Metrics:       metrics,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		logger:        logger.Named("scheduler"),
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (ms *MonitorScheduler) Start() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !ms.Enabled {
		ms.logger.Info("disabled, not starting")
		return
	}

	ms.ticker = time.NewTicker(ms.CheckInterval)
	if ms.DrainInterval > 0 && ms.Dispatcher != nil {
		ms.drain = time.NewTicker(ms.DrainInterval)
	}
	ms.wg.Add(1)

	go ms.run()

	ms.logger.Info("started", zap.Duration("check_interval", ms.CheckInterval))
}

// Stop stops the scheduler and waits for the current run to finish.
func (ms *MonitorScheduler) Stop() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.ticker != nil {
		ms.ticker.Stop()
		if ms.drain != nil {
			ms.drain.Stop()
		}
		close(ms.stop)
		ms.wg.Wait()
		ms.ticker = nil
		ms.logger.Info("stopped")
	}
}

func (ms *MonitorScheduler) run() {
	defer ms.wg.Done()

	// Run immediately on start
	ms.RunNow(context.Background())

	var drainC <-chan time.Time
	if ms.drain != nil {
		drainC = ms.drain.C
	}
	for {
		select {
		case <-ms.ticker.C:
			ms.RunNow(context.Background())
		case <-drainC:
			ms.drainOutbox(context.Background())
		case <-ms.stop:
			return
		}
	}
}

// RunNow performs one monitor pass followed by an outbox drain.
func (ms *MonitorScheduler) RunNow(ctx context.Context) {
	resp, err := runMonitor(ctx, ms.Engine, ms.Metrics, ms.Engine.Now())
	if err != nil {
		ms.logger.Error("monitor run failed", zap.Error(err))
		return
	}
	if len(resp.Events) > 0 || resp.Reminders > 0 {
		ms.logger.Info("monitor run",
			zap.Int("events", len(resp.Events)),
			zap.Int("notifications", resp.Notifications),
			zap.Int("reminders", resp.Reminders),
		)
	}

	ms.drainOutbox(ctx)
}

func (ms *MonitorScheduler) drainOutbox(ctx context.Context) {
	if ms.Dispatcher == nil {
		return
	}
	res, err := ms.Dispatcher.Drain(ctx)
	if err != nil {
		ms.logger.Error("outbox drain failed", zap.Error(err))
		return
	}
	ms.Metrics.recordDrain(res)
}

// GetNextRunTime returns when the next scheduled check will occur.
func (ms *MonitorScheduler) GetNextRunTime() time.Time {
	return ms.Engine.Now().Add(ms.CheckInterval)
}

// runMonitor sweeps late loans, queues their daily notifications and
// records due reminders. It is shared by the ticker and the admin endpoint.
func runMonitor(ctx context.Context, engine *loans.Engine, metrics *Metrics, now time.Time) (SweepResponse, error) {
	events, err := engine.Sweep(ctx, now)
	if err != nil {
		return SweepResponse{}, err
	}
	metrics.recordOverdue(events)

	queued, err := engine.NotificationIntents(ctx, events)
	if err != nil {
		return SweepResponse{}, err
	}

	due, err := engine.DueReminders(ctx, now)
	if err != nil {
		return SweepResponse{}, err
	}
	for _, t := range due {
		if _, err := engine.RecordReminder(ctx, t.ID, now); err != nil {
			return SweepResponse{}, err
		}
	}

	if events == nil {
		events = []loans.OverdueEvent{}
	}
	return SweepResponse{Events: events, Notifications: queued, Reminders: len(due)}, nil
}
