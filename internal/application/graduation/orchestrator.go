package graduation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/graduator/internal/domain"
	"github.com/alejandrodnm/graduator/internal/observability"
	"github.com/alejandrodnm/graduator/internal/ports"
	"github.com/google/uuid"
)

const (
	defaultPollInterval    = 10 * time.Second
	defaultRetention       = 7 * 24 * time.Hour
	defaultCleanupInterval = time.Hour
)

// Config drives the main loop.
type Config struct {
	PollInterval    time.Duration
	Retention       time.Duration // terminal tasks older than this are pruned
	CleanupInterval time.Duration
}

// Loop is an independent periodic job started alongside the main loop.
type Loop interface {
	Run(ctx context.Context)
}

// Orchestrator owns the in-memory lifecycle state of one process run: the
// processed-event set, the failed set and the FIFO queue of tasks to execute.
// It is rebuilt from the store on Start.
type Orchestrator struct {
	runID    string
	poller   *Poller
	executor *Executor
	resumer  *Resumer
	store    ports.SagaStore
	state    ports.PollerState
	cfg      Config
	metrics  *observability.Metrics
	health   *observability.HealthChecker
	loops    []Loop
	now      func() time.Time

	processed   map[string]string   // graduation tx digest → task id
	failed      map[string]struct{} // task ids that ended FAILED
	queue       []string            // task ids in detection order
	queued      map[string]struct{}
	lastCleanup time.Time
}

func NewOrchestrator(
	poller *Poller,
	executor *Executor,
	resumer *Resumer,
	store ports.SagaStore,
	state ports.PollerState,
	cfg Config,
) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	return &Orchestrator{
		runID:     uuid.NewString(),
		poller:    poller,
		executor:  executor,
		resumer:   resumer,
		store:     store,
		state:     state,
		cfg:       cfg,
		now:       time.Now,
		processed: make(map[string]string),
		failed:    make(map[string]struct{}),
		queued:    make(map[string]struct{}),
	}
}

func (o *Orchestrator) WithMetrics(m *observability.Metrics) *Orchestrator { o.metrics = m; return o }

func (o *Orchestrator) WithHealth(h *observability.HealthChecker) *Orchestrator { o.health = h; return o }

// WithLoop registers a periodic job (fee collection) run by Run.
func (o *Orchestrator) WithLoop(l Loop) *Orchestrator { o.loops = append(o.loops, l); return o }

// RunID identifies this process run in logs.
func (o *Orchestrator) RunID() string { return o.runID }

// Start rehydrates the processed and failed sets from the store and queues
// every task the resumer returns, oldest first.
func (o *Orchestrator) Start(ctx context.Context) error {
	processed, err := o.state.ProcessedEvents(ctx)
	if err != nil {
		return fmt.Errorf("graduation.Start: processed events: %w", err)
	}
	o.processed = processed

	resumed, err := o.resumer.Resume(ctx)
	if err != nil {
		return fmt.Errorf("graduation.Start: %w", err)
	}
	for _, t := range resumed {
		o.enqueue(t.TaskID)
	}

	all, err := o.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("graduation.Start: load tasks: %w", err)
	}
	for id, t := range all {
		if t.Status == domain.StatusFailed {
			o.failed[id] = struct{}{}
		}
	}

	last, _ := o.state.LastProcessedTime(ctx)
	slog.Info("graduation: orchestrator started",
		"run", o.runID,
		"tasks", len(all),
		"resumed", len(resumed),
		"failed", len(o.failed),
		"processed_events", len(o.processed),
		"last_processed", last,
	)
	if o.health != nil {
		o.health.SetReady(true)
	}
	return nil
}

// Run starts the periodic loops, then polls and drains until ctx is done.
// In-flight notifications are awaited before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, l := range o.loops {
		wg.Add(1)
		go func(l Loop) {
			defer wg.Done()
			l.Run(ctx)
		}(l)
	}
	defer func() {
		wg.Wait()
		o.executor.Wait()
	}()

	o.Tick(ctx)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("graduation: orchestrator stopped", "run", o.runID, "queued", len(o.queue))
			return nil
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick polls once, executes every queued task in order, and prunes old
// terminal tasks when due.
func (o *Orchestrator) Tick(ctx context.Context) {
	created, err := o.poller.Poll(ctx, o.processed)
	for _, t := range created {
		if o.enqueue(t.TaskID) && t.Status == domain.StatusDetected {
			o.metrics.Detected()
		}
	}
	o.metrics.Polled(o.now(), err)
	if err != nil && ctx.Err() == nil {
		slog.Error("graduation: poll failed", "err", err)
	}

	o.Drain(ctx)
	o.cleanup(ctx)
}

// Drain executes queued tasks strictly one at a time. A task that is neither
// COMPLETED nor FAILED after its run (store outage, shutdown) stays at the
// head of the queue so ordering is kept.
func (o *Orchestrator) Drain(ctx context.Context) {
	for len(o.queue) > 0 && ctx.Err() == nil {
		id := o.queue[0]
		task, err := o.store.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			slog.Info("graduation: queued task removed by operator", "task", id)
			o.dequeue()
			continue
		}
		if err != nil {
			slog.Error("graduation: load queued task", "task", id, "err", err)
			return
		}
		if task.Status.Terminal() {
			o.dequeue()
			continue
		}

		err = o.executor.Run(ctx, task)
		switch {
		case task.Status == domain.StatusFailed:
			o.failed[id] = struct{}{}
			o.dequeue()
		case task.Status == domain.StatusCompleted:
			o.dequeue()
		default:
			if err != nil && ctx.Err() == nil {
				slog.Error("graduation: task interrupted, will retry next tick", "task", id, "err", err)
			}
			return
		}
	}
}

// enqueue reports whether id was added.
func (o *Orchestrator) enqueue(id string) bool {
	if _, ok := o.queued[id]; ok {
		return false
	}
	o.queued[id] = struct{}{}
	o.queue = append(o.queue, id)
	o.metrics.Queue(len(o.queue))
	return true
}

func (o *Orchestrator) dequeue() {
	delete(o.queued, o.queue[0])
	o.queue = o.queue[1:]
	o.metrics.Queue(len(o.queue))
}

func (o *Orchestrator) cleanup(ctx context.Context) {
	now := o.now()
	if now.Sub(o.lastCleanup) < o.cfg.CleanupInterval {
		return
	}
	o.lastCleanup = now
	n, err := o.store.PruneTerminal(ctx, now.Add(-o.cfg.Retention))
	if err != nil {
		slog.Warn("graduation: prune terminal tasks", "err", err)
		return
	}
	if n > 0 {
		slog.Info("graduation: pruned terminal tasks", "count", n, "retention", o.cfg.Retention)
	}
}

// Queue returns the queued task ids in execution order.
func (o *Orchestrator) Queue() []string {
	return append([]string(nil), o.queue...)
}

// Failed reports whether a task ended FAILED during or before this run.
func (o *Orchestrator) Failed(id string) bool {
	_, ok := o.failed[id]
	return ok
}
