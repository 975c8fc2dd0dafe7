// Package worker implements the polling loop and task executor that drive
// Plans/Tasks through their lifecycles (§4.5, §4.6).
package worker

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opsdeck/reprocessor/internal/config"
	"github.com/opsdeck/reprocessor/internal/domain"
	"github.com/opsdeck/reprocessor/internal/events"
	"github.com/opsdeck/reprocessor/internal/log"
	"github.com/opsdeck/reprocessor/internal/orchestrator"
	"github.com/opsdeck/reprocessor/internal/pubsub"
	"github.com/opsdeck/reprocessor/internal/store"
	"github.com/opsdeck/reprocessor/internal/tracing"
)

// Bus is the subset of pubsub.Bus[events.Event] the worker needs; it lets
// tests substitute a bare local broker for the Redis-backed one.
type Bus interface {
	Publish(ctx context.Context, eventType pubsub.EventType, payload events.Event)
}

// Worker runs the single polling loop described in §4.5: one goroutine
// dispatches onto a bounded pool of executor slots, per the configured
// worker_max_threads.
type Worker struct {
	id     string
	store  store.Store
	client *orchestrator.Client
	bus    Bus
	tracer *tracing.Provider

	slots chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	inflight map[int64]map[int64]struct{} // planID -> set of taskIDs

	cfgMu sync.RWMutex
	cfg   config.Config
}

// New builds a Worker. tracer may be nil (treated as no-op, matching
// orchestrator.NewClient's convention).
func New(id string, st store.Store, client *orchestrator.Client, bus Bus, cfg config.Config, tracer *tracing.Provider) *Worker {
	return &Worker{
		id:       id,
		store:    st,
		client:   client,
		bus:      bus,
		cfg:      cfg,
		tracer:   tracer,
		slots:    make(chan struct{}, cfg.WorkerMaxThreads),
		inflight: make(map[int64]map[int64]struct{}),
	}
}

// Run polls until ctx is canceled. On cancellation it stops submitting new
// tasks and waits for outstanding executor slots to drain before
// returning (§4.5 shutdown). The poll interval is re-read every tick so a
// config hot-reload (UpdateMutableConfig) takes effect without a restart.
func (w *Worker) Run(ctx context.Context) error {
	interval := w.pollInterval()
	log.Info(log.CatWorker, "worker loop starting", "worker_id", w.id, "poll_interval", interval.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		w.pollOnce(ctx)

		if next := w.pollInterval(); next != interval {
			interval = next
			ticker.Reset(interval)
			log.Info(log.CatWorker, "poll interval hot-reloaded", "worker_id", w.id, "poll_interval", interval.String())
		}

		select {
		case <-ctx.Done():
			log.Info(log.CatWorker, "worker loop draining", "worker_id", w.id)
			w.wg.Wait()
			log.Info(log.CatWorker, "worker loop stopped", "worker_id", w.id)
			return nil
		case <-ticker.C:
		}
	}
}

// pollInterval returns the current poll interval under the config lock, so
// a concurrent UpdateMutableConfig call is observed on the next tick.
func (w *Worker) pollInterval() time.Duration {
	w.cfgMu.RLock()
	defer w.cfgMu.RUnlock()
	return w.cfg.WorkerPollInterval
}

// taskTimeout returns the current per-task timeout under the config lock.
func (w *Worker) taskTimeout() time.Duration {
	w.cfgMu.RLock()
	defer w.cfgMu.RUnlock()
	return w.cfg.TaskTimeout
}

// restFallbackToCLI returns whether a failed REST rerun should fall back
// to the CLI, under the config lock.
func (w *Worker) restFallbackToCLI() bool {
	w.cfgMu.RLock()
	defer w.cfgMu.RUnlock()
	return w.cfg.RESTFallbackToCLI
}

// outputLimits returns the current max stdout/stderr capture sizes under
// the config lock.
func (w *Worker) outputLimits() (maxStdout, maxStderr int) {
	w.cfgMu.RLock()
	defer w.cfgMu.RUnlock()
	return w.cfg.MaxStdout, w.cfg.MaxStderr
}

// UpdateMutableConfig applies a config hot-reload (§12): only the
// settings that are safe to change without a restart take effect — poll
// interval, task timeout, output caps, the REST-fallback-to-CLI feature
// flag, and the pre-task hook. Connection strings, credentials, and the executor pool
// size are fixed at process start and are not touched here.
func (w *Worker) UpdateMutableConfig(cfg config.Config) {
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()
	w.cfg.WorkerPollInterval = cfg.WorkerPollInterval
	w.cfg.TaskTimeout = cfg.TaskTimeout
	w.cfg.MaxStdout = cfg.MaxStdout
	w.cfg.MaxStderr = cfg.MaxStderr
	w.cfg.RESTFallbackToCLI = cfg.RESTFallbackToCLI
	w.cfg.PreTaskCmd = cfg.PreTaskCmd
	w.cfg.PreTaskShellCmd = cfg.PreTaskShellCmd
}

func (w *Worker) pollOnce(ctx context.Context) {
	tracer := w.tracerOrNoop()
	ctx, span := tracer.Tracer().Start(ctx, tracing.SpanPrefixWorker+"poll_iteration")
	defer span.End()
	span.SetAttributes(attribute.String(tracing.AttrWorkerID, w.id))
	ctx = tracing.ContextWithTraceID(ctx, span.SpanContext().TraceID().String())

	plans, err := w.store.ListRunningPlans(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.ErrorErr(log.CatWorker, "listing running plans failed", err, "worker_id", w.id, "trace_id", tracing.TraceIDFromContext(ctx))
		return
	}

	for _, plan := range plans {
		w.admitPlan(ctx, plan)
		w.checkCompletion(ctx, plan)
	}

	w.publishHeartbeat(ctx)
}

// admitPlan implements §4.5 steps 2-3: compute slack against this
// worker's local inflight set and submit up to `slack` PENDING tasks,
// oldest-id-first.
func (w *Worker) admitPlan(ctx context.Context, plan *domain.Plan) {
	w.mu.Lock()
	inflight := w.inflightSetLocked(plan.ID)
	slack := plan.MaxConcurrency - len(inflight)
	w.mu.Unlock()

	if slack <= 0 {
		return
	}

	tasks, err := w.store.ListPendingTasks(ctx, plan.ID, slack)
	if err != nil {
		log.ErrorErr(log.CatWorker, "listing pending tasks failed", err, "plan_id", plan.ID)
		return
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		w.mu.Lock()
		w.inflightSetLocked(plan.ID)[task.ID] = struct{}{}
		w.mu.Unlock()
		w.submit(ctx, plan, task)
	}
}

// submit dispatches run_task onto the bounded executor pool. It blocks
// only until a slot is free or ctx is canceled; the actual work runs in
// its own goroutine tracked by w.wg so Run's shutdown path can drain it.
func (w *Worker) submit(ctx context.Context, plan *domain.Plan, task *domain.Task) {
	select {
	case w.slots <- struct{}{}:
	case <-ctx.Done():
		w.clearInflight(plan.ID, task.ID)
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.slots }()
		defer w.clearInflight(plan.ID, task.ID)

		w.runTask(context.Background(), plan, task)
	}()
}

func (w *Worker) clearInflight(planID, taskID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if set, ok := w.inflight[planID]; ok {
		delete(set, taskID)
	}
}

func (w *Worker) inflightSetLocked(planID int64) map[int64]struct{} {
	set, ok := w.inflight[planID]
	if !ok {
		set = make(map[int64]struct{})
		w.inflight[planID] = set
	}
	return set
}

// checkCompletion implements §4.5 step 4: a plan is done once every task
// is terminal and this worker has nothing left inflight for it. Other
// workers' inflight tasks are covered because a task only reaches a
// terminal status once its executor commits the terminal write.
func (w *Worker) checkCompletion(ctx context.Context, plan *domain.Plan) {
	w.mu.Lock()
	inflightCount := len(w.inflightSetLocked(plan.ID))
	w.mu.Unlock()
	if inflightCount > 0 {
		return
	}

	counts, err := w.store.PlanCompletionCounts(ctx, plan.ID)
	if err != nil {
		log.ErrorErr(log.CatWorker, "computing plan completion counts failed", err, "plan_id", plan.ID)
		return
	}

	if counts.Total > 0 && counts.Terminal != counts.Total {
		return
	}

	finalStatus := domain.PlanCompleted
	if counts.AnyFailed {
		finalStatus = domain.PlanFailed
	}
	if err := w.store.CompletePlan(ctx, plan.ID, finalStatus); err != nil {
		log.ErrorErr(log.CatWorker, "completing plan failed", err, "plan_id", plan.ID)
		return
	}

	w.mu.Lock()
	delete(w.inflight, plan.ID)
	w.mu.Unlock()

	w.bus.Publish(ctx, pubsub.CreatedEvent, events.Event{
		Kind: events.PlanCompleted, PlanID: plan.ID, Status: string(finalStatus), Timestamp: time.Now(),
	})
}

func (w *Worker) publishHeartbeat(ctx context.Context) {
	w.bus.Publish(ctx, pubsub.CreatedEvent, events.Event{
		Kind: events.WorkerHeartbeat, WorkerID: w.id, Timestamp: time.Now(),
	})
}

func (w *Worker) tracerOrNoop() *tracing.Provider {
	if w.tracer != nil {
		return w.tracer
	}
	p, _ := tracing.NewProvider(tracing.Config{Enabled: false})
	return p
}
