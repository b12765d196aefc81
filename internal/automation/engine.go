package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/rxfield/crm/internal/domain"
	"github.com/rxfield/crm/internal/pkg/distlock"
	"github.com/rxfield/crm/internal/pkg/logger"
)

const (
	DefaultSchedule    = "@every 1m"
	DefaultConcurrency = 8
	DefaultStaleAfter  = 15 * time.Minute

	// StaleReason is stored on executions abandoned by a crashed worker.
	StaleReason = "execution abandoned"

	// InactiveReason is stored on executions cancelled because their lead
	// left the campaign after they were claimed.
	InactiveReason = "enrollment no longer active"
)

// Config tunes the sweep loop.
type Config struct {
	Schedule        string
	BatchSize       int
	Concurrency     int
	HandlerTimeout  time.Duration
	RecheckInterval time.Duration
	StaleAfter      time.Duration
}

func (c *Config) applyDefaults() {
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
}

// Stores groups the persistence the engine runs on.
type Stores struct {
	Campaigns   CampaignStore
	Enrollments EnrollmentStore
	Executions  ExecutionStore
	Engagements EngagementStore
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	Sweeps    int64     `json:"sweeps"`
	Executed  int64     `json:"executed"`
	Failed    int64     `json:"failed"`
	Deferred  int64     `json:"deferred"`
	Recovered int64     `json:"recovered"`
	LastRunAt time.Time `json:"last_run_at"`
	Healthy   bool      `json:"healthy"`
}

type cachedGraph struct {
	version  time.Time
	graph    *domain.Graph
	lastUsed time.Time
}

// Engine periodically pulls due executions, runs their blocks and advances
// each lead along its campaign graph.
type Engine struct {
	campaigns   CampaignStore
	enrollments EnrollmentStore
	executions  ExecutionStore
	engagements EngagementStore

	scheduler *Scheduler
	enroller  *Enroller
	executor  *Executor
	advancer  *Advancer
	lock      distlock.DistLock

	cfg    Config
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	graphMu sync.Mutex
	graphs  map[string]cachedGraph

	sweeps    atomic.Int64
	executed  atomic.Int64
	failed    atomic.Int64
	deferred  atomic.Int64
	recovered atomic.Int64
	lastRunAt atomic.Int64
	healthy   atomic.Bool

	now func() time.Time
}

// NewEngine wires the scheduler, enroller, executor and advancer over the
// given stores and collaborators.
func NewEngine(s Stores, c Collaborators, cfg Config) *Engine {
	cfg.applyDefaults()
	sched := NewScheduler(s.Executions)
	e := &Engine{
		campaigns:   s.Campaigns,
		enrollments: s.Enrollments,
		executions:  s.Executions,
		engagements: s.Engagements,
		scheduler:   sched,
		enroller:    NewEnroller(s.Campaigns, s.Enrollments, s.Executions, c.Leads, sched),
		executor:    NewExecutor(c, cfg.HandlerTimeout, cfg.RecheckInterval),
		advancer:    NewAdvancer(s.Campaigns, s.Enrollments, s.Executions, sched),
		cfg:         cfg,
		graphs:      make(map[string]cachedGraph),
		now:         time.Now,
	}
	e.healthy.Store(true)
	return e
}

// WithLock makes sweeps mutually exclusive across processes.
func (e *Engine) WithLock(l distlock.DistLock) *Engine {
	e.lock = l
	return e
}

// WithClock replaces the time source of the engine and its parts.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.scheduler.now = now
	e.enroller.now = now
	e.executor.now = now
	e.advancer.now = now
	return e
}

// Enroller exposes the enrollment manager to the lifecycle controller.
func (e *Engine) Enroller() *Enroller { return e.enroller }

// Scheduler exposes the execution queue.
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }

// Start runs Sweep on the configured cron schedule. A tick that fires while
// the previous sweep is still running is skipped.
func (e *Engine) Start() error {
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{})), cron.WithLogger(cronLogger{}))
	if _, err := e.cron.AddFunc(e.cfg.Schedule, e.tick); err != nil {
		e.cancel()
		return fmt.Errorf("invalid sweep schedule %q: %w", e.cfg.Schedule, err)
	}
	e.cron.Start()
	logger.Info("campaign engine started",
		"component", "engine", "schedule", e.cfg.Schedule, "batch_size", e.cfg.BatchSize, "concurrency", e.cfg.Concurrency)
	return nil
}

// Stop prevents new ticks and waits for a running sweep to finish its
// claimed executions before releasing the engine context.
func (e *Engine) Stop() {
	if e.cron == nil {
		return
	}
	<-e.cron.Stop().Done()
	e.cancel()
	logger.Info("campaign engine stopped", "component", "engine")
}

func (e *Engine) tick() {
	if _, err := e.Sweep(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("sweep failed", "component", "engine", "error", err.Error())
	}
}

// IsHealthy reports whether the last sweep could read the queue.
func (e *Engine) IsHealthy() bool { return e.healthy.Load() }

// LastRunAt returns when the last sweep started.
func (e *Engine) LastRunAt() time.Time {
	n := e.lastRunAt.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Stats returns the counters accumulated since the engine was created.
func (e *Engine) Stats() Stats {
	return Stats{
		Sweeps:    e.sweeps.Load(),
		Executed:  e.executed.Load(),
		Failed:    e.failed.Load(),
		Deferred:  e.deferred.Load(),
		Recovered: e.recovered.Load(),
		LastRunAt: e.LastRunAt(),
		Healthy:   e.IsHealthy(),
	}
}

// SweepResult reports what one sweep did.
type SweepResult struct {
	Claimed   int
	Recovered int
	Skipped   bool
}

// Sweep claims one batch of due executions and runs them. Executions of the
// same enrollment run one after another; different enrollments run in
// parallel up to the configured concurrency. Per-execution failures are
// recorded on the execution and never abort the batch.
//
// Once claimed, an execution runs to its end even if ctx is cancelled;
// only the handler timeout bounds it.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	start := e.now()
	e.lastRunAt.Store(start.UnixNano())
	e.sweeps.Add(1)

	if e.lock != nil {
		ok, err := e.lock.Acquire(ctx)
		if err != nil {
			e.healthy.Store(false)
			return res, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			res.Skipped = true
			return res, nil
		}
		defer func() {
			if err := e.lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("release sweep lock", "component", "engine", "error", err.Error())
			}
		}()
	}

	n, err := e.RecoverStale(ctx)
	if err != nil {
		logger.Warn("stale recovery failed", "component", "engine", "error", err.Error())
	}
	res.Recovered = n

	claimed, err := e.scheduler.PullDue(ctx, start, e.cfg.BatchSize)
	if err != nil {
		e.healthy.Store(false)
		return res, err
	}
	e.healthy.Store(true)
	e.pruneGraphs(start.Add(-e.cfg.StaleAfter))
	res.Claimed = len(claimed)
	if len(claimed) == 0 {
		return res, nil
	}

	runCtx := context.WithoutCancel(ctx)
	campaigns := e.loadCampaigns(runCtx, claimed)

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for _, batch := range groupByEnrollment(claimed) {
		g.Go(func() error {
			for i := range batch {
				exec := &batch[i]
				e.run(runCtx, campaigns[exec.CampaignID], exec)
			}
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("sweep finished",
		"component", "engine", "claimed", res.Claimed, "recovered", res.Recovered,
		"duration_ms", e.now().Sub(start).Milliseconds())
	return res, nil
}

// RecoverStale fails executions claimed longer than stale_after ago. Their
// side effects may already have happened, so they are not re-run.
func (e *Engine) RecoverStale(ctx context.Context) (int, error) {
	n, err := e.executions.FailStale(ctx, e.now().Add(-e.cfg.StaleAfter), StaleReason)
	if err != nil {
		return 0, fmt.Errorf("fail stale executions: %w", err)
	}
	if n > 0 {
		e.recovered.Add(int64(n))
		logger.Warn("stale executions failed", "component", "engine", "count", n)
	}
	return n, nil
}

type loadedCampaign struct {
	campaign *domain.Campaign
	graph    *domain.Graph
}

// loadCampaigns fetches each campaign in the batch once. Executions whose
// campaign cannot be loaded go back to the queue untouched. Graphs of
// campaigns that can no longer run are dropped from the cache.
func (e *Engine) loadCampaigns(ctx context.Context, claimed []domain.Execution) map[string]*loadedCampaign {
	out := make(map[string]*loadedCampaign)
	for i := range claimed {
		id := claimed[i].CampaignID
		if _, seen := out[id]; seen {
			continue
		}
		c, err := e.campaigns.Get(ctx, id)
		if err != nil {
			logger.Error("load campaign for sweep", "component", "engine", "campaign_id", id, "error", err.Error())
			out[id] = nil
			continue
		}
		out[id] = &loadedCampaign{campaign: c, graph: e.graphFor(c)}
	}
	return out
}

// graphFor returns the cached adjacency map for c, rebuilding it when the
// definition changed since it was cached. Terminal campaigns are not cached.
func (e *Engine) graphFor(c *domain.Campaign) *domain.Graph {
	e.graphMu.Lock()
	defer e.graphMu.Unlock()
	now := e.now()
	if c.IsTerminal() {
		delete(e.graphs, c.ID)
		return domain.NewGraph(c.Blocks, c.Connections)
	}
	if cg, ok := e.graphs[c.ID]; ok && cg.version.Equal(c.UpdatedAt) {
		cg.lastUsed = now
		e.graphs[c.ID] = cg
		return cg.graph
	}
	g := domain.NewGraph(c.Blocks, c.Connections)
	e.graphs[c.ID] = cachedGraph{version: c.UpdatedAt, graph: g, lastUsed: now}
	return g
}

// pruneGraphs drops graphs no sweep has used since before cutoff. Deleted
// and completed campaigns stop being claimed, so their entries age out.
func (e *Engine) pruneGraphs(cutoff time.Time) {
	e.graphMu.Lock()
	defer e.graphMu.Unlock()
	for id, cg := range e.graphs {
		if cg.lastUsed.Before(cutoff) {
			delete(e.graphs, id)
		}
	}
}

// CachedGraphs reports how many campaign graphs are held in memory.
func (e *Engine) CachedGraphs() int {
	e.graphMu.Lock()
	defer e.graphMu.Unlock()
	return len(e.graphs)
}

func (e *Engine) run(ctx context.Context, lc *loadedCampaign, exec *domain.Execution) {
	if lc == nil {
		if err := e.scheduler.Defer(ctx, exec, e.now()); err != nil {
			logger.Error("requeue execution", "component", "engine", "execution_id", exec.ID, "error", err.Error())
		}
		return
	}
	enr, err := e.enrollments.Get(ctx, exec.EnrollmentID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		if err := e.scheduler.Defer(ctx, exec, e.now()); err != nil {
			logger.Error("requeue execution", "component", "engine", "execution_id", exec.ID, "error", err.Error())
		}
		return
	}
	if enr == nil || !enr.IsActive() {
		if err := e.scheduler.Cancel(ctx, exec, InactiveReason); err != nil {
			logger.Error("cancel execution", "component", "engine", "execution_id", exec.ID, "error", err.Error())
			return
		}
		logger.Info("execution cancelled for inactive enrollment", "component", "engine",
			"execution_id", exec.ID, "enrollment_id", exec.EnrollmentID)
		return
	}

	block, ok := lc.graph.Block(exec.BlockID)
	if !ok {
		e.fail(ctx, exec, fmt.Errorf("%w: %s", ErrUnknownBlock, exec.BlockID))
		return
	}

	step, err := e.executor.Execute(ctx, lc.campaign, block, exec)
	if err != nil {
		e.fail(ctx, exec, err)
		return
	}
	if step.Deferred {
		if err := e.scheduler.Defer(ctx, exec, step.RetryAt); err != nil {
			logger.Error("defer execution", "component", "engine", "execution_id", exec.ID, "error", err.Error())
			return
		}
		e.deferred.Add(1)
		return
	}

	if err := e.scheduler.Complete(ctx, exec, step.Result); err != nil {
		logger.Error("complete execution", "component", "engine", "execution_id", exec.ID, "error", err.Error())
		return
	}
	e.executed.Add(1)
	if !step.Metrics.IsZero() {
		if _, err := e.campaigns.ApplyMetrics(ctx, exec.CampaignID, step.Metrics); err != nil {
			logger.Warn("record step metrics", "component", "engine", "campaign_id", exec.CampaignID, "error", err.Error())
		}
	}
	if _, err := e.advancer.AdvanceFrom(ctx, lc.graph, exec, step.Result); err != nil {
		logger.Error("advance enrollment", "component", "engine",
			"enrollment_id", exec.EnrollmentID, "block_id", exec.BlockID, "error", err.Error())
	}
}

func (e *Engine) fail(ctx context.Context, exec *domain.Execution, cause error) {
	e.failed.Add(1)
	logger.Warn("block execution failed", "component", "engine",
		"execution_id", exec.ID, "block_id", exec.BlockID, "lead_id", exec.LeadID, "error", cause.Error())
	if err := e.scheduler.Fail(ctx, exec, cause.Error()); err != nil {
		logger.Error("record execution failure", "component", "engine", "execution_id", exec.ID, "error", err.Error())
	}
}

// RecordEngagement stores a lead reaction and bumps the matching campaign
// counter. Pending conditional blocks see it on their next check.
func (e *Engine) RecordEngagement(ctx context.Context, eng domain.Engagement) (*domain.Engagement, error) {
	if err := eng.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEngagement, err)
	}
	if _, err := e.campaigns.Get(ctx, eng.CampaignID); err != nil {
		return nil, err
	}
	if eng.ID == "" {
		eng.ID = uuid.New().String()
	}
	if eng.OccurredAt.IsZero() {
		eng.OccurredAt = e.now()
	}
	if err := e.engagements.RecordEngagement(ctx, &eng); err != nil {
		return nil, fmt.Errorf("record engagement: %w", err)
	}
	if _, err := e.campaigns.ApplyMetrics(ctx, eng.CampaignID, eng.MetricsDelta()); err != nil {
		return nil, fmt.Errorf("record engagement metrics: %w", err)
	}
	return &eng, nil
}

// Retry queues a new attempt of a failed execution, provided its lead is
// still enrolled.
func (e *Engine) Retry(ctx context.Context, executionID string) (*domain.Execution, error) {
	failed, err := e.executions.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if failed.Status != domain.ExecutionFailed {
		return nil, ErrNotRetryable
	}
	enr, err := e.enroller.enrollments.Get(ctx, failed.EnrollmentID)
	if err != nil {
		return nil, err
	}
	if !enr.IsActive() {
		return nil, ErrEnrollmentInactive
	}
	return e.scheduler.Retry(ctx, failed)
}

// groupByEnrollment splits a claimed batch into per-enrollment runs,
// keeping claim order inside each run.
func groupByEnrollment(claimed []domain.Execution) [][]domain.Execution {
	idx := make(map[string]int)
	var out [][]domain.Execution
	for _, ex := range claimed {
		i, ok := idx[ex.EnrollmentID]
		if !ok {
			i = len(out)
			idx[ex.EnrollmentID] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], ex)
	}
	return out
}

// cronLogger routes cron's own messages into the structured logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debug("cron: "+msg, append([]interface{}{"component", "engine"}, keysAndValues...)...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Error("cron: "+msg, append([]interface{}{"component", "engine", "error", err.Error()}, keysAndValues...)...)
}
