package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/toposort"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"bgflow/internal/domain"
	"bgflow/internal/eventbus"
	"bgflow/internal/gitops"
	"bgflow/internal/metrics"
	"bgflow/internal/recovery"
	"bgflow/internal/sched"
)

var (
	ErrDuplicateProcess = errors.New("process already registered")
	ErrUnknownProcess   = errors.New("process not registered")
)

// ProcessFunc is the opaque callable a process executes.
type ProcessFunc func(ctx context.Context, params domain.Params) (any, error)

// ProcessOptions configures a registered process.
type ProcessOptions struct {
	Dependencies []string
	Schedule     *domain.Schedule // nil means manual or event triggered only
	Triggers     []string         // event names whose firing executes this process
	Params       domain.Params
	MaxRetries   int
	RetryDelay   time.Duration
}

// Process is a registered long-running workflow.
type Process struct {
	ID           string
	Dependencies []string
	Schedule     *domain.Schedule
	Params       domain.Params
	MaxRetries   int
	RetryDelay   time.Duration
	LastRun      time.Time
	LastStatus   domain.Status
	RunCount     int
	RetryCount   int

	fn ProcessFunc
}

// ProcessStatus is a point-in-time snapshot exposed to callers.
type ProcessStatus struct {
	ID           string        `json:"id"`
	Dependencies []string      `json:"dependencies,omitempty"`
	Scheduled    bool          `json:"scheduled"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastStatus   domain.Status `json:"last_status,omitempty"`
	RunCount     int           `json:"run_count"`
	RetryCount   int           `json:"retry_count"`
	Running      bool          `json:"running"`
}

// inflight is the single-flight slot for one process id. Concurrent callers
// wait on done and share the first execution's result.
type inflight struct {
	done   chan struct{}
	result domain.Result
}

// Config tunes the orchestrator's timing. Zero values pick the defaults.
type Config struct {
	DependencyPoll   time.Duration // how often a blocked process re-checks its deps
	DependencyWait   time.Duration // how long to wait for a running dependency
	ScheduleInterval time.Duration // how often the process scheduler loop wakes
}

// Orchestrator coordinates the scheduler, event manager and recovery manager
// into a single supervised runtime for registered processes.
type Orchestrator struct {
	mu        sync.Mutex
	processes map[string]*Process
	running   map[string]*inflight
	hooks     map[string][]string // event name -> process ids, registration order

	tasks  *sched.Scheduler
	events *eventbus.Manager
	recov  *recovery.Manager
	git    *gitops.Client
	rec    metrics.Recorder

	depPoll       time.Duration
	depWait       time.Duration
	schedInterval time.Duration
	healthEvery   time.Duration
}

func New(tasks *sched.Scheduler, events *eventbus.Manager, recov *recovery.Manager, git *gitops.Client, rec metrics.Recorder, cfg Config) *Orchestrator {
	if cfg.DependencyPoll <= 0 {
		cfg.DependencyPoll = time.Second
	}
	if cfg.DependencyWait <= 0 {
		cfg.DependencyWait = 5 * time.Minute
	}
	if cfg.ScheduleInterval <= 0 {
		cfg.ScheduleInterval = 60 * time.Second
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Orchestrator{
		processes:     make(map[string]*Process),
		running:       make(map[string]*inflight),
		hooks:         make(map[string][]string),
		tasks:         tasks,
		events:        events,
		recov:         recov,
		git:           git,
		rec:           rec,
		depPoll:       cfg.DependencyPoll,
		depWait:       cfg.DependencyWait,
		schedInterval: cfg.ScheduleInterval,
		healthEvery:   300 * time.Second,
	}
}

// RegisterProcess adds a process. Duplicate ids and malformed schedules are
// rejected at registration time so the scheduler loop never sees them.
func (o *Orchestrator) RegisterProcess(id string, fn ProcessFunc, opts ProcessOptions) error {
	if id == "" || fn == nil {
		return fmt.Errorf("process needs an id and a function")
	}
	if opts.Schedule != nil {
		if _, err := opts.Schedule.Next(time.Now()); err != nil {
			return err
		}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 30 * time.Second
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.processes[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProcess, id)
	}
	o.processes[id] = &Process{
		ID:           id,
		Dependencies: opts.Dependencies,
		Schedule:     opts.Schedule,
		Params:       opts.Params,
		MaxRetries:   opts.MaxRetries,
		RetryDelay:   opts.RetryDelay,
		fn:           fn,
	}
	for _, event := range opts.Triggers {
		o.hooks[event] = append(o.hooks[event], id)
	}

	log.Info().Str("process", id).Strs("dependencies", opts.Dependencies).Bool("scheduled", opts.Schedule != nil).Msg("registered process")
	return nil
}

// ValidateDependencies checks that every declared dependency exists and that
// the dependency graph has no cycles.
func (o *Orchestrator) ValidateDependencies() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var edges []toposort.Edge
	for id, p := range o.processes {
		if len(p.Dependencies) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range p.Dependencies {
			if _, ok := o.processes[dep]; !ok {
				return fmt.Errorf("process %q depends on unregistered process %q", id, dep)
			}
			edges = append(edges, toposort.Edge{dep, id})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("dependency cycle: %w", err)
	}
	return nil
}

// Execute runs a process now. Dependencies are awaited and must have
// succeeded; concurrent calls for the same id share one execution. The retry
// budget lives on the process: each failure consumes one retry until
// MaxRetries is spent, and only a successful run restores the budget.
func (o *Orchestrator) Execute(ctx context.Context, id string, params domain.Params) domain.Result {
	o.mu.Lock()
	p, ok := o.processes[id]
	if !ok {
		o.mu.Unlock()
		return domain.Failure(fmt.Sprintf("process %s not registered", id))
	}
	if fl, busy := o.running[id]; busy {
		o.mu.Unlock()
		log.Info().Str("process", id).Msg("process already running, waiting for in-flight execution")
		select {
		case <-fl.done:
			return fl.result
		case <-ctx.Done():
			return domain.Failure(ctx.Err().Error())
		}
	}
	fl := &inflight{done: make(chan struct{})}
	o.running[id] = fl
	deps := append([]string(nil), p.Dependencies...)
	if params == nil {
		params = p.Params
	}
	o.mu.Unlock()

	result := o.runProcess(ctx, p, deps, params)

	o.mu.Lock()
	p.LastRun = time.Now()
	p.LastStatus = result.Status
	p.RunCount++
	fl.result = result
	close(fl.done)
	delete(o.running, id)
	retry := false
	if result.Status == domain.StatusError {
		if p.RetryCount < p.MaxRetries {
			p.RetryCount++
			retry = true
		}
	} else {
		p.RetryCount = 0
	}
	retries := p.RetryCount
	delay := p.RetryDelay
	o.mu.Unlock()

	o.rec.Record("process", id, map[string]any{"status": result.Status, "retries": retries})

	if retry {
		log.Warn().Str("process", id).Int("retry", retries).Dur("delay", delay).Msg("process failed, scheduling retry")
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(delay):
				o.Execute(ctx, id, params)
			}
		}()
	}
	return result
}

func (o *Orchestrator) runProcess(ctx context.Context, p *Process, deps []string, params domain.Params) domain.Result {
	if err := o.awaitDependencies(ctx, p.ID, deps); err != nil {
		log.Warn().Str("process", p.ID).Err(err).Msg("dependency check failed")
		return domain.Failure(err.Error())
	}

	log.Info().Str("process", p.ID).Msg("executing process")
	start := time.Now()
	value, err := callProcess(ctx, p.fn, params)
	if err != nil {
		log.Error().Str("process", p.ID).Err(err).Dur("duration", time.Since(start)).Msg("process failed")
		return domain.Failure(err.Error())
	}
	log.Info().Str("process", p.ID).Dur("duration", time.Since(start)).Msg("process complete")
	return domain.Success(value)
}

func callProcess(ctx context.Context, fn ProcessFunc, params domain.Params) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("process panic: %v", r)
		}
	}()
	return fn(ctx, params)
}

// awaitDependencies waits for currently running dependencies to finish, then
// requires each one's last run to have succeeded. A dependency that has
// never run or last failed fails the caller immediately.
func (o *Orchestrator) awaitDependencies(ctx context.Context, id string, deps []string) error {
	deadline := time.Now().Add(o.depWait)
	for _, dep := range deps {
		for {
			o.mu.Lock()
			p, ok := o.processes[dep]
			if !ok {
				o.mu.Unlock()
				return fmt.Errorf("dependency %s not registered", dep)
			}
			_, busy := o.running[dep]
			status := p.LastStatus
			o.mu.Unlock()

			if !busy {
				if status != domain.StatusSuccess {
					return fmt.Errorf("dependency %s not satisfied: last status %q", dep, status)
				}
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("timed out waiting for dependency %s", dep)
			}
			log.Debug().Str("process", id).Str("dependency", dep).Msg("waiting for dependency to finish")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.depPoll):
			}
		}
	}
	return nil
}

// TriggerResult pairs a hooked process with its execution result.
type TriggerResult struct {
	ProcessID string        `json:"process_id"`
	Result    domain.Result `json:"result"`
}

// TriggerEvent publishes the event and then executes every process hooked to
// it, in registration order. Hooked process failures do not stop later ones.
func (o *Orchestrator) TriggerEvent(ctx context.Context, eventName string, data any) []TriggerResult {
	o.events.Publish(ctx, eventName, data, "orchestrator")

	o.mu.Lock()
	ids := append([]string(nil), o.hooks[eventName]...)
	o.mu.Unlock()

	results := make([]TriggerResult, 0, len(ids))
	for _, id := range ids {
		params := domain.Params{"event": eventName, "data": data}
		results = append(results, TriggerResult{ProcessID: id, Result: o.Execute(ctx, id, params)})
	}
	return results
}

// RunScheduledProcesses executes every process whose schedule is due: never
// run means due, otherwise due when the schedule's next time after the last
// run is not in the future.
func (o *Orchestrator) RunScheduledProcesses(ctx context.Context) int {
	now := time.Now()

	o.mu.Lock()
	var due []string
	for id, p := range o.processes {
		if p.Schedule == nil {
			continue
		}
		if _, busy := o.running[id]; busy {
			continue
		}
		if p.LastRun.IsZero() {
			due = append(due, id)
			continue
		}
		// Once and immediate schedules never advance past the last run, so
		// they are spent after a single execution.
		if !p.Schedule.Recurring() {
			continue
		}
		next, err := p.Schedule.Next(p.LastRun)
		if err == nil && !next.After(now) {
			due = append(due, id)
		}
	}
	o.mu.Unlock()

	for _, id := range due {
		o.Execute(ctx, id, nil)
	}
	if len(due) > 0 {
		log.Info().Int("count", len(due)).Msg("ran scheduled processes")
	}
	return len(due)
}

// StartScheduler runs scheduled processes on the configured interval until
// ctx is done.
func (o *Orchestrator) StartScheduler(ctx context.Context) {
	log.Info().Dur("interval", o.schedInterval).Msg("process scheduler started")
	ticker := time.NewTicker(o.schedInterval)
	defer ticker.Stop()
	for {
		o.RunScheduledProcesses(ctx)
		select {
		case <-ctx.Done():
			log.Info().Msg("process scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Status returns a snapshot of one process.
func (o *Orchestrator) Status(id string) (ProcessStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.processes[id]
	if !ok {
		return ProcessStatus{}, fmt.Errorf("%w: %s", ErrUnknownProcess, id)
	}
	return o.statusLocked(p), nil
}

// Statuses returns a snapshot of every registered process.
func (o *Orchestrator) Statuses() map[string]ProcessStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]ProcessStatus, len(o.processes))
	for id, p := range o.processes {
		out[id] = o.statusLocked(p)
	}
	return out
}

func (o *Orchestrator) statusLocked(p *Process) ProcessStatus {
	_, running := o.running[p.ID]
	return ProcessStatus{
		ID:           p.ID,
		Dependencies: append([]string(nil), p.Dependencies...),
		Scheduled:    p.Schedule != nil,
		LastRun:      p.LastRun,
		LastStatus:   p.LastStatus,
		RunCount:     p.RunCount,
		RetryCount:   p.RetryCount,
		Running:      running,
	}
}

// Run wires the built-in handlers and health checks, validates the process
// graph and supervises the scheduler, the process scheduler loop and health
// monitoring until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.registerBuiltinHandlers()
	o.registerHealthChecks()
	o.registerDefaultProcesses()

	if err := o.ValidateDependencies(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		o.tasks.Run(gctx)
		return nil
	})
	g.Go(func() error {
		o.recov.StartMonitoring(gctx, o.healthEvery)
		return nil
	})
	g.Go(func() error {
		o.StartScheduler(gctx)
		return nil
	})

	log.Info().Msg("orchestrator running")
	err := g.Wait()
	o.tasks.Stop()
	o.recov.StopMonitoring()
	return err
}

// SetHealthInterval overrides the health monitoring cadence. Call before Run.
func (o *Orchestrator) SetHealthInterval(d time.Duration) {
	if d > 0 {
		o.healthEvery = d
	}
}
