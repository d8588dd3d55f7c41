package sched

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"bgflow/internal/domain"
	"bgflow/internal/metrics"
)

var (
	ErrDuplicateTask = errors.New("task already scheduled")
	ErrNotFound      = errors.New("task not found")
)

// TaskFunc is the opaque callable a task executes.
type TaskFunc func(ctx context.Context, params domain.Params) (any, error)

// Task is a schedulable unit of work.
type Task struct {
	ID         string
	Schedule   domain.Schedule
	Priority   int
	Params     domain.Params
	NextRun    time.Time
	LastRun    time.Time
	LastStatus domain.Status
	RunCount   int

	fn TaskFunc
}

// ExecutionRecord is the outcome of a task's most recent run.
type ExecutionRecord struct {
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Value     any           `json:"value,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// TaskStatus is a point-in-time snapshot exposed to callers.
type TaskStatus struct {
	ID         string              `json:"id"`
	Kind       domain.ScheduleKind `json:"schedule"`
	Priority   int                 `json:"priority"`
	NextRun    time.Time           `json:"next_run"`
	LastRun    time.Time           `json:"last_run,omitempty"`
	LastStatus domain.Status       `json:"last_status,omitempty"`
	RunCount   int                 `json:"run_count"`
	Running    bool                `json:"running"`
	LastResult *ExecutionRecord    `json:"last_result,omitempty"`
}

// entry is a ready-queue element. It carries only a copy of the id so that
// cancellation stays O(1): the live task table is re-checked on pop.
type entry struct {
	at       time.Time
	priority int
	id       string
}

type readyQueue []entry

func (q readyQueue) Len() int { return len(q) }
func (q readyQueue) Less(i, j int) bool {
	if !q[i].at.Equal(q[j].at) {
		return q[i].at.Before(q[j].at)
	}
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].id < q[j].id
}
func (q readyQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x any)        { *q = append(*q, x.(entry)) }
func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}

// Scheduler executes independent tasks in (nextRun, priority, id) order with
// a hard concurrency ceiling. Dispatch is fire-and-forget: completion order
// is not guaranteed.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	queue   readyQueue
	running map[string]struct{}
	results map[string]ExecutionRecord
	active  bool
	stop    chan struct{}

	maxConcurrent int
	tick          time.Duration
	rec           metrics.Recorder
}

// New creates a scheduler. tick <= 0 defaults to one second, maxConcurrent
// <= 0 to ten.
func New(maxConcurrent int, tick time.Duration, rec metrics.Recorder) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	if tick <= 0 {
		tick = time.Second
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Scheduler{
		tasks:         make(map[string]*Task),
		running:       make(map[string]struct{}),
		results:       make(map[string]ExecutionRecord),
		stop:          make(chan struct{}),
		maxConcurrent: maxConcurrent,
		tick:          tick,
		rec:           rec,
	}
}

// Schedule registers a task. The first run time is computed eagerly; a
// duplicate id or a schedule that cannot produce one is rejected and nothing
// is stored.
func (s *Scheduler) Schedule(id string, fn TaskFunc, schedule domain.Schedule, priority int, params domain.Params) error {
	if priority <= 0 {
		priority = 5
	}
	next, err := schedule.Next(time.Now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}

	t := &Task{
		ID:       id,
		Schedule: schedule,
		Priority: priority,
		Params:   params,
		NextRun:  next,
		fn:       fn,
	}
	s.tasks[id] = t
	heap.Push(&s.queue, entry{at: next, priority: priority, id: id})

	log.Info().Str("task_id", id).Time("next_run", next).Str("schedule", string(schedule.Kind)).Msg("task scheduled")
	return nil
}

// Cancel removes a task from the table. Queue entries for it are not
// retracted; they are discarded when popped.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.tasks, id)
	log.Info().Str("task_id", id).Msg("task cancelled")
	return nil
}

// Run drives dispatch until Stop is called or ctx is done. Failures inside
// one tick never end the loop; the scheduler settles briefly and continues.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		log.Warn().Msg("scheduler already running")
		return
	}
	s.active = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
	}()

	t := time.NewTicker(s.tick)
	defer t.Stop()

	log.Info().Dur("tick", s.tick).Int("max_concurrent", s.maxConcurrent).Msg("task scheduler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-t.C:
			if err := s.dispatchDue(ctx, now); err != nil {
				log.Error().Err(err).Msg("scheduler tick failed")
				select {
				case <-time.After(5 * s.tick):
				case <-ctx.Done():
					return
				case <-s.stop:
					return
				}
			}
		}
	}
}

// Stop ends the Run loop. Tasks already launched keep running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

// Running reports whether the Run loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Scheduler) dispatchDue(ctx context.Context, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panic: %v", r)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 {
		if s.maxConcurrent-len(s.running) <= 0 {
			return nil
		}
		head := s.queue[0]
		if head.at.After(now) {
			return nil
		}
		if _, live := s.tasks[head.id]; !live {
			// Stale entry for a cancelled task: discard silently.
			heap.Pop(&s.queue)
			continue
		}
		if _, busy := s.running[head.id]; busy {
			// Earliest due task still has a run in flight; wait for the
			// next tick rather than dispatching past it.
			return nil
		}
		heap.Pop(&s.queue)
		s.running[head.id] = struct{}{}
		go s.execute(ctx, head.id)
	}
	return nil
}

func (s *Scheduler) execute(ctx context.Context, id string) {
	s.mu.Lock()
	task, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
		return
	}

	log.Info().Str("task_id", id).Msg("executing task")
	start := time.Now()
	value, err := callTask(ctx, task.fn, task.Params)
	elapsed := time.Since(start)

	rec := ExecutionRecord{Timestamp: time.Now(), Duration: elapsed, Value: value}
	if err != nil {
		rec.Error = err.Error()
		rec.Value = nil
		log.Error().Err(err).Str("task_id", id).Dur("took", elapsed).Msg("task failed")
	} else {
		log.Info().Str("task_id", id).Dur("took", elapsed).Msg("task completed")
	}

	s.mu.Lock()
	task.LastRun = time.Now()
	task.RunCount++
	if err != nil {
		task.LastStatus = domain.StatusError
	} else {
		task.LastStatus = domain.StatusSuccess
	}
	s.results[id] = rec
	delete(s.running, id)

	// One-shot schedules fall out of the queue naturally; recurring ones get
	// a fresh nextRun unless the task was cancelled mid-run.
	if _, live := s.tasks[id]; live && task.Schedule.Recurring() {
		if next, nerr := task.Schedule.Next(time.Now()); nerr == nil {
			task.NextRun = next
			heap.Push(&s.queue, entry{at: next, priority: task.Priority, id: id})
		}
	}
	runCount := task.RunCount
	s.mu.Unlock()

	s.rec.Record("task", id, map[string]any{
		"status":      statusFor(err),
		"duration_ms": elapsed.Milliseconds(),
		"run":         runCount,
	})
}

func statusFor(err error) domain.Status {
	if err != nil {
		return domain.StatusError
	}
	return domain.StatusSuccess
}

// callTask invokes an opaque task function, converting a panic into an error.
func callTask(ctx context.Context, fn TaskFunc, params domain.Params) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return fn(ctx, params)
}

// Status returns a snapshot for one task.
func (s *Scheduler) Status(id string) (TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return TaskStatus{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.statusLocked(task), nil
}

// Statuses returns snapshots for every registered task.
func (s *Scheduler) Statuses() map[string]TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]TaskStatus, len(s.tasks))
	for id, task := range s.tasks {
		out[id] = s.statusLocked(task)
	}
	return out
}

func (s *Scheduler) statusLocked(task *Task) TaskStatus {
	st := TaskStatus{
		ID:         task.ID,
		Kind:       task.Schedule.Kind,
		Priority:   task.Priority,
		NextRun:    task.NextRun,
		LastRun:    task.LastRun,
		LastStatus: task.LastStatus,
		RunCount:   task.RunCount,
	}
	if _, busy := s.running[task.ID]; busy {
		st.Running = true
	}
	if rec, ok := s.results[task.ID]; ok {
		cp := rec
		st.LastResult = &cp
	}
	return st
}

// ClearOldResults drops execution records older than age and returns how
// many were removed.
func (s *Scheduler) ClearOldResults(age time.Duration) int {
	cutoff := time.Now().Add(-age)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.results {
		if rec.Timestamp.Before(cutoff) {
			delete(s.results, id)
			removed++
		}
	}
	log.Info().Int("removed", removed).Msg("cleared old task results")
	return removed
}
