package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bgflow/internal/domain"
	"bgflow/internal/eventbus"
	"bgflow/internal/recovery"
	"bgflow/internal/sched"
)

func newTestOrchestrator() *Orchestrator {
	return New(
		sched.New(2, 10*time.Millisecond, nil),
		eventbus.New(10, nil),
		recovery.New(),
		nil,
		nil,
		Config{
			DependencyPoll:   10 * time.Millisecond,
			DependencyWait:   300 * time.Millisecond,
			ScheduleInterval: 20 * time.Millisecond,
		},
	)
}

func succeed(value any) ProcessFunc {
	return func(ctx context.Context, params domain.Params) (any, error) {
		return value, nil
	}
}

func fail(msg string) ProcessFunc {
	return func(ctx context.Context, params domain.Params) (any, error) {
		return nil, errors.New(msg)
	}
}

func TestRegisterProcessValidation(t *testing.T) {
	o := newTestOrchestrator()

	require.NoError(t, o.RegisterProcess("p", succeed("ok"), ProcessOptions{}))
	assert.ErrorIs(t, o.RegisterProcess("p", succeed("ok"), ProcessOptions{}), ErrDuplicateProcess)

	assert.Error(t, o.RegisterProcess("", succeed("ok"), ProcessOptions{}))

	bad := domain.Cron("garbage")
	assert.ErrorIs(t, o.RegisterProcess("cronbad", succeed("ok"), ProcessOptions{Schedule: &bad}), domain.ErrInvalidSchedule)
}

func TestExecuteUnknownProcess(t *testing.T) {
	o := newTestOrchestrator()

	result := o.Execute(context.Background(), "ghost", nil)
	assert.Equal(t, domain.StatusError, result.Status)
	assert.Contains(t, result.Message, "not registered")
}

func TestExecuteUpdatesStatus(t *testing.T) {
	o := newTestOrchestrator()
	require.NoError(t, o.RegisterProcess("p", succeed("done"), ProcessOptions{}))

	result := o.Execute(context.Background(), "p", nil)
	require.Equal(t, domain.StatusSuccess, result.Status)
	assert.Equal(t, "done", result.Value)

	st, err := o.Status("p")
	require.NoError(t, err)
	assert.Equal(t, 1, st.RunCount)
	assert.Equal(t, domain.StatusSuccess, st.LastStatus)
	assert.False(t, st.LastRun.IsZero())
}

func TestDependencyMustHaveSucceeded(t *testing.T) {
	o := newTestOrchestrator()
	require.NoError(t, o.RegisterProcess("base", succeed("ok"), ProcessOptions{MaxRetries: 1}))
	require.NoError(t, o.RegisterProcess("top", succeed("ok"), ProcessOptions{
		Dependencies: []string{"base"},
		MaxRetries:   1,
	}))

	// base has never run: top must fail fast.
	result := o.Execute(context.Background(), "top", nil)
	assert.Equal(t, domain.StatusError, result.Status)
	assert.Contains(t, result.Message, "base")

	o.Execute(context.Background(), "base", nil)
	result = o.Execute(context.Background(), "top", nil)
	assert.Equal(t, domain.StatusSuccess, result.Status)
}

func TestDependencyWaitsForRunningProcess(t *testing.T) {
	o := newTestOrchestrator()
	release := make(chan struct{})

	require.NoError(t, o.RegisterProcess("base", func(ctx context.Context, params domain.Params) (any, error) {
		<-release
		return "ok", nil
	}, ProcessOptions{MaxRetries: 1}))
	require.NoError(t, o.RegisterProcess("top", succeed("ok"), ProcessOptions{
		Dependencies: []string{"base"},
		MaxRetries:   1,
	}))

	ctx := context.Background()
	go o.Execute(ctx, "base", nil)

	waitUntil(t, func() bool {
		st, _ := o.Status("base")
		return st.Running
	})

	topDone := make(chan domain.Result, 1)
	go func() { topDone <- o.Execute(ctx, "top", nil) }()

	time.Sleep(30 * time.Millisecond)
	close(release)

	select {
	case result := <-topDone:
		assert.Equal(t, domain.StatusSuccess, result.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("dependent process never finished")
	}
}

func TestSingleFlightSharesOneExecution(t *testing.T) {
	o := newTestOrchestrator()
	var runs atomic.Int32
	release := make(chan struct{})

	require.NoError(t, o.RegisterProcess("p", func(ctx context.Context, params domain.Params) (any, error) {
		runs.Add(1)
		<-release
		return "shared", nil
	}, ProcessOptions{MaxRetries: 1}))

	ctx := context.Background()
	var wg sync.WaitGroup
	results := make([]domain.Result, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = o.Execute(ctx, "p", nil)
		}(i)
	}

	waitUntil(t, func() bool { return runs.Load() == 1 })
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	for _, r := range results {
		assert.Equal(t, domain.StatusSuccess, r.Status)
		assert.Equal(t, "shared", r.Value)
	}

	st, err := o.Status("p")
	require.NoError(t, err)
	assert.Equal(t, 1, st.RunCount)
}

func TestFailedProcessRetriesWithDelay(t *testing.T) {
	o := newTestOrchestrator()
	var runs atomic.Int32

	require.NoError(t, o.RegisterProcess("flaky", func(ctx context.Context, params domain.Params) (any, error) {
		runs.Add(1)
		return nil, errors.New("transient")
	}, ProcessOptions{MaxRetries: 2, RetryDelay: 20 * time.Millisecond}))

	result := o.Execute(context.Background(), "flaky", nil)
	assert.Equal(t, domain.StatusError, result.Status)
	assert.Equal(t, int32(1), runs.Load(), "retries are delayed, not inline")

	waitUntil(t, func() bool { return runs.Load() == 3 })
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(3), runs.Load(), "initial run plus MaxRetries attempts")

	st, err := o.Status("flaky")
	require.NoError(t, err)
	assert.Equal(t, 2, st.RetryCount)
}

func TestRetryBudgetPersistsAcrossExecutions(t *testing.T) {
	o := newTestOrchestrator()
	var runs atomic.Int32

	require.NoError(t, o.RegisterProcess("broken", func(ctx context.Context, params domain.Params) (any, error) {
		runs.Add(1)
		return nil, errors.New("still broken")
	}, ProcessOptions{MaxRetries: 2, RetryDelay: 10 * time.Millisecond}))

	o.Execute(context.Background(), "broken", nil)
	waitUntil(t, func() bool {
		st, _ := o.Status("broken")
		return runs.Load() == 3 && !st.Running
	})

	// The budget is spent: a fresh execution fails once and schedules nothing.
	o.Execute(context.Background(), "broken", nil)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(4), runs.Load(), "no fresh retry budget for a process that keeps failing")

	st, err := o.Status("broken")
	require.NoError(t, err)
	assert.Equal(t, 2, st.RetryCount)
}

func TestSuccessResetsRetryBudget(t *testing.T) {
	o := newTestOrchestrator()
	var runs atomic.Int32
	var healthy atomic.Bool

	require.NoError(t, o.RegisterProcess("recovering", func(ctx context.Context, params domain.Params) (any, error) {
		runs.Add(1)
		if healthy.Load() {
			return "ok", nil
		}
		return nil, errors.New("not yet")
	}, ProcessOptions{MaxRetries: 2, RetryDelay: 10 * time.Millisecond}))

	o.Execute(context.Background(), "recovering", nil)
	waitUntil(t, func() bool {
		st, _ := o.Status("recovering")
		return runs.Load() == 3 && !st.Running
	})

	healthy.Store(true)
	result := o.Execute(context.Background(), "recovering", nil)
	require.Equal(t, domain.StatusSuccess, result.Status)

	st, err := o.Status("recovering")
	require.NoError(t, err)
	assert.Equal(t, 0, st.RetryCount, "a successful run restores the budget")
}

func TestPanickingProcessBecomesFailure(t *testing.T) {
	o := newTestOrchestrator()
	require.NoError(t, o.RegisterProcess("p", func(ctx context.Context, params domain.Params) (any, error) {
		panic("process bug")
	}, ProcessOptions{MaxRetries: 1}))

	result := o.Execute(context.Background(), "p", nil)
	assert.Equal(t, domain.StatusError, result.Status)
	assert.Contains(t, result.Message, "process bug")
}

func TestValidateDependencies(t *testing.T) {
	o := newTestOrchestrator()
	require.NoError(t, o.RegisterProcess("a", succeed("ok"), ProcessOptions{Dependencies: []string{"b"}}))
	require.NoError(t, o.RegisterProcess("b", succeed("ok"), ProcessOptions{Dependencies: []string{"a"}}))

	assert.ErrorContains(t, o.ValidateDependencies(), "cycle")
}

func TestValidateDependenciesMissing(t *testing.T) {
	o := newTestOrchestrator()
	require.NoError(t, o.RegisterProcess("a", succeed("ok"), ProcessOptions{Dependencies: []string{"nowhere"}}))

	assert.ErrorContains(t, o.ValidateDependencies(), "nowhere")
}

func TestTriggerEventExecutesHookedProcesses(t *testing.T) {
	o := newTestOrchestrator()
	var got domain.Params
	require.NoError(t, o.RegisterProcess("deployer", func(ctx context.Context, params domain.Params) (any, error) {
		got = params
		return "deployed", nil
	}, ProcessOptions{Triggers: []string{"release"}}))

	results := o.TriggerEvent(context.Background(), "release", map[string]any{"tag": "v2"})

	require.Len(t, results, 1)
	assert.Equal(t, "deployer", results[0].ProcessID)
	assert.Equal(t, domain.StatusSuccess, results[0].Result.Status)
	assert.Equal(t, "release", got["event"])

	hist := o.events.History("release", 0)
	assert.Len(t, hist["release"], 1)
}

func TestTriggerEventPreservesRegistrationOrder(t *testing.T) {
	o := newTestOrchestrator()
	var order []string
	record := func(id string) ProcessFunc {
		return func(ctx context.Context, params domain.Params) (any, error) {
			order = append(order, id)
			return id, nil
		}
	}
	require.NoError(t, o.RegisterProcess("third", record("third"), ProcessOptions{Triggers: []string{"release"}}))
	require.NoError(t, o.RegisterProcess("first", record("first"), ProcessOptions{Triggers: []string{"release"}}))

	results := o.TriggerEvent(context.Background(), "release", nil)

	require.Len(t, results, 2)
	assert.Equal(t, []string{"third", "first"}, order)
	assert.Equal(t, "third", results[0].ProcessID)
	assert.Equal(t, "first", results[1].ProcessID)
}

func TestRunScheduledProcesses(t *testing.T) {
	o := newTestOrchestrator()
	hourly := domain.Interval(time.Hour)
	require.NoError(t, o.RegisterProcess("sweep", succeed("ok"), ProcessOptions{Schedule: &hourly}))
	require.NoError(t, o.RegisterProcess("manual", succeed("ok"), ProcessOptions{}))

	ctx := context.Background()

	// Never run means due.
	assert.Equal(t, 1, o.RunScheduledProcesses(ctx))
	st, err := o.Status("sweep")
	require.NoError(t, err)
	assert.Equal(t, 1, st.RunCount)

	// Interval has not elapsed yet.
	assert.Equal(t, 0, o.RunScheduledProcesses(ctx))

	manual, err := o.Status("manual")
	require.NoError(t, err)
	assert.Equal(t, 0, manual.RunCount)
}

func TestOneShotSchedulesRunExactlyOnce(t *testing.T) {
	o := newTestOrchestrator()
	once := domain.Once(time.Now().Add(-time.Second))
	now := domain.Immediate()
	require.NoError(t, o.RegisterProcess("migrate", succeed("ok"), ProcessOptions{Schedule: &once}))
	require.NoError(t, o.RegisterProcess("warmup", succeed("ok"), ProcessOptions{Schedule: &now}))

	ctx := context.Background()
	assert.Equal(t, 2, o.RunScheduledProcesses(ctx))

	// Spent one-shot schedules must not come due again on later sweeps.
	for i := 0; i < 3; i++ {
		assert.Equal(t, 0, o.RunScheduledProcesses(ctx))
	}
	for _, id := range []string{"migrate", "warmup"} {
		st, err := o.Status(id)
		require.NoError(t, err)
		assert.Equal(t, 1, st.RunCount, id)
	}
}

func TestPerformanceDropTriggersWebsiteUpdate(t *testing.T) {
	o := newTestOrchestrator()
	var runs atomic.Int32
	require.NoError(t, o.RegisterProcess("website_update_site", func(ctx context.Context, params domain.Params) (any, error) {
		runs.Add(1)
		return "updated", nil
	}, ProcessOptions{MaxRetries: 1}))
	o.registerBuiltinHandlers()

	// A mild dip does nothing.
	o.events.Publish(context.Background(), "content_performance_change",
		map[string]any{"change": -5.0, "repository": "site"}, "analytics")
	assert.Equal(t, int32(0), runs.Load())

	// A drop past the threshold forces the update.
	pub := o.events.Publish(context.Background(), "content_performance_change",
		map[string]any{"change": -25.0, "repository": "site"}, "analytics")
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, domain.StatusSuccess, pub.Results["orchestrator.performance"].Status)

	// Publishers still on the old change_percent key keep working.
	o.events.Publish(context.Background(), "content_performance_change",
		map[string]any{"change_percent": -30.0, "repository": "site"}, "analytics")
	assert.Equal(t, int32(2), runs.Load())
}

func TestTrafficSpikeSchedulesAnalysisTask(t *testing.T) {
	o := newTestOrchestrator()
	o.registerBuiltinHandlers()

	go o.tasks.Run(context.Background())
	t.Cleanup(o.tasks.Stop)

	o.events.Publish(context.Background(), "traffic_spike",
		map[string]any{"source": "news", "multiplier": 4.0}, "analytics")

	waitUntil(t, func() bool {
		return len(o.events.History("traffic_spike_analysis_complete", 0)["traffic_spike_analysis_complete"]) == 1
	})

	hist := o.events.History("traffic_spike_analysis_complete", 0)
	summary := hist["traffic_spike_analysis_complete"][0].Data.(map[string]any)
	assert.Equal(t, "news", summary["source"])
	assert.Equal(t, true, summary["sustained"])
}

func TestSystemErrorEventFeedsRecovery(t *testing.T) {
	o := newTestOrchestrator()
	o.registerBuiltinHandlers()

	o.events.Publish(context.Background(), "system_error", map[string]any{
		"error_type": "DatabaseConnectionError",
		"component":  "storage",
	}, "app")

	hist := o.recov.ErrorHistory("DatabaseConnectionError", nil, 0)
	require.Len(t, hist, 1)
	assert.Equal(t, "storage", hist[0].Component)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
