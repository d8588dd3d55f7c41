package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bgflow/internal/domain"
)

func noopTask(ctx context.Context, params domain.Params) (any, error) {
	return nil, nil
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	go s.Run(context.Background())
	t.Cleanup(s.Stop)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestScheduleRejectsDuplicateID(t *testing.T) {
	s := New(1, 10*time.Millisecond, nil)

	require.NoError(t, s.Schedule("job", noopTask, domain.Immediate(), 5, nil))
	err := s.Schedule("job", noopTask, domain.Immediate(), 5, nil)
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestScheduleRejectsInvalidSchedule(t *testing.T) {
	s := New(1, 10*time.Millisecond, nil)

	err := s.Schedule("bad", noopTask, domain.Cron("nope"), 5, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidSchedule)

	_, serr := s.Status("bad")
	assert.ErrorIs(t, serr, ErrNotFound)
}

func TestImmediateTaskRuns(t *testing.T) {
	s := New(2, 10*time.Millisecond, nil)
	done := make(chan any, 1)

	require.NoError(t, s.Schedule("hello", func(ctx context.Context, params domain.Params) (any, error) {
		done <- params["who"]
		return "ok", nil
	}, domain.Immediate(), 5, domain.Params{"who": "world"}))

	startScheduler(t, s)

	select {
	case v := <-done:
		assert.Equal(t, "world", v)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}

	waitFor(t, time.Second, func() bool {
		st, err := s.Status("hello")
		return err == nil && st.RunCount == 1 && !st.Running
	})
	st, err := s.Status("hello")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, st.LastStatus)
	require.NotNil(t, st.LastResult)
	assert.Equal(t, "ok", st.LastResult.Value)
}

func TestPriorityBreaksDueTimeTies(t *testing.T) {
	s := New(1, 10*time.Millisecond, nil)
	at := time.Now().Add(30 * time.Millisecond)

	var mu sync.Mutex
	var order []string
	record := func(id string) TaskFunc {
		return func(ctx context.Context, params domain.Params) (any, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil, nil
		}
	}

	require.NoError(t, s.Schedule("low", record("low"), domain.Once(at), 8, nil))
	require.NoError(t, s.Schedule("high", record("high"), domain.Once(at), 1, nil))

	startScheduler(t, s)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "low"}, order)
}

func TestConcurrencyCap(t *testing.T) {
	s := New(2, 10*time.Millisecond, nil)

	var mu sync.Mutex
	active, peak := 0, 0
	block := make(chan struct{})

	slow := func(ctx context.Context, params domain.Params) (any, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		<-block
		mu.Lock()
		active--
		mu.Unlock()
		return nil, nil
	}

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Schedule(id, slow, domain.Immediate(), 5, nil))
	}

	startScheduler(t, s)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return active == 2
	})
	// Give the dispatcher extra ticks to (incorrectly) launch more.
	time.Sleep(50 * time.Millisecond)
	close(block)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return active == 0
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, peak)
}

func TestIntervalTaskReschedules(t *testing.T) {
	s := New(2, 10*time.Millisecond, nil)

	require.NoError(t, s.Schedule("tick", noopTask, domain.Interval(20*time.Millisecond), 5, nil))

	startScheduler(t, s)

	waitFor(t, 2*time.Second, func() bool {
		st, err := s.Status("tick")
		return err == nil && st.RunCount >= 2
	})
}

func TestCancelPreventsExecution(t *testing.T) {
	s := New(1, 10*time.Millisecond, nil)
	ran := make(chan struct{}, 1)

	require.NoError(t, s.Schedule("doomed", func(ctx context.Context, params domain.Params) (any, error) {
		ran <- struct{}{}
		return nil, nil
	}, domain.Once(time.Now().Add(50*time.Millisecond)), 5, nil))

	require.NoError(t, s.Cancel("doomed"))
	_, err := s.Status("doomed")
	assert.ErrorIs(t, err, ErrNotFound)

	startScheduler(t, s)

	select {
	case <-ran:
		t.Fatal("cancelled task ran")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCancelUnknownTask(t *testing.T) {
	s := New(1, 10*time.Millisecond, nil)
	assert.ErrorIs(t, s.Cancel("missing"), ErrNotFound)
}

func TestFailingTaskRecordsError(t *testing.T) {
	s := New(1, 10*time.Millisecond, nil)

	require.NoError(t, s.Schedule("broken", func(ctx context.Context, params domain.Params) (any, error) {
		return nil, errors.New("exploded")
	}, domain.Immediate(), 5, nil))

	startScheduler(t, s)

	waitFor(t, 2*time.Second, func() bool {
		st, err := s.Status("broken")
		return err == nil && st.RunCount == 1
	})
	st, err := s.Status("broken")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, st.LastStatus)
	require.NotNil(t, st.LastResult)
	assert.Contains(t, st.LastResult.Error, "exploded")
}

func TestPanickingTaskBecomesError(t *testing.T) {
	s := New(1, 10*time.Millisecond, nil)

	require.NoError(t, s.Schedule("panicky", func(ctx context.Context, params domain.Params) (any, error) {
		panic("kaboom")
	}, domain.Immediate(), 5, nil))

	startScheduler(t, s)

	waitFor(t, 2*time.Second, func() bool {
		st, err := s.Status("panicky")
		return err == nil && st.RunCount == 1
	})
	st, err := s.Status("panicky")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, st.LastStatus)
	assert.Contains(t, st.LastResult.Error, "kaboom")
}

func TestClearOldResults(t *testing.T) {
	s := New(1, 10*time.Millisecond, nil)

	require.NoError(t, s.Schedule("short", noopTask, domain.Immediate(), 5, nil))

	startScheduler(t, s)

	waitFor(t, 2*time.Second, func() bool {
		st, err := s.Status("short")
		return err == nil && st.RunCount == 1
	})

	assert.Equal(t, 0, s.ClearOldResults(time.Hour))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, s.ClearOldResults(0))
}
