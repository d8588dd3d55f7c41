package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalNext(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	next, err := Interval(5 * time.Minute).Next(now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(5*time.Minute), next)
}

func TestIntervalRejectsNonPositive(t *testing.T) {
	_, err := Interval(0).Next(time.Now())
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = Interval(-time.Second).Next(time.Now())
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestCronNext(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	next, err := Cron("0 3 * * *").Next(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 2, 3, 0, 0, 0, time.UTC), next)
}

func TestCronRejectsMalformedExpression(t *testing.T) {
	_, err := Cron("not a cron").Next(time.Now())
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	// Six fields (seconds variant) are not accepted.
	_, err = Cron("0 0 3 * * *").Next(time.Now())
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestOnceNext(t *testing.T) {
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	next, err := Once(at).Next(time.Now())
	require.NoError(t, err)
	assert.Equal(t, at, next)

	_, err = Once(time.Time{}).Next(time.Now())
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestImmediateNext(t *testing.T) {
	now := time.Now()
	next, err := Immediate().Next(now)
	require.NoError(t, err)
	assert.Equal(t, now, next)
}

func TestRecurring(t *testing.T) {
	assert.True(t, Interval(time.Minute).Recurring())
	assert.True(t, Cron("* * * * *").Recurring())
	assert.False(t, Once(time.Now()).Recurring())
	assert.False(t, Immediate().Recurring())
}

func TestResultConstructors(t *testing.T) {
	ok := Success(42)
	assert.Equal(t, StatusSuccess, ok.Status)
	assert.Equal(t, 42, ok.Value)

	bad := Failure("boom")
	assert.Equal(t, StatusError, bad.Status)
	assert.Equal(t, "boom", bad.Message)
}
