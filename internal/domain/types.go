package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Status is the normalized outcome of any caller-supplied callable.
type Status string

const (
	StatusNone    Status = ""
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusPartial Status = "partial"
)

// Result is the shape every execution path reduces to: a status plus either
// a value (on success) or a message (on failure).
type Result struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Value   any    `json:"value,omitempty"`
}

func Success(value any) Result  { return Result{Status: StatusSuccess, Value: value} }
func Failure(msg string) Result { return Result{Status: StatusError, Message: msg} }

// Params is the opaque parameter bag passed to task and process functions.
type Params map[string]any

// ScheduleKind discriminates the schedule union.
type ScheduleKind string

const (
	ScheduleInterval  ScheduleKind = "interval"
	ScheduleCron      ScheduleKind = "cron"
	ScheduleOnce      ScheduleKind = "once"
	ScheduleImmediate ScheduleKind = "immediate"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// Schedule is the tagged union describing when a task or process runs.
// Exactly one of Every, Expr, At is meaningful depending on Kind.
type Schedule struct {
	Kind  ScheduleKind  `json:"kind"`
	Every time.Duration `json:"every,omitempty"` // interval
	Expr  string        `json:"expr,omitempty"`  // cron, 5-field standard syntax
	At    time.Time     `json:"at,omitempty"`    // once
}

func Interval(every time.Duration) Schedule {
	return Schedule{Kind: ScheduleInterval, Every: every}
}

func Cron(expr string) Schedule { return Schedule{Kind: ScheduleCron, Expr: expr} }

func Once(at time.Time) Schedule { return Schedule{Kind: ScheduleOnce, At: at} }

func Immediate() Schedule { return Schedule{Kind: ScheduleImmediate} }

// Recurring reports whether the schedule produces runs after the first one.
func (s Schedule) Recurring() bool {
	return s.Kind == ScheduleInterval || s.Kind == ScheduleCron
}

// Next computes the next run time strictly from now. An error means the
// schedule is malformed and must be rejected at registration time.
func (s Schedule) Next(now time.Time) (time.Time, error) {
	switch s.Kind {
	case ScheduleInterval:
		if s.Every <= 0 {
			return time.Time{}, fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidSchedule, s.Every)
		}
		return now.Add(s.Every), nil
	case ScheduleCron:
		spec, err := cron.ParseStandard(s.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, s.Expr, err)
		}
		return spec.Next(now), nil
	case ScheduleOnce:
		if s.At.IsZero() {
			return time.Time{}, fmt.Errorf("%w: once schedule needs a timestamp", ErrInvalidSchedule)
		}
		return s.At, nil
	case ScheduleImmediate:
		return now, nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, s.Kind)
	}
}
