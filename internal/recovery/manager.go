package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"bgflow/internal/domain"
)

// Component and overall health states.
const (
	Healthy   = "healthy"
	Degraded  = "degraded"
	Unhealthy = "unhealthy"
)

// DefaultStrategy is the sentinel type used when no strategy matches an
// error's type exactly.
const DefaultStrategy = "default"

// Recovery is the outcome of one recovery attempt. Partial is a legitimate
// terminal state meaning the situation needs manual review.
type Recovery struct {
	Status  domain.Status `json:"status"`
	Message string        `json:"message,omitempty"`
	Result  any           `json:"result,omitempty"`
}

// StrategyFunc attempts to remediate one class of failure. A returned error
// is recorded as a failed attempt; it does not crash anything.
type StrategyFunc func(ctx context.Context, rec *ErrorRecord) (Recovery, error)

// ComponentHealth is one health check's report.
type ComponentHealth struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Critical bool   `json:"critical"`
}

// CheckFunc reports a component's health. A returned error counts as that
// component being in an error state, non-critical unless declared otherwise.
type CheckFunc func(ctx context.Context) (ComponentHealth, error)

// HealthStatus is the process-wide snapshot, replaced wholesale on every
// check cycle.
type HealthStatus struct {
	Overall    string                     `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
	LastCheck  time.Time                  `json:"last_check"`
}

// ErrorRecord tracks one reported error through its recovery attempts.
type ErrorRecord struct {
	ID                  string         `json:"id"`
	Type                string         `json:"type"`
	Details             map[string]any `json:"details,omitempty"`
	Component           string         `json:"component,omitempty"`
	Timestamp           time.Time      `json:"timestamp"`
	RecoveryAttempts    int            `json:"recovery_attempts"`
	Resolved            bool           `json:"resolved"`
	LastRecoveryAttempt time.Time      `json:"last_recovery_attempt,omitempty"`
	LastRecoveryResult  *Recovery      `json:"last_recovery_result,omitempty"`
}

// Manager holds typed recovery strategies, component health checks and the
// error table, and drives the health monitoring loop.
type Manager struct {
	mu         sync.Mutex
	strategies map[string]StrategyFunc
	checks     map[string]CheckFunc
	errs       map[string]*ErrorRecord
	health     HealthStatus
	monitoring bool
	stop       chan struct{}
}

// New creates a manager with the default fallback strategy registered.
func New() *Manager {
	m := &Manager{
		strategies: make(map[string]StrategyFunc),
		checks:     make(map[string]CheckFunc),
		errs:       make(map[string]*ErrorRecord),
		health:     HealthStatus{Overall: "unknown", Components: map[string]ComponentHealth{}},
	}
	m.strategies[DefaultStrategy] = defaultStrategy
	return m
}

func defaultStrategy(ctx context.Context, rec *ErrorRecord) (Recovery, error) {
	log.Info().Str("error_type", rec.Type).Msg("using default recovery strategy")
	return Recovery{
		Status:  domain.StatusPartial,
		Message: "unknown error type, basic recovery attempted; manual review recommended",
	}, nil
}

// RegisterStrategy maps an error type to a strategy. Re-registration
// overwrites and is logged, not an error.
func (m *Manager) RegisterStrategy(errorType string, fn StrategyFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.strategies[errorType]; exists {
		log.Warn().Str("error_type", errorType).Msg("overwriting recovery strategy")
	}
	m.strategies[errorType] = fn
	log.Info().Str("error_type", errorType).Msg("registered recovery strategy")
}

// RegisterHealthCheck maps a component name to a health check. Last
// registration wins.
func (m *Manager) RegisterHealthCheck(component string, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checks[component]; exists {
		log.Warn().Str("component", component).Msg("overwriting health check")
	}
	m.checks[component] = fn
	log.Info().Str("component", component).Msg("registered health check")
}

// ReportError records a new error and immediately attempts recovery;
// reporting and the first attempt are not separable steps.
func (m *Manager) ReportError(ctx context.Context, errorType string, details map[string]any, component string) Recovery {
	rec := &ErrorRecord{
		ID:        fmt.Sprintf("%d_%s", time.Now().Unix(), errorType),
		Type:      errorType,
		Details:   details,
		Component: component,
		Timestamp: time.Now(),
	}

	m.mu.Lock()
	m.errs[rec.ID] = rec
	m.mu.Unlock()

	log.Error().Str("error_type", errorType).Str("component", component).Str("error_id", rec.ID).Msg("error reported")
	return m.RecoverFromError(ctx, rec.ID)
}

// RecoverFromError runs the strategy for a stored error. The attempt count
// is incremented unconditionally; a strategy that fails or panics is
// recorded as an error-status attempt.
func (m *Manager) RecoverFromError(ctx context.Context, errorID string) Recovery {
	m.mu.Lock()
	rec, ok := m.errs[errorID]
	if !ok {
		m.mu.Unlock()
		log.Error().Str("error_id", errorID).Msg("error not found in history")
		return Recovery{Status: domain.StatusError, Message: "error not found in history"}
	}
	rec.RecoveryAttempts++
	strategy, ok := m.strategies[rec.Type]
	if !ok {
		strategy = m.strategies[DefaultStrategy]
	}
	m.mu.Unlock()

	log.Info().Str("error_id", errorID).Str("error_type", rec.Type).Msg("attempting recovery")

	result, err := callStrategy(ctx, strategy, rec)
	if err != nil {
		result = Recovery{Status: domain.StatusError, Message: fmt.Sprintf("recovery attempt failed: %v", err)}
	}

	m.mu.Lock()
	rec.LastRecoveryAttempt = time.Now()
	cp := result
	rec.LastRecoveryResult = &cp
	if result.Status == domain.StatusSuccess {
		rec.Resolved = true
	}
	m.mu.Unlock()

	if result.Status == domain.StatusSuccess {
		log.Info().Str("error_id", errorID).Msg("recovered from error")
	} else {
		log.Warn().Str("error_id", errorID).Str("status", string(result.Status)).Str("message", result.Message).Msg("recovery did not resolve error")
	}
	return result
}

func callStrategy(ctx context.Context, fn StrategyFunc, rec *ErrorRecord) (result Recovery, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panic: %v", r)
		}
	}()
	return fn(ctx, rec)
}

// CheckSystemHealth runs every registered health check and replaces the
// stored snapshot. Overall health is unhealthy iff a critical component is
// non-healthy, degraded iff any component is non-healthy, healthy otherwise.
func (m *Manager) CheckSystemHealth(ctx context.Context) HealthStatus {
	m.mu.Lock()
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.Unlock()

	components := make(map[string]ComponentHealth, len(checks))
	overall := Healthy
	for name, fn := range checks {
		ch, err := callCheck(ctx, fn)
		if err != nil {
			log.Error().Err(err).Str("component", name).Msg("health check failed")
			ch = ComponentHealth{Status: "error", Message: err.Error()}
		}
		components[name] = ch
		if ch.Status != Healthy {
			if ch.Critical {
				overall = Unhealthy
			} else if overall != Unhealthy {
				overall = Degraded
			}
		}
	}

	status := HealthStatus{Overall: overall, Components: components, LastCheck: time.Now()}

	m.mu.Lock()
	m.health = status
	m.mu.Unlock()

	log.Info().Str("overall", overall).Int("components", len(components)).Msg("system health check complete")
	return status
}

func callCheck(ctx context.Context, fn CheckFunc) (ch ComponentHealth, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panic: %v", r)
		}
	}()
	return fn(ctx)
}

// HealthSnapshot returns the last computed health status.
func (m *Manager) HealthSnapshot() HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	components := make(map[string]ComponentHealth, len(m.health.Components))
	for name, ch := range m.health.Components {
		components[name] = ch
	}
	return HealthStatus{Overall: m.health.Overall, Components: components, LastCheck: m.health.LastCheck}
}

// StartMonitoring checks system health every interval until StopMonitoring
// is called or ctx is done. Non-healthy components are fed back into the
// recovery pipeline as ComponentUnhealthy errors.
func (m *Manager) StartMonitoring(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 300 * time.Second
	}

	m.mu.Lock()
	if m.monitoring {
		m.mu.Unlock()
		log.Warn().Msg("health monitoring already running")
		return
	}
	m.monitoring = true
	m.stop = make(chan struct{})
	stop := m.stop
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.monitoring = false
		m.mu.Unlock()
	}()

	log.Info().Dur("interval", interval).Msg("health monitoring started")

	for {
		status := m.CheckSystemHealth(ctx)
		if status.Overall != Healthy {
			m.recoverUnhealthy(ctx, status)
		}

		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-time.After(interval):
		}
	}
}

func (m *Manager) recoverUnhealthy(ctx context.Context, status HealthStatus) {
	for name, ch := range status.Components {
		if ch.Status == Healthy {
			continue
		}
		log.Info().Str("component", name).Str("status", ch.Status).Msg("attempting recovery of unhealthy component")
		m.ReportError(ctx, "ComponentUnhealthy", map[string]any{
			"component": name,
			"status":    ch.Status,
			"message":   ch.Message,
		}, name)
	}
}

// StopMonitoring prevents further monitoring iterations. The loop exits
// after the current iteration.
func (m *Manager) StopMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.monitoring || m.stop == nil {
		return
	}
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	log.Info().Msg("health monitoring stopping")
}

// ErrorHistory returns stored records, newest first, optionally filtered by
// type and resolved state.
func (m *Manager) ErrorHistory(errorType string, resolved *bool, limit int) []ErrorRecord {
	if limit <= 0 {
		limit = 50
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ErrorRecord, 0, len(m.errs))
	for _, rec := range m.errs {
		if errorType != "" && rec.Type != errorType {
			continue
		}
		if resolved != nil && rec.Resolved != *resolved {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ClearResolvedErrors removes resolved records older than the cutoff and
// returns how many were removed. Unresolved records are always kept.
func (m *Manager) ClearResolvedErrors(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, rec := range m.errs {
		if rec.Resolved && rec.Timestamp.Before(cutoff) {
			delete(m.errs, id)
			removed++
		}
	}
	log.Info().Int("removed", removed).Msg("cleared resolved errors")
	return removed
}
