package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"bgflow/internal/domain"
	"bgflow/internal/eventbus"
	"bgflow/internal/recovery"
)

// PerformanceDropThreshold is the percent change at or below which a content
// performance event forces an immediate website update.
const PerformanceDropThreshold = -20

// registerBuiltinHandlers subscribes the standard reactions to the event
// manager. All of them are idempotent against re-subscription because Run is
// called once.
func (o *Orchestrator) registerBuiltinHandlers() {
	o.events.Subscribe("content_performance_change", o.onPerformanceChange, "orchestrator.performance")
	o.events.Subscribe("traffic_spike", o.onTrafficSpike, "orchestrator.traffic")
	o.events.Subscribe("system_error", o.onSystemError, "orchestrator.errors")
}

// onPerformanceChange triggers an immediate website update when content
// performance drops past the threshold. A repository named in the event
// scopes the update; otherwise every website update process runs.
func (o *Orchestrator) onPerformanceChange(ctx context.Context, ev *eventbus.Event) (any, error) {
	data, _ := ev.Data.(map[string]any)
	change, ok := numberDetail(data, "change")
	if !ok {
		// Older publishers used change_percent for the same value.
		change, ok = numberDetail(data, "change_percent")
	}
	if !ok {
		return nil, fmt.Errorf("content_performance_change event missing change")
	}
	if change > PerformanceDropThreshold {
		return "no action", nil
	}

	log.Warn().Float64("change", change).Msg("content performance dropped, updating website")

	ids := o.websiteUpdateTargets(stringDetail(data, "repository"))
	results := make(map[string]domain.Result, len(ids))
	for _, id := range ids {
		results[id] = o.Execute(ctx, id, domain.Params{"reason": "performance_drop", "event": ev.Name})
	}
	return results, nil
}

func (o *Orchestrator) websiteUpdateTargets(repo string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if repo != "" {
		id := websiteUpdateID(repo)
		if _, ok := o.processes[id]; ok {
			return []string{id}
		}
		return nil
	}
	var ids []string
	for id := range o.processes {
		if strings.HasPrefix(id, "website_update_") {
			ids = append(ids, id)
		}
	}
	return ids
}

// onTrafficSpike schedules a high priority analysis task. The analysis
// publishes its findings as a follow-up event rather than returning them, so
// interested subscribers do not have to poll.
func (o *Orchestrator) onTrafficSpike(ctx context.Context, ev *eventbus.Event) (any, error) {
	data, _ := ev.Data.(map[string]any)
	taskID := "traffic_spike_analysis_" + uuid.NewString()[:8]

	err := o.tasks.Schedule(taskID, func(ctx context.Context, params domain.Params) (any, error) {
		summary := map[string]any{
			"analyzed_at": time.Now(),
			"source":      stringDetail(data, "source"),
		}
		if mult, ok := numberDetail(data, "multiplier"); ok {
			summary["multiplier"] = mult
			summary["sustained"] = mult >= 3
		}
		o.events.Publish(ctx, "traffic_spike_analysis_complete", summary, taskID)
		return summary, nil
	}, domain.Immediate(), 2, domain.Params(data))
	if err != nil {
		return nil, fmt.Errorf("schedule traffic analysis: %w", err)
	}

	log.Info().Str("task", taskID).Msg("traffic spike analysis scheduled")
	return taskID, nil
}

// onSystemError routes application-reported errors into the recovery
// pipeline.
func (o *Orchestrator) onSystemError(ctx context.Context, ev *eventbus.Event) (any, error) {
	data, _ := ev.Data.(map[string]any)
	errorType := stringDetail(data, "error_type")
	if errorType == "" {
		errorType = "UnknownError"
	}
	details, _ := data["details"].(map[string]any)
	component := stringDetail(data, "component")

	result := o.recov.ReportError(ctx, errorType, details, component)
	return result, nil
}

func websiteUpdateID(repo string) string { return "website_update_" + repo }

// registerDefaultProcesses installs one website update process per
// configured repository. Registration failures are logged, not fatal, since
// the caller may have registered a replacement already.
func (o *Orchestrator) registerDefaultProcesses() {
	if o.git == nil {
		return
	}
	daily := domain.Interval(24 * time.Hour)
	for _, repo := range o.git.Repositories() {
		repo := repo
		err := o.RegisterProcess(websiteUpdateID(repo), func(ctx context.Context, params domain.Params) (any, error) {
			return o.updateWebsite(ctx, repo, params)
		}, ProcessOptions{
			Schedule:   &daily,
			Triggers:   []string{"content_updated", "analytics_update"},
			MaxRetries: 3,
			RetryDelay: 30 * time.Second,
		})
		if err != nil {
			log.Warn().Str("repository", repo).Err(err).Msg("website update process not registered")
		}
	}
}

// updateWebsite pulls the repository, commits any pending content changes
// and pushes. A clean tree is a successful no-op.
func (o *Orchestrator) updateWebsite(ctx context.Context, repo string, params domain.Params) (any, error) {
	if err := o.git.Pull(ctx, repo); err != nil {
		o.recov.ReportError(ctx, "GitOperationError", map[string]any{
			"repository":    repo,
			"operation":     "pull",
			"error_message": err.Error(),
		}, "gitops")
		return nil, fmt.Errorf("pull %s: %w", repo, err)
	}

	reason := stringDetail(map[string]any(params), "reason")
	if reason == "" {
		reason = "scheduled"
	}
	msg := fmt.Sprintf("Automated content update (%s)", reason)
	if err := o.git.Commit(ctx, repo, msg, nil); err != nil {
		return nil, fmt.Errorf("commit %s: %w", repo, err)
	}
	if err := o.git.Push(ctx, repo); err != nil {
		o.recov.ReportError(ctx, "GitOperationError", map[string]any{
			"repository":    repo,
			"operation":     "push",
			"error_message": err.Error(),
		}, "gitops")
		return nil, fmt.Errorf("push %s: %w", repo, err)
	}
	return map[string]any{"repository": repo, "reason": reason}, nil
}

// registerHealthChecks wires the standard component checks. The scheduler
// and git working trees are critical; the event manager is not.
func (o *Orchestrator) registerHealthChecks() {
	o.recov.RegisterHealthCheck("scheduler", func(ctx context.Context) (recovery.ComponentHealth, error) {
		if !o.tasks.Running() {
			return recovery.ComponentHealth{Status: recovery.Unhealthy, Message: "scheduler loop not running", Critical: true}, nil
		}
		return recovery.ComponentHealth{Status: recovery.Healthy, Critical: true}, nil
	})

	o.recov.RegisterHealthCheck("eventbus", func(ctx context.Context) (recovery.ComponentHealth, error) {
		return recovery.ComponentHealth{Status: recovery.Healthy}, nil
	})

	if o.git != nil {
		o.recov.RegisterHealthCheck("gitops", func(ctx context.Context) (recovery.ComponentHealth, error) {
			var missing []string
			for _, repo := range o.git.Repositories() {
				path, err := o.git.RepoPath(repo)
				if err != nil {
					continue
				}
				if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
					missing = append(missing, repo)
				}
			}
			if len(missing) > 0 {
				return recovery.ComponentHealth{
					Status:   recovery.Degraded,
					Message:  "repositories not cloned: " + strings.Join(missing, ", "),
					Critical: true,
				}, nil
			}
			return recovery.ComponentHealth{Status: recovery.Healthy, Critical: true}, nil
		})
	}
}

func stringDetail(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

func numberDetail(data map[string]any, key string) (float64, bool) {
	if data == nil {
		return 0, false
	}
	switch v := data[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
