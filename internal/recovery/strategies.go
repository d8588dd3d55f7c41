package recovery

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"bgflow/internal/domain"
	"bgflow/internal/gitops"
)

// RegisterBuiltins installs the standard strategy catalogue. The git client
// may be nil, in which case git errors fall through to manual review.
func RegisterBuiltins(m *Manager, git *gitops.Client) {
	m.RegisterStrategy("GitOperationError", GitStrategy(git, defaultRetryPolicy))
	m.RegisterStrategy("RateLimitError", RateLimitStrategy)
	m.RegisterStrategy("FileSystemError", FileSystemStrategy)
	m.RegisterStrategy("ProcessCrashError", restartStrategy)
	m.RegisterStrategy("DatabaseConnectionError", reconnectStrategy)
}

func defaultRetryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 30 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return b
}

func detailString(details map[string]any, key string) string {
	if details == nil {
		return ""
	}
	if v, ok := details[key].(string); ok {
		return v
	}
	return ""
}

// GitStrategy remediates git failures based on the error message: transient
// network errors are retried with backoff, merge conflicts are parked on a
// recovery branch, auth failures refresh credentials, anything else resets
// the working tree. The policy factory is injectable so tests can avoid the
// 30 second initial wait.
func GitStrategy(git *gitops.Client, policy func() backoff.BackOff) StrategyFunc {
	return func(ctx context.Context, rec *ErrorRecord) (Recovery, error) {
		repo := detailString(rec.Details, "repository")
		if git == nil || repo == "" {
			return Recovery{
				Status:  domain.StatusPartial,
				Message: "git error reported without a repository context, manual review required",
			}, nil
		}

		msg := strings.ToLower(detailString(rec.Details, "error_message"))
		operation := detailString(rec.Details, "operation")

		switch {
		case strings.Contains(msg, "network") || strings.Contains(msg, "timeout") || strings.Contains(msg, "connection"):
			return retryGitOperation(ctx, git, repo, operation, policy())

		case strings.Contains(msg, "conflict"):
			branch := fmt.Sprintf("recovery_%d", time.Now().Unix())
			base := detailString(rec.Details, "branch")
			if err := git.CheckoutBranch(ctx, repo, branch, base, true); err != nil {
				return Recovery{}, fmt.Errorf("create recovery branch: %w", err)
			}
			return Recovery{
				Status:  domain.StatusSuccess,
				Message: fmt.Sprintf("conflicting changes moved to recovery branch %s", branch),
				Result:  branch,
			}, nil

		case strings.Contains(msg, "authentication") || strings.Contains(msg, "permission denied") || strings.Contains(msg, "403"):
			if err := git.RefreshCredentials(repo); err != nil {
				return Recovery{}, fmt.Errorf("refresh credentials: %w", err)
			}
			return Recovery{Status: domain.StatusSuccess, Message: "credentials refreshed"}, nil

		default:
			if err := git.Reset(ctx, repo); err != nil {
				return Recovery{}, fmt.Errorf("reset repository: %w", err)
			}
			return Recovery{Status: domain.StatusSuccess, Message: "repository reset to clean state"}, nil
		}
	}
}

func retryGitOperation(ctx context.Context, git *gitops.Client, repo, operation string, policy backoff.BackOff) (Recovery, error) {
	op := func() error {
		switch operation {
		case "clone":
			return git.Clone(ctx, repo)
		case "push":
			return git.Push(ctx, repo)
		default:
			return git.Pull(ctx, repo)
		}
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return Recovery{}, fmt.Errorf("retry %s on %s: %w", operation, repo, err)
	}
	log.Info().Str("repository", repo).Str("operation", operation).Msg("git operation succeeded on retry")
	return Recovery{
		Status:  domain.StatusSuccess,
		Message: fmt.Sprintf("%s succeeded after network error retry", operation),
	}, nil
}

// RateLimitStrategy waits out the advertised window and reports success so
// the caller can re-issue the request.
func RateLimitStrategy(ctx context.Context, rec *ErrorRecord) (Recovery, error) {
	wait := 60 * time.Second
	if rec.Details != nil {
		switch v := rec.Details["retry_after"].(type) {
		case int:
			wait = time.Duration(v) * time.Second
		case float64:
			wait = time.Duration(v * float64(time.Second))
		case time.Duration:
			wait = v
		}
	}

	log.Info().Dur("wait", wait).Msg("rate limited, waiting before resuming")
	select {
	case <-ctx.Done():
		return Recovery{}, ctx.Err()
	case <-time.After(wait):
	}
	return Recovery{
		Status:  domain.StatusSuccess,
		Message: fmt.Sprintf("waited %s for rate limit window", wait),
	}, nil
}

// FileSystemStrategy fixes what can be fixed locally: a missing directory is
// created, anything needing an operator (permissions, disk space) is left
// for manual review.
func FileSystemStrategy(ctx context.Context, rec *ErrorRecord) (Recovery, error) {
	msg := strings.ToLower(detailString(rec.Details, "error_message"))
	path := detailString(rec.Details, "file_path")

	switch {
	case strings.Contains(msg, "no such file or directory") && path != "":
		if err := os.MkdirAll(path, 0o755); err != nil {
			return Recovery{}, fmt.Errorf("create missing directory: %w", err)
		}
		return Recovery{Status: domain.StatusSuccess, Message: fmt.Sprintf("created missing directory %s", path)}, nil

	case strings.Contains(msg, "permission denied"):
		return Recovery{Status: domain.StatusPartial, Message: "permission error requires manual intervention"}, nil

	case strings.Contains(msg, "no space left"):
		return Recovery{Status: domain.StatusPartial, Message: "disk space exhausted, cleanup required"}, nil

	default:
		return Recovery{Status: domain.StatusPartial, Message: "unrecognized filesystem error, manual review required"}, nil
	}
}

func restartStrategy(ctx context.Context, rec *ErrorRecord) (Recovery, error) {
	return Recovery{
		Status:  domain.StatusPartial,
		Message: "process restart flagged, supervisor intervention required",
	}, nil
}

func reconnectStrategy(ctx context.Context, rec *ErrorRecord) (Recovery, error) {
	return Recovery{
		Status:  domain.StatusPartial,
		Message: "database reconnect flagged, connection pool restart required",
	}, nil
}
