package gitops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// CredentialStore supplies and refreshes access tokens for remote
// repositories. Implementations are external to the core.
type CredentialStore interface {
	Credentials(repo string) (username, token string, err error)
	Refresh(repo string) error
}

// StaticCredentials is a CredentialStore backed by a fixed map; Refresh is
// a no-op that succeeds when the repository is known.
type StaticCredentials map[string]struct{ Username, Token string }

func (s StaticCredentials) Credentials(repo string) (string, string, error) {
	c, ok := s[repo]
	if !ok {
		return "", "", fmt.Errorf("no credentials for repository %q", repo)
	}
	return c.Username, c.Token, nil
}

func (s StaticCredentials) Refresh(repo string) error {
	if _, ok := s[repo]; !ok {
		return fmt.Errorf("no credentials for repository %q", repo)
	}
	return nil
}

// RepoConfig describes one working tree the client manages.
type RepoConfig struct {
	Name      string `mapstructure:"name"`
	URL       string `mapstructure:"url"`
	LocalPath string `mapstructure:"local_path"`
	Branch    string `mapstructure:"branch"`
}

// Client runs git against configured working trees. Remote operations
// (clone, pull, push) go through a per-repository circuit breaker so a dead
// remote stops being hammered after consecutive failures.
type Client struct {
	mu       sync.Mutex
	repos    map[string]RepoConfig
	breakers map[string]*gobreaker.CircuitBreaker
	creds    CredentialStore

	run runner
}

// runner is swapped out in tests.
type runner func(ctx context.Context, dir string, args ...string) (string, error)

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// New creates a client for the given repositories.
func New(repos []RepoConfig, creds CredentialStore) *Client {
	c := &Client{
		repos:    make(map[string]RepoConfig, len(repos)),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		creds:    creds,
		run:      runGit,
	}
	for _, r := range repos {
		if r.Branch == "" {
			r.Branch = "main"
		}
		c.repos[r.Name] = r
	}
	return c
}

var ErrUnknownRepo = errors.New("repository not configured")

// Repositories lists the configured repository names.
func (c *Client) Repositories() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.repos))
	for name := range c.repos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RepoPath returns the local working tree path for a configured repository.
func (c *Client) RepoPath(name string) (string, error) {
	r, err := c.repo(name)
	if err != nil {
		return "", err
	}
	return r.LocalPath, nil
}

func (c *Client) repo(name string) (RepoConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.repos[name]
	if !ok {
		return RepoConfig{}, fmt.Errorf("%w: %s", ErrUnknownRepo, name)
	}
	return r, nil
}

func (c *Client) breaker(name string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("repo", name).Stringer("from", from).Stringer("to", to).Msg("git breaker state change")
		},
	})
	c.breakers[name] = cb
	return cb
}

// remote runs a git invocation against the remote through the repository's
// circuit breaker.
func (c *Client) remote(ctx context.Context, name, dir string, args ...string) (string, error) {
	out, err := c.breaker(name).Execute(func() (any, error) {
		return c.run(ctx, dir, args...)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (c *Client) authenticatedURL(r RepoConfig) string {
	if c.creds == nil {
		return r.URL
	}
	user, token, err := c.creds.Credentials(r.Name)
	if err != nil || user == "" || token == "" {
		return r.URL
	}
	parts := strings.SplitN(r.URL, "//", 2)
	if len(parts) != 2 {
		return r.URL
	}
	return fmt.Sprintf("%s//%s:%s@%s", parts[0], user, token, parts[1])
}

// Clone clones the repository into its local path. Already-cloned trees
// succeed immediately.
func (c *Client) Clone(ctx context.Context, name string) error {
	r, err := c.repo(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(r.LocalPath, ".git")); err == nil {
		log.Info().Str("repo", name).Msg("repository already cloned")
		return nil
	}
	if err := os.MkdirAll(r.LocalPath, 0o755); err != nil {
		return err
	}
	_, err = c.remote(ctx, name, r.LocalPath, "clone", c.authenticatedURL(r), ".")
	return err
}

// Pull fast-forwards the local tree from the remote branch.
func (c *Client) Pull(ctx context.Context, name string) error {
	r, err := c.repo(name)
	if err != nil {
		return err
	}
	_, err = c.remote(ctx, name, r.LocalPath, "pull", "origin", r.Branch)
	return err
}

// Commit stages the given files (all tracked changes when empty) and
// commits them. A clean tree is not an error.
func (c *Client) Commit(ctx context.Context, name, message string, files []string) error {
	r, err := c.repo(name)
	if err != nil {
		return err
	}
	addArgs := []string{"add"}
	if len(files) == 0 {
		addArgs = append(addArgs, "-A")
	} else {
		addArgs = append(addArgs, files...)
	}
	if _, err := c.run(ctx, r.LocalPath, addArgs...); err != nil {
		return err
	}
	status, err := c.run(ctx, r.LocalPath, "status", "--porcelain")
	if err != nil {
		return err
	}
	if status == "" {
		log.Info().Str("repo", name).Msg("nothing to commit")
		return nil
	}
	_, err = c.run(ctx, r.LocalPath, "commit", "-m", message)
	return err
}

// Push publishes the local branch.
func (c *Client) Push(ctx context.Context, name string) error {
	r, err := c.repo(name)
	if err != nil {
		return err
	}
	_, err = c.remote(ctx, name, r.LocalPath, "push", "origin", r.Branch)
	return err
}

// CheckoutBranch switches to a branch, optionally creating it from the
// given base.
func (c *Client) CheckoutBranch(ctx context.Context, name, branch, base string, create bool) error {
	r, err := c.repo(name)
	if err != nil {
		return err
	}
	if create {
		if base == "" {
			base = r.Branch
		}
		_, err = c.run(ctx, r.LocalPath, "checkout", "-b", branch, base)
		return err
	}
	_, err = c.run(ctx, r.LocalPath, "checkout", branch)
	return err
}

// Reset discards local changes and returns the tree to the branch head.
func (c *Client) Reset(ctx context.Context, name string) error {
	r, err := c.repo(name)
	if err != nil {
		return err
	}
	if _, err := c.run(ctx, r.LocalPath, "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	_, err = c.run(ctx, r.LocalPath, "clean", "-fd")
	return err
}

// RefreshCredentials asks the credential store for fresh credentials.
func (c *Client) RefreshCredentials(name string) error {
	if c.creds == nil {
		return errors.New("no credential store configured")
	}
	if _, err := c.repo(name); err != nil {
		return err
	}
	return c.creds.Refresh(name)
}

// ReadFile reads a file inside the repository's working tree.
func (c *Client) ReadFile(name, path string) (string, error) {
	r, err := c.repo(name)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(filepath.Join(r.LocalPath, path))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteFile writes a file inside the repository's working tree, creating
// parent directories as needed.
func (c *Client) WriteFile(name, path, content string) error {
	r, err := c.repo(name)
	if err != nil {
		return err
	}
	full := filepath.Join(r.LocalPath, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, []byte(content), 0o644)
}
