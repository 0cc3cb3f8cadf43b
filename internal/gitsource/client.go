// Package gitsource imports markdown documentation from git repositories
// into a tenant corpus.
package gitsource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/raysh454/biblio/internal/logging"
)

// CheckoutDirName is the working checkout directory under the tenant root.
const CheckoutDirName = "__git_checkout"

var (
	ErrAuth     = errors.New("gitsource: authentication failed")
	ErrNotFound = errors.New("gitsource: repository not found")
)

// RepoConfig identifies one repository checkout.
type RepoConfig struct {
	URL    string
	Branch string
	// TokenEnv names the environment variable holding an access token.
	// Empty means anonymous access.
	TokenEnv     string
	ShallowDepth int
}

// Client clones and updates a single repository checkout.
type Client struct {
	workDir string
	logger  logging.Logger
}

// NewClient builds a git client rooted at workDir.
func NewClient(workDir string, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Client{
		workDir: workDir,
		logger:  logger.With(logging.Field{Key: "component", Value: "gitsource"}),
	}
}

// Sync brings the checkout up to date, cloning when missing and falling back
// to a fresh clone when the pull cannot fast-forward. Returns the checkout
// path and the head commit hash.
func (c *Client) Sync(ctx context.Context, cfg RepoConfig) (string, string, error) {
	if cfg.URL == "" {
		return "", "", fmt.Errorf("gitsource: empty repository url")
	}

	if _, err := os.Stat(filepath.Join(c.workDir, ".git")); err == nil {
		commit, perr := c.pull(ctx, cfg)
		if perr == nil {
			return c.workDir, commit, nil
		}
		c.logger.Warn("pull failed, recloning",
			logging.Field{Key: "url", Value: cfg.URL},
			logging.Field{Key: "error", Value: perr.Error()})
	}

	commit, err := c.clone(ctx, cfg)
	if err != nil {
		return "", "", err
	}
	return c.workDir, commit, nil
}

func (c *Client) clone(ctx context.Context, cfg RepoConfig) (string, error) {
	if err := os.RemoveAll(c.workDir); err != nil {
		return "", fmt.Errorf("clear checkout dir: %w", err)
	}

	opts := &git.CloneOptions{
		URL:  cfg.URL,
		Auth: c.auth(cfg),
	}
	if cfg.Branch != "" {
		opts.ReferenceName = plumbing.ReferenceName("refs/heads/" + cfg.Branch)
		opts.SingleBranch = true
	}
	if cfg.ShallowDepth > 0 {
		opts.Depth = cfg.ShallowDepth
	}

	repo, err := git.PlainCloneContext(ctx, c.workDir, false, opts)
	if err != nil {
		return "", classifyError("clone", cfg.URL, err)
	}
	commit, err := headCommit(repo)
	if err != nil {
		return "", err
	}
	c.logger.Info("repository cloned",
		logging.Field{Key: "url", Value: cfg.URL},
		logging.Field{Key: "commit", Value: commit})
	return commit, nil
}

func (c *Client) pull(ctx context.Context, cfg RepoConfig) (string, error) {
	repo, err := git.PlainOpen(c.workDir)
	if err != nil {
		return "", fmt.Errorf("open checkout: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}

	opts := &git.PullOptions{
		RemoteName: "origin",
		Auth:       c.auth(cfg),
		Force:      true,
	}
	if cfg.Branch != "" {
		opts.ReferenceName = plumbing.ReferenceName("refs/heads/" + cfg.Branch)
		opts.SingleBranch = true
	}

	if err := wt.PullContext(ctx, opts); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", classifyError("pull", cfg.URL, err)
	}
	return headCommit(repo)
}

// auth reads the token from the configured environment variable. Hosting
// services accept a token through basic auth with "token" as the username.
func (c *Client) auth(cfg RepoConfig) transport.AuthMethod {
	if cfg.TokenEnv == "" {
		return nil
	}
	token := os.Getenv(cfg.TokenEnv)
	if token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "token", Password: token}
}

func headCommit(repo *git.Repository) (string, error) {
	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve head: %w", err)
	}
	return ref.Hash().String(), nil
}

// classifyError maps the usual go-git failure strings onto sentinels so
// callers can branch without parsing messages.
func classifyError(op, url string, err error) error {
	l := strings.ToLower(err.Error())
	switch {
	case strings.Contains(l, "authentication") || strings.Contains(l, "authorization") ||
		strings.Contains(l, "invalid username or password"):
		return fmt.Errorf("%s %s: %w: %v", op, url, ErrAuth, err)
	case strings.Contains(l, "not found") || strings.Contains(l, "does not exist"):
		return fmt.Errorf("%s %s: %w: %v", op, url, ErrNotFound, err)
	}
	return fmt.Errorf("%s %s: %w", op, url, err)
}
