// Package gitctx captures lightweight git context for recorded sessions:
// the current branch, recent commit subjects, and changed files.
package gitctx

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matrixfabric/matrixfabric/internal/common/logger"
	"github.com/matrixfabric/matrixfabric/internal/store"
)

const (
	gitTimeout         = 5 * time.Second
	defaultCommitLimit = 10
)

// Runner executes git in a directory and returns its trimmed output.
// Injected in tests.
type Runner func(ctx context.Context, dir string, args ...string) (string, error)

// Capture is a snapshot of the repository state at session-record time.
type Capture struct {
	Branch       string   `json:"branch,omitempty"`
	Commits      []string `json:"commits,omitempty"`
	FilesChanged []string `json:"files_changed,omitempty"`
}

// Collector gathers git context with bounded exec calls. A directory that
// is not a git repository yields an empty capture, not an error.
type Collector struct {
	run Runner
	log *logger.Logger
}

func New(log *logger.Logger) *Collector {
	return NewWithRunner(gitRunner, log)
}

func NewWithRunner(run Runner, log *logger.Logger) *Collector {
	if log == nil {
		log = logger.Default()
	}
	return &Collector{run: run, log: log.WithComponent("gitctx")}
}

// Collect gathers branch, recent commit subjects, and changed files.
func (c *Collector) Collect(ctx context.Context, repoPath string) *Capture {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	snap := &Capture{}

	branch, err := c.run(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		// Not a repository, or git is absent. Session recording goes on
		// without the capture.
		c.log.Debug("git context unavailable", zap.String("path", repoPath), zap.Error(err))
		return snap
	}
	snap.Branch = branch

	if log, err := c.run(ctx, repoPath, "log", "-n", fmt.Sprint(defaultCommitLimit), "--pretty=format:%s"); err == nil && log != "" {
		snap.Commits = strings.Split(log, "\n")
	}

	if status, err := c.run(ctx, repoPath, "status", "--porcelain"); err == nil && status != "" {
		for _, line := range strings.Split(status, "\n") {
			if len(line) > 3 {
				snap.FilesChanged = append(snap.FilesChanged, strings.TrimSpace(line[2:]))
			}
		}
	}
	return snap
}

// Attach merges a capture into a session context, preserving fields the
// caller already filled.
func (c *Collector) Attach(ctx context.Context, repoPath string, sc *store.SessionContext) {
	if repoPath == "" || sc == nil {
		return
	}
	snap := c.Collect(ctx, repoPath)
	if len(sc.GitCommits) == 0 {
		sc.GitCommits = snap.Commits
	}
	if len(sc.FilesChanged) == 0 {
		sc.FilesChanged = snap.FilesChanged
	}
}

func gitRunner(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(output)), nil
}
