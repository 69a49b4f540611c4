// Package ghsync mirrors unified tasks to GitHub issues through the gh
// CLI. Sync is sweep-driven and best-effort: a failed sync marks the row
// and never blocks task flow.
package ghsync

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matrixfabric/matrixfabric/internal/common/logger"
	"github.com/matrixfabric/matrixfabric/internal/store"
)

const (
	sweepInterval = time.Minute
	execTimeout   = 30 * time.Second
	sweepBatch    = 20
)

// Runner executes the gh CLI and returns its trimmed stdout. Injected in
// tests.
type Runner func(ctx context.Context, args ...string) (string, error)

// Syncer pushes pending work items out as issues and pulls closed-issue
// state back in.
type Syncer struct {
	store       *store.Store
	run         Runner
	defaultRepo string
	log         *logger.Logger
}

// New builds a syncer using the real gh CLI. Tasks without their own repo
// fall back to defaultRepo; with neither set they are skipped.
func New(st *store.Store, defaultRepo string, log *logger.Logger) *Syncer {
	return NewWithRunner(st, defaultRepo, ghRunner, log)
}

func NewWithRunner(st *store.Store, defaultRepo string, run Runner, log *logger.Logger) *Syncer {
	if log == nil {
		log = logger.Default()
	}
	return &Syncer{
		store:       st,
		run:         run,
		defaultRepo: defaultRepo,
		log:         log.WithComponent("ghsync"),
	}
}

// Run sweeps on a timer until the context is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce pushes pending tasks out and pulls closed-issue state back.
func (s *Syncer) SweepOnce(ctx context.Context) {
	s.pushPending(ctx)
	s.pullClosed(ctx)
}

func (s *Syncer) pushPending(ctx context.Context) {
	pending, err := s.store.ListUnifiedTasks(ctx, store.UnifiedTaskFilter{
		SyncStatus: store.SyncStatusPending,
		Limit:      sweepBatch,
	})
	if err != nil {
		s.log.Warn("list pending sync tasks", zap.Error(err))
		return
	}

	for _, t := range pending {
		repo := t.GitHubRepo
		if repo == "" {
			repo = s.defaultRepo
		}
		if repo == "" {
			s.log.Debug("task has no repo, skipping sync", zap.Int64("task_id", t.ID))
			continue
		}

		issueURL, err := s.createIssue(ctx, repo, t)
		if err != nil {
			s.log.Warn("issue create failed", zap.Int64("task_id", t.ID), zap.Error(err))
			if err := s.store.MarkGitHubSyncError(ctx, t.ID); err != nil {
				s.log.Warn("mark sync error", zap.Int64("task_id", t.ID), zap.Error(err))
			}
			continue
		}

		number := issueNumberFromURL(issueURL)
		if err := s.store.MarkGitHubSynced(ctx, t.ID, number, issueURL, repo); err != nil {
			s.log.Warn("mark synced", zap.Int64("task_id", t.ID), zap.Error(err))
			continue
		}
		s.log.Info("task synced to issue",
			zap.Int64("task_id", t.ID),
			zap.Int64("issue", number),
			zap.String("repo", repo))
	}
}

func (s *Syncer) pullClosed(ctx context.Context) {
	synced, err := s.store.ListUnifiedTasks(ctx, store.UnifiedTaskFilter{
		SyncStatus: store.SyncStatusSynced,
		Limit:      sweepBatch,
	})
	if err != nil {
		s.log.Warn("list synced tasks", zap.Error(err))
		return
	}

	for _, t := range synced {
		if t.Status == store.UnifiedStatusDone || t.GitHubIssueNumber == 0 {
			continue
		}
		state, err := s.issueState(ctx, t.GitHubRepo, t.GitHubIssueNumber)
		if err != nil {
			s.log.Debug("issue state fetch failed", zap.Int64("task_id", t.ID), zap.Error(err))
			continue
		}
		if state != "CLOSED" {
			continue
		}
		if err := s.store.UpdateUnifiedTaskStatus(ctx, t.ID, store.UnifiedStatusDone); err != nil {
			s.log.Warn("mark task done from closed issue", zap.Int64("task_id", t.ID), zap.Error(err))
			continue
		}
		s.log.Info("task closed from issue",
			zap.Int64("task_id", t.ID), zap.Int64("issue", t.GitHubIssueNumber))
	}
}

func (s *Syncer) createIssue(ctx context.Context, repo string, t *store.UnifiedTask) (string, error) {
	body := t.Description
	if body == "" {
		body = t.Title
	}
	out, err := s.run(ctx, "issue", "create",
		"--repo", repo,
		"--title", t.Title,
		"--body", body)
	if err != nil {
		return "", err
	}
	// gh prints the issue URL as the last output line.
	lines := strings.Split(strings.TrimSpace(out), "\n")
	url := strings.TrimSpace(lines[len(lines)-1])
	if !strings.HasPrefix(url, "http") {
		return "", fmt.Errorf("unexpected gh output: %q", out)
	}
	return url, nil
}

func (s *Syncer) issueState(ctx context.Context, repo string, number int64) (string, error) {
	out, err := s.run(ctx, "issue", "view", strconv.FormatInt(number, 10),
		"--repo", repo, "--json", "state")
	if err != nil {
		return "", err
	}
	var body struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(out), &body); err != nil {
		return "", fmt.Errorf("decode issue state: %w", err)
	}
	return body.State, nil
}

// issueNumberFromURL extracts the trailing number of an issue URL, 0 when
// absent.
func issueNumberFromURL(url string) int64 {
	idx := strings.LastIndex(url, "/")
	if idx < 0 {
		return 0
	}
	n, err := strconv.ParseInt(url[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func ghRunner(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "gh", args...)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("gh %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(output)), nil
}
