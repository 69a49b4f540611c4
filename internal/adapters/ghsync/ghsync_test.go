package ghsync

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixfabric/matrixfabric/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "fabric.db"), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPushPendingCreatesIssue(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	task := &store.UnifiedTask{
		Title:            "wire the indexer health check",
		Domain:           store.DomainSystem,
		GitHubSyncStatus: store.SyncStatusPending,
	}
	require.NoError(t, st.CreateUnifiedTask(ctx, task))

	var calls []string
	s := NewWithRunner(st, "acme/fabric", func(ctx context.Context, args ...string) (string, error) {
		calls = append(calls, strings.Join(args, " "))
		if args[1] == "view" {
			return `{"state":"OPEN"}`, nil
		}
		return "https://github.com/acme/fabric/issues/41", nil
	}, nil)

	s.SweepOnce(ctx)

	require.NotEmpty(t, calls)
	require.Contains(t, calls[0], "issue create")
	require.Contains(t, calls[0], "--repo acme/fabric")

	synced, err := st.GetUnifiedTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SyncStatusSynced, synced.GitHubSyncStatus)
	assert.Equal(t, int64(41), synced.GitHubIssueNumber)
	assert.Equal(t, "https://github.com/acme/fabric/issues/41", synced.GitHubIssueURL)
	assert.Equal(t, "acme/fabric", synced.GitHubRepo)
}

func TestPushFailureMarksError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	task := &store.UnifiedTask{
		Title:            "doomed",
		Domain:           store.DomainSystem,
		GitHubSyncStatus: store.SyncStatusPending,
	}
	require.NoError(t, st.CreateUnifiedTask(ctx, task))

	s := NewWithRunner(st, "acme/fabric", func(ctx context.Context, args ...string) (string, error) {
		return "", errors.New("gh: api rate limit")
	}, nil)

	s.SweepOnce(ctx)

	got, err := st.GetUnifiedTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SyncStatusError, got.GitHubSyncStatus)
}

func TestPushSkipsTasksWithoutRepo(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	task := &store.UnifiedTask{
		Title:            "no repo anywhere",
		Domain:           store.DomainProject,
		GitHubSyncStatus: store.SyncStatusPending,
	}
	require.NoError(t, st.CreateUnifiedTask(ctx, task))

	called := false
	s := NewWithRunner(st, "", func(ctx context.Context, args ...string) (string, error) {
		called = true
		return "", nil
	}, nil)

	s.SweepOnce(ctx)

	assert.False(t, called)
	got, err := st.GetUnifiedTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SyncStatusPending, got.GitHubSyncStatus)
}

func TestPullClosedIssueMarksDone(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	task := &store.UnifiedTask{
		Title:            "tracked in issue",
		Domain:           store.DomainSystem,
		GitHubSyncStatus: store.SyncStatusPending,
	}
	require.NoError(t, st.CreateUnifiedTask(ctx, task))
	require.NoError(t, st.MarkGitHubSynced(ctx, task.ID, 7, "https://github.com/acme/fabric/issues/7", "acme/fabric"))

	s := NewWithRunner(st, "acme/fabric", func(ctx context.Context, args ...string) (string, error) {
		return `{"state":"CLOSED"}`, nil
	}, nil)

	s.SweepOnce(ctx)

	got, err := st.GetUnifiedTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.UnifiedStatusDone, got.Status)
}

func TestIssueNumberFromURL(t *testing.T) {
	assert.Equal(t, int64(41), issueNumberFromURL("https://github.com/acme/fabric/issues/41"))
	assert.Zero(t, issueNumberFromURL("not a url"))
	assert.Zero(t, issueNumberFromURL("https://github.com/acme/fabric/issues/abc"))
}
