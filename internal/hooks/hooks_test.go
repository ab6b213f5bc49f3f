package hooks_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"metecho/internal/config"
	"metecho/internal/db"
	"metecho/internal/domain"
	"metecho/internal/engine"
	"metecho/internal/hooks"
	"metecho/internal/jobs"
	"metecho/internal/migrate"
	"metecho/internal/repo"
)

const repoID = int64(123)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []jobs.RefreshCommitsArgs
	any  int
}

func (q *fakeQueue) Enqueue(_ context.Context, name string, args any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.any++
	if a, ok := args.(jobs.RefreshCommitsArgs); ok && name == jobs.RefreshCommits {
		q.jobs = append(q.jobs, a)
	}
	return nil
}

type testEnv struct {
	Ctx     context.Context
	Engine  engine.Engine
	Queue   *fakeQueue
	Hooks   hooks.Reconciler
	Logs    *observer.ObservedLogs
	Project domain.Project
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	t.Cleanup(func() { conn.Close() })

	core, logs := observer.New(zapcore.DebugLevel)
	q := &fakeQueue{}
	eng := engine.New(conn, &config.Config{OrgRecheckInterval: 5 * time.Minute}, q, nil, zap.NewNop())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }

	ctx := context.Background()
	id := repoID
	p, err := eng.CreateProject(ctx, engine.ProjectCreateOptions{
		Name: "Metecho", RepoOwner: "octo", RepoName: "metecho", RepoID: &id, BranchName: "main",
	})
	require.NoError(t, err)
	return testEnv{Ctx: ctx, Engine: eng, Queue: q, Hooks: hooks.Reconciler{Engine: eng, Log: zap.New(core)}, Logs: logs, Project: p}
}

func (env testEnv) taskWithPR(t *testing.T, epicID string, number int, status domain.TaskStatus) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: env.Project.ID, EpicID: epicID, Name: "Task"})
	require.NoError(t, err)
	task.PRNumber = &number
	task.PRIsOpen = true
	task.Status = status
	require.NoError(t, env.Engine.Repo.UpdateTask(env.Ctx, nil, task))
	return task
}

func (env testEnv) task(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := env.Engine.Repo.GetTask(env.Ctx, id, repo.ScopeActive)
	require.NoError(t, err)
	return task
}

func (env testEnv) handle(t *testing.T, event string, payload any) error {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return env.Hooks.Handle(env.Ctx, event, body)
}

func prEvent(action string, number int, merged bool) map[string]any {
	return map[string]any{
		"action":      action,
		"number":      number,
		"pull_request": map[string]any{"number": number, "merged": merged},
		"repository":  map[string]any{"id": repoID},
	}
}

func TestPullRequestClosedMovesInProgressTasks(t *testing.T) {
	cases := []struct {
		name   string
		merged bool
		want   domain.TaskStatus
	}{
		{"merged", true, domain.TaskCompleted},
		{"not merged", false, domain.TaskCanceled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			task := env.taskWithPR(t, "", 123, domain.TaskInProgress)

			require.NoError(t, env.handle(t, hooks.EventPullRequest, prEvent("closed", 123, tc.merged)))

			got := env.task(t, task.ID)
			assert.Equal(t, tc.want, got.Status)
			assert.False(t, got.PRIsOpen)
		})
	}
}

func TestPullRequestReopenedLeavesTerminalTasks(t *testing.T) {
	for _, status := range []domain.TaskStatus{domain.TaskCompleted, domain.TaskCanceled} {
		t.Run(string(status), func(t *testing.T) {
			env := newTestEnv(t)
			task := env.taskWithPR(t, "", 7, status)
			task.PRIsOpen = false
			require.NoError(t, env.Engine.Repo.UpdateTask(env.Ctx, nil, task))

			require.NoError(t, env.handle(t, hooks.EventPullRequest, prEvent("reopened", 7, false)))

			got := env.task(t, task.ID)
			assert.Equal(t, status, got.Status)
			assert.True(t, got.PRIsOpen)
		})
	}
}

func TestPullRequestUpdatesEveryMatchAndEpics(t *testing.T) {
	env := newTestEnv(t)
	epic, err := env.Engine.CreateEpic(env.Ctx, engine.EpicCreateOptions{ProjectID: env.Project.ID, Name: "Epic"})
	require.NoError(t, err)
	number := 55
	epic.PRNumber = &number
	epic.PRIsOpen = true
	require.NoError(t, env.Engine.Repo.UpdateEpic(env.Ctx, nil, epic))
	first := env.taskWithPR(t, epic.ID, 55, domain.TaskInProgress)
	second := env.taskWithPR(t, "", 55, domain.TaskInProgress)

	require.NoError(t, env.handle(t, hooks.EventPullRequest, prEvent("closed", 55, false)))

	assert.Equal(t, domain.TaskCanceled, env.task(t, first.ID).Status)
	assert.Equal(t, domain.TaskCanceled, env.task(t, second.ID).Status)
	gotEpic, err := env.Engine.Repo.GetEpic(env.Ctx, epic.ID, repo.ScopeActive)
	require.NoError(t, err)
	assert.False(t, gotEpic.PRIsOpen)
	assert.False(t, gotEpic.PRIsMerged)
}

func TestPullRequestUntrackedOrIgnoredActionIsAccepted(t *testing.T) {
	env := newTestEnv(t)
	task := env.taskWithPR(t, "", 9, domain.TaskInProgress)

	require.NoError(t, env.handle(t, hooks.EventPullRequest, prEvent("closed", 404, true)))
	require.NoError(t, env.handle(t, hooks.EventPullRequest, prEvent("synchronize", 9, false)))

	got := env.task(t, task.ID)
	assert.Equal(t, domain.TaskInProgress, got.Status)
	assert.True(t, got.PRIsOpen)
}

func TestPullRequestUnknownRepositoryIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	evt := prEvent("closed", 1, true)
	evt["repository"] = map[string]any{"id": 999}

	err := env.handle(t, hooks.EventPullRequest, evt)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestPushEnqueuesRefreshForBranches(t *testing.T) {
	env := newTestEnv(t)

	err := env.handle(t, hooks.EventPush, map[string]any{
		"forced":     false,
		"ref":        "refs/heads/feature/thing",
		"commits":    []any{},
		"repository": map[string]any{"id": repoID},
	})
	require.NoError(t, err)

	require.Len(t, env.Queue.jobs, 1)
	assert.Equal(t, env.Project.ID, env.Queue.jobs[0].ProjectID)
	assert.Equal(t, "feature/thing", env.Queue.jobs[0].BranchName)
}

func TestPushIgnoresTagsAndUnknownRefs(t *testing.T) {
	cases := []struct {
		ref   string
		level zapcore.Level
	}{
		{"not a branch?", zapcore.WarnLevel},
		{"refs/tags/v0.1", zapcore.InfoLevel},
	}
	for _, tc := range cases {
		t.Run(tc.ref, func(t *testing.T) {
			env := newTestEnv(t)

			err := env.handle(t, hooks.EventPush, map[string]any{
				"ref":        tc.ref,
				"repository": map[string]any{"id": repoID},
			})
			require.NoError(t, err)

			assert.Zero(t, env.Queue.any)
			entries := env.Logs.FilterField(zap.String("ref", tc.ref)).All()
			require.Len(t, entries, 1)
			assert.Equal(t, tc.level, entries[0].Level)
		})
	}
}

func TestPushUnknownRepositoryIsAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	err := env.handle(t, hooks.EventPush, map[string]any{
		"ref":        "refs/heads/main",
		"repository": map[string]any{"id": 1},
	})
	require.NoError(t, err)
	assert.Zero(t, env.Queue.any)
	entries := env.Logs.FilterField(zap.Int64("repo_id", 1)).All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
}

func TestPullRequestReviewAppendsReviewerOnce(t *testing.T) {
	env := newTestEnv(t)
	task := env.taskWithPR(t, "", 21, domain.TaskInProgress)
	evt := map[string]any{
		"sender":       map[string]any{"login": "login", "avatar_url": "https://example.com/avatar.png"},
		"repository":   map[string]any{"id": repoID},
		"pull_request": map[string]any{"number": 21},
	}

	require.NoError(t, env.handle(t, hooks.EventPullRequestReview, evt))
	require.NoError(t, env.handle(t, hooks.EventPullRequestReview, evt))

	got := env.task(t, task.ID)
	require.Len(t, got.Reviewers, 1)
	assert.Equal(t, domain.Reviewer{Login: "login", AvatarURL: "https://example.com/avatar.png"}, got.Reviewers[0])
	assert.Equal(t, domain.TaskInProgress, got.Status)
}

func TestPullRequestReviewUntrackedPullRequestIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	err := env.handle(t, hooks.EventPullRequestReview, map[string]any{
		"sender":       map[string]any{"login": "login"},
		"repository":   map[string]any{"id": repoID},
		"pull_request": map[string]any{"number": 99},
	})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestHandleRejectsMalformedPayloads(t *testing.T) {
	env := newTestEnv(t)

	assert.ErrorIs(t, env.Hooks.Handle(env.Ctx, hooks.EventPush, []byte("{")), hooks.ErrInvalidPayload)
	assert.ErrorIs(t, env.handle(t, hooks.EventPush, map[string]any{"ref": "refs/heads/main"}), hooks.ErrInvalidPayload)
	assert.ErrorIs(t, env.handle(t, hooks.EventPullRequestReview, map[string]any{
		"repository": map[string]any{"id": repoID},
	}), hooks.ErrInvalidPayload)
}

func TestHandleAcknowledgesPingAndOtherEvents(t *testing.T) {
	env := newTestEnv(t)
	assert.NoError(t, env.Hooks.Handle(env.Ctx, hooks.EventPing, []byte(`{"zen":"hi"}`)))
	assert.NoError(t, env.Hooks.Handle(env.Ctx, "issues", []byte(`{}`)))
	assert.Zero(t, env.Queue.any)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)
	good := hooks.SignatureValue("s3cret", body)

	assert.NoError(t, hooks.VerifySignature("s3cret", body, good))
	assert.NoError(t, hooks.VerifySignature("", body, ""))
	assert.ErrorIs(t, hooks.VerifySignature("other", body, good), hooks.ErrBadSignature)
	assert.ErrorIs(t, hooks.VerifySignature("s3cret", body, "sha256=zz"), hooks.ErrBadSignature)
	assert.ErrorIs(t, hooks.VerifySignature("s3cret", body, ""), hooks.ErrBadSignature)
}
