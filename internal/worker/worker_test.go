package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"metecho/internal/config"
	"metecho/internal/db"
	"metecho/internal/domain"
	"metecho/internal/engine"
	"metecho/internal/events"
	"metecho/internal/gh"
	"metecho/internal/jobs"
	"metecho/internal/migrate"
	"metecho/internal/repo"
	"metecho/internal/sf"
	"metecho/internal/worker"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type mockGitHub struct {
	mock.Mock
}

func (m *mockGitHub) Repository(ctx context.Context, repoID int64) (gh.Repository, error) {
	args := m.Called(ctx, repoID)
	return args.Get(0).(gh.Repository), args.Error(1)
}

func (m *mockGitHub) Branch(ctx context.Context, repoID int64, name string) (gh.Branch, error) {
	args := m.Called(ctx, repoID, name)
	return args.Get(0).(gh.Branch), args.Error(1)
}

func (m *mockGitHub) CompareCommits(ctx context.Context, repoID int64, base, head string) (gh.Comparison, error) {
	args := m.Called(ctx, repoID, base, head)
	return args.Get(0).(gh.Comparison), args.Error(1)
}

func (m *mockGitHub) Commits(ctx context.Context, repoID int64, branch string, limit int) ([]gh.Commit, error) {
	args := m.Called(ctx, repoID, branch, limit)
	if v := args.Get(0); v != nil {
		return v.([]gh.Commit), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGitHub) CreatePullRequest(ctx context.Context, repoID int64, pr gh.NewPullRequest) (gh.PullRequest, error) {
	args := m.Called(ctx, repoID, pr)
	return args.Get(0).(gh.PullRequest), args.Error(1)
}

func (m *mockGitHub) PullRequest(ctx context.Context, repoID int64, number int) (gh.PullRequest, error) {
	args := m.Called(ctx, repoID, number)
	return args.Get(0).(gh.PullRequest), args.Error(1)
}

func (m *mockGitHub) CreateReview(ctx context.Context, repoID int64, number int, review gh.Review) error {
	return m.Called(ctx, repoID, number, review).Error(0)
}

func (m *mockGitHub) Collaborators(ctx context.Context, repoID int64) ([]gh.Collaborator, error) {
	args := m.Called(ctx, repoID)
	if v := args.Get(0); v != nil {
		return v.([]gh.Collaborator), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGitHub) User(ctx context.Context, login string) (gh.User, error) {
	args := m.Called(ctx, login)
	return args.Get(0).(gh.User), args.Error(1)
}

func (m *mockGitHub) ReposForUser(ctx context.Context, token string) ([]gh.UserRepository, error) {
	args := m.Called(ctx, token)
	if v := args.Get(0); v != nil {
		return v.([]gh.UserRepository), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockSalesforce struct {
	mock.Mock
}

func (m *mockSalesforce) LatestRevisionNumbers(ctx context.Context, org sf.Org) (domain.RevisionNumbers, error) {
	args := m.Called(ctx, org)
	if v := args.Get(0); v != nil {
		return v.(domain.RevisionNumbers), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSalesforce) DeleteOrg(ctx context.Context, orgID string) error {
	return m.Called(ctx, orgID).Error(0)
}

type nopQueue struct{ names []string }

func (q *nopQueue) Enqueue(_ context.Context, name string, _ any) error {
	q.names = append(q.names, name)
	return nil
}

type testEnv struct {
	Ctx    context.Context
	Repo   repo.Repo
	Runner *worker.Runner
	GitHub *mockGitHub
	SF     *mockSalesforce
	Queue  *nopQueue
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	t.Cleanup(func() { conn.Close() })

	github := &mockGitHub{}
	salesforce := &mockSalesforce{}
	q := &nopQueue{}
	eng := engine.New(conn, &config.Config{}, q, github, zap.NewNop())
	eng.Now = func() time.Time { return t0 }
	return testEnv{
		Ctx:    context.Background(),
		Repo:   eng.Repo,
		Runner: worker.New(eng, github, salesforce, zap.NewNop()),
		GitHub: github,
		SF:     salesforce,
		Queue:  q,
	}
}

func (env testEnv) dispatch(t *testing.T, name string, args any) error {
	t.Helper()
	payload, err := jobs.Encode(args)
	require.NoError(t, err)
	return env.Runner.Dispatch(env.Ctx, name, payload)
}

func (env testEnv) seedProject(t *testing.T) domain.Project {
	t.Helper()
	repoID := int64(123)
	p := domain.Project{ID: "p1", Name: "Project", Slug: "project", RepoOwner: "octo", RepoName: "project",
		RepoID: &repoID, BranchName: "project", CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, env.Repo.InsertProject(env.Ctx, nil, p))
	return p
}

func (env testEnv) seedTask(t *testing.T, task domain.Task) domain.Task {
	t.Helper()
	if task.ProjectID == "" {
		task.ProjectID = "p1"
	}
	task.Slug = task.ID
	task.Name = task.ID
	if task.Status == "" {
		task.Status = domain.TaskInProgress
	}
	task.CreatedAt, task.UpdatedAt = t0, t0
	require.NoError(t, env.Repo.InsertTask(env.Ctx, nil, task))
	return task
}

func (env testEnv) seedOrg(t *testing.T, org domain.ScratchOrg) domain.ScratchOrg {
	t.Helper()
	org.CreatedAt, org.UpdatedAt = t0, t0
	require.NoError(t, env.Repo.InsertScratchOrg(env.Ctx, nil, org))
	return org
}

func (env testEnv) seedSalesforceUser(t *testing.T, id, token string) {
	t.Helper()
	require.NoError(t, env.Repo.InsertUser(env.Ctx, nil, domain.User{ID: id, Username: id, CreatedAt: t0}))
	require.NoError(t, env.Repo.UpsertSocialAccount(env.Ctx, nil, domain.SocialAccount{
		ID: id + "-sf", UserID: id, Provider: domain.ProviderSalesforce, UID: "005", Token: token,
	}))
}

func (env testEnv) errorEvents(t *testing.T, entityID string) []domain.Event {
	t.Helper()
	evts, err := env.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: events.TypeError, EntityID: entityID})
	require.NoError(t, err)
	return evts
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func TestDispatchUnknownJob(t *testing.T) {
	env := newTestEnv(t)
	err := env.Runner.Dispatch(env.Ctx, "nope", nil)
	assert.ErrorIs(t, err, jobs.ErrUnknownJob)
	assert.True(t, jobs.Permanent(err))
}

func TestSubmitReviewPostsReviewForRecordedCommit(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t)
	env.seedTask(t, domain.Task{ID: "t1", PRNumber: intPtr(7), PRIsOpen: true, ReviewValid: true, ReviewSHA: "test_sha", CurrentlySubmittingReview: true})
	env.GitHub.On("CreateReview", mock.Anything, int64(123), 7, gh.Review{CommitSHA: "test_sha", Body: "Notes", Event: gh.ReviewApprove}).Return(nil)

	err := env.dispatch(t, jobs.SubmitReview, jobs.SubmitReviewArgs{TaskID: "t1", UserID: "u1", Data: jobs.ReviewData{Notes: "Notes", Status: domain.ReviewApproved}})
	require.NoError(t, err)
	env.GitHub.AssertExpectations(t)

	task, err := env.Repo.GetTask(env.Ctx, "t1", repo.ScopeActive)
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewApproved, task.ReviewStatus)
	assert.False(t, task.CurrentlySubmittingReview)
	assert.Equal(t, domain.ReviewValid, task.ReviewState())
	require.NotNil(t, task.ReviewSubmittedAt)
}

func TestSubmitReviewUsesReviewOrgCommitAndDeletesOrg(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t)
	env.seedTask(t, domain.Task{ID: "t1", PRNumber: intPtr(7), PRIsOpen: true, ReviewValid: true, ReviewSHA: "org_sha", CurrentlySubmittingReview: true})
	env.seedOrg(t, domain.ScratchOrg{ID: "o1", OrgType: domain.OrgQA, TaskID: strPtr("t1"), LatestCommit: "org_sha"})
	env.GitHub.On("CreateReview", mock.Anything, int64(123), 7, gh.Review{CommitSHA: "org_sha", Event: gh.ReviewRequestChanges}).Return(nil)

	data := jobs.ReviewData{Status: domain.ReviewChangesRequested, ScratchOrgID: "o1", DeleteOrg: true}
	require.NoError(t, env.dispatch(t, jobs.SubmitReview, jobs.SubmitReviewArgs{TaskID: "t1", Data: data}))
	env.GitHub.AssertExpectations(t)
	assert.Equal(t, []string{jobs.DeleteScratchOrg}, env.Queue.names)
}

func TestSubmitReviewRejectsInvalidatedReview(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t)
	env.seedTask(t, domain.Task{ID: "t1", PRNumber: intPtr(7), PRIsOpen: true, ReviewValid: false, ReviewSHA: "test_sha", CurrentlySubmittingReview: true})

	err := env.dispatch(t, jobs.SubmitReview, jobs.SubmitReviewArgs{TaskID: "t1", Data: jobs.ReviewData{Status: domain.ReviewApproved}})
	var integrity domain.ReviewIntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, "t1", integrity.TaskID)
	env.GitHub.AssertNotCalled(t, "CreateReview", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	task, err := env.Repo.GetTask(env.Ctx, "t1", repo.ScopeActive)
	require.NoError(t, err)
	assert.False(t, task.CurrentlySubmittingReview)
	assert.Empty(t, task.ReviewStatus)
	assert.Len(t, env.errorEvents(t, "t1"), 1)
}

func TestSubmitReviewRejectsMismatchedCommit(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t)
	env.seedTask(t, domain.Task{ID: "t1", PRNumber: intPtr(7), PRIsOpen: true, ReviewValid: true, ReviewSHA: "recorded", CurrentlySubmittingReview: true})

	err := env.dispatch(t, jobs.SubmitReview, jobs.SubmitReviewArgs{TaskID: "t1", Data: jobs.ReviewData{Status: domain.ReviewApproved, SHA: "other"}})
	var integrity domain.ReviewIntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, "recorded", integrity.RecordedSHA)
	assert.Equal(t, "other", integrity.ReviewSHA)
}

func TestSubmitReviewGitHubErrorIsReturned(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t)
	env.seedTask(t, domain.Task{ID: "t1", PRNumber: intPtr(7), PRIsOpen: true, ReviewValid: true, ReviewSHA: "test_sha", CurrentlySubmittingReview: true})
	upstream := &gh.APIError{StatusCode: 422, Method: "POST", Path: "/reviews"}
	env.GitHub.On("CreateReview", mock.Anything, int64(123), 7, mock.Anything).Return(upstream)

	err := env.dispatch(t, jobs.SubmitReview, jobs.SubmitReviewArgs{TaskID: "t1", Data: jobs.ReviewData{Status: domain.ReviewApproved}})
	var apiErr *gh.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.False(t, jobs.Permanent(err))

	task, err := env.Repo.GetTask(env.Ctx, "t1", repo.ScopeActive)
	require.NoError(t, err)
	assert.False(t, task.CurrentlySubmittingReview)
	assert.Len(t, env.errorEvents(t, "t1"), 1)
}

func TestGetUnsavedChangesUsesOwnerToken(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t)
	env.seedSalesforceUser(t, "u1", "owner-token")
	env.seedOrg(t, domain.ScratchOrg{
		ID: "o1", OrgType: domain.OrgDev, ProjectID: strPtr("p1"), OwnerID: strPtr("u1"),
		Config:                map[string]any{"org_id": "00D000000000001", "instance_url": "https://org.my.salesforce.com"},
		LatestRevisionNumbers: domain.RevisionNumbers{"ApexClass": {"Foo": 1}},
	})
	current := domain.RevisionNumbers{"ApexClass": {"Foo": 3}}
	env.SF.On("LatestRevisionNumbers", mock.Anything, sf.Org{ID: "00D000000000001", InstanceURL: "https://org.my.salesforce.com", AccessToken: "owner-token"}).Return(current, nil)

	require.NoError(t, env.dispatch(t, jobs.GetUnsavedChanges, jobs.GetUnsavedChangesArgs{ScratchOrgID: "o1"}))
	org, err := env.Repo.GetScratchOrg(env.Ctx, "o1", repo.ScopeActive)
	require.NoError(t, err)
	assert.Equal(t, domain.UnsavedChanges{"ApexClass": {"Foo"}}, org.UnsavedChanges)
	assert.Equal(t, current, org.LatestRevisionNumbers)
}

func TestGetUnsavedChangesFailureClearsFlag(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t)
	env.seedOrg(t, domain.ScratchOrg{ID: "o1", OrgType: domain.OrgDev, ProjectID: strPtr("p1"), CurrentlyRefreshingChanges: true})
	env.SF.On("LatestRevisionNumbers", mock.Anything, mock.Anything).Return(nil, errors.New("session expired"))

	err := env.dispatch(t, jobs.GetUnsavedChanges, jobs.GetUnsavedChangesArgs{ScratchOrgID: "o1"})
	require.EqualError(t, err, "session expired")
	org, err := env.Repo.GetScratchOrg(env.Ctx, "o1", repo.ScopeActive)
	require.NoError(t, err)
	assert.False(t, org.CurrentlyRefreshingChanges)
	assert.Len(t, env.errorEvents(t, "o1"), 1)
}

func TestDeleteScratchOrgFailureKeepsOrgAndRefreshesChanges(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t)
	queued := t0.Add(-time.Minute)
	env.seedOrg(t, domain.ScratchOrg{ID: "o1", OrgType: domain.OrgDev, ProjectID: strPtr("p1"), DeleteQueuedAt: &queued,
		Config: map[string]any{"org_id": "00D000000000001"}})
	teapot := &sf.APIError{StatusCode: 418, Path: "/sobjects/ActiveScratchOrg", Body: "I'M A TEAPOT"}
	env.SF.On("DeleteOrg", mock.Anything, "00D000000000001").Return(teapot)
	current := domain.RevisionNumbers{"name": {"member": 1, "member2": 1}, "name1": {"member": 1, "member2": 1}}
	env.SF.On("LatestRevisionNumbers", mock.Anything, mock.Anything).Return(current, nil)

	err := env.dispatch(t, jobs.DeleteScratchOrg, jobs.DeleteScratchOrgArgs{ScratchOrgID: "o1"})
	var apiErr *sf.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 418, apiErr.StatusCode)
	env.SF.AssertCalled(t, "LatestRevisionNumbers", mock.Anything, mock.Anything)

	org, err := env.Repo.GetScratchOrg(env.Ctx, "o1", repo.ScopeActive)
	require.NoError(t, err)
	assert.Nil(t, org.DeleteQueuedAt)
	assert.Equal(t, current, org.LatestRevisionNumbers)
	assert.Len(t, env.errorEvents(t, "o1"), 1)
}

func TestDeleteScratchOrgSoftDeletes(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t)
	env.seedOrg(t, domain.ScratchOrg{ID: "o1", OrgType: domain.OrgDev, ProjectID: strPtr("p1"), Config: map[string]any{"org_id": "00D"}})
	env.SF.On("DeleteOrg", mock.Anything, "00D").Return(nil)

	require.NoError(t, env.dispatch(t, jobs.DeleteScratchOrg, jobs.DeleteScratchOrgArgs{ScratchOrgID: "o1"}))
	_, err := env.Repo.GetScratchOrg(env.Ctx, "o1", repo.ScopeActive)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRefreshCommitsUpdatesEachTrackedBranch(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t)
	epic := domain.Epic{ID: "e1", ProjectID: "p1", Name: "Epic", Slug: "epic", Status: domain.EpicPlanned, BranchName: "epic", CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, env.Repo.InsertEpic(env.Ctx, nil, epic))
	env.seedTask(t, domain.Task{ID: "t1", EpicID: strPtr("e1"), BranchName: "task", OriginSHA: "1234abcd", Status: domain.TaskPlanned})

	commits := []gh.Commit{
		{SHA: "abcd1234", Message: "Test message 1", AuthorLogin: "test_user", AvatarURL: "https://example.com/img.png", Timestamp: "2019-12-09T13:00:00Z"},
		{SHA: "1234abcd", Message: "Test message 2", Timestamp: "2019-12-09T12:30:00Z"},
	}
	env.GitHub.On("Commits", mock.Anything, int64(123), mock.Anything, 100).Return(commits, nil)
	env.GitHub.On("CompareCommits", mock.Anything, int64(123), mock.Anything, mock.Anything).Return(gh.Comparison{AheadBy: 1}, nil)

	for _, branch := range []string{"task", "epic", "project"} {
		require.NoError(t, env.dispatch(t, jobs.RefreshCommits, jobs.RefreshCommitsArgs{ProjectID: "p1", BranchName: branch}))
	}

	task, err := env.Repo.GetTask(env.Ctx, "t1", repo.ScopeActive)
	require.NoError(t, err)
	require.Len(t, task.Commits, 1)
	assert.Equal(t, "abcd1234", task.Commits[0].ID)
	assert.Equal(t, "test_user", task.Commits[0].Author.Username)
	assert.True(t, task.HasUnmergedCommits)
	assert.Equal(t, domain.TaskInProgress, task.Status)
	env.GitHub.AssertCalled(t, "CompareCommits", mock.Anything, int64(123), "epic", "task")

	e, err := env.Repo.GetEpic(env.Ctx, "e1", repo.ScopeActive)
	require.NoError(t, err)
	assert.Equal(t, "abcd1234", e.LatestSHA)
	assert.True(t, e.HasUnmergedCommits)
	assert.Equal(t, domain.EpicInProgress, e.Status)

	p, err := env.Repo.GetProject(env.Ctx, "p1", repo.ScopeActive)
	require.NoError(t, err)
	assert.Equal(t, "abcd1234", p.LatestSHA)
}

func TestRefreshCommitsReturnsGitHubError(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t)
	env.GitHub.On("Commits", mock.Anything, int64(123), "project", 100).Return(nil, errors.New("rate limited"))

	err := env.dispatch(t, jobs.RefreshCommits, jobs.RefreshCommitsArgs{ProjectID: "p1", BranchName: "project"})
	require.ErrorContains(t, err, "rate limited")
	errs := env.errorEvents(t, "p1")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Payload, "rate limited")
}

func TestCreatePRTargetsEpicBranch(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t)
	require.NoError(t, env.Repo.InsertEpic(env.Ctx, nil, domain.Epic{ID: "e1", ProjectID: "p1", Name: "Epic", Slug: "epic", Status: domain.EpicPlanned, BranchName: "epic", CreatedAt: t0, UpdatedAt: t0}))
	env.seedTask(t, domain.Task{ID: "t1", EpicID: strPtr("e1"), BranchName: "feature", CurrentlyCreatingPR: true})

	env.GitHub.On("CreatePullRequest", mock.Anything, int64(123), mock.MatchedBy(func(pr gh.NewPullRequest) bool {
		return pr.Head == "feature" && pr.Base == "epic" && pr.Title == "My PR" &&
			pr.Body == "Body\n\n# Critical Changes\n\nDrops a field"
	})).Return(gh.PullRequest{Number: 123}, nil)

	args := jobs.CreatePRArgs{Target: jobs.TargetTask, ID: "t1", Title: "My PR", Body: "Body", CriticalChanges: "Drops a field"}
	require.NoError(t, env.dispatch(t, jobs.CreatePR, args))
	env.GitHub.AssertExpectations(t)

	task, err := env.Repo.GetTask(env.Ctx, "t1", repo.ScopeActive)
	require.NoError(t, err)
	require.NotNil(t, task.PRNumber)
	assert.Equal(t, 123, *task.PRNumber)
	assert.True(t, task.PRIsOpen)
	assert.False(t, task.CurrentlyCreatingPR)
}

func TestCreatePRFailureClearsFlag(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t)
	env.seedTask(t, domain.Task{ID: "t1", BranchName: "feature", CurrentlyCreatingPR: true})
	env.GitHub.On("CreatePullRequest", mock.Anything, int64(123), mock.Anything).Return(gh.PullRequest{}, errors.New("validation failed"))

	err := env.dispatch(t, jobs.CreatePR, jobs.CreatePRArgs{Target: jobs.TargetTask, ID: "t1", Title: "My PR"})
	require.Error(t, err)
	task, err := env.Repo.GetTask(env.Ctx, "t1", repo.ScopeActive)
	require.NoError(t, err)
	assert.False(t, task.CurrentlyCreatingPR)
	assert.Nil(t, task.PRNumber)
	assert.Len(t, env.errorEvents(t, "t1"), 1)
}

func TestRefreshGitHubUsersKeepsSimpleRecordWhenExpansionFails(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t)
	p.CurrentlyFetchingGitHubUsers = true
	require.NoError(t, env.Repo.UpdateProject(env.Ctx, nil, p))

	env.GitHub.On("Collaborators", mock.Anything, int64(123)).Return([]gh.Collaborator{
		{ID: 123, Login: "test-user-1", AvatarURL: "https://example.com/avatar1.png", Permissions: map[string]bool{"push": false}},
		{ID: 456, Login: "test-user-2", AvatarURL: "https://example.com/avatar2.png", Permissions: map[string]bool{"push": true}},
	}, nil)
	env.GitHub.On("User", mock.Anything, "test-user-1").Return(gh.User{}, errors.New("GITHUB ERROR"))
	env.GitHub.On("User", mock.Anything, "test-user-2").Return(gh.User{Name: "FULL NAME"}, nil)

	require.NoError(t, env.dispatch(t, jobs.RefreshGitHubUsers, jobs.RefreshGitHubUsersArgs{ProjectID: "p1"}))

	stored, err := env.Repo.GetProject(env.Ctx, "p1", repo.ScopeActive)
	require.NoError(t, err)
	assert.False(t, stored.CurrentlyFetchingGitHubUsers)
	assert.Equal(t, []domain.GitHubUser{
		{ID: "123", Login: "test-user-1", AvatarURL: "https://example.com/avatar1.png", Permissions: map[string]any{"push": false}},
		{ID: "456", Login: "test-user-2", Name: "FULL NAME", AvatarURL: "https://example.com/avatar2.png", Permissions: map[string]any{"push": true}},
	}, stored.GitHubUsers)
}

func TestRefreshGitHubUsersFailureClearsFlag(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t)
	p.CurrentlyFetchingGitHubUsers = true
	require.NoError(t, env.Repo.UpdateProject(env.Ctx, nil, p))
	env.GitHub.On("Collaborators", mock.Anything, int64(123)).Return(nil, errors.New("Oh no!"))

	err := env.dispatch(t, jobs.RefreshGitHubUsers, jobs.RefreshGitHubUsersArgs{ProjectID: "p1"})
	require.ErrorContains(t, err, "Oh no!")
	stored, err := env.Repo.GetProject(env.Ctx, "p1", repo.ScopeActive)
	require.NoError(t, err)
	assert.False(t, stored.CurrentlyFetchingGitHubUsers)
}

func TestConvertToDevOrgFailureLeavesOrg(t *testing.T) {
	env := newTestEnv(t)
	env.seedProject(t)
	require.NoError(t, env.Repo.InsertEpic(env.Ctx, nil, domain.Epic{ID: "e1", ProjectID: "p1", Name: "Epic", Slug: "epic", Status: domain.EpicPlanned, CreatedAt: t0, UpdatedAt: t0}))
	env.seedTask(t, domain.Task{ID: "t1", EpicID: strPtr("e1"), BranchName: "feature"})
	env.seedOrg(t, domain.ScratchOrg{ID: "o1", OrgType: domain.OrgPlayground, EpicID: strPtr("e1")})
	env.GitHub.On("Branch", mock.Anything, int64(123), "feature").Return(gh.Branch{}, errors.New("branch missing")).Once()

	err := env.dispatch(t, jobs.ConvertToDevOrg, jobs.ConvertToDevOrgArgs{ScratchOrgID: "o1", TaskID: "t1"})
	require.ErrorContains(t, err, "branch missing")
	org, err := env.Repo.GetScratchOrg(env.Ctx, "o1", repo.ScopeActive)
	require.NoError(t, err)
	assert.Equal(t, domain.OrgPlayground, org.OrgType)
	require.NotNil(t, org.EpicID)
	assert.Nil(t, org.TaskID)

	env.GitHub.On("Branch", mock.Anything, int64(123), "feature").Return(gh.Branch{Name: "feature"}, nil)
	require.NoError(t, env.dispatch(t, jobs.ConvertToDevOrg, jobs.ConvertToDevOrgArgs{ScratchOrgID: "o1", TaskID: "t1"}))
	org, err = env.Repo.GetScratchOrg(env.Ctx, "o1", repo.ScopeActive)
	require.NoError(t, err)
	assert.Equal(t, domain.OrgDev, org.OrgType)
	assert.Nil(t, org.EpicID)
}

func TestRefreshGitHubRepositories(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.Repo.InsertUser(env.Ctx, nil, domain.User{ID: "u1", Username: "u1", CurrentlyFetchingRepos: true, CreatedAt: t0}))
	require.NoError(t, env.Repo.UpsertSocialAccount(env.Ctx, nil, domain.SocialAccount{ID: "gh1", UserID: "u1", Provider: domain.ProviderGitHub, UID: "99", Token: "gh-token"}))
	env.GitHub.On("ReposForUser", mock.Anything, "gh-token").Return([]gh.UserRepository{
		{ID: 123, HTMLURL: "https://example.com/"},
		{ID: 456, HTMLURL: "https://example.com/"},
	}, nil).Once()

	require.NoError(t, env.dispatch(t, jobs.RefreshGitHubRepositories, jobs.RefreshGitHubRepositoriesArgs{UserID: "u1"}))
	repos, err := env.Repo.ListGitHubRepositories(env.Ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, repos, 2)
	u, err := env.Repo.GetUser(env.Ctx, "u1")
	require.NoError(t, err)
	assert.False(t, u.CurrentlyFetchingRepos)

	env.GitHub.On("ReposForUser", mock.Anything, "gh-token").Return(nil, errors.New("Oh no!"))
	require.ErrorContains(t, env.dispatch(t, jobs.RefreshGitHubRepositories, jobs.RefreshGitHubRepositoriesArgs{UserID: "u1"}), "Oh no!")
	repos, err = env.Repo.ListGitHubRepositories(env.Ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, repos, 2)
}
