package app_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"metecho/internal/app"
	"metecho/internal/config"
	"metecho/internal/db"
	"metecho/internal/jobs"
	"metecho/internal/repo"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Workspace:          filepath.Join(t.TempDir(), "ws"),
		GitHubAPIURL:       "https://api.github.com",
		SFAPIVersion:       "58.0",
		OrgRecheckInterval: 5 * time.Minute,
		QueueDriver:        "local",
		LocalWorkers:       2,
	}
}

func TestOpenLocalDriverWiresRunner(t *testing.T) {
	cfg := testConfig(t)
	a, err := app.Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.FileExists(t, db.Path(cfg.Workspace))
	require.NotNil(t, a.Local)
	assert.Nil(t, a.Asynq)
	assert.Same(t, a.Runner, a.Local.Dispatcher)
	assert.Equal(t, 2, a.Local.Workers)
	assert.Nil(t, a.Engine.GitHub)

	projects, err := a.Engine.Repo.ListProjects(context.Background(), repo.ScopeActive)
	require.NoError(t, err)
	assert.Empty(t, projects)
}

func TestOpenAsynqDriverUsesRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.QueueDriver = "asynq"
	cfg.RedisAddr = mr.Addr()
	cfg.GitHubToken = "token"

	a, err := app.Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Asynq)
	assert.Nil(t, a.Local)
	assert.NotNil(t, a.Engine.GitHub)
	require.NoError(t, a.PingRedis(context.Background()))

	require.NoError(t, a.Engine.Queue.Enqueue(context.Background(), jobs.RefreshGitHubRepositories, jobs.RefreshGitHubRepositoriesArgs{UserID: "u1"}))
	pending, err := mr.List("asynq:{default}:pending")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestPingRedisReportsUnreachableBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.QueueDriver = "asynq"
	cfg.RedisAddr = mr.Addr()

	a, err := app.Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()
	mr.Close()

	err = a.PingRedis(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), cfg.RedisAddr)
}
