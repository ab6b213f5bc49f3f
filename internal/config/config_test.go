package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("METECHO_WORKSPACE", t.TempDir())

	c, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", c.HTTPAddr)
	assert.Equal(t, "/v0", c.BasePath)
	assert.Equal(t, "local", c.QueueDriver)
	assert.Equal(t, 5*time.Minute, c.OrgRecheckInterval)
	assert.Equal(t, 15*time.Second, c.ShutdownTimeout)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("METECHO_HTTP_ADDR", "0.0.0.0:9000")
	t.Setenv("METECHO_LOG_FORMAT", "console")
	t.Setenv("METECHO_GITHUB_WEBHOOK_SECRET", "hook-secret")
	t.Setenv("METECHO_JWT_SECRET", "jwt-secret")

	c, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", c.HTTPAddr)
	assert.Equal(t, "console", c.LogFormat)
	assert.Equal(t, "hook-secret", c.GitHubWebhookSecret)
	assert.Equal(t, "jwt-secret", c.JWTSecret)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("METECHO_LOG_LEVEL", "chatty")
	_, err := Load(New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestAsynqDriverRequiresRedis(t *testing.T) {
	t.Setenv("METECHO_QUEUE_DRIVER", "asynq")
	_, err := Load(New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis_addr")

	t.Setenv("METECHO_REDIS_ADDR", "127.0.0.1:6379")
	c, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6379", c.RedisAddr)
}

func TestToYAMLOmitsSecrets(t *testing.T) {
	t.Setenv("METECHO_GITHUB_TOKEN", "ghp_secret")
	c, err := Load(New())
	require.NoError(t, err)

	out, err := c.ToYAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "http_addr: 127.0.0.1:8080")
	assert.NotContains(t, string(out), "ghp_secret")
}
