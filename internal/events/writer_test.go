package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metecho/internal/db"
	"metecho/internal/events"
	"metecho/internal/migrate"
	"metecho/internal/repo"
)

func TestAppendWithAndWithoutTx(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	ctx := context.Background()
	w := events.Writer{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	require.NoError(t, w.Append(ctx, nil, events.TypeChanged, "p1", "task", "t1", "u1", events.EventPayload{"status": "Completed"}))

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, w.Append(ctx, tx, events.TypeError, "", "user", "", "u1", nil))
	require.NoError(t, tx.Rollback())

	r := repo.Repo{DB: conn}
	evts, err := r.EventsAfter(ctx, 10, 0, "")
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, events.TypeChanged, evts[0].Type)
	assert.Equal(t, "p1", evts[0].ProjectID)
	assert.Equal(t, "2024-01-01T00:00:00Z", evts[0].TS)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(evts[0].Payload), &payload))
	assert.Equal(t, "Completed", payload["status"])
}

func TestAppendRequiresDatabase(t *testing.T) {
	err := events.Writer{}.Append(context.Background(), nil, events.TypeChanged, "", "task", "t1", "", nil)
	assert.Error(t, err)
}
