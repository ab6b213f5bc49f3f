package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"metecho/internal/config"
	"metecho/internal/db"
	"metecho/internal/domain"
	"metecho/internal/events"
	"metecho/internal/hooks"
	"metecho/internal/migrate"
	"metecho/internal/notify"
	"metecho/internal/repo"
)

func newNotifier(t *testing.T) (notify.EventNotifier, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return notify.EventNotifier{Events: events.Writer{DB: conn}, Log: zap.NewNop()}, repo.Repo{DB: conn}
}

func TestEventNotifierRecordsOriginatingUser(t *testing.T) {
	n, r := newNotifier(t)
	ctx := context.Background()
	task := domain.Task{ID: "t1", ProjectID: "p1", Status: domain.TaskCompleted}

	require.NoError(t, n.Changed(ctx, nil, notify.Task(task), "u1"))
	require.NoError(t, n.Failed(ctx, nil, notify.Task(task), errors.New("boom"), "u2"))

	evts, err := r.EventsAfter(ctx, 10, 0, "p1")
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, events.TypeChanged, evts[0].Type)
	assert.Equal(t, "task", evts[0].EntityKind)
	assert.Equal(t, "u1", evts[0].ActorID)

	assert.Equal(t, events.TypeError, evts[1].Type)
	var payload struct {
		Message string         `json:"message"`
		Model   map[string]any `json:"model"`
	}
	require.NoError(t, json.Unmarshal([]byte(evts[1].Payload), &payload))
	assert.Equal(t, "boom", payload.Message)
	assert.Equal(t, "Completed", payload.Model["status"])
}

func TestDispatcherDeliversNewEventsOnly(t *testing.T) {
	n, r := newNotifier(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ := io.ReadAll(req.Body)
		signed := "unsigned"
		if hooks.VerifySignature("s3cret", body, req.Header.Get(notify.SignatureHeader)) == nil {
			signed = "signed"
		}
		assert.Empty(t, req.Header.Get("X-Metecho-Secret"))
		got = append(got, req.Header.Get("X-Metecho-Event")+"/"+signed)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, n.Changed(ctx, nil, notify.Epic(domain.Epic{ID: "old", ProjectID: "p1"}), ""))

	d := notify.NewDispatcher(r, []config.SubscriberConfig{{URL: srv.URL, Secret: "s3cret"}}, zap.NewNop())
	d.DispatchOnce(ctx)
	assert.Empty(t, got)

	require.NoError(t, n.Changed(ctx, nil, notify.Epic(domain.Epic{ID: "e1", ProjectID: "p1"}), ""))
	require.NoError(t, n.Deleted(ctx, nil, notify.Epic(domain.Epic{ID: "e1", ProjectID: "p1"}), ""))
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{events.TypeChanged + "/signed", events.TypeDeleted + "/signed"}, got)
}

func TestDispatcherFiltersAndRetriesFailures(t *testing.T) {
	n, r := newNotifier(t)
	ctx := context.Background()

	var mu sync.Mutex
	fail := true
	var delivered []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		delivered = append(delivered, req.Header.Get("X-Metecho-Event"))
	}))
	defer srv.Close()

	d := notify.NewDispatcher(r, []config.SubscriberConfig{{URL: srv.URL, Events: []string{events.TypeError}}}, zap.NewNop())
	d.DispatchOnce(ctx)

	require.NoError(t, n.Changed(ctx, nil, notify.Task(domain.Task{ID: "t1", ProjectID: "p1"}), ""))
	require.NoError(t, n.Failed(ctx, nil, notify.Task(domain.Task{ID: "t1", ProjectID: "p1"}), errors.New("x"), ""))
	d.DispatchOnce(ctx)

	mu.Lock()
	fail = false
	mu.Unlock()
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{events.TypeError}, delivered)
}
