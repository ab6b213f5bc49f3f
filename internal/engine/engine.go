package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"metecho/internal/config"
	"metecho/internal/domain"
	"metecho/internal/events"
	"metecho/internal/gh"
	"metecho/internal/jobs"
	"metecho/internal/logging"
	"metecho/internal/notify"
	"metecho/internal/repo"
)

// Engine owns every mutation of workflow entities. Each operation runs in
// one transaction and notifies the entities it changed before committing.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Notifier notify.Notifier
	Queue    jobs.Queue
	GitHub   gh.Client
	Config   *config.Config
	Log      *zap.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, queue jobs.Queue, github gh.Client, log *zap.Logger) Engine {
	log = logging.OrNop(log)
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Notifier: notify.EventNotifier{Events: events.Writer{DB: db}, Log: log},
		Queue:    queue,
		GitHub:   github,
		Config:   cfg,
		Log:      log,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *zap.Logger {
	return logging.OrNop(e.Log)
}

func newID() string {
	return uuid.NewString()
}

// inTx runs fn in a transaction and commits when it returns nil.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// uniqueSlug adapts domain.UniqueSlug to a lookup that can fail.
func uniqueSlug(name string, taken func(string) (bool, error)) (string, error) {
	var lookupErr error
	slug := domain.UniqueSlug(name, func(candidate string) bool {
		if lookupErr != nil {
			return false
		}
		ok, err := taken(candidate)
		if err != nil {
			lookupErr = err
			return false
		}
		return ok
	})
	return slug, lookupErr
}

// OrgProjectID resolves the project a scratch org ultimately belongs to.
func (e Engine) OrgProjectID(ctx context.Context, tx *sql.Tx, org domain.ScratchOrg) (string, error) {
	switch kind, id := org.Parent(); kind {
	case "project":
		return id, nil
	case "epic":
		epic, err := e.Repo.GetEpicTx(ctx, tx, id, repo.ScopeAll)
		if err != nil {
			return "", err
		}
		return epic.ProjectID, nil
	case "task":
		task, err := e.Repo.GetTaskTx(ctx, tx, id, repo.ScopeAll)
		if err != nil {
			return "", err
		}
		return task.ProjectID, nil
	}
	return "", domain.ErrInvalidParent
}

func (e Engine) orgEntity(ctx context.Context, tx *sql.Tx, org domain.ScratchOrg) (notify.Entity, error) {
	projectID, err := e.OrgProjectID(ctx, tx, org)
	if err != nil {
		return notify.Entity{}, err
	}
	return notify.ScratchOrg(org, projectID), nil
}

func (e Engine) recheckInterval() time.Duration {
	if e.Config == nil {
		return 0
	}
	return e.Config.OrgRecheckInterval
}

func (e Engine) globalDevhub() string {
	if e.Config == nil {
		return ""
	}
	return e.Config.SFDevHubUsername
}
