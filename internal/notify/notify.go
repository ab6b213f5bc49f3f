package notify

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"metecho/internal/domain"
	"metecho/internal/events"
	"metecho/internal/logging"
)

// Kind names the entity an event is about.
type Kind string

const (
	KindProject    Kind = "project"
	KindEpic       Kind = "epic"
	KindTask       Kind = "task"
	KindScratchOrg Kind = "scratch_org"
	KindUser       Kind = "user"
)

// Entity identifies the subject of a notification. Data is serialized into
// the event payload as-is.
type Entity struct {
	Kind      Kind
	ID        string
	ProjectID string
	Data      any
}

func Project(p domain.Project) Entity {
	return Entity{Kind: KindProject, ID: p.ID, ProjectID: p.ID, Data: p}
}

func Epic(e domain.Epic) Entity {
	return Entity{Kind: KindEpic, ID: e.ID, ProjectID: e.ProjectID, Data: e}
}

func Task(t domain.Task) Entity {
	return Entity{Kind: KindTask, ID: t.ID, ProjectID: t.ProjectID, Data: t}
}

// ScratchOrg needs the owning project id, which the org only carries
// directly when it is project-owned.
func ScratchOrg(o domain.ScratchOrg, projectID string) Entity {
	return Entity{Kind: KindScratchOrg, ID: o.ID, ProjectID: projectID, Data: o}
}

func User(u domain.User) Entity {
	return Entity{Kind: KindUser, ID: u.ID, Data: u}
}

// Notifier broadcasts entity changes. originatingUser is the id of the user
// whose action caused the change, empty for webhook-driven changes. A nil
// tx writes outside any transaction.
type Notifier interface {
	Changed(ctx context.Context, tx *sql.Tx, e Entity, originatingUser string) error
	Deleted(ctx context.Context, tx *sql.Tx, e Entity, originatingUser string) error
	Failed(ctx context.Context, tx *sql.Tx, e Entity, cause error, originatingUser string) error
}

// EventNotifier records notifications in the event log. The Dispatcher fans
// them out to subscribers.
type EventNotifier struct {
	Events events.Writer
	Log    *zap.Logger
}

func (n EventNotifier) Changed(ctx context.Context, tx *sql.Tx, e Entity, originatingUser string) error {
	return n.append(ctx, tx, events.TypeChanged, e, originatingUser, events.EventPayload{"model": e.Data})
}

func (n EventNotifier) Deleted(ctx context.Context, tx *sql.Tx, e Entity, originatingUser string) error {
	return n.append(ctx, tx, events.TypeDeleted, e, originatingUser, events.EventPayload{"model": e.Data})
}

func (n EventNotifier) Failed(ctx context.Context, tx *sql.Tx, e Entity, cause error, originatingUser string) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return n.append(ctx, tx, events.TypeError, e, originatingUser, events.EventPayload{"model": e.Data, "message": msg})
}

func (n EventNotifier) append(ctx context.Context, tx *sql.Tx, evtType string, e Entity, originatingUser string, payload events.EventPayload) error {
	logging.OrNop(n.Log).Debug("notify",
		zap.String("type", evtType),
		zap.String("kind", string(e.Kind)),
		zap.String("id", e.ID),
		zap.String("originating_user", originatingUser),
	)
	return n.Events.Append(ctx, tx, evtType, e.ProjectID, string(e.Kind), e.ID, originatingUser, payload)
}
