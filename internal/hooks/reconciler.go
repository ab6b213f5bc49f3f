package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"metecho/internal/domain"
	"metecho/internal/engine"
	"metecho/internal/gh"
	"metecho/internal/logging"
	"metecho/internal/repo"
)

// ErrInvalidPayload is returned for deliveries that do not decode or lack
// the keys a reconciler needs.
var ErrInvalidPayload = errors.New("invalid webhook payload")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Reconciler applies GitHub events to projects, epics and tasks. Unknown
// repositories are reported as repo.ErrNotFound.
type Reconciler struct {
	Engine engine.Engine
	Log    *zap.Logger
}

func (r Reconciler) log() *zap.Logger {
	return logging.OrNop(r.Log)
}

// Handle decodes body according to the X-GitHub-Event name and runs the
// matching reconciler. Events the service does not track are acknowledged.
func (r Reconciler) Handle(ctx context.Context, event string, body []byte) error {
	switch event {
	case EventPing:
		return nil
	case EventPush:
		var p PushEvent
		if err := decode(body, &p); err != nil {
			return err
		}
		return r.ProcessPush(ctx, p)
	case EventPullRequest:
		var p PullRequestEvent
		if err := decode(body, &p); err != nil {
			return err
		}
		return r.ProcessPullRequest(ctx, p)
	case EventPullRequestReview:
		var p PullRequestReviewEvent
		if err := decode(body, &p); err != nil {
			return err
		}
		return r.ProcessPullRequestReview(ctx, p)
	}
	r.log().Debug("webhook event ignored", zap.String("event", event))
	return nil
}

func decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func (r Reconciler) project(ctx context.Context, repoID int64) (domain.Project, error) {
	p, err := r.Engine.Repo.GetProjectByRepoID(ctx, repoID)
	if err != nil {
		return p, fmt.Errorf("project for repository %d: %w", repoID, err)
	}
	return p, nil
}

// ProcessPush schedules a commit refresh for pushes to a branch. Tag pushes,
// refs that are not branches and pushes to untracked repositories are logged
// and dropped.
func (r Reconciler) ProcessPush(ctx context.Context, p PushEvent) error {
	project, err := r.project(ctx, p.Repository.ID)
	if errors.Is(err, repo.ErrNotFound) {
		r.log().Warn("push for untracked repository", zap.Int64("repo_id", p.Repository.ID), zap.String("ref", p.Ref))
		return nil
	}
	if err != nil {
		return err
	}
	log := r.log().With(zap.String("project_id", project.ID), zap.String("ref", p.Ref))
	kind, name := gh.ParseRef(p.Ref)
	switch kind {
	case gh.RefTag:
		log.Info("tag push ignored", zap.String("tag", name))
		return nil
	case gh.RefBranch:
		log.Debug("push received", zap.String("branch", name), zap.Bool("forced", p.Forced), zap.Int("commits", len(p.Commits)))
		return r.Engine.QueueRefreshCommits(ctx, project.ID, name, "")
	}
	log.Warn("push ref is not a branch")
	return nil
}

// ProcessPullRequest applies closed and reopened actions to every task and
// epic tracking the pull request. Untracked pull requests are not an error.
func (r Reconciler) ProcessPullRequest(ctx context.Context, p PullRequestEvent) error {
	project, err := r.project(ctx, p.Repository.ID)
	if err != nil {
		return err
	}
	action := domain.PullRequestAction(p.Action)
	if action != domain.PRClosed && action != domain.PRReopened {
		r.log().Debug("pull request action ignored", zap.String("action", p.Action), zap.Int("number", p.Number))
		return nil
	}
	changed, err := r.Engine.ApplyPullRequest(ctx, project.ID, p.Number, action, p.PullRequest.Merged, "")
	if err != nil {
		return err
	}
	r.log().Info("pull request applied",
		zap.String("project_id", project.ID),
		zap.Int("number", p.Number),
		zap.String("action", p.Action),
		zap.Bool("merged", p.PullRequest.Merged),
		zap.Int("changed", changed),
	)
	return nil
}

// ProcessPullRequestReview records the reviewer on the task tracking the
// pull request.
func (r Reconciler) ProcessPullRequestReview(ctx context.Context, p PullRequestReviewEvent) error {
	project, err := r.project(ctx, p.Repository.ID)
	if err != nil {
		return err
	}
	number := p.PullRequest.Number
	if number == 0 {
		return fmt.Errorf("%w: pull_request.number is required", ErrInvalidPayload)
	}
	tasks, err := r.Engine.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: project.ID, PRNumber: &number})
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return fmt.Errorf("task for pull request %d: %w", number, repo.ErrNotFound)
	}
	reviewer := domain.Reviewer{Login: p.Sender.Login, AvatarURL: p.Sender.AvatarURL}
	for _, task := range tasks {
		if _, err := r.Engine.AddReviewer(ctx, task.ID, reviewer, ""); err != nil {
			return err
		}
	}
	return nil
}
