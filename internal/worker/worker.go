// Package worker runs the background jobs. Each handler talks to GitHub or
// Salesforce and hands the outcome to the engine's Finalize operations.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"metecho/internal/engine"
	"metecho/internal/gh"
	"metecho/internal/jobs"
	"metecho/internal/logging"
	"metecho/internal/sf"
)

const defaultCommitLimit = 100

type handler func(ctx context.Context, payload []byte) error

// Runner dispatches jobs by name.
type Runner struct {
	Engine      engine.Engine
	GitHub      gh.Client
	Salesforce  sf.Client
	Log         *zap.Logger
	CommitLimit int
	// UserExpansion bounds concurrent profile lookups in refresh_github_users.
	UserExpansion int

	handlers map[string]handler
}

func New(eng engine.Engine, github gh.Client, salesforce sf.Client, log *zap.Logger) *Runner {
	r := &Runner{
		Engine:        eng,
		GitHub:        github,
		Salesforce:    salesforce,
		Log:           logging.OrNop(log),
		CommitLimit:   defaultCommitLimit,
		UserExpansion: 4,
	}
	r.handlers = map[string]handler{
		jobs.RefreshCommits:            r.refreshCommits,
		jobs.GetUnsavedChanges:         r.getUnsavedChanges,
		jobs.SubmitReview:              r.submitReview,
		jobs.DeleteScratchOrg:          r.deleteScratchOrg,
		jobs.CreatePR:                  r.createPR,
		jobs.RefreshGitHubUsers:        r.refreshGitHubUsers,
		jobs.ConvertToDevOrg:           r.convertToDevOrg,
		jobs.RefreshGitHubRepositories: r.refreshGitHubRepositories,
	}
	return r
}

// Dispatch implements jobs.Dispatcher.
func (r *Runner) Dispatch(ctx context.Context, name string, payload []byte) error {
	h, ok := r.handlers[name]
	if !ok {
		return fmt.Errorf("%w: %s", jobs.ErrUnknownJob, name)
	}
	r.log().Debug("job started", zap.String("job", name))
	return h(ctx, payload)
}

func (r *Runner) log() *zap.Logger {
	return logging.OrNop(r.Log)
}

// recordFailure logs a failure that could not be persisted. The job's own
// error is what the queue sees.
func (r *Runner) recordFailure(job string, err error) {
	if err != nil {
		r.log().Error("persist job failure", zap.String("job", job), zap.Error(err))
	}
}

var errNoRepo = errors.New("project has no repository id")

var _ jobs.Dispatcher = (*Runner)(nil)
