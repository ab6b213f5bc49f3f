package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"metecho/internal/domain"
	"metecho/internal/gh"
	"metecho/internal/jobs"
	"metecho/internal/repo"
)

var reviewEvents = map[domain.ReviewStatus]string{
	domain.ReviewApproved:         gh.ReviewApprove,
	domain.ReviewChangesRequested: gh.ReviewRequestChanges,
}

// submitReview posts the review to the task's pull request. The review only
// goes out for the commit recorded when it was queued, and only while that
// record is still valid.
func (r *Runner) submitReview(ctx context.Context, payload []byte) error {
	var args jobs.SubmitReviewArgs
	if err := jobs.Decode(payload, &args); err != nil {
		return err
	}
	log := r.log().With(zap.String("job", jobs.SubmitReview), zap.String("task_id", args.TaskID))

	sha, err := r.postReview(ctx, args)
	if err != nil {
		log.Error("submit review failed", zap.String("sha", sha), zap.Error(err))
		r.recordFailure(jobs.SubmitReview, r.Engine.FinalizeSubmitReview(ctx, args.TaskID, sha, args.Data, err, args.OriginatingUserID))
		return err
	}
	log.Info("review submitted", zap.String("sha", sha), zap.String("status", string(args.Data.Status)))
	return r.Engine.FinalizeSubmitReview(ctx, args.TaskID, sha, args.Data, nil, args.OriginatingUserID)
}

func (r *Runner) postReview(ctx context.Context, args jobs.SubmitReviewArgs) (string, error) {
	task, err := r.Engine.Repo.GetTask(ctx, args.TaskID, repo.ScopeActive)
	if err != nil {
		return "", fmt.Errorf("task %s: %w", args.TaskID, err)
	}
	sha := args.Data.SHA
	if sha == "" && args.Data.ScratchOrgID != "" {
		org, err := r.Engine.Repo.GetScratchOrg(ctx, args.Data.ScratchOrgID, repo.ScopeActive)
		if err != nil {
			return "", fmt.Errorf("scratch org %s: %w", args.Data.ScratchOrgID, err)
		}
		sha = org.LatestCommit
	}
	if sha == "" {
		sha = task.ReviewSHA
	}
	if err := task.CheckReview(sha); err != nil {
		return sha, err
	}
	event, ok := reviewEvents[args.Data.Status]
	if !ok {
		return sha, fmt.Errorf("%w: %q", domain.ErrInvalidReview, args.Data.Status)
	}
	if task.PRNumber == nil {
		return sha, fmt.Errorf("%w: task %s", domain.ErrPRNotOpen, task.ID)
	}
	project, err := r.Engine.Repo.GetProject(ctx, task.ProjectID, repo.ScopeActive)
	if err != nil {
		return sha, fmt.Errorf("project %s: %w", task.ProjectID, err)
	}
	if project.RepoID == nil {
		return sha, fmt.Errorf("%w: %s", errNoRepo, project.ID)
	}
	review := gh.Review{CommitSHA: sha, Body: args.Data.Notes, Event: event}
	if err := r.GitHub.CreateReview(ctx, *project.RepoID, *task.PRNumber, review); err != nil {
		return sha, fmt.Errorf("create review: %w", err)
	}
	return sha, nil
}
