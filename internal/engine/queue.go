package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"metecho/internal/domain"
	"metecho/internal/jobs"
	"metecho/internal/notify"
	"metecho/internal/repo"
)

var errNoQueue = errors.New("job queue is not configured")

// enqueue hands the job to the queue after the flag-setting transaction has
// committed. Queues that run jobs inline would otherwise see stale rows.
func (e Engine) enqueue(ctx context.Context, name string, args any) error {
	if e.Queue == nil {
		return errNoQueue
	}
	if err := e.Queue.Enqueue(ctx, name, args); err != nil {
		e.log().Error("enqueue failed", zap.String("job", name), zap.Error(err))
		return err
	}
	return nil
}

// enqueueOrRelease enqueues the job and, when the queue refuses it, hands
// the error to release so the in-flight flag set before it is cleared and
// the failure is recorded.
func (e Engine) enqueueOrRelease(ctx context.Context, name string, args any, release func(cause error) error) error {
	err := e.enqueue(ctx, name, args)
	if err == nil {
		return nil
	}
	if rerr := release(err); rerr != nil {
		e.log().Error("release after enqueue failure", zap.String("job", name), zap.Error(rerr))
	}
	return err
}

// QueueRefreshCommits schedules a re-read of branch for the project.
func (e Engine) QueueRefreshCommits(ctx context.Context, projectID, branch, actorID string) error {
	return e.enqueue(ctx, jobs.RefreshCommits, jobs.RefreshCommitsArgs{
		ProjectID:         projectID,
		BranchName:        branch,
		OriginatingUserID: actorID,
	})
}

// QueueGetUnsavedChanges schedules an unsaved-changes check. Unless force is
// set, an org checked within the recheck window is left alone and false is
// returned.
func (e Engine) QueueGetUnsavedChanges(ctx context.Context, orgID string, force bool, actorID string) (bool, error) {
	queued := false
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		org, err := e.Repo.GetScratchOrgTx(ctx, tx, orgID, repo.ScopeActive)
		if err != nil {
			return fmt.Errorf("scratch org %s: %w", orgID, err)
		}
		if !force && org.RecentlyChecked(e.now(), e.recheckInterval()) {
			return nil
		}
		org.CurrentlyRefreshingChanges = true
		org.UpdatedAt = e.now()
		if err := e.Repo.UpdateScratchOrg(ctx, tx, org); err != nil {
			return err
		}
		queued = true
		ent, err := e.orgEntity(ctx, tx, org)
		if err != nil {
			return err
		}
		return e.Notifier.Changed(ctx, tx, ent, actorID)
	})
	if err != nil || !queued {
		return false, err
	}
	err = e.enqueueOrRelease(ctx, jobs.GetUnsavedChanges, jobs.GetUnsavedChangesArgs{ScratchOrgID: orgID, OriginatingUserID: actorID},
		func(cause error) error { return e.FinalizeUnsavedChanges(ctx, orgID, nil, cause, actorID) })
	return err == nil, err
}

// QueueSubmitReview records the commit under review and schedules the
// submission. The sha is the explicit one when given, else the review org's
// latest commit, else the task's head.
func (e Engine) QueueSubmitReview(ctx context.Context, taskID, userID string, data jobs.ReviewData, actorID string) (domain.Task, error) {
	switch data.Status {
	case domain.ReviewApproved, domain.ReviewChangesRequested:
	default:
		return domain.Task{}, fmt.Errorf("%w: %q", domain.ErrInvalidReview, data.Status)
	}
	var task domain.Task
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		task, err = e.Repo.GetTaskTx(ctx, tx, taskID, repo.ScopeActive)
		if err != nil {
			return fmt.Errorf("task %s: %w", taskID, err)
		}
		if task.CurrentlySubmittingReview {
			return fmt.Errorf("%w: review for task %s", domain.ErrAlreadyQueued, taskID)
		}
		if task.PRNumber == nil || !task.PRIsOpen {
			return fmt.Errorf("%w: task %s", domain.ErrPRNotOpen, taskID)
		}
		sha := data.SHA
		if sha == "" && data.ScratchOrgID != "" {
			org, err := e.Repo.GetScratchOrgTx(ctx, tx, data.ScratchOrgID, repo.ScopeActive)
			if err != nil {
				return fmt.Errorf("scratch org %s: %w", data.ScratchOrgID, err)
			}
			sha = org.LatestCommit
		}
		if sha == "" {
			sha = task.HeadSHA()
		}
		if sha == "" {
			sha = task.ReviewSHA
		}
		data.SHA = sha
		task.BeginReview(sha)
		task.UpdatedAt = e.now()
		if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
			return err
		}
		return e.Notifier.Changed(ctx, tx, notify.Task(task), actorID)
	})
	if err != nil {
		return domain.Task{}, err
	}
	args := jobs.SubmitReviewArgs{
		TaskID:            taskID,
		UserID:            userID,
		Data:              data,
		OriginatingUserID: actorID,
	}
	err = e.enqueueOrRelease(ctx, jobs.SubmitReview, args, func(cause error) error {
		return e.FinalizeSubmitReview(ctx, taskID, data.SHA, data, cause, actorID)
	})
	if err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// QueueDeleteScratchOrg marks the org for deletion and schedules the
// upstream delete.
func (e Engine) QueueDeleteScratchOrg(ctx context.Context, orgID, actorID string) error {
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		return e.markDeleteQueued(ctx, tx, orgID, actorID)
	})
	if err != nil {
		return err
	}
	return e.enqueueOrRelease(ctx, jobs.DeleteScratchOrg, jobs.DeleteScratchOrgArgs{ScratchOrgID: orgID, OriginatingUserID: actorID},
		func(cause error) error { return e.FinalizeDeleteScratchOrg(ctx, orgID, cause, actorID) })
}

func (e Engine) markDeleteQueued(ctx context.Context, tx *sql.Tx, orgID, actorID string) error {
	org, err := e.Repo.GetScratchOrgTx(ctx, tx, orgID, repo.ScopeActive)
	if err != nil {
		return fmt.Errorf("scratch org %s: %w", orgID, err)
	}
	if org.DeleteQueuedAt != nil {
		return fmt.Errorf("%w: delete of scratch org %s", domain.ErrAlreadyQueued, orgID)
	}
	now := e.now()
	org.DeleteQueuedAt = &now
	org.UpdatedAt = now
	if err := e.Repo.UpdateScratchOrg(ctx, tx, org); err != nil {
		return err
	}
	ent, err := e.orgEntity(ctx, tx, org)
	if err != nil {
		return err
	}
	return e.Notifier.Changed(ctx, tx, ent, actorID)
}

// QueueCreatePR flags the task or epic as creating a pull request and
// schedules the job.
func (e Engine) QueueCreatePR(ctx context.Context, args jobs.CreatePRArgs) error {
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		switch args.Target {
		case jobs.TargetTask:
			task, err := e.Repo.GetTaskTx(ctx, tx, args.ID, repo.ScopeActive)
			if err != nil {
				return fmt.Errorf("task %s: %w", args.ID, err)
			}
			if task.CurrentlyCreatingPR {
				return fmt.Errorf("%w: pull request for task %s", domain.ErrAlreadyQueued, task.ID)
			}
			task.CurrentlyCreatingPR = true
			task.UpdatedAt = e.now()
			if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
				return err
			}
			return e.Notifier.Changed(ctx, tx, notify.Task(task), args.OriginatingUserID)
		case jobs.TargetEpic:
			epic, err := e.Repo.GetEpicTx(ctx, tx, args.ID, repo.ScopeActive)
			if err != nil {
				return fmt.Errorf("epic %s: %w", args.ID, err)
			}
			if epic.CurrentlyCreatingPR {
				return fmt.Errorf("%w: pull request for epic %s", domain.ErrAlreadyQueued, epic.ID)
			}
			epic.CurrentlyCreatingPR = true
			epic.UpdatedAt = e.now()
			if err := e.Repo.UpdateEpic(ctx, tx, epic); err != nil {
				return err
			}
			return e.Notifier.Changed(ctx, tx, notify.Epic(epic), args.OriginatingUserID)
		}
		return fmt.Errorf("unknown pull request target %q", args.Target)
	})
	if err != nil {
		return err
	}
	return e.enqueueOrRelease(ctx, jobs.CreatePR, args, func(cause error) error {
		return e.FinalizeCreatePR(ctx, args.Target, args.ID, 0, cause, args.OriginatingUserID)
	})
}

func (e Engine) QueueRefreshGitHubUsers(ctx context.Context, projectID, actorID string) error {
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		p, err := e.Repo.GetProjectTx(ctx, tx, projectID, repo.ScopeActive)
		if err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		p.CurrentlyFetchingGitHubUsers = true
		p.UpdatedAt = e.now()
		if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
			return err
		}
		return e.Notifier.Changed(ctx, tx, notify.Project(p), actorID)
	})
	if err != nil {
		return err
	}
	return e.enqueueOrRelease(ctx, jobs.RefreshGitHubUsers, jobs.RefreshGitHubUsersArgs{ProjectID: projectID, OriginatingUserID: actorID},
		func(cause error) error { return e.FinalizeGitHubUsers(ctx, projectID, nil, cause, actorID) })
}

func (e Engine) QueueRefreshGitHubRepositories(ctx context.Context, userID string) error {
	u, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("user %s: %w", userID, err)
	}
	u.CurrentlyFetchingRepos = true
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateUser(ctx, tx, u); err != nil {
			return err
		}
		return e.Notifier.Changed(ctx, tx, notify.User(u), userID)
	})
	if err != nil {
		return err
	}
	return e.enqueueOrRelease(ctx, jobs.RefreshGitHubRepositories, jobs.RefreshGitHubRepositoriesArgs{UserID: userID},
		func(cause error) error { return e.FinalizeGitHubRepositories(ctx, userID, nil, cause) })
}

// QueueConvertToDevOrg schedules handing an epic's Playground org to one of
// the epic's tasks as its Dev org.
func (e Engine) QueueConvertToDevOrg(ctx context.Context, orgID, taskID, actorID string) error {
	org, err := e.Repo.GetScratchOrg(ctx, orgID, repo.ScopeActive)
	if err != nil {
		return fmt.Errorf("scratch org %s: %w", orgID, err)
	}
	task, err := e.Repo.GetTask(ctx, taskID, repo.ScopeActive)
	if err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}
	if err := checkConvertible(org, task); err != nil {
		return err
	}
	return e.enqueue(ctx, jobs.ConvertToDevOrg, jobs.ConvertToDevOrgArgs{
		ScratchOrgID:      orgID,
		TaskID:            taskID,
		OriginatingUserID: actorID,
	})
}

func checkConvertible(org domain.ScratchOrg, task domain.Task) error {
	if org.OrgType != domain.OrgPlayground || org.EpicID == nil {
		return fmt.Errorf("%w: only epic Playground orgs can become Dev orgs", domain.ErrInvalidOrgType)
	}
	if task.EpicID == nil || *task.EpicID != *org.EpicID {
		return fmt.Errorf("%w: task %s is not in epic %s", domain.ErrInvalidParent, task.ID, *org.EpicID)
	}
	return nil
}
