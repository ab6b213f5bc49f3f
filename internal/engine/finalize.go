package engine

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"metecho/internal/domain"
	"metecho/internal/jobs"
	"metecho/internal/notify"
	"metecho/internal/orgchanges"
	"metecho/internal/repo"
)

// The Finalize operations store the outcome of a background job. A non-nil
// cause records a failure: in-flight flags are cleared and an error
// notification is emitted instead of the change.

func (e Engine) FinalizeProjectHead(ctx context.Context, projectID, sha, actorID string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		p, err := e.Repo.GetProjectTx(ctx, tx, projectID, repo.ScopeActive)
		if err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		if p.LatestSHA == sha {
			return nil
		}
		p.LatestSHA = sha
		p.UpdatedAt = e.now()
		if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
			return err
		}
		return e.Notifier.Changed(ctx, tx, notify.Project(p), actorID)
	})
}

// FailProjectJob records a failed project-wide job, such as a commit
// refresh, as an error notification on the project.
func (e Engine) FailProjectJob(ctx context.Context, projectID string, cause error, actorID string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		p, err := e.Repo.GetProjectTx(ctx, tx, projectID, repo.ScopeActive)
		if err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		return e.Notifier.Failed(ctx, tx, notify.Project(p), cause, actorID)
	})
}

func (e Engine) FinalizeEpicHead(ctx context.Context, epicID, sha string, hasUnmerged bool, actorID string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		epic, err := e.Repo.GetEpicTx(ctx, tx, epicID, repo.ScopeActive)
		if err != nil {
			return fmt.Errorf("epic %s: %w", epicID, err)
		}
		if epic.LatestSHA == sha && epic.HasUnmergedCommits == hasUnmerged {
			return nil
		}
		epic.LatestSHA = sha
		epic.HasUnmergedCommits = hasUnmerged
		epic.UpdatedAt = e.now()
		if err := e.Repo.UpdateEpic(ctx, tx, epic); err != nil {
			return err
		}
		return e.Notifier.Changed(ctx, tx, notify.Epic(epic), actorID)
	})
}

// FinalizeTaskCommits replaces the task's commit list. A head that moved
// past the reviewed commit invalidates the review, and a Planned task with
// commits is In progress.
func (e Engine) FinalizeTaskCommits(ctx context.Context, taskID string, commits []domain.Commit, hasUnmerged bool, actorID string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		task, err := e.Repo.GetTaskTx(ctx, tx, taskID, repo.ScopeActive)
		if err != nil {
			return fmt.Errorf("task %s: %w", taskID, err)
		}
		if commits == nil {
			commits = []domain.Commit{}
		}
		task.Commits = commits
		task.HasUnmergedCommits = hasUnmerged
		task.ObserveHead(task.HeadSHA())
		if task.Status == domain.TaskPlanned && len(commits) > 0 {
			task.Status = domain.TaskInProgress
		}
		task.UpdatedAt = e.now()
		if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
			return err
		}
		if err := e.Notifier.Changed(ctx, tx, notify.Task(task), actorID); err != nil {
			return err
		}
		if task.EpicID != nil {
			_, err = e.SyncEpicStatus(ctx, tx, *task.EpicID, actorID)
		}
		return err
	})
}

// FinalizeUnsavedChanges stores a fresh revision snapshot and the diff it
// implies against the previous one.
func (e Engine) FinalizeUnsavedChanges(ctx context.Context, orgID string, current domain.RevisionNumbers, cause error, actorID string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		org, err := e.Repo.GetScratchOrgTx(ctx, tx, orgID, repo.ScopeActive)
		if err != nil {
			return fmt.Errorf("scratch org %s: %w", orgID, err)
		}
		org.CurrentlyRefreshingChanges = false
		now := e.now()
		if cause == nil {
			orgchanges.Apply(&org, current)
			org.LastCheckedUnsavedChangesAt = &now
		}
		org.UpdatedAt = now
		if err := e.Repo.UpdateScratchOrg(ctx, tx, org); err != nil {
			return err
		}
		ent, err := e.orgEntity(ctx, tx, org)
		if err != nil {
			return err
		}
		if cause != nil {
			return e.Notifier.Failed(ctx, tx, ent, cause, actorID)
		}
		return e.Notifier.Changed(ctx, tx, ent, actorID)
	})
}

// FinalizeSubmitReview records an accepted review for sha, or the failure
// when cause is set. An accepted review with DeleteOrg set queues the review
// org for deletion.
func (e Engine) FinalizeSubmitReview(ctx context.Context, taskID, sha string, data jobs.ReviewData, cause error, actorID string) error {
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		task, err := e.Repo.GetTaskTx(ctx, tx, taskID, repo.ScopeActive)
		if err != nil {
			return fmt.Errorf("task %s: %w", taskID, err)
		}
		if cause != nil {
			task.CurrentlySubmittingReview = false
		} else {
			task.CompleteReview(sha, data.Status, e.now())
		}
		task.UpdatedAt = e.now()
		if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
			return err
		}
		if cause != nil {
			return e.Notifier.Failed(ctx, tx, notify.Task(task), cause, actorID)
		}
		return e.Notifier.Changed(ctx, tx, notify.Task(task), actorID)
	})
	if err != nil || cause != nil || !data.DeleteOrg || data.ScratchOrgID == "" {
		return err
	}
	return e.QueueDeleteScratchOrg(ctx, data.ScratchOrgID, actorID)
}

// FinalizeDeleteScratchOrg soft-deletes the org once the upstream delete
// succeeded. On failure the org stays and can be deleted again.
func (e Engine) FinalizeDeleteScratchOrg(ctx context.Context, orgID string, cause error, actorID string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		if cause == nil {
			return e.deleteScratchOrgTx(ctx, tx, orgID, actorID)
		}
		org, err := e.Repo.GetScratchOrgTx(ctx, tx, orgID, repo.ScopeActive)
		if err != nil {
			return fmt.Errorf("scratch org %s: %w", orgID, err)
		}
		org.DeleteQueuedAt = nil
		org.UpdatedAt = e.now()
		if err := e.Repo.UpdateScratchOrg(ctx, tx, org); err != nil {
			return err
		}
		ent, err := e.orgEntity(ctx, tx, org)
		if err != nil {
			return err
		}
		return e.Notifier.Failed(ctx, tx, ent, cause, actorID)
	})
}

// FinalizeCreatePR stores the new pull request number on the task or epic.
func (e Engine) FinalizeCreatePR(ctx context.Context, target, id string, number int, cause error, actorID string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		switch target {
		case jobs.TargetTask:
			task, err := e.Repo.GetTaskTx(ctx, tx, id, repo.ScopeActive)
			if err != nil {
				return fmt.Errorf("task %s: %w", id, err)
			}
			task.CurrentlyCreatingPR = false
			if cause == nil {
				task.PRNumber = &number
				task.PRIsOpen = true
			}
			task.UpdatedAt = e.now()
			if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
				return err
			}
			return e.changedOrFailed(ctx, tx, notify.Task(task), cause, actorID)
		case jobs.TargetEpic:
			epic, err := e.Repo.GetEpicTx(ctx, tx, id, repo.ScopeActive)
			if err != nil {
				return fmt.Errorf("epic %s: %w", id, err)
			}
			epic.CurrentlyCreatingPR = false
			if cause == nil {
				epic.PRNumber = &number
				epic.PRIsOpen = true
			}
			epic.UpdatedAt = e.now()
			if err := e.Repo.UpdateEpic(ctx, tx, epic); err != nil {
				return err
			}
			return e.changedOrFailed(ctx, tx, notify.Epic(epic), cause, actorID)
		}
		return fmt.Errorf("unknown pull request target %q", target)
	})
}

// FinalizeGitHubUsers stores the collaborator snapshot. The fetching flag
// is cleared either way.
func (e Engine) FinalizeGitHubUsers(ctx context.Context, projectID string, users []domain.GitHubUser, cause error, actorID string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		p, err := e.Repo.GetProjectTx(ctx, tx, projectID, repo.ScopeActive)
		if err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		p.CurrentlyFetchingGitHubUsers = false
		if cause == nil {
			p.GitHubUsers = users
		}
		p.UpdatedAt = e.now()
		if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
			return err
		}
		return e.changedOrFailed(ctx, tx, notify.Project(p), cause, actorID)
	})
}

// FinalizeConvertToDevOrg moves an epic Playground org under the task as
// its Dev org. On failure the org is left as it was.
func (e Engine) FinalizeConvertToDevOrg(ctx context.Context, orgID, taskID string, cause error, actorID string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		org, err := e.Repo.GetScratchOrgTx(ctx, tx, orgID, repo.ScopeActive)
		if err != nil {
			return fmt.Errorf("scratch org %s: %w", orgID, err)
		}
		if cause == nil {
			task, err := e.Repo.GetTaskTx(ctx, tx, taskID, repo.ScopeActive)
			if err != nil {
				return fmt.Errorf("task %s: %w", taskID, err)
			}
			if err := checkConvertible(org, task); err != nil {
				return err
			}
			org.OrgType = domain.OrgDev
			org.EpicID = nil
			org.TaskID = &task.ID
			org.UpdatedAt = e.now()
			if err := e.Repo.UpdateScratchOrg(ctx, tx, org); err != nil {
				return err
			}
		}
		ent, err := e.orgEntity(ctx, tx, org)
		if err != nil {
			return err
		}
		return e.changedOrFailed(ctx, tx, ent, cause, actorID)
	})
}

// FinalizeGitHubRepositories replaces the user's repository list. The
// fetching flag is cleared either way.
func (e Engine) FinalizeGitHubRepositories(ctx context.Context, userID string, repos []domain.GitHubRepository, cause error) error {
	u, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("user %s: %w", userID, err)
	}
	u.CurrentlyFetchingRepos = false
	return e.inTx(ctx, func(tx *sql.Tx) error {
		if cause == nil {
			for i := range repos {
				if repos[i].ID == "" {
					repos[i].ID = newID()
				}
				repos[i].UserID = userID
			}
			if err := e.Repo.ReplaceGitHubRepositories(ctx, tx, userID, repos); err != nil {
				return err
			}
		}
		if err := e.Repo.UpdateUser(ctx, tx, u); err != nil {
			return err
		}
		return e.changedOrFailed(ctx, tx, notify.User(u), cause, userID)
	})
}

func (e Engine) changedOrFailed(ctx context.Context, tx *sql.Tx, ent notify.Entity, cause error, actorID string) error {
	if cause != nil {
		e.log().Debug("job failure recorded", zap.String("kind", string(ent.Kind)), zap.String("id", ent.ID), zap.Error(cause))
		return e.Notifier.Failed(ctx, tx, ent, cause, actorID)
	}
	return e.Notifier.Changed(ctx, tx, ent, actorID)
}
