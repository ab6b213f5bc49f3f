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

// refreshCommits re-reads one branch and updates whichever project, epic or
// task tracks it.
func (r *Runner) refreshCommits(ctx context.Context, payload []byte) error {
	var args jobs.RefreshCommitsArgs
	if err := jobs.Decode(payload, &args); err != nil {
		return err
	}
	log := r.log().With(zap.String("job", jobs.RefreshCommits), zap.String("project_id", args.ProjectID), zap.String("branch", args.BranchName))
	if err := r.doRefreshCommits(ctx, args); err != nil {
		log.Error("refresh commits failed", zap.Error(err))
		if ferr := r.Engine.FailProjectJob(ctx, args.ProjectID, err, args.OriginatingUserID); ferr != nil {
			log.Warn("record refresh failure", zap.Error(ferr))
		}
		return err
	}
	log.Info("commits refreshed")
	return nil
}

func (r *Runner) doRefreshCommits(ctx context.Context, args jobs.RefreshCommitsArgs) error {
	project, err := r.Engine.Repo.GetProject(ctx, args.ProjectID, repo.ScopeActive)
	if err != nil {
		return fmt.Errorf("project %s: %w", args.ProjectID, err)
	}
	if project.RepoID == nil {
		return fmt.Errorf("%w: %s", errNoRepo, project.ID)
	}
	repoID := *project.RepoID

	commits, err := r.GitHub.Commits(ctx, repoID, args.BranchName, r.CommitLimit)
	if err != nil {
		return fmt.Errorf("list commits: %w", err)
	}
	head := ""
	if len(commits) > 0 {
		head = commits[0].SHA
	}

	if args.BranchName == project.BranchName {
		if err := r.Engine.FinalizeProjectHead(ctx, project.ID, head, args.OriginatingUserID); err != nil {
			return err
		}
	}

	epics, err := r.Engine.Repo.ListEpics(ctx, repo.EpicFilters{ProjectID: project.ID, BranchName: args.BranchName})
	if err != nil {
		return err
	}
	for _, epic := range epics {
		unmerged, err := r.aheadOf(ctx, repoID, project.BranchName, epic.BranchName)
		if err != nil {
			return err
		}
		if err := r.Engine.FinalizeEpicHead(ctx, epic.ID, head, unmerged, args.OriginatingUserID); err != nil {
			return err
		}
	}

	tasks, err := r.Engine.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: project.ID, BranchName: args.BranchName})
	if err != nil {
		return err
	}
	for _, task := range tasks {
		base := project.BranchName
		if task.EpicID != nil {
			epic, err := r.Engine.Repo.GetEpic(ctx, *task.EpicID, repo.ScopeActive)
			if err != nil {
				return fmt.Errorf("epic %s: %w", *task.EpicID, err)
			}
			if epic.BranchName != "" {
				base = epic.BranchName
			}
		}
		unmerged, err := r.aheadOf(ctx, repoID, base, task.BranchName)
		if err != nil {
			return err
		}
		if err := r.Engine.FinalizeTaskCommits(ctx, task.ID, sinceOrigin(commits, task.OriginSHA), unmerged, args.OriginatingUserID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) aheadOf(ctx context.Context, repoID int64, base, head string) (bool, error) {
	if base == "" || head == "" || base == head {
		return false, nil
	}
	cmp, err := r.GitHub.CompareCommits(ctx, repoID, base, head)
	if err != nil {
		return false, fmt.Errorf("compare %s...%s: %w", base, head, err)
	}
	return cmp.AheadBy > 0, nil
}

// sinceOrigin converts commits, newest first, up to but excluding the commit
// the branch was cut from.
func sinceOrigin(commits []gh.Commit, originSHA string) []domain.Commit {
	out := []domain.Commit{}
	for _, c := range commits {
		if originSHA != "" && c.SHA == originSHA {
			break
		}
		out = append(out, domain.Commit{
			ID:      c.SHA,
			Message: c.Message,
			Author: domain.CommitAuthor{
				Name:      c.AuthorName,
				Email:     c.AuthorEmail,
				Username:  c.AuthorLogin,
				AvatarURL: c.AvatarURL,
			},
			Timestamp: c.Timestamp,
			URL:       c.HTMLURL,
		})
	}
	return out
}
