package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"metecho/internal/domain"
	"metecho/internal/jobs"
	"metecho/internal/repo"
	"metecho/internal/sf"
)

// orgConnection builds the Tooling API connection for org. The access
// token belongs to the org's owner.
func (r *Runner) orgConnection(ctx context.Context, org domain.ScratchOrg) (sf.Org, error) {
	conn := sf.Org{ID: org.OrgID(), InstanceURL: org.InstanceURL()}
	if org.OwnerID == nil {
		return conn, nil
	}
	owner, err := r.Engine.Repo.GetUser(ctx, *org.OwnerID)
	if err != nil {
		return conn, fmt.Errorf("owner %s: %w", *org.OwnerID, err)
	}
	conn.AccessToken, _ = owner.SFToken()
	return conn, nil
}

func (r *Runner) latestRevisions(ctx context.Context, org domain.ScratchOrg) (domain.RevisionNumbers, error) {
	conn, err := r.orgConnection(ctx, org)
	if err != nil {
		return nil, err
	}
	return r.Salesforce.LatestRevisionNumbers(ctx, conn)
}

func (r *Runner) getUnsavedChanges(ctx context.Context, payload []byte) error {
	var args jobs.GetUnsavedChangesArgs
	if err := jobs.Decode(payload, &args); err != nil {
		return err
	}
	log := r.log().With(zap.String("job", jobs.GetUnsavedChanges), zap.String("scratch_org_id", args.ScratchOrgID))
	org, err := r.Engine.Repo.GetScratchOrg(ctx, args.ScratchOrgID, repo.ScopeActive)
	if err != nil {
		log.Warn("scratch org not found", zap.Error(err))
		return fmt.Errorf("scratch org %s: %w", args.ScratchOrgID, err)
	}
	current, err := r.latestRevisions(ctx, org)
	if err != nil {
		log.Error("get unsaved changes failed", zap.Error(err))
		r.recordFailure(jobs.GetUnsavedChanges, r.Engine.FinalizeUnsavedChanges(ctx, org.ID, nil, err, args.OriginatingUserID))
		return err
	}
	return r.Engine.FinalizeUnsavedChanges(ctx, org.ID, current, nil, args.OriginatingUserID)
}

// deleteScratchOrg removes the org from the devhub before soft-deleting it.
// When the devhub refuses, the org's unsaved changes are refreshed so the
// user sees its current state, then the failure is recorded.
func (r *Runner) deleteScratchOrg(ctx context.Context, payload []byte) error {
	var args jobs.DeleteScratchOrgArgs
	if err := jobs.Decode(payload, &args); err != nil {
		return err
	}
	log := r.log().With(zap.String("job", jobs.DeleteScratchOrg), zap.String("scratch_org_id", args.ScratchOrgID))
	org, err := r.Engine.Repo.GetScratchOrg(ctx, args.ScratchOrgID, repo.ScopeActive)
	if err != nil {
		log.Warn("scratch org not found", zap.Error(err))
		return fmt.Errorf("scratch org %s: %w", args.ScratchOrgID, err)
	}
	if err := r.Salesforce.DeleteOrg(ctx, org.OrgID()); err != nil {
		log.Error("delete scratch org failed", zap.Error(err))
		if current, rerr := r.latestRevisions(ctx, org); rerr == nil {
			r.recordFailure(jobs.DeleteScratchOrg, r.Engine.FinalizeUnsavedChanges(ctx, org.ID, current, nil, args.OriginatingUserID))
		} else {
			log.Warn("refresh unsaved changes after failed delete", zap.Error(rerr))
		}
		r.recordFailure(jobs.DeleteScratchOrg, r.Engine.FinalizeDeleteScratchOrg(ctx, org.ID, err, args.OriginatingUserID))
		return err
	}
	log.Info("scratch org deleted")
	return r.Engine.FinalizeDeleteScratchOrg(ctx, org.ID, nil, args.OriginatingUserID)
}

// convertToDevOrg checks that the task branch exists upstream before the
// org changes hands.
func (r *Runner) convertToDevOrg(ctx context.Context, payload []byte) error {
	var args jobs.ConvertToDevOrgArgs
	if err := jobs.Decode(payload, &args); err != nil {
		return err
	}
	log := r.log().With(zap.String("job", jobs.ConvertToDevOrg), zap.String("scratch_org_id", args.ScratchOrgID), zap.String("task_id", args.TaskID))
	if err := r.checkTaskBranch(ctx, args.TaskID); err != nil {
		log.Error("convert to dev org failed", zap.Error(err))
		r.recordFailure(jobs.ConvertToDevOrg, r.Engine.FinalizeConvertToDevOrg(ctx, args.ScratchOrgID, args.TaskID, err, args.OriginatingUserID))
		return err
	}
	return r.Engine.FinalizeConvertToDevOrg(ctx, args.ScratchOrgID, args.TaskID, nil, args.OriginatingUserID)
}

func (r *Runner) checkTaskBranch(ctx context.Context, taskID string) error {
	task, err := r.Engine.Repo.GetTask(ctx, taskID, repo.ScopeActive)
	if err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}
	if task.BranchName == "" {
		return nil
	}
	project, err := r.Engine.Repo.GetProject(ctx, task.ProjectID, repo.ScopeActive)
	if err != nil {
		return fmt.Errorf("project %s: %w", task.ProjectID, err)
	}
	if project.RepoID == nil {
		return fmt.Errorf("%w: %s", errNoRepo, project.ID)
	}
	if _, err := r.GitHub.Branch(ctx, *project.RepoID, task.BranchName); err != nil {
		return fmt.Errorf("branch %s: %w", task.BranchName, err)
	}
	return nil
}
