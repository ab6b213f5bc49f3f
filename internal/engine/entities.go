package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"metecho/internal/domain"
	"metecho/internal/notify"
	"metecho/internal/repo"
)

type ProjectCreateOptions struct {
	Name        string
	Description string
	RepoOwner   string
	RepoName    string
	RepoID      *int64
	BranchName  string
	LatestSHA   string
	ActorID     string
}

// CreateProject stores a new project. When the branch or head commit is not
// given and GitHub is configured, they are read from the repository's
// default branch.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Project{}, domain.ErrNameRequired
	}
	if opts.RepoOwner == "" || opts.RepoName == "" {
		return domain.Project{}, fmt.Errorf("repo owner and name are required")
	}
	now := e.now()
	p := domain.Project{
		ID:          newID(),
		Name:        name,
		Description: opts.Description,
		RepoOwner:   opts.RepoOwner,
		RepoName:    opts.RepoName,
		RepoID:      opts.RepoID,
		BranchName:  opts.BranchName,
		LatestSHA:   opts.LatestSHA,
		GitHubUsers: []domain.GitHubUser{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.fillProjectHead(ctx, &p); err != nil {
		return domain.Project{}, err
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		slug, err := uniqueSlug(p.Name, func(s string) (bool, error) {
			return e.Repo.ProjectSlugTaken(ctx, tx, s, p.ID)
		})
		if err != nil {
			return err
		}
		p.Slug = slug
		if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		return e.Notifier.Changed(ctx, tx, notify.Project(p), opts.ActorID)
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) fillProjectHead(ctx context.Context, p *domain.Project) error {
	if (p.BranchName != "" && p.LatestSHA != "") || p.RepoID == nil || e.GitHub == nil {
		return nil
	}
	if p.BranchName == "" {
		r, err := e.GitHub.Repository(ctx, *p.RepoID)
		if err != nil {
			return fmt.Errorf("look up repository %d: %w", *p.RepoID, err)
		}
		p.BranchName = r.DefaultBranch
	}
	if p.LatestSHA == "" && p.BranchName != "" {
		b, err := e.GitHub.Branch(ctx, *p.RepoID, p.BranchName)
		if err != nil {
			return fmt.Errorf("look up branch %s: %w", p.BranchName, err)
		}
		p.LatestSHA = b.Commit.SHA
	}
	return nil
}

type EpicCreateOptions struct {
	ProjectID   string
	Name        string
	Description string
	BranchName  string
	ActorID     string
}

func (e Engine) CreateEpic(ctx context.Context, opts EpicCreateOptions) (domain.Epic, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Epic{}, domain.ErrNameRequired
	}
	now := e.now()
	epic := domain.Epic{
		ID:          newID(),
		ProjectID:   opts.ProjectID,
		Name:        name,
		Description: opts.Description,
		Status:      domain.EpicPlanned,
		BranchName:  opts.BranchName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID, repo.ScopeActive); err != nil {
			return fmt.Errorf("project %s: %w", opts.ProjectID, err)
		}
		slug, err := uniqueSlug(epic.Name, func(s string) (bool, error) {
			return e.Repo.EpicSlugTaken(ctx, tx, epic.ProjectID, s, epic.ID)
		})
		if err != nil {
			return err
		}
		epic.Slug = slug
		if err := e.Repo.InsertEpic(ctx, tx, epic); err != nil {
			return fmt.Errorf("insert epic: %w", err)
		}
		return e.Notifier.Changed(ctx, tx, notify.Epic(epic), opts.ActorID)
	})
	if err != nil {
		return domain.Epic{}, err
	}
	return epic, nil
}

// RenameEpic changes the name and regenerates the slug.
func (e Engine) RenameEpic(ctx context.Context, id, name, actorID string) (domain.Epic, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Epic{}, domain.ErrNameRequired
	}
	var epic domain.Epic
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		epic, err = e.Repo.GetEpicTx(ctx, tx, id, repo.ScopeActive)
		if err != nil {
			return fmt.Errorf("epic %s: %w", id, err)
		}
		epic.Name = name
		epic.Slug, err = uniqueSlug(name, func(s string) (bool, error) {
			return e.Repo.EpicSlugTaken(ctx, tx, epic.ProjectID, s, epic.ID)
		})
		if err != nil {
			return err
		}
		epic.UpdatedAt = e.now()
		if err := e.Repo.UpdateEpic(ctx, tx, epic); err != nil {
			return err
		}
		return e.Notifier.Changed(ctx, tx, notify.Epic(epic), actorID)
	})
	return epic, err
}

type TaskCreateOptions struct {
	ProjectID   string
	EpicID      string
	Name        string
	Description string
	BranchName  string
	OriginSHA   string
	AssignedDev string
	AssignedQA  string
	ActorID     string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Task{}, domain.ErrNameRequired
	}
	now := e.now()
	task := domain.Task{
		ID:          newID(),
		ProjectID:   opts.ProjectID,
		Name:        name,
		Description: opts.Description,
		Status:      domain.TaskPlanned,
		BranchName:  opts.BranchName,
		OriginSHA:   opts.OriginSHA,
		AssignedDev: opts.AssignedDev,
		AssignedQA:  opts.AssignedQA,
		Commits:     []domain.Commit{},
		Reviewers:   []domain.Reviewer{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if opts.EpicID != "" {
			epic, err := e.Repo.GetEpicTx(ctx, tx, opts.EpicID, repo.ScopeActive)
			if err != nil {
				return fmt.Errorf("epic %s: %w", opts.EpicID, err)
			}
			if task.ProjectID == "" {
				task.ProjectID = epic.ProjectID
			}
			if epic.ProjectID != task.ProjectID {
				return fmt.Errorf("invalid epic: %s is not in project %s", epic.ID, task.ProjectID)
			}
			epicID := epic.ID
			task.EpicID = &epicID
		}
		if _, err := e.Repo.GetProjectTx(ctx, tx, task.ProjectID, repo.ScopeActive); err != nil {
			return fmt.Errorf("project %s: %w", task.ProjectID, err)
		}
		slug, err := uniqueSlug(task.Name, func(s string) (bool, error) {
			return e.Repo.TaskSlugTaken(ctx, tx, task.ProjectID, task.EpicID, s, task.ID)
		})
		if err != nil {
			return err
		}
		task.Slug = slug
		if err := e.Repo.InsertTask(ctx, tx, task); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return e.Notifier.Changed(ctx, tx, notify.Task(task), opts.ActorID)
	})
	if err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

func (e Engine) RenameTask(ctx context.Context, id, name, actorID string) (domain.Task, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Task{}, domain.ErrNameRequired
	}
	var task domain.Task
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		task, err = e.Repo.GetTaskTx(ctx, tx, id, repo.ScopeActive)
		if err != nil {
			return fmt.Errorf("task %s: %w", id, err)
		}
		task.Name = name
		task.Slug, err = uniqueSlug(name, func(s string) (bool, error) {
			return e.Repo.TaskSlugTaken(ctx, tx, task.ProjectID, task.EpicID, s, task.ID)
		})
		if err != nil {
			return err
		}
		task.UpdatedAt = e.now()
		if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
			return err
		}
		return e.Notifier.Changed(ctx, tx, notify.Task(task), actorID)
	})
	return task, err
}

type ScratchOrgCreateOptions struct {
	OrgType      domain.OrgType
	ProjectID    string
	EpicID       string
	TaskID       string
	OwnerID      string
	Description  string
	Config       map[string]any
	LatestCommit string
	URL          string
	ActorID      string
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateScratchOrg records a provisioned org. Exactly one parent must be
// given and it must be active.
func (e Engine) CreateScratchOrg(ctx context.Context, opts ScratchOrgCreateOptions) (domain.ScratchOrg, error) {
	now := e.now()
	org := domain.ScratchOrg{
		ID:                    newID(),
		OrgType:               opts.OrgType,
		ProjectID:             optional(opts.ProjectID),
		EpicID:                optional(opts.EpicID),
		TaskID:                optional(opts.TaskID),
		OwnerID:               optional(opts.OwnerID),
		Description:           opts.Description,
		Config:                opts.Config,
		UnsavedChanges:        domain.UnsavedChanges{},
		LatestRevisionNumbers: domain.RevisionNumbers{},
		LatestCommit:          opts.LatestCommit,
		URL:                   opts.URL,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	org.CleanConfig()
	if err := org.Validate(); err != nil {
		return domain.ScratchOrg{}, err
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.checkParentActive(ctx, tx, org); err != nil {
			return err
		}
		if err := e.Repo.InsertScratchOrg(ctx, tx, org); err != nil {
			return fmt.Errorf("insert scratch org: %w", err)
		}
		ent, err := e.orgEntity(ctx, tx, org)
		if err != nil {
			return err
		}
		return e.Notifier.Changed(ctx, tx, ent, opts.ActorID)
	})
	if err != nil {
		return domain.ScratchOrg{}, err
	}
	return org, nil
}

func (e Engine) checkParentActive(ctx context.Context, tx *sql.Tx, org domain.ScratchOrg) error {
	var err error
	kind, id := org.Parent()
	switch kind {
	case "project":
		_, err = e.Repo.GetProjectTx(ctx, tx, id, repo.ScopeActive)
	case "epic":
		_, err = e.Repo.GetEpicTx(ctx, tx, id, repo.ScopeActive)
	case "task":
		_, err = e.Repo.GetTaskTx(ctx, tx, id, repo.ScopeActive)
	default:
		return domain.ErrInvalidParent
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, id, err)
	}
	return nil
}

// UpdateScratchOrgConfig replaces the org config. Secrets are dropped on
// save.
func (e Engine) UpdateScratchOrgConfig(ctx context.Context, id string, cfg map[string]any, actorID string) (domain.ScratchOrg, error) {
	var org domain.ScratchOrg
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		org, err = e.Repo.GetScratchOrgTx(ctx, tx, id, repo.ScopeActive)
		if err != nil {
			return fmt.Errorf("scratch org %s: %w", id, err)
		}
		org.Config = cfg
		org.CleanConfig()
		org.UpdatedAt = e.now()
		if err := e.Repo.UpdateScratchOrg(ctx, tx, org); err != nil {
			return err
		}
		ent, err := e.orgEntity(ctx, tx, org)
		if err != nil {
			return err
		}
		return e.Notifier.Changed(ctx, tx, ent, actorID)
	})
	return org, err
}

// DeleteEpic soft-deletes the epic, its tasks and every scratch org below
// them in one transaction.
func (e Engine) DeleteEpic(ctx context.Context, id, actorID string) (repo.Cascade, error) {
	var cascade repo.Cascade
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		cascade, err = e.Repo.SoftDeleteEpicCascade(ctx, tx, id, e.now())
		if err != nil {
			return fmt.Errorf("epic %s: %w", id, err)
		}
		return e.notifyCascade(ctx, tx, cascade, actorID)
	})
	if err != nil {
		return repo.Cascade{}, err
	}
	e.log().Info("epic deleted", zap.String("epic_id", id),
		zap.Int("tasks", len(cascade.TaskIDs)), zap.Int("scratch_orgs", len(cascade.ScratchOrgIDs)))
	return cascade, nil
}

// DeleteTask soft-deletes the task and its scratch orgs, then re-derives
// the parent epic's status.
func (e Engine) DeleteTask(ctx context.Context, id, actorID string) (repo.Cascade, error) {
	var cascade repo.Cascade
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		task, err := e.Repo.GetTaskTx(ctx, tx, id, repo.ScopeActive)
		if err != nil {
			return fmt.Errorf("task %s: %w", id, err)
		}
		cascade, err = e.Repo.SoftDeleteTaskCascade(ctx, tx, id, e.now())
		if err != nil {
			return err
		}
		if err := e.notifyCascade(ctx, tx, cascade, actorID); err != nil {
			return err
		}
		if task.EpicID != nil {
			if _, err := e.SyncEpicStatus(ctx, tx, *task.EpicID, actorID); err != nil {
				return err
			}
		}
		return nil
	})
	return cascade, err
}

// DeleteScratchOrg soft-deletes one org. The upstream org is removed by the
// delete_scratch_org job before this runs.
func (e Engine) DeleteScratchOrg(ctx context.Context, id, actorID string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		return e.deleteScratchOrgTx(ctx, tx, id, actorID)
	})
}

func (e Engine) deleteScratchOrgTx(ctx context.Context, tx *sql.Tx, id, actorID string) error {
	if err := e.Repo.SoftDeleteScratchOrg(ctx, tx, id, e.now()); err != nil {
		return fmt.Errorf("scratch org %s: %w", id, err)
	}
	org, err := e.Repo.GetScratchOrgTx(ctx, tx, id, repo.ScopeAll)
	if err != nil {
		return err
	}
	ent, err := e.orgEntity(ctx, tx, org)
	if err != nil {
		return err
	}
	return e.Notifier.Deleted(ctx, tx, ent, actorID)
}

func (e Engine) notifyCascade(ctx context.Context, tx *sql.Tx, c repo.Cascade, actorID string) error {
	for _, id := range c.EpicIDs {
		epic, err := e.Repo.GetEpicTx(ctx, tx, id, repo.ScopeAll)
		if err != nil {
			return err
		}
		if err := e.Notifier.Deleted(ctx, tx, notify.Epic(epic), actorID); err != nil {
			return err
		}
	}
	for _, id := range c.TaskIDs {
		task, err := e.Repo.GetTaskTx(ctx, tx, id, repo.ScopeAll)
		if err != nil {
			return err
		}
		if err := e.Notifier.Deleted(ctx, tx, notify.Task(task), actorID); err != nil {
			return err
		}
	}
	for _, id := range c.ScratchOrgIDs {
		org, err := e.Repo.GetScratchOrgTx(ctx, tx, id, repo.ScopeAll)
		if err != nil {
			return err
		}
		ent, err := e.orgEntity(ctx, tx, org)
		if err != nil {
			return err
		}
		if err := e.Notifier.Deleted(ctx, tx, ent, actorID); err != nil {
			return err
		}
	}
	return nil
}

// AddReviewer appends r to the task's reviewers unless the login is already
// present. It reports whether the task changed.
func (e Engine) AddReviewer(ctx context.Context, taskID string, r domain.Reviewer, actorID string) (bool, error) {
	changed := false
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		task, err := e.Repo.GetTaskTx(ctx, tx, taskID, repo.ScopeActive)
		if err != nil {
			return fmt.Errorf("task %s: %w", taskID, err)
		}
		if !task.AddReviewer(r) {
			return nil
		}
		changed = true
		task.UpdatedAt = e.now()
		if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
			return err
		}
		return e.Notifier.Changed(ctx, tx, notify.Task(task), actorID)
	})
	return changed, err
}

// ApplyPullRequest moves every task and epic of the project tracking the
// pull request number. Parent epics of changed tasks are re-derived in the
// same transaction.
func (e Engine) ApplyPullRequest(ctx context.Context, projectID string, number int, action domain.PullRequestAction, merged bool, actorID string) (int, error) {
	changed := 0
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		tasks, err := e.Repo.ListTasksTx(ctx, tx, repo.TaskFilters{ProjectID: projectID, PRNumber: &number})
		if err != nil {
			return err
		}
		epics, err := e.Repo.ListEpicsTx(ctx, tx, repo.EpicFilters{ProjectID: projectID, PRNumber: &number})
		if err != nil {
			return err
		}
		var parents []string
		seen := map[string]bool{}
		for _, task := range tasks {
			if !task.ApplyPullRequest(action, merged) {
				continue
			}
			changed++
			task.UpdatedAt = e.now()
			if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
				return err
			}
			if err := e.Notifier.Changed(ctx, tx, notify.Task(task), actorID); err != nil {
				return err
			}
			if task.EpicID != nil && !seen[*task.EpicID] {
				seen[*task.EpicID] = true
				parents = append(parents, *task.EpicID)
			}
		}
		for _, epic := range epics {
			if !epic.ApplyPullRequest(action, merged) {
				continue
			}
			changed++
			epic.UpdatedAt = e.now()
			if err := e.Repo.UpdateEpic(ctx, tx, epic); err != nil {
				return err
			}
			if err := e.Notifier.Changed(ctx, tx, notify.Epic(epic), actorID); err != nil {
				return err
			}
		}
		for _, id := range parents {
			if _, err := e.SyncEpicStatus(ctx, tx, id, actorID); err != nil {
				return err
			}
		}
		return nil
	})
	return changed, err
}

// UpdateEpicStatus re-derives the epic status from its tasks.
func (e Engine) UpdateEpicStatus(ctx context.Context, epicID, actorID string) (domain.Epic, error) {
	var epic domain.Epic
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		epic, err = e.SyncEpicStatus(ctx, tx, epicID, actorID)
		return err
	})
	return epic, err
}

// SyncEpicStatus stores the derived status when it differs from the stored
// one and notifies the change.
func (e Engine) SyncEpicStatus(ctx context.Context, tx *sql.Tx, epicID, actorID string) (domain.Epic, error) {
	epic, err := e.Repo.GetEpicTx(ctx, tx, epicID, repo.ScopeActive)
	if err != nil {
		return epic, fmt.Errorf("epic %s: %w", epicID, err)
	}
	tasks, err := e.Repo.ListTasksTx(ctx, tx, repo.TaskFilters{EpicID: epicID})
	if err != nil {
		return epic, err
	}
	if !epic.ShouldUpdateStatus(tasks) {
		return epic, nil
	}
	epic.Status = epic.DeriveStatus(tasks)
	epic.UpdatedAt = e.now()
	if err := e.Repo.UpdateEpic(ctx, tx, epic); err != nil {
		return epic, err
	}
	return epic, e.Notifier.Changed(ctx, tx, notify.Epic(epic), actorID)
}
