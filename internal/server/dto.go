package server

import (
	"encoding/json"
	"time"

	"metecho/internal/domain"
	"metecho/internal/repo"
)

// Request payloads

type CreateProjectRequest struct {
	Name        string `json:"name" minLength:"1"`
	Description string `json:"description,omitempty"`
	RepoOwner   string `json:"repo_owner" minLength:"1"`
	RepoName    string `json:"repo_name" minLength:"1"`
	RepoID      *int64 `json:"repo_id,omitempty"`
	BranchName  string `json:"branch_name,omitempty"`
}

type CreateEpicRequest struct {
	Name        string `json:"name" minLength:"1"`
	Description string `json:"description,omitempty"`
	BranchName  string `json:"branch_name,omitempty"`
}

type CreateTaskRequest struct {
	Name        string  `json:"name" minLength:"1"`
	Description string  `json:"description,omitempty"`
	EpicID      *string `json:"epic_id,omitempty"`
	BranchName  string  `json:"branch_name,omitempty"`
	OriginSHA   string  `json:"origin_sha,omitempty"`
	AssignedDev string  `json:"assigned_dev,omitempty"`
	AssignedQA  string  `json:"assigned_qa,omitempty"`
}

type RenameRequest struct {
	Name string `json:"name" minLength:"1"`
}

type CreateScratchOrgRequest struct {
	OrgType      string         `json:"org_type" enum:"Dev,QA,Playground"`
	ProjectID    *string        `json:"project_id,omitempty"`
	EpicID       *string        `json:"epic_id,omitempty"`
	TaskID       *string        `json:"task_id,omitempty"`
	Description  string         `json:"description,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	LatestCommit string         `json:"latest_commit,omitempty"`
	URL          string         `json:"url,omitempty"`
}

type SubmitReviewRequest struct {
	Notes        string `json:"notes,omitempty"`
	Status       string `json:"status" enum:"Approved,Changes requested"`
	SHA          string `json:"sha,omitempty"`
	ScratchOrgID string `json:"org,omitempty"`
	DeleteOrg    bool   `json:"delete_org,omitempty"`
}

type CreatePullRequestRequest struct {
	Title             string `json:"title" minLength:"1"`
	Body              string `json:"body,omitempty"`
	CriticalChanges   string `json:"critical_changes,omitempty"`
	AdditionalChanges string `json:"additional_changes,omitempty"`
	IssuesText        string `json:"issues,omitempty"`
	Notes             string `json:"notes,omitempty"`
}

type ConvertOrgRequest struct {
	TaskID string `json:"task_id" minLength:"1"`
}

// Response payloads

type ProjectResponse struct {
	ID                           string              `json:"id"`
	Name                         string              `json:"name"`
	Slug                         string              `json:"slug"`
	Description                  string              `json:"description,omitempty"`
	RepoOwner                    string              `json:"repo_owner"`
	RepoName                     string              `json:"repo_name"`
	RepoURL                      string              `json:"repo_url"`
	RepoID                       *int64              `json:"repo_id,omitempty"`
	BranchName                   string              `json:"branch_name"`
	LatestSHA                    string              `json:"latest_sha"`
	GitHubUsers                  []domain.GitHubUser `json:"github_users"`
	CurrentlyFetchingGitHubUsers bool                `json:"currently_fetching_github_users"`
	CreatedAt                    string              `json:"created_at" format:"date-time"`
	UpdatedAt                    string              `json:"updated_at" format:"date-time"`
}

type EpicResponse struct {
	ID                  string `json:"id"`
	ProjectID           string `json:"project_id"`
	Name                string `json:"name"`
	Slug                string `json:"slug"`
	Description         string `json:"description,omitempty"`
	Status              string `json:"status" enum:"Planned,In progress,Review,Merged"`
	BranchName          string `json:"branch_name"`
	LatestSHA           string `json:"latest_sha"`
	HasUnmergedCommits  bool   `json:"has_unmerged_commits"`
	PRNumber            *int   `json:"pr_number,omitempty"`
	PRIsOpen            bool   `json:"pr_is_open"`
	PRIsMerged          bool   `json:"pr_is_merged"`
	CurrentlyCreatingPR bool   `json:"currently_creating_pr"`
	CreatedAt           string `json:"created_at" format:"date-time"`
	UpdatedAt           string `json:"updated_at" format:"date-time"`
}

type TaskResponse struct {
	ID                        string            `json:"id"`
	ProjectID                 string            `json:"project_id"`
	EpicID                    *string           `json:"epic_id,omitempty"`
	Name                      string            `json:"name"`
	Slug                      string            `json:"slug"`
	Description               string            `json:"description,omitempty"`
	Status                    string            `json:"status" enum:"Planned,In progress,Completed,Canceled"`
	BranchName                string            `json:"branch_name"`
	OriginSHA                 string            `json:"origin_sha"`
	HasUnmergedCommits        bool              `json:"has_unmerged_commits"`
	PRNumber                  *int              `json:"pr_number,omitempty"`
	PRIsOpen                  bool              `json:"pr_is_open"`
	CurrentlyCreatingPR       bool              `json:"currently_creating_pr"`
	CurrentlySubmittingReview bool              `json:"currently_submitting_review"`
	ReviewValid               bool              `json:"review_valid"`
	ReviewSHA                 string            `json:"review_sha"`
	ReviewStatus              string            `json:"review_status,omitempty"`
	ReviewSubmittedAt         *string           `json:"review_submitted_at,omitempty" format:"date-time"`
	AssignedDev               string            `json:"assigned_dev,omitempty"`
	AssignedQA                string            `json:"assigned_qa,omitempty"`
	Commits                   []domain.Commit   `json:"commits"`
	Reviewers                 []domain.Reviewer `json:"reviewers"`
	CreatedAt                 string            `json:"created_at" format:"date-time"`
	UpdatedAt                 string            `json:"updated_at" format:"date-time"`
}

type ScratchOrgResponse struct {
	ID                          string                 `json:"id"`
	OrgType                     string                 `json:"org_type" enum:"Dev,QA,Playground"`
	ProjectID                   *string                `json:"project_id,omitempty"`
	EpicID                      *string                `json:"epic_id,omitempty"`
	TaskID                      *string                `json:"task_id,omitempty"`
	OwnerID                     *string                `json:"owner_id,omitempty"`
	Description                 string                 `json:"description,omitempty"`
	Config                      map[string]any         `json:"config"`
	UnsavedChanges              domain.UnsavedChanges  `json:"unsaved_changes"`
	HasUnsavedChanges           bool                   `json:"has_unsaved_changes"`
	LatestRevisionNumbers       domain.RevisionNumbers `json:"latest_revision_numbers"`
	LastCheckedUnsavedChangesAt *string                `json:"last_checked_unsaved_changes_at,omitempty" format:"date-time"`
	LatestCommit                string                 `json:"latest_commit"`
	URL                         string                 `json:"url,omitempty"`
	CurrentlyRefreshingChanges  bool                   `json:"currently_refreshing_changes"`
	DeleteQueuedAt              *string                `json:"delete_queued_at,omitempty" format:"date-time"`
	CreatedAt                   string                 `json:"created_at" format:"date-time"`
}

type CascadeResponse struct {
	EpicIDs       []string `json:"epic_ids"`
	TaskIDs       []string `json:"task_ids"`
	ScratchOrgIDs []string `json:"scratch_org_ids"`
}

type QueuedResponse struct {
	Queued bool `json:"queued"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Conversion helpers

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:                           p.ID,
		Name:                         p.Name,
		Slug:                         p.Slug,
		Description:                  p.Description,
		RepoOwner:                    p.RepoOwner,
		RepoName:                     p.RepoName,
		RepoURL:                      p.RepoURL(),
		RepoID:                       p.RepoID,
		BranchName:                   p.BranchName,
		LatestSHA:                    p.LatestSHA,
		GitHubUsers:                  nonNilSlice(p.GitHubUsers),
		CurrentlyFetchingGitHubUsers: p.CurrentlyFetchingGitHubUsers,
		CreatedAt:                    formatTime(p.CreatedAt),
		UpdatedAt:                    formatTime(p.UpdatedAt),
	}
}

func epicResponse(e domain.Epic) EpicResponse {
	return EpicResponse{
		ID:                  e.ID,
		ProjectID:           e.ProjectID,
		Name:                e.Name,
		Slug:                e.Slug,
		Description:         e.Description,
		Status:              string(e.Status),
		BranchName:          e.BranchName,
		LatestSHA:           e.LatestSHA,
		HasUnmergedCommits:  e.HasUnmergedCommits,
		PRNumber:            e.PRNumber,
		PRIsOpen:            e.PRIsOpen,
		PRIsMerged:          e.PRIsMerged,
		CurrentlyCreatingPR: e.CurrentlyCreatingPR,
		CreatedAt:           formatTime(e.CreatedAt),
		UpdatedAt:           formatTime(e.UpdatedAt),
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:                        t.ID,
		ProjectID:                 t.ProjectID,
		EpicID:                    t.EpicID,
		Name:                      t.Name,
		Slug:                      t.Slug,
		Description:               t.Description,
		Status:                    string(t.Status),
		BranchName:                t.BranchName,
		OriginSHA:                 t.OriginSHA,
		HasUnmergedCommits:        t.HasUnmergedCommits,
		PRNumber:                  t.PRNumber,
		PRIsOpen:                  t.PRIsOpen,
		CurrentlyCreatingPR:       t.CurrentlyCreatingPR,
		CurrentlySubmittingReview: t.CurrentlySubmittingReview,
		ReviewValid:               t.ReviewValid,
		ReviewSHA:                 t.ReviewSHA,
		ReviewStatus:              string(t.ReviewStatus),
		ReviewSubmittedAt:         formatTimePtr(t.ReviewSubmittedAt),
		AssignedDev:               t.AssignedDev,
		AssignedQA:                t.AssignedQA,
		Commits:                   nonNilSlice(t.Commits),
		Reviewers:                 nonNilSlice(t.Reviewers),
		CreatedAt:                 formatTime(t.CreatedAt),
		UpdatedAt:                 formatTime(t.UpdatedAt),
	}
}

func scratchOrgResponse(o domain.ScratchOrg) ScratchOrgResponse {
	return ScratchOrgResponse{
		ID:                          o.ID,
		OrgType:                     string(o.OrgType),
		ProjectID:                   o.ProjectID,
		EpicID:                      o.EpicID,
		TaskID:                      o.TaskID,
		OwnerID:                     o.OwnerID,
		Description:                 o.Description,
		Config:                      o.Config,
		UnsavedChanges:              o.UnsavedChanges,
		HasUnsavedChanges:           len(o.UnsavedChanges) > 0,
		LatestRevisionNumbers:       o.LatestRevisionNumbers,
		LastCheckedUnsavedChangesAt: formatTimePtr(o.LastCheckedUnsavedChangesAt),
		LatestCommit:                o.LatestCommit,
		URL:                         o.URL,
		CurrentlyRefreshingChanges:  o.CurrentlyRefreshingChanges,
		DeleteQueuedAt:              formatTimePtr(o.DeleteQueuedAt),
		CreatedAt:                   formatTime(o.CreatedAt),
	}
}

func cascadeResponse(c repo.Cascade) CascadeResponse {
	return CascadeResponse{
		EpicIDs:       nonNilSlice(c.EpicIDs),
		TaskIDs:       nonNilSlice(c.TaskIDs),
		ScratchOrgIDs: nonNilSlice(c.ScratchOrgIDs),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func mapSlice[T, R any](in []T, fn func(T) R) []R {
	out := make([]R, 0, len(in))
	for _, v := range in {
		out = append(out, fn(v))
	}
	return out
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
