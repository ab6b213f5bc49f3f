// Package jobs defines the background jobs of the workflow service and the
// queues that carry them.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"metecho/internal/domain"
	"metecho/internal/repo"
)

// Job names. They double as asynq task types.
const (
	RefreshCommits            = "refresh_commits"
	GetUnsavedChanges         = "get_unsaved_changes"
	SubmitReview              = "submit_review"
	DeleteScratchOrg          = "delete_scratch_org"
	CreatePR                  = "create_pr"
	RefreshGitHubUsers        = "refresh_github_users"
	ConvertToDevOrg           = "convert_to_dev_org"
	RefreshGitHubRepositories = "refresh_github_repositories"
)

// Names lists every job the worker handles.
var Names = []string{
	RefreshCommits,
	GetUnsavedChanges,
	SubmitReview,
	DeleteScratchOrg,
	CreatePR,
	RefreshGitHubUsers,
	ConvertToDevOrg,
	RefreshGitHubRepositories,
}

type RefreshCommitsArgs struct {
	ProjectID         string `json:"project_id"`
	BranchName        string `json:"branch_name"`
	OriginatingUserID string `json:"originating_user_id,omitempty"`
}

type GetUnsavedChangesArgs struct {
	ScratchOrgID      string `json:"scratch_org_id"`
	OriginatingUserID string `json:"originating_user_id,omitempty"`
}

// ReviewData is what a reviewer submits for a task.
type ReviewData struct {
	Notes        string              `json:"notes,omitempty"`
	Status       domain.ReviewStatus `json:"status"`
	SHA          string              `json:"sha,omitempty"`
	ScratchOrgID string              `json:"org,omitempty"`
	DeleteOrg    bool                `json:"delete_org"`
}

type SubmitReviewArgs struct {
	TaskID            string     `json:"task_id"`
	UserID            string     `json:"user_id"`
	Data              ReviewData `json:"data"`
	OriginatingUserID string     `json:"originating_user_id,omitempty"`
}

type DeleteScratchOrgArgs struct {
	ScratchOrgID      string `json:"scratch_org_id"`
	OriginatingUserID string `json:"originating_user_id,omitempty"`
}

// PR target kinds.
const (
	TargetTask = "task"
	TargetEpic = "epic"
)

type CreatePRArgs struct {
	Target            string `json:"target"`
	ID                string `json:"id"`
	UserID            string `json:"user_id,omitempty"`
	Title             string `json:"title"`
	Body              string `json:"body,omitempty"`
	CriticalChanges   string `json:"critical_changes,omitempty"`
	AdditionalChanges string `json:"additional_changes,omitempty"`
	IssuesText        string `json:"issues,omitempty"`
	Notes             string `json:"notes,omitempty"`
	OriginatingUserID string `json:"originating_user_id,omitempty"`
}

type RefreshGitHubUsersArgs struct {
	ProjectID         string `json:"project_id"`
	OriginatingUserID string `json:"originating_user_id,omitempty"`
}

type ConvertToDevOrgArgs struct {
	ScratchOrgID      string `json:"scratch_org_id"`
	TaskID            string `json:"task_id"`
	OriginatingUserID string `json:"originating_user_id,omitempty"`
}

type RefreshGitHubRepositoriesArgs struct {
	UserID string `json:"user_id"`
}

// Queue accepts jobs for asynchronous execution.
type Queue interface {
	Enqueue(ctx context.Context, name string, args any) error
}

// Dispatcher runs one job from its encoded arguments.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, payload []byte) error
}

// ErrUnknownJob is returned for a job name no handler is registered for.
var ErrUnknownJob = errors.New("unknown job")

func Encode(args any) ([]byte, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode job args: %w", err)
	}
	return data, nil
}

func Decode(payload []byte, args any) error {
	if err := json.Unmarshal(payload, args); err != nil {
		return fmt.Errorf("decode job args: %w", err)
	}
	return nil
}

// Permanent reports whether retrying a failed job cannot help.
func Permanent(err error) bool {
	var integrity domain.ReviewIntegrityError
	return errors.Is(err, repo.ErrNotFound) || errors.Is(err, ErrUnknownJob) || errors.As(err, &integrity)
}
