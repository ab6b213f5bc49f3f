package domain

import "time"

type TaskStatus string

const (
	TaskPlanned    TaskStatus = "Planned"
	TaskInProgress TaskStatus = "In progress"
	TaskCompleted  TaskStatus = "Completed"
	TaskCanceled   TaskStatus = "Canceled"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCanceled
}

type EpicStatus string

const (
	EpicPlanned    EpicStatus = "Planned"
	EpicInProgress EpicStatus = "In progress"
	EpicReview     EpicStatus = "Review"
	EpicMerged     EpicStatus = "Merged"
)

type OrgType string

const (
	OrgDev        OrgType = "Dev"
	OrgQA         OrgType = "QA"
	OrgPlayground OrgType = "Playground"
)

type ReviewStatus string

const (
	ReviewApproved         ReviewStatus = "Approved"
	ReviewChangesRequested ReviewStatus = "Changes requested"
)

type Project struct {
	ID                           string       `json:"id"`
	Name                         string       `json:"name"`
	Slug                         string       `json:"slug"`
	Description                  string       `json:"description,omitempty"`
	RepoOwner                    string       `json:"repo_owner"`
	RepoName                     string       `json:"repo_name"`
	RepoID                       *int64       `json:"repo_id,omitempty"`
	BranchName                   string       `json:"branch_name"`
	LatestSHA                    string       `json:"latest_sha"`
	GitHubUsers                  []GitHubUser `json:"github_users"`
	CurrentlyFetchingGitHubUsers bool         `json:"currently_fetching_github_users"`
	CreatedAt                    time.Time    `json:"created_at"`
	UpdatedAt                    time.Time    `json:"updated_at"`
	DeletedAt                    *time.Time   `json:"deleted_at,omitempty"`
}

// RepoURL is the browser URL of the project's repository.
func (p Project) RepoURL() string {
	return "https://github.com/" + p.RepoOwner + "/" + p.RepoName
}

// GitHubUser is one entry of a project's collaborator snapshot.
type GitHubUser struct {
	ID          string         `json:"id"`
	Login       string         `json:"login"`
	Name        string         `json:"name,omitempty"`
	AvatarURL   string         `json:"avatar_url,omitempty"`
	Permissions map[string]any `json:"permissions,omitempty"`
}

type Epic struct {
	ID                  string     `json:"id"`
	ProjectID           string     `json:"project_id"`
	Name                string     `json:"name"`
	Slug                string     `json:"slug"`
	Description         string     `json:"description,omitempty"`
	Status              EpicStatus `json:"status" enum:"Planned,In progress,Review,Merged"`
	BranchName          string     `json:"branch_name"`
	LatestSHA           string     `json:"latest_sha"`
	HasUnmergedCommits  bool       `json:"has_unmerged_commits"`
	PRNumber            *int       `json:"pr_number,omitempty"`
	PRIsOpen            bool       `json:"pr_is_open"`
	PRIsMerged          bool       `json:"pr_is_merged"`
	CurrentlyCreatingPR bool       `json:"currently_creating_pr"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	DeletedAt           *time.Time `json:"deleted_at,omitempty"`
}

type Task struct {
	ID                        string       `json:"id"`
	ProjectID                 string       `json:"project_id"`
	EpicID                    *string      `json:"epic_id,omitempty"`
	Name                      string       `json:"name"`
	Slug                      string       `json:"slug"`
	Description               string       `json:"description,omitempty"`
	Status                    TaskStatus   `json:"status" enum:"Planned,In progress,Completed,Canceled"`
	BranchName                string       `json:"branch_name"`
	OriginSHA                 string       `json:"origin_sha"`
	HasUnmergedCommits        bool         `json:"has_unmerged_commits"`
	PRNumber                  *int         `json:"pr_number,omitempty"`
	PRIsOpen                  bool         `json:"pr_is_open"`
	CurrentlyCreatingPR       bool         `json:"currently_creating_pr"`
	CurrentlySubmittingReview bool         `json:"currently_submitting_review"`
	ReviewValid               bool         `json:"review_valid"`
	ReviewSHA                 string       `json:"review_sha"`
	ReviewStatus              ReviewStatus `json:"review_status,omitempty"`
	ReviewSubmittedAt         *time.Time   `json:"review_submitted_at,omitempty"`
	AssignedDev               string       `json:"assigned_dev,omitempty"`
	AssignedQA                string       `json:"assigned_qa,omitempty"`
	Commits                   []Commit     `json:"commits"`
	Reviewers                 []Reviewer   `json:"reviewers"`
	CreatedAt                 time.Time    `json:"created_at"`
	UpdatedAt                 time.Time    `json:"updated_at"`
	DeletedAt                 *time.Time   `json:"deleted_at,omitempty"`
}

type Commit struct {
	ID        string       `json:"id"`
	Message   string       `json:"message"`
	Author    CommitAuthor `json:"author"`
	Timestamp string       `json:"timestamp"`
	URL       string       `json:"url"`
}

type CommitAuthor struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type Reviewer struct {
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
}

// UnsavedChanges maps a component type to the names changed in an org.
type UnsavedChanges map[string][]string

// RevisionNumbers maps component type to member name to revision counter.
type RevisionNumbers map[string]map[string]int

type ScratchOrg struct {
	ID                          string          `json:"id"`
	OrgType                     OrgType         `json:"org_type" enum:"Dev,QA,Playground"`
	ProjectID                   *string         `json:"project_id,omitempty"`
	EpicID                      *string         `json:"epic_id,omitempty"`
	TaskID                      *string         `json:"task_id,omitempty"`
	OwnerID                     *string         `json:"owner_id,omitempty"`
	Description                 string          `json:"description,omitempty"`
	Config                      map[string]any  `json:"config"`
	UnsavedChanges              UnsavedChanges  `json:"unsaved_changes"`
	LatestRevisionNumbers       RevisionNumbers `json:"latest_revision_numbers"`
	LastCheckedUnsavedChangesAt *time.Time      `json:"last_checked_unsaved_changes_at,omitempty"`
	LatestCommit                string          `json:"latest_commit"`
	URL                         string          `json:"url,omitempty"`
	ExpiresAt                   *time.Time      `json:"expires_at,omitempty"`
	CurrentlyRefreshingChanges  bool            `json:"currently_refreshing_changes"`
	DeleteQueuedAt              *time.Time      `json:"delete_queued_at,omitempty"`
	CreatedAt                   time.Time       `json:"created_at"`
	UpdatedAt                   time.Time       `json:"updated_at"`
	DeletedAt                   *time.Time      `json:"deleted_at,omitempty"`
}

type GitHubRepository struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	RepoID      int64          `json:"repo_id"`
	RepoURL     string         `json:"repo_url"`
	Permissions map[string]any `json:"permissions,omitempty"`
}

type User struct {
	ID                     string          `json:"id"`
	Username               string          `json:"username"`
	Email                  string          `json:"email,omitempty"`
	DevhubUsername         string          `json:"devhub_username,omitempty"`
	AllowDevhubOverride    bool            `json:"allow_devhub_override"`
	CurrentlyFetchingRepos bool            `json:"currently_fetching_repos"`
	SocialAccounts         []SocialAccount `json:"-"`
	CreatedAt              time.Time       `json:"created_at"`
}

type Provider string

const (
	ProviderGitHub     Provider = "github"
	ProviderSalesforce Provider = "salesforce"
)

// SocialAccount is an external identity linked to a User.
type SocialAccount struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Provider    Provider       `json:"provider"`
	UID         string         `json:"uid"`
	ExtraData   map[string]any `json:"extra_data"`
	Token       string         `json:"-"`
	TokenSecret string         `json:"-"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
