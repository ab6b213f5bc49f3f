// Package hooks turns inbound GitHub webhook deliveries into workflow state
// changes.
package hooks

// Repository is the part of a webhook's repository object the reconcilers
// key on.
type Repository struct {
	ID int64 `json:"id" validate:"required"`
}

type Sender struct {
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
}

type PushCommit struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	URL       string `json:"url"`
}

type PushEvent struct {
	Forced     bool         `json:"forced"`
	Ref        string       `json:"ref"`
	Commits    []PushCommit `json:"commits"`
	Repository Repository   `json:"repository" validate:"required"`
	Sender     Sender       `json:"sender"`
}

type GitRef struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

type PullRequest struct {
	Number int    `json:"number"`
	Merged bool   `json:"merged"`
	Head   GitRef `json:"head"`
	Base   GitRef `json:"base"`
}

type PullRequestEvent struct {
	Action      string      `json:"action" validate:"required"`
	Number      int         `json:"number" validate:"required"`
	PullRequest PullRequest `json:"pull_request"`
	Repository  Repository  `json:"repository" validate:"required"`
}

type PullRequestReviewEvent struct {
	Sender      Sender      `json:"sender"`
	Repository  Repository  `json:"repository" validate:"required"`
	PullRequest PullRequest `json:"pull_request"`
}

// Supported X-GitHub-Event values.
const (
	EventPing              = "ping"
	EventPush              = "push"
	EventPullRequest       = "pull_request"
	EventPullRequestReview = "pull_request_review"
)
