// Package gh talks to the GitHub REST API on behalf of the workflow service.
package gh

import (
	"context"
	"strings"
)

type Repository struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
	HTMLURL       string `json:"html_url"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type Branch struct {
	Name   string `json:"name"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

type Comparison struct {
	Status   string `json:"status"`
	AheadBy  int    `json:"ahead_by"`
	BehindBy int    `json:"behind_by"`
}

// Commit is a branch commit flattened from GitHub's nested shape.
type Commit struct {
	SHA         string
	Message     string
	AuthorName  string
	AuthorEmail string
	AuthorLogin string
	AvatarURL   string
	Timestamp   string
	HTMLURL     string
}

type PullRequest struct {
	Number  int    `json:"number"`
	State   string `json:"state"`
	Merged  bool   `json:"merged"`
	HTMLURL string `json:"html_url"`
}

type NewPullRequest struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Head  string `json:"head"`
	Base  string `json:"base"`
}

// Review events accepted by CreateReview.
const (
	ReviewApprove        = "APPROVE"
	ReviewRequestChanges = "REQUEST_CHANGES"
)

type Review struct {
	CommitSHA string `json:"commit_id"`
	Body      string `json:"body,omitempty"`
	Event     string `json:"event"`
}

type Collaborator struct {
	ID          int64           `json:"id"`
	Login       string          `json:"login"`
	AvatarURL   string          `json:"avatar_url"`
	Permissions map[string]bool `json:"permissions"`
}

type User struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

type UserRepository struct {
	ID          int64           `json:"id"`
	HTMLURL     string          `json:"html_url"`
	Permissions map[string]bool `json:"permissions"`
}

// Client is the subset of GitHub the service depends on. Repositories are
// addressed by their numeric id so renames and transfers do not break
// tracking.
type Client interface {
	Repository(ctx context.Context, repoID int64) (Repository, error)
	Branch(ctx context.Context, repoID int64, name string) (Branch, error)
	CompareCommits(ctx context.Context, repoID int64, base, head string) (Comparison, error)
	Commits(ctx context.Context, repoID int64, branch string, limit int) ([]Commit, error)
	CreatePullRequest(ctx context.Context, repoID int64, pr NewPullRequest) (PullRequest, error)
	PullRequest(ctx context.Context, repoID int64, number int) (PullRequest, error)
	CreateReview(ctx context.Context, repoID int64, number int, review Review) error
	Collaborators(ctx context.Context, repoID int64) ([]Collaborator, error)
	User(ctx context.Context, login string) (User, error)
	// ReposForUser lists repositories visible to the holder of token.
	ReposForUser(ctx context.Context, token string) ([]UserRepository, error)
}

// RefKind classifies a git ref from a push event.
type RefKind int

const (
	RefUnknown RefKind = iota
	RefBranch
	RefTag
)

const (
	branchPrefix = "refs/heads/"
	tagPrefix    = "refs/tags/"
)

// ParseRef returns the kind of ref and its short name.
func ParseRef(ref string) (RefKind, string) {
	switch {
	case strings.HasPrefix(ref, branchPrefix) && len(ref) > len(branchPrefix):
		return RefBranch, strings.TrimPrefix(ref, branchPrefix)
	case strings.HasPrefix(ref, tagPrefix) && len(ref) > len(tagPrefix):
		return RefTag, strings.TrimPrefix(ref, tagPrefix)
	}
	return RefUnknown, ""
}
