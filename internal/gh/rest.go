package gh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v66/github"
)

const (
	DefaultBaseURL = "https://api.github.com"
	pageSize       = 100
)

// REST is a Client backed by the GitHub REST API through go-github.
// Repository ids are resolved to owner/name once and cached; a 404 drops
// the cached entry so a renamed repository is looked up again.
type REST struct {
	client *github.Client
	names  sync.Map // int64 -> repoName
}

type repoName struct {
	owner, name string
}

// NewREST returns a client for baseURL, or api.github.com when empty.
func NewREST(baseURL, token string) (*REST, error) {
	client := github.NewClient(&http.Client{Timeout: 15 * time.Second})
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if baseURL != "" && strings.TrimRight(baseURL, "/") != DefaultBaseURL {
		u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("github api url %q: %w", baseURL, err)
		}
		client.BaseURL = u
	}
	return &REST{client: client}, nil
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github %s %s: status=%d body=%s", e.Method, e.Path, e.StatusCode, e.Body)
}

// wrap turns go-github's error responses into *APIError.
func wrap(err error) error {
	var er *github.ErrorResponse
	if !errors.As(err, &er) || er.Response == nil {
		return err
	}
	apiErr := &APIError{StatusCode: er.Response.StatusCode, Body: er.Message}
	if req := er.Response.Request; req != nil {
		apiErr.Method = req.Method
		apiErr.Path = req.URL.Path
	}
	return apiErr
}

func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func (c *REST) Repository(ctx context.Context, repoID int64) (Repository, error) {
	r, _, err := c.client.Repositories.GetByID(ctx, repoID)
	if err != nil {
		return Repository{}, wrap(err)
	}
	out := Repository{
		ID:            r.GetID(),
		Name:          r.GetName(),
		FullName:      r.GetFullName(),
		DefaultBranch: r.GetDefaultBranch(),
		HTMLURL:       r.GetHTMLURL(),
	}
	out.Owner.Login = r.GetOwner().GetLogin()
	c.names.Store(repoID, repoName{owner: out.Owner.Login, name: out.Name})
	return out, nil
}

// locate returns the owner and name for repoID.
func (c *REST) locate(ctx context.Context, repoID int64) (repoName, error) {
	if v, ok := c.names.Load(repoID); ok {
		return v.(repoName), nil
	}
	r, err := c.Repository(ctx, repoID)
	if err != nil {
		return repoName{}, err
	}
	return repoName{owner: r.Owner.Login, name: r.Name}, nil
}

// onRepo resolves repoID and runs fn against it.
func (c *REST) onRepo(ctx context.Context, repoID int64, fn func(repoName) error) error {
	rn, err := c.locate(ctx, repoID)
	if err != nil {
		return err
	}
	err = wrap(fn(rn))
	if isNotFound(err) {
		c.names.Delete(repoID)
	}
	return err
}

func (c *REST) Branch(ctx context.Context, repoID int64, name string) (Branch, error) {
	var out Branch
	err := c.onRepo(ctx, repoID, func(rn repoName) error {
		b, _, err := c.client.Repositories.GetBranch(ctx, rn.owner, rn.name, name, 1)
		if err != nil {
			return err
		}
		out.Name = b.GetName()
		out.Commit.SHA = b.GetCommit().GetSHA()
		return nil
	})
	return out, err
}

func (c *REST) CompareCommits(ctx context.Context, repoID int64, base, head string) (Comparison, error) {
	var out Comparison
	err := c.onRepo(ctx, repoID, func(rn repoName) error {
		cmp, _, err := c.client.Repositories.CompareCommits(ctx, rn.owner, rn.name, base, head, nil)
		if err != nil {
			return err
		}
		out = Comparison{Status: cmp.GetStatus(), AheadBy: cmp.GetAheadBy(), BehindBy: cmp.GetBehindBy()}
		return nil
	})
	return out, err
}

// Commits lists the newest commits of branch, newest first.
func (c *REST) Commits(ctx context.Context, repoID int64, branch string, limit int) ([]Commit, error) {
	if limit <= 0 || limit > pageSize {
		limit = pageSize
	}
	var out []Commit
	err := c.onRepo(ctx, repoID, func(rn repoName) error {
		opts := &github.CommitsListOptions{SHA: branch, ListOptions: github.ListOptions{PerPage: limit}}
		raw, _, err := c.client.Repositories.ListCommits(ctx, rn.owner, rn.name, opts)
		if err != nil {
			return err
		}
		out = make([]Commit, 0, len(raw))
		for _, rc := range raw {
			author := rc.GetCommit().GetAuthor()
			cm := Commit{
				SHA:         rc.GetSHA(),
				Message:     rc.GetCommit().GetMessage(),
				AuthorName:  author.GetName(),
				AuthorEmail: author.GetEmail(),
				AuthorLogin: rc.GetAuthor().GetLogin(),
				AvatarURL:   rc.GetAuthor().GetAvatarURL(),
				HTMLURL:     rc.GetHTMLURL(),
			}
			if date := author.GetDate(); !date.IsZero() {
				cm.Timestamp = date.UTC().Format(time.RFC3339)
			}
			out = append(out, cm)
		}
		return nil
	})
	return out, err
}

func (c *REST) CreatePullRequest(ctx context.Context, repoID int64, pr NewPullRequest) (PullRequest, error) {
	var out PullRequest
	err := c.onRepo(ctx, repoID, func(rn repoName) error {
		req := &github.NewPullRequest{Title: github.String(pr.Title), Head: github.String(pr.Head), Base: github.String(pr.Base)}
		if pr.Body != "" {
			req.Body = github.String(pr.Body)
		}
		created, _, err := c.client.PullRequests.Create(ctx, rn.owner, rn.name, req)
		if err != nil {
			return err
		}
		out = pullRequest(created)
		return nil
	})
	return out, err
}

func (c *REST) PullRequest(ctx context.Context, repoID int64, number int) (PullRequest, error) {
	var out PullRequest
	err := c.onRepo(ctx, repoID, func(rn repoName) error {
		pr, _, err := c.client.PullRequests.Get(ctx, rn.owner, rn.name, number)
		if err != nil {
			return err
		}
		out = pullRequest(pr)
		return nil
	})
	return out, err
}

func pullRequest(pr *github.PullRequest) PullRequest {
	return PullRequest{Number: pr.GetNumber(), State: pr.GetState(), Merged: pr.GetMerged(), HTMLURL: pr.GetHTMLURL()}
}

func (c *REST) CreateReview(ctx context.Context, repoID int64, number int, review Review) error {
	return c.onRepo(ctx, repoID, func(rn repoName) error {
		req := &github.PullRequestReviewRequest{CommitID: github.String(review.CommitSHA), Event: github.String(review.Event)}
		if review.Body != "" {
			req.Body = github.String(review.Body)
		}
		_, _, err := c.client.PullRequests.CreateReview(ctx, rn.owner, rn.name, number, req)
		return err
	})
}

func (c *REST) Collaborators(ctx context.Context, repoID int64) ([]Collaborator, error) {
	var all []Collaborator
	err := c.onRepo(ctx, repoID, func(rn repoName) error {
		opts := &github.ListCollaboratorsOptions{ListOptions: github.ListOptions{PerPage: pageSize}}
		for {
			batch, resp, err := c.client.Repositories.ListCollaborators(ctx, rn.owner, rn.name, opts)
			if err != nil {
				return err
			}
			for _, u := range batch {
				all = append(all, Collaborator{ID: u.GetID(), Login: u.GetLogin(), AvatarURL: u.GetAvatarURL(), Permissions: u.Permissions})
			}
			if resp.NextPage == 0 {
				return nil
			}
			opts.Page = resp.NextPage
		}
	})
	return all, err
}

func (c *REST) User(ctx context.Context, login string) (User, error) {
	u, _, err := c.client.Users.Get(ctx, login)
	if err != nil {
		return User{}, wrap(err)
	}
	return User{ID: u.GetID(), Login: u.GetLogin(), Name: u.GetName(), AvatarURL: u.GetAvatarURL()}, nil
}

// ReposForUser pages through /user/repos as the holder of token. The
// response is decoded straight into UserRepository so the permissions map
// keeps GitHub's keys.
func (c *REST) ReposForUser(ctx context.Context, token string) ([]UserRepository, error) {
	client := c.client
	if token != "" {
		client = client.WithAuthToken(token)
	}
	var all []UserRepository
	for page := 1; page != 0; {
		req, err := client.NewRequest(http.MethodGet, fmt.Sprintf("user/repos?per_page=%d&page=%d", pageSize, page), nil)
		if err != nil {
			return nil, err
		}
		var batch []UserRepository
		resp, err := client.Do(ctx, req, &batch)
		if err != nil {
			return nil, wrap(err)
		}
		all = append(all, batch...)
		page = resp.NextPage
	}
	return all, nil
}

var _ Client = (*REST)(nil)
