package metechosdk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Metecho HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client for the API mounted under /v0.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Project represents the API project model (partial).
type Project struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	RepoOwner  string `json:"repo_owner"`
	RepoName   string `json:"repo_name"`
	RepoID     *int64 `json:"repo_id,omitempty"`
	BranchName string `json:"branch_name"`
	LatestSHA  string `json:"latest_sha"`
}

type Epic struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	Status     string `json:"status"`
	BranchName string `json:"branch_name"`
	PRNumber   *int   `json:"pr_number,omitempty"`
	PRIsOpen   bool   `json:"pr_is_open"`
	PRIsMerged bool   `json:"pr_is_merged"`
}

type Task struct {
	ID                        string  `json:"id"`
	ProjectID                 string  `json:"project_id"`
	EpicID                    *string `json:"epic_id,omitempty"`
	Name                      string  `json:"name"`
	Slug                      string  `json:"slug"`
	Status                    string  `json:"status"`
	BranchName                string  `json:"branch_name"`
	PRNumber                  *int    `json:"pr_number,omitempty"`
	PRIsOpen                  bool    `json:"pr_is_open"`
	CurrentlySubmittingReview bool    `json:"currently_submitting_review"`
	ReviewValid               bool    `json:"review_valid"`
	ReviewSHA                 string  `json:"review_sha"`
	ReviewStatus              string  `json:"review_status,omitempty"`
}

// Review is the body of a review submission.
type Review struct {
	Notes        string `json:"notes,omitempty"`
	Status       string `json:"status"`
	SHA          string `json:"sha,omitempty"`
	ScratchOrgID string `json:"org,omitempty"`
	DeleteOrg    bool   `json:"delete_org,omitempty"`
}

// Event represents a change notification.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// JSON error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, c.apiPath("projects"), nil, &resp)
	return resp, err
}

// CreateProject creates a project tracking a GitHub repository.
func (c *Client) CreateProject(ctx context.Context, name, owner, repoName string, repoID int64) (Project, error) {
	body := map[string]any{
		"name":       name,
		"repo_owner": owner,
		"repo_name":  repoName,
		"repo_id":    repoID,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, c.apiPath("projects"), body, &resp)
	return resp, err
}

func (c *Client) Epics(ctx context.Context, projectID string) ([]Epic, error) {
	var resp []Epic
	err := c.do(ctx, http.MethodGet, c.apiPath("projects/%s/epics", projectID), nil, &resp)
	return resp, err
}

func (c *Client) CreateEpic(ctx context.Context, projectID, name string) (Epic, error) {
	var resp Epic
	err := c.do(ctx, http.MethodPost, c.apiPath("projects/%s/epics", projectID), map[string]any{"name": name}, &resp)
	return resp, err
}

// CreateTask creates a task, under epicID when it is not empty.
func (c *Client) CreateTask(ctx context.Context, projectID, epicID, name string) (Task, error) {
	body := map[string]any{"name": name}
	if epicID != "" {
		body["epic_id"] = epicID
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.apiPath("projects/%s/tasks", projectID), body, &resp)
	return resp, err
}

func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.apiPath("tasks/%s", id), nil, &resp)
	return resp, err
}

// SubmitReview queues a review of the task's pull request and returns the
// task as recorded when the job was queued.
func (c *Client) SubmitReview(ctx context.Context, taskID string, review Review) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.apiPath("tasks/%s/review", taskID), review, &resp)
	return resp, err
}

// RefreshCommits queues a commit refresh for one branch of the project.
func (c *Client) RefreshCommits(ctx context.Context, projectID, branch string) error {
	endpoint := c.apiPath("projects/%s/refresh-commits", projectID) + "?branch=" + url.QueryEscape(branch)
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// Events returns recent events, newest first. An empty projectID lists
// events across projects.
func (c *Client) Events(ctx context.Context, projectID string, limit int) ([]Event, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := c.apiPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DeliverWebhook posts a GitHub event payload to the webhook endpoint,
// signed with secret when it is not empty.
func (c *Client) DeliverWebhook(ctx context.Context, event, secret string, payload []byte) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+"/webhooks/github", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(payload)
		req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkResponse(resp)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}

func (c *Client) apiPath(format string, ids ...string) string {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = url.PathEscape(id)
	}
	return strings.TrimRight(c.BasePath, "/") + "/" + fmt.Sprintf(format, args...)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
