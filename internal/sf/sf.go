// Package sf talks to Salesforce: the Tooling API of a scratch org and the
// devhub that owns it.
package sf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"metecho/internal/domain"
)

// Org is the connection info for one scratch org.
type Org struct {
	ID          string
	InstanceURL string
	AccessToken string
}

type Client interface {
	// LatestRevisionNumbers returns the current SourceMember revision
	// counters of org, keyed by member type then member name.
	LatestRevisionNumbers(ctx context.Context, org Org) (domain.RevisionNumbers, error)
	// DeleteOrg removes the scratch org from the devhub. Deleting an org the
	// devhub no longer knows is not an error.
	DeleteOrg(ctx context.Context, orgID string) error
}

const DefaultAPIVersion = "58.0"

const revisionQuery = "SELECT MemberName, MemberType, RevisionCounter FROM SourceMember WHERE IsNameObsolete=false"

// REST is a Client over the Salesforce REST and Tooling APIs.
type REST struct {
	APIVersion        string
	DevHubInstanceURL string
	DevHubToken       string
	HTTPClient        *http.Client
	Timeout           time.Duration
}

func NewREST(apiVersion, devhubInstanceURL, devhubToken string) *REST {
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	return &REST{
		APIVersion:        apiVersion,
		DevHubInstanceURL: devhubInstanceURL,
		DevHubToken:       devhubToken,
		Timeout:           30 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("salesforce %s: status=%d body=%s", e.Path, e.StatusCode, e.Body)
}

type sourceMember struct {
	MemberName      string `json:"MemberName"`
	MemberType      string `json:"MemberType"`
	RevisionCounter int    `json:"RevisionCounter"`
}

type queryResult[T any] struct {
	Done           bool   `json:"done"`
	NextRecordsURL string `json:"nextRecordsUrl"`
	Records        []T    `json:"records"`
}

func (c *REST) LatestRevisionNumbers(ctx context.Context, org Org) (domain.RevisionNumbers, error) {
	out := domain.RevisionNumbers{}
	endpoint := c.dataPath("tooling/query/?q=" + url.QueryEscape(revisionQuery))
	for endpoint != "" {
		var page queryResult[sourceMember]
		if err := c.do(ctx, org.InstanceURL, org.AccessToken, http.MethodGet, endpoint, &page); err != nil {
			return nil, err
		}
		for _, m := range page.Records {
			if out[m.MemberType] == nil {
				out[m.MemberType] = map[string]int{}
			}
			out[m.MemberType][m.MemberName] = m.RevisionCounter
		}
		endpoint = ""
		if !page.Done {
			endpoint = page.NextRecordsURL
		}
	}
	return out, nil
}

type activeScratchOrg struct {
	ID string `json:"Id"`
}

func (c *REST) DeleteOrg(ctx context.Context, orgID string) error {
	if orgID == "" {
		return fmt.Errorf("delete org: org id required")
	}
	// ActiveScratchOrg.ScratchOrg stores the 15 character id.
	short := orgID
	if len(short) > 15 {
		short = short[:15]
	}
	q := fmt.Sprintf("SELECT Id FROM ActiveScratchOrg WHERE ScratchOrg='%s'", strings.ReplaceAll(short, "'", ""))
	var res queryResult[activeScratchOrg]
	if err := c.do(ctx, c.DevHubInstanceURL, c.DevHubToken, http.MethodGet, c.dataPath("query/?q="+url.QueryEscape(q)), &res); err != nil {
		return err
	}
	for _, rec := range res.Records {
		if err := c.do(ctx, c.DevHubInstanceURL, c.DevHubToken, http.MethodDelete, c.dataPath("sobjects/ActiveScratchOrg/"+url.PathEscape(rec.ID)), nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *REST) dataPath(rest string) string {
	v := c.APIVersion
	if v == "" {
		v = DefaultAPIVersion
	}
	return fmt.Sprintf("/services/data/v%s/%s", v, rest)
}

func (c *REST) do(ctx context.Context, instanceURL, token, method, endpoint string, out any) error {
	if instanceURL == "" {
		return fmt.Errorf("salesforce %s: instance url not configured", endpoint)
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(instanceURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, &bytes.Buffer{})
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Path: endpoint, Body: strings.TrimSpace(string(b))}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

var _ Client = (*REST)(nil)
