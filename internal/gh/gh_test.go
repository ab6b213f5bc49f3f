package gh_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metecho/internal/gh"
)

func TestParseRef(t *testing.T) {
	cases := []struct {
		ref  string
		kind gh.RefKind
		name string
	}{
		{"refs/heads/feature/foo", gh.RefBranch, "feature/foo"},
		{"refs/tags/v1.0", gh.RefTag, "v1.0"},
		{"refs/heads/", gh.RefUnknown, ""},
		{"refs/pull/1/head", gh.RefUnknown, ""},
		{"main", gh.RefUnknown, ""},
	}
	for _, c := range cases {
		kind, name := gh.ParseRef(c.ref)
		assert.Equal(t, c.kind, kind, c.ref)
		assert.Equal(t, c.name, name, c.ref)
	}
}

// newRESTServer serves repository 42 as octo/metecho and routes the rest
// to mux. lookups counts repository-by-id requests.
func newRESTServer(t *testing.T, token string, mux *http.ServeMux) (*gh.REST, *atomic.Int32) {
	t.Helper()
	lookups := &atomic.Int32{}
	mux.HandleFunc("GET /repositories/42", func(w http.ResponseWriter, r *http.Request) {
		lookups.Add(1)
		fmt.Fprint(w, `{"id":42,"name":"metecho","full_name":"octo/metecho","default_branch":"main","owner":{"login":"octo"}}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := gh.NewREST(srv.URL, token)
	require.NoError(t, err)
	return c, lookups
}

func TestRESTRepositoryResolvesOnce(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octo/metecho/branches/main", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name":"main","commit":{"sha":"abc123"}}`)
	})
	c, lookups := newRESTServer(t, "", mux)
	ctx := context.Background()

	r, err := c.Repository(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "octo", r.Owner.Login)
	assert.Equal(t, "main", r.DefaultBranch)

	for i := 0; i < 2; i++ {
		b, err := c.Branch(ctx, 42, "main")
		require.NoError(t, err)
		assert.Equal(t, "abc123", b.Commit.SHA)
	}
	assert.EqualValues(t, 1, lookups.Load())
}

func TestRESTCommitsFlattensAuthor(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octo/metecho/commits", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "feature/x", r.URL.Query().Get("sha"))
		assert.Equal(t, "10", r.URL.Query().Get("per_page"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		fmt.Fprint(w, `[{"sha":"abc","html_url":"https://h/abc","commit":{"message":"msg","author":{"name":"N","email":"e@x","date":"2024-01-01T00:00:00Z"}},"author":{"login":"octo","avatar_url":"https://a"}},
{"sha":"def","commit":{"message":"m2","author":{"name":"Anon","email":"a@x"}},"author":null}]`)
	})
	c, _ := newRESTServer(t, "tok", mux)

	commits, err := c.Commits(context.Background(), 42, "feature/x", 10)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, gh.Commit{SHA: "abc", Message: "msg", AuthorName: "N", AuthorEmail: "e@x", AuthorLogin: "octo", AvatarURL: "https://a", Timestamp: "2024-01-01T00:00:00Z", HTMLURL: "https://h/abc"}, commits[0])
	assert.Empty(t, commits[1].AuthorLogin)
	assert.Empty(t, commits[1].Timestamp)
}

func TestRESTCreatePullRequest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/octo/metecho/pulls", func(w http.ResponseWriter, r *http.Request) {
		var body gh.NewPullRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "task-branch", body.Head)
		assert.Equal(t, "main", body.Base)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"number":12,"state":"open","html_url":"https://pr/12"}`)
	})
	c, _ := newRESTServer(t, "", mux)

	pr, err := c.CreatePullRequest(context.Background(), 42, gh.NewPullRequest{Title: "T", Head: "task-branch", Base: "main"})
	require.NoError(t, err)
	assert.Equal(t, 12, pr.Number)
	assert.Equal(t, "open", pr.State)
}

func TestRESTCreateReview(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/octo/metecho/pulls/7/reviews", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "abc", body["commit_id"])
		assert.Equal(t, gh.ReviewApprove, body["event"])
		fmt.Fprint(w, `{"id":1}`)
	})
	c, _ := newRESTServer(t, "", mux)

	require.NoError(t, c.CreateReview(context.Background(), 42, 7, gh.Review{CommitSHA: "abc", Event: gh.ReviewApprove}))
}

func TestRESTCollaboratorsPaginates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octo/metecho/collaborators", func(w http.ResponseWriter, r *http.Request) {
		var out []gh.Collaborator
		if r.URL.Query().Get("page") == "2" {
			out = []gh.Collaborator{{ID: 100, Login: "last", Permissions: map[string]bool{"push": true}}}
		} else {
			for i := 0; i < 100; i++ {
				out = append(out, gh.Collaborator{ID: int64(i), Login: fmt.Sprintf("u%d", i)})
			}
			w.Header().Set("Link", fmt.Sprintf(`<http://%s/repos/octo/metecho/collaborators?per_page=100&page=2>; rel="next"`, r.Host))
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	c, _ := newRESTServer(t, "", mux)

	all, err := c.Collaborators(context.Background(), 42)
	require.NoError(t, err)
	assert.Len(t, all, 101)
	assert.Equal(t, "last", all[100].Login)
	assert.True(t, all[100].Permissions["push"])
}

func TestRESTReposForUserUsesCallerToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /user/repos", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		fmt.Fprint(w, `[{"id":5,"html_url":"https://github.com/octo/five","permissions":{"admin":false,"push":true}}]`)
	})
	c, _ := newRESTServer(t, "service-token", mux)

	repos, err := c.ReposForUser(context.Background(), "user-token")
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, int64(5), repos[0].ID)
	assert.True(t, repos[0].Permissions["push"])
}

func TestRESTErrorStatusDropsCachedName(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octo/metecho/branches/nope", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
	})
	c, lookups := newRESTServer(t, "", mux)

	for i := 0; i < 2; i++ {
		_, err := c.Branch(context.Background(), 42, "nope")
		var apiErr *gh.APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
		assert.Equal(t, http.MethodGet, apiErr.Method)
		assert.Contains(t, apiErr.Body, "Not Found")
	}
	assert.EqualValues(t, 2, lookups.Load())
}
