package sf_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metecho/internal/domain"
	"metecho/internal/sf"
)

func TestLatestRevisionNumbersFollowsPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer org-token", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/services/data/v58.0/tooling/query/":
			assert.Contains(t, r.URL.Query().Get("q"), "FROM SourceMember")
			fmt.Fprint(w, `{"done":false,"nextRecordsUrl":"/services/data/v58.0/tooling/query/01g-2000","records":[
{"MemberName":"Foo","MemberType":"ApexClass","RevisionCounter":3},
{"MemberName":"Bar","MemberType":"ApexClass","RevisionCounter":1}]}`)
		case "/services/data/v58.0/tooling/query/01g-2000":
			fmt.Fprint(w, `{"done":true,"records":[{"MemberName":"Account","MemberType":"CustomObject","RevisionCounter":7}]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := sf.NewREST("", "", "")
	got, err := c.LatestRevisionNumbers(context.Background(), sf.Org{InstanceURL: srv.URL, AccessToken: "org-token"})
	require.NoError(t, err)
	assert.Equal(t, domain.RevisionNumbers{
		"ApexClass":    {"Foo": 3, "Bar": 1},
		"CustomObject": {"Account": 7},
	}, got)
}

func TestDeleteOrgUsesShortID(t *testing.T) {
	var mu sync.Mutex
	var deleted []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer hub", r.Header.Get("Authorization"))
		switch r.Method {
		case http.MethodGet:
			assert.Contains(t, r.URL.Query().Get("q"), "ScratchOrg='00D000000000001'")
			fmt.Fprint(w, `{"done":true,"records":[{"Id":"2AS1"}]}`)
		case http.MethodDelete:
			mu.Lock()
			deleted = append(deleted, r.URL.Path)
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	c := sf.NewREST("58.0", srv.URL, "hub")
	require.NoError(t, c.DeleteOrg(context.Background(), "00D000000000001AAA"))
	assert.Equal(t, []string{"/services/data/v58.0/sobjects/ActiveScratchOrg/2AS1"}, deleted)
}

func TestDeleteOrgError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, `[{"message":"Short and stout"}]`)
	}))
	defer srv.Close()

	err := sf.NewREST("", srv.URL, "hub").DeleteOrg(context.Background(), "00D1")
	var apiErr *sf.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTeapot, apiErr.StatusCode)
}

func TestMissingInstanceURL(t *testing.T) {
	_, err := sf.NewREST("", "", "").LatestRevisionNumbers(context.Background(), sf.Org{})
	assert.Error(t, err)
}
