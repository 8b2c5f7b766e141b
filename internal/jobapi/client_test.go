package jobapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobstream/internal/id/uuid"
)

const jobID = "3f2504e0-4f89-41d3-9a0c-0305e82c3301"

func newClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	c, err := New(srv.URL, append([]Option{WithHTTPClient(srv.Client())}, opts...)...)
	require.NoError(t, err)
	return c
}

// TestSubmitPostsMultipartForm checks fields and files arrive and the job id
// is returned.
func TestSubmitPostsMultipartForm(t *testing.T) {
	t.Parallel()

	type seen struct {
		method, path, country, high string
		file                        []byte
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, _, err := r.FormFile("oldfile")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		got <- seen{method: r.Method, path: r.URL.Path, country: r.FormValue("country"), high: r.FormValue(HighDeletionsField), file: data}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"client_uuid":"`+jobID+`","mode_count":3}`)
	}))
	defer srv.Close()

	c := newClient(t, srv)
	p := Payload{
		Fields: url.Values{"country": {"BM"}},
		Files:  []File{{Field: "oldfile", Name: "old.csv", Data: []byte("a,b\n1,2\n")}},
	}
	sub, err := c.Submit(context.Background(), p.WithHighDeletionsOK())
	require.NoError(t, err)
	require.Equal(t, Submission{JobID: jobID, UnitCount: 3}, sub)

	req := <-got
	require.Equal(t, http.MethodPost, req.method)
	require.Equal(t, "/result", req.path)
	require.Equal(t, "BM", req.country)
	require.Equal(t, "true", req.high)
	require.Equal(t, "a,b\n1,2\n", string(req.file))
	require.Empty(t, p.Fields.Get(HighDeletionsField))
}

// TestSubmitRejectsInvalidID refuses identities outside the job id pattern.
func TestSubmitRejectsInvalidID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"client_uuid":"undefined","mode_count":1}`)
	}))
	defer srv.Close()

	_, err := newClient(t, srv).Submit(context.Background(), Payload{})
	require.ErrorIs(t, err, ErrInvalidJobID)
}

// TestSubmitNon2xx surfaces the status as ErrSubmitRejected.
func TestSubmitNon2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad form", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newClient(t, srv).Submit(context.Background(), Payload{})
	require.ErrorIs(t, err, ErrSubmitRejected)
}

// TestAbort sends the identity as JSON with DELETE and maps failures.
func TestAbort(t *testing.T) {
	t.Parallel()

	var status atomic.Int32
	status.Store(http.StatusOK)
	bodies := make(chan abortRequest, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/abort", r.URL.Path)
		var body abortRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies <- body
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c := newClient(t, srv)
	require.NoError(t, c.Abort(context.Background(), jobID))
	require.Equal(t, jobID, (<-bodies).JobID)

	status.Store(http.StatusInternalServerError)
	require.ErrorIs(t, c.Abort(context.Background(), jobID), ErrAbortRejected)
	<-bodies

	require.ErrorIs(t, c.Abort(context.Background(), "nope"), ErrInvalidJobID)
}

// TestAbortNetworkFailure maps transport errors to ErrAbortRejected.
func TestAbortNetworkFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	c := newClient(t, srv)
	srv.Close()
	require.ErrorIs(t, c.Abort(context.Background(), jobID), ErrAbortRejected)
}

// TestRequestBuilders covers status, inline and download URLs.
func TestRequestBuilders(t *testing.T) {
	t.Parallel()

	c, err := New("http://backend.local/api/", WithPaths(Paths{Status: "/longtask_status"}))
	require.NoError(t, err)

	req := c.StatusRequest(jobID)
	require.Equal(t, http.MethodGet, req.Method)
	require.Equal(t, "http://backend.local/api/longtask_status/"+jobID, req.URL)
	require.Nil(t, req.Body)

	require.Equal(t, "http://backend.local/api/download/abc123/result.xlsx", c.ResultURL("abc123/result.xlsx"))

	inline, id, err := c.InlineRequest(Payload{Fields: url.Values{"modes": {"highway"}}})
	require.NoError(t, err)
	require.True(t, uuid.Valid(id))
	require.Equal(t, http.MethodPost, inline.Method)
	require.Equal(t, "http://backend.local/api/result", inline.URL)
	require.Contains(t, inline.Header.Get("Content-Type"), "multipart/form-data")
	require.Contains(t, string(inline.Body), id)
	require.Contains(t, string(inline.Body), "highway")
}

// TestNewRejectsRelativeBase requires an absolute base URL.
func TestNewRejectsRelativeBase(t *testing.T) {
	t.Parallel()

	_, err := New("/relative")
	require.Error(t, err)
}
