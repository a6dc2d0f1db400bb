package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/drivemirror/internal/remote"
	"github.com/vonshlovens/drivemirror/internal/remote/memstore"
	"github.com/vonshlovens/drivemirror/internal/sync"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestStatus(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{remote.Unavailable("list", "x", nil), "unavailable"},
		{remote.Rejected("list", "x", nil), "rejected"},
		{sync.ErrMirrorStale, "stale"},
		{errors.New("boom"), "error"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, status(tt.err))
	}
}

func TestGateway_RecordsCalls(t *testing.T) {
	store := memstore.New()
	id := store.SeedFile("a.txt", "", "text/plain", []byte("12345"))
	gw := Instrument(store)
	ctx := context.Background()

	_, err := gw.List(ctx, "", true)
	require.NoError(t, err)

	store.FailNext("rename", remote.Rejected("rename", id, nil))
	_, err = gw.Rename(ctx, id, "b.txt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, remote.ErrRejected))

	body, err := gw.Download(ctx, id)
	require.NoError(t, err)
	content, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, "12345", string(content))

	out := scrape(t)
	assert.Contains(t, out, `drivemirror_remote_calls_total{op="list",status="ok"}`)
	assert.Contains(t, out, `drivemirror_remote_calls_total{op="rename",status="rejected"}`)
	assert.Contains(t, out, `drivemirror_remote_calls_total{op="download",status="ok"}`)
	assert.Contains(t, out, "drivemirror_remote_bytes_downloaded_total")
}

func TestRecorder(t *testing.T) {
	r := Recorder{}
	now := time.Now()

	r.ObserveCrawl(time.Second, &sync.Result{FilesDiscovered: 7, FoldersDiscovered: 3, CompletedAt: now}, nil)
	r.ObserveMutation("rename", 10*time.Millisecond, nil)
	r.ObserveMutation("move", 10*time.Millisecond, remote.Unavailable("move", "x", nil))

	out := scrape(t)
	assert.Contains(t, out, `drivemirror_crawls_total{status="ok"}`)
	assert.Contains(t, out, `drivemirror_crawl_discovered_nodes{kind="file"} 7`)
	assert.Contains(t, out, `drivemirror_crawl_discovered_nodes{kind="folder"} 3`)
	assert.Contains(t, out, `drivemirror_mutations_total{op="move",status="unavailable"}`)
	assert.True(t, strings.Contains(out, `drivemirror_mutations_total{op="rename",status="ok"}`))
}

func TestRecordHTTPRequest(t *testing.T) {
	RecordHTTPRequest("GET", "/api/nodes", 200, 5*time.Millisecond)

	assert.Contains(t, scrape(t), `drivemirror_http_requests_total{method="GET",path="/api/nodes",status="200"}`)
}

func TestMiddleware_LabelsByPattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/nodes/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := Middleware(mux)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/nodes/42", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	assert.Contains(t, scrape(t), `drivemirror_http_requests_total{method="GET",path="GET /api/v1/nodes/{id}",status="418"}`)
}
