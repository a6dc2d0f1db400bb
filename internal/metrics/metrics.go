// Package metrics provides Prometheus metrics for drivemirror.
package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vonshlovens/drivemirror/internal/remote"
	"github.com/vonshlovens/drivemirror/internal/sync"
)

var (
	// Remote store metrics
	remoteCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivemirror_remote_calls_total",
			Help: "Total remote store calls",
		},
		[]string{"op", "status"},
	)

	remoteCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drivemirror_remote_call_duration_seconds",
			Help:    "Remote store call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drivemirror_remote_bytes_downloaded_total",
			Help: "Total bytes streamed from the remote store",
		},
	)

	// Crawl metrics
	crawlsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivemirror_crawls_total",
			Help: "Total crawls by outcome",
		},
		[]string{"status"},
	)

	crawlDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drivemirror_crawl_duration_seconds",
			Help:    "Full crawl duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	crawlNodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drivemirror_crawl_discovered_nodes",
			Help: "Nodes discovered by the last successful crawl",
		},
		[]string{"kind"},
	)

	lastCrawlSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drivemirror_last_crawl_success_timestamp_seconds",
			Help: "Unix time of the last successful crawl",
		},
	)

	// Mutation metrics
	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivemirror_mutations_total",
			Help: "Total mutations by operation and outcome",
		},
		[]string{"op", "status"},
	)

	mutationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drivemirror_mutation_duration_seconds",
			Help:    "Mutation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivemirror_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drivemirror_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. Paths
// are labelled by route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}

// status maps an error to a label value.
func status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, remote.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, remote.ErrRejected):
		return "rejected"
	case errors.Is(err, sync.ErrMirrorStale):
		return "stale"
	default:
		return "error"
	}
}

// Recorder feeds engine observations into the collectors. It satisfies
// sync.Metrics.
type Recorder struct{}

var _ sync.Metrics = Recorder{}

// ObserveCrawl records one crawl.
func (Recorder) ObserveCrawl(duration time.Duration, result *sync.Result, err error) {
	crawlsTotal.WithLabelValues(status(err)).Inc()
	crawlDuration.Observe(duration.Seconds())
	if err != nil {
		return
	}
	crawlNodes.WithLabelValues("file").Set(float64(result.FilesDiscovered))
	crawlNodes.WithLabelValues("folder").Set(float64(result.FoldersDiscovered))
	lastCrawlSuccess.Set(float64(result.CompletedAt.Unix()))
}

// ObserveMutation records one mutation.
func (Recorder) ObserveMutation(op string, duration time.Duration, err error) {
	mutationsTotal.WithLabelValues(op, status(err)).Inc()
	mutationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// Gateway wraps a remote.Gateway and records every call.
type Gateway struct {
	next remote.Gateway
}

var _ remote.Gateway = (*Gateway)(nil)

// Instrument returns gw wrapped with call metrics.
func Instrument(gw remote.Gateway) *Gateway {
	return &Gateway{next: gw}
}

func observe(op string, start time.Time, err error) {
	remoteCallsTotal.WithLabelValues(op, status(err)).Inc()
	remoteCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (g *Gateway) RootID(ctx context.Context) (string, error) {
	start := time.Now()
	id, err := g.next.RootID(ctx)
	observe("root", start, err)
	return id, err
}

func (g *Gateway) List(ctx context.Context, parentID string, includeTrashed bool) ([]remote.Entry, error) {
	start := time.Now()
	entries, err := g.next.List(ctx, parentID, includeTrashed)
	observe("list", start, err)
	return entries, err
}

func (g *Gateway) Get(ctx context.Context, id string) (remote.Entry, error) {
	start := time.Now()
	entry, err := g.next.Get(ctx, id)
	observe("get", start, err)
	return entry, err
}

func (g *Gateway) CreateFolder(ctx context.Context, name, parentID string) (remote.Entry, error) {
	start := time.Now()
	entry, err := g.next.CreateFolder(ctx, name, parentID)
	observe("create_folder", start, err)
	return entry, err
}

func (g *Gateway) UploadFile(ctx context.Context, localPath, name, parentID, mimeType string) (remote.Entry, error) {
	start := time.Now()
	entry, err := g.next.UploadFile(ctx, localPath, name, parentID, mimeType)
	observe("upload", start, err)
	return entry, err
}

func (g *Gateway) Rename(ctx context.Context, id, newName string) (remote.Entry, error) {
	start := time.Now()
	entry, err := g.next.Rename(ctx, id, newName)
	observe("rename", start, err)
	return entry, err
}

func (g *Gateway) Move(ctx context.Context, id, newParentID, oldParentID string) (remote.Entry, error) {
	start := time.Now()
	entry, err := g.next.Move(ctx, id, newParentID, oldParentID)
	observe("move", start, err)
	return entry, err
}

func (g *Gateway) Trash(ctx context.Context, id string) error {
	start := time.Now()
	err := g.next.Trash(ctx, id)
	observe("trash", start, err)
	return err
}

// Download counts the bytes read from the returned stream.
func (g *Gateway) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	start := time.Now()
	body, err := g.next.Download(ctx, id)
	observe("download", start, err)
	if err != nil {
		return nil, err
	}
	return &countingReader{ReadCloser: body}, nil
}

type countingReader struct {
	io.ReadCloser
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	bytesDownloaded.Add(float64(n))
	return n, err
}
