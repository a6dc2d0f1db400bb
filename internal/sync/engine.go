package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/vonshlovens/drivemirror/internal/audit"
	"github.com/vonshlovens/drivemirror/internal/config"
	"github.com/vonshlovens/drivemirror/internal/remote"
	"github.com/vonshlovens/drivemirror/internal/tree"
)

var (
	// ErrMirrorStale is returned when the remote store accepted a mutation
	// but the mirror could not be updated. The next full crawl repairs it.
	ErrMirrorStale = errors.New("mirror is stale")

	// ErrMaxDepth is returned when a crawl descends past sync.max_depth.
	ErrMaxDepth = errors.New("maximum crawl depth exceeded")

	// ErrLocalFile is returned when an upload's source cannot be read.
	ErrLocalFile = errors.New("unreadable local file")
)

// Result summarizes a completed crawl
type Result struct {
	FilesDiscovered   int       `json:"files_discovered"`
	FoldersDiscovered int       `json:"folders_discovered"`
	TrashedUnseen     int64     `json:"trashed_unseen"`
	Ignored           int       `json:"ignored"`
	StartedAt         time.Time `json:"started_at"`
	CompletedAt       time.Time `json:"completed_at"`
}

// Duration returns how long the crawl took
func (r *Result) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Progress is reported after every entry a crawl mirrors
type Progress struct {
	Path    string
	Files   int
	Folders int
	Pending int
}

// Metrics receives crawl and mutation observations
type Metrics interface {
	ObserveCrawl(duration time.Duration, result *Result, err error)
	ObserveMutation(op string, duration time.Duration, err error)
}

// Engine reconciles the mirror with the remote store and coordinates
// mutations against both
type Engine struct {
	gateway  remote.Gateway
	mirror   Mirror
	cfg      config.SyncConfig
	audit    audit.Sink
	state    *StateTracker
	metrics  Metrics
	progress func(Progress)
	now      func() time.Time
	logger   *slog.Logger

	flight singleflight.Group
}

// Option configures an Engine
type Option func(*Engine)

// WithAuditSink sets where mutation notifications are sent
func WithAuditSink(sink audit.Sink) Option {
	return func(e *Engine) { e.audit = sink }
}

// WithStateTracker persists crawl records
func WithStateTracker(st *StateTracker) Option {
	return func(e *Engine) { e.state = st }
}

// WithMetrics sets the metrics observer
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithProgress sets a crawl progress callback
func WithProgress(fn func(Progress)) Option {
	return func(e *Engine) { e.progress = fn }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates a new engine over the given gateway and mirror
func NewEngine(gateway remote.Gateway, mirror Mirror, cfg config.SyncConfig, opts ...Option) *Engine {
	e := &Engine{
		gateway: gateway,
		mirror:  mirror,
		cfg:     cfg,
		audit:   audit.Discard{},
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.MaxDepth <= 0 {
		e.cfg.MaxDepth = config.DefaultConfig().Sync.MaxDepth
	}
	return e
}

// Sync crawls the whole remote tree and upserts every entry into the
// mirror. Concurrent callers share a single crawl.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	v, err, shared := e.flight.Do("crawl", func() (any, error) {
		return e.crawl(ctx)
	})
	if shared {
		e.logger.Debug("Joined running crawl")
	}
	if err != nil {
		return nil, err
	}
	result := *v.(*Result)
	return &result, nil
}

func (e *Engine) crawl(ctx context.Context) (*Result, error) {
	start := e.now().UTC()
	runID := uuid.NewString()
	logger := e.logger.With("crawl_id", runID)

	logger.Info("Starting crawl", "max_depth", e.cfg.MaxDepth)
	if e.state != nil {
		e.state.BeginCrawl(runID, start)
	}

	result, err := e.walk(ctx, start, logger)
	if err == nil && e.cfg.TrashUnseen {
		var n int64
		n, err = e.mirror.TrashUnseen(ctx, start)
		if err != nil {
			err = fmt.Errorf("failed to trash unseen nodes: %w", err)
		}
		result.TrashedUnseen = n
	}
	result.CompletedAt = e.now().UTC()

	if e.state != nil {
		e.state.FinishCrawl(result, err)
		if saveErr := e.state.Save(); saveErr != nil {
			logger.Warn("Failed to save crawl state", "error", saveErr)
		}
	}
	if e.metrics != nil {
		e.metrics.ObserveCrawl(result.Duration(), result, err)
	}

	if err != nil {
		logger.Error("Crawl aborted",
			"files", result.FilesDiscovered,
			"folders", result.FoldersDiscovered,
			"error", err)
		return nil, err
	}

	logger.Info("Crawl completed",
		"files", result.FilesDiscovered,
		"folders", result.FoldersDiscovered,
		"trashed_unseen", result.TrashedUnseen,
		"ignored", result.Ignored,
		"duration", result.Duration())

	e.emit(ctx, audit.NewEvent(ctx, audit.ActionSyncCompleted, nil, "", map[string]any{
		"files":   result.FilesDiscovered,
		"folders": result.FoldersDiscovered,
	}))

	return result, nil
}

// crawlItem is a remote folder waiting to be listed
type crawlItem struct {
	remoteID string
	parent   *int64
	path     string
	depth    int
}

func (e *Engine) walk(ctx context.Context, start time.Time, logger *slog.Logger) (*Result, error) {
	result := &Result{StartedAt: start}

	rootID, err := e.gateway.RootID(ctx)
	if err != nil {
		return result, err
	}

	queue := []crawlItem{{remoteID: rootID}}
	descended := map[string]bool{rootID: true}
	counted := make(map[string]bool)

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		item := queue[0]
		queue = queue[1:]

		entries, err := e.gateway.List(ctx, item.remoteID, true)
		if err != nil {
			return result, err
		}

		for _, entry := range entries {
			entryPath := path.Join(item.path, entry.Name)
			if e.ignored(entryPath) {
				logger.Debug("Ignoring entry", "path", entryPath, "remote_id", entry.ID)
				result.Ignored++
				continue
			}

			node, descend, err := e.reconcile(ctx, entry, item.parent, start, logger)
			if err != nil {
				return result, err
			}

			if !counted[entry.ID] {
				counted[entry.ID] = true
				if node.IsFolder() {
					result.FoldersDiscovered++
				} else {
					result.FilesDiscovered++
				}
			}

			if descend && !descended[entry.ID] {
				descended[entry.ID] = true
				if item.depth+1 > e.cfg.MaxDepth {
					return result, fmt.Errorf("%w: %s", ErrMaxDepth, entryPath)
				}
				queue = append(queue, crawlItem{
					remoteID: entry.ID,
					parent:   tree.ID(node.LocalID),
					path:     entryPath,
					depth:    item.depth + 1,
				})
			}

			if e.progress != nil {
				e.progress(Progress{
					Path:    entryPath,
					Files:   result.FilesDiscovered,
					Folders: result.FoldersDiscovered,
					Pending: len(queue),
				})
			}
		}
	}

	return result, nil
}

// reconcile upserts one discovered entry under parent and reports whether
// the crawl should descend into it
func (e *Engine) reconcile(ctx context.Context, entry remote.Entry, parent *int64, seenAt time.Time, logger *slog.Logger) (*tree.Node, bool, error) {
	kind := tree.KindFromMime(entry.MimeType)
	descend := kind == tree.KindFolder && !entry.Trashed

	existing, err := e.mirror.FindByRemoteID(ctx, entry.ID)
	if err != nil {
		return nil, false, err
	}

	if existing != nil {
		if existing.Kind != kind {
			logger.Warn("Remote entry changed kind, keeping mirrored kind",
				"remote_id", entry.ID,
				"local_id", existing.LocalID,
				"mirrored", existing.Kind,
				"reported", kind)
			kind = existing.Kind
			descend = false
		}

		// A folder that moved under one of its own descendants would close
		// a loop in the mirror
		if existing.IsFolder() && parent != nil && !sameParent(existing.ParentLocalID, parent) {
			cyclic, err := tree.IsDescendant(ctx, e.mirror.FindByLocalID, *parent, existing.LocalID)
			if err != nil {
				return nil, false, err
			}
			if cyclic {
				return nil, false, tree.NewError("sync", tree.ID(existing.LocalID), tree.ErrInvalidMove)
			}
		}
	}

	node, err := e.mirror.Upsert(ctx, tree.Attributes{
		RemoteID:         entry.ID,
		Name:             entry.Name,
		Kind:             kind,
		ParentLocalID:    parent,
		SizeBytes:        entry.SizeBytes,
		MimeType:         optional(entry.MimeType),
		Trashed:          entry.Trashed,
		RemoteCreatedAt:  entry.CreatedAt,
		RemoteModifiedAt: entry.ModifiedAt,
		SeenAt:           seenAt,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to mirror %s: %w", entry.ID, err)
	}

	return node, descend, nil
}

func (e *Engine) ignored(p string) bool {
	for _, pattern := range e.cfg.IgnorePatterns {
		if matched, _ := doublestar.Match(pattern, p); matched {
			return true
		}
	}
	return false
}

// emit sends an audit event. Failures are logged and never returned.
func (e *Engine) emit(ctx context.Context, event audit.Event) {
	if err := e.audit.Record(ctx, event); err != nil {
		e.logger.Warn("Failed to record audit event",
			"action", event.Action,
			"event_id", event.ID,
			"error", err)
	}
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
