// Package api provides the HTTP request layer over the sync engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vonshlovens/drivemirror/internal/audit"
	"github.com/vonshlovens/drivemirror/internal/metrics"
	"github.com/vonshlovens/drivemirror/internal/remote"
	"github.com/vonshlovens/drivemirror/internal/sync"
	"github.com/vonshlovens/drivemirror/internal/tree"
)

// ActorHeader carries the id of the authenticated caller. Authentication
// itself happens in front of this server.
const ActorHeader = "X-Actor-ID"

// DefaultMaxUploadSize bounds multipart upload bodies.
const DefaultMaxUploadSize = 512 << 20

// Server serves the mirror over HTTP.
type Server struct {
	engine        *sync.Engine
	logger        *slog.Logger
	maxUploadSize int64
}

// NewServer creates a new server over engine.
func NewServer(engine *sync.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:        engine,
		logger:        logger,
		maxUploadSize: DefaultMaxUploadSize,
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	// Browse
	mux.HandleFunc("GET /api/v1/nodes", s.handleList)
	mux.HandleFunc("GET /api/v1/nodes/{id}", s.handleShow)
	mux.HandleFunc("GET /api/v1/files/{id}/download", s.handleDownload)

	// Mutations
	mux.HandleFunc("POST /api/v1/folders", s.handleCreateFolder)
	mux.HandleFunc("POST /api/v1/files", s.handleUpload)
	mux.HandleFunc("PATCH /api/v1/nodes/{id}", s.handleRename)
	mux.HandleFunc("POST /api/v1/nodes/{id}/move", s.handleMove)
	mux.HandleFunc("DELETE /api/v1/nodes/{id}", s.handleTrash)

	// Sync
	mux.HandleFunc("POST /api/v1/sync", s.handleSync)
	mux.HandleFunc("GET /api/v1/sync/status", s.handleSyncStatus)

	return metrics.Middleware(s.logRequests(mux))
}

// nodeResponse is a node as rendered to clients.
type nodeResponse struct {
	*tree.Node
	FormattedSize string `json:"formatted_size"`
}

func render(n *tree.Node) nodeResponse {
	return nodeResponse{Node: n, FormattedSize: tree.FormatSize(n.SizeBytes)}
}

func renderAll(nodes []*tree.Node) []nodeResponse {
	out := make([]nodeResponse, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, render(n))
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleList handles GET /api/v1/nodes?parent_id=&q=&trashed=
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	parent, err := parseOptionalID(query.Get("parent_id"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	includeTrashed, _ := strconv.ParseBool(query.Get("trashed"))

	nodes, err := s.engine.ListChildren(r.Context(), sync.ListOptions{
		Parent:         parent,
		Term:           query.Get("q"),
		IncludeTrashed: includeTrashed,
	})
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"data": renderAll(nodes)})
}

// handleShow handles GET /api/v1/nodes/{id}
func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	view, err := s.engine.GetNode(r.Context(), id)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"node":        render(view.Node),
		"breadcrumbs": view.Breadcrumbs,
		"children":    renderAll(view.Children),
	})
}

// handleDownload streams file content. The request context bounds the
// remote transfer, so a disconnecting client stops it.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	node, body, err := s.engine.Download(r.Context(), id)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	defer body.Close()

	contentType := "application/octet-stream"
	if node.MimeType != nil && *node.MimeType != "" {
		contentType = *node.MimeType
	}
	w.Header().Set("Content-Type", contentType)
	// No Content-Length: the mirrored size may lag the remote content.
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": node.Name}))

	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("Download interrupted", "local_id", id, "error", err)
	}
}

type createFolderRequest struct {
	Name     string `json:"name"`
	ParentID *int64 `json:"parent_id"`
}

// handleCreateFolder handles POST /api/v1/folders
func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req createFolderRequest
	if !s.decode(w, r, &req) {
		return
	}

	node, err := s.engine.CreateFolder(withActor(r), req.Name, req.ParentID)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, render(node))
}

// handleUpload handles multipart POST /api/v1/files with a "file" part and
// optional "parent_id", "name" and "mime_type" fields.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	part, header, err := r.FormFile("file")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer part.Close()

	parent, err := parseOptionalID(r.FormValue("parent_id"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	tmp, err := os.CreateTemp("", "drivemirror-upload-*")
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to stage upload")
		return
	}
	defer os.Remove(tmp.Name())

	_, err = io.Copy(tmp, part)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to stage upload")
		return
	}

	name := r.FormValue("name")
	if name == "" {
		name = header.Filename
	}
	mimeType := r.FormValue("mime_type")
	if ct := header.Header.Get("Content-Type"); mimeType == "" && ct != "application/octet-stream" {
		mimeType = ct
	}

	node, err := s.engine.Upload(withActor(r), tmp.Name(), name, parent, mimeType)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, render(node))
}

type renameRequest struct {
	Name string `json:"name"`
}

// handleRename handles PATCH /api/v1/nodes/{id}
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req renameRequest
	if !s.decode(w, r, &req) {
		return
	}

	node, err := s.engine.Rename(withActor(r), id, req.Name)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, render(node))
}

type moveRequest struct {
	ParentID *int64 `json:"parent_id"`
}

// handleMove handles POST /api/v1/nodes/{id}/move. A null parent_id moves
// the node to the root.
func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req moveRequest
	if !s.decode(w, r, &req) {
		return
	}

	node, err := s.engine.Move(withActor(r), id, req.ParentID)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, render(node))
}

// handleTrash handles DELETE /api/v1/nodes/{id}
func (s *Server) handleTrash(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	node, err := s.engine.Trash(withActor(r), id)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, render(node))
}

// handleSync runs a full crawl within the request.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Sync(withActor(r))
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.Context())
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, status)
}

func withActor(r *http.Request) context.Context {
	return audit.WithActor(r.Context(), strings.TrimSpace(r.Header.Get(ActorHeader)))
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.sendError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func parseOptionalID(raw string) (*int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("invalid parent_id %q", raw)
	}
	return &id, nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tree.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tree.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, tree.ErrInvalidParent),
		errors.Is(err, tree.ErrInvalidMove),
		errors.Is(err, tree.ErrInvalidName),
		errors.Is(err, sync.ErrLocalFile),
		errors.Is(err, remote.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, remote.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendEngineError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	s.sendError(w, code, err.Error())
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, errorResponse{Error: message, Code: code})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Debug("Request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"actor", r.Header.Get(ActorHeader),
			"duration", time.Since(start))
	})
}
