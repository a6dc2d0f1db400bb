// Package memstore is an in-memory remote.Gateway. It backs tests and
// dry runs, and can be told to fail specific calls.
package memstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vonshlovens/drivemirror/internal/remote"
	"github.com/vonshlovens/drivemirror/internal/tree"
)

// RootID is the identifier of the store's root folder.
const RootID = "root"

type node struct {
	entry   remote.Entry
	parent  string
	content []byte
}

// Store is a thread-safe in-memory tree.
type Store struct {
	mu       sync.Mutex
	nodes    map[string]*node
	calls    map[string]int
	failures map[string][]error
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for created/modified timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New returns an empty store containing only the root folder.
func New(opts ...Option) *Store {
	s := &Store{
		nodes:    make(map[string]*node),
		calls:    make(map[string]int),
		failures: make(map[string][]error),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.nodes[RootID] = &node{entry: remote.Entry{ID: RootID, Name: "My Drive", MimeType: tree.FolderMimeType}}
	return s
}

// FailNext makes the next call of op return err. Errors queue per op.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// Calls returns how many times op was invoked, failed calls included.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// SeedFolder adds a folder without counting as a gateway call.
func (s *Store) SeedFolder(name, parentID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(name, s.resolveParent(parentID), tree.FolderMimeType, nil).entry.ID
}

// SeedFile adds a file without counting as a gateway call.
func (s *Store) SeedFile(name, parentID, mimeType string, content []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(name, s.resolveParent(parentID), mimeType, content).entry.ID
}

// Mutate edits an entry in place, simulating a change made outside the mirror.
func (s *Store) Mutate(id string, fn func(*remote.Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		fn(&n.entry)
	}
}

// Remove deletes an entry and its subtree, simulating a permanent delete.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(id)
}

func (s *Store) remove(id string) {
	for childID, n := range s.nodes {
		if n.parent == id {
			s.remove(childID)
		}
	}
	delete(s.nodes, id)
}

// ParentOf returns the parent id of an entry, for assertions.
func (s *Store) ParentOf(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		return n.parent
	}
	return ""
}

func (s *Store) RootID(ctx context.Context) (string, error) {
	if err := s.begin(ctx, "root", ""); err != nil {
		return "", err
	}
	return RootID, nil
}

func (s *Store) List(ctx context.Context, parentID string, includeTrashed bool) ([]remote.Entry, error) {
	parentID = s.resolveParentLocked(parentID)
	if err := s.begin(ctx, "list", parentID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.nodes[parentID]
	if !ok || parent.entry.MimeType != tree.FolderMimeType {
		return nil, remote.Rejected("list", parentID, errors.New("folder not found"))
	}

	var entries []remote.Entry
	for _, n := range s.nodes {
		if n.parent != parentID || n.entry.ID == RootID {
			continue
		}
		if n.entry.Trashed && !includeTrashed {
			continue
		}
		entries = append(entries, n.entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

func (s *Store) Get(ctx context.Context, id string) (remote.Entry, error) {
	if err := s.begin(ctx, "get", id); err != nil {
		return remote.Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return remote.Entry{}, remote.Rejected("get", id, errors.New("file not found"))
	}
	return n.entry, nil
}

func (s *Store) CreateFolder(ctx context.Context, name, parentID string) (remote.Entry, error) {
	parentID = s.resolveParentLocked(parentID)
	if err := s.begin(ctx, "create_folder", parentID); err != nil {
		return remote.Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFolder("create_folder", parentID); err != nil {
		return remote.Entry{}, err
	}
	return s.insert(name, parentID, tree.FolderMimeType, nil).entry, nil
}

func (s *Store) UploadFile(ctx context.Context, localPath, name, parentID, mimeType string) (remote.Entry, error) {
	parentID = s.resolveParentLocked(parentID)
	if err := s.begin(ctx, "upload", parentID); err != nil {
		return remote.Entry{}, err
	}

	content, err := os.ReadFile(localPath)
	if err != nil {
		return remote.Entry{}, remote.Rejected("upload", "", err)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFolder("upload", parentID); err != nil {
		return remote.Entry{}, err
	}
	return s.insert(name, parentID, mimeType, content).entry, nil
}

func (s *Store) Rename(ctx context.Context, id, newName string) (remote.Entry, error) {
	if err := s.begin(ctx, "rename", id); err != nil {
		return remote.Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok || id == RootID {
		return remote.Entry{}, remote.Rejected("rename", id, errors.New("file not found"))
	}
	n.entry.Name = newName
	n.entry.ModifiedAt = s.stamp()
	return n.entry, nil
}

func (s *Store) Move(ctx context.Context, id, newParentID, oldParentID string) (remote.Entry, error) {
	newParentID = s.resolveParentLocked(newParentID)
	if err := s.begin(ctx, "move", id); err != nil {
		return remote.Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok || id == RootID {
		return remote.Entry{}, remote.Rejected("move", id, errors.New("file not found"))
	}
	if oldParentID != "" && oldParentID != n.parent {
		return remote.Entry{}, remote.Rejected("move", id, fmt.Errorf("%s is not a parent", oldParentID))
	}
	if err := s.checkFolder("move", newParentID); err != nil {
		return remote.Entry{}, err
	}

	n.parent = newParentID
	n.entry.ModifiedAt = s.stamp()
	return n.entry, nil
}

func (s *Store) Trash(ctx context.Context, id string) error {
	if err := s.begin(ctx, "trash", id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok || id == RootID {
		return remote.Rejected("trash", id, errors.New("file not found"))
	}
	n.entry.Trashed = true
	n.entry.ModifiedAt = s.stamp()
	return nil
}

func (s *Store) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := s.begin(ctx, "download", id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok || n.entry.MimeType == tree.FolderMimeType {
		return nil, remote.Rejected("download", id, errors.New("file not found"))
	}

	content := append([]byte(nil), n.content...)
	return &ctxReader{ctx: ctx, r: bytes.NewReader(content)}, nil
}

// begin counts the call and pops a queued failure, if any.
func (s *Store) begin(ctx context.Context, op, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[op]++

	if err := ctx.Err(); err != nil {
		return remote.Unavailable(op, id, err)
	}
	if queued := s.failures[op]; len(queued) > 0 {
		s.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (s *Store) resolveParentLocked(parentID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveParent(parentID)
}

func (s *Store) resolveParent(parentID string) string {
	if parentID == "" {
		return RootID
	}
	return parentID
}

func (s *Store) checkFolder(op, id string) error {
	parent, ok := s.nodes[id]
	if !ok || parent.entry.MimeType != tree.FolderMimeType {
		return remote.Rejected(op, id, errors.New("parent folder not found"))
	}
	return nil
}

func (s *Store) insert(name, parentID, mimeType string, content []byte) *node {
	entry := remote.Entry{
		ID:         uuid.NewString(),
		Name:       name,
		MimeType:   mimeType,
		CreatedAt:  s.stamp(),
		ModifiedAt: s.stamp(),
	}
	if mimeType != tree.FolderMimeType {
		size := int64(len(content))
		entry.SizeBytes = &size
	}

	n := &node{entry: entry, parent: parentID, content: content}
	s.nodes[entry.ID] = n
	return n
}

func (s *Store) stamp() *time.Time {
	t := s.now().UTC()
	return &t
}

// ctxReader stops returning data once its context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func (c *ctxReader) Close() error { return nil }
