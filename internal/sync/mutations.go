package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/vonshlovens/drivemirror/internal/audit"
	"github.com/vonshlovens/drivemirror/internal/tree"
)

// Upload sends a local file to the remote store under parent (nil for the
// root) and mirrors the created entry. An empty name uses the file's base
// name; an empty mimeType is detected from the content.
func (e *Engine) Upload(ctx context.Context, localPath, name string, parent *int64, mimeType string) (node *tree.Node, err error) {
	defer e.observe("upload", e.now())(&err)

	if name == "" {
		name = filepath.Base(localPath)
	}
	name, err = tree.NormalizeName(name)
	if err != nil {
		return nil, tree.NewError("upload", nil, err)
	}

	parentNode, err := e.resolveParent(ctx, "upload", parent)
	if err != nil {
		return nil, err
	}
	if err := e.checkUnique(ctx, "upload", parent, name, 0); err != nil {
		return nil, err
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w: %w", localPath, ErrLocalFile, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("upload %s: %w: is a directory", localPath, ErrLocalFile)
	}
	sum, err := digestFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w: %w", localPath, ErrLocalFile, err)
	}
	if mimeType == "" {
		detected, err := mimetype.DetectFile(localPath)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w: %w", localPath, ErrLocalFile, err)
		}
		mimeType = detected.String()
	}

	entry, err := e.gateway.UploadFile(ctx, localPath, name, remoteIDOf(parentNode), mimeType)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	size := entry.SizeBytes
	if size == nil {
		size = &sum.Size
	}
	if entry.MimeType != "" {
		mimeType = entry.MimeType
	}

	node, err = e.mirror.Upsert(ctx, tree.Attributes{
		RemoteID:         entry.ID,
		Name:             nameOr(entry.Name, name),
		Kind:             tree.KindFile,
		ParentLocalID:    parent,
		SizeBytes:        size,
		MimeType:         &mimeType,
		RemoteCreatedAt:  timeOr(entry.CreatedAt, now),
		RemoteModifiedAt: timeOr(entry.ModifiedAt, now),
		SeenAt:           now,
	})
	if err != nil {
		return nil, e.stale("upload", entry.ID, err)
	}

	e.emit(ctx, audit.NewEvent(ctx, audit.ActionFileUploaded, tree.ID(node.LocalID), node.Name, map[string]any{
		"size_bytes": *size,
		"mime_type":  mimeType,
		"sha256":     sum.SHA256,
	}))

	return node, nil
}

// CreateFolder creates a folder under parent (nil for the root)
func (e *Engine) CreateFolder(ctx context.Context, name string, parent *int64) (node *tree.Node, err error) {
	defer e.observe("create_folder", e.now())(&err)

	name, err = tree.NormalizeName(name)
	if err != nil {
		return nil, tree.NewError("create_folder", nil, err)
	}

	parentNode, err := e.resolveParent(ctx, "create_folder", parent)
	if err != nil {
		return nil, err
	}
	if err := e.checkUnique(ctx, "create_folder", parent, name, 0); err != nil {
		return nil, err
	}

	entry, err := e.gateway.CreateFolder(ctx, name, remoteIDOf(parentNode))
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	node, err = e.mirror.Upsert(ctx, tree.Attributes{
		RemoteID:         entry.ID,
		Name:             nameOr(entry.Name, name),
		Kind:             tree.KindFolder,
		ParentLocalID:    parent,
		MimeType:         optional(tree.FolderMimeType),
		RemoteCreatedAt:  timeOr(entry.CreatedAt, now),
		RemoteModifiedAt: timeOr(entry.ModifiedAt, now),
		SeenAt:           now,
	})
	if err != nil {
		return nil, e.stale("create_folder", entry.ID, err)
	}

	e.emit(ctx, audit.NewEvent(ctx, audit.ActionFolderCreated, tree.ID(node.LocalID), node.Name, nil))

	return node, nil
}

// Rename gives a non-trashed node a new name
func (e *Engine) Rename(ctx context.Context, id int64, newName string) (node *tree.Node, err error) {
	defer e.observe("rename", e.now())(&err)

	current, err := e.liveNode(ctx, "rename", id)
	if err != nil {
		return nil, err
	}
	newName, err = tree.NormalizeName(newName)
	if err != nil {
		return nil, tree.NewError("rename", tree.ID(id), err)
	}
	if err := e.checkUnique(ctx, "rename", current.ParentLocalID, newName, id); err != nil {
		return nil, err
	}

	entry, err := e.gateway.Rename(ctx, current.RemoteID, newName)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	attrs := current.Attributes()
	attrs.Name = nameOr(entry.Name, newName)
	attrs.RemoteModifiedAt = timeOr(entry.ModifiedAt, now)
	attrs.SeenAt = now

	node, err = e.mirror.Upsert(ctx, attrs)
	if err != nil {
		return nil, e.stale("rename", current.RemoteID, err)
	}

	action := audit.ActionFileRenamed
	if node.IsFolder() {
		action = audit.ActionFolderRenamed
	}
	e.emit(ctx, audit.NewEvent(ctx, action, tree.ID(node.LocalID), node.Name, map[string]any{
		"old_name": current.Name,
		"new_name": node.Name,
	}))

	return node, nil
}

// Move reparents a non-trashed node under newParent (nil for the root).
// Moving a folder into itself or one of its descendants fails with
// tree.ErrInvalidMove before the remote store is contacted.
func (e *Engine) Move(ctx context.Context, id int64, newParent *int64) (node *tree.Node, err error) {
	defer e.observe("move", e.now())(&err)

	current, err := e.liveNode(ctx, "move", id)
	if err != nil {
		return nil, err
	}

	parentNode, err := e.resolveParent(ctx, "move", newParent)
	if err != nil {
		return nil, err
	}
	if newParent != nil {
		cyclic, err := tree.IsDescendant(ctx, e.mirror.FindByLocalID, *newParent, id)
		if err != nil {
			return nil, err
		}
		if cyclic {
			return nil, tree.NewError("move", tree.ID(id), tree.ErrInvalidMove)
		}
	}
	if err := e.checkUnique(ctx, "move", newParent, current.Name, id); err != nil {
		return nil, err
	}

	newRemoteParent, err := e.remoteParent(ctx, parentNode)
	if err != nil {
		return nil, err
	}
	oldRemoteParent, err := e.remoteParentOf(ctx, current.ParentLocalID)
	if err != nil {
		return nil, err
	}
	if oldRemoteParent == newRemoteParent {
		oldRemoteParent = ""
	}

	entry, err := e.gateway.Move(ctx, current.RemoteID, newRemoteParent, oldRemoteParent)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	attrs := current.Attributes()
	attrs.ParentLocalID = newParent
	attrs.RemoteModifiedAt = timeOr(entry.ModifiedAt, now)
	attrs.SeenAt = now

	node, err = e.mirror.Upsert(ctx, attrs)
	if err != nil {
		return nil, e.stale("move", current.RemoteID, err)
	}

	action := audit.ActionFileMoved
	if node.IsFolder() {
		action = audit.ActionFolderMoved
	}
	e.emit(ctx, audit.NewEvent(ctx, action, tree.ID(node.LocalID), node.Name, map[string]any{
		"new_parent_id": newParent,
	}))

	return node, nil
}

// Trash soft-deletes a node. Descendants keep their own trashed flag.
func (e *Engine) Trash(ctx context.Context, id int64) (node *tree.Node, err error) {
	defer e.observe("trash", e.now())(&err)

	current, err := e.liveNode(ctx, "trash", id)
	if err != nil {
		return nil, err
	}

	if err := e.gateway.Trash(ctx, current.RemoteID); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	attrs := current.Attributes()
	attrs.Trashed = true
	attrs.RemoteModifiedAt = &now
	attrs.SeenAt = now

	node, err = e.mirror.Upsert(ctx, attrs)
	if err != nil {
		return nil, e.stale("trash", current.RemoteID, err)
	}

	action := audit.ActionFileDeleted
	if node.IsFolder() {
		action = audit.ActionFolderDeleted
	}
	e.emit(ctx, audit.NewEvent(ctx, action, tree.ID(node.LocalID), node.Name, nil))

	return node, nil
}

// liveNode loads a node that mutations may target. Trashed nodes are
// reported as not found.
func (e *Engine) liveNode(ctx context.Context, op string, id int64) (*tree.Node, error) {
	node, err := e.mirror.FindByLocalID(ctx, id)
	if err != nil {
		return nil, tree.NewError(op, tree.ID(id), err)
	}
	if node.Trashed {
		return nil, tree.NewError(op, tree.ID(id), tree.ErrNotFound)
	}
	return node, nil
}

// resolveParent loads the folder a node is placed under. A nil id is the
// root and yields a nil node.
func (e *Engine) resolveParent(ctx context.Context, op string, id *int64) (*tree.Node, error) {
	if id == nil {
		return nil, nil
	}

	parent, err := e.mirror.FindByLocalID(ctx, *id)
	if err != nil {
		if isNotFound(err) {
			return nil, tree.NewError(op, id, tree.ErrInvalidParent)
		}
		return nil, err
	}
	if !tree.ValidParent(parent) {
		return nil, tree.NewError(op, id, tree.ErrInvalidParent)
	}
	return parent, nil
}

// checkUnique rejects name when sync.unique_names is set and another
// non-trashed child of parent already uses it
func (e *Engine) checkUnique(ctx context.Context, op string, parent *int64, name string, except int64) error {
	if !e.cfg.UniqueNames {
		return nil
	}

	siblings, err := e.mirror.ChildrenOf(ctx, parent, false)
	if err != nil {
		return err
	}
	for _, sibling := range siblings {
		if sibling.Name == name && sibling.LocalID != except {
			return tree.NewError(op, tree.ID(sibling.LocalID), tree.ErrConflict)
		}
	}
	return nil
}

// remoteParent returns the remote id of parent, resolving the root
func (e *Engine) remoteParent(ctx context.Context, parent *tree.Node) (string, error) {
	if parent != nil {
		return parent.RemoteID, nil
	}
	return e.gateway.RootID(ctx)
}

func (e *Engine) remoteParentOf(ctx context.Context, id *int64) (string, error) {
	if id == nil {
		return e.gateway.RootID(ctx)
	}
	parent, err := e.mirror.FindByLocalID(ctx, *id)
	if err != nil {
		return "", err
	}
	return parent.RemoteID, nil
}

// stale reports a mutation the remote store applied but the mirror missed
func (e *Engine) stale(op, remoteID string, err error) error {
	e.logger.Error("Mirror update failed after remote change",
		"op", op,
		"remote_id", remoteID,
		"error", err)
	return fmt.Errorf("%s %s: %w: %w", op, remoteID, ErrMirrorStale, err)
}

func (e *Engine) observe(op string, start time.Time) func(*error) {
	return func(err *error) {
		if e.metrics != nil {
			e.metrics.ObserveMutation(op, e.now().Sub(start), *err)
		}
	}
}

func remoteIDOf(node *tree.Node) string {
	if node == nil {
		return ""
	}
	return node.RemoteID
}

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

func timeOr(t *time.Time, fallback time.Time) *time.Time {
	if t == nil {
		return &fallback
	}
	return t
}
