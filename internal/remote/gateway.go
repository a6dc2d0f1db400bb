// Package remote defines the capability interface the mirror uses to talk
// to the authoritative store. Backends live in subpackages; none of them
// persist anything locally.
package remote

//go:generate mockgen -source=gateway.go -destination=remotemock/gateway_mock.go -package=remotemock

import (
	"context"
	"io"
	"time"
)

// Entry is a node as reported by the remote store.
type Entry struct {
	ID         string
	Name       string
	MimeType   string
	SizeBytes  *int64
	Trashed    bool
	CreatedAt  *time.Time
	ModifiedAt *time.Time
}

// Gateway is implemented once per backend. An empty parent id means the
// store's conventional root.
//
// Every failure wraps ErrUnavailable or ErrRejected.
type Gateway interface {
	// RootID returns the identifier of the conventional root folder.
	RootID(ctx context.Context) (string, error)

	List(ctx context.Context, parentID string, includeTrashed bool) ([]Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	CreateFolder(ctx context.Context, name, parentID string) (Entry, error)
	UploadFile(ctx context.Context, localPath, name, parentID, mimeType string) (Entry, error)
	Rename(ctx context.Context, id, newName string) (Entry, error)

	// Move reparents id under newParentID. oldParentID is empty when it is
	// unknown or equal to the new parent; stores that model reparenting as
	// add/remove need it.
	Move(ctx context.Context, id, newParentID, oldParentID string) (Entry, error)

	Trash(ctx context.Context, id string) error

	// Download streams the content of a file. Cancelling ctx aborts the
	// transfer; the caller must close the reader.
	Download(ctx context.Context, id string) (io.ReadCloser, error)
}
