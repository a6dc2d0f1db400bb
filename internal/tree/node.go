// Package tree holds the mirror's node model and the pure rules that keep
// the mirrored hierarchy consistent: folder typing, ancestry checks and
// breadcrumb derivation. Nothing in this package performs I/O on its own;
// lookups are supplied by the caller.
package tree

import (
	"math"
	"strconv"
	"time"
)

// FolderMimeType is the reserved MIME type a remote store reports for folders.
const FolderMimeType = "application/vnd.google-apps.folder"

// Kind distinguishes files from folders. A node never changes kind.
type Kind string

const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

// KindFromMime is the single source of truth for kind assignment
// during discovery.
func KindFromMime(mimeType string) Kind {
	if mimeType == FolderMimeType {
		return KindFolder
	}
	return KindFile
}

// Node is one mirrored remote file or folder.
type Node struct {
	LocalID          int64     `json:"id" yaml:"id"`
	RemoteID         string    `json:"remote_id" yaml:"remote_id"`
	Name             string    `json:"name" yaml:"name"`
	Kind             Kind      `json:"type" yaml:"type"`
	ParentLocalID    *int64    `json:"parent_id" yaml:"parent_id"`
	SizeBytes        *int64    `json:"size" yaml:"size"`
	MimeType         *string   `json:"mime_type" yaml:"mime_type"`
	Trashed          bool      `json:"trashed" yaml:"trashed"`
	RemoteCreatedAt  time.Time `json:"remote_created_at" yaml:"remote_created_at"`
	RemoteModifiedAt time.Time `json:"remote_modified_at" yaml:"remote_modified_at"`
}

// IsFolder reports whether the node is a folder.
func (n *Node) IsFolder() bool {
	return n.Kind == KindFolder
}

// Attributes returns the node's current state as upsert attributes,
// ready to be modified and written back.
func (n *Node) Attributes() Attributes {
	created := n.RemoteCreatedAt
	modified := n.RemoteModifiedAt
	return Attributes{
		RemoteID:         n.RemoteID,
		Name:             n.Name,
		Kind:             n.Kind,
		ParentLocalID:    n.ParentLocalID,
		SizeBytes:        n.SizeBytes,
		MimeType:         n.MimeType,
		Trashed:          n.Trashed,
		RemoteCreatedAt:  &created,
		RemoteModifiedAt: &modified,
	}
}

// Attributes is the write-side shape of a node, keyed by RemoteID.
//
// Kind is only honored when the row is inserted. A nil remote timestamp
// keeps the stored value on update and falls back to SeenAt on insert.
type Attributes struct {
	RemoteID         string
	Name             string
	Kind             Kind
	ParentLocalID    *int64
	SizeBytes        *int64
	MimeType         *string
	Trashed          bool
	RemoteCreatedAt  *time.Time
	RemoteModifiedAt *time.Time

	// SeenAt records when the mirror last observed this row.
	SeenAt time.Time
}

// Crumb is one entry of a breadcrumb trail. The synthetic root entry has
// a nil LocalID and RemoteID.
type Crumb struct {
	LocalID  *int64  `json:"id" yaml:"id"`
	Name     string  `json:"name" yaml:"name"`
	RemoteID *string `json:"remote_id" yaml:"remote_id"`
}

// RootCrumbName is the display name of the synthetic root crumb.
const RootCrumbName = "Home"

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB"}

// FormatSize renders a byte count with binary units and at most two
// decimals, e.g. "1.5 KB". A nil size renders as "".
func FormatSize(size *int64) string {
	if size == nil {
		return ""
	}

	value := float64(*size)
	unit := 0
	for value >= 1024 && unit < len(sizeUnits)-1 {
		value /= 1024
		unit++
	}

	value = math.Round(value*100) / 100
	return strconv.FormatFloat(value, 'f', -1, 64) + " " + sizeUnits[unit]
}

// Counts summarizes the mirror's contents.
type Counts struct {
	Files        int64      `json:"files" yaml:"files"`
	Folders      int64      `json:"folders" yaml:"folders"`
	Trashed      int64      `json:"trashed" yaml:"trashed"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty" yaml:"last_synced_at,omitempty"`
}
