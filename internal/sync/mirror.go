package sync

import (
	"context"
	"time"

	"github.com/vonshlovens/drivemirror/internal/tree"
)

// Mirror is the local relational copy of the remote tree. Rows are keyed
// by remote id; the local id is assigned on first insert and never reused.
type Mirror interface {
	// FindByLocalID returns tree.ErrNotFound when no row has the id.
	FindByLocalID(ctx context.Context, id int64) (*tree.Node, error)

	// FindByRemoteID returns nil, nil when the remote id is unknown.
	FindByRemoteID(ctx context.Context, remoteID string) (*tree.Node, error)

	// ChildrenOf lists the children of parent (nil for the root level),
	// folders first, then by name.
	ChildrenOf(ctx context.Context, parent *int64, includeTrashed bool) ([]*tree.Node, error)

	// Search returns non-trashed nodes whose name contains term, case
	// insensitively, in the same order as ChildrenOf.
	Search(ctx context.Context, term string) ([]*tree.Node, error)

	// Upsert inserts or updates the row for attrs.RemoteID and returns it.
	Upsert(ctx context.Context, attrs tree.Attributes) (*tree.Node, error)

	// TrashUnseen flags every non-trashed row not seen since before.
	TrashUnseen(ctx context.Context, before time.Time) (int64, error)

	Counts(ctx context.Context) (tree.Counts, error)
}
