package sync

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/vonshlovens/drivemirror/internal/tree"
)

// ListOptions selects the nodes ListChildren returns
type ListOptions struct {
	// Parent is the folder to list; nil is the root level.
	Parent *int64
	// Term filters by case-insensitive substring. With a nil Parent the
	// search spans the whole mirror.
	Term           string
	IncludeTrashed bool
}

// NodeView is a node with its position in the tree
type NodeView struct {
	Node        *tree.Node   `json:"node"`
	Breadcrumbs []tree.Crumb `json:"breadcrumbs"`
	Children    []*tree.Node `json:"children"`
}

// Status reports the last crawl and the mirror's size
type Status struct {
	LastCrawl   *CrawlRecord `json:"last_crawl,omitempty"`
	LastSuccess *CrawlRecord `json:"last_success,omitempty"`
	Mirror      tree.Counts  `json:"mirror"`
}

// ListChildren lists the children of a folder, or searches by name
func (e *Engine) ListChildren(ctx context.Context, opts ListOptions) ([]*tree.Node, error) {
	term := strings.TrimSpace(opts.Term)

	if opts.Parent != nil {
		parent, err := e.mirror.FindByLocalID(ctx, *opts.Parent)
		if err != nil {
			return nil, tree.NewError("list", opts.Parent, err)
		}
		if parent.Trashed && !opts.IncludeTrashed {
			return nil, tree.NewError("list", opts.Parent, tree.ErrNotFound)
		}
		if !parent.IsFolder() {
			return nil, tree.NewError("list", opts.Parent, tree.ErrInvalidParent)
		}
	} else if term != "" {
		return e.mirror.Search(ctx, term)
	}

	children, err := e.mirror.ChildrenOf(ctx, opts.Parent, opts.IncludeTrashed)
	if err != nil {
		return nil, err
	}
	if term == "" {
		return children, nil
	}

	needle := strings.ToLower(term)
	filtered := make([]*tree.Node, 0, len(children))
	for _, child := range children {
		if strings.Contains(strings.ToLower(child.Name), needle) {
			filtered = append(filtered, child)
		}
	}
	return filtered, nil
}

// GetNode returns a non-trashed node with its breadcrumbs and, for
// folders, its non-trashed children
func (e *Engine) GetNode(ctx context.Context, id int64) (*NodeView, error) {
	node, err := e.liveNode(ctx, "get", id)
	if err != nil {
		return nil, err
	}

	crumbs, err := tree.Breadcrumbs(ctx, e.mirror.FindByLocalID, node)
	if err != nil {
		return nil, err
	}

	view := &NodeView{Node: node, Breadcrumbs: crumbs, Children: []*tree.Node{}}
	if node.IsFolder() {
		children, err := e.mirror.ChildrenOf(ctx, tree.ID(id), false)
		if err != nil {
			return nil, err
		}
		view.Children = children
	}
	return view, nil
}

// Download opens the content of a non-trashed file. The stream ends when
// ctx is cancelled; the caller must close it.
func (e *Engine) Download(ctx context.Context, id int64) (*tree.Node, io.ReadCloser, error) {
	node, err := e.liveNode(ctx, "download", id)
	if err != nil {
		return nil, nil, err
	}
	if node.IsFolder() {
		return nil, nil, tree.NewError("download", tree.ID(id), tree.ErrNotFound)
	}

	body, err := e.gateway.Download(ctx, node.RemoteID)
	if err != nil {
		return nil, nil, err
	}
	return node, body, nil
}

// Status returns the persisted crawl history and mirror counts
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	counts, err := e.mirror.Counts(ctx)
	if err != nil {
		return nil, err
	}

	status := &Status{Mirror: counts}
	if e.state != nil {
		status.LastCrawl = e.state.LastCrawl()
		status.LastSuccess = e.state.LastSuccess()
	}
	return status, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, tree.ErrNotFound)
}
