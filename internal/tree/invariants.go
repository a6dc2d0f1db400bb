package tree

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"
)

// MaxHops bounds every parent-chain walk. No legitimate mirror is deeper.
const MaxHops = 4096

// Lookup resolves a node by local id, failing with an error that wraps
// ErrNotFound when the id is absent.
type Lookup func(ctx context.Context, localID int64) (*Node, error)

// IsDescendant walks the parent chain upward from candidate and reports
// whether ancestor is encountered. A node counts as its own descendant,
// so moving a folder into itself is rejected by the same check.
//
// A chain that revisits a node or exceeds MaxHops is reported as a
// descendant: the caller must refuse any parent assignment on a chain
// it cannot prove acyclic.
func IsDescendant(ctx context.Context, lookup Lookup, candidate, ancestor int64) (bool, error) {
	seen := make(map[int64]struct{})
	current := candidate

	for hops := 0; ; hops++ {
		if current == ancestor {
			return true, nil
		}
		if _, dup := seen[current]; dup || hops >= MaxHops {
			return true, nil
		}
		seen[current] = struct{}{}

		node, err := lookup(ctx, current)
		if err != nil {
			return false, err
		}
		if node.ParentLocalID == nil {
			return false, nil
		}
		current = *node.ParentLocalID
	}
}

// Breadcrumbs returns the trail from the synthetic root to node, following
// ParentLocalID references. A chain that loops is cut at the first repeat.
func Breadcrumbs(ctx context.Context, lookup Lookup, node *Node) ([]Crumb, error) {
	var chain []Crumb
	seen := make(map[int64]struct{})

	current := node
	for current != nil && len(seen) < MaxHops {
		if _, dup := seen[current.LocalID]; dup {
			break
		}
		seen[current.LocalID] = struct{}{}

		remoteID := current.RemoteID
		chain = append(chain, Crumb{
			LocalID:  ID(current.LocalID),
			Name:     current.Name,
			RemoteID: &remoteID,
		})

		if current.ParentLocalID == nil {
			break
		}
		parent, err := lookup(ctx, *current.ParentLocalID)
		if err != nil {
			return nil, fmt.Errorf("breadcrumbs for node %d: %w", node.LocalID, err)
		}
		current = parent
	}

	crumbs := make([]Crumb, 0, len(chain)+1)
	crumbs = append(crumbs, Crumb{Name: RootCrumbName})
	for i := len(chain) - 1; i >= 0; i-- {
		crumbs = append(crumbs, chain[i])
	}
	return crumbs, nil
}

var validate = validator.New()

// NormalizeName trims and NFC-normalizes a display name and checks it is
// non-empty and at most 255 characters.
func NormalizeName(name string) (string, error) {
	normalized := norm.NFC.String(strings.TrimSpace(name))

	if err := validate.Var(normalized, "required,max=255"); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsRune(normalized, 0) {
		return "", fmt.Errorf("%w: contains NUL", ErrInvalidName)
	}

	return normalized, nil
}

// ValidParent reports whether parent may contain children: nil (root) or
// a non-trashed folder.
func ValidParent(parent *Node) bool {
	return parent == nil || (parent.IsFolder() && !parent.Trashed)
}
