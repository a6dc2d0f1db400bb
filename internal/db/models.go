package db

import (
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vonshlovens/drivemirror/internal/tree"
)

// MigrationState describes one migration and whether it has run
type MigrationState struct {
	Version   int64      `json:"version" yaml:"version"`
	Source    string     `json:"source" yaml:"source"`
	Applied   bool       `json:"applied" yaml:"applied"`
	AppliedAt *time.Time `json:"applied_at,omitempty" yaml:"applied_at,omitempty"`
}

const nodeColumns = `id, remote_id, name, kind, parent_id, size_bytes, mime_type, trashed,
	remote_created_at, remote_modified_at`

// scanNode reads one tree_nodes row selected with nodeColumns
func scanNode(row pgx.Row) (*tree.Node, error) {
	node := &tree.Node{}
	var kind string

	err := row.Scan(
		&node.LocalID, &node.RemoteID, &node.Name, &kind, &node.ParentLocalID,
		&node.SizeBytes, &node.MimeType, &node.Trashed,
		&node.RemoteCreatedAt, &node.RemoteModifiedAt,
	)
	if err != nil {
		return nil, err
	}

	node.Kind = tree.Kind(kind)
	node.RemoteCreatedAt = node.RemoteCreatedAt.UTC()
	node.RemoteModifiedAt = node.RemoteModifiedAt.UTC()
	return node, nil
}

func collectNodes(rows pgx.Rows) ([]*tree.Node, error) {
	defer rows.Close()

	var nodes []*tree.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}
