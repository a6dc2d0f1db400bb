package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vonshlovens/drivemirror/internal/audit"
	"github.com/vonshlovens/drivemirror/internal/tree"
)

const folderFirst = `ORDER BY CASE WHEN kind = 'folder' THEN 0 ELSE 1 END, name, id`

// FindByLocalID retrieves a node by its mirror id
func (db *DB) FindByLocalID(ctx context.Context, id int64) (*tree.Node, error) {
	node, err := scanNode(db.Pool.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM tree_nodes WHERE id = $1`, id))

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tree.NewError("find", &id, tree.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load node %d: %w", id, err)
	}
	return node, nil
}

// FindByRemoteID retrieves a node by its remote id, or nil if unknown
func (db *DB) FindByRemoteID(ctx context.Context, remoteID string) (*tree.Node, error) {
	node, err := scanNode(db.Pool.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM tree_nodes WHERE remote_id = $1`, remoteID))

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load node %s: %w", remoteID, err)
	}
	return node, nil
}

// ChildrenOf lists the direct children of parent, folders first
func (db *DB) ChildrenOf(ctx context.Context, parent *int64, includeTrashed bool) ([]*tree.Node, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+nodeColumns+` FROM tree_nodes
		WHERE parent_id IS NOT DISTINCT FROM $1::bigint
		  AND ($2::boolean OR NOT trashed)
		`+folderFirst,
		parent, includeTrashed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}

	nodes, err := collectNodes(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan children: %w", err)
	}
	return nodes, nil
}

// Search finds non-trashed nodes whose name contains term
func (db *DB) Search(ctx context.Context, term string) ([]*tree.Node, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+nodeColumns+` FROM tree_nodes
		WHERE NOT trashed AND strpos(lower(name), lower($1)) > 0
		`+folderFirst,
		term,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search nodes: %w", err)
	}

	nodes, err := collectNodes(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan search results: %w", err)
	}
	return nodes, nil
}

// Upsert inserts or updates a node keyed by remote id. Kind is fixed at
// insert; missing remote timestamps keep the stored values.
func (db *DB) Upsert(ctx context.Context, attrs tree.Attributes) (*tree.Node, error) {
	seenAt := attrs.SeenAt
	if seenAt.IsZero() {
		seenAt = time.Now()
	}

	node, err := scanNode(db.Pool.QueryRow(ctx, `
		INSERT INTO tree_nodes (
			remote_id, name, kind, parent_id, size_bytes, mime_type, trashed,
			remote_created_at, remote_modified_at, synced_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			COALESCE($8::timestamptz, $10::timestamptz),
			COALESCE($9::timestamptz, $10::timestamptz),
			$10::timestamptz
		)
		ON CONFLICT (remote_id) DO UPDATE SET
			name = EXCLUDED.name,
			parent_id = EXCLUDED.parent_id,
			size_bytes = EXCLUDED.size_bytes,
			mime_type = EXCLUDED.mime_type,
			trashed = EXCLUDED.trashed,
			remote_created_at = COALESCE($8::timestamptz, tree_nodes.remote_created_at),
			remote_modified_at = COALESCE($9::timestamptz, tree_nodes.remote_modified_at),
			synced_at = EXCLUDED.synced_at
		RETURNING `+nodeColumns,
		attrs.RemoteID, attrs.Name, string(attrs.Kind), attrs.ParentLocalID,
		attrs.SizeBytes, attrs.MimeType, attrs.Trashed,
		attrs.RemoteCreatedAt, attrs.RemoteModifiedAt, seenAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert node %s: %w", attrs.RemoteID, err)
	}
	return node, nil
}

// TrashUnseen flags rows a crawl starting at before did not reach
func (db *DB) TrashUnseen(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE tree_nodes SET trashed = TRUE WHERE NOT trashed AND synced_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to trash unseen nodes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Counts summarizes the mirror
func (db *DB) Counts(ctx context.Context) (tree.Counts, error) {
	var counts tree.Counts
	var lastSync *time.Time

	err := db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE kind = 'file' AND NOT trashed),
			COUNT(*) FILTER (WHERE kind = 'folder' AND NOT trashed),
			COUNT(*) FILTER (WHERE trashed),
			MAX(synced_at)
		FROM tree_nodes
	`).Scan(&counts.Files, &counts.Folders, &counts.Trashed, &lastSync)
	if err != nil {
		return tree.Counts{}, fmt.Errorf("failed to count nodes: %w", err)
	}

	if lastSync != nil {
		utc := lastSync.UTC()
		counts.LastSyncedAt = &utc
	}
	return counts, nil
}

// InsertAuditEvent persists one audit event
func (db *DB) InsertAuditEvent(ctx context.Context, event audit.Event) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal audit metadata: %w", err)
	}
	if event.Metadata == nil {
		metadata = []byte("{}")
	}

	_, err = db.Pool.Exec(ctx, `
		INSERT INTO audit_logs (
			event_id, actor_id, action, target_id, target_name, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
	`,
		event.ID, event.ActorID, event.Action, event.TargetID,
		nullString(event.TargetName), string(metadata), event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
