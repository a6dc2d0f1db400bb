// Package sqlite is the embedded mirror repository. It shares the schema
// and semantics of the PostgreSQL repository in the parent package.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/ncruces/go-sqlite3/ext/unicode"
	"github.com/pressly/goose/v3"

	"github.com/vonshlovens/drivemirror/internal/audit"
	"github.com/vonshlovens/drivemirror/internal/db"
	"github.com/vonshlovens/drivemirror/internal/db/migrations"
	"github.com/vonshlovens/drivemirror/internal/tree"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const nodeColumns = `id, remote_id, name, kind, parent_id, size_bytes, mime_type, trashed,
	remote_created_at, remote_modified_at`

const folderFirst = `ORDER BY CASE WHEN kind = 'folder' THEN 0 ELSE 1 END, name, id`

// DB is a SQLite-backed mirror.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database.
func Open(path string) (*DB, error) {
	dsn := "file::memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = "file:" + path
	}
	dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	// unicode replaces the ASCII-only lower() used by Search.
	conn, err := driver.Open(dsn, unicode.Register)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: writes serialize and :memory: stays a single database.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Debug("opened sqlite mirror", "path", path)
	return &DB{conn: conn, path: path}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	if d.conn == nil {
		return nil
	}
	if err := d.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	d.conn = nil
	return nil
}

// Ping checks the database is usable.
func (d *DB) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

// RunMigrations applies pending migrations.
func (d *DB) RunMigrations(ctx context.Context) error {
	provider, err := d.provider()
	if err != nil {
		return err
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("migrations completed successfully", "path", d.path, "applied", len(results))
	return nil
}

// MigrationStatus returns the state of every known migration.
func (d *DB) MigrationStatus(ctx context.Context) ([]db.MigrationState, error) {
	provider, err := d.provider()
	if err != nil {
		return nil, err
	}

	statuses, err := provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration status: %w", err)
	}

	states := make([]db.MigrationState, 0, len(statuses))
	for _, s := range statuses {
		state := db.MigrationState{
			Version: s.Source.Version,
			Source:  s.Source.Path,
			Applied: s.State == goose.StateApplied,
		}
		if !s.AppliedAt.IsZero() {
			appliedAt := s.AppliedAt
			state.AppliedAt = &appliedAt
		}
		states = append(states, state)
	}
	return states, nil
}

func (d *DB) provider() (*goose.Provider, error) {
	fsys, err := fs.Sub(migrations.FS, "sqlite")
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, d.conn, fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	return provider, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored time %q: %w", s, err)
	}
	return t.UTC(), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (*tree.Node, error) {
	node := &tree.Node{}
	var (
		kind              string
		parent, size      sql.NullInt64
		mimeType          sql.NullString
		created, modified string
	)

	err := row.Scan(
		&node.LocalID, &node.RemoteID, &node.Name, &kind, &parent,
		&size, &mimeType, &node.Trashed, &created, &modified,
	)
	if err != nil {
		return nil, err
	}

	node.Kind = tree.Kind(kind)
	if parent.Valid {
		node.ParentLocalID = tree.ID(parent.Int64)
	}
	if size.Valid {
		v := size.Int64
		node.SizeBytes = &v
	}
	if mimeType.Valid {
		v := mimeType.String
		node.MimeType = &v
	}
	if node.RemoteCreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if node.RemoteModifiedAt, err = parseTime(modified); err != nil {
		return nil, err
	}
	return node, nil
}

func collectNodes(rows *sql.Rows) ([]*tree.Node, error) {
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

// FindByLocalID retrieves a node by its mirror id.
func (d *DB) FindByLocalID(ctx context.Context, id int64) (*tree.Node, error) {
	node, err := scanNode(d.conn.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM tree_nodes WHERE id = ?1`, id))

	if errors.Is(err, sql.ErrNoRows) {
		return nil, tree.NewError("find", &id, tree.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load node %d: %w", id, err)
	}
	return node, nil
}

// FindByRemoteID retrieves a node by remote id, or nil if unknown.
func (d *DB) FindByRemoteID(ctx context.Context, remoteID string) (*tree.Node, error) {
	node, err := scanNode(d.conn.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM tree_nodes WHERE remote_id = ?1`, remoteID))

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load node %s: %w", remoteID, err)
	}
	return node, nil
}

// ChildrenOf lists the direct children of parent, folders first.
func (d *DB) ChildrenOf(ctx context.Context, parent *int64, includeTrashed bool) ([]*tree.Node, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM tree_nodes
		WHERE parent_id IS ?1 AND (?2 OR trashed = 0)
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

// Search finds non-trashed nodes whose name contains term.
func (d *DB) Search(ctx context.Context, term string) ([]*tree.Node, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM tree_nodes
		WHERE trashed = 0 AND instr(lower(name), lower(?1)) > 0
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

// Upsert inserts or updates a node keyed by remote id.
func (d *DB) Upsert(ctx context.Context, attrs tree.Attributes) (*tree.Node, error) {
	seenAt := attrs.SeenAt
	if seenAt.IsZero() {
		seenAt = time.Now()
	}
	seen := formatTime(seenAt)

	node, err := scanNode(d.conn.QueryRowContext(ctx, `
		INSERT INTO tree_nodes (
			remote_id, name, kind, parent_id, size_bytes, mime_type, trashed,
			remote_created_at, remote_modified_at, synced_at, created_at
		) VALUES (
			?1, ?2, ?3, ?4, ?5, ?6, ?7,
			COALESCE(?8, ?10), COALESCE(?9, ?10), ?10, ?11
		)
		ON CONFLICT (remote_id) DO UPDATE SET
			name = excluded.name,
			parent_id = excluded.parent_id,
			size_bytes = excluded.size_bytes,
			mime_type = excluded.mime_type,
			trashed = excluded.trashed,
			remote_created_at = COALESCE(?8, tree_nodes.remote_created_at),
			remote_modified_at = COALESCE(?9, tree_nodes.remote_modified_at),
			synced_at = excluded.synced_at
		RETURNING `+nodeColumns,
		attrs.RemoteID, attrs.Name, string(attrs.Kind), attrs.ParentLocalID,
		attrs.SizeBytes, attrs.MimeType, attrs.Trashed,
		formatTimePtr(attrs.RemoteCreatedAt), formatTimePtr(attrs.RemoteModifiedAt),
		seen, formatTime(time.Now()),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert node %s: %w", attrs.RemoteID, err)
	}
	return node, nil
}

// TrashUnseen flags rows a crawl starting at before did not reach.
func (d *DB) TrashUnseen(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.conn.ExecContext(ctx,
		`UPDATE tree_nodes SET trashed = 1 WHERE trashed = 0 AND synced_at < ?1`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to trash unseen nodes: %w", err)
	}
	return res.RowsAffected()
}

// Counts summarizes the mirror.
func (d *DB) Counts(ctx context.Context) (tree.Counts, error) {
	var counts tree.Counts
	var lastSync sql.NullString

	err := d.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE kind = 'file' AND trashed = 0),
			COUNT(*) FILTER (WHERE kind = 'folder' AND trashed = 0),
			COUNT(*) FILTER (WHERE trashed = 1),
			MAX(synced_at)
		FROM tree_nodes
	`).Scan(&counts.Files, &counts.Folders, &counts.Trashed, &lastSync)
	if err != nil {
		return tree.Counts{}, fmt.Errorf("failed to count nodes: %w", err)
	}

	if lastSync.Valid {
		t, err := parseTime(lastSync.String)
		if err != nil {
			return tree.Counts{}, err
		}
		counts.LastSyncedAt = &t
	}
	return counts, nil
}

// InsertAuditEvent persists one audit event.
func (d *DB) InsertAuditEvent(ctx context.Context, event audit.Event) error {
	metadata := []byte("{}")
	if event.Metadata != nil {
		var err error
		if metadata, err = json.Marshal(event.Metadata); err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
	}

	var targetName any
	if event.TargetName != "" {
		targetName = event.TargetName
	}

	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO audit_logs (
			event_id, actor_id, action, target_id, target_name, metadata, created_at
		) VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7)
	`,
		event.ID.String(), event.ActorID, event.Action, event.TargetID,
		targetName, string(metadata), formatTime(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}
