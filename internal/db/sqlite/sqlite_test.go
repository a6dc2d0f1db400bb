package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/drivemirror/internal/audit"
	"github.com/vonshlovens/drivemirror/internal/mirrortest"
	"github.com/vonshlovens/drivemirror/internal/sync"
	"github.com/vonshlovens/drivemirror/internal/tree"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(context.Background()))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMirrorContract(t *testing.T) {
	mirrortest.Run(t, func(t *testing.T) sync.Mirror {
		return openTestDB(t)
	})
}

func TestMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.RunMigrations(ctx))

	states, err := db.MigrationStatus(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.True(t, states[0].Applied)
	assert.Equal(t, int64(1), states[0].Version)
	assert.True(t, states[1].Applied)
}

func TestReopenKeepsRows(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "mirror.db")

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(ctx))

	_, err = db.Upsert(ctx, tree.Attributes{RemoteID: "r", Name: "kept", Kind: tree.KindFolder, SeenAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	node, err := db.FindByRemoteID(ctx, "r")
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, "kept", node.Name)
}

func TestInsertAuditEvent(t *testing.T) {
	db := openTestDB(t)
	ctx := audit.WithActor(context.Background(), "user-1")

	event := audit.NewEvent(ctx, audit.ActionFolderMoved, tree.ID(2), "Docs",
		map[string]any{"new_parent_id": 7})
	require.NoError(t, db.InsertAuditEvent(ctx, event))
	require.NoError(t, db.InsertAuditEvent(ctx, audit.NewEvent(context.Background(), audit.ActionSyncCompleted, nil, "", nil)))

	var action, metadata string
	var actor *string
	err := db.conn.QueryRowContext(ctx,
		`SELECT action, actor_id, metadata FROM audit_logs WHERE event_id = ?1`, event.ID.String(),
	).Scan(&action, &actor, &metadata)
	require.NoError(t, err)
	assert.Equal(t, audit.ActionFolderMoved, action)
	require.NotNil(t, actor)
	assert.Equal(t, "user-1", *actor)
	assert.JSONEq(t, `{"new_parent_id":7}`, metadata)

	var count int
	require.NoError(t, db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestTimeRoundTrip(t *testing.T) {
	in := time.Date(2024, 1, 2, 3, 4, 5, 6, time.FixedZone("X", 3600))
	out, err := parseTime(formatTime(in))
	require.NoError(t, err)
	assert.True(t, in.Equal(out))
	assert.Equal(t, time.UTC, out.Location())

	assert.Less(t, formatTime(in), formatTime(in.Add(time.Nanosecond)))
}
