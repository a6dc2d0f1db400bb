package db

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/drivemirror/internal/audit"
	"github.com/vonshlovens/drivemirror/internal/mirrortest"
	"github.com/vonshlovens/drivemirror/internal/sync"
	"github.com/vonshlovens/drivemirror/internal/tree"
)

// openTestDB connects to the database named by DRIVEMIRROR_TEST_DATABASE_URL
// inside a throwaway schema. Tests skip when the variable is unset.
func openTestDB(t *testing.T) *DB {
	t.Helper()

	url := os.Getenv("DRIVEMIRROR_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("DRIVEMIRROR_TEST_DATABASE_URL not set")
	}

	schema := "drivemirror_test_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}

	ctx := context.Background()
	db, err := Connect(ctx, fmt.Sprintf("%s%ssearch_path=%s", url, sep, schema), schema)
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(ctx))

	t.Cleanup(func() {
		db.Pool.Exec(context.Background(), "DROP SCHEMA "+pgx.Identifier{schema}.Sanitize()+" CASCADE")
		db.Close()
	})
	return db
}

func TestMirrorContract(t *testing.T) {
	mirrortest.Run(t, func(t *testing.T) sync.Mirror {
		return openTestDB(t)
	})
}

func TestMigrationStatus(t *testing.T) {
	db := openTestDB(t)

	states, err := db.MigrationStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 2)
	for _, s := range states {
		assert.True(t, s.Applied, s.Source)
		assert.NotNil(t, s.AppliedAt)
	}
}

func TestInsertAuditEvent(t *testing.T) {
	db := openTestDB(t)
	ctx := audit.WithActor(context.Background(), "user-1")

	event := audit.NewEvent(ctx, audit.ActionFileRenamed, tree.ID(4), "b.txt",
		map[string]any{"old_name": "a.txt", "new_name": "b.txt"})
	require.NoError(t, db.InsertAuditEvent(ctx, event))

	var action, actor string
	var oldName string
	err := db.Pool.QueryRow(ctx,
		`SELECT action, actor_id, metadata->>'old_name' FROM audit_logs WHERE event_id = $1`, event.ID,
	).Scan(&action, &actor, &oldName)
	require.NoError(t, err)
	assert.Equal(t, audit.ActionFileRenamed, action)
	assert.Equal(t, "user-1", actor)
	assert.Equal(t, "a.txt", oldName)

	require.NoError(t, db.InsertAuditEvent(ctx, audit.NewEvent(ctx, audit.ActionSyncCompleted, nil, "", nil)))
}
