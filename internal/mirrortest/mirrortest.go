// Package mirrortest is a behavioral test suite shared by every
// sync.Mirror implementation.
package mirrortest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/drivemirror/internal/sync"
	"github.com/vonshlovens/drivemirror/internal/tree"
)

// Factory returns an empty, migrated mirror.
type Factory func(t *testing.T) sync.Mirror

var (
	t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

func ptr[T any](v T) *T { return &v }

func folder(remoteID, name string, parent *int64, seen time.Time) tree.Attributes {
	return tree.Attributes{
		RemoteID:      remoteID,
		Name:          name,
		Kind:          tree.KindFolder,
		ParentLocalID: parent,
		MimeType:      ptr(tree.FolderMimeType),
		SeenAt:        seen,
	}
}

func file(remoteID, name string, parent *int64, size int64, seen time.Time) tree.Attributes {
	return tree.Attributes{
		RemoteID:         remoteID,
		Name:             name,
		Kind:             tree.KindFile,
		ParentLocalID:    parent,
		SizeBytes:        ptr(size),
		MimeType:         ptr("text/plain"),
		RemoteCreatedAt:  ptr(t0),
		RemoteModifiedAt: ptr(t0),
		SeenAt:           seen,
	}
}

// Run exercises the Mirror contract against fresh instances from newMirror.
func Run(t *testing.T, newMirror Factory) {
	t.Run("UpsertInsertsThenUpdates", func(t *testing.T) {
		ctx := context.Background()
		m := newMirror(t)

		inserted, err := m.Upsert(ctx, file("r1", "a.txt", nil, 10, t0))
		require.NoError(t, err)
		assert.NotZero(t, inserted.LocalID)
		assert.Equal(t, tree.KindFile, inserted.Kind)
		assert.Nil(t, inserted.ParentLocalID)
		assert.True(t, inserted.RemoteCreatedAt.Equal(t0))

		attrs := file("r1", "b.txt", nil, 20, t1)
		attrs.Kind = tree.KindFolder
		attrs.RemoteCreatedAt = nil
		attrs.RemoteModifiedAt = nil

		updated, err := m.Upsert(ctx, attrs)
		require.NoError(t, err)
		assert.Equal(t, inserted.LocalID, updated.LocalID, "local id is stable")
		assert.Equal(t, "b.txt", updated.Name)
		assert.Equal(t, int64(20), *updated.SizeBytes)
		assert.Equal(t, tree.KindFile, updated.Kind, "kind never changes")
		assert.True(t, updated.RemoteModifiedAt.Equal(t0), "missing timestamp keeps the stored value")
	})

	t.Run("MissingTimestampsFallBackToSeenAt", func(t *testing.T) {
		ctx := context.Background()
		m := newMirror(t)

		node, err := m.Upsert(ctx, folder("f1", "Docs", nil, t1))
		require.NoError(t, err)
		assert.True(t, node.RemoteCreatedAt.Equal(t1))
		assert.True(t, node.RemoteModifiedAt.Equal(t1))
		assert.Nil(t, node.SizeBytes)
	})

	t.Run("FindByIDs", func(t *testing.T) {
		ctx := context.Background()
		m := newMirror(t)

		node, err := m.Upsert(ctx, folder("f1", "Docs", nil, t0))
		require.NoError(t, err)

		byLocal, err := m.FindByLocalID(ctx, node.LocalID)
		require.NoError(t, err)
		assert.Equal(t, "f1", byLocal.RemoteID)

		byRemote, err := m.FindByRemoteID(ctx, "f1")
		require.NoError(t, err)
		require.NotNil(t, byRemote)
		assert.Equal(t, node.LocalID, byRemote.LocalID)

		missing, err := m.FindByRemoteID(ctx, "nope")
		assert.NoError(t, err)
		assert.Nil(t, missing)

		_, err = m.FindByLocalID(ctx, node.LocalID+1000)
		assert.True(t, errors.Is(err, tree.ErrNotFound))
	})

	t.Run("ChildrenOrderingAndTrash", func(t *testing.T) {
		ctx := context.Background()
		m := newMirror(t)

		root, err := m.Upsert(ctx, folder("top", "Top", nil, t0))
		require.NoError(t, err)
		parent := tree.ID(root.LocalID)

		_, err = m.Upsert(ctx, file("c", "zeta.txt", parent, 1, t0))
		require.NoError(t, err)
		_, err = m.Upsert(ctx, file("a", "alpha.txt", parent, 1, t0))
		require.NoError(t, err)
		_, err = m.Upsert(ctx, folder("b", "Zoo", parent, t0))
		require.NoError(t, err)
		gone := file("d", "beta.txt", parent, 1, t0)
		gone.Trashed = true
		_, err = m.Upsert(ctx, gone)
		require.NoError(t, err)

		children, err := m.ChildrenOf(ctx, parent, false)
		require.NoError(t, err)
		require.Len(t, children, 3)
		assert.Equal(t, "Zoo", children[0].Name, "folders first")
		assert.Equal(t, "alpha.txt", children[1].Name)
		assert.Equal(t, "zeta.txt", children[2].Name)

		all, err := m.ChildrenOf(ctx, parent, true)
		require.NoError(t, err)
		assert.Len(t, all, 4)

		top, err := m.ChildrenOf(ctx, nil, false)
		require.NoError(t, err)
		require.Len(t, top, 1)
		assert.Equal(t, "Top", top[0].Name)
	})

	t.Run("SearchIsCaseInsensitiveAndSkipsTrashed", func(t *testing.T) {
		ctx := context.Background()
		m := newMirror(t)

		d, err := m.Upsert(ctx, folder("d", "Reports", nil, t0))
		require.NoError(t, err)
		_, err = m.Upsert(ctx, file("f1", "Q1 report.pdf", tree.ID(d.LocalID), 5, t0))
		require.NoError(t, err)
		old := file("f2", "old REPORT.txt", nil, 5, t0)
		old.Trashed = true
		_, err = m.Upsert(ctx, old)
		require.NoError(t, err)
		_, err = m.Upsert(ctx, file("f3", "notes.md", nil, 5, t0))
		require.NoError(t, err)

		results, err := m.Search(ctx, "rEpOrT")
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "Reports", results[0].Name)
		assert.Equal(t, "Q1 report.pdf", results[1].Name)

		_, err = m.Upsert(ctx, file("f4", "Überweisung.pdf", nil, 5, t0))
		require.NoError(t, err)
		for _, term := range []string{"überweisung", "ÜBERWEISUNG", "WEISUNG"} {
			results, err := m.Search(ctx, term)
			require.NoError(t, err)
			require.Len(t, results, 1, term)
			assert.Equal(t, "Überweisung.pdf", results[0].Name)
		}
	})

	t.Run("TrashUnseen", func(t *testing.T) {
		ctx := context.Background()
		m := newMirror(t)

		_, err := m.Upsert(ctx, file("old", "old.txt", nil, 1, t0))
		require.NoError(t, err)
		_, err = m.Upsert(ctx, file("new", "new.txt", nil, 1, t2))
		require.NoError(t, err)

		n, err := m.TrashUnseen(ctx, t1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		old, err := m.FindByRemoteID(ctx, "old")
		require.NoError(t, err)
		assert.True(t, old.Trashed)

		fresh, err := m.FindByRemoteID(ctx, "new")
		require.NoError(t, err)
		assert.False(t, fresh.Trashed)
	})

	t.Run("Counts", func(t *testing.T) {
		ctx := context.Background()
		m := newMirror(t)

		empty, err := m.Counts(ctx)
		require.NoError(t, err)
		assert.Zero(t, empty.Files)
		assert.Nil(t, empty.LastSyncedAt)

		d, err := m.Upsert(ctx, folder("d", "D", nil, t0))
		require.NoError(t, err)
		_, err = m.Upsert(ctx, file("f", "f", tree.ID(d.LocalID), 1, t1))
		require.NoError(t, err)
		trashed := file("g", "g", nil, 1, t0)
		trashed.Trashed = true
		_, err = m.Upsert(ctx, trashed)
		require.NoError(t, err)

		counts, err := m.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts.Files)
		assert.Equal(t, int64(1), counts.Folders)
		assert.Equal(t, int64(1), counts.Trashed)
		require.NotNil(t, counts.LastSyncedAt)
		assert.True(t, counts.LastSyncedAt.Equal(t1))
	})

	t.Run("ParentMustExist", func(t *testing.T) {
		ctx := context.Background()
		m := newMirror(t)

		_, err := m.Upsert(ctx, file("orphan", "x", ptr(int64(999999)), 1, t0))
		assert.Error(t, err)
	})
}
