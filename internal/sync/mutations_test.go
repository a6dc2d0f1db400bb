package sync_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/vonshlovens/drivemirror/internal/audit"
	"github.com/vonshlovens/drivemirror/internal/config"
	"github.com/vonshlovens/drivemirror/internal/remote"
	"github.com/vonshlovens/drivemirror/internal/remote/memstore"
	"github.com/vonshlovens/drivemirror/internal/remote/remotemock"
	"github.com/vonshlovens/drivemirror/internal/sync"
	"github.com/vonshlovens/drivemirror/internal/tree"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// seed writes a row straight into the mirror
func seed(t *testing.T, mirror sync.Mirror, remoteID, name string, kind tree.Kind, parent *int64) *tree.Node {
	t.Helper()
	n, err := mirror.Upsert(context.Background(), tree.Attributes{
		RemoteID:      remoteID,
		Name:          name,
		Kind:          kind,
		ParentLocalID: parent,
		SeenAt:        time.Now(),
	})
	require.NoError(t, err)
	return n
}

// mockEngine returns an engine whose gateway fails the test on any call
// not explicitly expected
func mockEngine(t *testing.T, cfg config.SyncConfig) (*sync.Engine, *remotemock.MockGateway, sync.Mirror) {
	t.Helper()
	ctrl := gomock.NewController(t)
	gw := remotemock.NewMockGateway(ctrl)
	mirror := newMirror(t)
	return sync.NewEngine(gw, mirror, cfg), gw, mirror
}

func TestUpload(t *testing.T) {
	f := newFixture(t, config.SyncConfig{})
	ctx := context.Background()
	docs, err := f.engine.CreateFolder(ctx, "Docs", nil)
	require.NoError(t, err)

	path := writeFile(t, "notes.txt", "hello world")

	node, err := f.engine.Upload(ctx, path, "", tree.ID(docs.LocalID), "")
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", node.Name)
	assert.Equal(t, tree.KindFile, node.Kind)
	require.NotNil(t, node.ParentLocalID)
	assert.Equal(t, docs.LocalID, *node.ParentLocalID)
	require.NotNil(t, node.SizeBytes)
	assert.Equal(t, int64(11), *node.SizeBytes)
	require.NotNil(t, node.MimeType)
	assert.True(t, strings.HasPrefix(*node.MimeType, "text/plain"), *node.MimeType)
	assert.Equal(t, docs.RemoteID, f.store.ParentOf(node.RemoteID))

	event := f.sink.last()
	assert.Equal(t, audit.ActionFileUploaded, event.Action)
	assert.Equal(t, node.LocalID, *event.TargetID)
	assert.Equal(t, "notes.txt", event.TargetName)
	assert.Equal(t, int64(11), event.Metadata["size_bytes"])
	assert.Equal(t, sync.HashString("hello world"), event.Metadata["sha256"])

	body, err := f.store.Download(ctx, node.RemoteID)
	require.NoError(t, err)
	defer body.Close()
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", buf.String())
}

func TestUpload_ExplicitNameAndMime(t *testing.T) {
	f := newFixture(t, config.SyncConfig{})
	path := writeFile(t, "raw.bin", "{}")

	node, err := f.engine.Upload(context.Background(), path, " config.json ", nil, "application/json")
	require.NoError(t, err)
	assert.Equal(t, "config.json", node.Name)
	assert.Nil(t, node.ParentLocalID)
	assert.Equal(t, "application/json", *node.MimeType)
	assert.Equal(t, memstore.RootID, f.store.ParentOf(node.RemoteID))
}

func TestUpload_InvalidParent(t *testing.T) {
	engine, _, mirror := mockEngine(t, config.SyncConfig{})
	file := seed(t, mirror, "f", "doc.txt", tree.KindFile, nil)
	trashedFolder := seed(t, mirror, "t", "Old", tree.KindFolder, nil)
	_, err := mirror.Upsert(context.Background(), tree.Attributes{
		RemoteID: "t", Name: "Old", Kind: tree.KindFolder, Trashed: true, SeenAt: time.Now(),
	})
	require.NoError(t, err)
	path := writeFile(t, "a.txt", "a")

	tests := []struct {
		name   string
		parent *int64
	}{
		{name: "file parent", parent: tree.ID(file.LocalID)},
		{name: "trashed folder", parent: tree.ID(trashedFolder.LocalID)},
		{name: "missing parent", parent: tree.ID(9999)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Upload(context.Background(), path, "", tt.parent, "")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tree.ErrInvalidParent), err.Error())

			var treeErr *tree.Error
			require.True(t, errors.As(err, &treeErr))
			assert.Equal(t, "upload", treeErr.Op)
		})
	}
}

func TestUpload_MissingLocalFile(t *testing.T) {
	engine, _, _ := mockEngine(t, config.SyncConfig{})

	_, err := engine.Upload(context.Background(), filepath.Join(t.TempDir(), "nope.txt"), "", nil, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.True(t, errors.Is(err, sync.ErrLocalFile))
}

func TestUpload_DirectoryIsLocalFileError(t *testing.T) {
	engine, _, _ := mockEngine(t, config.SyncConfig{})

	_, err := engine.Upload(context.Background(), t.TempDir(), "dir", nil, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sync.ErrLocalFile), err.Error())
}

func TestCreateFolder(t *testing.T) {
	f := newFixture(t, config.SyncConfig{})
	ctx := context.Background()

	parent, err := f.engine.CreateFolder(ctx, "Projects", nil)
	require.NoError(t, err)
	child, err := f.engine.CreateFolder(ctx, "2024", tree.ID(parent.LocalID))
	require.NoError(t, err)

	assert.Equal(t, tree.KindFolder, child.Kind)
	assert.Nil(t, child.SizeBytes)
	assert.Equal(t, parent.LocalID, *child.ParentLocalID)
	assert.Equal(t, parent.RemoteID, f.store.ParentOf(child.RemoteID))
	assert.False(t, child.RemoteCreatedAt.IsZero())
	assert.Equal(t, []string{audit.ActionFolderCreated, audit.ActionFolderCreated}, f.sink.actions())
}

func TestCreateFolder_InvalidNameSkipsRemote(t *testing.T) {
	engine, _, _ := mockEngine(t, config.SyncConfig{})

	for _, name := range []string{"", "   ", strings.Repeat("x", 256)} {
		_, err := engine.CreateFolder(context.Background(), name, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, tree.ErrInvalidName))
	}
}

func TestCreateFolder_UniqueNames(t *testing.T) {
	f := newFixture(t, config.SyncConfig{UniqueNames: true})
	ctx := context.Background()

	_, err := f.engine.CreateFolder(ctx, "Docs", nil)
	require.NoError(t, err)

	_, err = f.engine.CreateFolder(ctx, "Docs", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tree.ErrConflict))
	assert.Equal(t, 1, f.store.Calls("create_folder"))

	// Same name elsewhere is fine
	other, err := f.engine.CreateFolder(ctx, "Other", nil)
	require.NoError(t, err)
	_, err = f.engine.CreateFolder(ctx, "Docs", tree.ID(other.LocalID))
	require.NoError(t, err)
}

func TestCreateFolder_DuplicatesAllowedByDefault(t *testing.T) {
	f := newFixture(t, config.SyncConfig{})
	ctx := context.Background()

	first, err := f.engine.CreateFolder(ctx, "Docs", nil)
	require.NoError(t, err)
	second, err := f.engine.CreateFolder(ctx, "Docs", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.LocalID, second.LocalID)
}

func TestRename(t *testing.T) {
	f := newFixture(t, config.SyncConfig{})
	ctx := context.Background()
	folder, err := f.engine.CreateFolder(ctx, "Drafts", nil)
	require.NoError(t, err)

	renamed, err := f.engine.Rename(ctx, folder.LocalID, "Final")
	require.NoError(t, err)
	assert.Equal(t, folder.LocalID, renamed.LocalID)
	assert.Equal(t, "Final", renamed.Name)
	assert.False(t, renamed.RemoteModifiedAt.Before(folder.RemoteModifiedAt))

	event := f.sink.last()
	assert.Equal(t, audit.ActionFolderRenamed, event.Action)
	assert.Equal(t, "Drafts", event.Metadata["old_name"])
	assert.Equal(t, "Final", event.Metadata["new_name"])
}

func TestRename_RemoteFailureLeavesMirrorUnchanged(t *testing.T) {
	f := newFixture(t, config.SyncConfig{})
	ctx := context.Background()
	path := writeFile(t, "a.txt", "a")
	node, err := f.engine.Upload(ctx, path, "", nil, "")
	require.NoError(t, err)
	eventsBefore := len(f.sink.actions())

	f.store.FailNext("rename", remote.Rejected("rename", node.RemoteID, errors.New("name too long")))

	_, err = f.engine.Rename(ctx, node.LocalID, "b.txt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, remote.ErrRejected))
	assert.False(t, errors.Is(err, sync.ErrMirrorStale))

	current, err := f.mirror.FindByLocalID(ctx, node.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", current.Name)
	assert.Len(t, f.sink.actions(), eventsBefore)
}

func TestRename_TrashedIsNotFound(t *testing.T) {
	engine, _, mirror := mockEngine(t, config.SyncConfig{})
	_, err := mirror.Upsert(context.Background(), tree.Attributes{
		RemoteID: "x", Name: "x.txt", Kind: tree.KindFile, Trashed: true, SeenAt: time.Now(),
	})
	require.NoError(t, err)
	n, err := mirror.FindByRemoteID(context.Background(), "x")
	require.NoError(t, err)

	_, err = engine.Rename(context.Background(), n.LocalID, "y.txt")
	assert.True(t, errors.Is(err, tree.ErrNotFound))

	_, err = engine.Rename(context.Background(), 4242, "y.txt")
	assert.True(t, errors.Is(err, tree.ErrNotFound))
}

func TestRename_FallsBackToLocalTime(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := remotemock.NewMockGateway(ctrl)
	mirror := newMirror(t)
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	engine := sync.NewEngine(gw, mirror, config.SyncConfig{}, sync.WithClock(func() time.Time { return now }))
	node := seed(t, mirror, "r1", "a.txt", tree.KindFile, nil)

	gw.EXPECT().Rename(gomock.Any(), "r1", "b.txt").Return(remote.Entry{ID: "r1", Name: "b.txt"}, nil)

	renamed, err := engine.Rename(context.Background(), node.LocalID, "b.txt")
	require.NoError(t, err)
	assert.True(t, now.Equal(renamed.RemoteModifiedAt))
}

func TestMove(t *testing.T) {
	f := newFixture(t, config.SyncConfig{})
	ctx := context.Background()
	src, err := f.engine.CreateFolder(ctx, "Inbox", nil)
	require.NoError(t, err)
	dst, err := f.engine.CreateFolder(ctx, "Archive", nil)
	require.NoError(t, err)
	file, err := f.engine.Upload(ctx, writeFile(t, "r.txt", "r"), "", tree.ID(src.LocalID), "")
	require.NoError(t, err)

	moved, err := f.engine.Move(ctx, file.LocalID, tree.ID(dst.LocalID))
	require.NoError(t, err)
	assert.Equal(t, dst.LocalID, *moved.ParentLocalID)
	assert.Equal(t, dst.RemoteID, f.store.ParentOf(file.RemoteID))

	event := f.sink.last()
	assert.Equal(t, audit.ActionFileMoved, event.Action)
	assert.Equal(t, tree.ID(dst.LocalID), event.Metadata["new_parent_id"])

	toRoot, err := f.engine.Move(ctx, file.LocalID, nil)
	require.NoError(t, err)
	assert.Nil(t, toRoot.ParentLocalID)
	assert.Equal(t, memstore.RootID, f.store.ParentOf(file.RemoteID))
}

func TestMove_GatewayArguments(t *testing.T) {
	engine, gw, mirror := mockEngine(t, config.SyncConfig{})
	folder := seed(t, mirror, "folder-r", "F", tree.KindFolder, nil)
	file := seed(t, mirror, "file-r", "a.txt", tree.KindFile, tree.ID(folder.LocalID))
	atRoot := seed(t, mirror, "root-file", "b.txt", tree.KindFile, nil)
	ctx := context.Background()

	gw.EXPECT().RootID(gomock.Any()).Return("root", nil).AnyTimes()

	// Leaving a folder for the root names both parents
	gw.EXPECT().Move(gomock.Any(), "file-r", "root", "folder-r").Return(remote.Entry{ID: "file-r"}, nil)
	_, err := engine.Move(ctx, file.LocalID, nil)
	require.NoError(t, err)

	// Staying put omits the old parent
	gw.EXPECT().Move(gomock.Any(), "root-file", "root", "").Return(remote.Entry{ID: "root-file"}, nil)
	_, err = engine.Move(ctx, atRoot.LocalID, nil)
	require.NoError(t, err)
}

func TestMove_RejectsCycles(t *testing.T) {
	engine, _, mirror := mockEngine(t, config.SyncConfig{})
	a := seed(t, mirror, "a", "A", tree.KindFolder, nil)
	b := seed(t, mirror, "b", "B", tree.KindFolder, tree.ID(a.LocalID))
	c := seed(t, mirror, "c", "C", tree.KindFolder, tree.ID(b.LocalID))

	tests := []struct {
		name string
		id   int64
		dest int64
	}{
		{name: "into child", id: a.LocalID, dest: b.LocalID},
		{name: "into grandchild", id: a.LocalID, dest: c.LocalID},
		{name: "into itself", id: b.LocalID, dest: b.LocalID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Move(context.Background(), tt.id, tree.ID(tt.dest))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tree.ErrInvalidMove))
		})
	}

	current, err := mirror.FindByLocalID(context.Background(), a.LocalID)
	require.NoError(t, err)
	assert.Nil(t, current.ParentLocalID)
}

func TestMove_IntoFileIsInvalidParent(t *testing.T) {
	engine, _, mirror := mockEngine(t, config.SyncConfig{})
	a := seed(t, mirror, "a", "a.txt", tree.KindFile, nil)
	b := seed(t, mirror, "b", "b.txt", tree.KindFile, nil)

	_, err := engine.Move(context.Background(), a.LocalID, tree.ID(b.LocalID))
	assert.True(t, errors.Is(err, tree.ErrInvalidParent))
}

func TestTrash(t *testing.T) {
	f := newFixture(t, config.SyncConfig{})
	ctx := context.Background()
	folder, err := f.engine.CreateFolder(ctx, "Old", nil)
	require.NoError(t, err)
	child, err := f.engine.Upload(ctx, writeFile(t, "c.txt", "c"), "", tree.ID(folder.LocalID), "")
	require.NoError(t, err)

	trashed, err := f.engine.Trash(ctx, folder.LocalID)
	require.NoError(t, err)
	assert.True(t, trashed.Trashed)
	assert.Equal(t, audit.ActionFolderDeleted, f.sink.last().Action)

	visible, err := f.engine.ListChildren(ctx, sync.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, visible)

	all, err := f.engine.ListChildren(ctx, sync.ListOptions{IncludeTrashed: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, folder.LocalID, all[0].LocalID)

	// No local cascade
	c, err := f.mirror.FindByLocalID(ctx, child.LocalID)
	require.NoError(t, err)
	assert.False(t, c.Trashed)

	_, err = f.engine.Trash(ctx, folder.LocalID)
	assert.True(t, errors.Is(err, tree.ErrNotFound))
	assert.Equal(t, 1, f.store.Calls("trash"))
}

// brokenMirror fails every write
type brokenMirror struct {
	sync.Mirror
}

func (brokenMirror) Upsert(context.Context, tree.Attributes) (*tree.Node, error) {
	return nil, errors.New("disk full")
}

func TestMutation_MirrorFailureAfterRemoteSuccess(t *testing.T) {
	f := newFixture(t, config.SyncConfig{})
	ctx := context.Background()
	engine := sync.NewEngine(f.store, brokenMirror{Mirror: f.mirror}, config.SyncConfig{}, sync.WithAuditSink(f.sink))

	_, err := engine.CreateFolder(ctx, "Lost", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sync.ErrMirrorStale))
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, f.store.Calls("create_folder"))
	assert.Empty(t, f.sink.actions())

	// A crawl with a working mirror repairs it
	result, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FoldersDiscovered)
	listed, err := f.engine.ListChildren(ctx, sync.ListOptions{Term: "lost"})
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

func TestMutation_AuditFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t, config.SyncConfig{})
	f.sink.err = errors.New("audit store down")

	node, err := f.engine.CreateFolder(context.Background(), "Docs", nil)
	require.NoError(t, err)
	assert.NotNil(t, node)
	assert.Equal(t, []string{audit.ActionFolderCreated}, f.sink.actions())
}

func TestMutation_ActorIsRecorded(t *testing.T) {
	f := newFixture(t, config.SyncConfig{})
	ctx := audit.WithActor(context.Background(), "user-7")

	_, err := f.engine.CreateFolder(ctx, "Docs", nil)
	require.NoError(t, err)
	require.NotNil(t, f.sink.last().ActorID)
	assert.Equal(t, "user-7", *f.sink.last().ActorID)
}
