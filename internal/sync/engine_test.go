package sync_test

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/vonshlovens/drivemirror/internal/audit"
	"github.com/vonshlovens/drivemirror/internal/config"
	"github.com/vonshlovens/drivemirror/internal/db/sqlite"
	"github.com/vonshlovens/drivemirror/internal/remote"
	"github.com/vonshlovens/drivemirror/internal/remote/memstore"
	"github.com/vonshlovens/drivemirror/internal/remote/remotemock"
	"github.com/vonshlovens/drivemirror/internal/sync"
	"github.com/vonshlovens/drivemirror/internal/tree"
)

// clock advances one second on every reading
type clock struct {
	mu  stdsync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type recordingSink struct {
	mu     stdsync.Mutex
	events []audit.Event
	err    error
}

func (s *recordingSink) Record(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *recordingSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		out = append(out, e.Action)
	}
	return out
}

func (s *recordingSink) last() audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

func newMirror(t *testing.T) *sqlite.DB {
	t.Helper()
	mirror, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { mirror.Close() })
	require.NoError(t, mirror.RunMigrations(context.Background()))
	return mirror
}

type fixture struct {
	store  *memstore.Store
	mirror *sqlite.DB
	sink   *recordingSink
	clock  *clock
	engine *sync.Engine
}

func newFixture(t *testing.T, cfg config.SyncConfig, opts ...sync.Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  memstore.New(),
		mirror: newMirror(t),
		sink:   &recordingSink{},
		clock:  newClock(),
	}
	opts = append([]sync.Option{sync.WithAuditSink(f.sink), sync.WithClock(f.clock.Now)}, opts...)
	f.engine = sync.NewEngine(f.store, f.mirror, cfg, opts...)
	return f
}

func (f *fixture) node(t *testing.T, remoteID string) *tree.Node {
	t.Helper()
	n, err := f.mirror.FindByRemoteID(context.Background(), remoteID)
	require.NoError(t, err)
	require.NotNil(t, n, "remote id %s not mirrored", remoteID)
	return n
}

// snapshot returns every mirrored row, walking from the root
func snapshot(t *testing.T, mirror sync.Mirror) []*tree.Node {
	t.Helper()
	ctx := context.Background()
	var out []*tree.Node
	var walk func(parent *int64)
	walk = func(parent *int64) {
		children, err := mirror.ChildrenOf(ctx, parent, true)
		require.NoError(t, err)
		for _, child := range children {
			out = append(out, child)
			walk(tree.ID(child.LocalID))
		}
	}
	walk(nil)
	return out
}

func TestSync_MirrorsTree(t *testing.T) {
	f := newFixture(t, config.SyncConfig{})
	docs := f.store.SeedFolder("Docs", "")
	sub := f.store.SeedFolder("Sub", docs)
	a := f.store.SeedFile("a.txt", docs, "text/plain", []byte("a"))
	b := f.store.SeedFile("b.txt", sub, "text/plain", []byte("bb"))
	c := f.store.SeedFile("c.txt", "", "text/plain", []byte("ccc"))

	result, err := f.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.FilesDiscovered)
	assert.Equal(t, 2, result.FoldersDiscovered)
	assert.False(t, result.CompletedAt.Before(result.StartedAt))

	docsNode := f.node(t, docs)
	subNode := f.node(t, sub)
	assert.Nil(t, docsNode.ParentLocalID)
	assert.Equal(t, tree.KindFolder, docsNode.Kind)
	assert.Nil(t, docsNode.SizeBytes)
	require.NotNil(t, subNode.ParentLocalID)
	assert.Equal(t, docsNode.LocalID, *subNode.ParentLocalID)
	assert.Equal(t, docsNode.LocalID, *f.node(t, a).ParentLocalID)
	assert.Equal(t, subNode.LocalID, *f.node(t, b).ParentLocalID)

	cNode := f.node(t, c)
	assert.Nil(t, cNode.ParentLocalID)
	assert.Equal(t, tree.KindFile, cNode.Kind)
	require.NotNil(t, cNode.SizeBytes)
	assert.Equal(t, int64(3), *cNode.SizeBytes)

	// The root is never stored as a row
	root, err := f.mirror.FindByRemoteID(context.Background(), memstore.RootID)
	require.NoError(t, err)
	assert.Nil(t, root)
}

func TestSync_IsIdempotent(t *testing.T) {
	f := newFixture(t, config.SyncConfig{})
	docs := f.store.SeedFolder("Docs", "")
	f.store.SeedFolder("Empty", docs)
	f.store.SeedFile("a.txt", docs, "text/plain", []byte("a"))
	f.store.SeedFile("b.pdf", "", "application/pdf", []byte("pdf"))

	first, err := f.engine.Sync(context.Background())
	require.NoError(t, err)
	before := snapshot(t, f.mirror)

	second, err := f.engine.Sync(context.Background())
	require.NoError(t, err)
	after := snapshot(t, f.mirror)

	assert.Equal(t, first.FilesDiscovered, second.FilesDiscovered)
	assert.Equal(t, first.FoldersDiscovered, second.FoldersDiscovered)
	assert.Equal(t, before, after)
	assert.Len(t, after, 4)
}

func TestSync_ConvergesOnRemoteRename(t *testing.T) {
	f := newFixture(t, config.SyncConfig{})
	id := f.store.SeedFile("old.txt", "", "text/plain", []byte("x"))

	_, err := f.engine.Sync(context.Background())
	require.NoError(t, err)
	original := f.node(t, id)

	f.store.Mutate(id, func(e *remote.Entry) { e.Name = "new.txt" })

	result, err := f.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesDiscovered)

	updated := f.node(t, id)
	assert.Equal(t, original.LocalID, updated.LocalID)
	assert.Equal(t, "new.txt", updated.Name)
	assert.Len(t, snapshot(t, f.mirror), 1)
}

func TestSync_FollowsRemoteMove(t *testing.T) {
	f := newFixture(t, config.SyncConfig{})
	a := f.store.SeedFolder("A", "")
	b := f.store.SeedFolder("B", a)

	_, err := f.engine.Sync(context.Background())
	require.NoError(t, err)

	// B moves up to the root and A moves under it
	_, err = f.store.Move(context.Background(), b, "", a)
	require.NoError(t, err)
	_, err = f.store.Move(context.Background(), a, b, "")
	require.NoError(t, err)

	_, err = f.engine.Sync(context.Background())
	require.NoError(t, err)

	bNode := f.node(t, b)
	aNode := f.node(t, a)
	assert.Nil(t, bNode.ParentLocalID)
	require.NotNil(t, aNode.ParentLocalID)
	assert.Equal(t, bNode.LocalID, *aNode.ParentLocalID)
}

func TestSync_TrashedFolderIsNotDescended(t *testing.T) {
	f := newFixture(t, config.SyncConfig{})
	old := f.store.SeedFolder("Old", "")
	inside := f.store.SeedFile("inside.txt", old, "text/plain", nil)
	f.store.Mutate(old, func(e *remote.Entry) { e.Trashed = true })

	result, err := f.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.FoldersDiscovered)
	assert.Equal(t, 0, result.FilesDiscovered)

	assert.True(t, f.node(t, old).Trashed)
	missing, err := f.mirror.FindByRemoteID(context.Background(), inside)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSync_AbortsOnRemoteFailure(t *testing.T) {
	dir := t.TempDir()
	state, err := sync.NewStateTracker(dir, "test")
	require.NoError(t, err)

	f := newFixture(t, config.SyncConfig{}, sync.WithStateTracker(state))
	docs := f.store.SeedFolder("Docs", "")
	nested := f.store.SeedFile("nested.txt", docs, "text/plain", nil)
	top := f.store.SeedFile("top.txt", "", "text/plain", nil)

	f.store.FailNext("list", nil)
	f.store.FailNext("list", remote.Unavailable("list", docs, errors.New("connection reset")))

	result, err := f.engine.Sync(context.Background())
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, remote.ErrUnavailable))
	assert.True(t, remote.IsRetryable(err))

	// Rows written before the failure stay
	f.node(t, docs)
	f.node(t, top)
	missing, err := f.mirror.FindByRemoteID(context.Background(), nested)
	require.NoError(t, err)
	assert.Nil(t, missing)

	last := state.LastCrawl()
	require.NotNil(t, last)
	assert.False(t, last.Succeeded())
	assert.Contains(t, last.Error, "connection reset")
	assert.Empty(t, f.sink.actions())

	// A re-run converges
	_, err = f.engine.Sync(context.Background())
	require.NoError(t, err)
	f.node(t, nested)
	assert.True(t, state.LastCrawl().Succeeded())
}

func TestSync_MaxDepth(t *testing.T) {
	f := newFixture(t, config.SyncConfig{MaxDepth: 1})
	one := f.store.SeedFolder("one", "")
	two := f.store.SeedFolder("two", one)
	f.store.SeedFolder("three", two)

	_, err := f.engine.Sync(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, sync.ErrMaxDepth))
	assert.Contains(t, err.Error(), "one/two")
}

func TestSync_IgnorePatterns(t *testing.T) {
	f := newFixture(t, config.SyncConfig{IgnorePatterns: []string{"Archive", "**/*.tmp"}})
	archive := f.store.SeedFolder("Archive", "")
	f.store.SeedFile("old.txt", archive, "text/plain", nil)
	docs := f.store.SeedFolder("Docs", "")
	scratch := f.store.SeedFile("scratch.tmp", docs, "text/plain", nil)
	keep := f.store.SeedFile("keep.txt", docs, "text/plain", nil)

	result, err := f.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Ignored)
	assert.Equal(t, 1, result.FilesDiscovered)
	assert.Equal(t, 1, result.FoldersDiscovered)

	f.node(t, keep)
	for _, id := range []string{archive, scratch} {
		n, err := f.mirror.FindByRemoteID(context.Background(), id)
		require.NoError(t, err)
		assert.Nil(t, n)
	}
	assert.Equal(t, 2, f.store.Calls("list"))
}

func TestSync_TrashUnseen(t *testing.T) {
	tests := []struct {
		name        string
		trashUnseen bool
		wantTrashed bool
	}{
		{name: "disabled keeps orphan rows", trashUnseen: false, wantTrashed: false},
		{name: "enabled trashes orphan rows", trashUnseen: true, wantTrashed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, config.SyncConfig{TrashUnseen: tt.trashUnseen})
			gone := f.store.SeedFile("gone.txt", "", "text/plain", nil)
			kept := f.store.SeedFile("kept.txt", "", "text/plain", nil)

			_, err := f.engine.Sync(context.Background())
			require.NoError(t, err)

			f.store.Remove(gone)

			result, err := f.engine.Sync(context.Background())
			require.NoError(t, err)

			assert.Equal(t, tt.wantTrashed, f.node(t, gone).Trashed)
			assert.False(t, f.node(t, kept).Trashed)
			if tt.wantTrashed {
				assert.Equal(t, int64(1), result.TrashedUnseen)
			} else {
				assert.Zero(t, result.TrashedUnseen)
			}
		})
	}
}

func TestSync_KindMismatchKeepsMirroredKind(t *testing.T) {
	f := newFixture(t, config.SyncConfig{})
	id := f.store.SeedFile("report", "", "text/plain", []byte("x"))

	_, err := f.engine.Sync(context.Background())
	require.NoError(t, err)

	f.store.Mutate(id, func(e *remote.Entry) { e.MimeType = tree.FolderMimeType })

	result, err := f.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesDiscovered)
	assert.Equal(t, tree.KindFile, f.node(t, id).Kind)
	assert.Equal(t, 2, f.store.Calls("list"))
}

func TestSync_RejectsCycleFromInconsistentListing(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := remotemock.NewMockGateway(ctrl)
	mirror := newMirror(t)
	ctx := context.Background()

	a, err := mirror.Upsert(ctx, tree.Attributes{RemoteID: "a", Name: "A", Kind: tree.KindFolder, SeenAt: time.Now()})
	require.NoError(t, err)
	_, err = mirror.Upsert(ctx, tree.Attributes{RemoteID: "b", Name: "B", Kind: tree.KindFolder, ParentLocalID: tree.ID(a.LocalID), SeenAt: time.Now()})
	require.NoError(t, err)

	folder := func(id, name string) remote.Entry {
		return remote.Entry{ID: id, Name: name, MimeType: tree.FolderMimeType}
	}
	gw.EXPECT().RootID(gomock.Any()).Return("root", nil)
	gw.EXPECT().List(gomock.Any(), "root", true).Return([]remote.Entry{folder("b", "B")}, nil)
	gw.EXPECT().List(gomock.Any(), "b", true).Return([]remote.Entry{folder("a", "A")}, nil)
	gw.EXPECT().List(gomock.Any(), "a", true).Return([]remote.Entry{folder("b", "B")}, nil)

	engine := sync.NewEngine(gw, mirror, config.SyncConfig{})

	// B under root, A under B, then B reported again under A
	_, err = engine.Sync(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tree.ErrInvalidMove))
}

func TestSync_ConcurrentCallersShareOneCrawl(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := remotemock.NewMockGateway(ctrl)
	release := make(chan struct{})

	gw.EXPECT().RootID(gomock.Any()).DoAndReturn(func(context.Context) (string, error) {
		<-release
		return "root", nil
	}).Times(1)
	gw.EXPECT().List(gomock.Any(), "root", true).Return(nil, nil).Times(1)

	engine := sync.NewEngine(gw, newMirror(t), config.SyncConfig{})

	var wg stdsync.WaitGroup
	results := make([]*sync.Result, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = engine.Sync(context.Background())
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range 2 {
		require.NoError(t, errs[i])
		assert.Zero(t, results[i].FilesDiscovered)
	}
}

func TestSync_EmitsCompletionAndReportsProgress(t *testing.T) {
	var seen []sync.Progress
	f := newFixture(t, config.SyncConfig{}, sync.WithProgress(func(p sync.Progress) {
		seen = append(seen, p)
	}))
	docs := f.store.SeedFolder("Docs", "")
	f.store.SeedFile("a.txt", docs, "text/plain", nil)

	_, err := f.engine.Sync(context.Background())
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, "Docs", seen[0].Path)
	assert.Equal(t, 1, seen[0].Pending)
	assert.Equal(t, "Docs/a.txt", seen[1].Path)
	assert.Equal(t, 1, seen[1].Files)

	assert.Equal(t, []string{audit.ActionSyncCompleted}, f.sink.actions())
	event := f.sink.last()
	assert.Equal(t, 1, event.Metadata["files"])
	assert.Equal(t, 1, event.Metadata["folders"])
}

func TestSync_CancelledContext(t *testing.T) {
	f := newFixture(t, config.SyncConfig{})
	f.store.SeedFolder("Docs", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Sync(ctx)
	require.Error(t, err)
	assert.True(t, remote.IsRetryable(err) || errors.Is(err, context.Canceled))
}
