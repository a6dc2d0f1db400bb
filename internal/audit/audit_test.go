package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []Event
	err    error
}

func (r *recorder) Record(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) InsertAuditEvent(ctx context.Context, e Event) error {
	return r.Record(ctx, e)
}

func TestNewEventCarriesActor(t *testing.T) {
	ctx := WithActor(context.Background(), "user-7")
	id := int64(3)

	e := NewEvent(ctx, ActionFolderCreated, &id, "Docs", nil)

	require.NotNil(t, e.ActorID)
	assert.Equal(t, "user-7", *e.ActorID)
	assert.Equal(t, ActionFolderCreated, e.Action)
	assert.Equal(t, int64(3), *e.TargetID)
	assert.NotEqual(t, [16]byte{}, [16]byte(e.ID))
	assert.False(t, e.CreatedAt.IsZero())
}

func TestActorAbsent(t *testing.T) {
	assert.Nil(t, ActorFrom(context.Background()))
	assert.Nil(t, ActorFrom(WithActor(context.Background(), "")))
}

func TestMultiTriesEverySink(t *testing.T) {
	failing := &recorder{err: errors.New("db down")}
	ok := &recorder{}

	err := Multi{failing, ok}.Record(context.Background(), Event{Action: ActionFileDeleted})

	assert.ErrorContains(t, err, "db down")
	assert.Len(t, failing.events, 1)
	assert.Len(t, ok.events, 1)
}

func TestDatabaseSink(t *testing.T) {
	store := &recorder{}
	sink := NewDatabaseSink(store)

	require.NoError(t, sink.Record(context.Background(), Event{Action: ActionFileMoved}))
	assert.Equal(t, ActionFileMoved, store.events[0].Action)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))

	ctx := WithActor(context.Background(), "alice")
	id := int64(9)
	require.NoError(t, sink.Record(ctx, NewEvent(ctx, ActionFileRenamed, &id, "b.txt", map[string]any{"old_name": "a.txt"})))

	out := buf.String()
	assert.Contains(t, out, "action=file_renamed")
	assert.Contains(t, out, "actor_id=alice")
	assert.Contains(t, out, "target_id=9")
}

func TestDiscard(t *testing.T) {
	assert.NoError(t, Discard{}.Record(context.Background(), Event{}))
}
