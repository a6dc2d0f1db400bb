// Package audit carries the notifications the mirror emits after each
// successful mutation, and the sinks that receive them.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Actions emitted by the engine.
const (
	ActionFileUploaded  = "file_uploaded"
	ActionFolderCreated = "folder_created"
	ActionFileRenamed   = "file_renamed"
	ActionFolderRenamed = "folder_renamed"
	ActionFileMoved     = "file_moved"
	ActionFolderMoved   = "folder_moved"
	ActionFileDeleted   = "file_deleted"
	ActionFolderDeleted = "folder_deleted"
	ActionSyncCompleted = "sync_completed"
)

// Event is one audit notification.
type Event struct {
	ID         uuid.UUID      `json:"event_id"`
	ActorID    *string        `json:"actor_id,omitempty"`
	Action     string         `json:"action"`
	TargetID   *int64         `json:"target_id,omitempty"`
	TargetName string         `json:"target_name,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NewEvent stamps an event with a fresh id and the current time. The actor
// comes from ctx, see WithActor.
func NewEvent(ctx context.Context, action string, targetID *int64, targetName string, metadata map[string]any) Event {
	return Event{
		ID:         uuid.New(),
		ActorID:    ActorFrom(ctx),
		Action:     action,
		TargetID:   targetID,
		TargetName: targetName,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}
}

type actorKey struct{}

// WithActor attaches the id of whoever triggered the work.
func WithActor(ctx context.Context, actorID string) context.Context {
	if actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFrom returns the actor attached to ctx, or nil.
func ActorFrom(ctx context.Context) *string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok {
		return &actor
	}
	return nil
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// Store persists audit rows.
type Store interface {
	InsertAuditEvent(ctx context.Context, event Event) error
}

// DatabaseSink writes events through a Store.
type DatabaseSink struct {
	store Store
}

func NewDatabaseSink(store Store) *DatabaseSink {
	return &DatabaseSink{store: store}
}

func (s *DatabaseSink) Record(ctx context.Context, event Event) error {
	return s.store.InsertAuditEvent(ctx, event)
}

// LogSink writes events as structured log records.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, event Event) error {
	attrs := []any{
		"event_id", event.ID.String(),
		"action", event.Action,
	}
	if event.ActorID != nil {
		attrs = append(attrs, "actor_id", *event.ActorID)
	}
	if event.TargetID != nil {
		attrs = append(attrs, "target_id", *event.TargetID)
	}
	if event.TargetName != "" {
		attrs = append(attrs, "target_name", event.TargetName)
	}
	if len(event.Metadata) > 0 {
		attrs = append(attrs, "metadata", event.Metadata)
	}

	s.logger.InfoContext(ctx, "audit", attrs...)
	return nil
}

// Multi fans an event out to several sinks. Every sink is tried.
type Multi []Sink

func (m Multi) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Record(context.Context, Event) error { return nil }
