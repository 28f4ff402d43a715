// Package audit records ticket activity as append-only events.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coderaugment/bonsai-app-sub000/internal/store"
)

const (
	EventTicketCreated     = "ticket_created"
	EventTicketDeleted     = "ticket_deleted"
	EventStateChanged      = "state_changed"
	EventDocumentCreated   = "document_created"
	EventDocumentApproved  = "document_approved"
	EventDocumentDeleted   = "document_deleted"
	EventDispatchAttempted = "dispatch_attempted"
	EventCommentPosted     = "comment_posted"
	EventTicketShipped     = "ticket_shipped"
	EventShipFailed        = "ship_failed"
)

// Actor identifies who caused an event. ID is empty for system actions.
type Actor struct {
	Type store.ActorType
	ID   string
	Name string
}

var System = Actor{Type: store.ActorSystem, Name: "system"}

type Store interface {
	InsertAuditEvent(context.Context, store.AuditEvent) (store.AuditEvent, error)
	ListAuditEvents(context.Context, string, int) ([]store.AuditEvent, error)
	DeleteAuditEvents(context.Context, string) (int64, error)
}

type Log struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

func New(s Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: s, now: time.Now, logger: logger}
}

// WithClock overrides the timestamp source.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// Record appends one event.
func (l *Log) Record(ctx context.Context, ticketID, event string, actor Actor, detail string, metadata map[string]any) (store.AuditEvent, error) {
	if actor.Type == "" {
		actor = System
	}
	entry := store.AuditEvent{
		TicketID:  ticketID,
		Event:     event,
		ActorType: actor.Type,
		ActorName: actor.Name,
		Detail:    detail,
		Metadata:  metadata,
		CreatedAt: l.now().UTC(),
	}
	if actor.ID != "" {
		id := actor.ID
		entry.ActorID = &id
	}
	saved, err := l.store.InsertAuditEvent(ctx, entry)
	if err != nil {
		return store.AuditEvent{}, fmt.Errorf("record %s for ticket %s: %w", event, ticketID, err)
	}
	return saved, nil
}

// RecordQuietly appends an event and only logs a failure. Used where the
// audited action already succeeded and must not be reported as failed.
func (l *Log) RecordQuietly(ctx context.Context, ticketID, event string, actor Actor, detail string, metadata map[string]any) {
	if _, err := l.Record(ctx, ticketID, event, actor, detail, metadata); err != nil {
		l.logger.Error("audit write failed", "ticket", ticketID, "event", event, "err", err)
	}
}

func (l *Log) List(ctx context.Context, ticketID string, limit int) ([]store.AuditEvent, error) {
	return l.store.ListAuditEvents(ctx, ticketID, limit)
}

// Clear removes every event for one ticket. Only the admin API calls it.
func (l *Log) Clear(ctx context.Context, ticketID string) (int64, error) {
	removed, err := l.store.DeleteAuditEvents(ctx, ticketID)
	if err != nil {
		return 0, err
	}
	l.logger.Info("audit log cleared", "ticket", ticketID, "removed", removed)
	return removed, nil
}
