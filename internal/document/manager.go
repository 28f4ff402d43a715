// Package document assigns and tracks document versions per (ticket, type).
package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coderaugment/bonsai-app-sub000/internal/audit"
	"github.com/coderaugment/bonsai-app-sub000/internal/store"
	"github.com/coderaugment/bonsai-app-sub000/internal/util"
)

var (
	ErrNoSuchDocument  = errors.New("document: no such document")
	ErrVersionConflict = errors.New("document: version conflict")
	ErrInvalidType     = errors.New("document: invalid document type")
)

// maxCreateAttempts bounds retries when another process claims the same
// version slot between our read and our insert.
const maxCreateAttempts = 5

type Store interface {
	InsertDocument(context.Context, store.Document) error
	LatestDocument(context.Context, string, store.DocumentType) (store.Document, error)
	GetDocumentVersion(context.Context, string, store.DocumentType, int) (store.Document, error)
	ListDocuments(context.Context, string) ([]store.Document, error)
	ApproveDocument(context.Context, string, time.Time) (bool, error)
	DeleteDocumentsOfType(context.Context, string, store.DocumentType) (int64, error)
}

// Archiver mirrors versions into a secondary history. Failures are logged.
type Archiver interface {
	ArchiveVersion(ticketID string, doc store.Document, author string) error
	RemoveDocument(ticketID string, docType store.DocumentType, author string) error
}

type Recorder interface {
	RecordQuietly(ctx context.Context, ticketID, event string, actor audit.Actor, detail string, metadata map[string]any)
}

type Manager struct {
	store    Store
	recorder Recorder
	archiver Archiver
	now      func() time.Time
	logger   *slog.Logger

	lockMu sync.Mutex
	locks  map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

type Option func(*Manager)

func WithArchiver(a Archiver) Option {
	return func(m *Manager) { m.archiver = a }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewManager(s Store, recorder Recorder, opts ...Option) *Manager {
	m := &Manager{
		store:    s,
		recorder: recorder,
		now:      time.Now,
		logger:   slog.Default(),
		locks:    make(map[string]*keyedLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateVersion stores content as the next version of docType for the
// ticket. Calls for the same (ticket, type) are serialized; a slot taken by
// another process is retried with a fresh version number.
func (m *Manager) CreateVersion(ctx context.Context, ticketID string, docType store.DocumentType, content string, actor audit.Actor) (store.Document, error) {
	if !docType.Valid() {
		return store.Document{}, fmt.Errorf("%w: %q", ErrInvalidType, docType)
	}
	unlock := m.lockDocument(ticketID, docType)
	defer unlock()

	var doc store.Document
	for attempt := 1; ; attempt++ {
		next, err := m.nextVersion(ctx, ticketID, docType)
		if err != nil {
			return store.Document{}, err
		}
		now := m.now().UTC()
		doc = store.Document{
			ID:        util.NewID("doc"),
			TicketID:  ticketID,
			Type:      docType,
			Version:   next,
			Content:   content,
			AuthorID:  actor.ID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err = m.store.InsertDocument(ctx, doc)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return store.Document{}, err
		}
		if attempt >= maxCreateAttempts {
			return store.Document{}, fmt.Errorf("%w: %s v%d after %d attempts", ErrVersionConflict, docType, next, attempt)
		}
		m.logger.Warn("document version slot taken, retrying", "ticket", ticketID, "type", docType, "version", next)
	}

	m.recorder.RecordQuietly(ctx, ticketID, audit.EventDocumentCreated, actor,
		fmt.Sprintf("%s v%d created", docType, doc.Version),
		map[string]any{"documentId": doc.ID, "type": string(docType), "version": doc.Version})
	if m.archiver != nil {
		if err := m.archiver.ArchiveVersion(ticketID, doc, authorName(actor)); err != nil {
			m.logger.Error("archive document version failed", "ticket", ticketID, "type", docType, "version", doc.Version, "err", err)
		}
	}
	return doc, nil
}

func (m *Manager) nextVersion(ctx context.Context, ticketID string, docType store.DocumentType) (int, error) {
	latest, err := m.store.LatestDocument(ctx, ticketID, docType)
	if errors.Is(err, store.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return latest.Version + 1, nil
}

// Approve marks the latest version of docType approved. The returned flag is
// false when that version was already approved. A version superseded between
// the read and the write yields ErrVersionConflict and stays unapproved.
func (m *Manager) Approve(ctx context.Context, ticketID string, docType store.DocumentType, actor audit.Actor) (store.Document, bool, error) {
	if !docType.Valid() {
		return store.Document{}, false, fmt.Errorf("%w: %q", ErrInvalidType, docType)
	}
	unlock := m.lockDocument(ticketID, docType)
	defer unlock()

	latest, err := m.latest(ctx, ticketID, docType)
	if err != nil {
		return store.Document{}, false, err
	}
	if latest.Approved {
		return latest, false, nil
	}
	at := m.now().UTC()
	changed, err := m.store.ApproveDocument(ctx, latest.ID, at)
	if err != nil {
		return store.Document{}, false, err
	}
	if !changed {
		current, err := m.latest(ctx, ticketID, docType)
		if err != nil {
			return store.Document{}, false, err
		}
		if current.ID != latest.ID {
			return store.Document{}, false, fmt.Errorf("%w: %s v%d superseded by v%d", ErrVersionConflict, docType, latest.Version, current.Version)
		}
		return current, false, nil
	}
	latest.Approved = true
	latest.ApprovedAt = &at
	latest.UpdatedAt = at

	m.recorder.RecordQuietly(ctx, ticketID, audit.EventDocumentApproved, actor,
		fmt.Sprintf("%s v%d approved", docType, latest.Version),
		map[string]any{"documentId": latest.ID, "type": string(docType), "version": latest.Version})
	return latest, true, nil
}

// Latest returns the highest version, approved or not.
func (m *Manager) Latest(ctx context.Context, ticketID string, docType store.DocumentType) (store.Document, error) {
	if !docType.Valid() {
		return store.Document{}, fmt.Errorf("%w: %q", ErrInvalidType, docType)
	}
	return m.latest(ctx, ticketID, docType)
}

func (m *Manager) latest(ctx context.Context, ticketID string, docType store.DocumentType) (store.Document, error) {
	doc, err := m.store.LatestDocument(ctx, ticketID, docType)
	if errors.Is(err, store.ErrNotFound) {
		return store.Document{}, fmt.Errorf("%w: %s", ErrNoSuchDocument, docType)
	}
	return doc, err
}

func (m *Manager) ByVersion(ctx context.Context, ticketID string, docType store.DocumentType, version int) (store.Document, error) {
	if !docType.Valid() {
		return store.Document{}, fmt.Errorf("%w: %q", ErrInvalidType, docType)
	}
	doc, err := m.store.GetDocumentVersion(ctx, ticketID, docType, version)
	if errors.Is(err, store.ErrNotFound) {
		return store.Document{}, fmt.Errorf("%w: %s v%d", ErrNoSuchDocument, docType, version)
	}
	return doc, err
}

// List returns every version of every type for the ticket.
func (m *Manager) List(ctx context.Context, ticketID string) ([]store.Document, error) {
	return m.store.ListDocuments(ctx, ticketID)
}

// Delete removes every version of docType, approvals included. The ticket
// state is left alone; gates re-close on the next forward transition.
func (m *Manager) Delete(ctx context.Context, ticketID string, docType store.DocumentType, actor audit.Actor) (int64, error) {
	if !docType.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidType, docType)
	}
	unlock := m.lockDocument(ticketID, docType)
	defer unlock()

	removed, err := m.store.DeleteDocumentsOfType(ctx, ticketID, docType)
	if err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoSuchDocument, docType)
	}

	m.recorder.RecordQuietly(ctx, ticketID, audit.EventDocumentDeleted, actor,
		fmt.Sprintf("%s deleted (%d versions)", docType, removed),
		map[string]any{"type": string(docType), "versions": removed})
	if m.archiver != nil {
		if err := m.archiver.RemoveDocument(ticketID, docType, authorName(actor)); err != nil {
			m.logger.Error("archive document removal failed", "ticket", ticketID, "type", docType, "err", err)
		}
	}
	return removed, nil
}

// lockDocument serializes work on one (ticket, type). Entries are dropped
// once no caller holds or waits on them.
func (m *Manager) lockDocument(ticketID string, docType store.DocumentType) func() {
	key := ticketID + "/" + string(docType)
	m.lockMu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &keyedLock{}
		m.locks[key] = lock
	}
	lock.refs++
	m.lockMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		m.lockMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(m.locks, key)
		}
		m.lockMu.Unlock()
	}
}

func authorName(actor audit.Actor) string {
	switch {
	case actor.Name != "":
		return actor.Name
	case actor.ID != "":
		return actor.ID
	default:
		return string(actor.Type)
	}
}
