package document

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/coderaugment/bonsai-app-sub000/internal/audit"
	"github.com/coderaugment/bonsai-app-sub000/internal/store"
)

type recordedEvent struct {
	ticketID string
	event    string
	metadata map[string]any
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeRecorder) RecordQuietly(_ context.Context, ticketID, event string, _ audit.Actor, _ string, metadata map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{ticketID: ticketID, event: event, metadata: metadata})
}

func (f *fakeRecorder) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.event == event {
			n++
		}
	}
	return n
}

type fakeArchiver struct {
	archiveFn func(string, store.Document, string) error
	removeFn  func(string, store.DocumentType, string) error
}

func (f fakeArchiver) ArchiveVersion(ticketID string, doc store.Document, author string) error {
	if f.archiveFn == nil {
		return nil
	}
	return f.archiveFn(ticketID, doc, author)
}

func (f fakeArchiver) RemoveDocument(ticketID string, docType store.DocumentType, author string) error {
	if f.removeFn == nil {
		return nil
	}
	return f.removeFn(ticketID, docType, author)
}

var author = audit.Actor{Type: store.ActorAgent, ID: "per_researcher", Name: "Rhea"}

func openStore(t *testing.T) *store.SQLStore {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "documents.db")
	if err := store.Migrate(store.DriverSQLite, dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := store.Open(context.Background(), store.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := store.NewSQLStore(db, store.DriverSQLite)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := s.InsertTicket(context.Background(), store.Ticket{
		ID: "tkt_1", Title: "Ticket", Type: store.TicketFeature, State: "research",
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("insert ticket: %v", err)
	}
	return s
}

func TestCreateVersionStartsAtOneAndIncrements(t *testing.T) {
	s := openStore(t)
	rec := &fakeRecorder{}
	m := NewManager(s, rec)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		doc, err := m.CreateVersion(ctx, "tkt_1", store.DocumentResearch, "draft", author)
		if err != nil {
			t.Fatalf("create v%d: %v", want, err)
		}
		if doc.Version != want || doc.AuthorID != "per_researcher" {
			t.Fatalf("expected v%d by researcher, got %+v", want, doc)
		}
	}
	plan, err := m.CreateVersion(ctx, "tkt_1", store.DocumentImplementationPlan, "plan", author)
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if plan.Version != 1 {
		t.Fatalf("types are versioned independently, got plan v%d", plan.Version)
	}
	if rec.count(audit.EventDocumentCreated) != 4 {
		t.Fatalf("expected one audit event per version, got %d", rec.count(audit.EventDocumentCreated))
	}
}

func TestConcurrentCreateVersionIsGapless(t *testing.T) {
	s := openStore(t)
	m := NewManager(s, &fakeRecorder{})
	ctx := context.Background()

	const callers = 24
	versions := make([]int, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doc, err := m.CreateVersion(ctx, "tkt_1", store.DocumentDesign, "content", author)
			versions[i], errs[i] = doc.Version, err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	sort.Ints(versions)
	for i, v := range versions {
		if v != i+1 {
			t.Fatalf("expected gapless 1..%d, got %v", callers, versions)
		}
	}
}

type conflictingStore struct {
	Store
	conflicts int
	inserted  []store.Document
	latest    int
}

func (c *conflictingStore) LatestDocument(context.Context, string, store.DocumentType) (store.Document, error) {
	if c.latest == 0 {
		return store.Document{}, store.ErrNotFound
	}
	return store.Document{Version: c.latest}, nil
}

func (c *conflictingStore) InsertDocument(_ context.Context, d store.Document) error {
	if c.conflicts > 0 {
		c.conflicts--
		c.latest = d.Version
		return store.ErrVersionConflict
	}
	c.inserted = append(c.inserted, d)
	c.latest = d.Version
	return nil
}

func TestCreateVersionRetriesWithFreshVersion(t *testing.T) {
	fs := &conflictingStore{conflicts: 2}
	m := NewManager(fs, &fakeRecorder{})

	doc, err := m.CreateVersion(context.Background(), "tkt_1", store.DocumentResearch, "x", author)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if doc.Version != 3 || len(fs.inserted) != 1 {
		t.Fatalf("expected v3 after two lost races, got v%d (%d inserts)", doc.Version, len(fs.inserted))
	}
}

func TestCreateVersionGivesUpAfterBoundedRetries(t *testing.T) {
	fs := &conflictingStore{conflicts: maxCreateAttempts}
	m := NewManager(fs, &fakeRecorder{})

	_, err := m.CreateVersion(context.Background(), "tkt_1", store.DocumentResearch, "x", author)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if len(fs.inserted) != 0 {
		t.Fatal("nothing may be written on a lost race")
	}
}

func TestApproveLatestVersion(t *testing.T) {
	s := openStore(t)
	rec := &fakeRecorder{}
	m := NewManager(s, rec)
	ctx := context.Background()

	if _, _, err := m.Approve(ctx, "tkt_1", store.DocumentResearch, author); !errors.Is(err, ErrNoSuchDocument) {
		t.Fatalf("expected ErrNoSuchDocument, got %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := m.CreateVersion(ctx, "tkt_1", store.DocumentResearch, "draft", author); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	doc, changed, err := m.Approve(ctx, "tkt_1", store.DocumentResearch, author)
	if err != nil || !changed {
		t.Fatalf("approve: changed=%v err=%v", changed, err)
	}
	if doc.Version != 3 || !doc.Approved || doc.ApprovedAt == nil {
		t.Fatalf("expected v3 approved, got %+v", doc)
	}

	_, changed, err = m.Approve(ctx, "tkt_1", store.DocumentResearch, author)
	if err != nil || changed {
		t.Fatalf("second approve must be a no-op: changed=%v err=%v", changed, err)
	}
	if rec.count(audit.EventDocumentApproved) != 1 {
		t.Fatalf("expected one approval event, got %d", rec.count(audit.EventDocumentApproved))
	}

	v1, err := m.ByVersion(ctx, "tkt_1", store.DocumentResearch, 1)
	if err != nil || v1.Approved {
		t.Fatalf("older versions stay unapproved: %+v %v", v1, err)
	}

	next, err := m.CreateVersion(ctx, "tkt_1", store.DocumentResearch, "revision", author)
	if err != nil || next.Version != 4 {
		t.Fatalf("approval must not block later versions: %+v %v", next, err)
	}
	latest, err := m.Latest(ctx, "tkt_1", store.DocumentResearch)
	if err != nil || latest.Version != 4 || latest.Approved {
		t.Fatalf("latest is the highest version, not the approved one: %+v", latest)
	}
}

// supersedingStore lets another writer land a newer version between
// Approve's read of the latest version and its write.
type supersedingStore struct {
	*store.SQLStore
	beforeApprove func()
}

func (s *supersedingStore) ApproveDocument(ctx context.Context, id string, at time.Time) (bool, error) {
	if s.beforeApprove != nil {
		s.beforeApprove()
		s.beforeApprove = nil
	}
	return s.SQLStore.ApproveDocument(ctx, id, at)
}

func TestApproveRejectsVersionSupersededBeforeWrite(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	rec := &fakeRecorder{}
	racing := &supersedingStore{SQLStore: s}
	m := NewManager(racing, rec)
	other := NewManager(s, &fakeRecorder{})

	if _, err := m.CreateVersion(ctx, "tkt_1", store.DocumentResearch, "v1", author); err != nil {
		t.Fatalf("create v1: %v", err)
	}
	racing.beforeApprove = func() {
		if _, err := other.CreateVersion(ctx, "tkt_1", store.DocumentResearch, "v2", author); err != nil {
			t.Errorf("create v2: %v", err)
		}
	}

	_, changed, err := m.Approve(ctx, "tkt_1", store.DocumentResearch, author)
	if !errors.Is(err, ErrVersionConflict) || changed {
		t.Fatalf("expected ErrVersionConflict, got changed=%v err=%v", changed, err)
	}
	for _, version := range []int{1, 2} {
		doc, err := m.ByVersion(ctx, "tkt_1", store.DocumentResearch, version)
		if err != nil {
			t.Fatalf("v%d: %v", version, err)
		}
		if doc.Approved {
			t.Fatalf("v%d must stay unapproved", version)
		}
	}
	if rec.count(audit.EventDocumentApproved) != 0 {
		t.Fatal("no approval event for a superseded version")
	}

	doc, changed, err := m.Approve(ctx, "tkt_1", store.DocumentResearch, author)
	if err != nil || !changed || doc.Version != 2 {
		t.Fatalf("retry approves v2: %+v changed=%v err=%v", doc, changed, err)
	}
}

func TestDocumentLocksAreReleased(t *testing.T) {
	s := openStore(t)
	m := NewManager(s, &fakeRecorder{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.CreateVersion(ctx, "tkt_1", store.DocumentResearch, "draft", author); err != nil {
				t.Errorf("create: %v", err)
			}
		}()
	}
	wg.Wait()
	if _, _, err := m.Approve(ctx, "tkt_1", store.DocumentResearch, author); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := m.Delete(ctx, "tkt_1", store.DocumentResearch, author); err != nil {
		t.Fatalf("delete: %v", err)
	}

	unlock := m.lockDocument("tkt_1", store.DocumentDesign)
	m.lockMu.Lock()
	held := len(m.locks)
	m.lockMu.Unlock()
	unlock()
	if held != 1 {
		t.Fatalf("expected only the held lock, got %d entries", held)
	}

	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	if len(m.locks) != 0 {
		t.Fatalf("expected no lock entries once idle, got %d", len(m.locks))
	}
}

func TestDeleteRemovesAllVersionsAndApproval(t *testing.T) {
	s := openStore(t)
	rec := &fakeRecorder{}
	m := NewManager(s, rec)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.CreateVersion(ctx, "tkt_1", store.DocumentResearch, "draft", author); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, _, err := m.Approve(ctx, "tkt_1", store.DocumentResearch, author); err != nil {
		t.Fatalf("approve: %v", err)
	}

	removed, err := m.Delete(ctx, "tkt_1", store.DocumentResearch, author)
	if err != nil || removed != 2 {
		t.Fatalf("delete: removed=%d err=%v", removed, err)
	}
	if _, err := m.Latest(ctx, "tkt_1", store.DocumentResearch); !errors.Is(err, ErrNoSuchDocument) {
		t.Fatalf("expected no research left, got %v", err)
	}
	if _, err := m.Delete(ctx, "tkt_1", store.DocumentResearch, author); !errors.Is(err, ErrNoSuchDocument) {
		t.Fatalf("deleting nothing reports ErrNoSuchDocument, got %v", err)
	}

	fresh, err := m.CreateVersion(ctx, "tkt_1", store.DocumentResearch, "redo", author)
	if err != nil || fresh.Version != 1 || fresh.Approved {
		t.Fatalf("research restarts at an unapproved v1: %+v %v", fresh, err)
	}
	if rec.count(audit.EventDocumentDeleted) != 1 {
		t.Fatalf("expected one delete event, got %d", rec.count(audit.EventDocumentDeleted))
	}
}

func TestArchiveFailureDoesNotFailCreate(t *testing.T) {
	s := openStore(t)
	var archived []int
	m := NewManager(s, &fakeRecorder{}, WithArchiver(fakeArchiver{
		archiveFn: func(_ string, doc store.Document, author string) error {
			archived = append(archived, doc.Version)
			if author != "Rhea" {
				t.Errorf("expected author name Rhea, got %q", author)
			}
			return errors.New("disk full")
		},
	}))

	doc, err := m.CreateVersion(context.Background(), "tkt_1", store.DocumentSecurityReview, "review", author)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(archived) != 1 || archived[0] != doc.Version {
		t.Fatalf("expected archive attempt for v%d, got %v", doc.Version, archived)
	}
}

func TestRejectsUnknownType(t *testing.T) {
	m := NewManager(&conflictingStore{}, &fakeRecorder{})
	if _, err := m.CreateVersion(context.Background(), "tkt_1", store.DocumentType("memo"), "x", author); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
}
