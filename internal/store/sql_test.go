package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "bonsai.db")
	if err := Migrate(DriverSQLite, dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := Open(context.Background(), DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db, DriverSQLite)
}

var testNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func seedTicket(t *testing.T, s *SQLStore, id string) Ticket {
	t.Helper()
	ticket := Ticket{
		ID:          id,
		Title:       "Ticket " + id,
		Type:        TicketFeature,
		State:       "backlog",
		Description: "describe " + id,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
	}
	if err := s.InsertTicket(context.Background(), ticket); err != nil {
		t.Fatalf("insert ticket: %v", err)
	}
	return ticket
}

func TestRebindRewritesPlaceholdersOutsideQuotes(t *testing.T) {
	got := rebind(`SELECT * FROM t WHERE a = ? AND b LIKE '?' AND c = ?`)
	want := `SELECT * FROM t WHERE a = $1 AND b LIKE '?' AND c = $2`
	if got != want {
		t.Fatalf("rebind mismatch\n got: %s\nwant: %s", got, want)
	}
}

func TestTicketRoundTripAndOptimisticState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedTicket(t, s, "tkt_1")

	got, err := s.GetTicket(ctx, "tkt_1")
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if got.RowVersion != 1 || got.State != "backlog" || !got.CreatedAt.Equal(testNow) {
		t.Fatalf("unexpected ticket %+v", got)
	}

	updated, err := s.UpdateTicketState(ctx, "tkt_1", 1, "research", testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("update state: %v", err)
	}
	if updated.State != "research" || updated.RowVersion != 2 {
		t.Fatalf("unexpected updated ticket %+v", updated)
	}

	if _, err := s.UpdateTicketState(ctx, "tkt_1", 1, "backlog", testNow); !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
	if _, err := s.UpdateTicketState(ctx, "missing", 1, "backlog", testNow); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	list, err := s.ListTickets(ctx, "research")
	if err != nil {
		t.Fatalf("list tickets: %v", err)
	}
	if len(list) != 1 || list[0].ID != "tkt_1" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestDocumentVersionSlotIsUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedTicket(t, s, "tkt_1")

	doc := Document{ID: "doc_1", TicketID: "tkt_1", Type: DocumentResearch, Version: 1, Content: "v1", AuthorID: "p1", CreatedAt: testNow, UpdatedAt: testNow}
	if err := s.InsertDocument(ctx, doc); err != nil {
		t.Fatalf("insert document: %v", err)
	}
	doc.ID = "doc_2"
	if err := s.InsertDocument(ctx, doc); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	doc.ID, doc.Version, doc.Content = "doc_3", 2, "v2"
	if err := s.InsertDocument(ctx, doc); err != nil {
		t.Fatalf("insert v2: %v", err)
	}

	latest, err := s.LatestDocument(ctx, "tkt_1", DocumentResearch)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Version != 2 || latest.Content != "v2" {
		t.Fatalf("unexpected latest %+v", latest)
	}

	changed, err := s.ApproveDocument(ctx, latest.ID, testNow)
	if err != nil || !changed {
		t.Fatalf("approve: changed=%v err=%v", changed, err)
	}
	changed, err = s.ApproveDocument(ctx, latest.ID, testNow)
	if err != nil || changed {
		t.Fatalf("second approve should be a no-op: changed=%v err=%v", changed, err)
	}
	changed, err = s.ApproveDocument(ctx, "doc_1", testNow)
	if err != nil || changed {
		t.Fatalf("superseded v1 must not be approved: changed=%v err=%v", changed, err)
	}

	v1, err := s.GetDocumentVersion(ctx, "tkt_1", DocumentResearch, 1)
	if err != nil {
		t.Fatalf("by version: %v", err)
	}
	if v1.Approved {
		t.Fatal("v1 must not be approved")
	}

	removed, err := s.DeleteDocumentsOfType(ctx, "tkt_1", DocumentResearch)
	if err != nil || removed != 2 {
		t.Fatalf("delete: removed=%d err=%v", removed, err)
	}
	if _, err := s.LatestDocument(ctx, "tkt_1", DocumentResearch); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestCommentThreadsAreIndependent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedTicket(t, s, "tkt_1")

	docID := "doc_1"
	human := "user_1"
	comments := []Comment{
		{ID: "c1", TicketID: "tkt_1", AuthorType: ActorHuman, AuthorID: &human, Content: "first", CreatedAt: testNow},
		{ID: "c2", TicketID: "tkt_1", DocumentID: &docID, AuthorType: ActorAgent, Content: "on doc", CreatedAt: testNow},
		{ID: "c3", TicketID: "tkt_1", AuthorType: ActorSystem, Content: "second", CreatedAt: testNow,
			Attachments: []Attachment{{Name: "a.txt", MimeType: "text/plain", Data: []byte("hi"), Size: 2}}},
	}
	for _, c := range comments {
		if err := s.InsertComment(ctx, c); err != nil {
			t.Fatalf("insert comment %s: %v", c.ID, err)
		}
	}

	ticketThread, err := s.ListComments(ctx, "tkt_1", "")
	if err != nil {
		t.Fatalf("list ticket thread: %v", err)
	}
	if len(ticketThread) != 2 || ticketThread[0].ID != "c1" || ticketThread[1].ID != "c3" {
		t.Fatalf("unexpected ticket thread %+v", ticketThread)
	}
	if got := ticketThread[1].Attachments; len(got) != 1 || string(got[0].Data) != "hi" {
		t.Fatalf("attachments not preserved: %+v", got)
	}
	if ticketThread[1].AuthorID != nil {
		t.Fatal("system comment must have nil author")
	}

	docThread, err := s.ListComments(ctx, "tkt_1", docID)
	if err != nil {
		t.Fatalf("list doc thread: %v", err)
	}
	if len(docThread) != 1 || docThread[0].ID != "c2" {
		t.Fatalf("unexpected doc thread %+v", docThread)
	}

	all, err := s.ListAllComments(ctx, "tkt_1")
	if err != nil || len(all) != 3 {
		t.Fatalf("list all: %d %v", len(all), err)
	}
}

func TestDeleteTicketCascadesButKeepsAudit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedTicket(t, s, "tkt_1")

	if err := s.InsertComment(ctx, Comment{ID: "c1", TicketID: "tkt_1", AuthorType: ActorHuman, Content: "x", CreatedAt: testNow}); err != nil {
		t.Fatalf("insert comment: %v", err)
	}
	if err := s.InsertDocument(ctx, Document{ID: "d1", TicketID: "tkt_1", Type: DocumentDesign, Version: 1, Content: "x", AuthorID: "p", CreatedAt: testNow, UpdatedAt: testNow}); err != nil {
		t.Fatalf("insert document: %v", err)
	}
	if _, err := s.InsertAuditEvent(ctx, AuditEvent{TicketID: "tkt_1", Event: "document_created", ActorType: ActorAgent, CreatedAt: testNow}); err != nil {
		t.Fatalf("insert audit: %v", err)
	}

	if err := s.DeleteTicket(ctx, "tkt_1"); err != nil {
		t.Fatalf("delete ticket: %v", err)
	}
	if _, err := s.GetTicket(ctx, "tkt_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ticket gone, got %v", err)
	}
	all, _ := s.ListAllComments(ctx, "tkt_1")
	docs, _ := s.ListDocuments(ctx, "tkt_1")
	if len(all) != 0 || len(docs) != 0 {
		t.Fatalf("expected cascade, comments=%d docs=%d", len(all), len(docs))
	}
	events, err := s.ListAuditEvents(ctx, "tkt_1", 0)
	if err != nil || len(events) != 1 {
		t.Fatalf("audit must survive ticket delete: %d %v", len(events), err)
	}
	if err := s.DeleteTicket(ctx, "tkt_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestAuditEventsAreAppendOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, name := range []string{"state_changed", "document_approved", "dispatch_attempted"} {
		e, err := s.InsertAuditEvent(ctx, AuditEvent{
			TicketID:  "tkt_1",
			Event:     name,
			ActorType: ActorSystem,
			ActorName: "system",
			Metadata:  map[string]any{"n": i},
			CreatedAt: testNow,
		})
		if err != nil {
			t.Fatalf("insert audit: %v", err)
		}
		if e.ID == 0 {
			t.Fatal("expected generated id")
		}
	}

	_, err := s.DB().ExecContext(ctx, `UPDATE audit_events SET detail = 'tampered'`)
	if err == nil || !strings.Contains(err.Error(), "immutable") {
		t.Fatalf("expected immutability guard, got %v", err)
	}

	recent, err := s.ListAuditEvents(ctx, "tkt_1", 2)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(recent) != 2 || recent[0].Event != "document_approved" || recent[1].Event != "dispatch_attempted" {
		t.Fatalf("unexpected recent events %+v", recent)
	}
	if n, ok := recent[1].Metadata["n"].(float64); !ok || n != 2 {
		t.Fatalf("metadata not decoded: %+v", recent[1].Metadata)
	}

	cleared, err := s.DeleteAuditEvents(ctx, "tkt_1")
	if err != nil || cleared != 3 {
		t.Fatalf("clear: %d %v", cleared, err)
	}
}

func TestPersonasUpsertAndUniqueName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertPersona(ctx, Persona{ID: "p1", Name: "Alex", Role: "developer", CreatedAt: testNow}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertPersona(ctx, Persona{ID: "p1", Name: "Alex", Role: "researcher", CreatedAt: testNow}); err != nil {
		t.Fatalf("upsert update: %v", err)
	}
	if err := s.UpsertPersona(ctx, Persona{ID: "p2", Name: "Alex", Role: "critic", CreatedAt: testNow}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	personas, err := s.ListPersonas(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(personas) != 1 || personas[0].Role != "researcher" {
		t.Fatalf("unexpected personas %+v", personas)
	}
	if err := s.DeletePersona(ctx, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeletePersona(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSearchTextMatchesAcrossEntities(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedTicket(t, s, "tkt_1")

	if err := s.InsertComment(ctx, Comment{ID: "c1", TicketID: "tkt_1", AuthorType: ActorHuman, Content: "Please look at the Flux capacitor", CreatedAt: testNow}); err != nil {
		t.Fatalf("insert comment: %v", err)
	}
	if err := s.InsertDocument(ctx, Document{ID: "d1", TicketID: "tkt_1", Type: DocumentResearch, Version: 1, Content: "flux findings", AuthorID: "p", CreatedAt: testNow, UpdatedAt: testNow}); err != nil {
		t.Fatalf("insert document: %v", err)
	}

	matches, err := s.SearchText(ctx, "FLUX", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	kinds := map[string]bool{}
	for _, m := range matches {
		kinds[m.Kind] = true
		if m.TicketID != "tkt_1" {
			t.Fatalf("unexpected ticket id %+v", m)
		}
	}
	if !kinds["comment"] || !kinds["document"] || kinds["ticket"] {
		t.Fatalf("unexpected kinds %v", kinds)
	}

	none, err := s.SearchText(ctx, "100%", 10)
	if err != nil || len(none) != 0 {
		t.Fatalf("expected literal percent to match nothing: %v %v", none, err)
	}
}
