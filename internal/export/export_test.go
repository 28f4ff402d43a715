package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/coderaugment/bonsai-app-sub000/internal/store"
)

type fakeStore struct {
	ticket    store.Ticket
	documents []store.Document
	comments  []store.Comment
}

func (f fakeStore) GetTicket(_ context.Context, id string) (store.Ticket, error) {
	if id != f.ticket.ID {
		return store.Ticket{}, store.ErrNotFound
	}
	return f.ticket, nil
}

func (f fakeStore) ListDocuments(context.Context, string) ([]store.Document, error) {
	return f.documents, nil
}

func (f fakeStore) ListAllComments(context.Context, string) ([]store.Comment, error) {
	return f.comments, nil
}

func ptr[T any](v T) *T { return &v }

func sampleStore() fakeStore {
	approvedAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return fakeStore{
		ticket: store.Ticket{
			ID: "tkt_1", Title: "Vendor research: Q2", Type: store.TicketFeature, State: "plan_approval",
			Description: "Pick a **vendor**.",
		},
		documents: []store.Document{
			{ID: "doc_r1", Type: store.DocumentResearch, Version: 1, Content: "old findings"},
			{ID: "doc_r2", Type: store.DocumentResearch, Version: 2, Content: "# Findings\n\n- vendor A", Approved: true, ApprovedAt: &approvedAt},
			{ID: "doc_p1", Type: store.DocumentImplementationPlan, Version: 1, Content: "plan <script>alert(1)</script>"},
		},
		comments: []store.Comment{
			{ID: "cmt_1", AuthorType: store.ActorHuman, AuthorID: ptr("dana"), Content: "<b>looks</b> good"},
			{ID: "cmt_2", DocumentID: ptr("doc_r2"), AuthorType: store.ActorAgent, Content: "revised"},
		},
	}
}

func TestExportHTMLDossier(t *testing.T) {
	svc := NewService(sampleStore(), WithClock(func() time.Time { return time.Unix(0, 0) }))

	result, err := svc.Export(context.Background(), Request{TicketID: "tkt_1", Format: FormatHTML, IncludeComments: true})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.Filename != "Vendor-research-Q2.html" || !strings.HasPrefix(result.MimeType, "text/html") {
		t.Fatalf("unexpected result metadata %q %q", result.Filename, result.MimeType)
	}
	html := string(result.Data)
	for _, want := range []string{
		"<strong>vendor</strong>",
		"Research <small>v2</small>",
		"<h1>Findings</h1>",
		"Implementation Plan <small>v1</small>",
		"Approved",
		"human dana on ticket",
		"on Research v2",
		"&lt;b&gt;looks&lt;/b&gt; good",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("dossier missing %q", want)
		}
	}
	if strings.Contains(html, "old findings") {
		t.Error("only the latest version of each type is exported")
	}
	if strings.Contains(html, "<script>") {
		t.Error("raw html in document content must not be rendered")
	}
}

func TestExportWithoutComments(t *testing.T) {
	svc := NewService(sampleStore())
	result, err := svc.Export(context.Background(), Request{TicketID: "tkt_1"})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if strings.Contains(string(result.Data), "Discussion") {
		t.Fatal("comments were not requested")
	}
}

func TestExportPDFUsesRenderer(t *testing.T) {
	var rendered string
	svc := NewService(sampleStore(), WithPDFRenderer(func(_ context.Context, html string) ([]byte, error) {
		rendered = html
		return []byte("%PDF-1.7"), nil
	}))
	result, err := svc.Export(context.Background(), Request{TicketID: "tkt_1", Format: FormatPDF})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if string(result.Data) != "%PDF-1.7" || result.MimeType != "application/pdf" || !strings.HasSuffix(result.Filename, ".pdf") {
		t.Fatalf("unexpected pdf result %+v", result)
	}
	if !strings.Contains(rendered, "Vendor research") {
		t.Fatal("renderer received the dossier html")
	}
}

func TestExportPDFDependencyMissing(t *testing.T) {
	svc := NewService(sampleStore(), WithPDFRenderer(func(context.Context, string) ([]byte, error) {
		return nil, ErrPDFDependencyMissing
	}))
	if _, err := svc.Export(context.Background(), Request{TicketID: "tkt_1", Format: FormatPDF}); !errors.Is(err, ErrPDFDependencyMissing) {
		t.Fatalf("expected ErrPDFDependencyMissing, got %v", err)
	}
}

func TestExportUnknownTicket(t *testing.T) {
	svc := NewService(sampleStore())
	if _, err := svc.Export(context.Background(), Request{TicketID: "nope"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat(""); err != nil || f != FormatHTML {
		t.Fatalf("ParseFormat(\"\") = %q, %v", f, err)
	}
	if f, err := ParseFormat("pdf"); err != nil || f != FormatPDF {
		t.Fatalf("ParseFormat(pdf) = %q, %v", f, err)
	}
	if _, err := ParseFormat("docx"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"Vendor research: Q2": "Vendor-research-Q2",
		"!!!":                 "ticket",
		strings.Repeat("a", 80): strings.Repeat("a", 50),
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	if got := percentEncodeForDataURL("a b<é"); got != "a%20b%3C%C3%A9" {
		t.Fatalf("unexpected encoding %q", got)
	}
}
