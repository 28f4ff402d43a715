package export

import (
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/coderaugment/bonsai-app-sub000/internal/store"
)

// DataStore is the read side the dossier is assembled from.
type DataStore interface {
	GetTicket(ctx context.Context, id string) (store.Ticket, error)
	ListDocuments(ctx context.Context, ticketID string) ([]store.Document, error)
	ListAllComments(ctx context.Context, ticketID string) ([]store.Comment, error)
}

// PDFRenderer turns a rendered HTML page into PDF bytes.
type PDFRenderer func(ctx context.Context, html string) ([]byte, error)

type Service struct {
	store DataStore
	pdf   PDFRenderer
	now   func() time.Time
}

type Option func(*Service)

func WithPDFRenderer(r PDFRenderer) Option {
	return func(s *Service) { s.pdf = r }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store DataStore, opts ...Option) *Service {
	s := &Service{store: store, pdf: chromePDF, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Export renders the dossier for one ticket: its fields, the latest version
// of every document type, and optionally the comment threads.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	ticket, err := s.store.GetTicket(ctx, req.TicketID)
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	documents, err := s.store.ListDocuments(ctx, req.TicketID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	data := TemplateData{
		TicketID:           ticket.ID,
		Title:              ticket.Title,
		Type:               string(ticket.Type),
		State:              ticket.State,
		Description:        MarkdownToHTML(ticket.Description),
		AcceptanceCriteria: MarkdownToHTML(ticket.AcceptanceCriteria),
		Documents:          latestDocuments(documents),
		GeneratedAt:        s.now(),
	}

	if req.IncludeComments {
		comments, err := s.store.ListAllComments(ctx, req.TicketID)
		if err != nil {
			return nil, fmt.Errorf("list comments: %w", err)
		}
		data.Comments = templateComments(comments, documents)
	}

	html, err := RenderDossierHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	filename := sanitizeFilename(ticket.Title)
	switch req.Format {
	case FormatHTML, "":
		return &Result{Data: []byte(html), Filename: filename + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF:
		pdf, err := s.pdf(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{Data: pdf, Filename: filename + ".pdf", MimeType: "application/pdf"}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

// latestDocuments keeps the highest version of each type, in display order.
func latestDocuments(documents []store.Document) []TemplateDocument {
	latest := make(map[store.DocumentType]store.Document)
	for _, d := range documents {
		if current, ok := latest[d.Type]; !ok || d.Version > current.Version {
			latest[d.Type] = d
		}
	}
	out := make([]TemplateDocument, 0, len(latest))
	for _, docType := range store.DocumentTypes {
		d, ok := latest[docType]
		if !ok {
			continue
		}
		out = append(out, TemplateDocument{
			Type:       string(d.Type),
			Version:    d.Version,
			Approved:   d.Approved,
			ApprovedAt: d.ApprovedAt,
			Content:    MarkdownToHTML(d.Content),
		})
	}
	return out
}

func templateComments(comments []store.Comment, documents []store.Document) []TemplateComment {
	threadNames := make(map[string]string, len(documents))
	for _, d := range documents {
		threadNames[d.ID] = fmt.Sprintf("%s v%d", documentTitle(string(d.Type)), d.Version)
	}
	out := make([]TemplateComment, 0, len(comments))
	for _, c := range comments {
		thread := "ticket"
		if c.DocumentID != nil {
			thread = threadNames[*c.DocumentID]
			if thread == "" {
				thread = "document"
			}
		}
		author := string(c.AuthorType)
		if c.AuthorID != nil && *c.AuthorID != "" {
			author += " " + *c.AuthorID
		}
		out = append(out, TemplateComment{
			Author:    author,
			Thread:    thread,
			Body:      template.HTML(template.HTMLEscapeString(c.Content)),
			CreatedAt: c.CreatedAt,
		})
	}
	return out
}
