package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coderaugment/bonsai-app-sub000/internal/store"
)

// Service is the facade that tries the search index first and falls back to
// the store's text search.
type Service struct {
	index    Index
	fallback Searcher
	logger   *slog.Logger
	pending  sync.WaitGroup
}

// NewService creates a search service. index may be nil when no search
// engine is configured.
func NewService(index Index, fallback Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{index: index, fallback: fallback, logger: logger}
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// Search tries the index if healthy, otherwise falls back to the store.
func (s *Service) Search(q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "index"}
		}
		s.logger.Warn("search index failed, falling back to store", "err", err)
	}

	results, total, err := s.fallback.Search(q)
	if err != nil {
		s.logger.Error("fallback search failed", "err", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Engine: "store"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "store"}
}

// async runs fn in the background when the index is reachable.
func (s *Service) async(what, id string, fn func(Index) error) {
	if !s.indexReady() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := fn(s.index); err != nil {
			s.logger.Warn("search index write failed", "op", what, "id", id, "err", err)
		}
	}()
}

// Wait blocks until background index writes finish.
func (s *Service) Wait() {
	s.pending.Wait()
}

func (s *Service) IndexTicket(t store.Ticket) {
	record := TicketRecord{ID: t.ID, Title: t.Title, Description: t.Description, Type: string(t.Type), State: t.State}
	s.async("index ticket", t.ID, func(idx Index) error { return idx.IndexTicket(record) })
}

func (s *Service) IndexComment(c store.Comment) {
	record := commentRecord(c)
	s.async("index comment", c.ID, func(idx Index) error { return idx.IndexComment(record) })
}

func (s *Service) IndexDocument(d store.Document) {
	record := documentRecord(d)
	s.async("index document", d.ID, func(idx Index) error { return idx.IndexDocument(record) })
}

func (s *Service) DeleteDocuments(ids []string) {
	for _, id := range ids {
		id := id
		s.async("delete document", id, func(idx Index) error { return idx.DeleteDocument(id) })
	}
}

// DeleteTicket removes a ticket and the given comment and document ids.
func (s *Service) DeleteTicket(ticketID string, commentIDs, documentIDs []string) {
	s.async("delete ticket", ticketID, func(idx Index) error { return idx.DeleteTicket(ticketID) })
	for _, id := range commentIDs {
		id := id
		s.async("delete comment", id, func(idx Index) error { return idx.DeleteComment(id) })
	}
	s.DeleteDocuments(documentIDs)
}

// Source lists everything that belongs in the index.
type Source interface {
	ListTickets(ctx context.Context, state string) ([]store.Ticket, error)
	ListAllComments(ctx context.Context, ticketID string) ([]store.Comment, error)
	ListDocuments(ctx context.Context, ticketID string) ([]store.Document, error)
}

// ReindexAll pushes every ticket, comment and document into the index.
func (s *Service) ReindexAll(ctx context.Context, src Source) error {
	if !s.indexReady() {
		return nil
	}
	tickets, err := src.ListTickets(ctx, "")
	if err != nil {
		return fmt.Errorf("reindex: list tickets: %w", err)
	}
	var indexed int
	for _, t := range tickets {
		if err := s.index.IndexTicket(TicketRecord{ID: t.ID, Title: t.Title, Description: t.Description, Type: string(t.Type), State: t.State}); err != nil {
			return fmt.Errorf("reindex ticket %s: %w", t.ID, err)
		}
		comments, err := src.ListAllComments(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("reindex: list comments: %w", err)
		}
		for _, c := range comments {
			if err := s.index.IndexComment(commentRecord(c)); err != nil {
				return fmt.Errorf("reindex comment %s: %w", c.ID, err)
			}
		}
		documents, err := src.ListDocuments(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("reindex: list documents: %w", err)
		}
		for _, d := range documents {
			if err := s.index.IndexDocument(documentRecord(d)); err != nil {
				return fmt.Errorf("reindex document %s: %w", d.ID, err)
			}
		}
		indexed += 1 + len(comments) + len(documents)
	}
	s.logger.Info("search index rebuilt", "tickets", len(tickets), "records", indexed)
	return nil
}

func commentRecord(c store.Comment) CommentRecord {
	record := CommentRecord{ID: c.ID, TicketID: c.TicketID, AuthorType: string(c.AuthorType), Body: c.Content}
	if c.DocumentID != nil {
		record.DocumentID = *c.DocumentID
	}
	return record
}

func documentRecord(d store.Document) DocumentRecord {
	return DocumentRecord{ID: d.ID, TicketID: d.TicketID, Type: string(d.Type), Version: d.Version, Content: d.Content}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
