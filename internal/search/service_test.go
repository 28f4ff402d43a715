package search

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"

	"github.com/coderaugment/bonsai-app-sub000/internal/store"
)

type fakeIndex struct {
	mu       sync.Mutex
	healthy  bool
	searchFn func(Query) ([]Result, int, error)
	writes   []string
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) Search(q Query) ([]Result, int, error) { return f.searchFn(q) }

func (f *fakeIndex) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, op)
	return nil
}

func (f *fakeIndex) IndexTicket(t TicketRecord) error     { return f.record("ticket:" + t.ID) }
func (f *fakeIndex) IndexComment(c CommentRecord) error   { return f.record("comment:" + c.ID) }
func (f *fakeIndex) IndexDocument(d DocumentRecord) error { return f.record("document:" + d.ID) }
func (f *fakeIndex) DeleteTicket(id string) error         { return f.record("-ticket:" + id) }
func (f *fakeIndex) DeleteComment(id string) error        { return f.record("-comment:" + id) }
func (f *fakeIndex) DeleteDocument(id string) error       { return f.record("-document:" + id) }

type fakeText struct {
	matches []store.TextMatch
	err     error
}

func (f fakeText) SearchText(context.Context, string, int) ([]store.TextMatch, error) {
	return f.matches, f.err
}

var storeMatches = []store.TextMatch{
	{Kind: "ticket", ID: "tkt_1", TicketID: "tkt_1", Title: "Vendor research"},
	{Kind: "comment", ID: "cmt_1", TicketID: "tkt_1", Snippet: "vendor list attached"},
	{Kind: "document", ID: "doc_1", TicketID: "tkt_2", Title: "research", Snippet: "vendor A"},
}

func TestSearchUsesHealthyIndex(t *testing.T) {
	idx := &fakeIndex{healthy: true, searchFn: func(q Query) ([]Result, int, error) {
		return []Result{{Type: ResultTicket, ID: "tkt_9"}}, 1, nil
	}}
	svc := NewService(idx, NewFallback(fakeText{matches: storeMatches}), nil)

	resp := svc.Search(Query{Text: "vendor"})
	if resp.Engine != "index" || len(resp.Results) != 1 || resp.Results[0].ID != "tkt_9" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSearchFallsBackWhenIndexFails(t *testing.T) {
	idx := &fakeIndex{healthy: true, searchFn: func(Query) ([]Result, int, error) {
		return nil, 0, errors.New("boom")
	}}
	svc := NewService(idx, NewFallback(fakeText{matches: storeMatches}), nil)

	resp := svc.Search(Query{Text: "vendor"})
	if resp.Engine != "store" || resp.Total != 3 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSearchWithoutIndex(t *testing.T) {
	svc := NewService(nil, NewFallback(fakeText{err: errors.New("db down")}), nil)
	resp := svc.Search(Query{Text: "vendor"})
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("errors yield an empty, non-nil result list: %+v", resp)
	}
}

func TestFallbackFiltersAndPages(t *testing.T) {
	fb := NewFallback(fakeText{matches: storeMatches})

	results, total, err := fb.Search(Query{Text: "vendor", TicketID: "tkt_1"})
	if err != nil || total != 2 || len(results) != 2 {
		t.Fatalf("ticket filter: %d %d %v", total, len(results), err)
	}
	results, total, _ = fb.Search(Query{Text: "vendor", FilterType: ResultDocument})
	if total != 1 || results[0].ID != "doc_1" {
		t.Fatalf("type filter: %+v", results)
	}
	results, total, _ = fb.Search(Query{Text: "vendor", Limit: 1, Offset: 1})
	if total != 3 || len(results) != 1 || results[0].ID != "cmt_1" {
		t.Fatalf("paging: %d %+v", total, results)
	}
	if results, _, _ := fb.Search(Query{Text: "  "}); results != nil {
		t.Fatalf("blank query returns nothing, got %+v", results)
	}
}

func TestIndexWritesSkipUnhealthyIndex(t *testing.T) {
	idx := &fakeIndex{healthy: false}
	svc := NewService(idx, NewFallback(fakeText{}), nil)
	svc.IndexTicket(store.Ticket{ID: "tkt_1"})
	svc.Wait()
	if len(idx.writes) != 0 {
		t.Fatalf("unexpected writes %v", idx.writes)
	}
}

func TestDeleteTicketRemovesChildren(t *testing.T) {
	idx := &fakeIndex{healthy: true}
	svc := NewService(idx, NewFallback(fakeText{}), nil)
	svc.DeleteTicket("tkt_1", []string{"cmt_1", "cmt_2"}, []string{"doc_1"})
	svc.Wait()
	if len(idx.writes) != 4 {
		t.Fatalf("expected 4 deletes, got %v", idx.writes)
	}
}

type fakeSource struct{}

func (fakeSource) ListTickets(context.Context, string) ([]store.Ticket, error) {
	return []store.Ticket{{ID: "tkt_1"}, {ID: "tkt_2"}}, nil
}

func (fakeSource) ListAllComments(_ context.Context, ticketID string) ([]store.Comment, error) {
	return []store.Comment{{ID: "cmt_" + ticketID}}, nil
}

func (fakeSource) ListDocuments(_ context.Context, ticketID string) ([]store.Document, error) {
	if ticketID == "tkt_2" {
		return nil, nil
	}
	return []store.Document{{ID: "doc_1"}}, nil
}

func TestReindexAll(t *testing.T) {
	idx := &fakeIndex{healthy: true}
	svc := NewService(idx, NewFallback(fakeText{}), nil)
	if err := svc.ReindexAll(context.Background(), fakeSource{}); err != nil {
		t.Fatalf("reindex: %v", err)
	}
	if len(idx.writes) != 5 {
		t.Fatalf("expected 2 tickets + 2 comments + 1 document, got %v", idx.writes)
	}
}

func TestHitToResult(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"cmt_1"`),
		"ticketId":   json.RawMessage(`"tkt_1"`),
		"body":       json.RawMessage(`"the vendor list"`),
		"_formatted": json.RawMessage(`{"body":"the <mark>vendor</mark> list","id":"cmt_1"}`),
	}
	r := hitToResult(hit, ResultComment)
	if r.ID != "cmt_1" || r.TicketID != "tkt_1" || r.Snippet != "the <mark>vendor</mark> list" {
		t.Fatalf("unexpected result %+v", r)
	}

	ticket := hitToResult(meili.Hit{
		"id":    json.RawMessage(`"tkt_1"`),
		"title": json.RawMessage(`"Vendor research"`),
	}, ResultTicket)
	if ticket.TicketID != "tkt_1" || ticket.Title != "Vendor research" {
		t.Fatalf("unexpected ticket result %+v", ticket)
	}
	if indexToResultType(idxDocuments) != ResultDocument || indexToResultType("other") != "" {
		t.Fatal("index mapping mismatch")
	}
}
