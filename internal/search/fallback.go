package search

import (
	"context"
	"strings"

	"github.com/coderaugment/bonsai-app-sub000/internal/store"
)

// TextSearcher is the store's substring search.
type TextSearcher interface {
	SearchText(ctx context.Context, text string, limit int) ([]store.TextMatch, error)
}

// Fallback implements Searcher over the relational store. It is always
// healthy: when the database is down the API is down with it.
type Fallback struct {
	source TextSearcher
}

func NewFallback(source TextSearcher) *Fallback {
	return &Fallback{source: source}
}

func (f *Fallback) Healthy() bool {
	return true
}

func (f *Fallback) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	// Over-fetch so type and ticket filters still fill a page.
	matches, err := f.source.SearchText(context.Background(), q.Text, (offset+limit)*3)
	if err != nil {
		return nil, 0, err
	}

	filtered := make([]Result, 0, len(matches))
	for _, m := range matches {
		r := Result{
			Type:     ResultType(m.Kind),
			ID:       m.ID,
			TicketID: m.TicketID,
			Title:    m.Title,
			Snippet:  m.Snippet,
		}
		if q.FilterType != "" && r.Type != q.FilterType {
			continue
		}
		if q.TicketID != "" && r.TicketID != q.TicketID {
			continue
		}
		filtered = append(filtered, r)
	}
	total := len(filtered)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}
