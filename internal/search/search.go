package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultTicket   ResultType = "ticket"
	ResultComment  ResultType = "comment"
	ResultDocument ResultType = "document"
)

func (t ResultType) Valid() bool {
	switch t {
	case "", ResultTicket, ResultComment, ResultDocument:
		return true
	}
	return false
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	TicketID string     `json:"ticketId"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	TicketID   string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexTicket(t TicketRecord) error
	IndexComment(c CommentRecord) error
	IndexDocument(d DocumentRecord) error
	DeleteTicket(id string) error
	DeleteComment(id string) error
	DeleteDocument(id string) error
}

// Index is a search backend that can be both queried and fed.
type Index interface {
	Searcher
	Indexer
}

type TicketRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Type        string `json:"type"`
	State       string `json:"state"`
}

type CommentRecord struct {
	ID         string `json:"id"`
	TicketID   string `json:"ticketId"`
	DocumentID string `json:"documentId"`
	AuthorType string `json:"authorType"`
	Body       string `json:"body"`
}

// DocumentRecord indexes the latest content of one document version.
type DocumentRecord struct {
	ID       string `json:"id"`
	TicketID string `json:"ticketId"`
	Type     string `json:"type"`
	Version  int    `json:"version"`
	Content  string `json:"content"`
}
