package store

import "time"

type TicketType string

const (
	TicketFeature TicketType = "feature"
	TicketBug     TicketType = "bug"
	TicketChore   TicketType = "chore"
)

func (t TicketType) Valid() bool {
	switch t {
	case TicketFeature, TicketBug, TicketChore:
		return true
	}
	return false
}

type DocumentType string

const (
	DocumentResearch           DocumentType = "research"
	DocumentImplementationPlan DocumentType = "implementation_plan"
	DocumentDesign             DocumentType = "design"
	DocumentSecurityReview     DocumentType = "security_review"
)

// DocumentTypes lists every document type in display order.
var DocumentTypes = []DocumentType{
	DocumentResearch,
	DocumentImplementationPlan,
	DocumentDesign,
	DocumentSecurityReview,
}

func (t DocumentType) Valid() bool {
	for _, known := range DocumentTypes {
		if t == known {
			return true
		}
	}
	return false
}

type ActorType string

const (
	ActorHuman  ActorType = "human"
	ActorAgent  ActorType = "agent"
	ActorSystem ActorType = "system"
)

func (t ActorType) Valid() bool {
	switch t {
	case ActorHuman, ActorAgent, ActorSystem:
		return true
	}
	return false
}

type Ticket struct {
	ID                 string
	Title              string
	Type               TicketType
	State              string
	Description        string
	AcceptanceCriteria string
	IsEpic             bool
	ParentEpicID       *string
	RowVersion         int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Document struct {
	ID         string
	TicketID   string
	Type       DocumentType
	Version    int
	Content    string
	AuthorID   string
	Approved   bool
	ApprovedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Attachment carries either inline Data or an ObjectKey into the blob store.
type Attachment struct {
	Name      string `json:"name"`
	MimeType  string `json:"mimeType"`
	Data      []byte `json:"data,omitempty"`
	ObjectKey string `json:"objectKey,omitempty"`
	Size      int64  `json:"size"`
}

type Comment struct {
	ID          string
	TicketID    string
	DocumentID  *string
	AuthorType  ActorType
	AuthorID    *string
	Content     string
	Attachments []Attachment
	CreatedAt   time.Time
}

type AuditEvent struct {
	ID        int64
	TicketID  string
	Event     string
	ActorType ActorType
	ActorID   *string
	ActorName string
	Detail    string
	Metadata  map[string]any
	CreatedAt time.Time
}

type Persona struct {
	ID        string
	Name      string
	Role      string
	CreatedAt time.Time
}

// TextMatch is a single hit from the SQL fallback search.
type TextMatch struct {
	Kind     string
	ID       string
	TicketID string
	Title    string
	Snippet  string
}
