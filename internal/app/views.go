package app

import (
	"time"

	"github.com/coderaugment/bonsai-app-sub000/internal/store"
	"github.com/coderaugment/bonsai-app-sub000/internal/workflow"
)

type TicketView struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	Type               string    `json:"type"`
	State              string    `json:"state"`
	Description        string    `json:"description"`
	AcceptanceCriteria string    `json:"acceptanceCriteria"`
	IsEpic             bool      `json:"isEpic"`
	ParentEpicID       *string   `json:"parentEpicId"`
	RowVersion         int64     `json:"rowVersion"`
	NextStates         []string  `json:"nextStates"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

func ticketView(t store.Ticket) TicketView {
	next := make([]string, 0, 2)
	for _, edge := range workflow.Next(workflow.State(t.State)) {
		next = append(next, string(edge.To))
	}
	return TicketView{
		ID:                 t.ID,
		Title:              t.Title,
		Type:               string(t.Type),
		State:              t.State,
		Description:        t.Description,
		AcceptanceCriteria: t.AcceptanceCriteria,
		IsEpic:             t.IsEpic,
		ParentEpicID:       t.ParentEpicID,
		RowVersion:         t.RowVersion,
		NextStates:         next,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
}

type DocumentView struct {
	ID         string     `json:"id"`
	TicketID   string     `json:"ticketId"`
	Type       string     `json:"type"`
	Version    int        `json:"version"`
	Content    string     `json:"content"`
	AuthorID   string     `json:"authorId"`
	Approved   bool       `json:"approved"`
	ApprovedAt *time.Time `json:"approvedAt"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

func documentView(d store.Document) DocumentView {
	return DocumentView{
		ID:         d.ID,
		TicketID:   d.TicketID,
		Type:       string(d.Type),
		Version:    d.Version,
		Content:    d.Content,
		AuthorID:   d.AuthorID,
		Approved:   d.Approved,
		ApprovedAt: d.ApprovedAt,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

func documentViews(docs []store.Document) []DocumentView {
	out := make([]DocumentView, 0, len(docs))
	for _, d := range docs {
		out = append(out, documentView(d))
	}
	return out
}

type AttachmentView struct {
	Name      string `json:"name"`
	MimeType  string `json:"mimeType"`
	Size      int64  `json:"size"`
	ObjectKey string `json:"objectKey,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

type CommentView struct {
	ID          string           `json:"id"`
	TicketID    string           `json:"ticketId"`
	DocumentID  *string          `json:"documentId"`
	AuthorType  string           `json:"authorType"`
	AuthorID    *string          `json:"authorId"`
	Content     string           `json:"content"`
	Attachments []AttachmentView `json:"attachments"`
	CreatedAt   time.Time        `json:"createdAt"`
}

func commentView(c store.Comment) CommentView {
	attachments := make([]AttachmentView, 0, len(c.Attachments))
	for _, a := range c.Attachments {
		attachments = append(attachments, AttachmentView{
			Name:      a.Name,
			MimeType:  a.MimeType,
			Size:      a.Size,
			ObjectKey: a.ObjectKey,
			Data:      a.Data,
		})
	}
	return CommentView{
		ID:          c.ID,
		TicketID:    c.TicketID,
		DocumentID:  c.DocumentID,
		AuthorType:  string(c.AuthorType),
		AuthorID:    c.AuthorID,
		Content:     c.Content,
		Attachments: attachments,
		CreatedAt:   c.CreatedAt,
	}
}

type AuditEventView struct {
	ID        int64          `json:"id"`
	TicketID  string         `json:"ticketId"`
	Event     string         `json:"event"`
	ActorType string         `json:"actorType"`
	ActorID   *string        `json:"actorId"`
	ActorName string         `json:"actorName"`
	Detail    string         `json:"detail"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"createdAt"`
}

func auditEventView(e store.AuditEvent) AuditEventView {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return AuditEventView{
		ID:        e.ID,
		TicketID:  e.TicketID,
		Event:     e.Event,
		ActorType: string(e.ActorType),
		ActorID:   e.ActorID,
		ActorName: e.ActorName,
		Detail:    e.Detail,
		Metadata:  metadata,
		CreatedAt: e.CreatedAt,
	}
}

type PersonaView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

func personaView(p store.Persona) PersonaView {
	return PersonaView{ID: p.ID, Name: p.Name, Role: p.Role, CreatedAt: p.CreatedAt}
}

// PresenceView combines the shared presence record with the coordinator's
// in-memory state for one scope.
type PresenceView struct {
	TicketID            string     `json:"ticketId"`
	DocumentID          string     `json:"documentId,omitempty"`
	Working             bool       `json:"working"`
	PersonaID           string     `json:"personaId,omitempty"`
	Since               *time.Time `json:"since,omitempty"`
	PendingComments     int        `json:"pendingComments"`
	LastDispatch        *time.Time `json:"lastDispatch,omitempty"`
	CooldownRemainingMs int64      `json:"cooldownRemainingMs"`
}
