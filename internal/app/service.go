package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coderaugment/bonsai-app-sub000/internal/attachment"
	"github.com/coderaugment/bonsai-app-sub000/internal/audit"
	"github.com/coderaugment/bonsai-app-sub000/internal/dispatch"
	"github.com/coderaugment/bonsai-app-sub000/internal/document"
	"github.com/coderaugment/bonsai-app-sub000/internal/export"
	"github.com/coderaugment/bonsai-app-sub000/internal/gitrepo"
	"github.com/coderaugment/bonsai-app-sub000/internal/presence"
	"github.com/coderaugment/bonsai-app-sub000/internal/rbac"
	"github.com/coderaugment/bonsai-app-sub000/internal/search"
	"github.com/coderaugment/bonsai-app-sub000/internal/store"
	"github.com/coderaugment/bonsai-app-sub000/internal/util"
	"github.com/coderaugment/bonsai-app-sub000/internal/workflow"
)

const (
	maxTitleLength     = 200
	maxAttachmentBytes = 10 << 20
	maxAttachments     = 10
	defaultAuditLimit  = 100
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

type DataStore interface {
	Ping(context.Context) error
	InsertTicket(context.Context, store.Ticket) error
	GetTicket(context.Context, string) (store.Ticket, error)
	ListTickets(context.Context, string) ([]store.Ticket, error)
	UpdateTicketState(context.Context, string, int64, string, time.Time) (store.Ticket, error)
	DeleteTicket(context.Context, string) error
	GetDocument(context.Context, string) (store.Document, error)
	InsertComment(context.Context, store.Comment) error
	ListComments(context.Context, string, string) ([]store.Comment, error)
	ListAllComments(context.Context, string) ([]store.Comment, error)
	UpsertPersona(context.Context, store.Persona) error
	ListPersonas(context.Context) ([]store.Persona, error)
	DeletePersona(context.Context, string) error
}

// Coordinator receives comment events and reports per-scope dispatch state.
type Coordinator interface {
	Notify(context.Context, dispatch.Event) error
	Working(context.Context, presence.Scope) (presence.Status, bool, error)
	Status(context.Context, presence.Scope) (dispatch.ScopeStatus, error)
}

// Archive is the per-ticket document history. Ship merges drafts to main.
type Archive interface {
	Ship(ticketID, author, message string) (gitrepo.CommitInfo, error)
	Remove(ticketID string) error
}

type SearchIndex interface {
	Search(search.Query) search.Response
	IndexTicket(store.Ticket)
	IndexComment(store.Comment)
	IndexDocument(store.Document)
	DeleteDocuments(ids []string)
	DeleteTicket(ticketID string, commentIDs, documentIDs []string)
}

type Exporter interface {
	Export(context.Context, export.Request) (*export.Result, error)
}

type DirectoryRefresher interface {
	Refresh(context.Context) error
}

// Cooldown reports how long a ticket must wait before its next dispatch.
type Cooldown interface {
	Remaining(ctx context.Context, ticketID string) (time.Duration, error)
}

// Deps are the collaborators of a Service. Store, Documents, Audit and
// Coordinator are required; the rest may be nil.
type Deps struct {
	Store       DataStore
	Documents   *document.Manager
	Audit       *audit.Log
	Coordinator Coordinator
	Archive     Archive
	Search      SearchIndex
	Attachments attachment.Store
	Exporter    Exporter
	Directory   DirectoryRefresher
	Cooldown    Cooldown
	Logger      *slog.Logger
	Now         func() time.Time
}

type Service struct {
	store       DataStore
	documents   *document.Manager
	audit       *audit.Log
	coordinator Coordinator
	archive     Archive
	search      SearchIndex
	attachments attachment.Store
	exporter    Exporter
	directory   DirectoryRefresher
	cooldown    Cooldown
	logger      *slog.Logger
	now         func() time.Time
}

func New(deps Deps) *Service {
	s := &Service{
		store:       deps.Store,
		documents:   deps.Documents,
		audit:       deps.Audit,
		coordinator: deps.Coordinator,
		archive:     deps.Archive,
		search:      deps.Search,
		attachments: deps.Attachments,
		exporter:    deps.Exporter,
		directory:   deps.Directory,
		cooldown:    deps.Cooldown,
		logger:      deps.Logger,
		now:         deps.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) authorize(actor audit.Actor, action rbac.Action) error {
	if !rbac.Can(rbac.ForActor(actor.Type), action) {
		return domainError(http.StatusForbidden, "FORBIDDEN",
			fmt.Sprintf("%s actors may not %s", actor.Type, strings.ReplaceAll(string(action), "_", " ")), nil)
	}
	return nil
}

func (s *Service) ticket(ctx context.Context, id string) (store.Ticket, error) {
	return s.store.GetTicket(ctx, id)
}

// Tickets

type CreateTicketInput struct {
	Title              string  `json:"title"`
	Type               string  `json:"type"`
	Description        string  `json:"description"`
	AcceptanceCriteria string  `json:"acceptanceCriteria"`
	IsEpic             bool    `json:"isEpic"`
	ParentEpicID       *string `json:"parentEpicId"`
}

func (s *Service) CreateTicket(ctx context.Context, actor audit.Actor, input CreateTicketInput) (TicketView, error) {
	if err := s.authorize(actor, rbac.ActionCreateTicket); err != nil {
		return TicketView{}, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return TicketView{}, validationError("title is required")
	}
	if len([]rune(title)) > maxTitleLength {
		return TicketView{}, validationError(fmt.Sprintf("title must be at most %d characters", maxTitleLength))
	}
	ticketType := store.TicketType(strings.ToLower(strings.TrimSpace(input.Type)))
	if ticketType == "" {
		ticketType = store.TicketFeature
	}
	if !ticketType.Valid() {
		return TicketView{}, validationError("type must be one of feature, bug, chore")
	}

	var parent *string
	if input.ParentEpicID != nil && strings.TrimSpace(*input.ParentEpicID) != "" {
		parentID := strings.TrimSpace(*input.ParentEpicID)
		epic, err := s.store.GetTicket(ctx, parentID)
		if errors.Is(err, store.ErrNotFound) {
			return TicketView{}, validationError("parent epic does not exist")
		}
		if err != nil {
			return TicketView{}, err
		}
		if !epic.IsEpic {
			return TicketView{}, validationError("parent ticket is not an epic")
		}
		parent = &parentID
	}

	now := s.now().UTC()
	ticket := store.Ticket{
		ID:                 util.NewID("tkt"),
		Title:              title,
		Type:               ticketType,
		State:              string(workflow.Initial),
		Description:        input.Description,
		AcceptanceCriteria: input.AcceptanceCriteria,
		IsEpic:             input.IsEpic,
		ParentEpicID:       parent,
		RowVersion:         1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.InsertTicket(ctx, ticket); err != nil {
		return TicketView{}, err
	}

	s.audit.RecordQuietly(ctx, ticket.ID, audit.EventTicketCreated, actor,
		fmt.Sprintf("%s %q created", ticket.Type, ticket.Title),
		map[string]any{"type": string(ticket.Type), "isEpic": ticket.IsEpic})
	if s.search != nil {
		s.search.IndexTicket(ticket)
	}
	return ticketView(ticket), nil
}

func (s *Service) GetTicket(ctx context.Context, actor audit.Actor, id string) (TicketView, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return TicketView{}, err
	}
	ticket, err := s.ticket(ctx, id)
	if err != nil {
		return TicketView{}, err
	}
	return ticketView(ticket), nil
}

func (s *Service) ListTickets(ctx context.Context, actor audit.Actor, state string) ([]TicketView, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return nil, err
	}
	if state != "" {
		if _, err := workflow.ParseState(state); err != nil {
			return nil, err
		}
	}
	tickets, err := s.store.ListTickets(ctx, state)
	if err != nil {
		return nil, err
	}
	out := make([]TicketView, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, ticketView(t))
	}
	return out, nil
}

// DeleteTicket removes the ticket with its comments, documents, blobs,
// archive and index entries. Its audit trail is kept.
func (s *Service) DeleteTicket(ctx context.Context, actor audit.Actor, id string) error {
	if err := s.authorize(actor, rbac.ActionAdmin); err != nil {
		return err
	}
	ticket, err := s.ticket(ctx, id)
	if err != nil {
		return err
	}
	comments, err := s.store.ListAllComments(ctx, id)
	if err != nil {
		return err
	}
	documents, err := s.documents.List(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTicket(ctx, id); err != nil {
		return err
	}

	if s.attachments != nil {
		if _, err := s.attachments.RemovePrefix(ctx, attachment.TicketPrefix(id)); err != nil {
			s.logger.Error("remove ticket attachments failed", "ticket", id, "err", err)
		}
	}
	if s.archive != nil {
		if err := s.archive.Remove(id); err != nil {
			s.logger.Error("remove ticket archive failed", "ticket", id, "err", err)
		}
	}
	if s.search != nil {
		commentIDs := make([]string, 0, len(comments))
		for _, c := range comments {
			commentIDs = append(commentIDs, c.ID)
		}
		s.search.DeleteTicket(id, commentIDs, documentIDs(documents))
	}
	s.audit.RecordQuietly(ctx, id, audit.EventTicketDeleted, actor,
		fmt.Sprintf("%q deleted", ticket.Title),
		map[string]any{"comments": len(comments), "documents": len(documents)})
	return nil
}

// Transitions

type TransitionInput struct {
	To string `json:"to"`
	// ExpectedVersion, when set, must match the ticket's row version.
	ExpectedVersion *int64 `json:"expectedVersion"`
}

// Transition moves a ticket through the workflow. Gates are evaluated
// against the ticket's current documents; the state write is conditional on
// the row version that was read.
func (s *Service) Transition(ctx context.Context, actor audit.Actor, ticketID string, input TransitionInput) (TicketView, error) {
	if err := s.authorize(actor, rbac.ActionTransition); err != nil {
		return TicketView{}, err
	}
	target, err := workflow.ParseState(strings.TrimSpace(input.To))
	if err != nil {
		return TicketView{}, err
	}
	ticket, err := s.ticket(ctx, ticketID)
	if err != nil {
		return TicketView{}, err
	}
	documents, err := s.documents.List(ctx, ticketID)
	if err != nil {
		return TicketView{}, err
	}

	current := workflow.State(ticket.State)
	edge, err := workflow.Evaluate(current, target, documents)
	if err != nil {
		return TicketView{}, err
	}

	expected := ticket.RowVersion
	if input.ExpectedVersion != nil {
		expected = *input.ExpectedVersion
	}
	updated, err := s.store.UpdateTicketState(ctx, ticketID, expected, string(target), s.now().UTC())
	if err != nil {
		return TicketView{}, err
	}

	detail := fmt.Sprintf("%s -> %s", current, target)
	metadata := map[string]any{"from": string(current), "to": string(target)}
	if edge.Gate != nil {
		metadata["gate"] = edge.Gate.Name
	}
	s.audit.RecordQuietly(ctx, ticketID, audit.EventStateChanged, actor, detail, metadata)
	if s.search != nil {
		s.search.IndexTicket(updated)
	}
	if edge.Ships {
		s.ship(ctx, actor, updated)
	}
	return ticketView(updated), nil
}

// ship hands a done ticket to the archive. Failures are recorded and leave
// the transition in place.
func (s *Service) ship(ctx context.Context, actor audit.Actor, ticket store.Ticket) {
	if s.archive == nil {
		return
	}
	commit, err := s.archive.Ship(ticket.ID, actor.Name, fmt.Sprintf("Ship %s: %s", ticket.ID, ticket.Title))
	if err != nil {
		s.logger.Error("ship failed", "ticket", ticket.ID, "err", err)
		s.audit.RecordQuietly(ctx, ticket.ID, audit.EventShipFailed, actor, err.Error(), nil)
		return
	}
	s.audit.RecordQuietly(ctx, ticket.ID, audit.EventTicketShipped, actor,
		"drafts merged to "+gitrepo.MainBranch,
		map[string]any{"commit": commit.Hash, "tag": gitrepo.ShippedTag})
}

// Comments

type AttachmentInput struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

type CommentInput struct {
	Content     string            `json:"content"`
	DocumentID  string            `json:"documentId"`
	Attachments []AttachmentInput `json:"attachments"`
}

// PostComment persists a comment and then tells the coordinator about it.
// Coordinator errors are logged; the comment stands.
func (s *Service) PostComment(ctx context.Context, actor audit.Actor, ticketID string, input CommentInput) (CommentView, error) {
	if err := s.authorize(actor, rbac.ActionComment); err != nil {
		return CommentView{}, err
	}
	content := strings.TrimSpace(input.Content)
	if content == "" && len(input.Attachments) == 0 {
		return CommentView{}, validationError("content is required")
	}
	if len(input.Attachments) > maxAttachments {
		return CommentView{}, validationError(fmt.Sprintf("at most %d attachments per comment", maxAttachments))
	}
	if _, err := s.ticket(ctx, ticketID); err != nil {
		return CommentView{}, err
	}

	var documentID *string
	if id := strings.TrimSpace(input.DocumentID); id != "" {
		doc, err := s.store.GetDocument(ctx, id)
		if errors.Is(err, store.ErrNotFound) || (err == nil && doc.TicketID != ticketID) {
			return CommentView{}, validationError("documentId does not belong to this ticket")
		}
		if err != nil {
			return CommentView{}, err
		}
		documentID = &id
	}

	comment := store.Comment{
		ID:         util.NewID("cmt"),
		TicketID:   ticketID,
		DocumentID: documentID,
		AuthorType: actor.Type,
		Content:    content,
		CreatedAt:  s.now().UTC(),
	}
	if actor.ID != "" {
		authorID := actor.ID
		comment.AuthorID = &authorID
	}
	attachments, err := s.storeAttachments(ctx, ticketID, comment.ID, input.Attachments)
	if err != nil {
		return CommentView{}, err
	}
	comment.Attachments = attachments

	if err := s.store.InsertComment(ctx, comment); err != nil {
		return CommentView{}, err
	}

	metadata := map[string]any{"commentId": comment.ID}
	if documentID != nil {
		metadata["documentId"] = *documentID
	}
	s.audit.RecordQuietly(ctx, ticketID, audit.EventCommentPosted, actor, "", metadata)
	if s.search != nil {
		s.search.IndexComment(comment)
	}

	scope := presence.Scope{TicketID: ticketID}
	if documentID != nil {
		scope.DocumentID = *documentID
	}
	if err := s.coordinator.Notify(ctx, dispatch.Event{
		Scope:      scope,
		CommentID:  comment.ID,
		AuthorType: actor.Type,
		Text:       content,
	}); err != nil {
		s.logger.Warn("coordinator notify failed", "ticket", ticketID, "scope", scope.String(), "err", err)
	}
	return commentView(comment), nil
}

func (s *Service) storeAttachments(ctx context.Context, ticketID, commentID string, inputs []AttachmentInput) ([]store.Attachment, error) {
	out := make([]store.Attachment, 0, len(inputs))
	for i, in := range inputs {
		name := strings.TrimSpace(in.Name)
		if name == "" {
			return nil, validationError(fmt.Sprintf("attachment %d needs a name", i))
		}
		if len(in.Data) > maxAttachmentBytes {
			return nil, validationError(fmt.Sprintf("attachment %q exceeds %d bytes", name, maxAttachmentBytes))
		}
		mimeType := in.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		item := store.Attachment{Name: name, MimeType: mimeType, Size: int64(len(in.Data))}
		if s.attachments == nil {
			item.Data = in.Data
		} else {
			key := attachment.ObjectKey(ticketID, commentID, i, name)
			if err := s.attachments.Put(ctx, key, attachment.Blob{Data: in.Data, MimeType: mimeType}); err != nil {
				return nil, fmt.Errorf("store attachment %q: %w", name, err)
			}
			item.ObjectKey = key
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *Service) ListComments(ctx context.Context, actor audit.Actor, ticketID, documentID string) ([]CommentView, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return nil, err
	}
	if _, err := s.ticket(ctx, ticketID); err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, ticketID, documentID)
	if err != nil {
		return nil, err
	}
	out := make([]CommentView, 0, len(comments))
	for _, c := range comments {
		out = append(out, commentView(c))
	}
	return out, nil
}

// Attachment returns one attachment payload of a comment.
func (s *Service) Attachment(ctx context.Context, actor audit.Actor, ticketID, commentID string, index int) (store.Attachment, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return store.Attachment{}, err
	}
	comments, err := s.store.ListAllComments(ctx, ticketID)
	if err != nil {
		return store.Attachment{}, err
	}
	for _, c := range comments {
		if c.ID != commentID {
			continue
		}
		if index < 0 || index >= len(c.Attachments) {
			return store.Attachment{}, fmt.Errorf("attachment %d of %s: %w", index, commentID, store.ErrNotFound)
		}
		item := c.Attachments[index]
		if item.ObjectKey == "" {
			return item, nil
		}
		if s.attachments == nil {
			return store.Attachment{}, fmt.Errorf("attachment %s: %w", item.ObjectKey, attachment.ErrNotFound)
		}
		blob, err := s.attachments.Get(ctx, item.ObjectKey)
		if err != nil {
			return store.Attachment{}, err
		}
		item.Data = blob.Data
		return item, nil
	}
	return store.Attachment{}, fmt.Errorf("comment %s: %w", commentID, store.ErrNotFound)
}

// Documents

func parseDocumentType(value string) (store.DocumentType, error) {
	docType := store.DocumentType(strings.ToLower(strings.TrimSpace(value)))
	if !docType.Valid() {
		return "", fmt.Errorf("%w: %q", document.ErrInvalidType, value)
	}
	return docType, nil
}

type DocumentInput struct {
	Content string `json:"content"`
}

func (s *Service) CreateDocument(ctx context.Context, actor audit.Actor, ticketID, docTypeValue string, input DocumentInput) (DocumentView, error) {
	if err := s.authorize(actor, rbac.ActionWriteDocument); err != nil {
		return DocumentView{}, err
	}
	docType, err := parseDocumentType(docTypeValue)
	if err != nil {
		return DocumentView{}, err
	}
	if strings.TrimSpace(input.Content) == "" {
		return DocumentView{}, validationError("content is required")
	}
	if _, err := s.ticket(ctx, ticketID); err != nil {
		return DocumentView{}, err
	}
	doc, err := s.documents.CreateVersion(ctx, ticketID, docType, input.Content, actor)
	if err != nil {
		return DocumentView{}, err
	}
	if s.search != nil {
		s.search.IndexDocument(doc)
	}
	return documentView(doc), nil
}

func (s *Service) ListDocuments(ctx context.Context, actor audit.Actor, ticketID string) ([]DocumentView, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return nil, err
	}
	if _, err := s.ticket(ctx, ticketID); err != nil {
		return nil, err
	}
	docs, err := s.documents.List(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	return documentViews(docs), nil
}

func (s *Service) LatestDocument(ctx context.Context, actor audit.Actor, ticketID, docTypeValue string) (DocumentView, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return DocumentView{}, err
	}
	docType, err := parseDocumentType(docTypeValue)
	if err != nil {
		return DocumentView{}, err
	}
	doc, err := s.documents.Latest(ctx, ticketID, docType)
	if err != nil {
		return DocumentView{}, err
	}
	return documentView(doc), nil
}

func (s *Service) DocumentVersion(ctx context.Context, actor audit.Actor, ticketID, docTypeValue string, version int) (DocumentView, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return DocumentView{}, err
	}
	docType, err := parseDocumentType(docTypeValue)
	if err != nil {
		return DocumentView{}, err
	}
	if version < 1 {
		return DocumentView{}, validationError("version must be a positive integer")
	}
	doc, err := s.documents.ByVersion(ctx, ticketID, docType, version)
	if err != nil {
		return DocumentView{}, err
	}
	return documentView(doc), nil
}

// ApproveDocument approves the latest version. changed is false when it was
// already approved.
func (s *Service) ApproveDocument(ctx context.Context, actor audit.Actor, ticketID, docTypeValue string) (view DocumentView, changed bool, err error) {
	if err := s.authorize(actor, rbac.ActionApprove); err != nil {
		return DocumentView{}, false, err
	}
	docType, err := parseDocumentType(docTypeValue)
	if err != nil {
		return DocumentView{}, false, err
	}
	doc, changed, err := s.documents.Approve(ctx, ticketID, docType, actor)
	if err != nil {
		return DocumentView{}, false, err
	}
	return documentView(doc), changed, nil
}

// DeleteDocument removes every version of a type. The ticket state is not
// reverted.
func (s *Service) DeleteDocument(ctx context.Context, actor audit.Actor, ticketID, docTypeValue string) (int64, error) {
	if err := s.authorize(actor, rbac.ActionDeleteDocument); err != nil {
		return 0, err
	}
	docType, err := parseDocumentType(docTypeValue)
	if err != nil {
		return 0, err
	}
	var ids []string
	if s.search != nil {
		docs, err := s.documents.List(ctx, ticketID)
		if err != nil {
			return 0, err
		}
		for _, d := range docs {
			if d.Type == docType {
				ids = append(ids, d.ID)
			}
		}
	}
	removed, err := s.documents.Delete(ctx, ticketID, docType, actor)
	if err != nil {
		return 0, err
	}
	if s.search != nil {
		s.search.DeleteDocuments(ids)
	}
	return removed, nil
}

func documentIDs(docs []store.Document) []string {
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	return ids
}

// Audit

func (s *Service) ListAudit(ctx context.Context, actor audit.Actor, ticketID string, limit int) ([]AuditEventView, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	events, err := s.audit.List(ctx, ticketID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]AuditEventView, 0, len(events))
	for _, e := range events {
		out = append(out, auditEventView(e))
	}
	return out, nil
}

// ClearAudit is the one way audit events leave the log.
func (s *Service) ClearAudit(ctx context.Context, actor audit.Actor, ticketID string) (int64, error) {
	if err := s.authorize(actor, rbac.ActionAdmin); err != nil {
		return 0, err
	}
	removed, err := s.audit.Clear(ctx, ticketID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("audit log cleared", "ticket", ticketID, "events", removed, "actor", actor.Name)
	return removed, nil
}

// Presence

func (s *Service) Presence(ctx context.Context, actor audit.Actor, ticketID, documentID string) (PresenceView, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return PresenceView{}, err
	}
	if _, err := s.ticket(ctx, ticketID); err != nil {
		return PresenceView{}, err
	}
	scope := presence.Scope{TicketID: ticketID, DocumentID: documentID}
	view := PresenceView{TicketID: ticketID, DocumentID: documentID}

	status, ok, err := s.coordinator.Working(ctx, scope)
	if err != nil {
		return PresenceView{}, fmt.Errorf("presence %s: %w", scope, err)
	}
	if ok {
		since := status.Since
		view.Working = true
		view.PersonaID = status.PersonaID
		view.Since = &since
	}
	// A stopped coordinator has nothing queued for any scope.
	state, err := s.coordinator.Status(ctx, scope)
	if err != nil && !errors.Is(err, dispatch.ErrStopped) {
		return PresenceView{}, fmt.Errorf("coordinator status %s: %w", scope, err)
	}
	view.PendingComments = state.PendingComments
	view.LastDispatch = state.LastDispatch

	if s.cooldown != nil {
		remaining, err := s.cooldown.Remaining(ctx, ticketID)
		if err != nil {
			s.logger.Warn("read dispatch cooldown failed", "ticket", ticketID, "err", err)
		} else {
			view.CooldownRemainingMs = remaining.Milliseconds()
		}
	}
	return view, nil
}

// Search

func (s *Service) Search(ctx context.Context, actor audit.Actor, q search.Query) (search.Response, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return search.Response{}, validationError("q is required")
	}
	if q.FilterType != "" && !q.FilterType.Valid() {
		return search.Response{}, validationError("type must be ticket, comment or document")
	}
	if q.Limit <= 0 {
		q.Limit = defaultSearchLimit
	}
	if q.Limit > maxSearchLimit {
		q.Limit = maxSearchLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(q), nil
}

// Export

func (s *Service) Export(ctx context.Context, actor audit.Actor, ticketID, format string, includeComments bool) (*export.Result, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return nil, err
	}
	parsed, err := export.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	return s.exporter.Export(ctx, export.Request{TicketID: ticketID, Format: parsed, IncludeComments: includeComments})
}

// Personas

type PersonaInput struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

func (s *Service) ListPersonas(ctx context.Context, actor audit.Actor) ([]PersonaView, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return nil, err
	}
	personas, err := s.store.ListPersonas(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PersonaView, 0, len(personas))
	for _, p := range personas {
		out = append(out, personaView(p))
	}
	return out, nil
}

// UpsertPersona creates or renames a persona and refreshes the mention
// directory right away.
func (s *Service) UpsertPersona(ctx context.Context, actor audit.Actor, id string, input PersonaInput) (PersonaView, error) {
	if err := s.authorize(actor, rbac.ActionAdmin); err != nil {
		return PersonaView{}, err
	}
	id = strings.TrimSpace(id)
	name := strings.TrimSpace(input.Name)
	if id == "" || name == "" {
		return PersonaView{}, validationError("id and name are required")
	}
	if strings.ContainsAny(name, "@\n\t") {
		return PersonaView{}, validationError("name must not contain '@' or control whitespace")
	}
	persona := store.Persona{
		ID:        id,
		Name:      name,
		Role:      strings.ToLower(strings.TrimSpace(input.Role)),
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.UpsertPersona(ctx, persona); err != nil {
		return PersonaView{}, err
	}
	s.refreshDirectory(ctx)
	return personaView(persona), nil
}

func (s *Service) DeletePersona(ctx context.Context, actor audit.Actor, id string) error {
	if err := s.authorize(actor, rbac.ActionAdmin); err != nil {
		return err
	}
	if err := s.store.DeletePersona(ctx, id); err != nil {
		return err
	}
	s.refreshDirectory(ctx)
	return nil
}

func (s *Service) refreshDirectory(ctx context.Context) {
	if s.directory == nil {
		return
	}
	if err := s.directory.Refresh(ctx); err != nil {
		s.logger.Warn("mention directory refresh failed", "err", err)
	}
}
