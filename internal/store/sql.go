package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SQLStore persists tickets, documents, comments, audit events and personas
// on Postgres or SQLite. Queries are written with ? placeholders and rebound
// for Postgres.
type SQLStore struct {
	db     *sql.DB
	driver Driver
}

func NewSQLStore(db *sql.DB, driver Driver) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) q(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	return rebind(query)
}

func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '\'' {
			inQuote = !inQuote
		}
		if c == '?' && !inQuote {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	value := v.String
	return &value
}

// Tickets

const ticketColumns = `id, title, type, state, description, acceptance_criteria, is_epic, parent_epic_id, row_version, created_at, updated_at`

func (s *SQLStore) InsertTicket(ctx context.Context, t Ticket) error {
	if t.RowVersion == 0 {
		t.RowVersion = 1
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.Title, string(t.Type), t.State, t.Description, t.AcceptanceCriteria, t.IsEpic,
		nullableString(t.ParentEpicID), t.RowVersion, toMillis(t.CreatedAt), toMillis(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}
	return nil
}

func (s *SQLStore) GetTicket(ctx context.Context, id string) (Ticket, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`), id)
	t, err := scanTicket(row)
	if err != nil {
		return Ticket{}, fmt.Errorf("get ticket %s: %w", id, notFound(err))
	}
	return t, nil
}

// ListTickets returns tickets newest first. An empty state lists all.
func (s *SQLStore) ListTickets(ctx context.Context, state string) ([]Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	items := make([]Ticket, 0)
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

// UpdateTicketState moves a ticket to state if its row version still equals
// expectedVersion, and returns the updated row.
func (s *SQLStore) UpdateTicketState(ctx context.Context, id string, expectedVersion int64, state string, at time.Time) (Ticket, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE tickets
		SET state = ?, row_version = row_version + 1, updated_at = ?
		WHERE id = ? AND row_version = ?
	`), state, toMillis(at), id, expectedVersion)
	if err != nil {
		return Ticket{}, fmt.Errorf("update ticket state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Ticket{}, fmt.Errorf("update ticket state: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetTicket(ctx, id); getErr != nil {
			return Ticket{}, getErr
		}
		return Ticket{}, fmt.Errorf("update ticket %s: %w", id, ErrStaleWrite)
	}
	return s.GetTicket(ctx, id)
}

// DeleteTicket removes a ticket with its comments and documents. Audit
// events are kept.
func (s *SQLStore) DeleteTicket(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete ticket: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM comments WHERE ticket_id = ?`,
		`DELETE FROM documents WHERE ticket_id = ?`,
		`UPDATE tickets SET parent_epic_id = NULL WHERE parent_epic_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.q(stmt), id); err != nil {
			return fmt.Errorf("delete ticket %s: %w", id, err)
		}
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM tickets WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete ticket %s: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("delete ticket %s: %w", id, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete ticket: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (Ticket, error) {
	var (
		t                    Ticket
		ticketType           string
		parent               sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&t.ID, &t.Title, &ticketType, &t.State, &t.Description, &t.AcceptanceCriteria,
		&t.IsEpic, &parent, &t.RowVersion, &createdAt, &updatedAt); err != nil {
		return Ticket{}, err
	}
	t.Type = TicketType(ticketType)
	t.ParentEpicID = stringPtr(parent)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return t, nil
}

// Documents

const documentColumns = `id, ticket_id, type, version, content, author_id, approved, approved_at, created_at, updated_at`

// InsertDocument stores one document version. A taken (ticket, type,
// version) slot yields ErrVersionConflict.
func (s *SQLStore) InsertDocument(ctx context.Context, d Document) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), d.ID, d.TicketID, string(d.Type), d.Version, d.Content, d.AuthorID, d.Approved,
		nullableMillis(d.ApprovedAt), toMillis(d.CreatedAt), toMillis(d.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert document %s v%d: %w", d.Type, d.Version, ErrVersionConflict)
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *SQLStore) LatestDocument(ctx context.Context, ticketID string, docType DocumentType) (Document, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+documentColumns+`
		FROM documents
		WHERE ticket_id = ? AND type = ?
		ORDER BY version DESC
		LIMIT 1
	`), ticketID, string(docType))
	d, err := scanDocument(row)
	if err != nil {
		return Document{}, fmt.Errorf("latest %s document: %w", docType, notFound(err))
	}
	return d, nil
}

func (s *SQLStore) GetDocumentVersion(ctx context.Context, ticketID string, docType DocumentType, version int) (Document, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+documentColumns+`
		FROM documents
		WHERE ticket_id = ? AND type = ? AND version = ?
	`), ticketID, string(docType), version)
	d, err := scanDocument(row)
	if err != nil {
		return Document{}, fmt.Errorf("%s document v%d: %w", docType, version, notFound(err))
	}
	return d, nil
}

func (s *SQLStore) GetDocument(ctx context.Context, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+documentColumns+` FROM documents WHERE id = ?`), id)
	d, err := scanDocument(row)
	if err != nil {
		return Document{}, fmt.Errorf("get document %s: %w", id, notFound(err))
	}
	return d, nil
}

// ListDocuments returns every version of every document type for a ticket,
// ordered by type then version.
func (s *SQLStore) ListDocuments(ctx context.Context, ticketID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+documentColumns+`
		FROM documents
		WHERE ticket_id = ?
		ORDER BY type, version
	`), ticketID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

// ApproveDocument marks one version approved as long as it is still the
// highest version of its type. It reports false when the version was already
// approved or has been superseded.
func (s *SQLStore) ApproveDocument(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE documents
		SET approved = ?, approved_at = ?, updated_at = ?
		WHERE id = ? AND approved = ?
		  AND version = (
			SELECT MAX(newer.version) FROM documents newer
			WHERE newer.ticket_id = documents.ticket_id AND newer.type = documents.type
		  )
	`), true, toMillis(at), toMillis(at), id, false)
	if err != nil {
		return false, fmt.Errorf("approve document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("approve document: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLStore) DeleteDocumentsOfType(ctx context.Context, ticketID string, docType DocumentType) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM documents WHERE ticket_id = ? AND type = ?`), ticketID, string(docType))
	if err != nil {
		return 0, fmt.Errorf("delete %s documents: %w", docType, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete %s documents: %w", docType, err)
	}
	return affected, nil
}

func scanDocument(row rowScanner) (Document, error) {
	var (
		d                    Document
		docType              string
		approvedAt           sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&d.ID, &d.TicketID, &docType, &d.Version, &d.Content, &d.AuthorID,
		&d.Approved, &approvedAt, &createdAt, &updatedAt); err != nil {
		return Document{}, err
	}
	d.Type = DocumentType(docType)
	if approvedAt.Valid {
		at := fromMillis(approvedAt.Int64)
		d.ApprovedAt = &at
	}
	d.CreatedAt = fromMillis(createdAt)
	d.UpdatedAt = fromMillis(updatedAt)
	return d, nil
}

// Comments

const commentColumns = `id, ticket_id, document_id, author_type, author_id, content, attachments, created_at`

func (s *SQLStore) InsertComment(ctx context.Context, c Comment) error {
	attachments := c.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}
	payload, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO comments (`+commentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), c.ID, c.TicketID, nullableString(c.DocumentID), string(c.AuthorType), nullableString(c.AuthorID),
		c.Content, string(payload), toMillis(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

// ListComments returns one thread in arrival order: the ticket thread when
// documentID is empty, otherwise that document's thread.
func (s *SQLStore) ListComments(ctx context.Context, ticketID, documentID string) ([]Comment, error) {
	query := `SELECT ` + commentColumns + ` FROM comments WHERE ticket_id = ?`
	args := []any{ticketID}
	if documentID == "" {
		query += ` AND document_id IS NULL`
	} else {
		query += ` AND document_id = ?`
		args = append(args, documentID)
	}
	query += ` ORDER BY seq`
	return s.queryComments(ctx, query, args...)
}

// ListAllComments returns both thread kinds for a ticket in arrival order.
func (s *SQLStore) ListAllComments(ctx context.Context, ticketID string) ([]Comment, error) {
	return s.queryComments(ctx, `SELECT `+commentColumns+` FROM comments WHERE ticket_id = ? ORDER BY seq`, ticketID)
}

func (s *SQLStore) queryComments(ctx context.Context, query string, args ...any) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var (
			c                     Comment
			documentID, authorID  sql.NullString
			authorType, rawAttach string
			createdAt             int64
		)
		if err := rows.Scan(&c.ID, &c.TicketID, &documentID, &authorType, &authorID, &c.Content, &rawAttach, &createdAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		c.DocumentID = stringPtr(documentID)
		c.AuthorID = stringPtr(authorID)
		c.AuthorType = ActorType(authorType)
		c.CreatedAt = fromMillis(createdAt)
		if rawAttach != "" {
			if err := json.Unmarshal([]byte(rawAttach), &c.Attachments); err != nil {
				return nil, fmt.Errorf("decode attachments for comment %s: %w", c.ID, err)
			}
		}
		if c.Attachments == nil {
			c.Attachments = []Attachment{}
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// Audit events

func (s *SQLStore) InsertAuditEvent(ctx context.Context, e AuditEvent) (AuditEvent, error) {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("marshal audit metadata: %w", err)
	}
	err = s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO audit_events (ticket_id, event, actor_type, actor_id, actor_name, detail, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), e.TicketID, e.Event, string(e.ActorType), nullableString(e.ActorID), e.ActorName, e.Detail,
		string(payload), toMillis(e.CreatedAt)).Scan(&e.ID)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("insert audit event: %w", err)
	}
	e.Metadata = metadata
	return e, nil
}

// ListAuditEvents returns the most recent limit events for a ticket in
// chronological order. limit <= 0 returns all.
func (s *SQLStore) ListAuditEvents(ctx context.Context, ticketID string, limit int) ([]AuditEvent, error) {
	query := `
		SELECT id, ticket_id, event, actor_type, actor_id, actor_name, detail, metadata, created_at
		FROM audit_events
		WHERE ticket_id = ?
		ORDER BY id DESC`
	args := []any{ticketID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEvent, 0)
	for rows.Next() {
		var (
			e                  AuditEvent
			actorType, rawMeta string
			actorID            sql.NullString
			createdAt          int64
		)
		if err := rows.Scan(&e.ID, &e.TicketID, &e.Event, &actorType, &actorID, &e.ActorName, &e.Detail, &rawMeta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.ActorType = ActorType(actorType)
		e.ActorID = stringPtr(actorID)
		e.CreatedAt = fromMillis(createdAt)
		e.Metadata = map[string]any{}
		if rawMeta != "" {
			if err := json.Unmarshal([]byte(rawMeta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata %d: %w", e.ID, err)
			}
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *SQLStore) DeleteAuditEvents(ctx context.Context, ticketID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM audit_events WHERE ticket_id = ?`), ticketID)
	if err != nil {
		return 0, fmt.Errorf("clear audit events: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear audit events: %w", err)
	}
	return affected, nil
}

// Personas

func (s *SQLStore) UpsertPersona(ctx context.Context, p Persona) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO personas (id, name, role, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, role = excluded.role
	`), p.ID, p.Name, p.Role, toMillis(p.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("persona name %q: %w", p.Name, ErrDuplicate)
		}
		return fmt.Errorf("upsert persona: %w", err)
	}
	return nil
}

func (s *SQLStore) ListPersonas(ctx context.Context) ([]Persona, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, role, created_at FROM personas ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	defer rows.Close()

	items := make([]Persona, 0)
	for rows.Next() {
		var (
			p         Persona
			createdAt int64
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Role, &createdAt); err != nil {
			return nil, fmt.Errorf("scan persona: %w", err)
		}
		p.CreatedAt = fromMillis(createdAt)
		items = append(items, p)
	}
	return items, rows.Err()
}

func (s *SQLStore) DeletePersona(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM personas WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete persona: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("delete persona %s: %w", id, ErrNotFound)
	}
	return nil
}

// Search fallback

// SearchText does a case-insensitive substring match over ticket titles,
// comment bodies and document contents.
func (s *SQLStore) SearchText(ctx context.Context, text string, limit int) ([]TextMatch, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(strings.ToLower(text)) + "%"
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT kind, id, ticket_id, title, snippet FROM (
			SELECT 'ticket' AS kind, id, id AS ticket_id, title, description AS snippet, updated_at AS ts
			FROM tickets
			WHERE LOWER(title) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\'
			UNION ALL
			SELECT 'comment' AS kind, id, ticket_id, '' AS title, content AS snippet, created_at AS ts
			FROM comments
			WHERE LOWER(content) LIKE ? ESCAPE '\'
			UNION ALL
			SELECT 'document' AS kind, id, ticket_id, type AS title, content AS snippet, updated_at AS ts
			FROM documents
			WHERE LOWER(content) LIKE ? ESCAPE '\'
		) matches
		ORDER BY ts DESC
		LIMIT ?
	`), pattern, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search text: %w", err)
	}
	defer rows.Close()

	items := make([]TextMatch, 0)
	for rows.Next() {
		var m TextMatch
		if err := rows.Scan(&m.Kind, &m.ID, &m.TicketID, &m.Title, &m.Snippet); err != nil {
			return nil, fmt.Errorf("scan search match: %w", err)
		}
		m.Snippet = snippet(m.Snippet, 160)
		items = append(items, m)
	}
	return items, rows.Err()
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func snippet(value string, max int) string {
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	return string(runes[:max]) + "…"
}
