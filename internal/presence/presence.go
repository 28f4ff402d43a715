// Package presence tracks the "agent is working" hint per ticket or
// document thread. It is advisory only and expires on its own.
package presence

import (
	"context"
	"sync"
	"time"
)

// Scope identifies a comment thread. DocumentID is empty for the ticket
// thread.
type Scope struct {
	TicketID   string
	DocumentID string
}

func (s Scope) String() string {
	if s.DocumentID == "" {
		return s.TicketID
	}
	return s.TicketID + ":" + s.DocumentID
}

// Status is the persona currently believed to be working on a scope.
type Status struct {
	PersonaID string    `json:"personaId"`
	Since     time.Time `json:"since"`
}

type Store interface {
	Set(ctx context.Context, scope Scope, personaID string, ttl time.Duration) error
	Clear(ctx context.Context, scope Scope) error
	Get(ctx context.Context, scope Scope) (Status, bool, error)
}

type memoryEntry struct {
	status  Status
	expires time.Time
}

// Memory keeps presence in process.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[Scope]memoryEntry
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, entries: make(map[Scope]memoryEntry)}
}

func (m *Memory) Set(_ context.Context, scope Scope, personaID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.entries[scope] = memoryEntry{
		status:  Status{PersonaID: personaID, Since: now.UTC()},
		expires: now.Add(ttl),
	}
	return nil
}

func (m *Memory) Clear(_ context.Context, scope Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, scope)
	return nil
}

func (m *Memory) Get(_ context.Context, scope Scope) (Status, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[scope]
	if !ok {
		return Status{}, false, nil
	}
	if !m.now().Before(entry.expires) {
		delete(m.entries, scope)
		return Status{}, false, nil
	}
	return entry.status, true, nil
}
