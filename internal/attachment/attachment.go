// Package attachment stores comment attachment blobs outside the database.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("attachment not found")

// Blob is a stored attachment payload.
type Blob struct {
	Data     []byte
	MimeType string
}

// Store persists blobs under keys grouped by ticket.
type Store interface {
	Put(ctx context.Context, key string, blob Blob) error
	Get(ctx context.Context, key string) (Blob, error)
	RemovePrefix(ctx context.Context, prefix string) (int, error)
}

// ObjectKey places a blob under tickets/{ticket}/comments/{comment}/{index}-{name}.
func ObjectKey(ticketID, commentID string, index int, name string) string {
	return fmt.Sprintf("%s%s/%d-%s", CommentPrefix(ticketID), commentID, index, cleanName(name))
}

// TicketPrefix covers every blob belonging to one ticket.
func TicketPrefix(ticketID string) string {
	return "tickets/" + ticketID + "/"
}

func CommentPrefix(ticketID string) string {
	return TicketPrefix(ticketID) + "comments/"
}

func cleanName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return name
}

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string]Blob
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string]Blob)}
}

func (m *Memory) Put(_ context.Context, key string, blob Blob) error {
	data := append([]byte(nil), blob.Data...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = Blob{Data: data, MimeType: blob.MimeType}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (Blob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[key]
	if !ok {
		return Blob{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return Blob{Data: append([]byte(nil), blob.Data...), MimeType: blob.MimeType}, nil
}

func (m *Memory) RemovePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key := range m.blobs {
		if strings.HasPrefix(key, prefix) {
			delete(m.blobs, key)
			removed++
		}
	}
	return removed, nil
}
