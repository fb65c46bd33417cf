package chat

import (
	"sync"
)

// Store is the ordered, append-only history consumed by the rendering
// layer. All decisions about what gets appended are made upstream; the
// store performs no merging and no deduplication.
type Store interface {
	Append(msg Message)
	Messages() []Message
	Clear() error
}

// MemoryStore keeps history in memory, in insertion order.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []Message
}

// NewMemoryStore constructs an empty in-memory history.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(msg Message) {
	if msg.ID == "" {
		msg = withIdentity(msg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *MemoryStore) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	return nil
}

func withIdentity(msg Message) Message {
	filled := NewMessage(msg.Kind, msg.Content)
	filled.Attachment = msg.Attachment
	if !msg.CreatedAt.IsZero() {
		filled.CreatedAt = msg.CreatedAt
	}
	return filled
}

type teeStore struct {
	inner    Store
	observer func(Message)
}

// Tee wraps a store so every appended message is also handed to
// observer, in append order. Clear passes through untouched.
func Tee(inner Store, observer func(Message)) Store {
	return &teeStore{inner: inner, observer: observer}
}

func (t *teeStore) Append(msg Message) {
	if msg.ID == "" {
		msg = withIdentity(msg)
	}
	t.inner.Append(msg)
	if t.observer != nil {
		t.observer(msg)
	}
}

func (t *teeStore) Messages() []Message {
	return t.inner.Messages()
}

func (t *teeStore) Clear() error {
	return t.inner.Clear()
}
