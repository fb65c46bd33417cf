package chat

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies a chat entry by its author.
type Kind string

const (
	KindUser   Kind = "user"
	KindAi     Kind = "ai"
	KindSystem Kind = "system"
	KindError  Kind = "error"
)

// Attachment references an uploaded artifact by id and display name.
type Attachment struct {
	FileID string `json:"file_id"`
	Name   string `json:"name,omitempty"`
}

// Message is one finalized chat entry. Messages are append-only: once
// stored they are never mutated.
type Message struct {
	ID         string      `json:"id"`
	Kind       Kind        `json:"type"`
	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// NewMessage builds a message with a fresh id and timestamp.
func NewMessage(kind Kind, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}
