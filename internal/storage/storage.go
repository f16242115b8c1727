// Package storage persists conversations, messages, and attachment records.
// A Postgres-backed implementation serves deployments; the in-memory
// implementation backs tests and single-process runs.
package storage

import (
	"context"
	"errors"

	"harborchat/internal/models"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate is returned when a write collides with an existing record.
var ErrDuplicate = errors.New("record already exists")

// CreateAttachmentParams is the column set written for a completed upload.
type CreateAttachmentParams struct {
	MessageID    string
	FileURL      string
	FileName     string
	FileType     string
	FileSize     int64
	ThumbnailURL string
	Width        int
	Height       int
	Duration     int
}

// AttachmentStore persists the durable attachment rows behind messages.
type AttachmentStore interface {
	CreateAttachment(ctx context.Context, params CreateAttachmentParams) (models.Attachment, error)
	ListAttachments(ctx context.Context, messageID string) ([]models.Attachment, error)
}

// ConversationStore serves the sidebar: conversation listings ordered by
// recency and per-user read state.
type ConversationStore interface {
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	MarkConversationRead(ctx context.Context, userID, conversationID string) error
}

// Store is the full persistence surface the daemon wires together.
type Store interface {
	AttachmentStore
	ConversationStore
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
