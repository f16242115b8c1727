package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"harborchat/internal/models"
)

// MemoryStore is an in-process Store. All returned slices are copies.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]models.Conversation
	messages      map[string]models.Message
	attachments   map[string][]models.Attachment
	unread        map[string]map[string]int
	now           func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string]models.Message),
		attachments:   make(map[string][]models.Attachment),
		unread:        make(map[string]map[string]int),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// CreateConversation seeds a conversation. Test and bootstrap helper.
func (s *MemoryStore) CreateConversation(title string, memberIDs ...string) models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation := models.Conversation{
		ID:            uuid.NewString(),
		Title:         title,
		MemberIDs:     append([]string(nil), memberIDs...),
		LastMessageAt: s.now(),
	}
	s.conversations[conversation.ID] = conversation
	return conversation
}

// AppendMessage records a message, bumps the conversation's recency, and
// increments unread counters for the other members.
func (s *MemoryStore) AppendMessage(ctx context.Context, conversationID, senderID, content string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.conversations[conversationID]
	if !ok {
		return models.Message{}, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	message := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      s.now(),
	}
	s.messages[message.ID] = message
	conversation.LastMessageAt = message.CreatedAt
	s.conversations[conversationID] = conversation
	for _, member := range conversation.MemberIDs {
		if member == senderID {
			continue
		}
		counters, ok := s.unread[member]
		if !ok {
			counters = make(map[string]int)
			s.unread[member] = counters
		}
		counters[conversationID]++
	}
	return message, nil
}

func (s *MemoryStore) CreateAttachment(ctx context.Context, params CreateAttachmentParams) (models.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return models.Attachment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[params.MessageID]; !ok {
		return models.Attachment{}, fmt.Errorf("message %s: %w", params.MessageID, ErrNotFound)
	}
	attachment := models.Attachment{
		ID:           uuid.NewString(),
		MessageID:    params.MessageID,
		FileURL:      params.FileURL,
		FileName:     params.FileName,
		FileType:     params.FileType,
		FileSize:     params.FileSize,
		ThumbnailURL: params.ThumbnailURL,
		Width:        params.Width,
		Height:       params.Height,
		Duration:     params.Duration,
		CreatedAt:    s.now(),
	}
	s.attachments[params.MessageID] = append(s.attachments[params.MessageID], attachment)
	return attachment, nil
}

func (s *MemoryStore) ListAttachments(ctx context.Context, messageID string) ([]models.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Attachment(nil), s.attachments[messageID]...), nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var conversations []models.Conversation
	for _, conversation := range s.conversations {
		if !containsMember(conversation.MemberIDs, userID) {
			continue
		}
		clone := conversation
		clone.MemberIDs = append([]string(nil), conversation.MemberIDs...)
		clone.UnreadCount = s.unread[userID][conversation.ID]
		conversations = append(conversations, clone)
	}
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].LastMessageAt.After(conversations[j].LastMessageAt)
	})
	return conversations, nil
}

func (s *MemoryStore) MarkConversationRead(ctx context.Context, userID, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if counters, ok := s.unread[userID]; ok {
		delete(counters, conversationID)
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

func containsMember(members []string, userID string) bool {
	for _, member := range members {
		if member == userID {
			return true
		}
	}
	return false
}
