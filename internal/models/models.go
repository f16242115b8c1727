package models

import "time"

// Message is a single chat message inside a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Attachment is the durable record persisted for a completed upload. It is
// immutable once written; optional media metadata is only present when the
// derivation step succeeded for the file's category.
type Attachment struct {
	ID           string    `json:"id"`
	MessageID    string    `json:"messageId"`
	FileURL      string    `json:"fileUrl"`
	FileName     string    `json:"fileName"`
	FileType     string    `json:"fileType"`
	FileSize     int64     `json:"fileSize"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	Duration     int       `json:"duration,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Conversation summarises a chat thread for sidebar listings. LastMessageAt
// drives ordering; UnreadCount is maintained per local user.
type Conversation struct {
	ID            string    `json:"id"`
	Title         string    `json:"title,omitempty"`
	MemberIDs     []string  `json:"memberIds"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	UnreadCount   int       `json:"unreadCount"`
}
