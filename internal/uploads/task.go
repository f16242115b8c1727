// Package uploads runs the attachment pipeline: validate, store, derive
// media metadata, persist. Progress is tracked per file so the UI can render
// spinners and error badges.
package uploads

import (
	"strings"
	"time"
)

// Status is an upload task's lifecycle stage.
type Status string

const (
	// StatusPending is set when the task is registered, before bytes move.
	StatusPending Status = "pending"
	// StatusUploading covers the blob write.
	StatusUploading Status = "uploading"
	// StatusProcessing covers metadata derivation and persistence.
	StatusProcessing Status = "processing"
	// StatusCompleted is terminal success.
	StatusCompleted Status = "completed"
	// StatusError is terminal failure; Task.Error carries the reason.
	StatusError Status = "error"
)

// Task is one file's progress through the pipeline. ID combines the
// submission stamp with the file name, so retrying a file opens a fresh
// task instead of overwriting the prior record. Progress moves 0, 50, 100
// across the upload, processing, and completed stages; URL and ThumbnailURL
// are filled in on completion.
type Task struct {
	ID           string    `json:"id"`
	FileName     string    `json:"fileName"`
	Status       Status    `json:"status"`
	Progress     int       `json:"progress"`
	URL          string    `json:"url,omitempty"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
	Error        string    `json:"error,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Category groups attachments by how their metadata is derived.
type Category string

const (
	CategoryImage Category = "image"
	CategoryVideo Category = "video"
	CategoryVoice Category = "voice"
	CategoryFile  Category = "file"
)

// Categorize buckets a MIME type. Anything outside image, video, and audio
// is a plain file with no derived metadata.
func Categorize(contentType string) Category {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return CategoryImage
	case strings.HasPrefix(contentType, "video/"):
		return CategoryVideo
	case strings.HasPrefix(contentType, "audio/"):
		return CategoryVoice
	default:
		return CategoryFile
	}
}
