package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"harborchat/internal/api"
	"harborchat/internal/models"
	"harborchat/internal/objectstore"
	"harborchat/internal/storage"
	"harborchat/internal/uploads"
)

type apiFixture struct {
	store   *storage.MemoryStore
	objects *objectstore.MemoryStore
	handler *api.Handler
	conv    models.Conversation
	message models.Message
}

func newAPIFixture(t *testing.T, opts ...func(*uploads.PipelineConfig)) *apiFixture {
	t.Helper()
	f := &apiFixture{
		store:   storage.NewMemoryStore(),
		objects: objectstore.NewMemoryStore("https://cdn.example.com"),
	}
	f.conv = f.store.CreateConversation("Chat", "u1", "u2")
	message, err := f.store.AppendMessage(context.Background(), f.conv.ID, "u1", "attached")
	if err != nil {
		t.Fatalf("seed message: %v", err)
	}
	f.message = message

	cfg := uploads.PipelineConfig{
		Objects:     f.objects,
		Attachments: f.store,
		Now:         time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	pipeline, err := uploads.NewPipeline(cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	f.handler = api.NewHandler(f.store, pipeline)
	return f
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func TestConversationsListsForMember(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/conversations?user=u2", nil)
	rec := httptest.NewRecorder()
	f.handler.Conversations(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var conversations []models.Conversation
	decodeBody(t, rec, &conversations)
	if len(conversations) != 1 || conversations[0].ID != f.conv.ID {
		t.Fatalf("unexpected conversations %+v", conversations)
	}
	if conversations[0].UnreadCount != 1 {
		t.Fatalf("expected unread count 1, got %d", conversations[0].UnreadCount)
	}
}

func TestConversationsRequiresUser(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	rec := httptest.NewRecorder()
	f.handler.Conversations(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMarkConversationRead(t *testing.T) {
	f := newAPIFixture(t)

	path := fmt.Sprintf("/api/conversations/%s/read?user=u2", f.conv.ID)
	req := httptest.NewRequest(http.MethodPost, path, nil)
	rec := httptest.NewRecorder()
	f.handler.ConversationByID(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d (body %q)", rec.Code, rec.Body.String())
	}

	conversations, err := f.store.ListConversations(context.Background(), "u2")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if conversations[0].UnreadCount != 0 {
		t.Fatalf("expected unread count cleared, got %d", conversations[0].UnreadCount)
	}
}

func TestMarkConversationReadUnknownConversation(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/conversations/missing/read?user=u2", nil)
	rec := httptest.NewRecorder()
	f.handler.ConversationByID(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func multipartBody(t *testing.T, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for name, data := range files {
		part, err := writer.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestCreateMessageAttachments(t *testing.T) {
	f := newAPIFixture(t)

	body, contentType := multipartBody(t, map[string][]byte{"photo.png": encodePNG(t, 64, 48)})
	path := fmt.Sprintf("/api/conversations/%s/messages/%s/attachments", f.conv.ID, f.message.ID)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.handler.ConversationByID(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body %q)", rec.Code, rec.Body.String())
	}
	var resp struct {
		Attachments []models.Attachment `json:"attachments"`
		OK          bool                `json:"ok"`
	}
	decodeBody(t, rec, &resp)
	if !resp.OK || len(resp.Attachments) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Attachments[0].FileName != "photo.png" {
		t.Fatalf("unexpected attachment %+v", resp.Attachments[0])
	}
	if f.objects.Len() == 0 {
		t.Fatal("expected blobs in the object store")
	}
}

func TestCreateMessageAttachmentsPartialFailure(t *testing.T) {
	f := newAPIFixture(t, func(cfg *uploads.PipelineConfig) {
		cfg.MaxFileSize = 1 << 12
	})

	body, contentType := multipartBody(t, map[string][]byte{
		"photo.png": encodePNG(t, 16, 16),
		"huge.bin":  bytes.Repeat([]byte("x"), 1<<13),
	})
	path := fmt.Sprintf("/api/conversations/%s/messages/%s/attachments", f.conv.ID, f.message.ID)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.handler.ConversationByID(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for partial failure, got %d", rec.Code)
	}
	var resp struct {
		Attachments []models.Attachment `json:"attachments"`
		OK          bool                `json:"ok"`
	}
	decodeBody(t, rec, &resp)
	if resp.OK || len(resp.Attachments) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}

	task, ok := f.handler.Uploads.Progress("huge.bin")
	if !ok || task.Status != uploads.StatusError {
		t.Fatalf("expected error task for oversized file, got %+v", task)
	}
}

func TestCreateMessageAttachmentsHonorsRaisedLimit(t *testing.T) {
	f := newAPIFixture(t, func(cfg *uploads.PipelineConfig) {
		cfg.MaxFileSize = 12 << 20
	})

	// Larger than the default cap; only the configured limit applies, and
	// every byte must survive the read.
	data := bytes.Repeat([]byte("y"), uploads.MaxFileSize+1024)
	body, contentType := multipartBody(t, map[string][]byte{"big.bin": data})
	path := fmt.Sprintf("/api/conversations/%s/messages/%s/attachments", f.conv.ID, f.message.ID)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.handler.ConversationByID(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body %q)", rec.Code, rec.Body.String())
	}
	var resp struct {
		Attachments []models.Attachment `json:"attachments"`
		OK          bool                `json:"ok"`
	}
	decodeBody(t, rec, &resp)
	if !resp.OK || len(resp.Attachments) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got := resp.Attachments[0].FileSize; got != int64(len(data)) {
		t.Fatalf("file truncated: stored %d of %d bytes", got, len(data))
	}
}

func TestListMessageAttachments(t *testing.T) {
	f := newAPIFixture(t)
	_, err := f.store.CreateAttachment(context.Background(), storage.CreateAttachmentParams{
		MessageID: f.message.ID,
		FileURL:   "https://cdn.example.com/x.png",
		FileName:  "x.png",
		FileType:  "image/png",
		FileSize:  10,
	})
	if err != nil {
		t.Fatalf("seed attachment: %v", err)
	}

	path := fmt.Sprintf("/api/conversations/%s/messages/%s/attachments", f.conv.ID, f.message.ID)
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.handler.ConversationByID(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var attachments []models.Attachment
	decodeBody(t, rec, &attachments)
	if len(attachments) != 1 || attachments[0].FileName != "x.png" {
		t.Fatalf("unexpected attachments %+v", attachments)
	}
}

func TestUploadProgressBoard(t *testing.T) {
	f := newAPIFixture(t)
	registry := f.handler.Uploads.Registry()
	registry.Complete(registry.Register("a.png"), "https://cdn.example.com/a.png", "")

	req := httptest.NewRequest(http.MethodGet, "/api/uploads", nil)
	rec := httptest.NewRecorder()
	f.handler.UploadProgress(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var tasks []uploads.Task
	decodeBody(t, rec, &tasks)
	if len(tasks) != 1 || tasks[0].FileName != "a.png" {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
	if tasks[0].Progress != 100 || tasks[0].URL == "" {
		t.Fatalf("unexpected task state %+v", tasks[0])
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/uploads", nil)
	rec = httptest.NewRecorder()
	f.handler.UploadProgress(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if tasks := f.handler.Uploads.Registry().All(); len(tasks) != 0 {
		t.Fatalf("expected cleared registry, got %+v", tasks)
	}
}

type staticPresence []string

func (s staticPresence) Snapshot() []string { return []string(s) }

func TestOnlineUsers(t *testing.T) {
	f := newAPIFixture(t)
	f.handler.Presence = staticPresence{"u1", "u3"}

	req := httptest.NewRequest(http.MethodGet, "/api/presence", nil)
	rec := httptest.NewRecorder()
	f.handler.OnlineUsers(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string][]string
	decodeBody(t, rec, &resp)
	if len(resp["online"]) != 2 || resp["online"][0] != "u1" {
		t.Fatalf("unexpected roster %+v", resp)
	}
}

func TestHealthReportsDatastore(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	f.handler.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Status     string `json:"status"`
		Components []struct {
			Component string `json:"component"`
			Status    string `json:"status"`
		} `json:"components"`
	}
	decodeBody(t, rec, &resp)
	if resp.Status != "ok" || len(resp.Components) != 1 || resp.Components[0].Component != "datastore" {
		t.Fatalf("unexpected health payload %+v", resp)
	}
}
