package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"harborchat/internal/models"
	"harborchat/internal/observability/logging"
	"harborchat/internal/storage"
	"harborchat/internal/uploads"
)

// multipartMemoryLimit bounds how much of a multipart body is buffered in
// memory before spilling to disk.
const multipartMemoryLimit = 32 << 20

type attachmentsResponse struct {
	Attachments []models.Attachment `json:"attachments"`
	OK          bool                `json:"ok"`
}

func (h *Handler) messageAttachments(w http.ResponseWriter, r *http.Request, conversationID, messageID string) {
	switch r.Method {
	case http.MethodGet:
		h.listMessageAttachments(w, r, messageID)
	case http.MethodPost:
		h.createMessageAttachments(w, r, conversationID, messageID)
	default:
		writeMethodNotAllowed(w, r, "GET, POST")
	}
}

func (h *Handler) listMessageAttachments(w http.ResponseWriter, r *http.Request, messageID string) {
	attachments, err := h.Store.ListAttachments(r.Context(), messageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	writeJSON(w, http.StatusOK, attachments)
}

// createMessageAttachments runs every file of a multipart form through the
// upload pipeline. Successful attachments are returned even when siblings
// fail; ok reports whether the whole batch landed.
func (h *Handler) createMessageAttachments(w http.ResponseWriter, r *http.Request, conversationID, messageID string) {
	if h.Uploads == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("upload pipeline is not configured"))
		return
	}
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse multipart form: %w", err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("at least one file is required"))
		return
	}

	files := make([]uploads.FileUpload, 0, len(headers))
	for _, header := range headers {
		part, err := header.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("open file %q: %w", header.Filename, err))
			return
		}
		// One byte past the configured limit is enough for the pipeline to
		// reject the file without buffering an arbitrarily large body.
		data, err := io.ReadAll(io.LimitReader(part, h.Uploads.MaxSize()+1))
		part.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("read file %q: %w", header.Filename, err))
			return
		}
		files = append(files, uploads.FileUpload{
			Name:        header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Data:        data,
		})
	}

	ctx := logging.ContextWithConversationID(r.Context(), conversationID)
	attachments, ok := h.Uploads.UploadFiles(ctx, conversationID, messageID, files)
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	status := http.StatusCreated
	if !ok {
		h.logger().Warn("attachment batch completed with failures",
			"conversation_id", conversationID,
			"message_id", messageID,
			"requested", len(files),
			"stored", len(attachments))
		status = http.StatusOK
	}
	writeJSON(w, status, attachmentsResponse{Attachments: attachments, OK: ok})
}

// UploadProgress serves and clears the in-memory upload status board.
func (h *Handler) UploadProgress(w http.ResponseWriter, r *http.Request) {
	if h.Uploads == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("upload pipeline is not configured"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		tasks := h.Uploads.Registry().All()
		if tasks == nil {
			tasks = []uploads.Task{}
		}
		writeJSON(w, http.StatusOK, tasks)
	case http.MethodDelete:
		h.Uploads.ClearUploads()
		w.WriteHeader(http.StatusNoContent)
	default:
		writeMethodNotAllowed(w, r, "GET, DELETE")
	}
}
