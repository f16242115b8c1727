package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"harborchat/internal/models"
	"harborchat/internal/observability/logging"
	"harborchat/internal/storage"
)

// Conversations serves the sidebar listing for a user, ordered by most recent
// activity.
func (h *Handler) Conversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, "GET")
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("user is required"))
		return
	}
	conversations, err := h.Store.ListConversations(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if conversations == nil {
		conversations = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversations)
}

// ConversationByID routes the subresources below a single conversation:
// read receipts and per-message attachments.
func (h *Handler) ConversationByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/conversations/"), "/")
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 2 && parts[1] == "read":
		h.markConversationRead(w, r, parts[0])
	case len(parts) == 4 && parts[1] == "messages" && parts[3] == "attachments":
		h.messageAttachments(w, r, parts[0], parts[2])
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown conversation resource"))
	}
}

func (h *Handler) markConversationRead(w http.ResponseWriter, r *http.Request, conversationID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, "POST")
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("user is required"))
		return
	}
	ctx := logging.ContextWithConversationID(r.Context(), conversationID)
	if err := h.Store.MarkConversationRead(ctx, userID, conversationID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
