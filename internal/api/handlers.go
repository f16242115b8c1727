package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"harborchat/internal/storage"
	"harborchat/internal/uploads"
)

// PresenceSource exposes the current roster of online peers.
type PresenceSource interface {
	Snapshot() []string
}

// Handler bundles the service dependencies behind the HTTP surface.
type Handler struct {
	Store    storage.Store
	Uploads  *uploads.Pipeline
	Presence PresenceSource
	Logger   *slog.Logger
}

func NewHandler(store storage.Store, pipeline *uploads.Pipeline) *Handler {
	return &Handler{Store: store, Uploads: pipeline}
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Health reports per-component liveness. The datastore is pinged with a short
// deadline so a stalled database degrades the endpoint instead of hanging it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeMethodNotAllowed(w, r, "GET, HEAD")
		return
	}

	overall := "ok"
	statusCode := http.StatusOK
	record := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overall = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 2)
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		components = append(components, record("datastore", h.Store.Ping(ctx)))
		cancel()
	}

	writeJSON(w, statusCode, map[string]interface{}{
		"status":     overall,
		"components": components,
	})
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
