package api

import "net/http"

// OnlineUsers reports the peers currently tracked on the presence channel.
func (h *Handler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, "GET")
		return
	}
	online := []string{}
	if h.Presence != nil {
		if snapshot := h.Presence.Snapshot(); snapshot != nil {
			online = snapshot
		}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"online": online})
}
