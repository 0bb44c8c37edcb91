package handler

import (
	"log/slog"
	"net/http"
)

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"live_sessions": h.sessions.Len(),
	})
}

// handleExport streams every persisted session as a JSON download.
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		writeError(w, r, errExportUnavailable)
		return
	}
	export, err := h.exporter.ExportAllSessions(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("exported sessions via admin", "count", len(export.Sessions))
	w.Header().Set("Content-Disposition", `attachment; filename="quizforge-sessions.json"`)
	writeJSON(w, http.StatusOK, export)
}
