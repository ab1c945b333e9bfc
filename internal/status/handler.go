package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/extdev/extdev/internal/api"
)

const defaultBuildsLimit = 50

// History lists persisted build outcomes, most recent first.
type History interface {
	ListBuilds(ctx context.Context, limit int) ([]api.BuildRecord, error)
}

// Handler serves GET /dev-status.
func (t *Tracker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := t.Status(r.Context())
		if err != nil {
			t.logger.Error("Failed to build dev status", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		t.logger.Debug("Dev status served", "status", status.Status, "logs", len(status.Logs), "cursor", status.Cursor)
		writeJSON(w, t.logger, status)
	}
}

// BuildsHandler serves GET /dev-status/builds?limit=N from history.
func BuildsHandler(history History, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultBuildsLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = parsed
		}

		records, err := history.ListBuilds(r.Context(), limit)
		if err != nil {
			logger.Error("Failed to list builds", "error", err)
			http.Error(w, "Failed to list builds", http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []api.BuildRecord{}
		}
		writeJSON(w, logger, api.APIResponse{Message: "Builds retrieved", Data: records})
	}
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("Failed to encode response", "error", err)
	}
}
