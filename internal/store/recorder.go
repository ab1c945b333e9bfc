package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/extdev/extdev/internal/api"
	"github.com/extdev/extdev/internal/watcher"
	"github.com/google/uuid"
)

const recordTimeout = 5 * time.Second

// Recorder persists the build outcomes of app events.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a recorder writing to s.
func NewRecorder(s Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, logger: logger}
}

// HandleEvent records every build in ev. Events without a build result, such as
// deletions, are not recorded. Failures are logged and never propagate to the watcher.
func (r *Recorder) HandleEvent(ev watcher.AppEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	for _, record := range Records(ev) {
		if err := r.store.RecordBuild(ctx, record); err != nil {
			r.logger.Warn("Failed to record build", "handle", record.Handle, "error", err)
		}
	}
}

// Records converts the build results of ev into history records.
func Records(ev watcher.AppEvent) []api.BuildRecord {
	records := make([]api.BuildRecord, 0, len(ev.ExtensionEvents))
	for _, extEvent := range ev.ExtensionEvents {
		result := extEvent.BuildResult
		if result == nil {
			continue
		}
		finished := result.FinishedAt
		if finished.IsZero() {
			finished = time.Now()
		}
		records = append(records, api.BuildRecord{
			ID:            uuid.NewString(),
			ExtensionUUID: extEvent.Extension.PayloadUUID(),
			Handle:        extEvent.Extension.Handle,
			EventType:     string(extEvent.Type),
			Status:        string(result.Status),
			Error:         result.Error,
			FinishedAt:    finished.UTC(),
		})
	}
	return records
}
