// Package status tracks dev session readiness and serves it to polling clients.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/extdev/extdev/internal/api"
	"github.com/extdev/extdev/internal/app"
	"github.com/extdev/extdev/internal/watcher"
)

const (
	DefaultRetention = 200
	DefaultWait      = 5 * time.Second

	ActionActivateFunction = "activate_function"
)

const activateFunctionQuery = `query {
  shopifyFunctions(first: 25) {
    nodes { id title apiType app { title } }
  }
}`

// Waiter is the part of the app event watcher the tracker depends on.
type Waiter interface {
	WaitForCompletion(ctx context.Context) error
	CurrentApp() *app.App
}

// Options configure a Tracker.
type Options struct {
	Retention  int
	Wait       time.Duration
	PreviewURL string
	Logger     *slog.Logger
}

// Tracker aggregates readiness, next actions and the session log.
type Tracker struct {
	waiter Waiter
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	ready       bool
	nextActions []api.NextAction
	logs        []api.LogEntry
	sequence    int64
	watermark   int64
}

// NewTracker creates a tracker reading app state from w.
func NewTracker(w Waiter, opts Options) *Tracker {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Wait <= 0 {
		opts.Wait = DefaultWait
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{waiter: w, opts: opts, logger: logger}
}

// HandleStart records the initial build.
func (t *Tracker) HandleStart(ev watcher.AppEvent) {
	t.HandleEvent(ev)
}

// HandleEvent records one processed app event.
func (t *Tracker) HandleEvent(ev watcher.AppEvent) {
	for _, extEvent := range ev.ExtensionEvents {
		ext := extEvent.Extension
		switch extEvent.Type {
		case watcher.EventCreated:
			t.Log("info", ext.Handle, "Extension created")
			if ext.IsFunction() {
				t.addNextAction(api.NextAction{
					Type:      ActionActivateFunction,
					Extension: ext.Handle,
					UUID:      ext.PayloadUUID(),
					Message:   fmt.Sprintf("Function %s was created. Activate it from the admin or look up its id with the query below.", ext.Handle),
					GraphQL:   activateFunctionQuery,
				})
			}
		case watcher.EventDeleted:
			t.Log("info", ext.Handle, "Extension deleted")
			t.removeNextActions(ext.PayloadUUID())
		}
		if result := extEvent.BuildResult; result != nil {
			if result.OK() {
				t.Log("info", ext.Handle, "Build succeeded")
			} else {
				t.Log("error", ext.Handle, "Build failed: "+result.Error)
			}
		}
	}

	if ev.Succeeded() {
		t.mu.Lock()
		t.ready = true
		t.mu.Unlock()
	}
}

// Ready reports whether an app event with only successful builds has been seen.
func (t *Tracker) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// Log appends an entry to the session log.
func (t *Tracker) Log(level, source, message string) {
	message = strings.TrimRight(message, "\n")
	if message == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sequence++
	t.logs = append(t.logs, api.LogEntry{
		Cursor:    t.sequence,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Source:    source,
		Message:   message,
	})
	if overflow := len(t.logs) - t.opts.Retention; overflow > 0 {
		t.logs = append([]api.LogEntry(nil), t.logs[overflow:]...)
	}
}

// ClientLog records a console message forwarded by a connected client.
func (t *Tracker) ClientLog(entry api.ClientLog) {
	level := entry.Type
	switch level {
	case "log", "":
		level = "info"
	}
	t.Log(level, entry.ExtensionName, FormatClientMessage(entry.Message))
}

// Status waits for in-flight builds, bounded by the configured wait, and returns the
// current status with every log entry after the watermark. The watermark then advances.
func (t *Tracker) Status(ctx context.Context) (api.DevStatus, error) {
	waitCtx, cancel := context.WithTimeout(ctx, t.opts.Wait)
	defer cancel()
	if err := t.waiter.WaitForCompletion(waitCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.logger.Debug("Stopped waiting for builds", "error", err)
	}

	current := t.waiter.CurrentApp()
	if current == nil {
		return api.DevStatus{}, errors.New("app is not loaded")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	status := api.DevStatus{
		Status:      api.StatusNotReady,
		NextActions: append([]api.NextAction{}, t.nextActions...),
		PreviewURL:  t.opts.PreviewURL,
		Manifest:    current.Manifest(),
		Cursor:      t.sequence,
		Logs:        []api.LogEntry{},
	}
	if t.ready {
		status.Status = api.StatusReady
	}
	for _, entry := range t.logs {
		if entry.Cursor > t.watermark {
			status.Logs = append(status.Logs, entry)
		}
	}
	t.watermark = t.sequence
	return status, nil
}

// LogWriter returns a writer that records every written line as a log entry.
func (t *Tracker) LogWriter(level, source string) io.Writer {
	return &lineWriter{tracker: t, level: level, source: source}
}

func (t *Tracker) addNextAction(action api.NextAction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.nextActions {
		if existing.UUID == action.UUID && existing.Type == action.Type {
			return
		}
	}
	t.nextActions = append(t.nextActions, action)
}

func (t *Tracker) removeNextActions(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.nextActions[:0]
	for _, action := range t.nextActions {
		if action.UUID != id {
			kept = append(kept, action)
		}
	}
	t.nextActions = kept
}

type lineWriter struct {
	tracker *Tracker
	level   string
	source  string

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.tracker.Log(w.level, w.source, line)
	}
	return len(p), nil
}

// FormatClientMessage renders a console message. Messages that are a JSON array of console
// arguments are joined with spaces; anything else is returned unchanged.
func FormatClientMessage(message string) string {
	var args []json.RawMessage
	if err := json.Unmarshal([]byte(message), &args); err != nil {
		return message
	}
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		var text string
		if len(arg) > 0 && arg[0] == '"' && json.Unmarshal(arg, &text) == nil {
			parts = append(parts, text)
			continue
		}
		parts = append(parts, string(arg))
	}
	return strings.Join(parts, " ")
}
