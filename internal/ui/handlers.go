// Package ui renders the dev console page.
package ui

import (
	"context"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/extdev/extdev/internal/api"
)

//go:embed templates/*.html
var templateFS embed.FS

const recentBuilds = 20

// PayloadSource provides the current extension payloads.
type PayloadSource interface {
	GetConnectedPayload() api.AppSnapshot
}

// BuildLister lists recent builds, most recent first.
type BuildLister interface {
	ListBuilds(ctx context.Context, limit int) ([]api.BuildRecord, error)
}

// Handler serves the dev console.
type Handler struct {
	Payloads PayloadSource
	History  BuildLister
	Logger   *slog.Logger
	Tmpl     *template.Template
}

// ExtensionView is the view model for one extension row.
type ExtensionView struct {
	UUID                string
	Handle              string
	Title               string
	Type                string
	Status              string
	Error               string
	Hidden              bool
	URL                 string
	AssetURL            string
	LastUpdatedRelative string
}

// BuildView is the view model for one build history row.
type BuildView struct {
	Handle           string
	EventType        string
	Status           string
	Error            string
	FinishedAt       string
	FinishedRelative string
}

// ConsolePageData is the data passed to the console templates.
type ConsolePageData struct {
	AppTitle   string
	APIKey     string
	Store      string
	SocketURL  string
	Extensions []ExtensionView
	Builds     []BuildView
	ErrorCount int
	Summary    string
}

// NewHandler creates a console handler. history may be nil.
func NewHandler(payloads PayloadSource, history BuildLister, logger *slog.Logger) (*Handler, error) {
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"lower": strings.ToLower,
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		Payloads: payloads,
		History:  history,
		Logger:   logger,
		Tmpl:     tmpl,
	}, nil
}

// ServeHTTP renders the full page, or only the extensions list for fragment refreshes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data := h.pageData(r.Context())
	name := "base"
	if isFragmentRequest(r) {
		name = "extensions-list"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.Tmpl.ExecuteTemplate(w, name, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) pageData(ctx context.Context) ConsolePageData {
	snapshot := h.Payloads.GetConnectedPayload()
	data := ConsolePageData{
		AppTitle:  fallbackString(snapshot.App.Title, "Untitled app"),
		APIKey:    snapshot.App.APIKey,
		Store:     fallbackString(snapshot.Store, "n/a"),
		SocketURL: snapshot.Socket.URL,
	}

	for _, p := range snapshot.Extensions {
		view := toExtensionView(p)
		if view.Status == string(api.StatusError) {
			data.ErrorCount++
		}
		data.Extensions = append(data.Extensions, view)
	}
	data.Summary = summary(len(data.Extensions), data.ErrorCount)

	if h.History != nil {
		records, err := h.History.ListBuilds(ctx, recentBuilds)
		if err != nil {
			h.Logger.Warn("Failed to load build history", "error", err)
		}
		for _, record := range records {
			data.Builds = append(data.Builds, toBuildView(record))
		}
	}
	return data
}

func toExtensionView(p api.ExtensionPayload) ExtensionView {
	view := ExtensionView{
		UUID:                p.UUID,
		Handle:              p.Handle,
		Title:               fallbackString(p.Title, p.Handle),
		Type:                p.Type,
		Status:              string(p.Development.Status),
		Error:               strings.TrimSpace(p.Development.Error),
		Hidden:              p.Development.Hidden,
		URL:                 p.Development.Root.URL,
		AssetURL:            p.Development.Root.URL + "/assets/" + p.Handle + ".js",
		LastUpdatedRelative: "never",
	}
	if len(p.Assets) > 0 && p.Assets[0].LastUpdated > 0 {
		view.LastUpdatedRelative = humanize.Time(time.UnixMilli(p.Assets[0].LastUpdated))
	}
	return view
}

func toBuildView(record api.BuildRecord) BuildView {
	return BuildView{
		Handle:           record.Handle,
		EventType:        record.EventType,
		Status:           record.Status,
		Error:            strings.TrimSpace(record.Error),
		FinishedAt:       formatTime(record.FinishedAt),
		FinishedRelative: relativeTime(record.FinishedAt),
	}
}

func summary(total, errors int) string {
	if total == 0 {
		return "No extensions"
	}
	s := humanize.Comma(int64(total)) + " " + plural(total, "extension")
	if errors > 0 {
		s += ", " + humanize.Comma(int64(errors)) + " failing"
	}
	return s
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

func isFragmentRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("HX-Request"), "true")
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return "n/a"
	}
	return value.Format(time.RFC3339)
}

func relativeTime(value time.Time) string {
	if value.IsZero() {
		return "never"
	}
	return humanize.Time(value)
}

func fallbackString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
