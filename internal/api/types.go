package api

import (
	"encoding/json"
	"time"
)

// ManifestVersion is the wire protocol version sent with every message.
const ManifestVersion = "3"

// DevelopmentStatus is the build state of an extension as seen by clients.
type DevelopmentStatus string

const (
	StatusSuccess DevelopmentStatus = "success"
	StatusError   DevelopmentStatus = "error"
)

// URL wraps a url the way the dev console expects it ({"url": "..."}).
type URL struct {
	URL string `json:"url"`
}

// Asset is one servable build artifact of an extension.
type Asset struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	LastUpdated int64  `json:"lastUpdated"`
}

// Renderer describes the runtime used to render a UI extension.
type Renderer struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Development holds the server-derived development state plus the client-owned hidden flag.
type Development struct {
	Status   DevelopmentStatus `json:"status"`
	Hidden   bool              `json:"hidden"`
	Error    string            `json:"error,omitempty"`
	Root     URL               `json:"root"`
	Resource URL               `json:"resource"`
	Renderer *Renderer         `json:"renderer,omitempty"`
}

// ExtensionPayload is the client-facing projection of one extension.
type ExtensionPayload struct {
	UUID        string      `json:"uuid"`
	Type        string      `json:"type"`
	Handle      string      `json:"handle"`
	Title       string      `json:"title"`
	Version     string      `json:"version"`
	Assets      []Asset     `json:"assets"`
	Development Development `json:"development"`
}

// Clone returns a deep copy of the payload.
func (p ExtensionPayload) Clone() ExtensionPayload {
	out := p
	out.Assets = append([]Asset(nil), p.Assets...)
	if p.Development.Renderer != nil {
		renderer := *p.Development.Renderer
		out.Development.Renderer = &renderer
	}
	return out
}

// AppInfo is the app identity carried in every snapshot.
type AppInfo struct {
	ID                             string `json:"id"`
	APIKey                         string `json:"apiKey"`
	Title                          string `json:"title"`
	URL                            string `json:"url"`
	MobileURL                      string `json:"mobileUrl"`
	DevelopmentStorePreviewEnabled bool   `json:"developmentStorePreviewEnabled"`
}

// AppSnapshot wraps app identity, store context and (optionally) extension payloads.
type AppSnapshot struct {
	App        AppInfo            `json:"app"`
	Version    string             `json:"version"`
	Root       URL                `json:"root"`
	Socket     URL                `json:"socket"`
	DevConsole URL                `json:"devConsole"`
	Store      string             `json:"store"`
	Extensions []ExtensionPayload `json:"extensions,omitempty"`
}

// Websocket event names.
const (
	EventConnected = "connected"
	EventUpdate    = "update"
	EventDispatch  = "dispatch"
	EventLog       = "log"
)

// Message is the envelope of every websocket message in both directions.
type Message struct {
	Event   string          `json:"event"`
	Version string          `json:"version,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// AppPatch lists the app fields a client may change.
type AppPatch struct {
	APIKey                         string `json:"apiKey"`
	DevelopmentStorePreviewEnabled *bool  `json:"developmentStorePreviewEnabled,omitempty"`
}

// ExtensionPatch lists the extension fields a client may change.
type ExtensionPatch struct {
	UUID        string           `json:"uuid"`
	Development DevelopmentPatch `json:"development"`
}

// DevelopmentPatch is the client-writable part of Development.
type DevelopmentPatch struct {
	Hidden *bool `json:"hidden,omitempty"`
}

// ClientUpdate is the data of a client "update" message.
type ClientUpdate struct {
	App        *AppPatch        `json:"app,omitempty"`
	Extensions []ExtensionPatch `json:"extensions,omitempty"`
}

// DispatchAction is the opaque action carried by "dispatch" messages.
type DispatchAction struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DispatchData is the data of an outgoing "dispatch" message.
type DispatchData struct {
	Type       string             `json:"type"`
	Payload    json.RawMessage    `json:"payload,omitempty"`
	App        AppInfo            `json:"app"`
	Store      string             `json:"store"`
	Extensions []ExtensionPayload `json:"extensions"`
}

// ClientLog is the data of a client "log" message.
type ClientLog struct {
	Type          string `json:"type"`
	Message       string `json:"message"`
	ExtensionName string `json:"extensionName"`
}

// Readiness values reported by the status endpoint.
const (
	StatusReady    = "READY"
	StatusNotReady = "NOT_READY"
)

// NextAction is a manual step the developer is asked to take.
type NextAction struct {
	Type      string `json:"type"`
	Extension string `json:"extension"`
	UUID      string `json:"uuid"`
	Message   string `json:"message"`
	GraphQL   string `json:"graphql,omitempty"`
}

// LogEntry is one line of the session log.
type LogEntry struct {
	Cursor    int64     `json:"cursor"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
}

// ManifestModule is one extension as listed in the app manifest.
type ManifestModule struct {
	UID       string `json:"uid"`
	UUID      string `json:"uuid"`
	Handle    string `json:"handle"`
	Type      string `json:"type"`
	Directory string `json:"directory"`
}

// Manifest summarises the current app model.
type Manifest struct {
	Name     string           `json:"name"`
	ClientID string           `json:"clientId"`
	Modules  []ManifestModule `json:"modules"`
}

// DevStatus is the response of GET /dev-status.
type DevStatus struct {
	Status      string       `json:"status"`
	NextActions []NextAction `json:"nextActions"`
	PreviewURL  string       `json:"previewUrl"`
	Manifest    Manifest     `json:"manifest"`
	Cursor      int64        `json:"cursor"`
	Logs        []LogEntry   `json:"logs"`
}

// BuildRecord is one persisted build outcome.
type BuildRecord struct {
	ID            string    `json:"id"`
	ExtensionUUID string    `json:"extension_uuid"`
	Handle        string    `json:"handle"`
	EventType     string    `json:"event_type"`
	Status        string    `json:"status"`
	Error         string    `json:"error,omitempty"`
	FinishedAt    time.Time `json:"finished_at"`
}

// APIResponse is a standard wrapper for API responses.
type APIResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
