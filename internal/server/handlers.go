package server

import (
	"encoding/json"
	"net/http"
	"path"
	"strings"

	"github.com/extdev/extdev/internal/api"
	"github.com/extdev/extdev/internal/app"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
)

// extensionResponse is the body of GET /extensions/{uuid}.
type extensionResponse struct {
	api.AppSnapshot
	Extension api.ExtensionPayload `json:"extension"`
}

// handleExtensions handles GET /extensions. Websocket upgrades join the sync protocol,
// plain requests get the connected payload.
func (s *Server) handleExtensions(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.serveSocket(w, r)
		return
	}
	s.writeJSON(w, s.opts.Store.GetConnectedPayload())
}

// handleExtension handles GET /extensions/{uuid}
func (s *Server) handleExtension(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	p, ok := s.opts.Store.Get(id)
	if !ok {
		http.Error(w, "Extension not found", http.StatusNotFound)
		return
	}
	snapshot := s.opts.Store.GetRawPayload()
	if acceptsHTML(r) {
		location, ok := previewURL(snapshot, p)
		if !ok {
			http.Error(w, "No preview url without a store", http.StatusNotFound)
			return
		}
		http.Redirect(w, r, location, http.StatusTemporaryRedirect)
		return
	}
	s.writeJSON(w, extensionResponse{AppSnapshot: snapshot, Extension: p})
}

// handleAsset handles GET /extensions/{uuid}/assets/*. The asset named after the handle
// is the main bundle; anything else is looked up in the extension's output dir.
func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	ext, ok := s.servedExtension(chi.URLParam(r, "uuid"))
	if !ok {
		http.Error(w, "Extension not found", http.StatusNotFound)
		return
	}

	name := path.Clean("/" + chi.URLParam(r, "*"))
	if name == "/"+ext.Handle+".js" {
		name = "/" + app.MainBundleFile
	}

	dir := afero.NewHttpFs(s.opts.Fs).Dir(ext.OutputDir(s.opts.BuildRoot))
	f, err := dir.Open(name)
	if err != nil {
		http.Error(w, "Asset not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.Error(w, "Asset not found", http.StatusNotFound)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already wrote the error response.
		s.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := newConnection(conn)
	err = s.opts.Connections.Register(c, func() ([]byte, error) {
		return encodeMessage(api.EventConnected, s.opts.ManifestVersion, s.opts.Store.GetConnectedPayload())
	})
	if err != nil {
		s.logger.Error("Failed to encode connected payload", "error", err)
		c.close()
		return
	}
	s.logger.Info("Websocket client connected", "connection_id", c.ID, "clients", s.opts.Connections.Len())

	go func() {
		if err := c.writeLoop(); err != nil {
			s.logger.Warn("Websocket write failed", "connection_id", c.ID, "error", err)
		}
		s.opts.Connections.Remove(c.ID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("Websocket read failed", "connection_id", c.ID, "error", err)
			}
			break
		}
		s.handleClientMessage(c, data)
	}
	s.opts.Connections.Remove(c.ID)
	s.logger.Info("Websocket client disconnected", "connection_id", c.ID)
}

func (s *Server) handleClientMessage(c *Connection, data []byte) {
	var msg api.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("Ignoring malformed websocket message", "connection_id", c.ID, "error", err)
		return
	}

	switch msg.Event {
	case api.EventUpdate:
		s.applyClientUpdate(c, msg.Data)
	case api.EventDispatch:
		s.dispatch(c, msg.Data)
	case api.EventLog:
		var entry api.ClientLog
		if err := json.Unmarshal(msg.Data, &entry); err != nil {
			s.logger.Warn("Ignoring malformed log message", "connection_id", c.ID, "error", err)
			return
		}
		if s.opts.Tracker != nil {
			s.opts.Tracker.ClientLog(entry)
		}
	default:
		s.logger.Debug("Ignoring unknown websocket event", "connection_id", c.ID, "event", msg.Event)
	}
}

// applyClientUpdate writes client-owned fields into the store. Nothing is broadcast.
func (s *Server) applyClientUpdate(c *Connection, data json.RawMessage) {
	var update api.ClientUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		s.logger.Warn("Ignoring malformed update message", "connection_id", c.ID, "error", err)
		return
	}
	if update.App != nil && !s.opts.Store.UpdateApp(*update.App) {
		s.logger.Warn("Rejected update for another app", "connection_id", c.ID, "api_key", update.App.APIKey)
		return
	}
	if len(update.Extensions) > 0 {
		updated := s.opts.Store.UpdateExtensions(update.Extensions)
		s.logger.Debug("Applied client update", "connection_id", c.ID, "extensions", len(updated))
	}
}

// dispatch forwards a client action to every other client, enriched with app and store.
func (s *Server) dispatch(c *Connection, data json.RawMessage) {
	fields := map[string]json.RawMessage{}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &fields); err != nil {
			s.logger.Warn("Ignoring malformed dispatch message", "connection_id", c.ID, "error", err)
			return
		}
	}

	snapshot := s.opts.Store.GetRawPayload()
	appJSON, err := json.Marshal(snapshot.App)
	if err != nil {
		s.logger.Error("Failed to encode dispatch", "error", err)
		return
	}
	storeJSON, _ := json.Marshal(snapshot.Store)
	fields["app"] = appJSON
	fields["store"] = storeJSON
	fields["extensions"] = json.RawMessage("[]")

	msg, err := encodeMessage(api.EventDispatch, s.opts.ManifestVersion, fields)
	if err != nil {
		s.logger.Error("Failed to encode dispatch", "error", err)
		return
	}
	delivered := s.opts.Connections.Broadcast(msg, c.ID)
	s.logger.Debug("Dispatched client action", "connection_id", c.ID, "clients", delivered)
}

func (s *Server) writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to encode response", "error", err)
	}
}

func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
