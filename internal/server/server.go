// Package server implements the extension dev server: HTTP routes plus the websocket
// synchronization protocol.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/extdev/extdev/internal/api"
	"github.com/extdev/extdev/internal/app"
	"github.com/extdev/extdev/internal/payload"
	"github.com/extdev/extdev/internal/status"
	"github.com/extdev/extdev/internal/watcher"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
)

const shutdownTimeout = 2 * time.Second

// Options wire the server to the rest of the dev session.
type Options struct {
	Store           *payload.Store
	Connections     *ConnectionSet
	Tracker         *status.Tracker
	History         status.History
	Console         http.Handler
	BuildRoot       string
	ExtensionsPath  string
	ManifestVersion string
	Fs              afero.Fs
	Logger          *slog.Logger
}

// Server is the synchronization server.
type Server struct {
	opts     Options
	logger   *slog.Logger
	router   chi.Router
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	served map[string]app.Extension
}

// New creates a server serving the extensions of a.
func New(opts Options, a *app.App) *Server {
	if opts.ExtensionsPath == "" {
		opts.ExtensionsPath = "/extensions"
	}
	if opts.ManifestVersion == "" {
		opts.ManifestVersion = api.ManifestVersion
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Connections == nil {
		opts.Connections = NewConnectionSet(logger)
	}

	s := &Server{
		opts:   opts,
		logger: logger,
		served: make(map[string]app.Extension),
		upgrader: websocket.Upgrader{
			// Extension hosts connect from the store's origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if a != nil {
		for _, ext := range a.Extensions {
			s.served[ext.PayloadUUID()] = ext
		}
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Connections returns the websocket connection set.
func (s *Server) Connections() *ConnectionSet {
	return s.opts.Connections
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(upgradeGuard(s.opts.ExtensionsPath, s.logger))
	r.Use(cors)
	r.Use(noCache)

	devConsolePath := s.opts.ExtensionsPath + "/dev-console"
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, devConsolePath, http.StatusTemporaryRedirect)
	})

	r.Route(s.opts.ExtensionsPath, func(r chi.Router) {
		r.Get("/", s.handleExtensions)
		if s.opts.Console != nil {
			r.Handle("/dev-console", s.opts.Console)
		}
		r.Get("/{uuid}", s.handleExtension)
		r.Get("/{uuid}/assets/*", s.handleAsset)
		r.Get("/{uuid}/{target}", s.handleExtensionTarget)
	})

	if s.opts.Tracker != nil {
		r.Get("/dev-status", s.opts.Tracker.Handler())
	}
	if s.opts.History != nil {
		r.Get("/dev-status/builds", status.BuildsHandler(s.opts.History, s.logger))
	}
	return r
}

// Serve serves HTTP on ln until ctx is cancelled, then shuts the server down and closes
// every websocket connection.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Dev server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.opts.Connections.CloseAll()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("dev server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.opts.Connections.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("Dev server shutdown incomplete", "error", err)
		_ = srv.Close()
	}
	s.logger.Info("Dev server stopped")
	return nil
}

// HandleStart registers every extension of the initial build. The server is started
// empty, so each extension is added as if it had just been created.
func (s *Server) HandleStart(ev watcher.AppEvent) {
	created := ev
	created.ExtensionEvents = make([]watcher.ExtensionEvent, len(ev.ExtensionEvents))
	for i, extEvent := range ev.ExtensionEvents {
		if extEvent.Type == watcher.EventUpdated {
			extEvent.Type = watcher.EventCreated
		}
		created.ExtensionEvents[i] = extEvent
	}
	s.HandleAppEvent(created)
}

// HandleAppEvent applies a processed app event to the payload store and then broadcasts a
// single update with the affected extensions.
func (s *Server) HandleAppEvent(ev watcher.AppEvent) {
	ids := make([]string, 0, len(ev.ExtensionEvents))
	for _, extEvent := range ev.ExtensionEvents {
		ext := extEvent.Extension
		id := ext.PayloadUUID()

		switch extEvent.Type {
		case watcher.EventCreated:
			s.mu.Lock()
			s.served[id] = ext
			s.mu.Unlock()
			s.opts.Store.AddExtension(ext, s.opts.BuildRoot)
			if result := extEvent.BuildResult; result != nil && !result.OK() {
				s.opts.Store.UpdateExtension(ext, s.opts.BuildRoot, api.StatusError, result.Error)
			}
		case watcher.EventUpdated:
			s.mu.Lock()
			s.served[id] = ext
			s.mu.Unlock()
			devStatus, buildErr := api.StatusSuccess, ""
			if result := extEvent.BuildResult; result != nil && !result.OK() {
				devStatus, buildErr = api.StatusError, result.Error
			}
			if !s.opts.Store.UpdateExtension(ext, s.opts.BuildRoot, devStatus, buildErr) {
				s.logger.Debug("Update for unknown extension ignored", "uuid", id, "handle", ext.Handle)
			}
		case watcher.EventDeleted:
			s.mu.Lock()
			delete(s.served, id)
			s.mu.Unlock()
			s.opts.Store.DeleteExtension(ext)
		}
		ids = append(ids, id)
	}

	if len(ids) == 0 {
		return
	}
	msg, err := encodeMessage(api.EventUpdate, s.opts.ManifestVersion, s.opts.Store.GetRawPayloadFilteredByExtensionIds(ids))
	if err != nil {
		s.logger.Error("Failed to encode update", "error", err)
		return
	}
	delivered := s.opts.Connections.Broadcast(msg, "")
	s.logger.Debug("Broadcast update", "extensions", len(ids), "clients", delivered)
}

func (s *Server) servedExtension(id string) (app.Extension, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ext, ok := s.served[id]
	return ext, ok
}

func encodeMessage(event, version string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(api.Message{Event: event, Version: version, Data: raw})
}
