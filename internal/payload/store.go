// Package payload keeps the live, client-facing registry of extension payloads.
package payload

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/extdev/extdev/internal/api"
	"github.com/extdev/extdev/internal/app"
	"github.com/spf13/afero"
)

const rendererName = "@shopify/ui-extensions"

// Options describe where the dev server is reachable and which app it serves.
type Options struct {
	ServerURL       string
	WebsocketURL    string
	ExtensionsPath  string
	ManifestVersion string
	APIKey          string
	AppID           string
	AppName         string
	StoreFQDN       string
	// BuildRoot is used to seed the store from the app passed to NewStore.
	BuildRoot string
	Fs        afero.Fs
}

// Store is the Extensions Payload Store. It is safe for concurrent use.
type Store struct {
	opts Options

	mu       sync.RWMutex
	app      api.AppInfo
	order    []string
	payloads map[string]api.ExtensionPayload
}

// NewStore creates a store for the given server options. When a is not nil every one of
// its extensions is added using opts.BuildRoot.
func NewStore(opts Options, a *app.App) *Store {
	if opts.ExtensionsPath == "" {
		opts.ExtensionsPath = "/extensions"
	}
	if opts.ManifestVersion == "" {
		opts.ManifestVersion = api.ManifestVersion
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	opts.ServerURL = strings.TrimRight(opts.ServerURL, "/")

	s := &Store{
		opts:     opts,
		payloads: make(map[string]api.ExtensionPayload),
		app: api.AppInfo{
			ID:        opts.AppID,
			APIKey:    opts.APIKey,
			Title:     opts.AppName,
			URL:       appURL(opts.StoreFQDN, opts.APIKey),
			MobileURL: mobileURL(opts.StoreFQDN, opts.APIKey),
		},
	}
	if a != nil {
		for _, ext := range a.Extensions {
			s.AddExtension(ext, opts.BuildRoot)
		}
	}
	return s
}

// GetRawPayload returns the app snapshot without extension payloads.
func (s *Store) GetRawPayload() api.AppSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// GetConnectedPayload returns the app snapshot with every extension payload, in order.
func (s *Store) GetConnectedPayload() api.AppSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := s.snapshotLocked()
	snapshot.Extensions = s.extensionsLocked(nil)
	return snapshot
}

// GetRawPayloadFilteredByExtensionIds returns the app snapshot with only the payloads whose
// uuid is in ids.
func (s *Store) GetRawPayloadFilteredByExtensionIds(ids []string) api.AppSnapshot {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := s.snapshotLocked()
	snapshot.Extensions = s.extensionsLocked(wanted)
	return snapshot
}

// Extensions returns a copy of every payload, in order.
func (s *Store) Extensions() []api.ExtensionPayload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extensionsLocked(nil)
}

// Get returns the payload with the given uuid.
func (s *Store) Get(id string) (api.ExtensionPayload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payloads[id]
	if !ok {
		return api.ExtensionPayload{}, false
	}
	return p.Clone(), true
}

// AddExtension computes the payload of ext from its build output and stores it, replacing
// any payload with the same uuid. A missing artifact yields an error status.
func (s *Store) AddExtension(ext app.Extension, buildRoot string) {
	artifact := s.statArtifact(ext, buildRoot)
	p := s.buildPayload(ext, artifact)
	if !artifact.exists {
		p.Development.Status = api.StatusError
		p.Development.Error = artifact.message
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.payloads[p.UUID]; ok {
		p.Development.Hidden = existing.Development.Hidden
	} else {
		s.order = append(s.order, p.UUID)
	}
	s.payloads[p.UUID] = p
}

// UpdateExtension recomputes the payload of a known extension after a build. The hidden
// flag is preserved and, on an error status, so are the previous assets. It returns false
// when the extension is unknown.
func (s *Store) UpdateExtension(ext app.Extension, buildRoot string, status api.DevelopmentStatus, buildErr string) bool {
	artifact := s.statArtifact(ext, buildRoot)
	p := s.buildPayload(ext, artifact)

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.payloads[p.UUID]
	if !ok {
		return false
	}

	p.Development.Hidden = existing.Development.Hidden
	switch {
	case status == api.StatusError:
		p.Development.Status = api.StatusError
		p.Development.Error = buildErr
		p.Assets = append([]api.Asset(nil), existing.Assets...)
	case !artifact.exists:
		p.Development.Status = api.StatusError
		p.Development.Error = artifact.message
		p.Assets = append([]api.Asset(nil), existing.Assets...)
	}
	s.payloads[p.UUID] = p
	return true
}

// DeleteExtension removes the payload of ext. Deleting an unknown extension is a no-op and
// returns false.
func (s *Store) DeleteExtension(ext app.Extension) bool {
	id := ext.PayloadUUID()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payloads[id]; !ok {
		return false
	}
	delete(s.payloads, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// UpdateApp applies a client app patch. Patches for another api key are rejected.
func (s *Store) UpdateApp(patch api.AppPatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if patch.APIKey != s.app.APIKey {
		return false
	}
	if patch.DevelopmentStorePreviewEnabled != nil {
		s.app.DevelopmentStorePreviewEnabled = *patch.DevelopmentStorePreviewEnabled
	}
	return true
}

// UpdateExtensions applies client extension patches and returns the uuids that were
// known. Unknown uuids are ignored.
func (s *Store) UpdateExtensions(patches []api.ExtensionPatch) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := make([]string, 0, len(patches))
	for _, patch := range patches {
		p, ok := s.payloads[patch.UUID]
		if !ok {
			continue
		}
		if patch.Development.Hidden != nil {
			p.Development.Hidden = *patch.Development.Hidden
		}
		s.payloads[patch.UUID] = p
		updated = append(updated, patch.UUID)
	}
	return updated
}

// ExtensionURL is the url under which the extension with the given uuid is served.
func (s *Store) ExtensionURL(id string) string {
	return s.opts.ServerURL + s.opts.ExtensionsPath + "/" + url.PathEscape(id)
}

func (s *Store) snapshotLocked() api.AppSnapshot {
	return api.AppSnapshot{
		App:        s.app,
		Version:    s.opts.ManifestVersion,
		Root:       api.URL{URL: s.opts.ServerURL + s.opts.ExtensionsPath},
		Socket:     api.URL{URL: s.opts.WebsocketURL},
		DevConsole: api.URL{URL: s.opts.ServerURL + s.opts.ExtensionsPath + "/dev-console"},
		Store:      s.opts.StoreFQDN,
	}
}

func (s *Store) extensionsLocked(wanted map[string]bool) []api.ExtensionPayload {
	out := make([]api.ExtensionPayload, 0, len(s.order))
	for _, id := range s.order {
		if wanted != nil && !wanted[id] {
			continue
		}
		out = append(out, s.payloads[id].Clone())
	}
	return out
}

type artifactInfo struct {
	exists  bool
	modTime time.Time
	message string
}

func (s *Store) statArtifact(ext app.Extension, buildRoot string) artifactInfo {
	info, err := s.opts.Fs.Stat(ext.BundlePath(buildRoot))
	if err != nil {
		return artifactInfo{message: fmt.Sprintf("build output not found for %s", ext.Handle)}
	}
	return artifactInfo{exists: true, modTime: info.ModTime()}
}

func (s *Store) buildPayload(ext app.Extension, artifact artifactInfo) api.ExtensionPayload {
	root := s.ExtensionURL(ext.PayloadUUID())
	assetURL := root + "/assets/" + url.PathEscape(ext.Handle) + ".js"

	p := api.ExtensionPayload{
		UUID:    ext.PayloadUUID(),
		Type:    ext.Type,
		Handle:  ext.Handle,
		Title:   ext.Name,
		Version: ext.APIVersion,
		Assets:  []api.Asset{},
		Development: api.Development{
			Status:   api.StatusSuccess,
			Root:     api.URL{URL: root},
			Resource: api.URL{URL: ext.PreviewPath},
		},
	}
	if ext.IsUI() {
		p.Development.Renderer = &api.Renderer{Name: rendererName, Version: ext.APIVersion}
	}
	if artifact.exists {
		p.Assets = append(p.Assets, api.Asset{
			Name:        ext.Handle,
			URL:         assetURL,
			LastUpdated: artifact.modTime.UnixMilli(),
		})
	}
	return p
}

func appURL(store, apiKey string) string {
	if store == "" {
		return ""
	}
	return fmt.Sprintf("https://%s/admin/oauth/redirect_from_cli?client_id=%s", store, apiKey)
}

func mobileURL(store, apiKey string) string {
	if store == "" {
		return ""
	}
	host := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%s/admin/apps/%s", store, apiKey)))
	return fmt.Sprintf("https://%s/admin/apps/%s?shop=%s&host=%s", store, apiKey, store, host)
}
