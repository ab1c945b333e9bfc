package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/extdev/extdev/internal/api"
	"github.com/go-chi/chi/v5"
)

// previewURL is the store page a browser is sent to for p. Extensions with a preview path
// open that storefront page with the dev server attached; the rest open the admin preview.
func previewURL(snapshot api.AppSnapshot, p api.ExtensionPayload) (string, bool) {
	if snapshot.Store == "" {
		return "", false
	}
	if path := p.Development.Resource.URL; path != "" {
		return storefrontURL(snapshot, path), true
	}
	return adminURL(snapshot, p), true
}

// targetURL is the preview page for one extension point target of p.
func targetURL(snapshot api.AppSnapshot, p api.ExtensionPayload, target string) (string, bool) {
	if snapshot.Store == "" {
		return "", false
	}
	switch {
	case strings.HasPrefix(target, "Admin::"), strings.HasPrefix(target, "admin."):
		return adminURL(snapshot, p) + "&target=" + url.QueryEscape(target), true
	case strings.HasPrefix(target, "Checkout::"), strings.HasPrefix(target, "purchase."):
		if p.Development.Resource.URL == "" {
			return "", false
		}
		return storefrontURL(snapshot, p.Development.Resource.URL), true
	}
	return "", false
}

func storefrontURL(snapshot api.AppSnapshot, path string) string {
	return "https://" + snapshot.Store + "/" + strings.TrimPrefix(path, "/") + "?dev=" + url.QueryEscape(snapshot.Root.URL)
}

func adminURL(snapshot api.AppSnapshot, p api.ExtensionPayload) string {
	return "https://" + snapshot.Store + "/admin/extensions-dev?url=" + url.QueryEscape(p.Development.Root.URL)
}

// handleExtensionTarget handles GET /extensions/{uuid}/{target}
func (s *Server) handleExtensionTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	target := chi.URLParam(r, "target")
	ext, ok := s.servedExtension(id)
	if !ok {
		http.Error(w, "Extension not found", http.StatusNotFound)
		return
	}
	p, ok := s.opts.Store.Get(id)
	if !ok {
		http.Error(w, "Extension not found", http.StatusNotFound)
		return
	}
	if !ext.HasTarget(target) {
		http.Error(w, "Extension has not configured the \""+target+"\" extension point", http.StatusNotFound)
		return
	}
	location, ok := targetURL(s.opts.Store.GetRawPayload(), p, target)
	if !ok {
		http.Error(w, "No preview url for the \""+target+"\" extension point", http.StatusNotFound)
		return
	}
	http.Redirect(w, r, location, http.StatusTemporaryRedirect)
}
