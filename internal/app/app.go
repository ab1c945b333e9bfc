// Package app holds the in-memory model of a local app and its extensions.
package app

import (
	"path/filepath"
	"reflect"
	"strings"

	"github.com/extdev/extdev/internal/api"
	"github.com/google/uuid"
)

// MainBundleFile is the file name every build writes into an extension's output dir.
const MainBundleFile = "index.js"

const (
	TypeFunction            = "function"
	TypeUIExtension         = "ui_extension"
	TypeCheckoutUIExtension = "checkout_ui_extension"
	TypeTheme               = "theme"
)

var devNamespace = uuid.MustParse("6f1b2c1e-6a44-4d8b-9a63-3c5d7e0f2a10")

// Extension describes one extension instance of the app.
type Extension struct {
	UID             string
	Handle          string
	Name            string
	Type            string
	Directory       string
	EntrySourceFile string
	DevUUID         string
	RemoteUUID      string
	APIVersion      string
	PreviewPath     string
	Targets         []string
	ConfigPath      string
	Config          map[string]any
}

// DevUUIDFor derives the stable development uuid for an extension uid.
func DevUUIDFor(uid string) string {
	return "dev-" + uuid.NewSHA1(devNamespace, []byte(uid)).String()
}

// PayloadUUID is the key used by the payload store, watcher events and wire messages.
func (e Extension) PayloadUUID() string {
	if e.RemoteUUID != "" {
		return e.RemoteUUID
	}
	if e.DevUUID != "" {
		return e.DevUUID
	}
	return DevUUIDFor(e.UID)
}

// OutputDir is where builds of this extension are written.
func (e Extension) OutputDir(buildRoot string) string {
	return filepath.Join(buildRoot, e.Handle)
}

// BundlePath is the main artifact produced by a successful build.
func (e Extension) BundlePath(buildRoot string) string {
	return filepath.Join(e.OutputDir(buildRoot), MainBundleFile)
}

// EntryPath is the absolute path of the declared entry file.
func (e Extension) EntryPath() string {
	if filepath.IsAbs(e.EntrySourceFile) {
		return e.EntrySourceFile
	}
	return filepath.Join(e.Directory, e.EntrySourceFile)
}

// IsFunction reports whether the extension compiles to a function.
func (e Extension) IsFunction() bool {
	return e.Type == TypeFunction || strings.HasSuffix(e.Type, "_function")
}

// IsUI reports whether the extension is rendered by a UI extension host.
func (e Extension) IsUI() bool {
	return e.Type == TypeUIExtension || e.Type == TypeCheckoutUIExtension
}

// HasTarget reports whether the extension declares the extension point target.
func (e Extension) HasTarget(target string) bool {
	for _, t := range e.Targets {
		if t == target {
			return true
		}
	}
	return false
}

// SameConfig reports whether two descriptors carry identical configuration.
func (e Extension) SameConfig(other Extension) bool {
	return e.Name == other.Name &&
		e.Type == other.Type &&
		e.EntrySourceFile == other.EntrySourceFile &&
		e.APIVersion == other.APIVersion &&
		e.PreviewPath == other.PreviewPath &&
		reflect.DeepEqual(e.Config, other.Config)
}

// App is the loaded app model.
type App struct {
	Directory            string
	ConfigPath           string
	ID                   string
	Name                 string
	ClientID             string
	ExtensionDirectories []string
	Extensions           []Extension
}

// Clone returns a copy that can be modified without affecting the receiver.
func (a *App) Clone() *App {
	if a == nil {
		return nil
	}
	out := *a
	out.ExtensionDirectories = append([]string(nil), a.ExtensionDirectories...)
	out.Extensions = append([]Extension(nil), a.Extensions...)
	return &out
}

// FindByUUID returns the extension with the given payload uuid.
func (a *App) FindByUUID(id string) (Extension, bool) {
	for _, ext := range a.Extensions {
		if ext.PayloadUUID() == id {
			return ext, true
		}
	}
	return Extension{}, false
}

// ExtensionsInDirectory returns every extension whose directory is dir.
func (a *App) ExtensionsInDirectory(dir string) []Extension {
	dir = filepath.Clean(dir)
	var out []Extension
	for _, ext := range a.Extensions {
		if filepath.Clean(ext.Directory) == dir {
			out = append(out, ext)
		}
	}
	return out
}

// ExtensionDirectoryFor returns the extension directory that contains path.
func (a *App) ExtensionDirectoryFor(path string) (string, bool) {
	path = filepath.Clean(path)
	best := ""
	for _, ext := range a.Extensions {
		dir := filepath.Clean(ext.Directory)
		if dir == filepath.Clean(a.Directory) {
			continue
		}
		if isSubpath(dir, path) && len(dir) > len(best) {
			best = dir
		}
	}
	return best, best != ""
}

// Manifest summarises the app for status consumers.
func (a *App) Manifest() api.Manifest {
	manifest := api.Manifest{
		Name:     a.Name,
		ClientID: a.ClientID,
		Modules:  make([]api.ManifestModule, 0, len(a.Extensions)),
	}
	for _, ext := range a.Extensions {
		manifest.Modules = append(manifest.Modules, api.ManifestModule{
			UID:       ext.UID,
			UUID:      ext.PayloadUUID(),
			Handle:    ext.Handle,
			Type:      ext.Type,
			Directory: ext.Directory,
		})
	}
	return manifest
}

func isSubpath(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
