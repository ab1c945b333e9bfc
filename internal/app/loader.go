package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	AppConfigFileName       = "shopify.app.toml"
	ExtensionConfigFileName = "shopify.extension.toml"
	defaultEntrySourceFile  = "src/index.js"
)

var ErrAppConfigNotFound = errors.New("app configuration file not found")

// ErrDuplicateExtension is returned when two extensions share a uid or a handle.
var ErrDuplicateExtension = errors.New("duplicate extension")

// identityKeys are not copied into Extension.Config.
var identityKeys = map[string]bool{
	"uid": true, "uuid": true, "handle": true, "name": true, "type": true,
	"entry": true, "api_version": true, "preview_path": true, "extensions": true,
}

// Load reads the app configuration in dir and every extension under its extension directories.
func Load(dir string) (*App, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve app dir failed: %w", err)
	}
	configPath := filepath.Join(dir, AppConfigFileName)

	raw, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrAppConfigNotFound, configPath)
		}
		return nil, fmt.Errorf("read app config failed: %w", err)
	}

	var cfg struct {
		ID                   string   `toml:"id"`
		ClientID             string   `toml:"client_id"`
		Name                 string   `toml:"name"`
		ExtensionDirectories []string `toml:"extension_directories"`
	}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s failed: %w", configPath, err)
	}
	if len(cfg.ExtensionDirectories) == 0 {
		cfg.ExtensionDirectories = []string{"extensions"}
	}

	app := &App{
		Directory:            dir,
		ConfigPath:           configPath,
		ID:                   cfg.ID,
		Name:                 cfg.Name,
		ClientID:             cfg.ClientID,
		ExtensionDirectories: cfg.ExtensionDirectories,
	}

	folders, err := extensionFolders(dir, cfg.ExtensionDirectories)
	if err != nil {
		return nil, err
	}
	for _, folder := range folders {
		extensions, err := LoadExtensions(folder)
		if err != nil {
			return nil, err
		}
		app.Extensions = append(app.Extensions, extensions...)
	}
	if err := checkUnique(app.Extensions); err != nil {
		return nil, err
	}
	return app, nil
}

// checkUnique rejects extensions that would share a payload uuid or an output dir.
func checkUnique(extensions []Extension) error {
	uids := make(map[string]string, len(extensions))
	handles := make(map[string]string, len(extensions))
	for _, ext := range extensions {
		if other, ok := uids[ext.UID]; ok {
			return fmt.Errorf("%w: uid %q is declared in %s and %s", ErrDuplicateExtension, ext.UID, other, ext.ConfigPath)
		}
		if other, ok := handles[ext.Handle]; ok {
			return fmt.Errorf("%w: handle %q is declared in %s and %s", ErrDuplicateExtension, ext.Handle, other, ext.ConfigPath)
		}
		uids[ext.UID] = ext.ConfigPath
		handles[ext.Handle] = ext.ConfigPath
	}
	return nil
}

// ExtensionRoots returns the absolute directories that may contain extension folders.
func (a *App) ExtensionRoots() []string {
	roots := make([]string, 0, len(a.ExtensionDirectories))
	for _, entry := range a.ExtensionDirectories {
		root := entry
		if idx := strings.IndexAny(root, "*?["); idx >= 0 {
			root = filepath.Dir(root[:idx+1])
		}
		roots = append(roots, filepath.Join(a.Directory, root))
	}
	return roots
}

func extensionFolders(appDir string, entries []string) ([]string, error) {
	seen := make(map[string]bool)
	var folders []string
	for _, entry := range entries {
		pattern := filepath.Join(appDir, entry)
		if !strings.ContainsAny(entry, "*?[") {
			pattern = filepath.Join(pattern, "*")
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid extension directory %q: %w", entry, err)
		}
		for _, match := range matches {
			if _, err := os.Stat(filepath.Join(match, ExtensionConfigFileName)); err != nil {
				continue
			}
			if !seen[match] {
				seen[match] = true
				folders = append(folders, match)
			}
		}
	}
	sort.Strings(folders)
	return folders, nil
}

// LoadExtensions parses the extension configuration in folder. A configuration may
// declare a single extension at top level or several under [[extensions]].
func LoadExtensions(folder string) ([]Extension, error) {
	configPath := filepath.Join(folder, ExtensionConfigFileName)
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read extension config failed: %w", err)
	}

	var doc map[string]any
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s failed: %w", configPath, err)
	}

	shared := stringValue(doc, "api_version")
	var entries []map[string]any
	if list, ok := doc["extensions"].([]any); ok {
		for _, item := range list {
			if entry, ok := item.(map[string]any); ok {
				entries = append(entries, entry)
			}
		}
	} else {
		entries = append(entries, doc)
	}

	extensions := make([]Extension, 0, len(entries))
	for _, entry := range entries {
		ext := extensionFromEntry(folder, configPath, entry)
		if ext.APIVersion == "" {
			ext.APIVersion = shared
		}
		extensions = append(extensions, ext)
	}
	if err := checkUnique(extensions); err != nil {
		return nil, err
	}
	sort.SliceStable(extensions, func(i, j int) bool {
		return extensions[i].Handle < extensions[j].Handle
	})
	return extensions, nil
}

func extensionFromEntry(folder, configPath string, entry map[string]any) Extension {
	handle := stringValue(entry, "handle")
	if handle == "" {
		handle = filepath.Base(folder)
	}
	uid := stringValue(entry, "uid")
	if uid == "" {
		uid = handle
	}
	name := stringValue(entry, "name")
	if name == "" {
		name = handle
	}

	config := make(map[string]any)
	for key, value := range entry {
		if !identityKeys[key] {
			config[key] = value
		}
	}

	return Extension{
		UID:             uid,
		Handle:          handle,
		Name:            name,
		Type:            stringValue(entry, "type"),
		Directory:       folder,
		EntrySourceFile: entryFile(entry),
		DevUUID:         DevUUIDFor(uid),
		RemoteUUID:      stringValue(entry, "uuid"),
		APIVersion:      stringValue(entry, "api_version"),
		PreviewPath:     stringValue(entry, "preview_path"),
		Targets:         targets(entry),
		ConfigPath:      configPath,
		Config:          config,
	}
}

func entryFile(entry map[string]any) string {
	if value := stringValue(entry, "entry"); value != "" {
		return value
	}
	if targets, ok := entry["targeting"].([]any); ok {
		for _, item := range targets {
			target, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if module := stringValue(target, "module"); module != "" {
				return strings.TrimPrefix(module, "./")
			}
		}
	}
	return defaultEntrySourceFile
}

func targets(entry map[string]any) []string {
	list, ok := entry["targeting"].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range list {
		target, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if name := stringValue(target, "target"); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func stringValue(doc map[string]any, key string) string {
	value, ok := doc[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}
