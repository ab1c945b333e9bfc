package watcher

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/extdev/extdev/internal/app"
	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

const (
	DefaultDebounce = 200 * time.Millisecond

	// creationLockFile is present while an extension folder is still being generated.
	creationLockFile        = ".shopify.lock"
	creationCheckInterval   = 200 * time.Millisecond
	creationTimeout         = 60 * time.Second
	fileDeleteSettleTimeout = 500 * time.Millisecond
)

var ignoredDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
	"generated":    true,
}

// FileWatcher reports debounced, de-duplicated changes under the app configuration file
// and the extension directories.
type FileWatcher struct {
	Logger   *slog.Logger
	Debounce time.Duration

	mu             sync.Mutex
	app            *app.App
	extensionPaths []string
	ignored        map[string]gitignore.Matcher
	pending        []WatcherEvent
	timer          *time.Timer
	onChange       func([]WatcherEvent)
	fsw            *fsnotify.Watcher
	ctx            context.Context
}

// NewFileWatcher creates a watcher for a.
func NewFileWatcher(a *app.App, debounce time.Duration, logger *slog.Logger) *FileWatcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &FileWatcher{
		Logger:   logger,
		Debounce: debounce,
		ignored:  make(map[string]gitignore.Matcher),
		ctx:      context.Background(),
	}
	w.UpdateApp(a)
	return w
}

// OnChange sets the callback that receives each debounced batch.
func (w *FileWatcher) OnChange(fn func([]WatcherEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = fn
}

// UpdateApp replaces the app model used to attribute paths to extensions.
func (w *FileWatcher) UpdateApp(a *app.App) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.app = a
	w.extensionPaths = w.extensionPaths[:0]
	for _, ext := range a.Extensions {
		dir := filepath.Clean(ext.Directory)
		if dir == filepath.Clean(a.Directory) || containsPath(w.extensionPaths, dir) {
			continue
		}
		w.extensionPaths = append(w.extensionPaths, dir)
		if _, ok := w.ignored[dir]; !ok {
			w.ignored[dir] = loadGitignore(dir)
		}
	}
}

// Start watches until ctx is cancelled.
func (w *FileWatcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fsw.Close()

	w.mu.Lock()
	w.fsw = fsw
	w.ctx = ctx
	appDir := w.app.Directory
	roots := w.app.ExtensionRoots()
	w.mu.Unlock()

	// The app directory itself is watched non-recursively so that editors replacing the
	// config file by rename are still seen.
	if err := fsw.Add(appDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", appDir, err)
	}
	for _, root := range roots {
		if err := w.addRecursive(root); err != nil {
			w.logger().Warn("Failed to watch extension directory", "path", root, "error", err)
		}
	}
	w.logger().Debug("File watcher started", "app", appDir, "roots", roots)

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			w.logger().Debug("File watcher stopped")
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event.Name, event.Op)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger().Warn("File watcher error", "error", err)
		}
	}
}

func (w *FileWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && ignoredDirs[d.Name()] {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// handle maps a raw filesystem operation on path to a WatcherEvent.
func (w *FileWatcher) handle(path string, op fsnotify.Op) {
	path = filepath.Clean(path)

	w.mu.Lock()
	appDir := filepath.Clean(w.app.Directory)
	configPath := filepath.Clean(w.app.ConfigPath)
	extensionPath, known := longestContaining(w.extensionPaths, path)
	w.mu.Unlock()

	if rel, err := filepath.Rel(appDir, path); err == nil && isIgnoredPath(rel) {
		return
	}

	isAppConfig := path == configPath
	isExtensionToml := filepath.Base(path) == app.ExtensionConfigFileName
	if isAppConfig {
		extensionPath = appDir
	}
	if filepath.Dir(path) == appDir && !isAppConfig {
		// Only the app config is of interest at the top level.
		return
	}

	switch {
	case op.Has(fsnotify.Create):
		w.handleCreate(path, extensionPath, known, isAppConfig, isExtensionToml)
	case op.Has(fsnotify.Write):
		if isAppConfig || (known && isExtensionToml) {
			w.push(WatcherEvent{Type: ExtensionsConfigUpdated, Path: path, ExtensionPath: extensionPath})
		} else if known {
			w.push(WatcherEvent{Type: FileUpdated, Path: path, ExtensionPath: extensionPath})
		}
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		w.handleRemove(path, extensionPath, known, isAppConfig, isExtensionToml)
	}
}

func (w *FileWatcher) handleCreate(path, extensionPath string, known, isAppConfig, isExtensionToml bool) {
	if isAppConfig {
		w.push(WatcherEvent{Type: ExtensionsConfigUpdated, Path: path, ExtensionPath: extensionPath})
		return
	}

	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		w.mu.Lock()
		fsw := w.fsw
		w.mu.Unlock()
		if fsw != nil {
			if err := w.addRecursive(path); err != nil {
				w.logger().Warn("Failed to watch new directory", "path", path, "error", err)
			}
		}
		// Files written before the watch was added produce no events of their own.
		if _, err := os.Stat(filepath.Join(path, app.ExtensionConfigFileName)); err == nil && !known {
			w.awaitExtensionCreation(path)
		}
		return
	}

	switch {
	case isExtensionToml && !known:
		w.awaitExtensionCreation(filepath.Dir(path))
	case isExtensionToml:
		w.push(WatcherEvent{Type: ExtensionsConfigUpdated, Path: path, ExtensionPath: extensionPath})
	case known:
		w.push(WatcherEvent{Type: FileCreated, Path: path, ExtensionPath: extensionPath})
	}
}

func (w *FileWatcher) handleRemove(path, extensionPath string, known, isAppConfig, isExtensionToml bool) {
	if filepath.Base(path) == creationLockFile {
		return
	}

	w.mu.Lock()
	isExtensionDir := containsPath(w.extensionPaths, path)
	w.mu.Unlock()

	switch {
	case isAppConfig:
		// Editors that save by rename briefly remove the file.
		time.AfterFunc(fileDeleteSettleTimeout, func() {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				w.push(WatcherEvent{Type: AppConfigDeleted, Path: path, ExtensionPath: extensionPath})
			}
		})
	case isExtensionDir:
		w.forgetExtensionPath(path)
		w.push(WatcherEvent{Type: ExtensionFolderDeleted, Path: path, ExtensionPath: path})
	case known && isExtensionToml:
		w.forgetExtensionPath(extensionPath)
		w.push(WatcherEvent{Type: ExtensionFolderDeleted, Path: extensionPath, ExtensionPath: extensionPath})
	case known:
		// A delete is often the first half of an atomic save or a folder removal.
		// Report it only if the extension is still there once things settle.
		time.AfterFunc(fileDeleteSettleTimeout, func() {
			w.mu.Lock()
			stillKnown := containsPath(w.extensionPaths, extensionPath)
			w.mu.Unlock()
			if stillKnown {
				w.push(WatcherEvent{Type: FileDeleted, Path: path, ExtensionPath: extensionPath})
			}
		})
	}
}

// awaitExtensionCreation reports a new extension folder once its creation lock is gone.
func (w *FileWatcher) awaitExtensionCreation(dir string) {
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()

	go func() {
		deadline := time.Now().Add(creationTimeout)
		for {
			if _, err := os.Stat(filepath.Join(dir, creationLockFile)); os.IsNotExist(err) {
				w.mu.Lock()
				if !containsPath(w.extensionPaths, dir) {
					w.extensionPaths = append(w.extensionPaths, dir)
				}
				w.ignored[dir] = loadGitignore(dir)
				w.mu.Unlock()
				w.push(WatcherEvent{Type: ExtensionFolderCreated, Path: dir, ExtensionPath: dir})
				return
			}
			if time.Now().After(deadline) {
				w.logger().Error("Timed out waiting for new extension", "path", dir)
				return
			}
			w.logger().Debug("Waiting for extension to complete creation", "path", dir)
			select {
			case <-ctx.Done():
				return
			case <-time.After(creationCheckInterval):
			}
		}
	}()
}

func (w *FileWatcher) forgetExtensionPath(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.extensionPaths[:0]
	for _, existing := range w.extensionPaths {
		if existing != dir {
			kept = append(kept, existing)
		}
	}
	w.extensionPaths = kept
}

// push queues event unless ignored or already pending, and restarts the quiet window.
func (w *FileWatcher) push(event WatcherEvent) {
	if event.StartTime.IsZero() {
		event.StartTime = time.Now()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.shouldIgnore(event) {
		return
	}
	for _, existing := range w.pending {
		if existing.Path == event.Path && existing.Type == event.Type {
			return
		}
	}
	w.pending = append(w.pending, event)

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.Debounce, w.flush)
}

func (w *FileWatcher) flush() {
	w.mu.Lock()
	events := w.pending
	w.pending = nil
	w.timer = nil
	onChange := w.onChange
	w.mu.Unlock()

	if len(events) == 0 {
		return
	}
	paths := make([]string, 0, len(events))
	for _, event := range events {
		paths = append(paths, event.Path)
	}
	w.logger().Debug("Emitting file events", "count", len(events), "paths", paths)
	if onChange != nil {
		onChange(events)
	}
}

// shouldIgnore applies the extension's .gitignore. Folder create and delete events are never ignored.
func (w *FileWatcher) shouldIgnore(event WatcherEvent) bool {
	if event.Type == ExtensionFolderCreated || event.Type == ExtensionFolderDeleted {
		return false
	}
	matcher := w.ignored[event.ExtensionPath]
	if matcher == nil {
		return false
	}
	rel, err := filepath.Rel(event.ExtensionPath, event.Path)
	if err != nil || rel == "." {
		return false
	}
	return matcher.Match(strings.Split(filepath.ToSlash(rel), "/"), false)
}

func (w *FileWatcher) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

func loadGitignore(dir string) gitignore.Matcher {
	file, err := os.Open(filepath.Join(dir, ".gitignore"))
	if err != nil {
		return nil
	}
	defer file.Close()

	var patterns []gitignore.Pattern
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	if len(patterns) == 0 {
		return nil
	}
	return gitignore.NewMatcher(patterns)
}

func isIgnoredPath(path string) bool {
	for _, segment := range strings.Split(filepath.ToSlash(path), "/") {
		if ignoredDirs[segment] {
			return true
		}
	}
	base := filepath.Base(path)
	return base == ".gitignore" ||
		strings.HasSuffix(base, ".swp") ||
		strings.Contains(base, ".test.")
}

func longestContaining(dirs []string, path string) (string, bool) {
	best := ""
	for _, dir := range dirs {
		if (path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))) && len(dir) > len(best) {
			best = dir
		}
	}
	return best, best != ""
}

func containsPath(paths []string, path string) bool {
	for _, existing := range paths {
		if existing == path {
			return true
		}
	}
	return false
}
