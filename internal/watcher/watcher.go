package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/extdev/extdev/internal/app"
	"github.com/extdev/extdev/internal/build"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"
)

// ChangeSource produces batches of raw watcher events. FileWatcher is the production source.
type ChangeSource interface {
	OnChange(fn func([]WatcherEvent))
	UpdateApp(a *app.App)
	Start(ctx context.Context) error
}

// Options configure an AppEventWatcher.
type Options struct {
	// BuildRoot defaults to <app>/.shopify/dev-bundle.
	BuildRoot      string
	Environment    string
	Debounce       time.Duration
	MaxConcurrency int
	Logger         *slog.Logger
	Source         ChangeSource
	Loader         LoaderFunc
	Fs             afero.Fs
}

// AppEventWatcher builds extensions and emits an AppEvent for every processed change batch.
type AppEventWatcher struct {
	adapter build.Adapter
	opts    Options
	logger  *slog.Logger

	mu             sync.Mutex
	current        *app.App
	started        bool
	ready          bool
	stopped        bool
	initial        AppEvent
	results        map[string]build.Result
	sequences      map[string]uint64
	// unannounced holds payload uuids whose created event has not been emitted yet.
	unannounced    map[string]bool
	locks          map[string]*sync.Mutex
	inflight       int
	idle           chan struct{}
	eventListeners []func(AppEvent)
	startListeners []func(AppEvent)
	errorListeners []func(error)

	// classifyMu keeps classification sequential in arrival order.
	classifyMu sync.Mutex
	// emitMu delivers one event at a time to listeners.
	emitMu sync.Mutex

	stdout io.Writer
	stderr io.Writer
}

// NewAppEventWatcher creates a watcher for a, building extensions with adapter.
func NewAppEventWatcher(a *app.App, adapter build.Adapter, opts Options) *AppEventWatcher {
	if opts.BuildRoot == "" {
		opts.BuildRoot = filepath.Join(a.Directory, ".shopify", "dev-bundle")
	}
	if opts.Environment == "" {
		opts.Environment = "development"
	}
	if opts.Loader == nil {
		opts.Loader = app.Load
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 8
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idle := make(chan struct{})
	close(idle)

	return &AppEventWatcher{
		adapter:     adapter,
		opts:        opts,
		logger:      logger,
		current:     a,
		results:     make(map[string]build.Result),
		sequences:   make(map[string]uint64),
		unannounced: make(map[string]bool),
		locks:       make(map[string]*sync.Mutex),
		idle:        idle,
		stdout:      io.Discard,
		stderr:      io.Discard,
	}
}

// BuildRoot is the directory that holds every extension's build output.
func (w *AppEventWatcher) BuildRoot() string {
	return w.opts.BuildRoot
}

// OnEvent registers a listener for processed AppEvents.
func (w *AppEventWatcher) OnEvent(fn func(AppEvent)) *AppEventWatcher {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.eventListeners = append(w.eventListeners, fn)
	return w
}

// OnStart registers a listener for the initial build. If the watcher is already ready the
// listener is called immediately with the initial event.
func (w *AppEventWatcher) OnStart(fn func(AppEvent)) *AppEventWatcher {
	w.mu.Lock()
	if !w.ready {
		w.startListeners = append(w.startListeners, fn)
		w.mu.Unlock()
		return w
	}
	initial := w.initial
	initial.App = w.current
	w.mu.Unlock()

	w.invoke("start", func() { fn(initial) })
	return w
}

// OnError registers a listener for errors that stop a batch from being processed.
func (w *AppEventWatcher) OnError(fn func(error)) *AppEventWatcher {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errorListeners = append(w.errorListeners, fn)
	return w
}

// CurrentApp returns the latest app model.
func (w *AppEventWatcher) CurrentApp() *app.App {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// LastResult returns the most recent build result for the extension uid.
func (w *AppEventWatcher) LastResult(uid string) (build.Result, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	result, ok := w.results[uid]
	return result, ok
}

// WaitForCompletion blocks until no batch is being processed or ctx is done.
func (w *AppEventWatcher) WaitForCompletion(ctx context.Context) error {
	w.mu.Lock()
	idle := w.idle
	w.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start performs the initial build and then processes changes until ctx is cancelled.
func (w *AppEventWatcher) Start(ctx context.Context, stdout, stderr io.Writer) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.New("app event watcher already started")
	}
	w.started = true
	if stdout != nil {
		w.stdout = stdout
	}
	if stderr != nil {
		w.stderr = stderr
	}
	current := w.current
	w.mu.Unlock()

	if err := w.opts.Fs.RemoveAll(w.opts.BuildRoot); err != nil {
		return fmt.Errorf("failed to clean build root: %w", err)
	}
	if err := w.opts.Fs.MkdirAll(w.opts.BuildRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create build root: %w", err)
	}

	w.beginWork()
	initial := AppEvent{StartTime: time.Now(), App: current}
	for _, ext := range current.Extensions {
		initial.ExtensionEvents = append(initial.ExtensionEvents, ExtensionEvent{Type: EventUpdated, Extension: ext})
	}
	sequences := w.claim(initial.ExtensionEvents)
	initial.ExtensionEvents = w.buildAll(ctx, current, initial.ExtensionEvents, sequences)
	w.endWork()

	w.mu.Lock()
	w.ready = true
	w.initial = initial
	listeners := w.startListeners
	w.startListeners = nil
	w.mu.Unlock()

	w.logger.Info("Initial build finished",
		"extensions", len(initial.ExtensionEvents),
		"succeeded", initial.Succeeded(),
		"elapsed_ms", time.Since(initial.StartTime).Milliseconds(),
	)

	w.emitMu.Lock()
	for _, fn := range listeners {
		w.invoke("start", func() { fn(initial) })
	}
	w.emitMu.Unlock()

	source := w.opts.Source
	if source == nil {
		source = NewFileWatcher(current, w.opts.Debounce, w.logger)
	}
	source.OnChange(func(events []WatcherEvent) {
		w.process(ctx, source, events)
	})

	err := source.Start(ctx)

	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// process classifies, builds and emits one batch of watcher events.
func (w *AppEventWatcher) process(ctx context.Context, source ChangeSource, events []WatcherEvent) {
	w.beginWork()
	defer w.endWork()

	w.classifyMu.Lock()
	appEvent, err := classify(events, w.CurrentApp(), w.opts.Loader)
	if err != nil {
		w.classifyMu.Unlock()
		w.logger.Error("Failed to process file events", "error", err)
		w.emitError(err)
		return
	}
	w.mu.Lock()
	w.current = appEvent.App
	w.mu.Unlock()
	source.UpdateApp(appEvent.App)
	sequences := w.claim(appEvent.ExtensionEvents)
	w.classifyMu.Unlock()

	if len(appEvent.ExtensionEvents) == 0 {
		w.logger.Debug("Change detected, but no extensions were affected", "path", appEvent.Path)
		w.emit(*appEvent)
		return
	}

	appEvent.ExtensionEvents = w.buildAll(ctx, appEvent.App, appEvent.ExtensionEvents, sequences)
	if len(appEvent.ExtensionEvents) == 0 {
		w.logger.Debug("Dropped superseded change", "path", appEvent.Path)
		return
	}
	w.emit(*appEvent)
}

// claim assigns a new sequence number per extension, superseding older in-flight work.
// An update that supersedes a creation not yet emitted is promoted to a creation, so
// listeners always see the extension appear before it changes.
func (w *AppEventWatcher) claim(events []ExtensionEvent) []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	sequences := make([]uint64, len(events))
	for i := range events {
		id := events[i].Extension.PayloadUUID()
		switch events[i].Type {
		case EventCreated:
			w.unannounced[id] = true
		case EventUpdated:
			if w.unannounced[id] {
				events[i].Type = EventCreated
			}
		case EventDeleted:
			delete(w.unannounced, id)
		}
		w.sequences[id]++
		sequences[i] = w.sequences[id]
	}
	return sequences
}

// settle records result unless sequence was superseded while building.
func (w *AppEventWatcher) settle(extEvent ExtensionEvent, sequence uint64, result build.Result) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := extEvent.Extension.PayloadUUID()
	if w.sequences[id] != sequence {
		return false
	}
	w.results[extEvent.Extension.UID] = result
	if extEvent.Type == EventCreated {
		delete(w.unannounced, id)
	}
	return true
}

func (w *AppEventWatcher) superseded(id string, sequence uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sequences[id] != sequence
}

func (w *AppEventWatcher) lockFor(id string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	lock, ok := w.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		w.locks[id] = lock
	}
	return lock
}

// buildAll builds created and updated extensions concurrently and removes the output of
// deleted ones. Events superseded by a newer change are dropped from the result.
func (w *AppEventWatcher) buildAll(ctx context.Context, current *app.App, events []ExtensionEvent, sequences []uint64) []ExtensionEvent {
	buildCtx := context.WithoutCancel(ctx)
	keep := make([]bool, len(events))
	opts := build.Options{
		Stdout:      w.stdout,
		Stderr:      w.stderr,
		App:         current,
		Environment: w.opts.Environment,
		BuildRoot:   w.opts.BuildRoot,
	}

	p := pool.New().WithMaxGoroutines(w.opts.MaxConcurrency)
	for i := range events {
		i := i
		p.Go(func() {
			extEvent := &events[i]
			id := extEvent.Extension.PayloadUUID()
			lock := w.lockFor(id)
			lock.Lock()
			defer lock.Unlock()

			if w.superseded(id, sequences[i]) {
				return
			}
			if extEvent.Type == EventDeleted {
				if err := w.opts.Fs.RemoveAll(extEvent.Extension.OutputDir(w.opts.BuildRoot)); err != nil {
					w.logger.Warn("Failed to remove build output", "handle", extEvent.Extension.Handle, "error", err)
				}
				keep[i] = true
				return
			}

			result := w.buildOne(buildCtx, extEvent.Extension, opts)
			if !w.settle(*extEvent, sequences[i], result) {
				w.logger.Debug("Discarded superseded build", "handle", extEvent.Extension.Handle)
				return
			}
			extEvent.BuildResult = &result
			keep[i] = true
		})
	}
	p.Wait()

	kept := events[:0]
	for i, extEvent := range events {
		if keep[i] {
			kept = append(kept, extEvent)
		}
	}
	return kept
}

func (w *AppEventWatcher) buildOne(ctx context.Context, ext app.Extension, opts build.Options) build.Result {
	start := time.Now()
	result, err := w.adapter.Build(ctx, ext, opts)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "[%s] %s\n", ext.Handle, err.Error())
		w.logger.Warn("Extension build failed",
			"handle", ext.Handle,
			"uid", ext.UID,
			"error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return build.Failed(ext, err)
	}
	if result.UID == "" {
		result.UID = ext.UID
	}
	if result.Status == "" {
		result.Status = build.StatusOK
	}
	if result.FinishedAt.IsZero() {
		result.FinishedAt = time.Now()
	}
	w.logger.Debug("Extension built", "handle", ext.Handle, "elapsed_ms", time.Since(start).Milliseconds())
	return result
}

func (w *AppEventWatcher) emit(event AppEvent) {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	listeners := append([]func(AppEvent){}, w.eventListeners...)
	w.mu.Unlock()

	for _, fn := range listeners {
		w.invoke("event", func() { fn(event) })
	}
}

func (w *AppEventWatcher) emitError(err error) {
	w.mu.Lock()
	listeners := append([]func(error){}, w.errorListeners...)
	w.mu.Unlock()

	for _, fn := range listeners {
		w.invoke("error", func() { fn(err) })
	}
}

// invoke runs a listener, logging and swallowing any panic so other listeners still run.
func (w *AppEventWatcher) invoke(kind string, fn func()) {
	var catcher panics.Catcher
	catcher.Try(fn)
	if recovered := catcher.Recovered(); recovered != nil {
		w.logger.Error("Listener panicked", "kind", kind, "panic", recovered.Value, "stack", string(recovered.Stack))
	}
}

func (w *AppEventWatcher) beginWork() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inflight == 0 {
		w.idle = make(chan struct{})
	}
	w.inflight++
}

func (w *AppEventWatcher) endWork() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inflight--
	if w.inflight == 0 {
		close(w.idle)
	}
}
