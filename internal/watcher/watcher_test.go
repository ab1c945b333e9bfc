package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/extdev/extdev/internal/app"
	"github.com/extdev/extdev/internal/build"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
)

type fakeSource struct {
	mu       sync.Mutex
	onChange func([]WatcherEvent)
	apps     []*app.App
}

func (s *fakeSource) OnChange(fn func([]WatcherEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *fakeSource) UpdateApp(a *app.App) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apps = append(s.apps, a)
}

func (s *fakeSource) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *fakeSource) send(events ...WatcherEvent) {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	fn(events)
}

func testApp() *app.App {
	return &app.App{
		Directory:  "/app",
		ConfigPath: "/app/shopify.app.toml",
		ClientID:   "api-key",
		Extensions: []app.Extension{
			{UID: "a", Handle: "a", Type: app.TypeUIExtension, Directory: "/app/extensions/a", DevUUID: app.DevUUIDFor("a")},
			{UID: "b", Handle: "b", Type: app.TypeFunction, Directory: "/app/extensions/shared", DevUUID: app.DevUUIDFor("b")},
			{UID: "c", Handle: "c", Type: app.TypeUIExtension, Directory: "/app/extensions/shared", DevUUID: app.DevUUIDFor("c")},
		},
	}
}

type counter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *counter) adapter(fail map[string]bool) build.Adapter {
	return build.Func(func(ctx context.Context, ext app.Extension, opts build.Options) (build.Result, error) {
		c.mu.Lock()
		if c.counts == nil {
			c.counts = map[string]int{}
		}
		c.counts[ext.Handle]++
		c.mu.Unlock()
		if fail[ext.Handle] {
			return build.Result{}, errors.New("syntax error")
		}
		return build.Result{UID: ext.UID, Status: build.StatusOK}, nil
	})
}

func (c *counter) get(handle string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[handle]
}

// startWatcher starts w and waits for the initial build to finish.
func startWatcher(t *testing.T, w *AppEventWatcher) (AppEvent, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan AppEvent, 1)
	w.OnStart(func(ev AppEvent) { started <- ev })

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx, nil, nil) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("watcher did not stop")
		}
	})

	select {
	case ev := <-started:
		return ev, cancel
	case err := <-done:
		t.Fatalf("Start returned early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for start")
	}
	return AppEvent{}, cancel
}

func collect(w *AppEventWatcher) <-chan AppEvent {
	events := make(chan AppEvent, 16)
	w.OnEvent(func(ev AppEvent) { events <- ev })
	return events
}

func next(t *testing.T, events <-chan AppEvent) AppEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for app event")
	}
	return AppEvent{}
}

func TestInitialBuild(t *testing.T) {
	var c counter
	source := &fakeSource{}
	w := NewAppEventWatcher(testApp(), c.adapter(nil), Options{Source: source, Fs: afero.NewMemMapFs(), BuildRoot: "/build"})

	initial, _ := startWatcher(t, w)
	if len(initial.ExtensionEvents) != 3 {
		t.Fatalf("expected 3 initial events, got %d", len(initial.ExtensionEvents))
	}
	for _, extEvent := range initial.ExtensionEvents {
		if extEvent.BuildResult == nil || !extEvent.BuildResult.OK() {
			t.Fatalf("initial build of %s not ok: %+v", extEvent.Extension.Handle, extEvent.BuildResult)
		}
	}
	if _, ok := w.LastResult("b"); !ok {
		t.Fatal("expected cached result for b")
	}

	late := make(chan AppEvent, 1)
	w.OnStart(func(ev AppEvent) { late <- ev })
	select {
	case ev := <-late:
		if len(ev.ExtensionEvents) != 3 {
			t.Fatalf("late start listener got %d events", len(ev.ExtensionEvents))
		}
	default:
		t.Fatal("start listener registered after ready should be called immediately")
	}
}

func TestFileChangeUpdatesEveryExtensionInDirectory(t *testing.T) {
	var c counter
	source := &fakeSource{}
	w := NewAppEventWatcher(testApp(), c.adapter(nil), Options{Source: source, Fs: afero.NewMemMapFs(), BuildRoot: "/build"})
	events := collect(w)
	startWatcher(t, w)

	source.send(WatcherEvent{Type: FileUpdated, Path: "/app/extensions/shared/src/index.js", ExtensionPath: "/app/extensions/shared", StartTime: time.Now()})
	ev := next(t, events)

	if len(ev.ExtensionEvents) != 2 {
		t.Fatalf("expected 2 extension events, got %d", len(ev.ExtensionEvents))
	}
	for _, extEvent := range ev.ExtensionEvents {
		if extEvent.Type != EventUpdated || extEvent.BuildResult == nil {
			t.Fatalf("unexpected event: %+v", extEvent)
		}
	}
	if c.get("a") != 1 || c.get("b") != 2 || c.get("c") != 2 {
		t.Fatalf("unexpected build counts: %v", c.counts)
	}
}

func TestBuildFailureIsReportedAndLoopContinues(t *testing.T) {
	var c counter
	source := &fakeSource{}
	w := NewAppEventWatcher(testApp(), c.adapter(map[string]bool{"a": true}), Options{Source: source, Fs: afero.NewMemMapFs(), BuildRoot: "/build"})
	events := collect(w)
	initial, _ := startWatcher(t, w)
	if initial.Succeeded() {
		t.Fatal("initial event should report the failed build")
	}

	source.send(WatcherEvent{Type: FileUpdated, Path: "/app/extensions/a/index.js", ExtensionPath: "/app/extensions/a"})
	ev := next(t, events)
	if ev.ExtensionEvents[0].BuildResult.Status != build.StatusError || ev.ExtensionEvents[0].BuildResult.Error != "syntax error" {
		t.Fatalf("expected error result, got %+v", ev.ExtensionEvents[0].BuildResult)
	}

	source.send(WatcherEvent{Type: FileUpdated, Path: "/app/extensions/shared/index.js", ExtensionPath: "/app/extensions/shared"})
	ev = next(t, events)
	if !ev.Succeeded() {
		t.Fatal("later batch should still be processed and succeed")
	}
}

func TestFolderDeletedRemovesOutput(t *testing.T) {
	var c counter
	fsys := afero.NewMemMapFs()
	source := &fakeSource{}
	w := NewAppEventWatcher(testApp(), c.adapter(nil), Options{Source: source, Fs: fsys, BuildRoot: "/build"})
	events := collect(w)
	startWatcher(t, w)

	if err := afero.WriteFile(fsys, "/build/a/index.js", []byte("x"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	source.send(WatcherEvent{Type: ExtensionFolderDeleted, Path: "/app/extensions/a", ExtensionPath: "/app/extensions/a"})
	ev := next(t, events)

	if len(ev.ExtensionEvents) != 1 || ev.ExtensionEvents[0].Type != EventDeleted {
		t.Fatalf("expected one deleted event, got %+v", ev.ExtensionEvents)
	}
	if exists, _ := afero.DirExists(fsys, "/build/a"); exists {
		t.Fatal("build output of deleted extension should be removed")
	}
	if _, ok := w.CurrentApp().FindByUUID(app.DevUUIDFor("a")); ok {
		t.Fatal("current app should no longer contain a")
	}
	if c.get("a") != 1 {
		t.Fatal("deleted extension must not be rebuilt")
	}
}

func TestConfigUpdateDiffsReloadedApp(t *testing.T) {
	var c counter
	source := &fakeSource{}
	loader := func(dir string) (*app.App, error) {
		reloaded := testApp()
		reloaded.Extensions[0].Config = map[string]any{"changed": true}
		reloaded.Extensions = append(reloaded.Extensions[:2], app.Extension{
			UID: "d", Handle: "d", Type: app.TypeUIExtension, Directory: "/app/extensions/d", DevUUID: app.DevUUIDFor("d"),
		})
		return reloaded, nil
	}
	w := NewAppEventWatcher(testApp(), c.adapter(nil), Options{Source: source, Loader: loader, Fs: afero.NewMemMapFs(), BuildRoot: "/build"})
	events := collect(w)
	startWatcher(t, w)

	source.send(WatcherEvent{Type: ExtensionsConfigUpdated, Path: "/app/shopify.app.toml", ExtensionPath: "/app"})
	ev := next(t, events)

	got := map[string]EventType{}
	for _, extEvent := range ev.ExtensionEvents {
		got[extEvent.Extension.Handle] = extEvent.Type
	}
	want := map[string]EventType{"a": EventUpdated, "c": EventDeleted, "d": EventCreated}
	for handle, eventType := range want {
		if got[handle] != eventType {
			t.Errorf("%s: got %q, want %q", handle, got[handle], eventType)
		}
	}
	if _, ok := got["b"]; ok {
		t.Error("unchanged extension b should not be in the event")
	}
	if !ev.AppWasReloaded {
		t.Error("expected AppWasReloaded")
	}
	if len(source.apps) == 0 {
		t.Error("change source should receive the reloaded app")
	}
}

func TestAppConfigDeletedNotifiesErrorListeners(t *testing.T) {
	var c counter
	source := &fakeSource{}
	w := NewAppEventWatcher(testApp(), c.adapter(nil), Options{Source: source, Fs: afero.NewMemMapFs(), BuildRoot: "/build"})
	errs := make(chan error, 1)
	w.OnError(func(err error) { errs <- err })
	startWatcher(t, w)

	source.send(WatcherEvent{Type: AppConfigDeleted, Path: "/app/shopify.app.toml", ExtensionPath: "/app"})
	select {
	case err := <-errs:
		if !errors.Is(err, ErrAppConfigDeleted) {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected error listener to be called")
	}
}

func TestPanickingListenerDoesNotStopOthers(t *testing.T) {
	var c counter
	source := &fakeSource{}
	w := NewAppEventWatcher(testApp(), c.adapter(nil), Options{Source: source, Fs: afero.NewMemMapFs(), BuildRoot: "/build"})
	w.OnEvent(func(AppEvent) { panic("listener bug") })
	events := collect(w)
	startWatcher(t, w)

	source.send(WatcherEvent{Type: FileUpdated, Path: "/app/extensions/a/x.js", ExtensionPath: "/app/extensions/a"})
	next(t, events)
}

func TestSupersededBuildIsDiscarded(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var blocking atomic.Bool
	adapter := build.Func(func(ctx context.Context, ext app.Extension, opts build.Options) (build.Result, error) {
		if blocking.Load() && ext.Handle == "a" {
			entered <- struct{}{}
			<-release
		}
		return build.Result{UID: ext.UID, Status: build.StatusOK}, nil
	})
	source := &fakeSource{}
	w := NewAppEventWatcher(testApp(), adapter, Options{Source: source, Fs: afero.NewMemMapFs(), BuildRoot: "/build"})
	events := collect(w)
	startWatcher(t, w)
	blocking.Store(true)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		source.send(WatcherEvent{Type: FileUpdated, Path: "/app/extensions/a/x.js", ExtensionPath: "/app/extensions/a"})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	if err := w.WaitForCompletion(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected WaitForCompletion to time out while building, got %v", err)
	}
	cancel()

	go func() {
		defer wg.Done()
		source.send(WatcherEvent{Type: ExtensionFolderDeleted, Path: "/app/extensions/a", ExtensionPath: "/app/extensions/a"})
	}()

	id := app.DevUUIDFor("a")
	deadline := time.Now().Add(2 * time.Second)
	for {
		w.mu.Lock()
		seq := w.sequences[id]
		w.mu.Unlock()
		if seq >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("deletion was never classified")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	ev := next(t, events)
	if len(ev.ExtensionEvents) != 1 || ev.ExtensionEvents[0].Type != EventDeleted {
		t.Fatalf("expected only the deletion, got %+v", ev.ExtensionEvents)
	}
	select {
	case extra := <-events:
		t.Fatalf("superseded update must not be emitted: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
	if err := w.WaitForCompletion(context.Background()); err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
}

func withExtensionD() *app.App {
	a := testApp()
	a.Extensions = append(a.Extensions, app.Extension{
		UID: "d", Handle: "d", Type: app.TypeUIExtension, Directory: "/app/extensions/d", DevUUID: app.DevUUIDFor("d"),
	})
	return a
}

func TestUpdateSupersedingUnemittedCreationIsPromoted(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var blocking atomic.Bool
	adapter := build.Func(func(ctx context.Context, ext app.Extension, opts build.Options) (build.Result, error) {
		if blocking.Load() && ext.Handle == "d" {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
		}
		return build.Result{UID: ext.UID, Status: build.StatusOK}, nil
	})
	source := &fakeSource{}
	loader := func(dir string) (*app.App, error) { return withExtensionD(), nil }
	w := NewAppEventWatcher(testApp(), adapter, Options{Source: source, Loader: loader, Fs: afero.NewMemMapFs(), BuildRoot: "/build"})
	events := collect(w)
	startWatcher(t, w)
	blocking.Store(true)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		source.send(WatcherEvent{Type: ExtensionFolderCreated, Path: "/app/extensions/d", ExtensionPath: "/app/extensions/d"})
	}()
	<-entered

	go func() {
		defer wg.Done()
		source.send(WatcherEvent{Type: FileUpdated, Path: "/app/extensions/d/index.js", ExtensionPath: "/app/extensions/d"})
	}()

	id := app.DevUUIDFor("d")
	deadline := time.Now().Add(2 * time.Second)
	for {
		w.mu.Lock()
		seq := w.sequences[id]
		w.mu.Unlock()
		if seq >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("update was never classified")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	ev := next(t, events)
	if len(ev.ExtensionEvents) != 1 || ev.ExtensionEvents[0].Type != EventCreated || ev.ExtensionEvents[0].Extension.Handle != "d" {
		t.Fatalf("expected d to be announced as created, got %+v", ev.ExtensionEvents)
	}
	select {
	case extra := <-events:
		t.Fatalf("superseded creation must not be emitted: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}

	source.send(WatcherEvent{Type: FileUpdated, Path: "/app/extensions/d/index.js", ExtensionPath: "/app/extensions/d"})
	ev = next(t, events)
	if len(ev.ExtensionEvents) != 1 || ev.ExtensionEvents[0].Type != EventUpdated {
		t.Fatalf("later changes to an announced extension are updates, got %+v", ev.ExtensionEvents)
	}
}

func TestRapidChangesProduceOneBuild(t *testing.T) {
	dir := t.TempDir()
	extDir := filepath.Join(dir, "extensions", "disc")
	if err := os.MkdirAll(filepath.Join(extDir, "src"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, app.AppConfigFileName), []byte(`client_id = "k"`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	a := &app.App{
		Directory:            dir,
		ConfigPath:           filepath.Join(dir, app.AppConfigFileName),
		ExtensionDirectories: []string{"extensions"},
		Extensions: []app.Extension{
			{UID: "ext-1", Handle: "disc", Directory: extDir, DevUUID: app.DevUUIDFor("ext-1")},
		},
	}

	var c counter
	fileWatcher := NewFileWatcher(a, 150*time.Millisecond, nil)
	w := NewAppEventWatcher(a, c.adapter(nil), Options{Source: fileWatcher, BuildRoot: filepath.Join(dir, ".shopify", "dev-bundle")})
	events := collect(w)
	startWatcher(t, w)

	path := filepath.Join(extDir, "src", "index.js")
	for i := 0; i < 5; i++ {
		fileWatcher.handle(path, fsnotify.Write)
		time.Sleep(10 * time.Millisecond)
	}

	next(t, events)
	select {
	case extra := <-events:
		t.Fatalf("expected a single batch, got another: %+v", extra)
	case <-time.After(300 * time.Millisecond):
	}
	if got := c.get("disc"); got != 2 {
		t.Fatalf("expected initial build plus one rebuild, got %d builds", got)
	}
}
