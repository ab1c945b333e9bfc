package watcher

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/extdev/extdev/internal/app"
)

// ErrAppConfigDeleted is reported to error listeners when the app configuration file disappears.
var ErrAppConfigDeleted = errors.New("app configuration file was deleted")

// LoaderFunc reloads the app model from its directory.
type LoaderFunc func(dir string) (*app.App, error)

// eventSet accumulates extension events keyed by payload uuid, in first-seen order.
// Created and deleted take precedence over updated.
type eventSet struct {
	order  []string
	events map[string]ExtensionEvent
}

func newEventSet() *eventSet {
	return &eventSet{events: make(map[string]ExtensionEvent)}
}

func (s *eventSet) add(eventType EventType, ext app.Extension) {
	id := ext.PayloadUUID()
	existing, ok := s.events[id]
	if !ok {
		s.order = append(s.order, id)
		s.events[id] = ExtensionEvent{Type: eventType, Extension: ext}
		return
	}
	if existing.Type == EventUpdated || eventType != EventUpdated {
		s.events[id] = ExtensionEvent{Type: eventType, Extension: ext}
	}
}

func (s *eventSet) list() []ExtensionEvent {
	out := make([]ExtensionEvent, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.events[id])
	}
	return out
}

// classify turns a batch of watcher events into an AppEvent against current.
// current is not modified; the returned event carries the new app model.
func classify(events []WatcherEvent, current *app.App, load LoaderFunc) (*AppEvent, error) {
	appEvent := &AppEvent{App: current.Clone()}
	set := newEventSet()
	touched := make(map[string]bool)
	reload := false

	for _, event := range events {
		if appEvent.Path == "" {
			appEvent.Path = event.Path
		}
		if appEvent.StartTime.IsZero() || event.StartTime.Before(appEvent.StartTime) {
			appEvent.StartTime = event.StartTime
		}

		switch event.Type {
		case FileCreated, FileUpdated, FileDeleted:
			for _, ext := range appEvent.App.ExtensionsInDirectory(event.ExtensionPath) {
				set.add(EventUpdated, ext)
			}
		case ExtensionFolderDeleted:
			removed := appEvent.App.ExtensionsInDirectory(event.Path)
			for _, ext := range removed {
				set.add(EventDeleted, ext)
			}
			appEvent.App.Extensions = withoutDirectory(appEvent.App.Extensions, event.Path)
		case ExtensionFolderCreated, ExtensionsConfigUpdated:
			reload = true
			touched[filepath.Clean(event.ExtensionPath)] = true
		case AppConfigDeleted:
			return nil, fmt.Errorf("%w: %s", ErrAppConfigDeleted, event.Path)
		}
	}

	if reload {
		reloaded, err := load(current.Directory)
		if err != nil {
			return nil, fmt.Errorf("reload app failed: %w", err)
		}
		diffApps(set, appEvent.App, reloaded, touched)
		appEvent.App = reloaded
		appEvent.AppWasReloaded = true
	}

	if appEvent.StartTime.IsZero() {
		appEvent.StartTime = time.Now()
	}
	appEvent.ExtensionEvents = set.list()
	return appEvent, nil
}

func diffApps(set *eventSet, before, after *app.App, touched map[string]bool) {
	previous := make(map[string]app.Extension, len(before.Extensions))
	for _, ext := range before.Extensions {
		previous[ext.PayloadUUID()] = ext
	}
	next := make(map[string]bool, len(after.Extensions))

	for _, ext := range after.Extensions {
		id := ext.PayloadUUID()
		next[id] = true
		old, existed := previous[id]
		switch {
		case !existed:
			set.add(EventCreated, ext)
		case !old.SameConfig(ext) || touched[filepath.Clean(ext.Directory)]:
			set.add(EventUpdated, ext)
		}
	}
	for _, ext := range before.Extensions {
		if !next[ext.PayloadUUID()] {
			set.add(EventDeleted, ext)
		}
	}
}

func withoutDirectory(extensions []app.Extension, dir string) []app.Extension {
	dir = filepath.Clean(dir)
	kept := make([]app.Extension, 0, len(extensions))
	for _, ext := range extensions {
		if filepath.Clean(ext.Directory) != dir {
			kept = append(kept, ext)
		}
	}
	return kept
}
