// Package watcher turns filesystem changes in an app into built, classified app events.
package watcher

import (
	"time"

	"github.com/extdev/extdev/internal/app"
	"github.com/extdev/extdev/internal/build"
)

// WatcherEventType is the kind of raw change reported by a ChangeSource.
type WatcherEventType string

const (
	ExtensionFolderCreated  WatcherEventType = "extension_folder_created"
	ExtensionFolderDeleted  WatcherEventType = "extension_folder_deleted"
	FileCreated             WatcherEventType = "file_created"
	FileUpdated             WatcherEventType = "file_updated"
	FileDeleted             WatcherEventType = "file_deleted"
	ExtensionsConfigUpdated WatcherEventType = "extensions_config_updated"
	AppConfigDeleted        WatcherEventType = "app_config_deleted"
)

// WatcherEvent is one raw filesystem change. ExtensionPath is the extension directory that
// contains Path, or the app directory for app-level configuration changes.
type WatcherEvent struct {
	Type          WatcherEventType
	Path          string
	ExtensionPath string
	StartTime     time.Time
}

// EventType classifies what happened to one extension.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// ExtensionEvent is the effect of an AppEvent on one extension. BuildResult is set for
// created and updated extensions once their build finished.
type ExtensionEvent struct {
	Type        EventType
	Extension   app.Extension
	BuildResult *build.Result
}

// AppEvent is the processed result of a batch of watcher events.
type AppEvent struct {
	StartTime       time.Time
	App             *app.App
	Path            string
	AppWasReloaded  bool
	ExtensionEvents []ExtensionEvent
}

// Succeeded reports whether every build carried by the event succeeded.
func (e AppEvent) Succeeded() bool {
	for _, extEvent := range e.ExtensionEvents {
		if extEvent.BuildResult != nil && !extEvent.BuildResult.OK() {
			return false
		}
	}
	return true
}
