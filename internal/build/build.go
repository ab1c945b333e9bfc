// Package build defines how extensions are compiled into servable artifacts.
package build

import (
	"context"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"github.com/extdev/extdev/internal/app"
	"github.com/spf13/afero"
)

// Status is the outcome of a single build attempt.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Result is the outcome of one build of one extension.
type Result struct {
	UID        string    `json:"uid"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Files      []string  `json:"files,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// OK reports whether the build succeeded.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

// Options are handed to an Adapter for each build.
type Options struct {
	Stdout      io.Writer
	Stderr      io.Writer
	App         *app.App
	Environment string
	BuildRoot   string
}

// Adapter compiles one extension. A returned error is a build failure for that extension;
// the caller converts it into an error Result.
type Adapter interface {
	Build(ctx context.Context, ext app.Extension, opts Options) (Result, error)
}

// Func adapts a plain function to the Adapter interface.
type Func func(ctx context.Context, ext app.Extension, opts Options) (Result, error)

// Build calls f.
func (f Func) Build(ctx context.Context, ext app.Extension, opts Options) (Result, error) {
	return f(ctx, ext, opts)
}

// Failed builds an error Result for ext.
func Failed(ext app.Extension, err error) Result {
	return Result{
		UID:        ext.UID,
		Status:     StatusError,
		Error:      err.Error(),
		FinishedAt: time.Now(),
	}
}

// OutputFiles lists the files under the extension's output directory, relative to buildRoot.
func OutputFiles(fsys afero.Fs, ext app.Extension, buildRoot string) ([]string, error) {
	var files []string
	root := ext.OutputDir(buildRoot)
	err := afero.Walk(fsys, root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(buildRoot, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
