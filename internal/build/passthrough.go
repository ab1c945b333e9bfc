package build

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/extdev/extdev/internal/app"
	"github.com/spf13/afero"
)

// PassthroughAdapter "builds" an extension by copying its entry file to the output bundle.
// It is the default when no build command is configured.
type PassthroughAdapter struct {
	Fs afero.Fs
}

// NewPassthroughAdapter creates a passthrough adapter over fsys.
func NewPassthroughAdapter(fsys afero.Fs) *PassthroughAdapter {
	return &PassthroughAdapter{Fs: fsys}
}

// Build copies the entry source file of ext into its output directory.
func (a *PassthroughAdapter) Build(ctx context.Context, ext app.Extension, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	source, err := afero.ReadFile(a.Fs, ext.EntryPath())
	if err != nil {
		return Result{}, fmt.Errorf("failed to read entry %s: %w", ext.EntrySourceFile, err)
	}
	if err := a.Fs.MkdirAll(ext.OutputDir(opts.BuildRoot), 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create output dir: %w", err)
	}
	if err := afero.WriteFile(a.Fs, ext.BundlePath(opts.BuildRoot), source, 0o644); err != nil {
		return Result{}, fmt.Errorf("failed to write bundle: %w", err)
	}
	if opts.Stdout != nil {
		fmt.Fprintf(opts.Stdout, "Bundled %s (%d bytes)\n", ext.Handle, len(source))
	}

	files, err := OutputFiles(a.Fs, ext, opts.BuildRoot)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list build output: %w", err)
	}
	return Result{
		UID:        ext.UID,
		Status:     StatusOK,
		Files:      files,
		FinishedAt: time.Now(),
	}, nil
}

// lockedBuilder is a strings.Builder safe for concurrent writers.
type lockedBuilder struct {
	mu sync.Mutex
	sb strings.Builder
}

func (b *lockedBuilder) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.Write(p)
}

func (b *lockedBuilder) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}

var _ io.Writer = (*lockedBuilder)(nil)
