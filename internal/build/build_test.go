package build

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/extdev/extdev/internal/app"
	"github.com/spf13/afero"
)

func TestPassthroughCopiesEntry(t *testing.T) {
	fsys := afero.NewMemMapFs()
	ext := app.Extension{UID: "ext-1", Handle: "disc", Directory: "/app/extensions/disc", EntrySourceFile: "src/index.js"}
	if err := afero.WriteFile(fsys, "/app/extensions/disc/src/index.js", []byte("export default 1"), 0o644); err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	var stdout bytes.Buffer
	result, err := NewPassthroughAdapter(fsys).Build(context.Background(), ext, Options{Stdout: &stdout, BuildRoot: "/build"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !result.OK() || result.UID != "ext-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Files) != 1 || result.Files[0] != "disc/index.js" {
		t.Fatalf("unexpected files: %v", result.Files)
	}
	got, err := afero.ReadFile(fsys, "/build/disc/index.js")
	if err != nil || string(got) != "export default 1" {
		t.Fatalf("bundle not written: %q %v", got, err)
	}
	if !strings.Contains(stdout.String(), "Bundled disc") {
		t.Fatalf("expected progress output, got %q", stdout.String())
	}
}

func TestPassthroughMissingEntry(t *testing.T) {
	ext := app.Extension{UID: "ext-1", Handle: "disc", Directory: "/app/extensions/disc", EntrySourceFile: "src/index.js"}
	_, err := NewPassthroughAdapter(afero.NewMemMapFs()).Build(context.Background(), ext, Options{BuildRoot: "/build"})
	if err == nil {
		t.Fatal("expected error for missing entry")
	}
	result := Failed(ext, err)
	if result.OK() || result.Error == "" {
		t.Fatalf("Failed should produce an error result: %+v", result)
	}
}

func TestCommandAdapterWritesBundle(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	dir := t.TempDir()
	buildRoot := filepath.Join(dir, "build")
	ext := app.Extension{UID: "ext-1", Handle: "disc", Directory: dir, EntrySourceFile: "index.js"}

	adapter := NewCommandAdapter(`echo "$EXTDEV_HANDLE" > "$EXTDEV_OUTPUT_DIR/index.js"`, nil)
	result, err := adapter.Build(context.Background(), ext, Options{BuildRoot: buildRoot})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !result.OK() {
		t.Fatalf("unexpected result: %+v", result)
	}
	got, err := os.ReadFile(filepath.Join(buildRoot, "disc", "index.js"))
	if err != nil || strings.TrimSpace(string(got)) != "disc" {
		t.Fatalf("bundle content = %q, err %v", got, err)
	}
}

func TestCommandAdapterFailures(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	tests := []struct {
		name    string
		command string
		want    string
	}{
		{"non-zero exit", `echo boom >&2; exit 3`, "boom"},
		{"no bundle", `true`, "without producing"},
		{"empty command", ``, "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			ext := app.Extension{UID: "ext-1", Handle: "disc", Directory: dir}
			var stderr bytes.Buffer
			_, err := NewCommandAdapter(tt.command, nil).Build(context.Background(), ext, Options{
				Stderr:    &stderr,
				BuildRoot: filepath.Join(dir, "build"),
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestFuncAdapter(t *testing.T) {
	wantErr := errors.New("nope")
	var adapter Adapter = Func(func(ctx context.Context, ext app.Extension, opts Options) (Result, error) {
		return Result{}, wantErr
	})
	if _, err := adapter.Build(context.Background(), app.Extension{}, Options{}); !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped func error, got %v", err)
	}
}
