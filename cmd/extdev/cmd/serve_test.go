package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/extdev/extdev/internal/api"
	"github.com/extdev/extdev/internal/app"
	"github.com/extdev/extdev/internal/config"
	"github.com/extdev/extdev/internal/lockfile"
	"github.com/spf13/viper"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestRunSessionOnFreshApp(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, app.AppConfigFileName), "client_id = \"api-key\"\nname = \"Fresh\"\n")
	writeTestFile(t, filepath.Join(dir, "extensions", "banner", app.ExtensionConfigFileName), "type = \"ui_extension\"\nhandle = \"banner\"\n")
	writeTestFile(t, filepath.Join(dir, "extensions", "banner", "src", "index.js"), "console.log('banner')")
	if _, err := os.Stat(filepath.Join(dir, ".shopify")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("app dir should start without .shopify, got %v", err)
	}

	v := viper.New()
	v.Set(config.KeyApp, dir)
	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stdout syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- runSession(ctx, cancel, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), &stdout)
	}()

	var session lockfile.Session
	deadline := time.Now().Add(5 * time.Second)
	for {
		session, err = lockfile.Read(dir)
		if err == nil {
			break
		}
		select {
		case err := <-done:
			t.Fatalf("session stopped before writing the lockfile: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("lockfile never written: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	var snapshot api.AppSnapshot
	for {
		resp, err := http.Get(session.URL + "/extensions")
		if err != nil {
			t.Fatalf("get extensions: %v", err)
		}
		snapshot = api.AppSnapshot{}
		err = json.NewDecoder(resp.Body).Decode(&snapshot)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(snapshot.Extensions) == 1 && snapshot.Extensions[0].Development.Status == api.StatusSuccess {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("initial build never reached the payload store: %+v", snapshot.Extensions)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if snapshot.Extensions[0].Handle != "banner" || snapshot.App.APIKey != "api-key" {
		t.Fatalf("unexpected payload: %+v", snapshot)
	}
	if _, err := os.Stat(cfg.DB.Path); err != nil {
		t.Fatalf("build history database not created: %v", err)
	}
	if !strings.Contains(stdout.String(), "Dev server running at "+session.URL) {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runSession: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop after cancel")
	}
	if _, err := lockfile.Read(dir); !errors.Is(err, lockfile.ErrNotFound) {
		t.Fatalf("lockfile should be removed on exit, got %v", err)
	}
}
