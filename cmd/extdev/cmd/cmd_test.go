package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/extdev/extdev/internal/api"
	"github.com/extdev/extdev/internal/lockfile"
	"github.com/extdev/extdev/internal/payload"
	"github.com/extdev/extdev/internal/server"
	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
)

func TestResolveBaseURL(t *testing.T) {
	dir := t.TempDir()
	if _, err := resolveBaseURL("", dir); err == nil || !strings.Contains(err.Error(), "no running dev session") {
		t.Fatalf("expected a missing session error, got %v", err)
	}

	if err := lockfile.Write(dir, lockfile.Session{Port: 4000, URL: "http://127.0.0.1:4000/"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := resolveBaseURL("", dir)
	if err != nil || got != "http://127.0.0.1:4000" {
		t.Fatalf("got %q, %v", got, err)
	}

	got, err = resolveBaseURL("http://override:1/", dir)
	if err != nil || got != "http://override:1" {
		t.Fatalf("explicit url should win, got %q, %v", got, err)
	}
}

func TestPrintStructured(t *testing.T) {
	st := api.DevStatus{Status: api.StatusReady, Cursor: 3}

	var buf bytes.Buffer
	handled, err := printStructured(&buf, "yaml", st)
	if !handled || err != nil {
		t.Fatalf("yaml: handled=%v err=%v", handled, err)
	}
	if !strings.Contains(buf.String(), "status: READY") || !strings.Contains(buf.String(), "cursor: 3") {
		t.Fatalf("unexpected yaml:\n%s", buf.String())
	}

	buf.Reset()
	if handled, err := printStructured(&buf, "json", st); !handled || err != nil {
		t.Fatalf("json: handled=%v err=%v", handled, err)
	}
	var decoded api.DevStatus
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil || decoded.Status != api.StatusReady {
		t.Fatalf("json output not decodable: %v %s", err, buf.String())
	}

	if handled, _ := printStructured(&buf, "text", st); handled {
		t.Fatal("text output should be left to the caller")
	}
	if _, err := printStructured(&buf, "xml", st); err == nil {
		t.Fatal("expected an error for an unknown format")
	}
}

func TestPrintBuilds(t *testing.T) {
	var buf bytes.Buffer
	printBuilds(&buf, []api.BuildRecord{{Handle: "banner", EventType: "updated", Status: "error", Error: "line one\nline two", FinishedAt: time.Now()}})
	out := buf.String()
	if !strings.Contains(out, "EXTENSION") || !strings.Contains(out, "line one ...") || strings.Contains(out, "line two") {
		t.Fatalf("unexpected table:\n%s", out)
	}
}

func TestSendFocusDispatchesToHosts(t *testing.T) {
	store := payload.NewStore(payload.Options{ServerURL: "http://localhost", APIKey: "api-key", Fs: afero.NewMemMapFs()}, nil)
	srv := server.New(server.Options{Store: store, Fs: afero.NewMemMapFs(), Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Connections().CloseAll()

	socketURL := websocketURL(ts.URL) + "/extensions"
	host, _, err := websocket.DefaultDialer.Dial(socketURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer host.Close()
	host.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.Message
	if err := host.ReadJSON(&msg); err != nil || msg.Event != api.EventConnected {
		t.Fatalf("expected connected: %v %q", err, msg.Event)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sendFocus(ctx, socketURL, "ext-1"); err != nil {
		t.Fatalf("sendFocus: %v", err)
	}

	if err := host.ReadJSON(&msg); err != nil {
		t.Fatalf("read dispatch: %v", err)
	}
	var data api.DispatchData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Event != api.EventDispatch || data.Type != focusAction || !strings.Contains(string(data.Payload), "ext-1") {
		t.Fatalf("unexpected dispatch: %s %+v", msg.Event, data)
	}
}
