package app

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadReadsAppAndExtensions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, AppConfigFileName), `
client_id = "api-key"
name = "My app"
`)
	writeFile(t, filepath.Join(dir, "extensions", "discount", ExtensionConfigFileName), `
api_version = "2024-07"
type = "function"
handle = "discount"
uid = "ext-1"
input_query = "run.graphql"
`)
	writeFile(t, filepath.Join(dir, "extensions", "checkout", ExtensionConfigFileName), `
api_version = "2024-07"

[[extensions]]
type = "ui_extension"
handle = "banner"
name = "Banner"

  [[extensions.targeting]]
  target = "purchase.checkout.block.render"
  module = "./src/Banner.jsx"

[[extensions]]
type = "ui_extension"
handle = "awning"
`)
	writeFile(t, filepath.Join(dir, "extensions", "not-an-extension", "README.md"), "hi")

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ClientID != "api-key" || loaded.Name != "My app" {
		t.Fatalf("unexpected app identity: %+v", loaded)
	}
	if len(loaded.Extensions) != 3 {
		t.Fatalf("expected 3 extensions, got %d", len(loaded.Extensions))
	}

	got := map[string]Extension{}
	for _, ext := range loaded.Extensions {
		got[ext.Handle] = ext
	}

	banner := got["banner"]
	if banner.EntrySourceFile != "src/Banner.jsx" {
		t.Fatalf("banner entry = %q", banner.EntrySourceFile)
	}
	if !banner.HasTarget("purchase.checkout.block.render") || banner.HasTarget("admin.product-details.block.render") {
		t.Fatalf("unexpected banner targets: %v", banner.Targets)
	}
	if banner.APIVersion != "2024-07" {
		t.Fatalf("banner should inherit shared api_version, got %q", banner.APIVersion)
	}
	if got["awning"].Name != "awning" {
		t.Fatalf("name should default to handle, got %q", got["awning"].Name)
	}

	discount := got["discount"]
	if !discount.IsFunction() {
		t.Fatal("discount should be a function")
	}
	if discount.Config["input_query"] != "run.graphql" {
		t.Fatalf("config sub-fields not kept: %+v", discount.Config)
	}
	if _, ok := discount.Config["handle"]; ok {
		t.Fatal("identity keys must not leak into Config")
	}
}

func TestLoadMissingAppConfig(t *testing.T) {
	_, err := Load(t.TempDir())
	if !errors.Is(err, ErrAppConfigNotFound) {
		t.Fatalf("expected ErrAppConfigNotFound, got %v", err)
	}
}

func TestLoadRejectsDuplicateExtensions(t *testing.T) {
	tests := []struct {
		name   string
		second string
	}{
		{name: "uid", second: "handle = \"other\"\nuid = \"shared\"\n"},
		{name: "handle", second: "handle = \"banner\"\nuid = \"other\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, AppConfigFileName), `client_id = "k"`)
			writeFile(t, filepath.Join(dir, "extensions", "a", ExtensionConfigFileName), "handle = \"banner\"\nuid = \"shared\"\n")
			writeFile(t, filepath.Join(dir, "extensions", "b", ExtensionConfigFileName), tt.second)

			if _, err := Load(dir); !errors.Is(err, ErrDuplicateExtension) {
				t.Fatalf("expected ErrDuplicateExtension, got %v", err)
			}
		})
	}
}

func TestLoadExtensionsRejectsDuplicateHandleInOneFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ExtensionConfigFileName), `
[[extensions]]
handle = "banner"
uid = "one"

[[extensions]]
handle = "banner"
uid = "two"
`)
	if _, err := LoadExtensions(dir); !errors.Is(err, ErrDuplicateExtension) {
		t.Fatalf("expected ErrDuplicateExtension, got %v", err)
	}
}

func TestDevUUIDIsStableAcrossReloads(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, AppConfigFileName), `client_id = "k"`)
	writeFile(t, filepath.Join(dir, "extensions", "a", ExtensionConfigFileName), `handle = "a"
type = "ui_extension"`)

	first, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	second, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if first.Extensions[0].PayloadUUID() != second.Extensions[0].PayloadUUID() {
		t.Fatal("payload uuid changed across reloads")
	}
	if first.Extensions[0].PayloadUUID() == "" {
		t.Fatal("payload uuid must not be empty")
	}
}

func TestPayloadUUIDPrefersRemote(t *testing.T) {
	ext := Extension{UID: "ext-1", DevUUID: DevUUIDFor("ext-1")}
	if ext.PayloadUUID() != ext.DevUUID {
		t.Fatalf("expected dev uuid before registration")
	}
	ext.RemoteUUID = "remote-uuid"
	if ext.PayloadUUID() != "remote-uuid" {
		t.Fatalf("expected remote uuid after registration")
	}
}

func TestExtensionDirectoryFor(t *testing.T) {
	a := &App{
		Directory: "/app",
		Extensions: []Extension{
			{Handle: "a", Directory: "/app/extensions/a"},
			{Handle: "ab", Directory: "/app/extensions/ab"},
		},
	}

	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"/app/extensions/a/src/index.js", "/app/extensions/a", true},
		{"/app/extensions/ab/index.js", "/app/extensions/ab", true},
		{"/app/shopify.app.toml", "", false},
		{"/elsewhere/file.js", "", false},
	}
	for _, tt := range tests {
		got, ok := a.ExtensionDirectoryFor(tt.path)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ExtensionDirectoryFor(%q) = %q, %v; want %q, %v", tt.path, got, ok, tt.want, tt.ok)
		}
	}
}

func TestExtensionRoots(t *testing.T) {
	a := &App{Directory: "/app", ExtensionDirectories: []string{"extensions/*", "more"}}
	roots := a.ExtensionRoots()
	if len(roots) != 2 || roots[0] != "/app/extensions" || roots[1] != "/app/more" {
		t.Fatalf("unexpected roots: %v", roots)
	}
}
