// Package config resolves dev server settings from flags, environment and an optional
// extdev.yaml in the app directory.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/extdev/extdev/internal/api"
	"github.com/extdev/extdev/internal/store"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by extdev.
const EnvPrefix = "EXTDEV"

// Config file looked up in the app directory.
const FileName = "extdev"

// Viper keys.
const (
	KeyApp                = "app"
	KeyHost               = "host"
	KeyPort               = "port"
	KeyPublicURL          = "public_url"
	KeyExtensionsPath     = "extensions_path"
	KeyDebounce           = "debounce"
	KeyStatusWait         = "status_wait"
	KeyLogRetention       = "log_retention"
	KeyManifestVersion    = "manifest_version"
	KeyBuildRoot          = "build_root"
	KeyBuildCommand       = "build_command"
	KeyEnvironment        = "environment"
	KeyMaxConcurrency     = "max_concurrency"
	KeyAPIKey             = "api_key"
	KeyAppID              = "app_id"
	KeyStore              = "store"
	KeyDBType             = "db_type"
	KeyDBPath             = "db_path"
	KeyDBConnectionString = "db_connection_string"
	KeyLogLevel           = "log_level"
)

// Config is the resolved configuration of a dev session.
type Config struct {
	AppDir string

	Host           string
	Port           int
	PublicURL      string
	ExtensionsPath string

	Debounce        time.Duration
	StatusWait      time.Duration
	LogRetention    int
	ManifestVersion string

	BuildRoot      string
	BuildCommand   string
	Environment    string
	MaxConcurrency int

	APIKey    string
	AppID     string
	StoreFQDN string

	DB store.Config

	LogLevel string
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyApp, ".")
	v.SetDefault(KeyHost, "127.0.0.1")
	v.SetDefault(KeyPort, 0)
	v.SetDefault(KeyExtensionsPath, "/extensions")
	v.SetDefault(KeyDebounce, 200*time.Millisecond)
	v.SetDefault(KeyStatusWait, 5*time.Second)
	v.SetDefault(KeyLogRetention, 200)
	v.SetDefault(KeyManifestVersion, api.ManifestVersion)
	v.SetDefault(KeyEnvironment, "development")
	v.SetDefault(KeyMaxConcurrency, 4)
	v.SetDefault(KeyDBType, store.TypeSQLite)
	v.SetDefault(KeyLogLevel, "info")
}

// Load reads the optional config file of the app directory into v, applies defaults and
// validates the result.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)

	appDir, err := filepath.Abs(v.GetString(KeyApp))
	if err != nil {
		return Config{}, fmt.Errorf("invalid app directory: %w", err)
	}

	v.SetConfigName(FileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(appDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := Config{
		AppDir:          appDir,
		Host:            v.GetString(KeyHost),
		Port:            v.GetInt(KeyPort),
		PublicURL:       strings.TrimRight(v.GetString(KeyPublicURL), "/"),
		ExtensionsPath:  "/" + strings.Trim(v.GetString(KeyExtensionsPath), "/"),
		Debounce:        v.GetDuration(KeyDebounce),
		StatusWait:      v.GetDuration(KeyStatusWait),
		LogRetention:    v.GetInt(KeyLogRetention),
		ManifestVersion: v.GetString(KeyManifestVersion),
		BuildRoot:       v.GetString(KeyBuildRoot),
		BuildCommand:    v.GetString(KeyBuildCommand),
		Environment:     v.GetString(KeyEnvironment),
		MaxConcurrency:  v.GetInt(KeyMaxConcurrency),
		APIKey:          v.GetString(KeyAPIKey),
		AppID:           v.GetString(KeyAppID),
		StoreFQDN:       v.GetString(KeyStore),
		DB: store.Config{
			Type:             strings.ToLower(v.GetString(KeyDBType)),
			Path:             v.GetString(KeyDBPath),
			ConnectionString: v.GetString(KeyDBConnectionString),
		},
		LogLevel: strings.ToLower(v.GetString(KeyLogLevel)),
	}

	if cfg.BuildRoot == "" {
		cfg.BuildRoot = filepath.Join(appDir, ".shopify", "dev-bundle")
	} else if !filepath.IsAbs(cfg.BuildRoot) {
		cfg.BuildRoot = filepath.Join(appDir, cfg.BuildRoot)
	}
	if cfg.DB.Path == "" {
		cfg.DB.Path = filepath.Join(appDir, ".shopify", "extdev.db")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that every setting is usable.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.ExtensionsPath == "/" {
		errs = append(errs, errors.New("extensions path must not be the root path"))
	}
	if c.Debounce < 0 {
		errs = append(errs, errors.New("debounce must not be negative"))
	}
	if c.StatusWait <= 0 {
		errs = append(errs, errors.New("status wait must be positive"))
	}
	if c.LogRetention <= 0 {
		errs = append(errs, errors.New("log retention must be positive"))
	}
	if c.ManifestVersion == "" {
		errs = append(errs, errors.New("manifest version is required"))
	}
	if c.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("max concurrency must be positive"))
	}
	switch c.DB.Type {
	case store.TypeSQLite:
	case store.TypePostgres:
		if c.DB.ConnectionString == "" {
			errs = append(errs, errors.New("db connection string is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", store.ErrUnsupportedDriver, c.DB.Type))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ServerURL is the base url clients use to reach the server listening on port.
func (c Config) ServerURL(port int) string {
	if c.PublicURL != "" {
		return c.PublicURL
	}
	return fmt.Sprintf("http://%s:%d", c.Host, port)
}

// WebsocketURL is the url of the sync protocol endpoint.
func (c Config) WebsocketURL(port int) string {
	base := c.ServerURL(port)
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + c.ExtensionsPath
}
