package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/extdev/extdev/internal/api"
	"github.com/extdev/extdev/internal/config"
	"github.com/extdev/extdev/internal/lockfile"
	"github.com/goccy/go-yaml"
	"github.com/spf13/viper"
)

// APIClient handles communication with a running dev server
type APIClient struct {
	BaseURL string
	Client  *http.Client
}

// NewClient creates a client for the dev server given by --url, or by the session
// lockfile of the app directory.
func NewClient() (*APIClient, error) {
	base, err := resolveBaseURL(viper.GetString("url"), viper.GetString(config.KeyApp))
	if err != nil {
		return nil, err
	}
	return &APIClient{
		BaseURL: base,
		Client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}, nil
}

func resolveBaseURL(explicit, dir string) (string, error) {
	if explicit != "" {
		return strings.TrimRight(explicit, "/"), nil
	}
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	session, err := lockfile.Read(abs)
	if errors.Is(err, lockfile.ErrNotFound) {
		return "", fmt.Errorf("no running dev session found in %s; start one with `extdev serve` or pass --url", abs)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimRight(session.URL, "/"), nil
}

// Get performs a GET request
func (c *APIClient) Get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return c.Client.Do(req)
}

// GetJSON performs a GET request and decodes a successful response into out.
func (c *APIClient) GetJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := c.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("error requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := CheckResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

// CheckResponse checks the API response for errors
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)
	var apiResp api.APIResponse
	if err := json.Unmarshal(body, &apiResp); err == nil && apiResp.Message != "" {
		return fmt.Errorf("API Error (%d): %s", resp.StatusCode, apiResp.Message)
	}

	return fmt.Errorf("API Error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// printStructured prints data as JSON or YAML. It returns false for the text format.
func printStructured(w io.Writer, format string, data interface{}) (bool, error) {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return true, encoder.Encode(data)
	case "yaml":
		// Round trip through JSON so the yaml keys follow the json tags.
		raw, err := json.Marshal(data)
		if err != nil {
			return true, err
		}
		out, err := yaml.JSONToYAML(raw)
		if err != nil {
			return true, err
		}
		_, err = w.Write(out)
		return true, err
	case "text", "":
		return false, nil
	default:
		return true, fmt.Errorf("unknown output format %q", format)
	}
}
