package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// HTTPConfig configures a plain HTTP artifact server. The server is
// expected to accept PUT and serve GET/HEAD under
// <base>/<point>/<fingerprint>/<artifact>, and answer
// <base>/<point>/?list=1 with a JSON array of fingerprints.
type HTTPConfig struct {
	BaseURL  string
	TokenEnv string
	Timeout  time.Duration
}

// HTTP is the net/http backed backend.
type HTTP struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTP validates the base URL and resolves the optional bearer token
// from the environment.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("http backend: base_url is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("http backend: invalid base_url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	h := &HTTP{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
	if cfg.TokenEnv != "" {
		h.token = os.Getenv(cfg.TokenEnv)
		if h.token == "" {
			return nil, fmt.Errorf("http backend: token missing from environment (%s)", cfg.TokenEnv)
		}
	}
	return h, nil
}

func (h *HTTP) url(pointID, fingerprint, name string) string {
	return h.base + "/" + url.PathEscape(pointID) + "/" + url.PathEscape(fingerprint) + "/" + url.PathEscape(name)
}

func (h *HTTP) do(req *http.Request) (*http.Response, error) {
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	return resp, nil
}

// Probe issues a HEAD for the manifest.
func (h *HTTP) Probe(ctx context.Context, pointID, fingerprint string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.url(pointID, fingerprint, ManifestName), nil)
	if err != nil {
		return false, err
	}
	resp, err := h.do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 500:
		return false, Transient(fmt.Errorf("probe: server returned %s", resp.Status))
	}
	return false, fmt.Errorf("probe: server returned %s", resp.Status)
}

// Download GETs one artifact into destPath.
func (h *HTTP) Download(ctx context.Context, pointID, fingerprint, name, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url(pointID, fingerprint, name), nil)
	if err != nil {
		return err
	}
	resp, err := h.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("downloading %s: %w", name, ErrNotFound)
	case resp.StatusCode >= 500:
		return Transient(fmt.Errorf("downloading %s: server returned %s", name, resp.Status))
	default:
		return fmt.Errorf("downloading %s: server returned %s", name, resp.Status)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", name, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return Transient(fmt.Errorf("downloading %s: %w", name, err))
	}
	return nil
}

// Upload PUTs one artifact from srcPath.
func (h *HTTP) Upload(ctx context.Context, pointID, fingerprint, name, srcPath string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", name, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("uploading %s: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.url(pointID, fingerprint, name), f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := h.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return Transient(fmt.Errorf("uploading %s: server returned %s", name, resp.Status))
	}
	return fmt.Errorf("uploading %s: server returned %s", name, resp.Status)
}

// List fetches the fingerprint listing for a point.
func (h *HTTP) List(ctx context.Context, pointID string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+"/"+url.PathEscape(pointID)+"/?list=1", nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode >= 500:
		return nil, Transient(fmt.Errorf("listing %s: server returned %s", pointID, resp.Status))
	default:
		return nil, fmt.Errorf("listing %s: server returned %s", pointID, resp.Status)
	}

	var fingerprints []string
	if err := json.NewDecoder(resp.Body).Decode(&fingerprints); err != nil {
		return nil, fmt.Errorf("listing %s: decoding response: %w", pointID, err)
	}
	return fingerprints, nil
}
