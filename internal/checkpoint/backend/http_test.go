package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// artifactServer is a minimal in-memory implementation of the HTTP
// backend contract.
type artifactServer struct {
	mu      sync.Mutex
	objects map[string][]byte // "<point>/<fp>/<name>"
	token   string
	fail5xx bool
}

func (a *artifactServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token != "" && r.Header.Get("Authorization") != "Bearer "+a.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if a.fail5xx {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}

		key := strings.Trim(r.URL.Path, "/")
		a.mu.Lock()
		defer a.mu.Unlock()

		if r.URL.Query().Get("list") == "1" {
			seen := map[string]bool{}
			var fps []string
			for k := range a.objects {
				if strings.HasPrefix(k, key+"/") {
					fp := strings.Split(strings.TrimPrefix(k, key+"/"), "/")[0]
					if !seen[fp] {
						seen[fp] = true
						fps = append(fps, fp)
					}
				}
			}
			_ = json.NewEncoder(w).Encode(fps)
			return
		}

		switch r.Method {
		case http.MethodPut:
			data, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if a.objects == nil {
				a.objects = map[string][]byte{}
			}
			a.objects[key] = data
			w.WriteHeader(http.StatusCreated)
		case http.MethodHead, http.MethodGet:
			data, ok := a.objects[key]
			if !ok {
				http.NotFound(w, r)
				return
			}
			if r.Method == http.MethodGet {
				_, _ = w.Write(data)
			}
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func newHTTPBackend(t *testing.T, srv *artifactServer) (*HTTP, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)
	h, err := NewHTTP(HTTPConfig{BaseURL: ts.URL})
	require.NoError(t, err)
	return h, ts
}

func TestHTTPRoundTrip(t *testing.T) {
	h, _ := newHTTPBackend(t, &artifactServer{})
	ctx := context.Background()
	dir := t.TempDir()

	src := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(src, []byte(`{"id":"base"}`), 0o644))

	ok, err := h.Probe(ctx, "base", "abc123")
	require.NoError(t, err)
	assert.False(t, ok, "empty server has nothing")

	require.NoError(t, h.Upload(ctx, "base", "abc123", ManifestName, src))

	ok, err = h.Probe(ctx, "base", "abc123")
	require.NoError(t, err)
	assert.True(t, ok)

	dest := filepath.Join(dir, "fetched.json")
	require.NoError(t, h.Download(ctx, "base", "abc123", ManifestName, dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"base"}`, string(data))

	fps, err := h.List(ctx, "base")
	require.NoError(t, err)
	assert.Equal(t, []string{"abc123"}, fps)
}

func TestHTTPDownloadNotFound(t *testing.T) {
	h, _ := newHTTPBackend(t, &artifactServer{})
	err := h.Download(context.Background(), "base", "nope", PayloadName, filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPServerErrorsAreTransient(t *testing.T) {
	h, _ := newHTTPBackend(t, &artifactServer{fail5xx: true})
	ctx := context.Background()

	_, err := h.Probe(ctx, "base", "fp")
	assert.True(t, IsTransient(err))

	src := filepath.Join(t.TempDir(), "payload.tar")
	require.NoError(t, os.WriteFile(src, []byte("tar"), 0o644))
	err = h.Upload(ctx, "base", "fp", PayloadName, src)
	assert.True(t, IsTransient(err))
}

func TestHTTPBearerToken(t *testing.T) {
	srv := &artifactServer{token: "sekrit"}
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)

	t.Setenv("FORGE_HTTP_TOKEN", "sekrit")
	h, err := NewHTTP(HTTPConfig{BaseURL: ts.URL, TokenEnv: "FORGE_HTTP_TOKEN"})
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "m.json")
	require.NoError(t, os.WriteFile(src, []byte("{}"), 0o644))
	assert.NoError(t, h.Upload(context.Background(), "p", "fp", ManifestName, src))

	t.Run("missing token env fails construction", func(t *testing.T) {
		_, err := NewHTTP(HTTPConfig{BaseURL: ts.URL, TokenEnv: "FORGE_NO_SUCH_TOKEN"})
		assert.ErrorContains(t, err, "token missing from environment")
	})
}

func TestNewHTTPValidation(t *testing.T) {
	_, err := NewHTTP(HTTPConfig{})
	assert.ErrorContains(t, err, "base_url is required")
	_, err = NewHTTP(HTTPConfig{BaseURL: "ftp://x"})
	assert.ErrorContains(t, err, "invalid base_url")
}
