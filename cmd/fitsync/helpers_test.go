package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"fitsync/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// backendDouble records REST calls and answers with a settable status
type backendDouble struct {
	*httptest.Server
	status atomic.Int32

	mu    sync.Mutex
	calls []string
}

func newBackend(t *testing.T, status int) *backendDouble {
	t.Helper()
	b := &backendDouble{}
	b.status.Store(int32(status))
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		if r.URL.Path == "/rest/v1/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		b.mu.Lock()
		b.calls = append(b.calls, r.Method+" "+r.URL.RequestURI())
		b.mu.Unlock()
		w.WriteHeader(int(b.status.Load()))
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *backendDouble) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// writeTestConfig writes a JSON config pointing at a fresh queue file
func writeTestConfig(t *testing.T, backendURL string, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fitsync.json")
	content := fmt.Sprintf(`{
  "database": {"path": %q},
  "backend": {"base_url": %q, "api_key": "anon-key", "timeoutSec": 2},
  "sync": {"deliveryTimeoutSec": 2 %s},
  "log_level": "error"
}`, filepath.Join(dir, "queue.db"), backendURL, extra)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// newTestServer wires a full agent against backend; the connectivity monitor
// is not started so the host stays offline until a test says otherwise
func newTestServer(t *testing.T, backend *backendDouble, extra string) (*Server, *app) {
	t.Helper()
	return newTestServerFromConfig(t, writeTestConfig(t, backend.URL, extra))
}

func newTestServerFromConfig(t *testing.T, cfgPath string) (*Server, *app) {
	t.Helper()
	cfg, err := config.LoadConfig(cfgPath)
	require.NoError(t, err)

	a, err := newApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	return NewServer(cfg, a, quietLogger(), false), a
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

// runCLI executes the command tree and returns stdout
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}
