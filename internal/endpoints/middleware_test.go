package endpoints

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aperio/internal/job"
)

func TestAuthRequired(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("no password disables auth", func(t *testing.T) {
		deps := newTestDeps(t)
		r := newTestRouter(deps)

		w := doJSON(r, "GET", "/jobs", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("missing credentials are rejected", func(t *testing.T) {
		deps := newTestDeps(t)
		deps.AuthPassword = "hunter2"
		r := newTestRouter(deps)

		w := doJSON(r, "GET", "/jobs", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")
	})

	t.Run("wrong password is rejected", func(t *testing.T) {
		deps := newTestDeps(t)
		deps.AuthPassword = "hunter2"
		r := newTestRouter(deps)

		req, _ := http.NewRequest("GET", "/jobs", nil)
		req.SetBasicAuth("anyone", "wrong")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("correct password passes", func(t *testing.T) {
		deps := newTestDeps(t)
		deps.AuthPassword = "hunter2"
		r := newTestRouter(deps)

		req, _ := http.NewRequest("GET", "/jobs", nil)
		req.SetBasicAuth("anyone", "hunter2")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("bare password token passes", func(t *testing.T) {
		deps := newTestDeps(t)
		deps.AuthPassword = "hunter2"
		r := newTestRouter(deps)

		// Clients may send base64(password) with no username or colon.
		req, _ := http.NewRequest("GET", "/jobs", nil)
		req.Header.Set("Authorization",
			"Basic "+base64.StdEncoding.EncodeToString([]byte("hunter2")))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("bare wrong password is rejected", func(t *testing.T) {
		deps := newTestDeps(t)
		deps.AuthPassword = "hunter2"
		r := newTestRouter(deps)

		req, _ := http.NewRequest("GET", "/jobs", nil)
		req.Header.Set("Authorization",
			"Basic "+base64.StdEncoding.EncodeToString([]byte("wrong")))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("malformed token is rejected", func(t *testing.T) {
		deps := newTestDeps(t)
		deps.AuthPassword = "hunter2"
		r := newTestRouter(deps)

		req, _ := http.NewRequest("GET", "/jobs", nil)
		req.Header.Set("Authorization", "Basic not*base64*")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("liveness stays open", func(t *testing.T) {
		deps := newTestDeps(t)
		deps.AuthPassword = "hunter2"
		r := newTestRouter(deps)

		for _, path := range []string{"/health", "/health/live"} {
			w := doJSON(r, "GET", path, nil)
			assert.Equal(t, http.StatusOK, w.Code, path)
		}
	})
}

func TestRequestIDHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	deps := newTestDeps(t)
	r := newTestRouter(deps)

	t.Run("mints an id", func(t *testing.T) {
		w := doJSON(r, "GET", "/health", nil)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	})

	t.Run("echoes a supplied id", func(t *testing.T) {
		req, _ := http.NewRequest("GET", "/health", nil)
		req.Header.Set("X-Request-ID", "trace-123")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, "trace-123", w.Header().Get("X-Request-ID"))
	})
}

func TestSecurityHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	deps := newTestDeps(t)
	r := newTestRouter(deps)

	w := doJSON(r, "GET", "/health", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("Content-Security-Policy"))
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("allowed origin", func(t *testing.T) {
		deps := newTestDeps(t)
		deps.CORSOrigins = []string{"https://app.example.com"}
		r := newTestRouter(deps)

		req, _ := http.NewRequest("GET", "/health", nil)
		req.Header.Set("Origin", "https://app.example.com")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("unlisted origin gets no CORS headers", func(t *testing.T) {
		deps := newTestDeps(t)
		deps.CORSOrigins = []string{"https://app.example.com"}
		r := newTestRouter(deps)

		req, _ := http.NewRequest("GET", "/health", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestHandleVideo(t *testing.T) {
	gin.SetMode(gin.TestMode)
	deps := newTestDeps(t)
	r := newTestRouter(deps)
	ctx := t.Context()

	t.Run("serves a completed job", func(t *testing.T) {
		path := filepath.Join(deps.Files.WorkingDir(), "vid_processed.mp4")
		require.NoError(t, os.WriteFile(path, []byte("mp4data"), 0o644))

		j := job.New("https://youtu.be/vid")
		require.NoError(t, deps.Store.Create(ctx, j))
		j.SetProcessedPath(path)
		j.UpdateStatus(job.StatusCompleted)
		require.NoError(t, deps.Store.Update(ctx, j))

		w := doJSON(r, "GET", "/video/"+j.ID, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Content-Disposition"), "video_"+j.ID+".mp4")
		assert.Equal(t, "mp4data", w.Body.String())
	})

	t.Run("incomplete job is 400", func(t *testing.T) {
		j := job.New("https://youtu.be/pending")
		require.NoError(t, deps.Store.Create(ctx, j))

		w := doJSON(r, "GET", "/video/"+j.ID, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing file is 404", func(t *testing.T) {
		j := job.New("https://youtu.be/missing")
		require.NoError(t, deps.Store.Create(ctx, j))
		j.SetProcessedPath(filepath.Join(deps.Files.WorkingDir(), "gone.mp4"))
		j.UpdateStatus(job.StatusCompleted)
		require.NoError(t, deps.Store.Update(ctx, j))

		w := doJSON(r, "GET", "/video/"+j.ID, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestMonitoringEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	deps := newTestDeps(t)
	r := newTestRouter(deps)

	t.Run("health reports component checks", func(t *testing.T) {
		w := doJSON(r, "GET", "/health", nil)
		assert.Equal(t, http.StatusOK, w.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "healthy", body["status"])
		assert.NotEmpty(t, body["version"])
		assert.Contains(t, body, "uptime_seconds")

		checks, ok := body["checks"].(map[string]any)
		require.True(t, ok)
		assert.Contains(t, checks, "database")
		assert.Contains(t, checks, "disk_space")
		assert.Contains(t, checks, "dependencies")
	})

	t.Run("missing tool degrades health but serves 200", func(t *testing.T) {
		degraded := newTestDeps(t)
		degraded.DownloadCommand = "aperio-no-such-tool"
		dr := newTestRouter(degraded)

		w := doJSON(dr, "GET", "/health", nil)
		assert.Equal(t, http.StatusOK, w.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "degraded", body["status"])
	})

	t.Run("database failure makes health 500", func(t *testing.T) {
		broken := newTestDeps(t)
		br := newTestRouter(broken)
		require.NoError(t, broken.Store.Close())

		w := doJSON(br, "GET", "/health", nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "unhealthy", body["status"])

		w = doJSON(br, "GET", "/health/ready", nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)

		// The detailed view always serves 200 with the verdict in the body.
		w = doJSON(br, "GET", "/health/detailed", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "unhealthy", body["status"])
	})

	t.Run("detailed health", func(t *testing.T) {
		w := doJSON(r, "GET", "/health/detailed", nil)
		assert.Equal(t, http.StatusOK, w.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "healthy", body["status"])
		assert.Contains(t, body, "checks")
	})

	t.Run("readiness", func(t *testing.T) {
		w := doJSON(r, "GET", "/health/ready", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("metrics snapshot records history", func(t *testing.T) {
		w := doJSON(r, "GET", "/metrics", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, deps.History.Items(), 1)

		w = doJSON(r, "GET", "/metrics/history", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "snapshots")
	})

	t.Run("prometheus exposition", func(t *testing.T) {
		w := doJSON(r, "GET", "/metrics/prometheus", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
