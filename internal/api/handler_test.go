package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/cloud-render/internal/jobs"
	"github.com/yourusername/cloud-render/internal/logging"
	"github.com/yourusername/cloud-render/internal/render"
	"github.com/yourusername/cloud-render/internal/storage"
)

const tenSecondProject = `<?xml version="1.0" encoding="utf-8"?>
<mlt LC_NUMERIC="C" version="7.22.0">
  <profile frame_rate_num="30000" frame_rate_den="1000" width="1920" height="1080"/>
  <tractor id="tractor0" in="00:00:00.000" out="00:00:10.000"/>
</mlt>`

type testServer struct {
	router  *gin.Engine
	store   *storage.Local
	manager *jobs.Manager
	gate    string
}

// fakeEngine は途中の成果物と進捗を1行出力し、gate ファイルが作られるまで待ってから成果物を書き上げる。
// 作業ディレクトリに fail がある場合は途中まで書き出して異常終了する。
func fakeEngine(t *testing.T, dir, gate string) string {
	t.Helper()
	script := fmt.Sprintf(`#!/bin/sh
out="${4#avformat:}"
if [ -f fail ]; then
  echo "Current Position: 10"
  printf 'half' > "$out"
  exit 1
fi
printf 'partial' > "$out"
echo "Current Position: 150"
while [ ! -f %q ]; do sleep 0.05; done
printf 'rendered' > "$out"
`, gate)
	path := filepath.Join(dir, "fake-melt")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestServer(t *testing.T, maxUpload int64) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	root := t.TempDir()
	binDir := t.TempDir()
	gate := filepath.Join(binDir, "gate")

	store := storage.NewLocal(root)
	require.NoError(t, store.Init())

	logger := logging.Discard()
	supervisor := render.NewSupervisor(fakeEngine(t, binDir, gate), render.WithLogger(logger))
	manager, err := jobs.NewManager(store, supervisor, jobs.WithManagerLogger(logger))
	require.NoError(t, err)
	manager.StartWorkers(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	router := gin.New()
	NewHandler(store, manager, Options{
		MaxUploadBytes: maxUpload,
		PublicBaseURL:  "http://render.example/",
		Version:        "test",
		Logger:         logger,
	}).Register(router, nil)

	return &testServer{router: router, store: store, manager: manager, gate: gate}
}

func (s *testServer) release(t *testing.T) {
	t.Helper()
	require.NoError(t, os.WriteFile(s.gate, nil, 0o644))
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) upload(t *testing.T, body []byte) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(body))
	req.Header.Set("X-Filename", "project.zip")
	w := s.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp["status"])
	assert.Equal(t, "project.zip", resp["filename"])
	id, _ := resp["unique_id"].(string)
	require.True(t, storage.ValidJobID(id), "unexpected id %q", id)
	assert.Equal(t, "http://render.example/download/"+id, resp["download_url"])
	return id
}

func (s *testServer) status(t *testing.T, id string) (int, map[string]any) {
	t.Helper()
	w := s.do(httptest.NewRequest(http.MethodGet, "/status/"+id, nil))
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func (s *testServer) waitFor(t *testing.T, id string, cond func(map[string]any) bool) map[string]any {
	t.Helper()
	var last map[string]any
	require.Eventually(t, func() bool {
		_, last = s.status(t, id)
		return cond(last)
	}, 5*time.Second, 10*time.Millisecond, "last status: %v", last)
	return last
}

func (s *testServer) list(t *testing.T) []map[string]any {
	t.Helper()
	w := s.do(httptest.NewRequest(http.MethodGet, "/list", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var items []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	return items
}

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func projectArchive(t *testing.T) []byte {
	return buildArchive(t, map[string]string{
		"cloud_rendering.mlt": tenSecondProject,
		"data/clip.mp4":       "media",
	})
}

func TestUploadRenderAndDownload(t *testing.T) {
	s := newTestServer(t, 0)
	id := s.upload(t, projectArchive(t))

	mid := s.waitFor(t, id, func(st map[string]any) bool {
		return st["status"] == "processing" && st["current"] == float64(150)
	})
	assert.Equal(t, float64(300), mid["total"])
	assert.Equal(t, float64(50), mid["progress"])
	assert.Equal(t, true, mid["total_estimated"])
	assert.NotContains(t, mid, "download_url")

	w := s.do(httptest.NewRequest(http.MethodGet, "/download/"+id, nil))
	assert.Equal(t, http.StatusNotFound, w.Code, "artifact is not available before completion")
	assert.Empty(t, s.list(t), "rendering jobs are not listed")

	s.release(t)
	done := s.waitFor(t, id, func(st map[string]any) bool { return st["status"] == "completed" })
	assert.Equal(t, float64(100), done["progress"])
	assert.Equal(t, float64(300), done["current"])
	assert.Equal(t, float64(300), done["total"])
	assert.Equal(t, "http://render.example/download/"+id, done["download_url"])

	w = s.do(httptest.NewRequest(http.MethodGet, "/download/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rendered", w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, id, w.Header().Get("X-Job-Id"))
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Disposition"), `attachment; filename="`+id+`.`))
	assert.NotEmpty(t, w.Header().Get("Content-Type"))

	items := s.list(t)
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0]["unique_id"])
	assert.Equal(t, float64(len("rendered")), items[0]["size"])
}

func TestFailedRenderPublishesNoArtifact(t *testing.T) {
	s := newTestServer(t, 0)
	id := s.upload(t, buildArchive(t, map[string]string{
		"cloud_rendering.mlt": tenSecondProject,
		"fail":                "",
	}))

	st := s.waitFor(t, id, func(st map[string]any) bool { return st["status"] == "error" })
	assert.NotContains(t, st, "download_url")

	w := s.do(httptest.NewRequest(http.MethodGet, "/download/"+id, nil))
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
	assert.Empty(t, s.list(t))
	assert.NoFileExists(t, s.store.OutputPath(id))
}

func TestMissingProjectBecomesError(t *testing.T) {
	s := newTestServer(t, 0)
	id := s.upload(t, buildArchive(t, map[string]string{"data/clip.mp4": "media"}))

	st := s.waitFor(t, id, func(st map[string]any) bool { return st["status"] == "error" })
	assert.Equal(t, float64(0), st["current"])
	assert.Equal(t, float64(1), st["total"])
	assert.NotEmpty(t, st["error"])

	w := s.do(httptest.NewRequest(http.MethodGet, "/download/"+id, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueuePositionWhileBusy(t *testing.T) {
	s := newTestServer(t, 0)
	first := s.upload(t, projectArchive(t))
	s.waitFor(t, first, func(st map[string]any) bool { return st["status"] == "processing" })

	second := s.upload(t, projectArchive(t))
	third := s.upload(t, projectArchive(t))

	_, st := s.status(t, second)
	assert.Equal(t, "queued", st["status"])
	assert.Equal(t, float64(0), st["queue"])
	_, st = s.status(t, third)
	assert.Equal(t, "queued", st["status"])
	assert.Equal(t, float64(1), st["queue"])
	_, st = s.status(t, first)
	assert.NotContains(t, st, "queue")

	w := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, float64(2), health["queued"])
	assert.Equal(t, float64(1), health["processing"])

	s.release(t)
	for _, id := range []string{first, second, third} {
		s.waitFor(t, id, func(st map[string]any) bool { return st["status"] == "completed" })
	}
}

func TestStatusUnknownID(t *testing.T) {
	s := newTestServer(t, 0)
	for _, id := range []string{"0123456789abcdef0123456789abcdef", "not-an-id", "ABCDEF0123456789abcdef0123456789"} {
		code, st := s.status(t, id)
		assert.Equal(t, http.StatusNotFound, code, id)
		assert.Equal(t, "unknown", st["status"], id)
	}
}

func TestUploadTooLarge(t *testing.T) {
	s := newTestServer(t, 16)
	body := bytes.Repeat([]byte("x"), 64)

	w := s.do(httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(body)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/upload", io.NopCloser(bytes.NewReader(body)))
	req.ContentLength = -1
	w = s.do(req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	entries, err := os.ReadDir(s.store.Root())
	require.NoError(t, err)
	assert.Empty(t, entries, "no archive is left behind")
	queued, processing := s.manager.Stats()
	assert.Zero(t, queued)
	assert.Zero(t, processing)
}

type failingArchives struct {
	putErr  error
	removed []string
}

func (a *failingArchives) Put(context.Context, string, io.Reader) (string, int64, error) {
	return "", 0, a.putErr
}
func (a *failingArchives) Remove(id string) error {
	a.removed = append(a.removed, id)
	return nil
}
func (a *failingArchives) ArtifactPath(string) (string, error) { return "", storage.ErrNotFound }
func (a *failingArchives) List() ([]storage.Artifact, error) {
	return nil, fmt.Errorf("ストレージの列挙に失敗しました: %w", fs.ErrPermission)
}

type recordingJobs struct {
	submitted []string
	submitErr error
}

func (j *recordingJobs) Submit(_ context.Context, id, _ string) (jobs.Job, error) {
	j.submitted = append(j.submitted, id)
	return jobs.Job{ID: id}, j.submitErr
}
func (j *recordingJobs) Lookup(context.Context, string) (*jobs.Snapshot, bool, error) {
	return nil, false, nil
}
func (j *recordingJobs) Stats() (int, int) { return 0, 0 }

func newStubRouter(archives Archives, js Jobs) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(archives, js, Options{Logger: logging.Discard()}).Register(r, nil)
	return r
}

func TestUploadStorageErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"permission", fmt.Errorf("アーカイブファイルの作成に失敗しました: %w", fs.ErrPermission), http.StatusForbidden},
		{"io", fmt.Errorf("アーカイブの書き込みに失敗しました: %w", io.ErrShortWrite), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			js := &recordingJobs{}
			r := newStubRouter(&failingArchives{putErr: tc.err}, js)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("zip")))

			assert.Equal(t, tc.want, w.Code)
			var resp map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, "error", resp["status"])
			assert.Empty(t, js.submitted, "failed uploads are never enqueued")
		})
	}
}

func TestUploadSubmitFailureRemovesArchive(t *testing.T) {
	archives := &failingArchives{}
	js := &recordingJobs{submitErr: jobs.ErrQueueClosed}
	r := newStubRouter(archives, js)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("zip")))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Len(t, js.submitted, 1)
	assert.Equal(t, js.submitted, archives.removed)
}

func TestListEnumerationFailure(t *testing.T) {
	r := newStubRouter(&failingArchives{}, &recordingJobs{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/list", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"":                 "data.zip",
		"  ":               "data.zip",
		"project.zip":      "project.zip",
		"../../etc/passwd": "passwd",
		`C:\work\a.zip`:    "a.zip",
		"..":               "data.zip",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeFilename(in), in)
	}
}
