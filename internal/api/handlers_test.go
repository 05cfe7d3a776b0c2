package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"transcriberd/internal/api"
	"transcriberd/internal/task"
	"transcriberd/internal/whisper"
)

const testToken = "test-token"

type noopDownloader struct{}

func (noopDownloader) Download(context.Context, task.DownloadRequest) (string, error) {
	return "", errors.New("not used")
}

type noopTranscriber struct{}

func (noopTranscriber) Transcribe(context.Context, task.TranscribeRequest) (string, error) {
	return "", errors.New("not used")
}

// newTestServer wires a router around an engine whose worker is not
// running, so created tasks stay queued.
func newTestServer(t *testing.T) (*gin.Engine, *task.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dataDir := t.TempDir()
	store, err := task.OpenSQLiteStore(filepath.Join(dataDir, "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine := task.NewEngine(task.Options{
		DataDir:     dataDir,
		Store:       store,
		Downloader:  noopDownloader{},
		Transcriber: noopTranscriber{},
	})
	router := gin.New()
	api.NewAPI(engine, whisper.NewService(whisper.Config{}), dataDir, testToken, nil).RegisterRoutes(router)
	return router, engine, dataDir
}

func doJSON(t *testing.T, router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthUnauthenticated(t *testing.T) {
	router, _, _ := newTestServer(t)
	rec := doJSON(t, router, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d, want 200", rec.Code)
	}
}

func TestTokenAuth(t *testing.T) {
	router, _, _ := newTestServer(t)

	if rec := doJSON(t, router, http.MethodGet, "/api/tasks", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token = %d, want 401", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodGet, "/api/tasks", "wrong", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d, want 401", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodGet, "/api/tasks", testToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("bearer token = %d, want 200", rec.Code)
	}

	// the token query parameter is accepted too
	req := httptest.NewRequest(http.MethodGet, "/api/tasks?token="+testToken, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("query token = %d, want 200", rec.Code)
	}
}

func TestStatusReportsModelState(t *testing.T) {
	router, _, _ := newTestServer(t)
	rec := doJSON(t, router, http.MethodGet, "/api/status", testToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status       string `json:"status"`
		ModelReady   bool   `json:"modelReady"`
		ModelLoading bool   `json:"modelLoading"`
		ModelCached  bool   `json:"modelCached"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.ModelReady || body.ModelLoading || body.ModelCached {
		t.Fatalf("unexpected status body: %+v", body)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	router, _, _ := newTestServer(t)
	if rec := doJSON(t, router, http.MethodPost, "/api/tasks", testToken, map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing url = %d, want 400", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodPost, "/api/tasks", testToken, map[string]any{"url": "notaurl"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid url = %d, want 400", rec.Code)
	}
}

func TestCreateTaskAndList(t *testing.T) {
	router, _, _ := newTestServer(t)
	rec := doJSON(t, router, http.MethodPost, "/api/tasks", testToken, map[string]any{
		"url":   "https://example.com/watch?v=1",
		"title": "A Talk",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create = %d, body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Task     task.View     `json:"task"`
		Snapshot task.Snapshot `json:"snapshot"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Task.Status != task.StatusQueued || created.Task.Title != "A Talk" {
		t.Fatalf("unexpected task: %+v", created.Task)
	}
	if len(created.Snapshot.Tasks) != 1 {
		t.Fatalf("snapshot missing task: %+v", created.Snapshot)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/tasks", testToken, nil)
	var snapshot task.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(snapshot.Tasks) != 1 || snapshot.Tasks[0].QueuePosition != 1 {
		t.Fatalf("unexpected listing: %+v", snapshot)
	}
}

func TestCreateTaskWritesCookieJar(t *testing.T) {
	router, engine, dataDir := newTestServer(t)
	rec := doJSON(t, router, http.MethodPost, "/api/tasks", testToken, map[string]any{
		"url": "https://example.com/watch?v=2",
		"cookies": []map[string]any{
			{"name": "session", "value": "abc", "domain": "example.com"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create = %d, body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Task task.View `json:"task"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := engine.Get(created.Task.ID)
	if !ok || got.CookieFilePath == "" {
		t.Fatalf("cookie jar not attached: %+v", got)
	}
	if filepath.Dir(got.CookieFilePath) != dataDir {
		t.Fatalf("jar outside data dir: %s", got.CookieFilePath)
	}
}

func TestTaskOperationErrors(t *testing.T) {
	router, _, _ := newTestServer(t)
	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodPost, "/api/tasks/missing/cancel"},
		{http.MethodPost, "/api/tasks/missing/retry"},
		{http.MethodDelete, "/api/tasks/missing"},
		{http.MethodGet, "/api/tasks/missing/result"},
	} {
		if rec := doJSON(t, router, tc.method, tc.path, testToken, nil); rec.Code != http.StatusNotFound {
			t.Fatalf("%s %s = %d, want 404", tc.method, tc.path, rec.Code)
		}
	}
}

func TestResultConflictWhenNotDone(t *testing.T) {
	router, engine, _ := newTestServer(t)
	created, err := engine.Create(task.CreateRequest{URL: "https://example.com/v"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec := doJSON(t, router, http.MethodGet, "/api/tasks/"+created.ID+"/result", testToken, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("result on queued = %d, want 409", rec.Code)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	router, engine, _ := newTestServer(t)
	created, err := engine.Create(task.CreateRequest{URL: "https://example.com/v"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec := doJSON(t, router, http.MethodPost, "/api/tasks/"+created.ID+"/cancel", testToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d, want 200", rec.Code)
	}
	got, _ := engine.Get(created.ID)
	if got.Status != task.StatusCanceled {
		t.Fatalf("expected canceled, got %s", got.Status)
	}
}

func TestClearTasks(t *testing.T) {
	router, engine, _ := newTestServer(t)
	created, err := engine.Create(task.CreateRequest{URL: "https://example.com/v"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec := doJSON(t, router, http.MethodPost, "/api/tasks/clear", testToken, map[string]any{"includeDone": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("clear = %d, want 200", rec.Code)
	}
	got, _ := engine.Get(created.ID)
	if got.Status != task.StatusCanceled {
		t.Fatalf("expected canceled after clear, got %s", got.Status)
	}
}

func TestShutdownEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dataDir := t.TempDir()
	store, err := task.OpenSQLiteStore(filepath.Join(dataDir, "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	engine := task.NewEngine(task.Options{
		DataDir:     dataDir,
		Store:       store,
		Downloader:  noopDownloader{},
		Transcriber: noopTranscriber{},
	})

	requested := make(chan struct{})
	router := gin.New()
	api.NewAPI(engine, whisper.NewService(whisper.Config{}), dataDir, testToken, func() {
		close(requested)
	}).RegisterRoutes(router)

	rec := doJSON(t, router, http.MethodPost, "/api/shutdown", testToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("shutdown = %d, want 200", rec.Code)
	}
	select {
	case <-requested:
	case <-time.After(time.Second):
		t.Fatalf("shutdown hook not invoked")
	}
}

func TestShutdownEndpointDisabled(t *testing.T) {
	router, _, _ := newTestServer(t)
	rec := doJSON(t, router, http.MethodPost, "/api/shutdown", testToken, nil)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("disabled shutdown = %d, want 501", rec.Code)
	}
}

func TestSetCookiesForExistingTask(t *testing.T) {
	router, engine, _ := newTestServer(t)
	created, err := engine.Create(task.CreateRequest{URL: "https://example.com/v"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	payload := []map[string]any{{"name": "a", "value": "b", "domain": "example.com"}}
	rec := doJSON(t, router, http.MethodPost, "/api/tasks/"+created.ID+"/cookies", testToken, payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("set cookies = %d, body %s", rec.Code, rec.Body.String())
	}
	got, _ := engine.Get(created.ID)
	if got.CookieFilePath == "" {
		t.Fatalf("cookie jar not attached")
	}

	rec = doJSON(t, router, http.MethodPost, "/api/tasks/missing/cookies", testToken, payload)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("set cookies on missing task = %d, want 404", rec.Code)
	}
}
