package api

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"transcriberd/internal/cookies"
	"transcriberd/internal/task"
	"transcriberd/internal/whisper"
)

type createTaskRequest struct {
	URL     string           `json:"url" binding:"required"`
	Title   string           `json:"title"`
	Site    string           `json:"site"`
	Cookies []cookies.Cookie `json:"cookies"`
}

type clearTasksRequest struct {
	IncludeDone bool `json:"includeDone"`
}

// API exposes the task engine and engine-loader state over HTTP.
type API struct {
	engine   *task.Engine
	whisper  *whisper.Service
	dataDir  string
	token    string
	shutdown func()
}

// NewAPI builds the handler set. shutdown is invoked asynchronously when
// the supervision bridge requests termination; nil disables the endpoint.
func NewAPI(engine *task.Engine, ws *whisper.Service, dataDir, token string, shutdown func()) *API {
	return &API{engine: engine, whisper: ws, dataDir: dataDir, token: token, shutdown: shutdown}
}

// RegisterRoutes registers the HTTP surface on the provided gin engine.
// Everything except the liveness probe requires the service token.
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", a.Health)

	authed := router.Group("/api", TokenAuth(a.token, a.engine.Touch))
	{
		authed.GET("/status", a.Status)
		authed.GET("/tasks", a.ListTasks)
		authed.POST("/tasks", a.CreateTask)
		authed.POST("/tasks/clear", a.ClearTasks)
		authed.GET("/tasks/stream", a.StreamTasks)
		authed.POST("/tasks/:id/cancel", a.CancelTask)
		authed.POST("/tasks/:id/retry", a.RetryTask)
		authed.DELETE("/tasks/:id", a.DeleteTask)
		authed.POST("/tasks/:id/cookies", a.SetCookies)
		authed.GET("/tasks/:id/result", a.DownloadResult)
		authed.POST("/shutdown", a.Shutdown)
	}
}

// Health is the unauthenticated liveness probe.
func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status reports transcription engine readiness.
func (a *API) Status(c *gin.Context) {
	st := a.whisper.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"modelReady":   st.Ready,
		"modelLoading": st.Loading,
		"modelCached":  st.Cached,
		"modelError":   st.Error,
	})
}

// ListTasks returns the full snapshot.
func (a *API) ListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, a.engine.Snapshot())
}

// CreateTask validates the payload, writes the optional cookie jar, and
// enqueues a new task.
func (a *API) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	id := uuid.NewString()
	cookieFilePath := ""
	if len(req.Cookies) > 0 {
		cookieFilePath = a.cookieJarPath(id)
		if err := cookies.WriteJar(cookieFilePath, req.Cookies); err != nil {
			log.Warn().Str("task_id", id).Err(err).Msg("write cookie jar failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store cookies"})
			return
		}
	}
	created, err := a.engine.Create(task.CreateRequest{
		ID:             id,
		URL:            req.URL,
		Title:          req.Title,
		Site:           req.Site,
		CookieFilePath: cookieFilePath,
	})
	if err != nil {
		if errors.Is(err, task.ErrInvalidURL) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task":     created.View(0),
		"snapshot": a.engine.Snapshot(),
	})
}

// CancelTask requests cooperative cancellation.
func (a *API) CancelTask(c *gin.Context) {
	if err := a.engine.Cancel(c.Param("id")); err != nil {
		a.renderTaskError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// RetryTask re-queues a terminal task. A sticky engine-load failure is
// cleared so the retried task triggers a fresh load attempt.
func (a *API) RetryTask(c *gin.Context) {
	if err := a.engine.Retry(c.Param("id")); err != nil {
		a.renderTaskError(c, err)
		return
	}
	a.whisper.Loader().Reset()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// DeleteTask removes a non-executing task and its artifacts.
func (a *API) DeleteTask(c *gin.Context) {
	if err := a.engine.Delete(c.Param("id")); err != nil {
		a.renderTaskError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ClearTasks drops the pending queue, optionally purging terminal tasks.
func (a *API) ClearTasks(c *gin.Context) {
	var req clearTasksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	a.engine.Clear(req.IncludeDone)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// SetCookies attaches or replaces a task's cookie jar.
func (a *API) SetCookies(c *gin.Context) {
	id := c.Param("id")
	var payload []cookies.Cookie
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if _, ok := a.engine.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": task.ErrTaskNotFound.Error()})
		return
	}
	jarPath := a.cookieJarPath(id)
	if err := cookies.WriteJar(jarPath, payload); err != nil {
		log.Warn().Str("task_id", id).Err(err).Msg("write cookie jar failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store cookies"})
		return
	}
	if err := a.engine.SetCookieFile(id, jarPath); err != nil {
		a.renderTaskError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// StreamTasks pushes the full snapshot every second until the client
// disconnects.
func (a *API) StreamTasks(c *gin.Context) {
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	c.SSEvent("message", a.engine.Snapshot())
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-ticker.C:
			c.SSEvent("message", a.engine.Snapshot())
			return true
		}
	})
}

// Shutdown asks the daemon to terminate gracefully. The response is sent
// before termination begins.
func (a *API) Shutdown(c *gin.Context) {
	if a.shutdown == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "shutdown not supported"})
		return
	}
	log.Info().Msg("shutdown requested over http")
	c.JSON(http.StatusOK, gin.H{"ok": true})
	go a.shutdown()
}

// DownloadResult serves the produced text artifact.
func (a *API) DownloadResult(c *gin.Context) {
	path, filename, err := a.engine.Result(c.Param("id"))
	if err != nil {
		a.renderTaskError(c, err)
		return
	}
	c.FileAttachment(path, filename)
}

func (a *API) cookieJarPath(taskID string) string {
	return filepath.Join(a.dataDir, "cookies-"+taskID+".txt")
}

func (a *API) renderTaskError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, task.ErrTaskRunning), errors.Is(err, task.ErrNotDone):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
