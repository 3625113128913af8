package http

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"iptv-ingest/internal/domain"
	"iptv-ingest/internal/metrics"
	"iptv-ingest/internal/service"
	"iptv-ingest/internal/storage"
)

const requestIDHeader = "X-Request-ID"

// Handler wires HTTP routes to the ingest and task services.
type Handler struct {
	ingest   service.IngestService
	tasks    service.TaskService
	archiver storage.Archiver
	metrics  *metrics.Metrics
	logger   *logrus.Logger
}

// NewHandler builds the HTTP binding. archiver and m may be nil.
func NewHandler(ingest service.IngestService, tasks service.TaskService, archiver storage.Archiver, m *metrics.Metrics, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{
		ingest:   ingest,
		tasks:    tasks,
		archiver: archiver,
		metrics:  m,
		logger:   logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(requestIDMiddleware(), h.observeMiddleware(), corsMiddleware())
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	api := router.Group("/api")
	{
		api.GET("/sources", h.listSources)
		api.POST("/sources/:name/:kind/download", h.startDownload)
		api.POST("/sources/:name/:kind/ingest", h.startIngest)
		api.POST("/ingest/:kind", h.refreshAll)
		api.GET("/tasks/:type", h.listTasks)
		api.GET("/tasks/:type/:id", h.getTask)
		api.DELETE("/tasks/:id", h.cancelTask)
		api.GET("/history", h.history)
		api.GET("/archive", h.listArchive)
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

func (h *Handler) observeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		elapsed := time.Since(start)
		h.metrics.ObserveHTTP(c.Request.Method, path, c.Writer.Status(), elapsed)
		h.logger.WithFields(logrus.Fields{
			"request_id": c.GetString("request_id"),
			"status":     c.Writer.Status(),
			"elapsed":    elapsed.Round(time.Millisecond),
		}).Debugf("%s %s", c.Request.Method, c.Request.URL.Path)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Writer.Header().Set("Access-Control-Expose-Headers", requestIDHeader)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (h *Handler) listSources(c *gin.Context) {
	sources, err := h.ingest.ListSources(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := make([]SourceResponse, len(sources))
	for i := range sources {
		resp[i] = sourceToResponse(sources[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) startDownload(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	id, err := h.ingest.CreateAndRunDownload(c.Request.Context(), c.Param("name"), kind)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": id})
}

func (h *Handler) startIngest(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	id, err := h.ingest.CreateAndRunIngest(c.Request.Context(), c.Param("name"), kind)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": id})
}

func (h *Handler) refreshAll(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	ids, err := h.ingest.RefreshAll(c.Request.Context(), kind)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusAccepted, gin.H{"task_ids": ids})
}

func (h *Handler) listTasks(c *gin.Context) {
	typ, ok := domain.ParseTaskType(c.Param("type"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task type must be download or ingest"})
		return
	}
	tasks := h.ingest.ListTasks(typ)
	resp := make([]TaskResponse, 0, len(tasks))
	for _, task := range tasks {
		resp = append(resp, taskToResponse(task))
	}
	sort.Slice(resp, func(i, j int) bool { return resp[i].StartedAt > resp[j].StartedAt })
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTask(c *gin.Context) {
	typ, ok := domain.ParseTaskType(c.Param("type"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task type must be download or ingest"})
		return
	}
	id := c.Param("id")
	if task, ok := h.ingest.GetTask(typ, id); ok {
		c.JSON(http.StatusOK, taskToResponse(task))
		return
	}
	task, err := h.tasks.Lookup(c.Request.Context(), id)
	if err != nil || task.Type != typ {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, taskToResponse(*task))
}

func (h *Handler) cancelTask(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cancelled": h.ingest.CancelTask(c.Param("id"))})
}

func (h *Handler) history(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	tasks, err := h.tasks.History(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := make([]TaskResponse, len(tasks))
	for i := range tasks {
		resp[i] = taskToResponse(tasks[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) listArchive(c *gin.Context) {
	if h.archiver == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "feed archive not configured"})
		return
	}
	objects, err := h.archiver.ListObjects(c.Request.Context(), c.Query("prefix"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

func kindParam(c *gin.Context) (domain.Kind, bool) {
	kind, err := domain.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return kind, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrSourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrKindNotConfigured):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type TaskResponse struct {
	ID              string            `json:"id"`
	Type            domain.TaskType   `json:"type"`
	Kind            domain.Kind       `json:"kind"`
	Source          string            `json:"source"`
	Status          domain.TaskStatus `json:"status"`
	CurrentItem     string            `json:"current_item,omitempty"`
	TotalItems      int               `json:"total_items"`
	CompletedItems  int               `json:"completed_items"`
	BytesDownloaded int64             `json:"bytes_downloaded"`
	TotalBytes      int64             `json:"total_bytes"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	Phase           string            `json:"phase,omitempty"`
	CurrentStep     int               `json:"current_step"`
	StepProgress    float64           `json:"step_progress"`
	OverallProgress float64           `json:"overall_progress"`
	DownloadTaskID  string            `json:"download_task_id,omitempty"`
	StartedAt       string            `json:"started_at"`
	UpdatedAt       string            `json:"updated_at"`
	CompletedAt     *string           `json:"completed_at,omitempty"`
}

func taskToResponse(task domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:              task.ID,
		Type:            task.Type,
		Kind:            task.Kind,
		Source:          task.Source,
		Status:          task.Status,
		CurrentItem:     task.CurrentItem,
		TotalItems:      task.TotalItems,
		CompletedItems:  task.CompletedItems,
		BytesDownloaded: task.BytesDownloaded,
		TotalBytes:      task.TotalBytes,
		ErrorMessage:    task.ErrorMessage,
		Phase:           task.Phase,
		CurrentStep:     int(task.CurrentStep),
		StepProgress:    task.StepProgress,
		OverallProgress: task.OverallProgress,
		DownloadTaskID:  task.DownloadTaskID,
		StartedAt:       task.StartedAt.Format(time.RFC3339Nano),
		UpdatedAt:       task.UpdatedAt.Format(time.RFC3339Nano),
	}
	if task.CompletedAt != nil {
		v := task.CompletedAt.Format(time.RFC3339Nano)
		resp.CompletedAt = &v
	}
	return resp
}

type FileResponse struct {
	RemoteURL           string  `json:"remote_url"`
	LastRefreshStarted  *string `json:"last_refresh_started,omitempty"`
	LastRefreshFinished *string `json:"last_refresh_finished,omitempty"`
	LastStatus          string  `json:"last_status,omitempty"`
	LastSizeBytes       int64   `json:"last_size_bytes"`
	LocalPath           string  `json:"local_path,omitempty"`
	TotalChannels       int     `json:"total_channels"`
	TotalPrograms       int     `json:"total_programs"`
}

type SourceResponse struct {
	Name              string                  `json:"name"`
	Enabled           bool                    `json:"enabled"`
	RefreshEveryHours int                     `json:"refresh_every_hours"`
	Timezone          string                  `json:"timezone"`
	Files             map[string]FileResponse `json:"files"`
}

func sourceToResponse(src domain.Source) SourceResponse {
	resp := SourceResponse{
		Name:              src.Name,
		Enabled:           src.Enabled,
		RefreshEveryHours: src.RefreshEveryHours,
		Timezone:          src.Timezone,
		Files:             make(map[string]FileResponse, len(src.Files)),
	}
	for kind, meta := range src.Files {
		resp.Files[string(kind)] = FileResponse{
			RemoteURL:           meta.RemoteURL,
			LastRefreshStarted:  formatTime(meta.LastRefreshStarted),
			LastRefreshFinished: formatTime(meta.LastRefreshFinished),
			LastStatus:          string(meta.LastStatus),
			LastSizeBytes:       meta.LastSizeBytes,
			LocalPath:           meta.LocalPath,
			TotalChannels:       meta.TotalRecords.Channels,
			TotalPrograms:       meta.TotalRecords.Programs,
		}
	}
	return resp
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	return StorageObjectResponse{
		Key:          obj.Key,
		Size:         obj.Size,
		LastModified: formatTime(obj.LastModified),
	}
}

func formatTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Format(time.RFC3339)
	return &v
}
