package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"streamvault/internal/domain"
	"streamvault/internal/downloader"
	"streamvault/internal/events"
	"streamvault/internal/repository"
	"streamvault/internal/service"
)

// Handler wires HTTP routes to the download manager.
type Handler struct {
	manager   downloader.Manager
	events    *events.Broadcaster
	jwtSecret []byte
}

// NewHandler builds the API handler. An empty jwtSecret disables authentication.
func NewHandler(manager downloader.Manager, broadcaster *events.Broadcaster, jwtSecret string) *Handler {
	h := &Handler{
		manager: manager,
		events:  broadcaster,
	}
	if secret := strings.TrimSpace(jwtSecret); secret != "" {
		h.jwtSecret = []byte(secret)
	}
	return h
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	api.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
	})

	protected := api.Group("")
	protected.Use(h.authMiddleware())
	{
		protected.POST("/downloads", h.enqueue)
		protected.GET("/downloads", h.listDownloads)
		protected.GET("/downloads/events", h.streamEvents)
		protected.GET("/downloads/:id", h.getDownload)
		protected.POST("/downloads/:id/cancel", h.cancelDownload)
		protected.POST("/downloads/:id/retry", h.retryDownload)
		protected.DELETE("/downloads/:id", h.removeDownload)
		protected.DELETE("/media/:media_id/downloads", h.removeMediaDownloads)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// authMiddleware requires an HS256 bearer token when a secret is configured.
func (h *Handler) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(h.jwtSecret) == 0 {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(tokenString) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		token, err := jwt.Parse(strings.TrimSpace(tokenString), func(t *jwt.Token) (any, error) {
			return h.jwtSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if sub, err := token.Claims.GetSubject(); err == nil && sub != "" {
			c.Set("subject", sub)
		}
		c.Next()
	}
}

type metadataPayload struct {
	Title     string `json:"title"`
	MediaKind string `json:"media_kind"`
	PosterURL string `json:"poster_url"`
	Season    *int   `json:"season,omitempty"`
	Episode   *int   `json:"episode,omitempty"`
}

type enqueueRequest struct {
	StreamURL string          `json:"stream_url" binding:"required"`
	FileName  string          `json:"file_name"`
	MediaID   string          `json:"media_id" binding:"required"`
	EpisodeID *string         `json:"episode_id"`
	Metadata  metadataPayload `json:"metadata"`
}

func (h *Handler) enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.manager.Enqueue(c.Request.Context(), domain.EnqueueRequest{
		StreamURL: req.StreamURL,
		FileName:  req.FileName,
		MediaID:   req.MediaID,
		EpisodeID: req.EpisodeID,
		Metadata: domain.Metadata{
			Title:     req.Metadata.Title,
			MediaKind: req.Metadata.MediaKind,
			PosterURL: req.Metadata.PosterURL,
			Season:    req.Metadata.Season,
			Episode:   req.Metadata.Episode,
		},
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, taskToResponse(*task))
}

func (h *Handler) listDownloads(c *gin.Context) {
	tasks, err := h.manager.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	mediaID := c.Query("media_id")
	resp := make([]TaskResponse, 0, len(tasks))
	for i := range tasks {
		if mediaID != "" && tasks[i].MediaID != mediaID {
			continue
		}
		resp = append(resp, taskToResponse(tasks[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getDownload(c *gin.Context) {
	task, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(*task))
}

func (h *Handler) cancelDownload(c *gin.Context) {
	id := c.Param("id")
	if err := h.manager.Cancel(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cancelled": id})
}

func (h *Handler) retryDownload(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	if err := h.manager.Retry(ctx, id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"retried": id})
}

func (h *Handler) removeDownload(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	if err := h.manager.Remove(ctx, id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (h *Handler) removeMediaDownloads(c *gin.Context) {
	mediaID := c.Param("media_id")
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Minute)
	defer cancel()
	if err := h.manager.RemoveForMedia(ctx, mediaID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted_media": mediaID})
}

// streamEvents sends a "changed" server-sent event whenever downloads change.
func (h *Handler) streamEvents(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "change notifications not configured"})
		return
	}
	changes, unsubscribe := h.events.Subscribe()
	defer unsubscribe()

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.SSEvent("ready", gin.H{})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case _, ok := <-changes:
			if !ok {
				return false
			}
			c.SSEvent("changed", gin.H{})
			return true
		}
	})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, downloader.ErrJobRunning), errors.Is(err, downloader.ErrNotRetryable):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type MetadataResponse struct {
	Title     string `json:"title"`
	MediaKind string `json:"media_kind"`
	PosterURL string `json:"poster_url"`
	Season    *int   `json:"season,omitempty"`
	Episode   *int   `json:"episode,omitempty"`
}

type TaskResponse struct {
	ID              string            `json:"id"`
	StreamURL       string            `json:"stream_url"`
	FileName        string            `json:"file_name"`
	MediaID         string            `json:"media_id"`
	EpisodeID       *string           `json:"episode_id,omitempty"`
	Metadata        MetadataResponse  `json:"metadata"`
	Status          domain.TaskStatus `json:"status"`
	Progress        float64           `json:"progress"`
	BytesWritten    int64             `json:"bytes_written"`
	TotalBytes      *int64            `json:"total_bytes,omitempty"`
	DestinationPath *string           `json:"destination_path,omitempty"`
	ErrorMessage    *string           `json:"error_message,omitempty"`
	CreatedAt       string            `json:"created_at"`
	UpdatedAt       string            `json:"updated_at"`
}

func taskToResponse(task domain.Task) TaskResponse {
	return TaskResponse{
		ID:        task.ID,
		StreamURL: task.StreamURL,
		FileName:  task.FileName,
		MediaID:   task.MediaID,
		EpisodeID: task.EpisodeID,
		Metadata: MetadataResponse{
			Title:     task.Metadata.Title,
			MediaKind: task.Metadata.MediaKind,
			PosterURL: task.Metadata.PosterURL,
			Season:    task.Metadata.Season,
			Episode:   task.Metadata.Episode,
		},
		Status:          task.Status,
		Progress:        task.Progress,
		BytesWritten:    task.BytesWritten,
		TotalBytes:      task.TotalBytes,
		DestinationPath: task.DestinationPath,
		ErrorMessage:    task.ErrorMessage,
		CreatedAt:       task.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       task.UpdatedAt.Format(time.RFC3339),
	}
}
