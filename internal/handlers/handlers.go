package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/example/bg-remover/internal/auth"
	"github.com/example/bg-remover/internal/imagefile"
	"github.com/example/bg-remover/internal/repository"
	"github.com/example/bg-remover/internal/session"
	"github.com/example/bg-remover/internal/workflow"
)

// MaxUploadSize is the default limit for a selected image.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and headers around the file.
const multipartOverhead = 1 << 20

// History exposes recorded actions. It is optional.
type History interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]repository.ActionLog, error)
	Summarize(ctx context.Context, userID string) ([]repository.ActionSummary, error)
}

type api struct {
	sessions  *session.Manager
	history   History
	maxUpload int64
}

// RegisterRoutes wires the HTTP handlers to the Gin router. history may be nil.
func RegisterRoutes(router *gin.Engine, sessions *session.Manager, history History, authMiddleware gin.HandlerFunc, maxUpload int64) {
	if maxUpload <= 0 {
		maxUpload = MaxUploadSize
	}
	a := &api{sessions: sessions, history: history, maxUpload: maxUpload}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/", authMiddleware)
	protected.POST("/sessions", a.createSession)
	protected.GET("/sessions/:id", a.withSession(a.getState))
	protected.DELETE("/sessions/:id", a.deleteSession)
	protected.POST("/sessions/:id/image", a.withSession(a.selectImage))
	protected.POST("/sessions/:id/upload", a.withSession(a.upload))
	protected.POST("/sessions/:id/process", a.withSession(a.process))
	protected.POST("/sessions/:id/download", a.withSession(a.download))
	protected.GET("/sessions/:id/status", a.withSession(a.remoteStatus))
	protected.GET("/history", a.listHistory)
	protected.GET("/history/summary", a.summarizeHistory)
}

func (a *api) createSession(c *gin.Context) {
	userID, _ := auth.GetUserID(c.Request.Context())
	ctrl := a.sessions.Create(userID)
	c.JSON(http.StatusCreated, ctrl.State())
}

func (a *api) deleteSession(c *gin.Context) {
	userID, _ := auth.GetUserID(c.Request.Context())
	if err := a.sessions.Delete(userID, c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) withSession(fn func(*gin.Context, *workflow.Controller)) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, _ := auth.GetUserID(c.Request.Context())
		ctrl, err := a.sessions.Get(userID, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		fn(c, ctrl)
	}
}

func (a *api) getState(c *gin.Context, ctrl *workflow.Controller) {
	c.JSON(http.StatusOK, ctrl.State())
}

func (a *api) selectImage(c *gin.Context, ctrl *workflow.Controller) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.maxUpload+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if file.Size > a.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	img, err := imagefile.Read(file.Filename, src, a.maxUpload)
	switch {
	case errors.Is(err, imagefile.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	case errors.Is(err, imagefile.ErrNotImage):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error(), "kind": workflow.KindValidation})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": workflow.KindValidation})
		return
	}

	if _, err := ctrl.SelectImage(img); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, ctrl.State())
}

func (a *api) upload(c *gin.Context, ctrl *workflow.Controller) {
	if err := ctrl.Upload(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ctrl.State())
}

func (a *api) process(c *gin.Context, ctrl *workflow.Controller) {
	if err := ctrl.Process(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ctrl.State())
}

func (a *api) download(c *gin.Context, ctrl *workflow.Controller) {
	location, err := ctrl.Download(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": location != "", "path": location})
}

func (a *api) remoteStatus(c *gin.Context, ctrl *workflow.Controller) {
	status, err := ctrl.Status(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":                status.ID,
		"filename":          status.Filename,
		"original_filename": status.OriginalFilename,
		"processed":         status.Processed,
		"upload_date":       status.UploadDate,
	})
}

func (a *api) listHistory(c *gin.Context) {
	if a.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history is not enabled"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}

	userID, _ := auth.GetUserID(c.Request.Context())
	logs, err := a.history.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	items := make([]gin.H, 0, len(logs))
	for _, log := range logs {
		items = append(items, gin.H{
			"request_id":          log.RequestID,
			"session_id":          log.SessionID,
			"action":              log.Action,
			"image_id":            log.ImageID,
			"processed_reference": log.ProcessedReference,
			"success":             log.Success,
			"error":               log.Error,
			"duration_ms":         log.DurationMs,
			"created_at":          log.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (a *api) summarizeHistory(c *gin.Context) {
	if a.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history is not enabled"})
		return
	}
	userID, _ := auth.GetUserID(c.Request.Context())
	summary, err := a.history.Summarize(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": summary})
}

func writeError(c *gin.Context, err error) {
	kind := workflow.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case workflow.KindValidation:
		status = http.StatusBadRequest
	case workflow.KindPrecondition, workflow.KindConcurrentOperation:
		status = http.StatusConflict
	case workflow.KindRemote:
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}
