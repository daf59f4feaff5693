package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/coral-monitor/internal/auth"
	"github.com/example/coral-monitor/internal/selection"
	"github.com/example/coral-monitor/internal/session"
	"github.com/example/coral-monitor/internal/usecase"
)

// DefaultMaxUploadSize bounds a single upload request when Options leaves
// MaxUploadBytes unset.
const DefaultMaxUploadSize = 32 << 20

const noSelectionMessage = "Please select at least one image from the list."

// Options configures the review routes.
type Options struct {
	JWTSecret      string
	TokenTTL       time.Duration
	MaxUploadBytes int64
	Logger         *zap.Logger
}

type selectionBody struct {
	Names     []string `json:"names"`
	SelectAll *bool    `json:"select_all"`
}

func (b selectionBody) request() selection.Request {
	selectAll := true
	if b.SelectAll != nil {
		selectAll = *b.SelectAll
	}
	return selection.Request{Names: b.Names, SelectAll: selectAll}
}

type api struct {
	uc   *usecase.ReviewUseCase
	opts Options
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.ReviewUseCase, opts Options) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadSize
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 12 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	a := &api{uc: uc, opts: opts}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/stats", a.stats)
	router.POST("/sessions", a.createSession)

	s := router.Group("/sessions/:id", auth.SessionMiddleware(opts.JWTSecret))
	s.DELETE("", a.deleteSession)
	s.POST("/images", a.upload)
	s.GET("/images", a.listImages)
	s.GET("/images/:name", a.original)
	s.GET("/images/:name/preview", a.previewImage)
	s.GET("/images/:name/overlay", a.overlay)
	s.GET("/images/:name/secondary", a.secondary)
	s.GET("/images/:name/result", a.result)
	s.POST("/selection", a.selection)
	s.POST("/preview", a.preview)
	s.POST("/run", a.run)
	s.GET("/run", a.latestRun)
	s.GET("/runs/:run_id", a.runLogs)
}

func (a *api) createSession(c *gin.Context) {
	sess := a.uc.CreateSession()
	token, expires, err := auth.IssueSessionToken(a.opts.JWTSecret, sess.ID, a.opts.TokenTTL)
	if err != nil {
		_ = a.uc.CloseSession(c.Request.Context(), sess.ID)
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id": sess.ID,
		"token":      token,
		"expires_at": expires.UTC(),
	})
}

func (a *api) deleteSession(c *gin.Context) {
	if err := a.uc.CloseSession(c.Request.Context(), c.Param("id")); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) upload(c *gin.Context) {
	if c.Request.ContentLength > a.opts.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.opts.MaxUploadBytes)

	form, err := c.MultipartForm()
	if err != nil {
		if isTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form with images is required"})
		return
	}
	headers := form.File["images"]
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one image file is required"})
		return
	}

	files := make([]usecase.Upload, 0, len(headers))
	for _, fh := range headers {
		name := filepath.Base(fh.Filename)
		if name == "" || name == "." || name == string(filepath.Separator) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file name is required"})
			return
		}
		src, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		data, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}
		files = append(files, usecase.Upload{Name: name, Data: data})
	}

	result, err := a.uc.UploadImages(c.Request.Context(), c.Param("id"), files)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *api) listImages(c *gin.Context) {
	images, err := a.uc.ListImages(c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, images)
}

func (a *api) original(c *gin.Context) {
	data, err := a.uc.Original(c.Param("id"), c.Param("name"))
	if err != nil {
		a.fail(c, err)
		return
	}
	writeImage(c, data)
}

func (a *api) previewImage(c *gin.Context) {
	data, src, err := a.uc.PreviewImage(c.Param("id"), c.Param("name"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.Header("X-Preview-Source", string(src))
	writeImage(c, data)
}

func (a *api) overlay(c *gin.Context) {
	artifact, err := a.uc.Artifact(c.Param("id"), c.Param("name"))
	if err != nil {
		a.fail(c, err)
		return
	}
	writeImage(c, artifact.Primary)
}

func (a *api) secondary(c *gin.Context) {
	name := c.Param("name")
	artifact, err := a.uc.Artifact(c.Param("id"), name)
	if err != nil {
		a.fail(c, err)
		return
	}
	if !artifact.HasSecondary() {
		c.JSON(http.StatusNotFound, gin.H{"error": "secondary image not available"})
		return
	}
	writeImage(c, artifact.Secondary)
}

func (a *api) result(c *gin.Context) {
	name := c.Param("name")
	artifact, err := a.uc.Artifact(c.Param("id"), name)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":          name,
		"results":       artifact.Metadata,
		"has_secondary": artifact.HasSecondary(),
	})
}

func (a *api) selection(c *gin.Context) {
	body, ok := bindSelection(c)
	if !ok {
		return
	}
	names, err := a.uc.Select(c.Param("id"), body.request())
	if err != nil {
		a.fail(c, err)
		return
	}
	resp := gin.H{"selected": names}
	if len(names) == 0 {
		resp["message"] = noSelectionMessage
	}
	c.JSON(http.StatusOK, resp)
}

func (a *api) preview(c *gin.Context) {
	body, ok := bindSelection(c)
	if !ok {
		return
	}
	id := c.Param("id")
	items, err := a.uc.Preview(id, body.request())
	if err != nil {
		a.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(items))
	for _, it := range items {
		out = append(out, gin.H{
			"name":   it.Name,
			"source": it.Source,
			"url":    fmt.Sprintf("/sessions/%s/images/%s/preview", id, url.PathEscape(it.Name)),
		})
	}
	resp := gin.H{"items": out}
	if len(items) == 0 {
		resp["message"] = noSelectionMessage
	}
	c.JSON(http.StatusOK, resp)
}

func (a *api) run(c *gin.Context) {
	body, ok := bindSelection(c)
	if !ok {
		return
	}
	id := c.Param("id")
	names, err := a.uc.Select(id, body.request())
	if err != nil {
		a.fail(c, err)
		return
	}
	if len(names) == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "no_selection", "message": noSelectionMessage})
		return
	}

	if c.Query("stream") == "true" {
		a.runStream(c, id, names)
		return
	}

	summary, err := a.uc.RunBatch(c.Request.Context(), id, names, nil)
	if err != nil {
		var runErr *usecase.RunError
		if errors.As(err, &runErr) {
			c.JSON(http.StatusBadGateway, runFailure(summary, runErr))
			return
		}
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "done",
		"run_id":    summary.RunID,
		"processed": len(summary.Progress),
		"progress":  summary.Progress,
	})
}

func (a *api) runStream(c *gin.Context, id string, names []string) {
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	summary, err := a.uc.RunBatch(c.Request.Context(), id, names, func(p usecase.Progress) {
		c.SSEvent("progress", p)
		c.Writer.Flush()
	})
	if err != nil {
		var runErr *usecase.RunError
		if errors.As(err, &runErr) {
			c.SSEvent("error", runFailure(summary, runErr))
		} else {
			c.SSEvent("error", gin.H{"error": err.Error()})
		}
		c.Writer.Flush()
		return
	}
	c.SSEvent("done", gin.H{"run_id": summary.RunID, "processed": len(summary.Progress)})
	c.Writer.Flush()
}

func (a *api) latestRun(c *gin.Context) {
	status, err := a.uc.LatestRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (a *api) runLogs(c *gin.Context) {
	logs, err := a.uc.RunLogs(c.Request.Context(), c.Param("id"), c.Param("run_id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": c.Param("run_id"), "items": logs})
}

func (a *api) stats(c *gin.Context) {
	summary, err := a.uc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// fail maps use case errors onto HTTP statuses.
func (a *api) fail(c *gin.Context, err error) {
	var (
		notFound    *session.NotFoundError
		unsupported *usecase.UnsupportedImageError
	)
	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": notFound.Error()})
	case errors.Is(err, usecase.ErrNoRun):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &unsupported):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": unsupported.Error()})
	case errors.Is(err, usecase.ErrEmptySelection):
		c.JSON(http.StatusOK, gin.H{"status": "no_selection", "message": noSelectionMessage})
	case errors.Is(err, usecase.ErrHistoryDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		a.opts.Logger.Error("request failed",
			zap.Error(err),
			zap.String("path", c.FullPath()),
			zap.String("session_id", c.Param("id")),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func bindSelection(c *gin.Context) (selectionBody, bool) {
	var body selectionBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid selection body"})
		return body, false
	}
	return body, true
}

func runFailure(summary *usecase.RunSummary, runErr *usecase.RunError) gin.H {
	resp := gin.H{
		"status":      "failed",
		"error":       runErr.Err.Error(),
		"failed_name": runErr.Name,
		"index":       runErr.Index,
		"total":       runErr.Total,
	}
	if summary != nil {
		resp["run_id"] = summary.RunID
		resp["progress"] = summary.Progress
	}
	return resp
}

func writeImage(c *gin.Context, data []byte) {
	c.Data(http.StatusOK, mimetype.Detect(data).String(), data)
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}
