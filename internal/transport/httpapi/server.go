package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/processor"
	"github.com/Guizzs26/go-offline-sync/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler exposes the batch processor and the materializer over HTTP
type Handler struct {
	batches      *processor.BatchProcessor
	materializer *processor.Materializer
	auth         *TokenAuth
	logger       *slog.Logger
}

func NewHandler(batches *processor.BatchProcessor, materializer *processor.Materializer, auth *TokenAuth, logger *slog.Logger) *Handler {
	return &Handler{
		batches:      batches,
		materializer: materializer,
		auth:         auth,
		logger:       logger.With("component", "httpapi"),
	}
}

// Router builds the gin engine with every route mounted
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.logger))

	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1/sync", AuthMiddleware(h.auth))
	v1.POST("/push", h.Push)
	v1.GET("/pull", h.Pull)

	return r
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.HealthResponse{Status: "ok"}))
}

// Push applies a batch under the caller's scope
func (h *Handler) Push(c *gin.Context) {
	var req httpdto.PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid request", "INVALID_REQUEST"))
		return
	}
	if len(req.Events) > processor.MaxBatchSize {
		c.JSON(http.StatusRequestEntityTooLarge, httpdto.NewErrorResponse("batch too large", "BATCH_TOO_LARGE"))
		return
	}

	scope := c.GetString(scopeKeyContext)
	results, err := h.batches.ProcessBatch(c.Request.Context(), req.Events, processor.StaticScope(scope))
	if err != nil {
		if errors.Is(err, processor.ErrBatchTooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, httpdto.NewErrorResponse("batch too large", "BATCH_TOO_LARGE"))
			return
		}
		h.logger.Error("Push failed", "scope", scope, "error", err)
		c.JSON(http.StatusInternalServerError, httpdto.NewErrorResponse("internal error", "INTERNAL"))
		return
	}

	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.PushResponse{Results: results}))
}

// Pull serves the page after ?cursor= (0 or absent for the first page)
func (h *Handler) Pull(c *gin.Context) {
	var cursor int64
	if raw := c.Query("cursor"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid cursor", "INVALID_CURSOR"))
			return
		}
		cursor = v
	}

	scope := c.GetString(scopeKeyContext)
	page, err := h.materializer.Pull(c.Request.Context(), scope, cursor)
	if err != nil {
		h.logger.Error("Pull failed", "scope", scope, "cursor", cursor, "error", err)
		c.JSON(http.StatusInternalServerError, httpdto.NewErrorResponse("internal error", "INTERNAL"))
		return
	}

	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(page))
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
