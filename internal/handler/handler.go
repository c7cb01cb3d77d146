// Package handler exposes the HTTP trigger surface used when the uploader
// runs as a long-lived service instead of a one-shot job.
package handler

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/maximilianredt/eforms-conversion-uploader/internal/domain"
)

// RunFunc executes one full upload pass and returns its summary.
type RunFunc func(ctx context.Context) (*domain.RunSummary, error)

// Pinger checks reachability of the backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type Handler struct {
	run    RunFunc
	pinger Pinger
	router *gin.Engine
	log    *zap.Logger

	// runMu serializes passes within this process. Concurrent triggers are
	// rejected rather than queued; the scheduler fires at most once per
	// interval and a rejected trigger simply retries later.
	runMu sync.Mutex
}

func NewHandler(run RunFunc, pinger Pinger, log *zap.Logger) *Handler {
	h := &Handler{
		run:    run,
		pinger: pinger,
		router: gin.Default(),
		log:    log,
	}

	h.registerRoutes()

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.router.GET("/healthz", h.healthCheck)
	h.router.POST("/run", h.triggerRun)
}

func (h *Handler) healthCheck(c *gin.Context) {
	if err := h.pinger.Ping(c.Request.Context()); err != nil {
		h.log.Warn("Health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "unhealthy",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// triggerRun executes one pass synchronously and responds with the run
// summary. A second trigger while a pass is in flight gets 409.
func (h *Handler) triggerRun(c *gin.Context) {
	if !h.runMu.TryLock() {
		h.log.Warn("Run trigger rejected, another run is in progress")
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "run_in_progress",
			Message: "another run is already in progress",
		})
		return
	}
	defer h.runMu.Unlock()

	summary, err := h.run(c.Request.Context())
	if err != nil {
		h.log.Error("Run failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "run_failed",
			Message: err.Error(),
		})
		return
	}

	h.log.Info("Run triggered via HTTP completed",
		zap.String("run_id", summary.RunID),
		zap.Int("failed", summary.TotalFailed()))

	c.JSON(http.StatusOK, summary)
}
