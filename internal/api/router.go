package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// NewRouter mounts the handler under /api/v1 with request logging and
// panic recovery.
func NewRouter(h *Handler, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(requestLogger(logger), gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "foreman"})
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/runs", h.StartRun)
		v1.GET("/runs", h.ListRuns)
		v1.GET("/runs/:id", h.GetRun)
		v1.DELETE("/runs/:id", h.DeleteRun)
		v1.POST("/runs/:id/resume", h.ResumeRun)
		v1.GET("/runs/:id/events", h.RunEvents)

		v1.POST("/claims", h.Claim)
		v1.POST("/steps/:id/complete", h.CompleteStep)
		v1.POST("/steps/:id/fail", h.FailStep)

		v1.GET("/stale", h.StaleRuns)
		v1.POST("/stale/fail", h.FailStaleRuns)
	}
	return router
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("request failed", attrs...)
			return
		}
		logger.Debug("request", attrs...)
	}
}
