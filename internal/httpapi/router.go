// Package httpapi exposes the edition engine over HTTP with gin.
package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RouterConfig carries the dependencies of [NewRouter].
type RouterConfig struct {
	Handler *Handler
	// CORSOrigins are the admin UI origins allowed to call the API. CORS is
	// disabled when empty.
	CORSOrigins []string
	// ServiceName names the server spans. Tracing middleware is installed
	// only when it is set.
	ServiceName string
	Logger      *slog.Logger
}

// NewRouter builds the gin engine with recovery, request logging, tracing
// and CORS middleware in front of the edition routes.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.CustomRecovery(recoverJSON(cfg.Logger)))
	r.Use(requestLog(cfg.Logger))
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/healthz", cfg.Handler.Health)

	api := r.Group("/api/editions")
	{
		api.POST("/sync", cfg.Handler.Sync)
		api.GET("/products/:productId", cfg.Handler.Product)
		api.GET("/runs", cfg.Handler.Runs)
	}

	return r
}

// recoverJSON turns a handler panic into the standard 500 error body.
func recoverJSON(logger *slog.Logger) gin.RecoveryFunc {
	return func(c *gin.Context, recovered any) {
		logger.Error("handler panicked", "path", c.Request.URL.Path, "panic", recovered)
		fail(c, http.StatusInternalServerError, fmt.Errorf("internal error: %v", recovered))
	}
}

func requestLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
