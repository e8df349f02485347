package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"vhm24-loyalty/pkg/config"
	"vhm24-loyalty/pkg/health"
	"vhm24-loyalty/pkg/middleware"
)

var Module = fx.Module("httpapi",
	health.Module,
	fx.Provide(NewEngine),
)

// NewEngine builds the gin engine shared by every HTTP handler: recovery,
// request ids, error rendering, health probes and /metrics.
func NewEngine(cfg *config.Config, h health.HealthService) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.Error())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/health/liveness", h.Liveness)
	r.GET("/health/readiness", h.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
