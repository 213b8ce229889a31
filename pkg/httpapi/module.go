package httpapi

import (
	"net/http"
	"time"

	"permit-engine/pkg/config"
	"permit-engine/pkg/health"
	"permit-engine/pkg/middleware"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("httpapi",
	health.Module,
	fx.Provide(NewEngine),
)

type EngineParams struct {
	fx.In
	Config *config.Config
	Health health.HealthService
}

// NewEngine builds the gin engine with the shared middleware chain and the
// operational endpoints. Domain routes are registered on top of it.
func NewEngine(p EngineParams) *gin.Engine {
	if p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), accessLog())
	if len(p.Config.Server.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     p.Config.Server.CORSOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	r.Use(middleware.Error())

	r.GET("/healthz", p.Health.Liveness)
	r.GET("/readyz", p.Health.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return
		}
		zap.L().Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
