package health

import (
	"context"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/vault-client-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("health", fx.Provide(ProvideHealth))

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

type Dependency struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Health struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Deps    []Dependency `json:"deps,omitempty"`
}

type HealthService interface {
	Liveness(c *gin.Context)
	Readiness(c *gin.Context)
}

// ChainProbe is satisfied by the RPC backend.
type ChainProbe interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

type health struct {
	db      *gorm.DB
	redis   *redis.Client
	vault   *vault.Client
	chain   ChainProbe
	timeout time.Duration
}

type HealthParams struct {
	fx.In
	DB    *gorm.DB      `optional:"true"`
	Redis *redis.Client `optional:"true"`
	Vault *vault.Client `optional:"true"`
	Chain ChainProbe    `optional:"true"`
}

func ProvideHealth(p HealthParams) HealthService {
	return &health{
		db:      p.DB,
		redis:   p.Redis,
		vault:   p.Vault,
		chain:   p.Chain,
		timeout: 3 * time.Second,
	}
}

func (h *health) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, &Health{
		Status:  StatusHealthy,
		Message: "OK",
	})
}

func probe(name string, err error) Dependency {
	dep := Dependency{Name: name, Status: StatusHealthy, Message: "OK"}
	if err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = err.Error()
	}
	return dep
}

func (h *health) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	deps := make([]Dependency, 0, 4)
	if h.db != nil {
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		deps = append(deps, probe("database:"+h.db.Name(), err))
	}

	if h.redis != nil {
		deps = append(deps, probe("redis", h.redis.Ping(ctx).Err()))
	}

	if h.vault != nil {
		_, err := h.vault.System.ReadHealthStatus(ctx)
		deps = append(deps, probe("vault", err))
	}

	if h.chain != nil {
		_, err := h.chain.ChainID(ctx)
		deps = append(deps, probe("chain", err))
	}

	out := &Health{Status: StatusHealthy, Message: "OK", Deps: deps}
	code := http.StatusOK
	for _, d := range deps {
		if d.Status != StatusHealthy {
			zap.L().Warn("readiness probe failed", zap.String("dependency", d.Name), zap.String("error", d.Message))
			out.Status = StatusUnhealthy
			out.Message = "one or more dependencies are unavailable"
			code = http.StatusServiceUnavailable
		}
	}

	c.JSON(code, out)
}
