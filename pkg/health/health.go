package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
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
	Deps    []Dependency `json:"deps"`
}

type HealthService interface {
	Liveness(c *gin.Context)
	Readiness(c *gin.Context)
}

type health struct {
	db    *gorm.DB
	redis *redis.Client
}

type HealthParams struct {
	fx.In
	DB    *gorm.DB      `optional:"true"`
	Redis *redis.Client `optional:"true"`
}

func ProvideHealth(p HealthParams) HealthService {
	return &health{
		db:    p.DB,
		redis: p.Redis,
	}
}

func (h *health) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, &Health{
		Status:  StatusHealthy,
		Message: "OK",
	})
}

// Readiness pings every configured dependency and answers 503 when any of
// them is down.
func (h *health) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	this := &Health{
		Status:  StatusHealthy,
		Message: "OK",
		Deps:    make([]Dependency, 0, 2),
	}

	if h.db != nil {
		this.Deps = append(this.Deps, check("database:"+h.db.Name(), func() error {
			sql, err := h.db.DB()
			if err != nil {
				return err
			}
			return sql.PingContext(ctx)
		}))
	}

	if h.redis != nil {
		this.Deps = append(this.Deps, check("redis", func() error {
			return h.redis.Ping(ctx).Err()
		}))
	}

	code := http.StatusOK
	for _, d := range this.Deps {
		if d.Status != StatusHealthy {
			this.Status = StatusUnhealthy
			this.Message = d.Name + " unavailable"
			code = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(code, this)
}

func check(name string, ping func() error) Dependency {
	dep := Dependency{Name: name, Status: StatusHealthy, Message: "OK"}
	if err := ping(); err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = err.Error()
	}
	return dep
}
