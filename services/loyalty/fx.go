package loyalty

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("loyalty.service",
	fx.Provide(NewService),
)

var HTTP = fx.Module("loyalty.http",
	fx.Provide(NewHandler),
	fx.Invoke(func(r *gin.Engine, h *Handler) { h.Register(r) }),
)

var Worker = fx.Module("loyalty.worker",
	fx.Provide(NewTask),
	fx.Invoke(func(mux *asynq.ServeMux, t *Task) { t.Register(mux) }),
)

// Migrations runs the schema migration before the app starts serving.
var Migrations = fx.Module("loyalty.migrate",
	fx.Invoke(func(lc fx.Lifecycle, db *gorm.DB) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := Migrate(db.WithContext(ctx)); err != nil {
					zap.L().Error("schema migration failed", zap.Error(err))
					return err
				}
				zap.L().Info("schema migrated")
				return nil
			},
		})
	}),
)
