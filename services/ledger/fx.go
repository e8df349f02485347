package ledger

import (
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"vhm24-loyalty/pkg/keylock"
)

var Module = fx.Module("ledger.service",
	fx.Provide(
		keylock.New,
		NewService,
	),
)

// Cache wires the redis read-through balance cache. Without it the ledger reads
// straight from the database.
var Cache = fx.Module("ledger.cache",
	fx.Provide(NewRedisBalanceCache),
)

var Health = fx.Module("ledger.health",
	fx.Provide(NewHealthServer),
	fx.Invoke(registerHealthServer),
)

var Worker = fx.Module("ledger.worker",
	fx.Provide(NewExporter, NewTask),
	fx.Invoke(registerTaskHandlers),
)

func registerHealthServer(server *grpc.Server, h *HealthServer) {
	grpc_health_v1.RegisterHealthServer(server, h)
}

func registerTaskHandlers(mux *asynq.ServeMux, t *Task) {
	t.Register(mux)
}
