package main

import (
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"vhm24-loyalty/pkg/celengine"
	"vhm24-loyalty/pkg/config"
	"vhm24-loyalty/pkg/db"
	"vhm24-loyalty/pkg/featureflags"
	"vhm24-loyalty/pkg/gen"
	"vhm24-loyalty/pkg/hashistack/secretmanager"
	"vhm24-loyalty/pkg/logger"
	"vhm24-loyalty/pkg/minio"
	"vhm24-loyalty/pkg/otelcol"
	"vhm24-loyalty/pkg/profiling"
	"vhm24-loyalty/pkg/redis"
	"vhm24-loyalty/pkg/sequence"
	"vhm24-loyalty/pkg/task"
	"vhm24-loyalty/services/ledger"
	"vhm24-loyalty/services/loyalty"
	"vhm24-loyalty/services/notification"
	"vhm24-loyalty/services/quest"
	"vhm24-loyalty/services/reward"
)

// worker consumes order/referral events, point expirations, history exports
// and notification deliveries.
func main() {
	// REMOTE_CONFIG_PROVIDER switches to consul/etcd backed config with a
	// vault overlay
	cfgModule := config.Module
	if os.Getenv("REMOTE_CONFIG_PROVIDER") != "" {
		cfgModule = config.RemoteModule
	}

	opts := []fx.Option{
		cfgModule,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		gen.Module,
		sequence.Module,
		celengine.Module,
		featureflags.Module,
		minio.Client,
		task.Client,
		task.Server,
		ledger.Module,
		ledger.Cache,
		ledger.Worker,
		notification.Module,
		notification.Publishing,
		notification.Worker,
		quest.Module,
		reward.Module,
		loyalty.Module,
		loyalty.Worker,
		fxLogger,
	}

	if os.Getenv("VAULT_ADDR") != "" {
		opts = append(opts, secretmanager.Module)
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
