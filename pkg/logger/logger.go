package logger

import (
	"vhm24-loyalty/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var Module = fx.Module("zap",
	fx.Provide(
		New,
	),
)

type ConfigParams struct {
	fx.In
	Cfg *config.Config
}

func productionConfig() zap.Config {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.StacktraceKey = "stacktrace"
	config.EncoderConfig.LevelKey = "severity"
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	config.Encoding = "json"
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}
	return config
}

func New(p ConfigParams) *zap.Logger {
	log := zap.Must(zap.NewDevelopment())

	if p.Cfg != nil && p.Cfg.AppEnv == "production" {
		config := productionConfig()

		var err error
		log, err = config.Build()
		if err != nil {
			panic(err)
		}

		if p.Cfg.Log.File != "" {
			rotating := zapcore.AddSync(&lumberjack.Logger{
				Filename:   p.Cfg.Log.File,
				MaxSize:    p.Cfg.Log.MaxSizeMB,
				MaxBackups: p.Cfg.Log.MaxBackups,
				MaxAge:     p.Cfg.Log.MaxAgeDays,
				Compress:   true,
			})
			fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(config.EncoderConfig), rotating, config.Level)
			log = log.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
				return zapcore.NewTee(c, fileCore)
			}))
		}

		defer log.Sync()
	}

	if p.Cfg != nil {
		log = log.With(
			zap.String("env", p.Cfg.AppEnv),
			zap.String("service_name", p.Cfg.AppName),
		)
	}

	zap.ReplaceGlobals(log)

	return log
}
