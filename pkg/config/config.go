package config

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	_ "github.com/spf13/viper/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	configHolder atomic.Value
	backend      = "consul"
	backendAddr  = "127.0.0.1:8500"
	backendPath  = "loyalty/development"
	configType   = "yaml"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Log struct {
		File       string `mapstructure:"FILE"`
		MaxSizeMB  int    `mapstructure:"MAX_SIZE_MB"`
		MaxBackups int    `mapstructure:"MAX_BACKUPS"`
		MaxAgeDays int    `mapstructure:"MAX_AGE_DAYS"`
	} `mapstructure:"LOG"`
	Otel struct {
		Addr     string `mapstructure:"ADDR"`
		Protocol string `mapstructure:"PROTOCOL"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Grpc struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"GRPC_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Auth struct {
		JWTSecret string `mapstructure:"JWT_SECRET"`
		Issuer    string `mapstructure:"ISSUER"`
	} `mapstructure:"AUTH"`
	AccessControl struct {
		Model  string `mapstructure:"MODEL"`
		Policy string `mapstructure:"POLICY"`
	} `mapstructure:"ACCESS_CONTROL"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Minio struct {
		Endpoint   string `mapstructure:"ENDPOINT"`
		AccessKey  string `mapstructure:"ACCESS_KEY"`
		SecretKey  string `mapstructure:"SECRET_KEY"`
		Secure     bool   `mapstructure:"SECURE"`
		BucketName string `mapstructure:"BUCKET_NAME"`
	} `mapstructure:"MINIO"`
	Consul struct {
		Addr        string `mapstructure:"ADDR"`
		ServiceHost string `mapstructure:"SERVICE_HOST"`
	} `mapstructure:"CONSUL"`
	Loyalty struct {
		NodeID            int64         `mapstructure:"NODE_ID"`
		HistoryPageSize   int           `mapstructure:"HISTORY_PAGE_SIZE"`
		BalanceCacheTTL   time.Duration `mapstructure:"BALANCE_CACHE_TTL"`
		NotificationQueue string        `mapstructure:"NOTIFICATION_QUEUE"`
		ExportPrefix      string        `mapstructure:"EXPORT_PREFIX"`
		ClaimRateLimit    float64       `mapstructure:"CLAIM_RATE_LIMIT"`
		ClaimBurst        int           `mapstructure:"CLAIM_BURST"`
	} `mapstructure:"LOYALTY"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))
var RemoteModule = fx.Module("remote.config", fx.Provide(LoadRemote))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "vhm24-loyalty")
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("GRPC_SERVER.ADDR", "9090")
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_IDLE_CONN", 5)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS", 20)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME", time.Hour)
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 5*time.Second)
	v.SetDefault("AUTH.ISSUER", "vhm24")
	v.SetDefault("OTEL.PROTOCOL", "grpc")
	v.SetDefault("LOG.MAX_SIZE_MB", 100)
	v.SetDefault("LOG.MAX_BACKUPS", 5)
	v.SetDefault("LOG.MAX_AGE_DAYS", 14)
	v.SetDefault("LOYALTY.NODE_ID", 1)
	v.SetDefault("LOYALTY.HISTORY_PAGE_SIZE", 50)
	v.SetDefault("LOYALTY.BALANCE_CACHE_TTL", 5*time.Minute)
	v.SetDefault("LOYALTY.NOTIFICATION_QUEUE", "notifications")
	v.SetDefault("LOYALTY.EXPORT_PREFIX", "exports/history")
	v.SetDefault("LOYALTY.CLAIM_RATE_LIMIT", 2)
	v.SetDefault("LOYALTY.CLAIM_BURST", 5)

	// keys without a default still need to be known for env lookups
	for _, key := range []string{
		"APP_VERSION", "TLS.ENABLE", "TLS.CERT_PATH", "TLS.KEY_PATH", "LOG.FILE",
		"OTEL.ADDR", "PYROSCOPE.ADDR",
		"DATABASE.HOST", "DATABASE.PORT", "DATABASE.DBNAME", "DATABASE.USER", "DATABASE.PASSWORD",
		"DATABASE.CONNECTION_POOL.CONN_MAX_IDLE_TIME",
		"REDIS.PASSWORD", "REDIS.DB",
		"AUTH.JWT_SECRET", "ACCESS_CONTROL.MODEL", "ACCESS_CONTROL.POLICY",
		"FLAGSMITH.ADDR", "FLAGSMITH.API_KEY",
		"MINIO.ENDPOINT", "MINIO.ACCESS_KEY", "MINIO.SECRET_KEY", "MINIO.SECURE", "MINIO.BUCKET_NAME",
		"CONSUL.ADDR", "CONSUL.SERVICE_HOST",
	} {
		_ = v.BindEnv(key)
	}
}

// Decode reads config.yaml from the working directory (if any) and the
// environment into a Config. A missing file is not an error.
func Decode(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType(configType)
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func LoadConfig(p Params) *Config {
	// .env is optional; containers get real env vars.
	_ = godotenv.Load()

	cfg, err := Decode(viper.New())
	if err != nil {
		zap.L().Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		if err := overlayVault(context.Background(), p.Vault, cfg); err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}
	}

	return cfg
}

func overlayVault(ctx context.Context, client *vault.Client, cfg *Config) error {
	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		return err
	}
	zap.L().Info("Success Get Secret")

	get := func(key, fallback string) string {
		if val, ok := secret.Data.Data[key].(string); ok && val != "" {
			return val
		}
		return fallback
	}

	cfg.Database.User = get("postgres_user", cfg.Database.User)
	cfg.Database.Password = get("postgres_password", cfg.Database.Password)
	cfg.Redis.Password = get("redis_password", cfg.Redis.Password)
	cfg.Auth.JWTSecret = get("jwt_secret", cfg.Auth.JWTSecret)
	cfg.Flagsmith.ApiKey = get("flagsmith_api_key", cfg.Flagsmith.ApiKey)
	cfg.Minio.AccessKey = get("minio_access_key", cfg.Minio.AccessKey)
	cfg.Minio.SecretKey = get("minio_secret_key", cfg.Minio.SecretKey)
	return nil
}

// Current returns the latest remotely loaded config, or nil when LoadRemote was
// never used.
func Current() *Config {
	cfg, _ := configHolder.Load().(*Config)
	return cfg
}

func LoadRemote(p Params) *Config {
	if p.Vault == nil {
		zap.L().Error("vault can't provide")
		os.Exit(1)
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		backend = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_ADDR"); ok {
		backendAddr = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PATH"); ok {
		backendPath = v
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigType(configType)
	if err := v.AddRemoteProvider(backend, backendAddr, backendPath); err != nil {
		zap.L().Error("failed to add remote config provider", zap.Error(err))
		os.Exit(1)
	}

	if err := v.ReadRemoteConfig(); err != nil {
		zap.L().Error("failed to read remote config", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		os.Exit(1)
	}

	if err := overlayVault(context.Background(), p.Vault, &cfg); err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		os.Exit(1)
	}
	configHolder.Store(&cfg)

	go func() {
		for {
			time.Sleep(time.Second * 5)

			if err := v.WatchRemoteConfig(); err != nil {
				zap.L().Error("unable to read remote config", zap.Error(err))
				continue
			}

			var next Config
			if err := v.Unmarshal(&next); err != nil {
				zap.L().Error("unable to decode remote config", zap.Error(err))
				continue
			}
			// secrets never come from the remote store
			next.Database.User, next.Database.Password = cfg.Database.User, cfg.Database.Password
			next.Redis.Password = cfg.Redis.Password
			next.Auth.JWTSecret = cfg.Auth.JWTSecret
			next.Flagsmith.ApiKey = cfg.Flagsmith.ApiKey
			next.Minio.AccessKey, next.Minio.SecretKey = cfg.Minio.AccessKey, cfg.Minio.SecretKey
			configHolder.Store(&next)
		}
	}()

	return &cfg
}
