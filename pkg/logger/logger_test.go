package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vhm24-loyalty/pkg/config"
)

func TestNewReplacesGlobals(t *testing.T) {
	prev := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })

	cfg := &config.Config{AppEnv: "development", AppName: "loyalty"}
	log := New(ConfigParams{Cfg: cfg})

	require.NotNil(t, log)
	require.Same(t, log, zap.L())
}

func TestNewProductionWritesRotatingFile(t *testing.T) {
	prev := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })

	file := filepath.Join(t.TempDir(), "loyalty.log")
	cfg := &config.Config{AppEnv: "production", AppName: "loyalty"}
	cfg.Log.File = file
	cfg.Log.MaxSizeMB = 1

	log := New(ConfigParams{Cfg: cfg})
	log.Info("points recorded", zap.String("account_id", "42"))
	_ = log.Sync()

	b, err := os.ReadFile(file)
	require.NoError(t, err)
	require.Contains(t, string(b), "points recorded")
	require.Contains(t, string(b), `"service_name":"loyalty"`)
}
