package servicediscover

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"vhm24-loyalty/pkg/config"
)

func TestRegistryWithoutConsul(t *testing.T) {
	cfg := &config.Config{AppName: "vhm24-loyalty", AppEnv: "test"}
	cfg.Server.Addr = "8080"
	cfg.Consul.ServiceHost = "10.0.0.7"

	client, err := NewClient(cfg, NewConfig(cfg))
	require.NoError(t, err)
	require.Nil(t, client)

	r, err := NewRegistry(cfg, client)
	require.NoError(t, err)

	reg := r.(*serviceRegistry)
	require.Equal(t, "vhm24-loyalty-10.0.0.7-8080", reg.service.ID)
	require.Equal(t, "http://10.0.0.7:8080/health/readiness", reg.service.Check.HTTP)

	require.NoError(t, r.Register(context.Background()))
	require.NoError(t, r.Deregister(context.Background()))
}

func TestRegistryRejectsBadPort(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.Addr = "http"
	_, err := NewRegistry(cfg, nil)
	require.Error(t, err)
}
