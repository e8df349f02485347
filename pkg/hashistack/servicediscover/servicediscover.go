package servicediscover

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/hashicorp/consul/api"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"vhm24-loyalty/pkg/config"
)

// Module registers the HTTP listener in Consul while the app runs. It is a
// no-op when CONSUL.ADDR is empty.
var Module = fx.Module("servicediscover",
	fx.Provide(NewConfig, NewClient, NewRegistry),
	fx.Invoke(registerConsul),
)

func registerConsul(lc fx.Lifecycle, r ServiceRegistry) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return r.Register(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return r.Deregister(ctx)
		},
	})
}

type ServiceRegistry interface {
	Register(ctx context.Context) error
	Deregister(ctx context.Context) error
}

func NewConfig(cfg *config.Config) *api.Config {
	config := api.DefaultConfig()
	config.Address = cfg.Consul.Addr

	return config
}

func NewClient(cfg *config.Config, config *api.Config) (*api.Client, error) {
	if cfg.Consul.Addr == "" {
		return nil, nil
	}
	return api.NewClient(config)
}

type serviceRegistry struct {
	client  *api.Client
	service *api.AgentServiceRegistration
}

func NewRegistry(cfg *config.Config, client *api.Client) (ServiceRegistry, error) {
	host := cfg.Consul.ServiceHost
	if host == "" {
		host, _ = os.Hostname()
	}

	_, rawPort, err := net.SplitHostPort(":" + cfg.Server.Addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return nil, fmt.Errorf("servicediscover: invalid HTTP_SERVER.ADDR %q: %w", cfg.Server.Addr, err)
	}

	return &serviceRegistry{
		client: client,
		service: &api.AgentServiceRegistration{
			ID:      fmt.Sprintf("%s-%s-%d", cfg.AppName, host, port),
			Name:    cfg.AppName,
			Address: host,
			Port:    port,
			Tags:    []string{cfg.AppEnv},
			Check: &api.AgentServiceCheck{
				HTTP:                           fmt.Sprintf("http://%s:%d/health/readiness", host, port),
				Interval:                       "10s",
				Timeout:                        "5s",
				DeregisterCriticalServiceAfter: "1m",
			},
		},
	}, nil
}

func (r *serviceRegistry) Register(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	zap.L().Info("registering service in consul", zap.String("service_id", r.service.ID))
	return r.client.Agent().ServiceRegister(r.service)
}

func (r *serviceRegistry) Deregister(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	return r.client.Agent().ServiceDeregister(r.service.ID)
}
