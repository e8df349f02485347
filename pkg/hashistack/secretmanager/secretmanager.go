package secretmanager

import (
	"fmt"
	"time"

	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
)

// Module provides the vault client that config.LoadConfig uses to overlay
// database, redis, JWT, flagsmith and minio secrets. Address and token come from
// VAULT_ADDR and VAULT_TOKEN.
var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

const requestTimeout = 10 * time.Second

func ProvideVault() (*vault.Client, error) {
	client, err := vault.New(
		vault.WithEnvironment(),
		vault.WithRequestTimeout(requestTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}

	return client, nil
}
