package secretmanager

import (
	"context"
	"fmt"
	"time"

	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

// ProvideVault builds a client from the standard VAULT_* environment and
// refuses to start against a sealed or unreachable server. The operator key
// and database credentials are read through it before anything dials out.
func ProvideVault() (*vault.Client, error) {
	client, err := vault.New(
		vault.WithEnvironment(),
		vault.WithRequestTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("init vault client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := client.System.ReadHealthStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault health: %w", err)
	}
	if sealed, _ := status.Data["sealed"].(bool); sealed {
		return nil, fmt.Errorf("vault is sealed")
	}

	zap.L().Info("[Vault] connected", zap.String("addr", client.Configuration().Address))
	return client, nil
}
