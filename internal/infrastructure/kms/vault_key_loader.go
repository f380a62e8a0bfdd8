// Package kms resolves the funding identity's signing key from HashiCorp
// Vault when the key is not provided inline.
package kms

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"

	"github.com/turtacn/tap/internal/config"
	"github.com/turtacn/tap/pkg/errors"
	"github.com/turtacn/tap/pkg/logger"
)

// VaultKeyLoader reads the funder's hex-encoded ed25519 seed from a Vault KV
// secret.
type VaultKeyLoader struct {
	client *vault.Client
	cfg    *config.VaultConfig
	logger logger.Logger
}

// NewVaultKeyLoader creates a key loader against the configured Vault.
func NewVaultKeyLoader(cfg *config.VaultConfig, log logger.Logger) (*VaultKeyLoader, error) {
	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, errors.ErrUnavailable("failed to create vault client").WithCause(err)
	}
	client.SetToken(cfg.Token)

	return &VaultKeyLoader{
		client: client,
		cfg:    cfg,
		logger: log.WithComponent("vault_key_loader"),
	}, nil
}

// LoadFunderKey reads the signing key seed from the configured KV path. The
// secret must carry a "private_key_hex" field.
func (l *VaultKeyLoader) LoadFunderKey(ctx context.Context) (string, error) {
	path := fmt.Sprintf("%s/data/%s", l.cfg.MountPath, l.cfg.KeyPath)

	secret, err := l.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		l.logger.Error(ctx, "failed to read funder key from vault", err,
			logger.String("path", path),
		)
		return "", errors.ErrUnavailable("could not read funder key from vault").WithCause(err)
	}
	if secret == nil || secret.Data["data"] == nil {
		return "", errors.ErrServerError(fmt.Sprintf("funder key not found at vault path %s", path))
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.ErrServerError("unexpected secret format in vault")
	}
	seed, ok := data["private_key_hex"].(string)
	if !ok || seed == "" {
		return "", errors.ErrServerError("vault secret is missing private_key_hex")
	}

	l.logger.Info(ctx, "funder signing key loaded from vault",
		logger.String("path", path),
	)
	return seed, nil
}
