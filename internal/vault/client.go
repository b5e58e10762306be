// Package vault resolves runtime secrets (API keys, webhook tokens, the
// admin password hash) from a HashiCorp Vault KV store, with environment
// variables as the fallback when Vault is disabled or unreachable.
package vault

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"
)

// Config holds Vault connection settings.
type Config struct {
	Enabled    bool
	Address    string
	Token      string
	SecretPath string
	CACert     string
}

// Client wraps the HashiCorp Vault client. All secrets live under one
// secret path and are cached after the first successful read.
type Client struct {
	client *api.Client
	cfg    Config
	log    zerolog.Logger

	mu     sync.RWMutex
	cache  map[string]string
	loaded bool
}

// NewClient creates a Vault client. With Enabled false the client only
// serves environment fallbacks and never dials Vault.
func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	c := &Client{
		cfg: cfg,
		log: log.With().Str("component", "vault").Logger(),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// Resolve returns the named secret. Vault wins when enabled and the key is
// present; otherwise the environment variable of the same name is used. A
// Vault read failure degrades to the environment rather than blocking
// startup.
func (c *Client) Resolve(ctx context.Context, key string) string {
	if c.cfg.Enabled && c.client != nil {
		secrets, err := c.load(ctx)
		if err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("vault read failed, falling back to environment")
		} else if v, ok := secrets[key]; ok && v != "" {
			return v
		}
	}
	return os.Getenv(key)
}

// load fetches and caches the secret map on first use.
func (c *Client) load(ctx context.Context) (map[string]string, error) {
	c.mu.RLock()
	if c.loaded {
		cached := c.cache
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	secret, err := c.client.Logical().ReadWithContext(ctx, c.cfg.SecretPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", c.cfg.SecretPath, err)
	}

	out := make(map[string]string)
	if secret != nil {
		out = flattenSecretData(secret.Data)
	}

	c.mu.Lock()
	c.cache = out
	c.loaded = true
	c.mu.Unlock()

	c.log.Info().Str("path", c.cfg.SecretPath).Int("keys", len(out)).Msg("secrets loaded")
	return out, nil
}

// flattenSecretData extracts string values, unwrapping the KV v2 "data"
// nesting when present.
func flattenSecretData(data map[string]interface{}) map[string]string {
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
