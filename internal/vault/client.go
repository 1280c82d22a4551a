// Package vault resolves bot venue credentials. When Vault is enabled the
// KV v2 store is authoritative; otherwise credentials come from the bot row.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"oc-futures-bot/internal/store"
)

// Config controls the Vault connection. Enabled=false turns the client into
// a pass-through over the database columns.
type Config struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string // KV v2 mount, e.g. "secret"
	SecretPath string // prefix under the mount, e.g. "oc-futures-bot"
	CACert     string
}

// Credentials are the venue API credentials for one bot.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// Client reads and writes bot credentials.
type Client struct {
	client *api.Client
	config Config

	mu    sync.RWMutex
	cache map[int64]*Credentials
}

// NewClient creates a client. With Vault disabled no connection is made.
func NewClient(cfg Config) (*Client, error) {
	c := &Client{config: cfg, cache: make(map[int64]*Credentials)}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	if cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("failed to configure vault TLS: %w", err)
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

// BotCredentials resolves credentials for a bot: cache, then Vault, then the
// database columns on the bot row.
func (c *Client) BotCredentials(ctx context.Context, bot *store.Bot) (*Credentials, error) {
	c.mu.RLock()
	if cached, ok := c.cache[bot.ID]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if c.config.Enabled {
		creds, err := c.read(ctx, bot.ID)
		if err != nil {
			return nil, err
		}
		if creds != nil {
			c.put(bot.ID, creds)
			return creds, nil
		}
	}

	if bot.APIKey == "" || bot.SecretKey == "" {
		return nil, fmt.Errorf("no credentials for bot %d", bot.ID)
	}
	creds := &Credentials{APIKey: bot.APIKey, SecretKey: bot.SecretKey}
	c.put(bot.ID, creds)
	return creds, nil
}

// StoreBotCredentials writes credentials for a bot. With Vault disabled the
// write only lands in the cache; the bot row remains the durable copy.
func (c *Client) StoreBotCredentials(ctx context.Context, botID int64, creds Credentials) error {
	if c.config.Enabled {
		_, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(botID), map[string]interface{}{
			"data": map[string]interface{}{
				"api_key":    creds.APIKey,
				"secret_key": creds.SecretKey,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to store credentials for bot %d: %w", botID, err)
		}
	}
	c.put(botID, &creds)
	return nil
}

// DeleteBotCredentials removes a bot's credentials.
func (c *Client) DeleteBotCredentials(ctx context.Context, botID int64) error {
	c.mu.Lock()
	delete(c.cache, botID)
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}
	_, err := c.client.Logical().DeleteWithContext(ctx, c.metadataPath(botID))
	if err != nil {
		return fmt.Errorf("failed to delete credentials for bot %d: %w", botID, err)
	}
	return nil
}

// Invalidate drops a bot's cached credentials, forcing a re-read.
func (c *Client) Invalidate(botID int64) {
	c.mu.Lock()
	delete(c.cache, botID)
	c.mu.Unlock()
}

// Health checks the Vault connection.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) read(ctx context.Context, botID int64) (*Credentials, error) {
	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(botID))
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials for bot %d: %w", botID, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected secret format for bot %d", botID)
	}
	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, nil
	}
	return creds, nil
}

func (c *Client) put(botID int64, creds *Credentials) {
	c.mu.Lock()
	c.cache[botID] = creds
	c.mu.Unlock()
}

func (c *Client) secretPath(botID int64) string {
	return fmt.Sprintf("%s/data/%s/bots/%d", c.config.MountPath, c.config.SecretPath, botID)
}

func (c *Client) metadataPath(botID int64) string {
	return fmt.Sprintf("%s/metadata/%s/bots/%d", c.config.MountPath, c.config.SecretPath, botID)
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
