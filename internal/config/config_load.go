package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:           "~/.dowhiz/workspace",
				RestrictToWorkspace: true,
				Provider:            "anthropic",
				Model:               "claude-sonnet-4-5-20250929",
				MaxTokens:           8192,
				Temperature:         0.7,
				MaxToolIterations:   20,
				ContextWindow:       200000,
				Subagents: &SubagentsConfig{
					MaxConcurrent: 20,
					MaxSpawnDepth: 1,
				},
			},
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
	}
}

// Load reads config from a JSON file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	// Allow overriding default provider/model
	envStr("DOWHIZ_PROVIDER", &c.Agents.Defaults.Provider)
	envStr("DOWHIZ_MODEL", &c.Agents.Defaults.Model)

	// Workspace
	envStr("DOWHIZ_WORKSPACE", &c.Agents.Defaults.Workspace)

	// Gateway host/port
	envStr("DOWHIZ_HOST", &c.Gateway.Host)
	if v := os.Getenv("DOWHIZ_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Database
	envStr("DOWHIZ_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("DOWHIZ_MODE", &c.Database.Mode)

	// Telemetry
	envStr("DOWHIZ_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("DOWHIZ_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("DOWHIZ_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("DOWHIZ_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DOWHIZ_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Tailscale (tsnet)
	envStr("DOWHIZ_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("DOWHIZ_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("DOWHIZ_TSNET_DIR", &c.Tailscale.StateDir)

	// Sandbox (for Docker-compose sandbox overlay)
	ensureSandbox := func() {
		if c.Agents.Defaults.Sandbox == nil {
			c.Agents.Defaults.Sandbox = &SandboxConfig{}
		}
	}
	if v := os.Getenv("DOWHIZ_SANDBOX_MODE"); v != "" {
		ensureSandbox()
		c.Agents.Defaults.Sandbox.Mode = v
	}
	if v := os.Getenv("DOWHIZ_SANDBOX_IMAGE"); v != "" {
		ensureSandbox()
		c.Agents.Defaults.Sandbox.Image = v
	}
	if v := os.Getenv("DOWHIZ_SANDBOX_WORKSPACE_ACCESS"); v != "" {
		ensureSandbox()
		c.Agents.Defaults.Sandbox.WorkspaceAccess = v
	}
	if v := os.Getenv("DOWHIZ_SANDBOX_SCOPE"); v != "" {
		ensureSandbox()
		c.Agents.Defaults.Sandbox.Scope = v
	}
	if v := os.Getenv("DOWHIZ_SANDBOX_MEMORY_MB"); v != "" {
		ensureSandbox()
		if mb, err := strconv.Atoi(v); err == nil && mb > 0 {
			c.Agents.Defaults.Sandbox.MemoryMB = mb
		}
	}
	if v := os.Getenv("DOWHIZ_SANDBOX_CPUS"); v != "" {
		ensureSandbox()
		if cpus, err := strconv.ParseFloat(v, 64); err == nil && cpus > 0 {
			c.Agents.Defaults.Sandbox.CPUs = cpus
		}
	}
	if v := os.Getenv("DOWHIZ_SANDBOX_TIMEOUT_SEC"); v != "" {
		ensureSandbox()
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			c.Agents.Defaults.Sandbox.TimeoutSec = sec
		}
	}
	if v := os.Getenv("DOWHIZ_SANDBOX_NETWORK"); v != "" {
		ensureSandbox()
		c.Agents.Defaults.Sandbox.NetworkEnabled = v == "true" || v == "1"
	}

	// Ingestion queue
	if v := os.Getenv("DOWHIZ_QUEUE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.MaxAttempts = n
		}
	}
	if v := os.Getenv("DOWHIZ_QUEUE_LEASE_DURATION_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.LeaseDurationSecs = n
		}
	}
	if v := os.Getenv("DOWHIZ_QUEUE_POLL_INTERVAL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.PollIntervalSecs = n
		}
	}

	// Scheduler core
	if v := os.Getenv("DOWHIZ_SCHEDULER_MAX_GLOBAL_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.MaxGlobalConcurrency = n
		}
	}
	if v := os.Getenv("DOWHIZ_SCHEDULER_MAX_USER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.MaxUserConcurrency = n
		}
	}
	if v := os.Getenv("DOWHIZ_SCHEDULER_POLL_INTERVAL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.SchedulerPollIntervalSecs = n
		}
	}

	// Attachments
	if v := os.Getenv("DOWHIZ_MAX_INLINE_ATTACHMENT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Attachments.MaxInlineAttachmentBytes = n
		}
	}

	// Webhook verification secrets / outbound mail credentials.
	// Never read from config.json, same rule as Database.PostgresDSN above.
	envStr("DOWHIZ_POSTMARK_WEBHOOK_TOKEN", &c.WebhookSecrets.PostmarkToken)
	envStr("DOWHIZ_SLACK_SIGNING_SECRET", &c.WebhookSecrets.SlackSigningSecret)
	envStr("DOWHIZ_TWILIO_AUTH_TOKEN", &c.WebhookSecrets.TwilioAuthToken)
	envStr("DOWHIZ_TWILIO_WEBHOOK_URL", &c.WebhookSecrets.TwilioWebhookURL)
	envStr("DOWHIZ_WHATSAPP_VERIFY_TOKEN", &c.WebhookSecrets.WhatsAppVerifyToken)
	envStr("DOWHIZ_SENDGRID_API_KEY", &c.WebhookSecrets.SendGridAPIKey)
	envStr("DOWHIZ_SENDGRID_FROM_ADDRESS", &c.WebhookSecrets.SendGridFromAddr)
	envStr("DOWHIZ_SLACK_BOT_TOKEN", &c.WebhookSecrets.SlackBotToken)
	envStr("DOWHIZ_TELEGRAM_BOT_TOKEN", &c.WebhookSecrets.TelegramBotToken)
	envStr("DOWHIZ_DISCORD_BOT_TOKEN", &c.WebhookSecrets.DiscordBotToken)
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for optimistic concurrency.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agents.Defaults.Workspace)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
// Call this after modifying config to restore runtime secrets from env vars.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
