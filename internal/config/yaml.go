package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigFile           = "CRAB_RELAY_CONFIG_FILE"
	defaultConfigFileName   = "relay.yaml"
	alternateConfigFileName = "relay.yml"
)

type fileConfig struct {
	Version int             `yaml:"version"`
	Relay   fileRelayConfig `yaml:"relay"`
}

type fileRelayConfig struct {
	HTTPAddr               string   `yaml:"http_addr"`
	HTTPAuthToken          string   `yaml:"http_auth_token"`
	DBDriver               string   `yaml:"db_driver"`
	DBDSN                  string   `yaml:"db_dsn"`
	Adapter                string   `yaml:"adapter"`
	BridgeURL              string   `yaml:"bridge_url"`
	BridgeHandshakeTimeout string   `yaml:"bridge_handshake_timeout"`
	PairingCodeTTL         string   `yaml:"pairing_code_ttl"`
	ReconnectDelay         string   `yaml:"reconnect_delay"`
	MaxTransientRetries    *int     `yaml:"max_transient_retries"`
	CommandTimeout         string   `yaml:"command_timeout"`
	RegistryShards         int      `yaml:"registry_shards"`
	SubscriberBuffer       int      `yaml:"subscriber_buffer"`
	RestoreOnBoot          *bool    `yaml:"restore_on_boot"`
	CredentialsSealKey     string   `yaml:"credentials_seal_key"`
	WebhookURLs            []string `yaml:"webhook_urls"`
	WebhookEventTypes      []string `yaml:"webhook_event_types"`
	WebhookTimeout         string   `yaml:"webhook_timeout"`
	LogLevel               string   `yaml:"log_level"`
	LogFormat              string   `yaml:"log_format"`
	ShutdownTimeout        string   `yaml:"shutdown_timeout"`
	SingleTenantID         string   `yaml:"single_tenant_id"`
	DiscordBotToken        string   `yaml:"discord_bot_token"`
}

func loadFileConfig(explicit string) (fileConfig, error) {
	path, ok, err := resolveConfigFilePath(explicit)
	if err != nil {
		return fileConfig{}, err
	}
	if !ok {
		return fileConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return cfg, nil
}

func resolveConfigFilePath(explicit string) (string, bool, error) {
	if strings.TrimSpace(explicit) == "" {
		explicit = EnvString(EnvConfigFile)
	}
	if strings.TrimSpace(explicit) != "" {
		resolvedPath, err := expandPath(explicit)
		if err != nil {
			return "", false, fmt.Errorf("resolve config path: %w", err)
		}
		info, err := os.Stat(resolvedPath)
		if err != nil {
			return "", false, fmt.Errorf("config file %s: %w", resolvedPath, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config file %s is a directory", resolvedPath)
		}
		return resolvedPath, true, nil
	}

	candidates := []string{
		filepath.Join(crabstackDirName, defaultConfigFileName),
		filepath.Join(crabstackDirName, alternateConfigFileName),
	}
	if homeDir, err := os.UserHomeDir(); err == nil && strings.TrimSpace(homeDir) != "" {
		candidates = append(candidates,
			filepath.Join(homeDir, crabstackDirName, defaultConfigFileName),
			filepath.Join(homeDir, crabstackDirName, alternateConfigFileName),
		)
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", false, fmt.Errorf("config path %s is a directory", candidate)
			}
			return candidate, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}
	return "", false, nil
}

func applyYAML(cfg *Config, source fileRelayConfig) error {
	if value := strings.TrimSpace(source.HTTPAddr); value != "" {
		cfg.HTTPAddr = value
	}
	if value := strings.TrimSpace(source.HTTPAuthToken); value != "" {
		cfg.HTTPAuthToken = value
	}
	if value := strings.TrimSpace(source.DBDriver); value != "" {
		cfg.DBDriver = strings.ToLower(value)
	}
	if value := strings.TrimSpace(source.DBDSN); value != "" {
		cfg.DBDSN = value
		if cfg.DBDriver == "sqlite" {
			cfg.DBDSN = ResolveCrabstackPath(value)
		}
	}
	if value := strings.TrimSpace(source.Adapter); value != "" {
		cfg.Adapter = strings.ToLower(value)
	}
	if value := strings.TrimSpace(source.BridgeURL); value != "" {
		cfg.BridgeURL = value
	}
	if value := strings.TrimSpace(source.CredentialsSealKey); value != "" {
		cfg.CredentialsSealKey = value
	}
	if value := strings.TrimSpace(source.LogLevel); value != "" {
		cfg.LogLevel = value
	}
	if value := strings.TrimSpace(source.LogFormat); value != "" {
		cfg.LogFormat = value
	}
	if value := strings.TrimSpace(source.SingleTenantID); value != "" {
		cfg.SingleTenantID = value
	}
	if value := strings.TrimSpace(source.DiscordBotToken); value != "" {
		cfg.DiscordBotToken = value
	}
	if source.MaxTransientRetries != nil {
		if *source.MaxTransientRetries < 0 {
			return fmt.Errorf("relay.max_transient_retries must be >= 0")
		}
		cfg.MaxTransientRetries = *source.MaxTransientRetries
	}
	if source.RegistryShards > 0 {
		cfg.RegistryShards = source.RegistryShards
	}
	if source.SubscriberBuffer > 0 {
		cfg.SubscriberBuffer = source.SubscriberBuffer
	}
	if source.RestoreOnBoot != nil {
		cfg.RestoreOnBoot = *source.RestoreOnBoot
	}
	if urls := cleanList(source.WebhookURLs); len(urls) > 0 {
		cfg.WebhookURLs = urls
	}
	if eventTypes := cleanList(source.WebhookEventTypes); len(eventTypes) > 0 {
		cfg.WebhookEventTypes = eventTypes
	}

	var err error
	durations := []struct {
		raw    string
		target *time.Duration
		field  string
	}{
		{source.BridgeHandshakeTimeout, &cfg.BridgeHandshakeTimeout, "relay.bridge_handshake_timeout"},
		{source.PairingCodeTTL, &cfg.PairingCodeTTL, "relay.pairing_code_ttl"},
		{source.ReconnectDelay, &cfg.ReconnectDelay, "relay.reconnect_delay"},
		{source.CommandTimeout, &cfg.CommandTimeout, "relay.command_timeout"},
		{source.ShutdownTimeout, &cfg.ShutdownTimeout, "relay.shutdown_timeout"},
		{source.WebhookTimeout, &cfg.WebhookTimeout, "relay.webhook_timeout"},
	}
	for _, d := range durations {
		if *d.target, err = parseOptionalDuration(d.raw, *d.target, d.field); err != nil {
			return err
		}
	}
	return nil
}

func cleanList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
