package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"crabstack.local/crab-relay/internal/types"
)

const (
	EnvHTTPAddr               = "CRAB_RELAY_HTTP_ADDR"
	EnvHTTPAuthToken          = "CRAB_RELAY_HTTP_AUTH_TOKEN"
	EnvDBDriver               = "CRAB_RELAY_DB_DRIVER"
	EnvDBDSN                  = "CRAB_RELAY_DB_DSN"
	EnvAdapter                = "CRAB_RELAY_ADAPTER"
	EnvBridgeURL              = "CRAB_RELAY_BRIDGE_URL"
	EnvBridgeHandshakeTimeout = "CRAB_RELAY_BRIDGE_HANDSHAKE_TIMEOUT"
	EnvPairingCodeTTL         = "CRAB_RELAY_PAIRING_CODE_TTL"
	EnvReconnectDelay         = "CRAB_RELAY_RECONNECT_DELAY"
	EnvMaxTransientRetries    = "CRAB_RELAY_MAX_TRANSIENT_RETRIES"
	EnvCommandTimeout         = "CRAB_RELAY_COMMAND_TIMEOUT"
	EnvRegistryShards         = "CRAB_RELAY_REGISTRY_SHARDS"
	EnvSubscriberBuffer       = "CRAB_RELAY_SUBSCRIBER_BUFFER"
	EnvRestoreOnBoot          = "CRAB_RELAY_RESTORE_ON_BOOT"
	EnvCredentialsSealKey     = "CRAB_RELAY_CREDENTIALS_SEAL_KEY"
	EnvWebhookURLs            = "CRAB_RELAY_WEBHOOK_URLS"
	EnvWebhookEventTypes      = "CRAB_RELAY_WEBHOOK_EVENT_TYPES"
	EnvWebhookTimeout         = "CRAB_RELAY_WEBHOOK_TIMEOUT"
	EnvLogLevel               = "CRAB_RELAY_LOG_LEVEL"
	EnvLogFormat              = "CRAB_RELAY_LOG_FORMAT"
	EnvShutdownTimeout        = "CRAB_RELAY_SHUTDOWN_TIMEOUT"
	EnvSingleTenantID         = "CRAB_RELAY_SINGLE_TENANT_ID"
	EnvDiscordBotToken        = "CRAB_RELAY_DISCORD_BOT_TOKEN"
)

const (
	AdapterWSBridge = "wsbridge"
	AdapterDiscord  = "discord"
)

const (
	DefaultHTTPAddr               = ":8080"
	DefaultDBDriver               = "sqlite"
	DefaultDBDSN                  = ".crabstack/relay.db"
	DefaultAdapter                = AdapterWSBridge
	DefaultBridgeURL              = "ws://127.0.0.1:9400/v1/engine"
	DefaultBridgeHandshakeTimeout = 15 * time.Second
	DefaultPairingCodeTTL         = 60 * time.Second
	DefaultReconnectDelay         = 3 * time.Second
	DefaultMaxTransientRetries    = 1
	DefaultCommandTimeout         = 30 * time.Second
	DefaultRegistryShards         = 32
	DefaultSubscriberBuffer       = 256
	DefaultRestoreOnBoot          = true
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "console"
	DefaultShutdownTimeout        = 10 * time.Second
	DefaultWebhookTimeout         = 10 * time.Second
)

type Config struct {
	HTTPAddr               string
	HTTPAuthToken          string
	DBDriver               string
	DBDSN                  string
	Adapter                string
	BridgeURL              string
	BridgeHandshakeTimeout time.Duration
	PairingCodeTTL         time.Duration
	ReconnectDelay         time.Duration
	MaxTransientRetries    int
	CommandTimeout         time.Duration
	RegistryShards         int
	SubscriberBuffer       int
	RestoreOnBoot          bool
	CredentialsSealKey     string
	WebhookURLs            []string
	WebhookEventTypes      []string
	WebhookTimeout         time.Duration
	LogLevel               string
	LogFormat              string
	ShutdownTimeout        time.Duration
	SingleTenantID         string
	DiscordBotToken        string
}

func Default() Config {
	return Config{
		HTTPAddr:               DefaultHTTPAddr,
		DBDriver:               DefaultDBDriver,
		DBDSN:                  ResolveCrabstackPath(DefaultDBDSN),
		Adapter:                DefaultAdapter,
		BridgeURL:              DefaultBridgeURL,
		BridgeHandshakeTimeout: DefaultBridgeHandshakeTimeout,
		PairingCodeTTL:         DefaultPairingCodeTTL,
		ReconnectDelay:         DefaultReconnectDelay,
		MaxTransientRetries:    DefaultMaxTransientRetries,
		CommandTimeout:         DefaultCommandTimeout,
		RegistryShards:         DefaultRegistryShards,
		SubscriberBuffer:       DefaultSubscriberBuffer,
		RestoreOnBoot:          DefaultRestoreOnBoot,
		LogLevel:               DefaultLogLevel,
		LogFormat:              DefaultLogFormat,
		ShutdownTimeout:        DefaultShutdownTimeout,
		WebhookTimeout:         DefaultWebhookTimeout,
	}
}

// Load reads the YAML file at path (or the discovered default location when
// path is empty), then overlays CRAB_RELAY_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	fileCfg, err := loadFileConfig(path)
	if err != nil {
		return Config{}, err
	}
	if err := applyYAML(&cfg, fileCfg.Relay); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.HTTPAddr = EnvOrDefault(EnvHTTPAddr, cfg.HTTPAddr)
	cfg.HTTPAuthToken = EnvOrDefault(EnvHTTPAuthToken, cfg.HTTPAuthToken)
	cfg.DBDriver = strings.ToLower(EnvOrDefault(EnvDBDriver, cfg.DBDriver))
	cfg.DBDSN = EnvOrDefault(EnvDBDSN, cfg.DBDSN)
	cfg.Adapter = strings.ToLower(EnvOrDefault(EnvAdapter, cfg.Adapter))
	cfg.BridgeURL = EnvOrDefault(EnvBridgeURL, cfg.BridgeURL)
	cfg.CredentialsSealKey = EnvOrDefault(EnvCredentialsSealKey, cfg.CredentialsSealKey)
	cfg.LogLevel = EnvOrDefault(EnvLogLevel, cfg.LogLevel)
	cfg.LogFormat = EnvOrDefault(EnvLogFormat, cfg.LogFormat)
	cfg.SingleTenantID = EnvOrDefault(EnvSingleTenantID, cfg.SingleTenantID)
	cfg.DiscordBotToken = EnvOrDefault(EnvDiscordBotToken, cfg.DiscordBotToken)
	cfg.RestoreOnBoot = parseBoolEnv(EnvRestoreOnBoot, cfg.RestoreOnBoot)
	if urls := splitList(EnvString(EnvWebhookURLs)); len(urls) > 0 {
		cfg.WebhookURLs = urls
	}
	if eventTypes := splitList(EnvString(EnvWebhookEventTypes)); len(eventTypes) > 0 {
		cfg.WebhookEventTypes = eventTypes
	}

	var err error
	durations := []struct {
		key    string
		target *time.Duration
	}{
		{EnvBridgeHandshakeTimeout, &cfg.BridgeHandshakeTimeout},
		{EnvPairingCodeTTL, &cfg.PairingCodeTTL},
		{EnvReconnectDelay, &cfg.ReconnectDelay},
		{EnvCommandTimeout, &cfg.CommandTimeout},
		{EnvShutdownTimeout, &cfg.ShutdownTimeout},
		{EnvWebhookTimeout, &cfg.WebhookTimeout},
	}
	for _, d := range durations {
		if *d.target, err = parseOptionalDuration(EnvString(d.key), *d.target, d.key); err != nil {
			return err
		}
	}
	ints := []struct {
		key    string
		target *int
	}{
		{EnvMaxTransientRetries, &cfg.MaxTransientRetries},
		{EnvRegistryShards, &cfg.RegistryShards},
		{EnvSubscriberBuffer, &cfg.SubscriberBuffer},
	}
	for _, i := range ints {
		if *i.target, err = parseOptionalInt(EnvString(i.key), *i.target, i.key); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("%s must not be empty", EnvHTTPAddr)
	}
	switch strings.ToLower(strings.TrimSpace(c.DBDriver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%s must be sqlite or postgres", EnvDBDriver)
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("%s must not be empty", EnvDBDSN)
	}
	switch c.Adapter {
	case AdapterWSBridge:
		parsed, err := url.Parse(strings.TrimSpace(c.BridgeURL))
		if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") || parsed.Host == "" {
			return fmt.Errorf("%s must be a ws:// or wss:// url", EnvBridgeURL)
		}
	case AdapterDiscord:
	default:
		return fmt.Errorf("%s must be %s or %s", EnvAdapter, AdapterWSBridge, AdapterDiscord)
	}
	if c.BridgeHandshakeTimeout <= 0 {
		return fmt.Errorf("%s must be > 0", EnvBridgeHandshakeTimeout)
	}
	if c.PairingCodeTTL <= 0 {
		return fmt.Errorf("%s must be > 0", EnvPairingCodeTTL)
	}
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("%s must be >= 0", EnvReconnectDelay)
	}
	if c.MaxTransientRetries < 0 {
		return fmt.Errorf("%s must be >= 0", EnvMaxTransientRetries)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("%s must be > 0", EnvCommandTimeout)
	}
	if c.RegistryShards <= 0 {
		return fmt.Errorf("%s must be > 0", EnvRegistryShards)
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("%s must be > 0", EnvSubscriberBuffer)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%s must be > 0", EnvShutdownTimeout)
	}
	for _, raw := range c.WebhookURLs {
		parsed, err := url.Parse(raw)
		if err != nil || strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
			return fmt.Errorf("invalid webhook url %q", raw)
		}
	}
	for _, raw := range c.WebhookEventTypes {
		if !types.EventType(raw).Valid() {
			return fmt.Errorf("%s: unknown event type %q", EnvWebhookEventTypes, raw)
		}
	}
	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("%s must be > 0", EnvWebhookTimeout)
	}
	return nil
}
