package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"crabstack.local/crab-relay/internal/adapter"
	"crabstack.local/crab-relay/internal/adapter/discord"
	"crabstack.local/crab-relay/internal/adapter/wsbridge"
	"crabstack.local/crab-relay/internal/config"
	"crabstack.local/crab-relay/internal/credentials"
	"crabstack.local/crab-relay/internal/dispatch"
	"crabstack.local/crab-relay/internal/gateway"
	"crabstack.local/crab-relay/internal/httpapi"
	"crabstack.local/crab-relay/internal/logging"
	"crabstack.local/crab-relay/internal/metrics"
	"crabstack.local/crab-relay/internal/relay"
	"crabstack.local/crab-relay/internal/session"
	"crabstack.local/crab-relay/internal/subscribers"
	eventlog "crabstack.local/crab-relay/internal/subscribers/logging"
	"crabstack.local/crab-relay/internal/subscribers/webhook"
	"crabstack.local/crab-relay/internal/types"
)

func main() {
	flags := pflag.NewFlagSet("crab-relay", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to relay.yaml (defaults to $CRAB_RELAY_CONFIG_FILE or .crabstack/relay.yaml)")
	httpAddr := flags.String("http-addr", "", "override the HTTP listen address")
	noRestore := flags.Bool("no-restore", false, "do not reconnect stored tenants on boot")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if value := strings.TrimSpace(*httpAddr); value != "" {
		cfg.HTTPAddr = value
	}
	if *noRestore {
		cfg.RestoreOnBoot = false
	}

	logger := logging.New(logging.Options{App: "crab-relay", Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("relay stopped")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	metrics.Register()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("credential store close error")
		}
	}()

	factory, err := adapterRegistry(cfg, logger).Get(cfg.Adapter)
	if err != nil {
		return err
	}

	subs := []subscribers.Subscriber{eventlog.New(logger)}
	hookOpts := webhookOptions(cfg)
	for idx, webhookURL := range cfg.WebhookURLs {
		subs = append(subs, webhook.New(webhookSubscriberName(idx, webhookURL), webhookURL, logger, hookOpts...))
	}
	dispatcher := dispatch.New(logger, subs)

	hub := relay.NewHub(relay.Options{
		SubscriberBuffer: cfg.SubscriberBuffer,
		Sink:             dispatcher,
		Logger:           logger,
	})
	registry := session.NewRegistry(session.Config{
		PairingCodeTTL:      cfg.PairingCodeTTL,
		ReconnectDelay:      cfg.ReconnectDelay,
		MaxTransientRetries: cfg.MaxTransientRetries,
		CommandTimeout:      cfg.CommandTimeout,
		Shards:              cfg.RegistryShards,
	}, factory, store, hub, logger)
	hub.SetSnapshotSource(registry)

	service := gateway.NewService(logger, registry, hub, store)
	srv := httpapi.NewServer(logger, httpapi.Options{
		Addr:           cfg.HTTPAddr,
		AuthToken:      cfg.HTTPAuthToken,
		SingleTenantID: cfg.SingleTenantID,
	}, service)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("adapter", cfg.Adapter).Msg("listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if cfg.RestoreOnBoot {
		go func() {
			if _, err := service.Restore(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Msg("restore on boot failed")
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err, ok := <-serveErr:
		if ok && err != nil {
			return fmt.Errorf("http server crashed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("session shutdown error")
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("dispatcher did not drain")
	}
	return nil
}

func openStore(cfg config.Config, logger zerolog.Logger) (credentials.Store, error) {
	gormStore, err := credentials.NewGormStore(cfg.DBDriver, cfg.DBDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize credential store: %w", err)
	}
	if strings.TrimSpace(cfg.CredentialsSealKey) == "" {
		return gormStore, nil
	}
	sealer, err := credentials.NewSealer(cfg.CredentialsSealKey)
	if err != nil {
		_ = gormStore.Close()
		return nil, err
	}
	return credentials.NewSealedStore(gormStore, sealer), nil
}

func adapterRegistry(cfg config.Config, logger zerolog.Logger) adapter.Registry {
	return adapter.Registry{
		config.AdapterWSBridge: wsbridge.NewFactory(wsbridge.Config{
			URL:              cfg.BridgeURL,
			HandshakeTimeout: cfg.BridgeHandshakeTimeout,
			Logger:           logger,
		}),
		config.AdapterDiscord: discord.NewFactory(discord.Config{
			BotToken: cfg.DiscordBotToken,
			Logger:   logger,
		}),
	}
}

func webhookOptions(cfg config.Config) []webhook.Option {
	opts := []webhook.Option{webhook.WithHTTPClient(&http.Client{Timeout: cfg.WebhookTimeout})}
	if len(cfg.WebhookEventTypes) > 0 {
		allowed := make(map[types.EventType]struct{}, len(cfg.WebhookEventTypes))
		for _, raw := range cfg.WebhookEventTypes {
			allowed[types.EventType(raw)] = struct{}{}
		}
		opts = append(opts, webhook.WithEventFilter(func(eventType types.EventType) bool {
			_, ok := allowed[eventType]
			return ok
		}))
	}
	return opts
}

func webhookSubscriberName(index int, webhookURL string) string {
	parsed, err := url.Parse(webhookURL)
	if err == nil {
		host := strings.TrimSpace(parsed.Host)
		if host != "" {
			return host
		}
	}
	return fmt.Sprintf("webhook-%d", index+1)
}
