package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/wecombridge/wecombridge/internal/account"
	"github.com/wecombridge/wecombridge/internal/config"
	"github.com/wecombridge/wecombridge/internal/gateway"
	"github.com/wecombridge/wecombridge/internal/inbound"
	"github.com/wecombridge/wecombridge/internal/logger"
	"github.com/wecombridge/wecombridge/internal/outbound"
	"github.com/wecombridge/wecombridge/internal/policy"
	"github.com/wecombridge/wecombridge/internal/server"
	"github.com/wecombridge/wecombridge/internal/webhook"
	"github.com/wecombridge/wecombridge/internal/wecom"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideClient,
			provideTokenCache,
			provideResolver,
			provideRegistry,
			provideRuntime,
			provideEngine,
			provideDelivery,
			provideProcessor,
			provideHandler,
			provideServer,
		),
		fx.Invoke(
			registerBindings,
			probeAccounts,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func configPath() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	return config.DefaultConfigPath
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideClient(log *slog.Logger) *wecom.Client {
	return wecom.NewClient(log)
}

func provideTokenCache(log *slog.Logger, client *wecom.Client) *wecom.TokenCache {
	return wecom.NewTokenCache(log, client)
}

func provideResolver() *account.Resolver {
	return account.NewResolver(func() (config.Config, error) {
		return config.Load(configPath())
	})
}

func provideRegistry() *webhook.Registry {
	return webhook.NewRegistry()
}

// provideRuntime wires the in-process reference implementations. A host
// embedding the bridge replaces this with its own capability bag.
func provideRuntime() gateway.Runtime {
	return gateway.Runtime{
		Pairing:    gateway.NewMemoryPairingService(),
		Sessions:   gateway.NewMemorySessionStore(),
		Router:     gateway.StaticRouter{},
		Dispatcher: gateway.EchoDispatcher{},
		Commands:   gateway.PrefixCommandParser{},
	}
}

func provideEngine(log *slog.Logger, runtime gateway.Runtime) *policy.Engine {
	return policy.NewEngine(log, runtime.Pairing)
}

func provideDelivery(log *slog.Logger, client *wecom.Client, tokens *wecom.TokenCache) *outbound.Delivery {
	return outbound.NewDelivery(log, client, tokens)
}

func provideProcessor(log *slog.Logger, runtime gateway.Runtime, engine *policy.Engine, delivery *outbound.Delivery) *inbound.Processor {
	return inbound.NewProcessor(log, runtime, engine, delivery)
}

func provideHandler(log *slog.Logger, registry *webhook.Registry, resolver *account.Resolver) *webhook.Handler {
	return webhook.NewHandler(log, registry, resolver)
}

func provideServer(log *slog.Logger, cfg config.Config, handler *webhook.Handler, resolver *account.Resolver) (*server.Server, error) {
	paths, err := webhookPaths(resolver)
	if err != nil {
		return nil, err
	}
	return server.NewServer(log, cfg.Server.Addr, handler, paths), nil
}

func webhookPaths(resolver *account.Resolver) ([]string, error) {
	accounts, err := resolver.ResolveAll()
	if err != nil {
		return nil, fmt.Errorf("resolve accounts: %w", err)
	}
	seen := map[string]bool{}
	paths := []string{}
	for _, acct := range accounts {
		path := webhook.NormalizePath(acct.WebhookPath)
		if !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	}
	if len(paths) == 0 {
		paths = append(paths, config.DefaultWebhookPath)
	}
	return paths, nil
}

// registerBindings publishes every configured account on the registry
// so POST delivery resolves a target from the first request on. Bindings
// come down with the app; in-flight processing is not cancelled.
func registerBindings(lc fx.Lifecycle, log *slog.Logger, resolver *account.Resolver, registry *webhook.Registry, processor *inbound.Processor) error {
	accounts, err := resolver.ResolveAll()
	if err != nil {
		return fmt.Errorf("resolve accounts: %w", err)
	}
	for _, acct := range accounts {
		registry.Register(acct.WebhookPath, webhook.Binding{Account: acct, Sink: processor})
		log.Info("webhook target registered",
			slog.String("account", acct.ID),
			slog.String("path", webhook.NormalizePath(acct.WebhookPath)))
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		for _, acct := range accounts {
			registry.Unregister(acct.WebhookPath, acct.ID)
		}
		return nil
	}})
	return nil
}

// probeAccounts checks each configured account's credentials against
// the vendor at startup. Failures are logged, never fatal.
func probeAccounts(lc fx.Lifecycle, log *slog.Logger, resolver *account.Resolver, client *wecom.Client, tokens *wecom.TokenCache) {
	lc.Append(fx.Hook{OnStart: func(ctx context.Context) error {
		accounts, err := resolver.ResolveAll()
		if err != nil {
			log.Warn("account probe skipped", slog.Any("error", err))
			return nil
		}
		for _, acct := range accounts {
			if !acct.Configured() {
				log.Warn("account not configured for sending", slog.String("account", acct.ID))
				continue
			}
			token, err := tokens.Token(ctx, acct.CorpID, acct.Secret)
			if err != nil {
				log.Warn("account probe failed",
					slog.String("account", acct.ID),
					slog.Any("error", err))
				continue
			}
			info, err := client.FetchAgentInfo(ctx, token, acct.AgentID)
			if err != nil {
				log.Warn("agent lookup failed",
					slog.String("account", acct.ID),
					slog.Any("error", err))
				continue
			}
			log.Info("account ready",
				slog.String("account", acct.ID),
				slog.String("agent", info.Name),
				slog.String("agent_id", strconv.FormatInt(info.AgentID, 10)))
		}
		return nil
	}})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
