package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"

	"github.com/earthapp/mantle/internal/api"
	"github.com/earthapp/mantle/internal/cachepolicy"
	"github.com/earthapp/mantle/internal/config"
	"github.com/earthapp/mantle/internal/directory"
	"github.com/earthapp/mantle/internal/expr"
	"github.com/earthapp/mantle/internal/kvstore"
	"github.com/earthapp/mantle/internal/logging"
	"github.com/earthapp/mantle/internal/metrics"
	"github.com/earthapp/mantle/internal/ratelimit"
	"github.com/earthapp/mantle/internal/runtime"
	"github.com/earthapp/mantle/internal/server"
	"github.com/earthapp/mantle/internal/templates"
)

const defaultEnvPrefix = "MANTLE"

type configLoader interface {
	Load(context.Context) (config.Config, error)
}

type runnableServer interface {
	Run(context.Context) error
}

var (
	newConfigLoader = func(envPrefix, file string) configLoader {
		return config.NewLoader(envPrefix, file)
	}
	newHTTPServer = func(listen config.ListenConfig, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(listen, logger, handler)
	}
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.Command {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Usage:   "path to configuration file",
		Sources: cli.EnvVars(defaultEnvPrefix + "_CONFIG"),
	}
	envPrefixFlag := &cli.StringFlag{
		Name:  "env-prefix",
		Value: defaultEnvPrefix,
		Usage: "environment variable prefix for configuration overrides",
	}
	serve := func(ctx context.Context, c *cli.Command) error {
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, c.String("env-prefix"), c.String("config"))
	}

	return &cli.Command{
		Name:   "mantle",
		Usage:  "Earth API server with rate limiting and response caching",
		Flags:  []cli.Flag{configFlag, envPrefixFlag},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP server",
				Action: serve,
			},
			{
				Name:      "lint-policy",
				Usage:     "Compile a cache policy and report dangling invalidation patterns",
				ArgsUsage: "[policy-file]",
				Action: func(ctx context.Context, c *cli.Command) error {
					return lintPolicy(ctx, c.Root().Writer, c.String("env-prefix"), c.String("config"), c.Args().First())
				},
			},
		},
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	cfg, err := newConfigLoader(envPrefix, configFile).Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	store := buildStore(logger.With(slog.String("agent", "store_factory")), cfg.Server.Store, recorder)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Error("store shutdown failed", slog.Any("error", err))
		}
	}()

	db, err := directory.Open(cfg.Server.Database.Path)
	if err != nil {
		return err
	}
	if err := directory.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	dir := directory.New(db, nil)
	defer func() {
		if err := dir.Close(); err != nil {
			logger.Error("database close failed", slog.Any("error", err))
		}
	}()

	opts := runtime.Options{
		Prefix:             cfg.Server.API.Prefix,
		TrustedProxyHeader: cfg.Server.API.TrustedProxyHeader,
		CorrelationHeader:  cfg.Server.Logging.CorrelationHeader,
		Store:              store,
		FailOpen:           cfg.Server.Store.FailOpen,
		Requesters:         dir,
		Metrics:            recorder,
	}
	if cfg.RateLimit.Enabled {
		opts.RateLimit, err = ratelimit.NewPolicy(cfg.RateLimit, ratelimit.NewLimiter(store, nil))
		if err != nil {
			return fmt.Errorf("rate limit policy: %w", err)
		}
		opts.Messages, err = ratelimit.NewMessages(templates.NewRenderer(), cfg.RateLimit.Message)
		if err != nil {
			return fmt.Errorf("rate limit message: %w", err)
		}
	}

	var env *expr.Environment
	if cfg.Cache.Enabled {
		env, err = expr.NewEnvironment()
		if err != nil {
			return fmt.Errorf("cache policy environment: %w", err)
		}
		policy, err := config.ResolveCachePolicy(cfg.Cache)
		if err != nil {
			return err
		}
		opts.Engine, err = compilePolicy(logger, cfg.Cache.Source, policy, env)
		if err != nil {
			return err
		}
	}

	coordinator := runtime.NewCoordinator(logger, opts)

	if cfg.Cache.Enabled && cfg.Cache.Watch && strings.TrimSpace(cfg.Cache.PolicyFile) != "" {
		watchLogger := logger.With(slog.String("agent", "policy_watcher"))
		watcher, err := config.WatchPolicy(ctx, cfg.Cache.PolicyFile, func(policy config.CachePolicy) {
			engine, err := compilePolicy(watchLogger, cfg.Cache.PolicyFile, policy, env)
			if err != nil {
				watchLogger.Error("policy reload rejected", slog.Any("error", err))
				return
			}
			coordinator.SwapEngine(engine)
		}, func(err error) {
			watchLogger.Error("policy watcher error", slog.Any("error", err))
		})
		if err != nil {
			watchLogger.Error("policy watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewRouter(server.Routes{
		Prefix:    cfg.Server.API.Prefix,
		API:       api.NewRouter(dir, logger),
		Lifecycle: coordinator.Middleware,
		Metrics:   recorder.Handler(),
		Checks: map[string]server.Check{
			"store":    store.Ping,
			"database": dir.Ping,
		},
	})

	srv, err := newHTTPServer(cfg.Server.Listen, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}

// buildStore picks the configured backend and wraps it with the operation
// timeout. A remote backend that cannot be reached at startup degrades to the
// in-process store.
func buildStore(logger *slog.Logger, cfg config.StoreConfig, recorder *metrics.Recorder) kvstore.Store {
	redisCfg := kvstore.RedisConfig{
		Address:  cfg.Redis.Address,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TLS: kvstore.RedisTLSConfig{
			Enabled: cfg.Redis.TLS.Enabled,
			CAFile:  cfg.Redis.TLS.CAFile,
		},
	}

	var (
		inner kvstore.Store
		err   error
	)
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory store")
		inner = kvstore.NewMemory()
	case "valkey":
		inner, err = kvstore.NewValkey(redisCfg)
	case "redis":
		inner, err = kvstore.NewRedis(redisCfg)
	default:
		logger.Warn("unsupported store backend, defaulting to memory", slog.String("backend", cfg.Backend))
		inner = kvstore.NewMemory()
	}
	if err != nil {
		logger.Error("store initialization failed", slog.String("backend", backend), slog.Any("error", err))
		logger.Info("falling back to memory store")
		inner = kvstore.NewMemory()
	} else if backend == "valkey" || backend == "redis" {
		logger.Info("using remote store", slog.String("backend", backend), slog.String("address", cfg.Redis.Address))
	}

	timeout := time.Duration(cfg.TimeoutMillis) * time.Millisecond
	return kvstore.NewGuarded(inner, timeout, recorder.ObserveStoreError)
}

// compilePolicy builds an engine and logs lint findings. Findings never block
// serving.
func compilePolicy(logger *slog.Logger, source string, policy config.CachePolicy, env *expr.Environment) (*cachepolicy.Engine, error) {
	engine, err := cachepolicy.Compile(source, policy, env)
	if err != nil {
		return nil, fmt.Errorf("compile cache policy: %w", err)
	}
	for _, finding := range cachepolicy.Lint(engine) {
		logger.Warn("dangling invalidation pattern",
			slog.String("source", source),
			slog.String("rule", finding.Rule),
			slog.String("pattern", finding.Pattern),
		)
	}
	return engine, nil
}

// lintPolicy compiles the policy from file, or from configuration when file
// is empty, and prints every finding.
func lintPolicy(ctx context.Context, out io.Writer, envPrefix, configFile, file string) error {
	var (
		policy config.CachePolicy
		source string
		err    error
	)
	if strings.TrimSpace(file) != "" {
		source = file
		policy, err = config.LoadPolicyFile(file)
	} else {
		var cfg config.Config
		cfg, err = newConfigLoader(envPrefix, configFile).Load(ctx)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		source = cfg.Cache.Source
		if source == "" {
			source = config.DefaultPolicySource
		}
		policy, err = config.ResolveCachePolicy(cfg.Cache)
	}
	if err != nil {
		return err
	}

	env, err := expr.NewEnvironment()
	if err != nil {
		return err
	}
	engine, err := cachepolicy.Compile(source, policy, env)
	if err != nil {
		return fmt.Errorf("compile cache policy: %w", err)
	}
	findings := cachepolicy.Lint(engine)
	for _, finding := range findings {
		fmt.Fprintln(out, finding.String())
	}
	if len(findings) > 0 {
		return cli.Exit(fmt.Sprintf("%s: %d dangling invalidation pattern(s)", source, len(findings)), 1)
	}
	fmt.Fprintf(out, "%s: %d rules ok\n", source, len(engine.Rules()))
	return nil
}
