package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// canonicalSegments restores the camelCase spelling of key segments that
// arrive lower-cased from the environment.
var canonicalSegments = map[string]string{
	"ratelimit":          "rateLimit",
	"correlationheader":  "correlationHeader",
	"trustedproxyheader": "trustedProxyHeader",
	"timeoutmillis":      "timeoutMillis",
	"failopen":           "failOpen",
	"cafile":             "caFile",
	"policyfile":         "policyFile",
	"windowseconds":      "windowSeconds",
}

// Load assembles the effective snapshot and resolves the cache policy source.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			segments := strings.Split(key, "__")
			for i, segment := range segments {
				segment = strings.ToLower(strings.ReplaceAll(segment, "_", ""))
				if mapped, ok := canonicalSegments[segment]; ok {
					segment = mapped
				}
				segments[i] = segment
			}
			return strings.Join(segments, ".")
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	policy, err := ResolveCachePolicy(cfg.Cache)
	if err != nil {
		return Config{}, err
	}
	cfg.Cache.Source = policySource(cfg.Cache)
	cfg.Cache.CachePolicy = policy
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
// Rule lists have no defaults and are left out so file values replace rather than merge.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"api": map[string]any{
				"prefix":             cfg.Server.API.Prefix,
				"trustedProxyHeader": cfg.Server.API.TrustedProxyHeader,
			},
			"store": map[string]any{
				"backend":       cfg.Server.Store.Backend,
				"timeoutMillis": cfg.Server.Store.TimeoutMillis,
				"failOpen":      cfg.Server.Store.FailOpen,
				"redis": map[string]any{
					"address":  cfg.Server.Store.Redis.Address,
					"username": cfg.Server.Store.Redis.Username,
					"password": cfg.Server.Store.Redis.Password,
					"db":       cfg.Server.Store.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Store.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Store.Redis.TLS.CAFile,
					},
				},
			},
			"database": map[string]any{
				"path": cfg.Server.Database.Path,
			},
		},
		"rateLimit": map[string]any{
			"enabled": cfg.RateLimit.Enabled,
			"global": map[string]any{
				"authenticated": map[string]any{
					"max":           cfg.RateLimit.Global.Authenticated.Max,
					"windowSeconds": cfg.RateLimit.Global.Authenticated.WindowSeconds,
				},
				"anonymous": map[string]any{
					"max":           cfg.RateLimit.Global.Anonymous.Max,
					"windowSeconds": cfg.RateLimit.Global.Anonymous.WindowSeconds,
				},
			},
			"message": cfg.RateLimit.Message,
		},
		"cache": map[string]any{
			"enabled":    cfg.Cache.Enabled,
			"policyFile": cfg.Cache.PolicyFile,
			"watch":      cfg.Cache.Watch,
		},
	}
}
