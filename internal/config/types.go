package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config holds every process-level option. It is loaded once at startup and
// passed by value to the components that need it.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	RateLimit RateLimitConfig `koanf:"rateLimit"`
	Cache     CacheConfig     `koanf:"cache"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen   ListenConfig   `koanf:"listen"`
	Logging  LoggingConfig  `koanf:"logging"`
	API      APIConfig      `koanf:"api"`
	Store    StoreConfig    `koanf:"store"`
	Database DatabaseConfig `koanf:"database"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// APIConfig scopes rate limiting and caching to the versioned API prefix.
type APIConfig struct {
	Prefix             string `koanf:"prefix"`
	TrustedProxyHeader string `koanf:"trustedProxyHeader"`
}

type StoreConfig struct {
	Backend       string           `koanf:"backend"`
	TimeoutMillis int              `koanf:"timeoutMillis"`
	FailOpen      bool             `koanf:"failOpen"`
	Redis         StoreRedisConfig `koanf:"redis"`
}

type StoreRedisConfig struct {
	Address  string              `koanf:"address"`
	Username string              `koanf:"username"`
	Password string              `koanf:"password"`
	DB       int                 `koanf:"db"`
	TLS      StoreRedisTLSConfig `koanf:"tls"`
}

type StoreRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// RateLimitConfig declares the global tiers, the route table used to name
// requests, and the optional per-route rules.
type RateLimitConfig struct {
	Enabled   bool                  `koanf:"enabled"`
	Global    GlobalRateLimitConfig `koanf:"global"`
	Routes    []RouteConfig         `koanf:"routes"`
	Endpoints []EndpointLimitConfig `koanf:"endpoints"`
	Message   string                `koanf:"message"`
}

type GlobalRateLimitConfig struct {
	Authenticated LimitConfig `koanf:"authenticated"`
	Anonymous     LimitConfig `koanf:"anonymous"`
}

type LimitConfig struct {
	Max           int `koanf:"max"`
	WindowSeconds int `koanf:"windowSeconds"`
}

// RouteConfig maps requests onto a route name. Entries are tried in order.
type RouteConfig struct {
	Name    string   `koanf:"name"`
	Methods []string `koanf:"methods"`
	Path    string   `koanf:"path"`
}

type EndpointLimitConfig struct {
	Route         string `koanf:"route"`
	Max           int    `koanf:"max"`
	WindowSeconds int    `koanf:"windowSeconds"`
}

// CacheConfig wires the response cache. Rules may be declared inline or in a
// separate policy file; the policy file wins when both are present.
type CacheConfig struct {
	Enabled    bool   `koanf:"enabled"`
	PolicyFile string `koanf:"policyFile"`
	Watch      bool   `koanf:"watch"`

	// Source is filled by Loader with where the effective policy came from.
	Source string `koanf:"-"`

	CachePolicy `koanf:",squash"`
}

// CachePolicy is the declarative rule document. Declaration order is significant.
type CachePolicy struct {
	Exclude   []string              `koanf:"exclude"`
	Retrieval []RetrievalRuleConfig `koanf:"retrieval"`
	Update    []MutationRuleConfig  `koanf:"update"`
	Delete    []MutationRuleConfig  `koanf:"delete"`
}

// Empty reports whether the document declares no rules.
func (p CachePolicy) Empty() bool {
	return len(p.Retrieval) == 0 && len(p.Update) == 0 && len(p.Delete) == 0
}

type RetrievalRuleConfig struct {
	Name       string   `koanf:"name"`
	Methods    []string `koanf:"methods"`
	Path       string   `koanf:"path"`
	Key        string   `koanf:"key"`
	TTLSeconds int      `koanf:"ttlSeconds"`
	When       string   `koanf:"when"`
}

type MutationRuleConfig struct {
	Name       string   `koanf:"name"`
	Methods    []string `koanf:"methods"`
	Path       string   `koanf:"path"`
	Invalidate []string `koanf:"invalidate"`
	When       string   `koanf:"when"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port < 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if !strings.HasPrefix(c.Server.API.Prefix, "/") {
		return fmt.Errorf("config: server.api.prefix must start with '/': %q", c.Server.API.Prefix)
	}
	if c.Server.Store.TimeoutMillis < 0 {
		return fmt.Errorf("config: server.store.timeoutMillis invalid: %d", c.Server.Store.TimeoutMillis)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Store.Backend))
	switch backend {
	case "", "memory":
	case "redis", "valkey":
		if strings.TrimSpace(c.Server.Store.Redis.Address) == "" {
			return fmt.Errorf("config: server.store.redis.address required for %s backend", backend)
		}
	default:
		return fmt.Errorf("config: server.store.backend unsupported: %s", c.Server.Store.Backend)
	}
	if c.RateLimit.Enabled {
		if err := validateLimit("rateLimit.global.authenticated", c.RateLimit.Global.Authenticated); err != nil {
			return err
		}
		if err := validateLimit("rateLimit.global.anonymous", c.RateLimit.Global.Anonymous); err != nil {
			return err
		}
	}
	routes := make(map[string]struct{}, len(c.RateLimit.Routes))
	for i, route := range c.RateLimit.Routes {
		if strings.TrimSpace(route.Name) == "" {
			return fmt.Errorf("config: rateLimit.routes[%d].name required", i)
		}
		if strings.TrimSpace(route.Path) == "" {
			return fmt.Errorf("config: rateLimit.routes[%d].path required", i)
		}
		routes[route.Name] = struct{}{}
	}
	for i, endpoint := range c.RateLimit.Endpoints {
		field := fmt.Sprintf("rateLimit.endpoints[%d]", i)
		if strings.TrimSpace(endpoint.Route) == "" {
			return fmt.Errorf("config: %s.route required", field)
		}
		if _, ok := routes[endpoint.Route]; !ok {
			return fmt.Errorf("config: %s.route %q not declared in rateLimit.routes", field, endpoint.Route)
		}
		if err := validateLimit(field, LimitConfig{Max: endpoint.Max, WindowSeconds: endpoint.WindowSeconds}); err != nil {
			return err
		}
	}
	return nil
}

func validateLimit(field string, limit LimitConfig) error {
	if limit.Max <= 0 {
		return fmt.Errorf("config: %s.max must be positive: %d", field, limit.Max)
	}
	if limit.WindowSeconds <= 0 {
		return fmt.Errorf("config: %s.windowSeconds must be positive: %d", field, limit.WindowSeconds)
	}
	return nil
}

// DefaultConfig returns the baseline values used when neither file nor env override them.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			API: APIConfig{
				Prefix:             "/v2",
				TrustedProxyHeader: "CF-Connecting-IP",
			},
			Store: StoreConfig{
				Backend:       "memory",
				TimeoutMillis: 250,
				FailOpen:      true,
			},
			Database: DatabaseConfig{
				Path: "mantle.db",
			},
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Global: GlobalRateLimitConfig{
				Authenticated: LimitConfig{Max: 1000, WindowSeconds: 3600},
				Anonymous:     LimitConfig{Max: 60, WindowSeconds: 60},
			},
			Message: "You have exceeded the limit of {{ .Limit }} requests per {{ .Window }} seconds. Try again in {{ .RetryAfter }} seconds.",
		},
		Cache: CacheConfig{
			Enabled: true,
		},
	}
}
