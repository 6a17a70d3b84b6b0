package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"

	"github.com/xenking/pdv-movel/internal/gateway"
	"github.com/xenking/pdv-movel/internal/offline"
	"github.com/xenking/pdv-movel/internal/session"
)

// Storage drivers of the proxy cache.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// ProxyConfig configures the offline cache proxy, loadable from environment
// variables (PDV_ prefix), flags, or YAML config files.
type ProxyConfig struct {
	Addr     string `default:"0.0.0.0:8080" usage:"Proxy listen address"`
	Upstream string `usage:"Backend origin, e.g. http://erp:8000 (PDV_UPSTREAM)" flag:"upstream"`
	Cache    CacheConfig
	Storage  StorageConfig
	Graceful GracefulConfig
}

// CacheConfig describes the cache generation the proxy installs.
type CacheConfig struct {
	Name               string        `default:"pdv-movel" usage:"Cache store name prefix"`
	Version            string        `default:"v1" usage:"Cache generation; bump it to roll out a new one"`
	APIPrefix          string        `default:"/pdv-movel/api/" usage:"Path prefix that is never cached" flag:"api-prefix"`
	Shell              string        `default:"/pdv-movel/" usage:"Page served to offline navigations"`
	Precache           []string      `usage:"Paths fetched on install (default: the tablet app shell)"`
	AutoActivate       bool          `default:"false" usage:"Activate a new generation without waiting for skipWaiting" flag:"auto-activate"`
	InstallConcurrency int           `default:"4" usage:"Parallel precache fetches" flag:"install-concurrency"`
	MaxBodySize        int64         `default:"10485760" usage:"Largest response body stored" flag:"max-body-size"`
	UpstreamTimeout    time.Duration `default:"30s" usage:"Timeout of one upstream request" flag:"upstream-timeout"`
}

// StorageConfig selects where cache stores live.
type StorageConfig struct {
	Driver         string `default:"memory" usage:"Cache storage: memory or postgres"`
	MemoryEntries  int    `default:"1024" usage:"Entries per store of the memory storage" flag:"memory-entries"`
	DatabaseURL    string `usage:"PostgreSQL connection URL (PDV_STORAGE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	FilterCapacity uint   `default:"100000" usage:"Expected keys per store of the postgres bloom filter" flag:"filter-capacity"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// WorkerConfig returns the worker settings of the configured generation.
func (c *ProxyConfig) WorkerConfig() offline.Config {
	return offline.Config{
		Upstream:           c.Upstream,
		Name:               c.Cache.Name,
		Version:            c.Cache.Version,
		APIPrefix:          c.Cache.APIPrefix,
		Shell:              c.Cache.Shell,
		Precache:           c.Cache.Precache,
		InstallConcurrency: c.Cache.InstallConcurrency,
		MaxBodySize:        c.Cache.MaxBodySize,
		UpstreamTimeout:    c.Cache.UpstreamTimeout,
	}
}

// LoadProxyConfig loads the proxy configuration and applies platform
// defaults.
func LoadProxyConfig() (*ProxyConfig, error) {
	var cfg ProxyConfig
	if err := load(&cfg); err != nil {
		return nil, err
	}
	cfg.applyPlatformDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables such as
// DATABASE_URL and PORT to the PDV_-prefixed configuration.
func (c *ProxyConfig) applyPlatformDefaults() {
	if c.Storage.DatabaseURL == "" {
		c.Storage.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

func (c *ProxyConfig) validate() error {
	if c.Upstream == "" {
		return errors.New("upstream is required: set PDV_UPSTREAM")
	}
	switch c.Storage.Driver {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("postgres storage needs a database URL: set PDV_STORAGE_DATABASE_URL or DATABASE_URL")
		}
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

// OrderConfig configures the order session console.
type OrderConfig struct {
	Gateway GatewayConfig
	Session SessionConfig
}

// GatewayConfig holds the backend connection of the order session.
type GatewayConfig struct {
	BaseURL    string `usage:"Backend origin, e.g. http://erp:8000 (PDV_GATEWAY_BASE_URL)" flag:"base-url"`
	APIPrefix  string `default:"/pdv-movel/api" usage:"Path prefix of the tablet API" flag:"gateway-api-prefix"`
	CSRFCookie string `default:"csrftoken" usage:"Cookie holding the anti-forgery token" flag:"csrf-cookie"`
	CSRFToken  string `usage:"Anti-forgery token sent on every mutating request" flag:"csrf-token"`
}

// SessionConfig tunes the order state manager.
type SessionConfig struct {
	OpTimeout   time.Duration `default:"15s" usage:"Timeout of one backend request" flag:"op-timeout"`
	CatalogSize int           `default:"512" usage:"Products kept in the reference cache" flag:"catalog-size"`
}

// ClientConfig returns the gateway settings.
func (c *OrderConfig) ClientConfig() gateway.Config {
	return gateway.Config{
		BaseURL:    c.Gateway.BaseURL,
		APIPrefix:  c.Gateway.APIPrefix,
		CSRFCookie: c.Gateway.CSRFCookie,
		CSRFToken:  c.Gateway.CSRFToken,
	}
}

// LoadOrderConfig loads the order session configuration.
func LoadOrderConfig() (*OrderConfig, error) {
	var cfg OrderConfig
	if err := load(&cfg); err != nil {
		return nil, err
	}
	if cfg.Gateway.BaseURL == "" {
		return nil, errors.New("backend URL is required: set PDV_GATEWAY_BASE_URL")
	}
	if cfg.Session.OpTimeout <= 0 {
		cfg.Session.OpTimeout = session.DefaultOpTimeout
	}
	return &cfg, nil
}

// load fills dst from .env, environment variables, flags and YAML files.
func load(dst any) error {
	// A missing .env is the normal case outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "load .env")
	}

	loader := aconfig.LoaderFor(dst, aconfig.Config{
		EnvPrefix: "PDV",
		Files:     []string{"config.yaml", "/etc/pdv/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return errors.Wrap(err, "load config")
	}
	return nil
}
