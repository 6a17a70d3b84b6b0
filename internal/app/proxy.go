package app

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/pdv-movel/internal/offline"
	"github.com/xenking/pdv-movel/internal/storage/postgres"
	"github.com/xenking/pdv-movel/pkg/health"
	"github.com/xenking/pdv-movel/pkg/httpmiddleware"
)

// RunProxy creates all dependencies of the offline cache proxy, installs the
// configured cache generation, serves until ctx is done and shuts down
// gracefully. SIGHUP reloads the configuration and installs a new
// generation when the cache version changed.
func RunProxy(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *ProxyConfig) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("upstream", cfg.Upstream),
		zap.String("storage", cfg.Storage.Driver),
	)

	healthSvc := health.New()

	storage, closeStorage, err := openStorage(ctx, cfg.Storage, healthSvc)
	if err != nil {
		return err
	}
	defer closeStorage()

	p := newProxy(storage, offline.NewController(cfg.Cache.AutoActivate), m.MeterProvider())
	if err := p.install(ctx, cfg.WorkerConfig()); err != nil {
		return errors.Wrap(err, "install cache")
	}

	healthSvc.AddReadinessCheck("worker", time.Second,
		health.ConditionCheck(func() bool { return p.ctrl.Active() != nil }, "no active worker"))
	healthSvc.AddReadinessCheck("upstream", 5*time.Second,
		health.HTTPCheck(&http.Client{}, strings.TrimRight(cfg.Upstream, "/")+cfg.Cache.Shell),
		health.NonCritical(), health.WithThresholds(1, 1))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.Cache.UpstreamTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           p.handler(zctx.From(ctx), m, healthSvc, cfg.WorkerConfig()),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				p.reload(gctx, LoadProxyConfig)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})
	return g.Wait()
}

// openStorage creates the configured cache storage and registers its
// readiness check.
func openStorage(ctx context.Context, cfg StorageConfig, h *health.Health) (offline.Storage, func(), error) {
	switch cfg.Driver {
	case StoragePostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, errors.Wrap(err, "create db pool")
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, errors.Wrap(err, "run migrations")
		}
		h.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
			return pool.Ping(ctx)
		})
		return postgres.NewCacheStorage(pool, postgres.WithFilterCapacity(cfg.FilterCapacity)), pool.Close, nil
	default:
		return offline.NewMemoryStorage(cfg.MemoryEntries), func() {}, nil
	}
}

type proxy struct {
	storage offline.Storage
	ctrl    *offline.Controller
	meter   metric.MeterProvider
}

func newProxy(storage offline.Storage, ctrl *offline.Controller, meter metric.MeterProvider) *proxy {
	return &proxy{storage: storage, ctrl: ctrl, meter: meter}
}

// install creates a worker for cfg and hands it to the controller.
func (p *proxy) install(ctx context.Context, cfg offline.Config) error {
	w, err := offline.NewWorker(cfg, p.storage, offline.WithMeterProvider(p.meter))
	if err != nil {
		return errors.Wrap(err, "create worker")
	}
	return p.ctrl.Install(ctx, w)
}

// reload installs the generation of a freshly loaded configuration unless
// it is already active or waiting. Failures keep the current workers.
func (p *proxy) reload(ctx context.Context, loadConfig func() (*ProxyConfig, error)) {
	lg := zctx.From(ctx)

	cfg, err := loadConfig()
	if err != nil {
		lg.Error("Reload failed", zap.Error(err))
		return
	}
	wc := cfg.WorkerConfig()
	name := wc.Name + "-" + wc.Version
	for _, w := range []*offline.Worker{p.ctrl.Active(), p.ctrl.Waiting()} {
		if w != nil && w.CacheName() == name {
			lg.Info("Reload skipped, generation already installed", zap.String("cache", name))
			return
		}
	}
	if err := p.install(ctx, wc); err != nil {
		lg.Error("Reload failed", zap.String("cache", name), zap.Error(err))
		return
	}
	lg.Info("Reloaded", zap.String("cache", name))
}

func (p *proxy) handler(lg *zap.Logger, t httpmiddleware.Telemetry, h *health.Health, cfg offline.Config) http.Handler {
	routeFinder := proxyRoutes(cfg)
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", h.LiveEndpoint)
	mux.HandleFunc("/readyz", h.ReadyEndpoint)
	mux.Handle("/", p.ctrl)

	return httpmiddleware.Wrap(mux,
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.Recovery(),
		httpmiddleware.RequestID(),
		httpmiddleware.Instrument("offline-proxy", routeFinder, t),
		httpmiddleware.LogRequests(routeFinder),
		httpmiddleware.Labeler(routeFinder),
	)
}

// proxyRoutes names the request classes the proxy treats differently.
func proxyRoutes(cfg offline.Config) httpmiddleware.RouteFinder {
	apiPrefix := cfg.APIPrefix
	if apiPrefix == "" {
		apiPrefix = offline.DefaultAPIPrefix
	}
	var upstreamHost string
	if u, err := url.Parse(cfg.Upstream); err == nil {
		upstreamHost = u.Host
	}
	return func(r *http.Request) string {
		switch path := r.URL.Path; {
		case path == "/livez" || path == "/readyz":
			return path
		case path == offline.MessagePath:
			return "message"
		case r.URL.IsAbs() && !strings.EqualFold(r.URL.Host, upstreamHost):
			return "cross-origin"
		case strings.HasPrefix(path, apiPrefix):
			return "api"
		default:
			return "asset"
		}
	}
}
