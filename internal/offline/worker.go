// Package offline implements the offline cache proxy of the tablet.
//
// The proxy sits in front of the backend origin. Live API traffic always
// goes to the network. Pages and static assets are fetched network-first
// and copied into a versioned cache store, which answers when the backend
// cannot be reached.
package offline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Defaults of the tablet app deployment.
const (
	DefaultName      = "pdv-movel"
	DefaultVersion   = "v1"
	DefaultAPIPrefix = "/pdv-movel/api/"
	DefaultShell     = "/pdv-movel/"

	defaultInstallConcurrency = 4
	defaultMaxBodySize        = 8 << 20
	defaultUpstreamTimeout    = 30 * time.Second
)

// DefaultPrecache is the shell: entry pages, stylesheets, core scripts and
// the manifest.
var DefaultPrecache = []string{
	"/pdv-movel/",
	"/pdv-movel/login/",
	"/pdv-movel/pedido/novo/",
	"/pdv-movel/pedidos/",
	"/static/pdv_movel/css/base.css",
	"/static/pdv_movel/css/components.css",
	"/static/pdv_movel/css/tablet.css",
	"/static/pdv_movel/js/utils.js",
	"/static/pdv_movel/js/api.js",
	"/static/pdv_movel/js/pedido.js",
	"/static/pdv_movel/js/produtos.js",
	"/static/pdv_movel/manifest.json",
}

// Header set on responses served from the cache store.
const cacheHeader = "X-Offline-Cache"

const unavailableBody = "Resource not available offline"

// Config describes one cache generation.
type Config struct {
	// Upstream is the backend origin, e.g. http://erp:8000.
	Upstream string
	// Name and Version form the cache store name "<name>-<version>".
	Name    string
	Version string
	// APIPrefix is never cached.
	APIPrefix string
	// Shell is served to navigations that have no cached copy.
	Shell    string
	Precache []string

	InstallConcurrency int
	MaxBodySize        int64
	UpstreamTimeout    time.Duration
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.APIPrefix == "" {
		c.APIPrefix = DefaultAPIPrefix
	}
	if c.Shell == "" {
		c.Shell = DefaultShell
	}
	if c.Precache == nil {
		c.Precache = DefaultPrecache
	}
	if c.InstallConcurrency <= 0 {
		c.InstallConcurrency = defaultInstallConcurrency
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = defaultMaxBodySize
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = defaultUpstreamTimeout
	}
}

// CacheName returns the store name of this generation.
func (c Config) CacheName() string {
	return c.Name + "-" + c.Version
}

// Option customizes a Worker.
type Option func(*Worker)

// WithHTTPClient replaces the upstream client. Redirects should not be
// followed by it: they are passed on to the browser.
func WithHTTPClient(hc *http.Client) Option {
	return func(w *Worker) { w.http = hc }
}

// WithMeterProvider sets the provider of the cache counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(w *Worker) { w.meterProvider = mp }
}

// Worker is one version of the cache proxy.
type Worker struct {
	cfg       Config
	upstream  *url.URL
	cacheName string
	storage   Storage
	http      *http.Client

	meterProvider metric.MeterProvider
	hits          metric.Int64Counter
	misses        metric.Int64Counter
	fallbacks     metric.Int64Counter
	attrs         metric.MeasurementOption

	installed atomic.Bool
}

// NewWorker creates a Worker for one cache generation.
func NewWorker(cfg Config, storage Storage, opts ...Option) (*Worker, error) {
	cfg.setDefaults()
	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, errors.Wrap(err, "parse upstream")
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, errors.Errorf("upstream %q must be absolute", cfg.Upstream)
	}

	w := &Worker{
		cfg:       cfg,
		upstream:  upstream,
		cacheName: cfg.CacheName(),
		storage:   storage,
	}
	for _, o := range opts {
		o(w)
	}
	if w.meterProvider == nil {
		w.meterProvider = otel.GetMeterProvider()
	}
	if w.http == nil {
		w.http = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport, otelhttp.WithMeterProvider(w.meterProvider)),
			Timeout:   cfg.UpstreamTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if err := w.initMetrics(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Worker) initMetrics() error {
	meter := w.meterProvider.Meter("github.com/xenking/pdv-movel/internal/offline")

	var err error
	if w.hits, err = meter.Int64Counter("offline.cache.hits",
		metric.WithDescription("Requests answered from the cache store after a network failure"),
	); err != nil {
		return errors.Wrap(err, "hits counter")
	}
	if w.misses, err = meter.Int64Counter("offline.cache.misses",
		metric.WithDescription("Network failures with no exact cache entry"),
	); err != nil {
		return errors.Wrap(err, "misses counter")
	}
	if w.fallbacks, err = meter.Int64Counter("offline.fallbacks",
		metric.WithDescription("Navigations answered with the cached shell page"),
	); err != nil {
		return errors.Wrap(err, "fallbacks counter")
	}
	w.attrs = metric.WithAttributes(attribute.String("cache", w.cacheName))
	return nil
}

// CacheName returns the name of the store this worker owns.
func (w *Worker) CacheName() string {
	return w.cacheName
}

// Installed reports whether Install completed.
func (w *Worker) Installed() bool {
	return w.installed.Load()
}

// Install opens the store and fetches the precache list into it. A resource
// that cannot be fetched is logged and skipped.
func (w *Worker) Install(ctx context.Context) error {
	lg := zctx.From(ctx).With(zap.String("cache", w.cacheName))

	if err := w.storage.Open(ctx, w.cacheName); err != nil {
		return errors.Wrap(err, "open cache")
	}

	var cached, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.InstallConcurrency)
	for _, path := range w.cfg.Precache {
		g.Go(func() error {
			if err := w.precache(gctx, path); err != nil {
				failed.Add(1)
				lg.Warn("Precache failed", zap.String("path", path), zap.Error(err))
				return nil
			}
			cached.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	w.installed.Store(true)
	lg.Info("Installed",
		zap.Int64("cached", cached.Load()),
		zap.Int64("failed", failed.Load()),
	)
	return nil
}

func (w *Worker) precache(ctx context.Context, path string) error {
	ref, err := url.Parse(path)
	if err != nil {
		return errors.Wrap(err, "parse path")
	}
	target := w.target(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "fetch")
	}
	defer func() { _ = resp.Body.Close() }()

	if !ok(resp.StatusCode) {
		return errors.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, w.cfg.MaxBodySize+1))
	if err != nil {
		return errors.Wrap(err, "read body")
	}
	if int64(len(body)) > w.cfg.MaxBodySize {
		return errors.Errorf("body exceeds %d bytes", w.cfg.MaxBodySize)
	}
	return w.store(ctx, CacheKey(ref), resp, body)
}

// Activate deletes every cache store except this worker's and returns the
// deleted names.
func (w *Worker) Activate(ctx context.Context) ([]string, error) {
	lg := zctx.From(ctx).With(zap.String("cache", w.cacheName))

	names, err := w.storage.Names(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list caches")
	}

	var deleted []string
	for _, name := range names {
		if name == w.cacheName {
			continue
		}
		existed, err := w.storage.Delete(ctx, name)
		if err != nil {
			return deleted, errors.Wrapf(err, "delete cache %s", name)
		}
		if existed {
			deleted = append(deleted, name)
		}
	}

	lg.Info("Activated", zap.Strings("deleted", deleted))
	return deleted, nil
}

// ServeHTTP handles one intercepted request.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	// Absolute-form requests for another host are forwarded as is.
	if r.URL.IsAbs() && !strings.EqualFold(r.URL.Host, w.upstream.Host) {
		w.passThrough(rw, r, r.URL)
		return
	}

	target := w.target(r.URL)
	if strings.HasPrefix(r.URL.Path, w.cfg.APIPrefix) {
		w.passThrough(rw, r, target)
		return
	}
	w.networkFirst(rw, r, target)
}

// passThrough forwards r and relays the answer. Nothing is cached and a
// network failure is reported as a bad gateway.
func (w *Worker) passThrough(rw http.ResponseWriter, r *http.Request, target *url.URL) {
	resp, err := w.roundTrip(r, target)
	if err != nil {
		zctx.From(r.Context()).Warn("Upstream request failed", zap.String("url", target.String()), zap.Error(err))
		http.Error(rw, err.Error(), http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	copyHeader(rw.Header(), resp.Header)
	rw.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(rw, resp.Body)
}

func (w *Worker) networkFirst(rw http.ResponseWriter, r *http.Request, target *url.URL) {
	ctx := r.Context()
	lg := zctx.From(ctx)

	resp, err := w.roundTrip(r, target)
	if err != nil {
		lg.Debug("Network failed, trying cache", zap.String("path", r.URL.Path), zap.Error(err))
		w.fallback(rw, r)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if r.Method != http.MethodGet || !ok(resp.StatusCode) {
		copyHeader(rw.Header(), resp.Header)
		rw.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(rw, resp.Body)
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, w.cfg.MaxBodySize+1))
	if err != nil {
		lg.Debug("Read upstream body failed, trying cache", zap.String("path", r.URL.Path), zap.Error(err))
		w.fallback(rw, r)
		return
	}

	var rest io.Reader = bytes.NewReader(nil)
	if int64(len(body)) > w.cfg.MaxBodySize {
		rest = resp.Body
	} else if err := w.store(ctx, CacheKey(r.URL), resp, body); errors.Is(err, ErrNoStore) {
		lg.Debug("Cache retired, response not stored", zap.String("path", r.URL.Path))
	} else if err != nil {
		lg.Warn("Cache store failed", zap.String("path", r.URL.Path), zap.Error(err))
	}

	copyHeader(rw.Header(), resp.Header)
	rw.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(rw, io.MultiReader(bytes.NewReader(body), rest))
}

// fallback answers a request the network could not: exact cache entry,
// then the shell for navigations, then a synthetic 503.
func (w *Worker) fallback(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		cached, err := w.storage.Match(ctx, w.cacheName, CacheKey(r.URL))
		if err == nil {
			w.hits.Add(ctx, 1, w.attrs)
			writeCached(rw, r, cached, "hit")
			return
		}
		if !errors.Is(err, ErrNotCached) {
			zctx.From(ctx).Warn("Cache lookup failed", zap.Error(err))
		}
	}
	w.misses.Add(ctx, 1, w.attrs)

	if IsNavigation(r) {
		shell, err := w.storage.Match(ctx, w.cacheName, w.shellKey())
		if err == nil {
			w.fallbacks.Add(ctx, 1, w.attrs)
			writeCached(rw, r, shell, "shell")
			return
		}
	}

	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(rw, unavailableBody)
}

func (w *Worker) store(ctx context.Context, key string, resp *http.Response, body []byte) error {
	header := make(http.Header, len(resp.Header))
	copyHeader(header, resp.Header)
	return w.storage.Put(ctx, w.cacheName, key, &Response{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	})
}

func (w *Worker) shellKey() string {
	ref, err := url.Parse(w.cfg.Shell)
	if err != nil {
		return w.cfg.Shell
	}
	return CacheKey(ref)
}

// target resolves the path and query of ref against the upstream origin.
func (w *Worker) target(ref *url.URL) *url.URL {
	t := *w.upstream
	t.Path = ref.Path
	t.RawPath = ref.RawPath
	t.RawQuery = ref.RawQuery
	t.Fragment = ""
	return &t
}

func (w *Worker) roundTrip(r *http.Request, target *url.URL) (*http.Response, error) {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.URL = target
	out.Host = target.Host
	removeHopHeaders(out.Header)
	if r.Host != "" && r.Host != target.Host {
		out.Header.Set("X-Forwarded-Host", r.Host)
	}
	return w.http.Do(out)
}

// CacheKey is the store key of a request URL: escaped path plus query.
func CacheKey(u *url.URL) string {
	key := u.EscapedPath()
	if key == "" {
		key = "/"
	}
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}

// IsNavigation reports whether r loads a page rather than a subresource.
func IsNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

func ok(status int) bool {
	return status >= 200 && status < 300
}

func writeCached(rw http.ResponseWriter, r *http.Request, cached *Response, source string) {
	copyHeader(rw.Header(), cached.Header)
	rw.Header().Set(cacheHeader, source)
	rw.WriteHeader(cached.Status)
	if r.Method != http.MethodHead {
		_, _ = rw.Write(cached.Body)
	}
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		if isHop(k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isHop(k string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(k, h) {
			return true
		}
	}
	return false
}
