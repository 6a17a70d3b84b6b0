// Package gateway is the HTTP client of the tablet order API. Every call is
// issued once: no retries, one error contract for callers.
package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// DefaultAPIPrefix is the path prefix of the tablet API on the backend.
const DefaultAPIPrefix = "/pdv-movel/api"

// maxBodySize caps how much of a response body is read.
const maxBodySize = 4 << 20

// Config holds the connection settings of the gateway.
type Config struct {
	// BaseURL is the backend origin, e.g. https://erp.example.com.
	BaseURL string
	// APIPrefix defaults to DefaultAPIPrefix.
	APIPrefix string
	// CSRFCookie is the cookie the anti-forgery token is read from.
	// Defaults to "csrftoken".
	CSRFCookie string
	// CSRFToken is used when the cookie jar holds no token.
	CSRFToken string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented client. The client's jar,
// if any, is used to look up the anti-forgery cookie.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTelemetry instruments the default transport with the given providers.
func WithTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) Option {
	return func(c *Client) {
		c.tracerProvider = tp
		c.meterProvider = mp
	}
}

// Client wraps every order and catalog exchange with the backend.
type Client struct {
	base       *url.URL
	prefix     string
	csrfCookie string
	csrfToken  string
	http       *http.Client

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// New creates a Client for the given backend.
func New(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.Errorf("base url %q must be absolute", cfg.BaseURL)
	}

	c := &Client{
		base:       base,
		prefix:     strings.TrimRight(cfg.APIPrefix, "/"),
		csrfCookie: cfg.CSRFCookie,
		csrfToken:  cfg.CSRFToken,
	}
	if c.prefix == "" {
		c.prefix = DefaultAPIPrefix
	}
	if c.csrfCookie == "" {
		c.csrfCookie = "csrftoken"
	}
	for _, o := range opts {
		o(c)
	}

	if c.http == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, errors.Wrap(err, "create cookie jar")
		}
		var topts []otelhttp.Option
		if c.tracerProvider != nil {
			topts = append(topts, otelhttp.WithTracerProvider(c.tracerProvider))
		}
		if c.meterProvider != nil {
			topts = append(topts, otelhttp.WithMeterProvider(c.meterProvider))
		}
		c.http = &http.Client{
			Jar:       jar,
			Transport: otelhttp.NewTransport(http.DefaultTransport, topts...),
		}
	}

	return c, nil
}

// SetCSRFCookie stores the anti-forgery cookie in the client's jar, as the
// browser would after the login page was served.
func (c *Client) SetCSRFCookie(value string) {
	if c.http.Jar == nil {
		c.csrfToken = value
		return
	}
	c.http.Jar.SetCookies(c.base, []*http.Cookie{{Name: c.csrfCookie, Value: value, Path: "/"}})
}

// csrf returns the anti-forgery token for mutating requests.
func (c *Client) csrf() string {
	if c.http.Jar != nil {
		for _, ck := range c.http.Jar.Cookies(c.base) {
			if ck.Name == c.csrfCookie && ck.Value != "" {
				return ck.Value
			}
		}
	}
	return c.csrfToken
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + c.prefix + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do issues a request and returns the raw success body. Non-2xx statuses
// become *Error, transport failures *UnreachableError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), r)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet && method != http.MethodHead {
		if tok := c.csrf(); tok != "" {
			req.Header.Set("X-CSRFToken", tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &UnreachableError{Method: method, Path: path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &UnreachableError{Method: method, Path: path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Status: resp.StatusCode, Message: errorMessage(data)}
	}
	return data, nil
}
