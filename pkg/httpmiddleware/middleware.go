// Package httpmiddleware contains the HTTP middleware chain shared by the
// servers of this module.
package httpmiddleware

import "net/http"

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Wrap applies middlewares to h. The first middleware is the outermost one.
func Wrap(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// RouteFinder maps a request to a low-cardinality route name for logs,
// spans and metrics. An empty result means the route is unknown.
type RouteFinder func(r *http.Request) string

func (f RouteFinder) find(r *http.Request) string {
	if f == nil {
		return ""
	}
	return f(r)
}
