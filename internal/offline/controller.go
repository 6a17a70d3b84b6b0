package offline

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// MessagePath receives control messages.
const MessagePath = "/__offline/message"

// ActionSkipWaiting promotes the waiting worker immediately.
const ActionSkipWaiting = "skipWaiting"

// Message errors.
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadMessage     = errors.New("malformed message")
)

const maxMessageSize = 4 << 10

// Controller owns the worker lifecycle: at most one active worker serves
// requests while a newly installed one waits to take over.
type Controller struct {
	autoActivate bool

	mux     sync.RWMutex
	active  *Worker
	waiting *Worker
}

// NewController creates a Controller. With autoActivate every installed
// worker takes over right away.
func NewController(autoActivate bool) *Controller {
	return &Controller{autoActivate: autoActivate}
}

// Active returns the worker serving requests, or nil.
func (c *Controller) Active() *Worker {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return c.active
}

// Waiting returns the installed worker waiting to take over, or nil.
func (c *Controller) Waiting() *Worker {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return c.waiting
}

// Install installs w as the waiting worker. It is activated at once when no
// worker is active yet or the controller auto-activates.
func (c *Controller) Install(ctx context.Context, w *Worker) error {
	if err := w.Install(ctx); err != nil {
		return errors.Wrapf(err, "install %s", w.CacheName())
	}

	c.mux.Lock()
	c.waiting = w
	activate := c.active == nil || c.autoActivate
	c.mux.Unlock()

	if !activate {
		zctx.From(ctx).Info("Worker waiting", zap.String("cache", w.CacheName()))
		return nil
	}
	return c.SkipWaiting(ctx)
}

// SkipWaiting promotes the waiting worker and activates it. Without a
// waiting worker it does nothing.
func (c *Controller) SkipWaiting(ctx context.Context) error {
	c.mux.Lock()
	w := c.waiting
	if w == nil {
		c.mux.Unlock()
		return nil
	}
	c.active, c.waiting = w, nil
	c.mux.Unlock()

	if _, err := w.Activate(ctx); err != nil {
		return errors.Wrapf(err, "activate %s", w.CacheName())
	}
	return nil
}

// Message handles a control message such as {"action":"skipWaiting"}.
func (c *Controller) Message(ctx context.Context, data []byte) error {
	action, err := decodeAction(data)
	if err != nil {
		return errors.Wrapf(ErrBadMessage, "decode: %v", err)
	}
	switch action {
	case ActionSkipWaiting:
		return c.SkipWaiting(ctx)
	default:
		return errors.Wrapf(ErrUnknownCommand, "action %q", action)
	}
}

func decodeAction(data []byte) (string, error) {
	var action string
	d := jx.DecodeBytes(data)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "action" || d.Next() != jx.String {
			return d.Skip()
		}
		v, err := d.Str()
		if err != nil {
			return err
		}
		action = v
		return nil
	}); err != nil {
		return "", err
	}
	return action, nil
}

// ServeHTTP routes control messages to Message and everything else to the
// active worker.
func (c *Controller) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.URL.Path == MessagePath {
		c.serveMessage(rw, r)
		return
	}

	w := c.Active()
	if w == nil {
		http.Error(rw, "offline proxy not installed", http.StatusServiceUnavailable)
		return
	}
	w.ServeHTTP(rw, r)
}

func (c *Controller) serveMessage(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.Header().Set("Allow", http.MethodPost)
		writeError(rw, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}

	if err := c.Message(r.Context(), data); err != nil {
		zctx.From(r.Context()).Warn("Control message rejected", zap.Error(err))
		status := http.StatusBadRequest
		if !errors.Is(err, ErrUnknownCommand) && !errors.Is(err, ErrBadMessage) {
			status = http.StatusInternalServerError
		}
		writeError(rw, status, err.Error())
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("error")
	e.Str(msg)
	e.ObjEnd()

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_, _ = rw.Write(e.Bytes())
}
