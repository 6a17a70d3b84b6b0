// Package session holds the tablet's view of the order being assembled.
//
// The server is the only source of truth: every successful add or remove
// replaces the whole local order with the server snapshot, and a failed
// request leaves the local order untouched.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/pdv-movel/internal/domain/order"
	"github.com/xenking/pdv-movel/internal/domain/product"
	"github.com/xenking/pdv-movel/internal/gateway"
)

// DefaultOpTimeout bounds a single backend request.
const DefaultOpTimeout = 15 * time.Second

// Gateway is the subset of the order API used by the manager.
type Gateway interface {
	Remover
	CreateOrder(ctx context.Context, note string) (order.Snapshot, error)
	GetOrder(ctx context.Context, id string) (order.Snapshot, error)
	AddItem(ctx context.Context, orderID string, req gateway.AddItemRequest) (order.Snapshot, error)
	SendToRegister(ctx context.Context, id string, method order.PaymentMethod) (order.Snapshot, error)
}

var _ Gateway = (*gateway.Client)(nil)

// Option customizes a Manager.
type Option func(*Manager)

// WithNotifier sets the presentation port.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) {
		if n != nil {
			m.notifier = n
		}
	}
}

// WithOpTimeout sets the per-request timeout. Zero disables it.
func WithOpTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// Manager owns the local mirror of one order session.
//
// Mutating calls are not queued: a call made while another is in flight
// fails with ErrBusy.
type Manager struct {
	gw       Gateway
	notifier Notifier
	timeout  time.Duration

	busy atomic.Bool

	mux sync.RWMutex
	cur order.Order
}

// New creates a Manager with no order.
func New(gw Gateway, opts ...Option) *Manager {
	m := &Manager{
		gw:       gw,
		notifier: NopNotifier{},
		timeout:  DefaultOpTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Current returns a copy of the local order.
func (m *Manager) Current() order.Order {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return m.cur.Clone()
}

// State returns the lifecycle state of the current order.
func (m *Manager) State() order.Status {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return m.cur.Status
}

// Create starts a new order session. Any previous mirror is dropped.
func (m *Manager) Create(ctx context.Context, note string) (order.Order, error) {
	if !m.busy.CompareAndSwap(false, true) {
		return order.Order{}, ErrBusy
	}
	defer m.busy.Store(false)

	lg := zctx.From(ctx)
	rctx, cancel := m.requestContext(ctx)
	defer cancel()

	snap, err := m.gw.CreateOrder(rctx, note)
	if err != nil {
		lg.Error("Create order failed", zap.Error(err))
		m.notifier.Notify(LevelError, Message(err))
		return order.Order{}, &OrderCreateError{Err: err}
	}
	if snap.ID == "" {
		err := errors.New("server returned no order id")
		m.notifier.Notify(LevelError, err.Error())
		return order.Order{}, &OrderCreateError{Err: err}
	}

	o := m.adopt(snap)
	lg.Info("Order created", zap.String("order_id", o.ID), zap.String("number", o.Number))
	return o, nil
}

// Resume adopts an existing server order as the current draft.
func (m *Manager) Resume(ctx context.Context, id string) (order.Order, error) {
	if id == "" {
		return order.Order{}, ErrNoOrder
	}
	if !m.busy.CompareAndSwap(false, true) {
		return order.Order{}, ErrBusy
	}
	defer m.busy.Store(false)

	rctx, cancel := m.requestContext(ctx)
	defer cancel()

	snap, err := m.gw.GetOrder(rctx, id)
	if err != nil {
		m.notifier.Notify(LevelError, Message(err))
		return order.Order{}, errors.Wrapf(err, "get order %s", id)
	}
	if snap.ID == "" {
		snap.ID = id
	}

	o := m.adopt(snap)
	zctx.From(ctx).Info("Order resumed", zap.String("order_id", o.ID), zap.Int("items", len(o.Items)))
	return o, nil
}

// AddItem adds qty units of p. A zero qty means one unit.
//
// When p is already on the order the line is merged: the existing line is
// removed and re-added with the summed quantity and its current price and
// discount. The two requests are not atomic. If the re-add fails the line
// stays removed and a *MergeError with MergeStageAdd is returned.
func (m *Manager) AddItem(ctx context.Context, p product.Product, qty decimal.Decimal) (order.Order, error) {
	if p.ID == "" {
		return order.Order{}, ErrNoProduct
	}
	if qty.IsZero() {
		qty = decimal.NewFromInt(1)
	}
	if qty.IsNegative() {
		return order.Order{}, ErrInvalidQuantity
	}

	cur, err := m.begin()
	if err != nil {
		return order.Order{}, err
	}
	defer m.busy.Store(false)

	lg := zctx.From(ctx).With(zap.String("order_id", cur.ID), zap.String("product_id", p.ID))

	existing, ok := cur.FindProduct(p.ID)
	if !ok {
		rctx, cancel := m.requestContext(ctx)
		defer cancel()

		snap, err := m.gw.AddItem(rctx, cur.ID, gateway.AddItemRequest{
			ProductID: p.ID,
			Quantity:  qty,
			UnitPrice: p.SuggestedPrice,
			Discount:  decimal.Zero,
		})
		if err != nil {
			lg.Warn("Add item failed", zap.Error(err))
			m.notifier.Notify(LevelError, Message(err))
			return order.Order{}, errors.Wrap(err, "add item")
		}

		o := m.adopt(snap)
		lg.Info("Item added", zap.String("quantity", qty.String()), zap.Int("items", len(o.Items)))
		m.notifier.Notify(LevelSuccess, p.Description+" added")
		return o, nil
	}

	return m.merge(ctx, lg, cur, p, existing, qty)
}

func (m *Manager) merge(
	ctx context.Context,
	lg *zap.Logger,
	cur order.Order,
	p product.Product,
	existing order.Item,
	qty decimal.Decimal,
) (order.Order, error) {
	lg = lg.With(zap.String("item_id", existing.ID))

	rctx, cancel := m.requestContext(ctx)
	removed, err := m.gw.RemoveItem(rctx, cur.ID, existing.ID)
	cancel()
	if err != nil {
		lg.Warn("Merge remove failed", zap.Error(err))
		m.notifier.Notify(LevelError, Message(err))
		return order.Order{}, &MergeError{Stage: MergeStageRemove, ProductID: p.ID, ItemID: existing.ID, Err: err}
	}

	newQty := existing.Quantity.Add(qty)
	rctx, cancel = m.requestContext(ctx)
	snap, err := m.gw.AddItem(rctx, cur.ID, gateway.AddItemRequest{
		ProductID: p.ID,
		Quantity:  newQty,
		UnitPrice: existing.UnitPrice,
		Discount:  existing.Discount,
	})
	cancel()
	if err != nil {
		// The server already dropped the line: mirror that.
		m.adopt(removed)
		lg.Error("Merge add failed, line removed", zap.String("quantity", newQty.String()), zap.Error(err))
		m.notifier.Notify(LevelError, Message(err))
		return order.Order{}, &MergeError{Stage: MergeStageAdd, ProductID: p.ID, ItemID: existing.ID, Err: err}
	}

	o := m.adopt(snap)
	lg.Info("Item merged", zap.String("quantity", newQty.String()))
	m.notifier.Notify(LevelSuccess, p.Description+" quantity updated")
	return o, nil
}

// RemoveItem removes the line with the given server id.
func (m *Manager) RemoveItem(ctx context.Context, itemID string) (order.Order, error) {
	cur, err := m.begin()
	if err != nil {
		return order.Order{}, err
	}
	defer m.busy.Store(false)

	if _, ok := cur.FindItem(itemID); !ok {
		return order.Order{}, errors.Wrapf(ErrItemNotFound, "item %s", itemID)
	}

	lg := zctx.From(ctx).With(zap.String("order_id", cur.ID), zap.String("item_id", itemID))
	rctx, cancel := m.requestContext(ctx)
	defer cancel()

	snap, err := m.gw.RemoveItem(rctx, cur.ID, itemID)
	if err != nil {
		lg.Warn("Remove item failed", zap.Error(err))
		m.notifier.Notify(LevelError, Message(err))
		return order.Order{}, errors.Wrap(err, "remove item")
	}

	o := m.adopt(snap)
	lg.Info("Item removed", zap.Int("items", len(o.Items)))
	m.notifier.Notify(LevelSuccess, "Item removed")
	return o, nil
}

// Clear removes every line present when it is called, one by one. On a
// failure the mirror holds the last snapshot the server returned and the
// result lists what is still on the order.
func (m *Manager) Clear(ctx context.Context) (ClearResult, error) {
	cur, err := m.begin()
	if err != nil {
		return ClearResult{}, err
	}
	defer m.busy.Store(false)

	if cur.IsEmpty() {
		return ClearResult{}, nil
	}

	lg := zctx.From(ctx).With(zap.String("order_id", cur.ID))
	res, err := NewClearSequencer(m.gw, m.timeout).Run(ctx, cur.ID, cur.ItemIDs())
	if err != nil {
		if res.Last != nil {
			m.set(*res.Last)
		}
		m.notifier.Notify(LevelError, Message(err))
		return res, err
	}

	empty := order.Empty(cur.ID)
	empty.Number = cur.Number
	m.set(empty)
	lg.Info("Order cleared", zap.Int("removed", len(res.Removed)))
	m.notifier.Notify(LevelSuccess, "Order cleared")
	return res, nil
}

// Submit hands the order to the register with the intended payment method.
// After success the mirror is discarded and the session accepts no more
// changes.
func (m *Manager) Submit(ctx context.Context, method order.PaymentMethod) (order.Order, error) {
	cur, err := m.begin()
	if err != nil {
		return order.Order{}, err
	}
	defer m.busy.Store(false)

	if cur.IsEmpty() {
		return order.Order{}, ErrEmptyOrder
	}
	if method == "" {
		method = order.PaymentNotInformed
	}

	lg := zctx.From(ctx).With(zap.String("order_id", cur.ID))
	rctx, cancel := m.requestContext(ctx)
	defer cancel()

	snap, err := m.gw.SendToRegister(rctx, cur.ID, method)
	if err != nil {
		lg.Warn("Send to register failed", zap.Error(err))
		m.notifier.Notify(LevelError, Message(err))
		return order.Order{}, errors.Wrap(err, "send to register")
	}

	sent := order.FromSnapshot(snap)
	sent.Status = order.StatusSent
	if sent.PaymentMethod == "" {
		sent.PaymentMethod = method
	}

	m.set(order.Order{Status: order.StatusSent})
	lg.Info("Order sent to register",
		zap.String("number", sent.Number),
		zap.String("payment_method", string(method)),
		zap.String("total", sent.Total.StringFixed(2)),
	)
	m.notifier.Notify(LevelSuccess, "Order sent to register")
	return sent, nil
}

// begin takes the in-flight slot and checks that a draft order exists.
func (m *Manager) begin() (order.Order, error) {
	if !m.busy.CompareAndSwap(false, true) {
		return order.Order{}, ErrBusy
	}
	cur := m.Current()
	switch {
	case cur.Status == order.StatusSent:
		m.busy.Store(false)
		return order.Order{}, ErrOrderSent
	case cur.ID == "":
		m.busy.Store(false)
		return order.Order{}, ErrNoOrder
	}
	return cur, nil
}

func (m *Manager) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

func (m *Manager) adopt(s order.Snapshot) order.Order {
	o := order.FromSnapshot(s)
	m.set(o)
	return o.Clone()
}

func (m *Manager) set(o order.Order) {
	m.mux.Lock()
	m.cur = o
	m.mux.Unlock()
	m.notifier.OrderChanged(o.Clone())
}
