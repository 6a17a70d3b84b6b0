package session

import (
	"context"
	"strconv"
	"sync"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/pdv-movel/internal/domain/order"
	"github.com/xenking/pdv-movel/internal/gateway"
)

// fakeBackend is an in-memory order API that prices lines the way the
// server does: total = quantity * unit price - discount.
type fakeBackend struct {
	mu       sync.Mutex
	nextID   int
	orders   map[string]*order.Snapshot
	calls    []string
	counts   map[string]int
	failAt   map[string]int
	failWith error

	// When set, AddItem signals entered and waits for release.
	entered chan struct{}
	release chan struct{}
	// When set, every call waits for its context to end.
	hang bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		orders:   map[string]*order.Snapshot{},
		counts:   map[string]int{},
		failAt:   map[string]int{},
		failWith: &gateway.Error{Status: 400, Message: "Pedido não pode mais ser editado"},
	}
}

// failOn makes the n-th call (1-based) of method fail.
func (f *fakeBackend) failOn(method string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAt[method] = n
}

func (f *fakeBackend) record(ctx context.Context, method string) error {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.counts[method]++
	n := f.counts[method]
	hang := f.hang
	fail := f.failAt[method] == n
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return &gateway.UnreachableError{Method: method, Err: ctx.Err()}
	}
	if fail {
		return f.failWith
	}
	return nil
}

func (f *fakeBackend) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[method]
}

func (f *fakeBackend) id() string {
	f.nextID++
	return strconv.Itoa(f.nextID)
}

func (f *fakeBackend) snapshot(o *order.Snapshot) order.Snapshot {
	total, discount := decimal.Zero, decimal.Zero
	for _, it := range o.Items {
		total = total.Add(it.Total)
		discount = discount.Add(it.Discount)
	}
	o.Total, o.Discount = total, discount

	s := *o
	s.Items = append([]order.Item(nil), o.Items...)
	return s
}

func (f *fakeBackend) CreateOrder(ctx context.Context, _ string) (order.Snapshot, error) {
	if err := f.record(ctx, "create"); err != nil {
		return order.Snapshot{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id()
	o := &order.Snapshot{ID: id, Number: "000" + id, Status: "RASCUNHO"}
	f.orders[id] = o
	return f.snapshot(o), nil
}

func (f *fakeBackend) GetOrder(ctx context.Context, id string) (order.Snapshot, error) {
	if err := f.record(ctx, "get"); err != nil {
		return order.Snapshot{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return order.Snapshot{}, &gateway.Error{Status: 404, Message: "Not found."}
	}
	return f.snapshot(o), nil
}

func (f *fakeBackend) AddItem(ctx context.Context, orderID string, req gateway.AddItemRequest) (order.Snapshot, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	if err := f.record(ctx, "add"); err != nil {
		return order.Snapshot{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return order.Snapshot{}, &gateway.Error{Status: 404, Message: "Not found."}
	}
	o.Items = append(o.Items, order.Item{
		ID:        f.id(),
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		UnitPrice: req.UnitPrice,
		Discount:  req.Discount,
		Total:     req.Quantity.Mul(req.UnitPrice).Sub(req.Discount),
	})
	return f.snapshot(o), nil
}

func (f *fakeBackend) RemoveItem(ctx context.Context, orderID, itemID string) (order.Snapshot, error) {
	if err := f.record(ctx, "remove"); err != nil {
		return order.Snapshot{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return order.Snapshot{}, &gateway.Error{Status: 404, Message: "Not found."}
	}
	for i, it := range o.Items {
		if it.ID == itemID {
			o.Items = append(o.Items[:i], o.Items[i+1:]...)
			return f.snapshot(o), nil
		}
	}
	return order.Snapshot{}, &gateway.Error{Status: 400, Message: "Item não encontrado"}
}

func (f *fakeBackend) SendToRegister(ctx context.Context, id string, method order.PaymentMethod) (order.Snapshot, error) {
	if err := f.record(ctx, "send"); err != nil {
		return order.Snapshot{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return order.Snapshot{}, errors.New("unknown order")
	}
	o.Status = "AGUARDANDO_PAGAMENTO"
	o.PaymentMethod = method
	return f.snapshot(o), nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	changes  []order.Order
	messages []string
	levels   []Level
}

func (r *recordingNotifier) OrderChanged(o order.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, o)
}

func (r *recordingNotifier) Notify(level Level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels = append(r.levels, level)
	r.messages = append(r.messages, msg)
}
