package order

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order as seen by the tablet.
type Status int

const (
	// StatusUninitialized means no order was created on the server yet.
	StatusUninitialized Status = iota
	// StatusDraft is an order that is still accepting item changes.
	StatusDraft
	// StatusSent is terminal: the order now belongs to the register flow.
	StatusSent
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusDraft:
		return "draft"
	case StatusSent:
		return "sent"
	default:
		return "unknown"
	}
}

// PaymentMethod is the payment hint forwarded to the register.
type PaymentMethod string

const (
	PaymentNotInformed PaymentMethod = "NAO_INFORMADO"
	PaymentCash        PaymentMethod = "DINHEIRO"
	PaymentPix         PaymentMethod = "PIX"
	PaymentCredit      PaymentMethod = "CARTAO_CREDITO"
	PaymentDebit       PaymentMethod = "CARTAO_DEBITO"
)

// Tolerance is the rounding tolerance for currency comparisons.
var Tolerance = decimal.New(1, -2)

// ErrTotalsMismatch is returned by Check when subtotal != total + discount.
var ErrTotalsMismatch = errors.New("order totals mismatch")

// Order is the local mirror of a server-side order.
type Order struct {
	ID            string
	Number        string
	Status        Status
	ServerStatus  string
	Items         []Item
	Subtotal      decimal.Decimal
	Discount      decimal.Decimal
	Total         decimal.Decimal
	PaymentMethod PaymentMethod
}

// Item is a single product line of an order.
type Item struct {
	ID          string
	ProductID   string
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Discount    decimal.Decimal
	Total       decimal.Decimal
}

// Snapshot is an order body exactly as returned by the server.
type Snapshot struct {
	ID            string
	Number        string
	Status        string
	Items         []Item
	Discount      decimal.Decimal
	Total         decimal.Decimal
	PaymentMethod PaymentMethod
}

// FromSnapshot builds a draft Order from a server snapshot. Subtotal is
// derived from the server totals, never from the items.
func FromSnapshot(s Snapshot) Order {
	items := make([]Item, len(s.Items))
	copy(items, s.Items)
	return Order{
		ID:            s.ID,
		Number:        s.Number,
		Status:        StatusDraft,
		ServerStatus:  s.Status,
		Items:         items,
		Subtotal:      s.Total.Add(s.Discount),
		Discount:      s.Discount,
		Total:         s.Total,
		PaymentMethod: s.PaymentMethod,
	}
}

// Empty returns a draft order with the given id and no items.
func Empty(id string) Order {
	return Order{
		ID:       id,
		Status:   StatusDraft,
		Items:    []Item{},
		Subtotal: decimal.Zero,
		Discount: decimal.Zero,
		Total:    decimal.Zero,
	}
}

// Clone returns a deep copy of o.
func (o Order) Clone() Order {
	c := o
	if o.Items != nil {
		c.Items = make([]Item, len(o.Items))
		copy(c.Items, o.Items)
	}
	return c
}

// FindProduct returns the line holding productID. Orders are small, so a
// linear scan is fine.
func (o Order) FindProduct(productID string) (Item, bool) {
	for _, it := range o.Items {
		if it.ProductID == productID {
			return it, true
		}
	}
	return Item{}, false
}

// FindItem returns the line with the given server id.
func (o Order) FindItem(id string) (Item, bool) {
	for _, it := range o.Items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// ItemIDs returns the server ids of all lines in server order.
func (o Order) ItemIDs() []string {
	ids := make([]string, len(o.Items))
	for i, it := range o.Items {
		ids[i] = it.ID
	}
	return ids
}

// IsEmpty reports whether the order has no lines.
func (o Order) IsEmpty() bool {
	return len(o.Items) == 0
}

// Check verifies subtotal == total + discount within Tolerance.
func (o Order) Check() error {
	diff := o.Subtotal.Sub(o.Total.Add(o.Discount)).Abs()
	if diff.GreaterThan(Tolerance) {
		return errors.Wrapf(ErrTotalsMismatch, "subtotal %s, total %s, discount %s",
			o.Subtotal.StringFixed(2), o.Total.StringFixed(2), o.Discount.StringFixed(2))
	}
	return nil
}
