package gateway

import (
	"context"
	"net/http"
	"net/url"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/pdv-movel/internal/domain/order"
)

// AddItemRequest is the body of an "add item" call.
type AddItemRequest struct {
	ProductID string
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	Discount  decimal.Decimal
	// Barcode optionally records which barcode was scanned.
	Barcode string
}

// OrderPatch is a partial order update. Nil fields are left untouched.
type OrderPatch struct {
	PaymentMethod *order.PaymentMethod
	Notes         *string
	CustomerID    *string
}

// CreateOrder asks the backend for a new empty order.
func (c *Client) CreateOrder(ctx context.Context, note string) (order.Snapshot, error) {
	data, err := c.do(ctx, http.MethodPost, "/pedidos/", nil, encodeNewOrder(note))
	if err != nil {
		return order.Snapshot{}, err
	}
	return decodeOrder(data)
}

// GetOrder fetches an order by id.
func (c *Client) GetOrder(ctx context.Context, id string) (order.Snapshot, error) {
	data, err := c.do(ctx, http.MethodGet, "/pedidos/"+url.PathEscape(id)+"/", nil, nil)
	if err != nil {
		return order.Snapshot{}, err
	}
	return decodeOrder(data)
}

// ListOrders lists the operator's orders, optionally filtered by server status.
func (c *Client) ListOrders(ctx context.Context, status string) ([]order.Snapshot, error) {
	var q url.Values
	if status != "" {
		q = url.Values{"status": {status}}
	}
	data, err := c.do(ctx, http.MethodGet, "/pedidos/", q, nil)
	if err != nil {
		return nil, err
	}
	return decodeOrders(data)
}

// UpdateOrder applies a partial update and returns the fresh snapshot.
func (c *Client) UpdateOrder(ctx context.Context, id string, patch OrderPatch) (order.Snapshot, error) {
	data, err := c.do(ctx, http.MethodPatch, "/pedidos/"+url.PathEscape(id)+"/", nil, encodePatch(patch))
	if err != nil {
		return order.Snapshot{}, err
	}
	return decodeOrder(data)
}

// SendToRegister sets the intended payment method, handing the order to the
// register flow.
func (c *Client) SendToRegister(ctx context.Context, id string, method order.PaymentMethod) (order.Snapshot, error) {
	if method == "" {
		method = order.PaymentNotInformed
	}
	s, err := c.UpdateOrder(ctx, id, OrderPatch{PaymentMethod: &method})
	if err != nil {
		return order.Snapshot{}, err
	}
	if s.ID == "" {
		s.ID = id
	}
	return s, nil
}

// CancelOrder abandons an order.
func (c *Client) CancelOrder(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/pedidos/"+url.PathEscape(id)+"/", nil, nil)
	return err
}

// AddItem adds one line and returns the whole recomputed order.
func (c *Client) AddItem(ctx context.Context, orderID string, req AddItemRequest) (order.Snapshot, error) {
	if req.ProductID == "" {
		return order.Snapshot{}, errors.New("product id required")
	}
	data, err := c.do(ctx, http.MethodPost, "/pedidos/"+url.PathEscape(orderID)+"/adicionar_item/", nil, encodeAddItem(req))
	if err != nil {
		return order.Snapshot{}, err
	}
	return decodeOrder(data)
}

// RemoveItem removes one line and returns the whole recomputed order.
func (c *Client) RemoveItem(ctx context.Context, orderID, itemID string) (order.Snapshot, error) {
	data, err := c.do(ctx, http.MethodPost, "/pedidos/"+url.PathEscape(orderID)+"/remover_item/", nil, encodeRemoveItem(itemID))
	if err != nil {
		return order.Snapshot{}, err
	}
	return decodeOrder(data)
}
