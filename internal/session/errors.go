package session

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Validation errors. They are returned before any request is sent.
var (
	ErrNoOrder         = errors.New("no order created")
	ErrOrderSent       = errors.New("order already sent to register")
	ErrBusy            = errors.New("another order operation is in progress")
	ErrEmptyOrder      = errors.New("order has no items")
	ErrInvalidQuantity = errors.New("quantity must be greater than 0")
	ErrNoProduct       = errors.New("product id required")
	ErrItemNotFound    = errors.New("item not in order")
)

// OrderCreateError is returned when the backend could not create an order.
type OrderCreateError struct {
	Err error
}

func (e *OrderCreateError) Error() string {
	return fmt.Sprintf("create order: %v", e.Err)
}

func (e *OrderCreateError) Unwrap() error { return e.Err }

// MergeStage tells which request of a merge failed.
type MergeStage int

const (
	// MergeStageRemove means the existing line is still on the order.
	MergeStageRemove MergeStage = iota
	// MergeStageAdd means the line was removed and not added back.
	MergeStageAdd
)

func (s MergeStage) String() string {
	if s == MergeStageAdd {
		return "add"
	}
	return "remove"
}

// MergeError is returned when adding a product already on the order fails.
// With MergeStageAdd the line is gone from the order: the mirror holds the
// post-remove snapshot.
type MergeError struct {
	Stage     MergeStage
	ProductID string
	ItemID    string
	Err       error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge product %s (%s item %s): %v", e.ProductID, e.Stage, e.ItemID, e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }

// ClearError is returned when a clear stops before removing every item.
type ClearError struct {
	ItemID    string
	Removed   int
	Remaining int
	Err       error
}

func (e *ClearError) Error() string {
	return fmt.Sprintf("clear stopped at item %s (%d removed, %d remaining): %v",
		e.ItemID, e.Removed, e.Remaining, e.Err)
}

func (e *ClearError) Unwrap() error { return e.Err }
