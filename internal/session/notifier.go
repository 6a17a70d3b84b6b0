package session

import (
	"github.com/go-faster/errors"

	"github.com/xenking/pdv-movel/internal/domain/order"
	"github.com/xenking/pdv-movel/internal/gateway"
)

// Level is the severity of an operator notification.
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelSuccess:
		return "success"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Notifier is the presentation port of the manager. OrderChanged is called
// after every change of the local mirror, Notify for operator messages.
type Notifier interface {
	OrderChanged(o order.Order)
	Notify(level Level, msg string)
}

// NopNotifier discards everything.
type NopNotifier struct{}

func (NopNotifier) OrderChanged(order.Order) {}

func (NopNotifier) Notify(Level, string) {}

// validationErrors are shown by their own text, without the wrapping context.
var validationErrors = []error{
	ErrNoOrder,
	ErrOrderSent,
	ErrBusy,
	ErrEmptyOrder,
	ErrInvalidQuantity,
	ErrNoProduct,
	ErrItemNotFound,
}

// Message returns the text to show the operator for err. Backend business
// errors are shown verbatim.
func Message(err error) string {
	var gwErr *gateway.Error
	switch {
	case errors.As(err, &gwErr):
		return gwErr.Message
	case errors.Is(err, gateway.ErrUnreachable):
		return "server unreachable, check the connection"
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return err.Error()
}
