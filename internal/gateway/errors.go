package gateway

import (
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// genericMessage is used when an error body carries neither erro nor detail.
const genericMessage = "request failed"

// ErrUnreachable matches every error caused by the request never reaching
// the backend (DNS, connection refused, timeout, cancellation).
var ErrUnreachable = errors.New("backend unreachable")

// Error is a business error reported by the backend with a non-2xx status.
// Message is meant to be shown to the operator verbatim.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// UnreachableError wraps a transport failure.
type UnreachableError struct {
	Method string
	Path   string
	Err    error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUnreachable) hold for any UnreachableError.
func (e *UnreachableError) Is(target error) bool { return target == ErrUnreachable }

// errorMessage extracts the operator-facing message from an error body:
// "erro" first, then "detail", else a generic text.
func errorMessage(body []byte) string {
	var erro, detail string
	d := jx.DecodeBytes(body)
	if d.Next() != jx.Object {
		return genericMessage
	}
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "erro":
			if d.Next() != jx.String {
				return d.Skip()
			}
			v, err := d.Str()
			erro = v
			return err
		case "detail":
			if d.Next() != jx.String {
				return d.Skip()
			}
			v, err := d.Str()
			detail = v
			return err
		default:
			return d.Skip()
		}
	})
	switch {
	case err != nil:
		return genericMessage
	case erro != "":
		return erro
	case detail != "":
		return detail
	default:
		return genericMessage
	}
}
