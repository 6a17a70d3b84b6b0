package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Product is the catalog summary shown on the tablet. Price and stock are
// display values only; the server decides the real line price.
type Product struct {
	ID             string
	Code           string
	Barcode        string
	Description    string
	SuggestedPrice decimal.Decimal
	Unit           string
	Stock          decimal.Decimal
	Category       string
}

// Catalog defines read operations against the product API.
type Catalog interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
	SearchProducts(ctx context.Context, query string) ([]Product, error)
	ProductByBarcode(ctx context.Context, code string) (*Product, error)
	BestSellers(ctx context.Context) ([]Product, error)
}
