package gateway

import (
	"context"
	"net/http"
	"net/url"

	"github.com/go-faster/errors"

	"github.com/xenking/pdv-movel/internal/domain/product"
)

var _ product.Catalog = (*Client)(nil)

// GetProduct fetches a product by id. A 404 maps to product.ErrNotFound.
func (c *Client) GetProduct(ctx context.Context, id string) (*product.Product, error) {
	data, err := c.do(ctx, http.MethodGet, "/produtos/"+url.PathEscape(id)+"/", nil, nil)
	if err != nil {
		return nil, notFound(err)
	}
	p, err := decodeProduct(data)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SearchProducts runs a free-text catalog search.
func (c *Client) SearchProducts(ctx context.Context, query string) ([]product.Product, error) {
	var q url.Values
	if query != "" {
		q = url.Values{"busca": {query}}
	}
	data, err := c.do(ctx, http.MethodGet, "/produtos/", q, nil)
	if err != nil {
		return nil, err
	}
	return decodeProducts(data)
}

// ProductByBarcode looks a product up by its scanned barcode.
func (c *Client) ProductByBarcode(ctx context.Context, code string) (*product.Product, error) {
	data, err := c.do(ctx, http.MethodGet, "/produtos/", url.Values{"codigo_barras": {code}}, nil)
	if err != nil {
		return nil, notFound(err)
	}
	list, err := decodeProducts(data)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, product.ErrNotFound
	}
	return &list[0], nil
}

// BestSellers returns the store's most sold products.
func (c *Client) BestSellers(ctx context.Context) ([]product.Product, error) {
	data, err := c.do(ctx, http.MethodGet, "/produtos/mais_vendidos/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeProducts(data)
}

func notFound(err error) error {
	var e *Error
	if errors.As(err, &e) && e.Status == http.StatusNotFound {
		return product.ErrNotFound
	}
	return err
}
