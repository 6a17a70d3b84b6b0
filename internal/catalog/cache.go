// Package catalog keeps the last-fetched product summaries so that a product
// picked from a rendered list can be added without another round trip.
//
// Entries are never treated as authoritative for pricing: the server prices
// every line when it is added.
package catalog

import (
	"context"

	"github.com/go-faster/errors"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/xenking/pdv-movel/internal/domain/product"
)

// DefaultSize is the number of products kept when no size is configured.
const DefaultSize = 512

// Cache is a read-through product cache in front of a product.Catalog.
type Cache struct {
	src product.Catalog
	lru *lru.Cache[string, product.Product]
}

// New creates a Cache holding at most size products.
func New(src product.Catalog, size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	l, err := lru.New[string, product.Product](size)
	if err != nil {
		return nil, errors.Wrap(err, "create lru")
	}
	return &Cache{src: src, lru: l}, nil
}

// Remember stores the given products, replacing older summaries.
func (c *Cache) Remember(products ...product.Product) {
	for _, p := range products {
		if p.ID == "" {
			continue
		}
		c.lru.Add(p.ID, p)
	}
}

// Peek returns a cached product without touching the backend.
func (c *Cache) Peek(id string) (product.Product, bool) {
	return c.lru.Get(id)
}

// Get returns the cached product or fetches and remembers it.
func (c *Cache) Get(ctx context.Context, id string) (product.Product, error) {
	if p, ok := c.lru.Get(id); ok {
		return p, nil
	}
	p, err := c.src.GetProduct(ctx, id)
	if err != nil {
		return product.Product{}, errors.Wrapf(err, "get product %s", id)
	}
	c.Remember(*p)
	return *p, nil
}

// ByBarcode resolves a barcode through the backend and remembers the result.
// Barcodes are not indexed locally: the scan must see current catalog data.
func (c *Cache) ByBarcode(ctx context.Context, code string) (product.Product, error) {
	p, err := c.src.ProductByBarcode(ctx, code)
	if err != nil {
		return product.Product{}, errors.Wrapf(err, "product by barcode %s", code)
	}
	c.Remember(*p)
	return *p, nil
}

// Search runs a catalog search and remembers every result.
func (c *Cache) Search(ctx context.Context, query string) ([]product.Product, error) {
	list, err := c.src.SearchProducts(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "search products")
	}
	c.Remember(list...)
	return list, nil
}

// BestSellers fetches the best sellers list and remembers every result.
func (c *Cache) BestSellers(ctx context.Context) ([]product.Product, error) {
	list, err := c.src.BestSellers(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "best sellers")
	}
	c.Remember(list...)
	return list, nil
}

// Len returns the number of cached products.
func (c *Cache) Len() int {
	return c.lru.Len()
}
