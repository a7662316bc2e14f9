package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrProductNotFound reports a lookup for an ID the catalog does not hold.
var ErrProductNotFound = errors.New("catalog: product not found")

// Product is the origin record the cache layer serves.
type Product struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	PriceCts int    `json:"priceCts"`
}

// Catalog is the in-process origin backing the reference routes. The
// configurable fetch delay stands in for a real database round trip so cache
// hits are visibly cheaper than origin fetches.
type Catalog struct {
	delay time.Duration

	mu       sync.RWMutex
	products map[string]Product
}

// NewCatalog seeds the origin with a small product set.
func NewCatalog(delay time.Duration) *Catalog {
	c := &Catalog{
		delay:    delay,
		products: make(map[string]Product),
	}
	for _, p := range []Product{
		{ID: "1", Name: "mechanical keyboard", Category: "peripherals", PriceCts: 12900},
		{ID: "2", Name: "trackball", Category: "peripherals", PriceCts: 6500},
		{ID: "3", Name: "27in monitor", Category: "displays", PriceCts: 32900},
	} {
		c.products[p.ID] = p
	}
	return c
}

func (c *Catalog) simulate(ctx context.Context) error {
	if c.delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.delay):
		return nil
	}
}

// All returns every product ordered by ID.
func (c *Catalog) All(ctx context.Context) ([]Product, error) {
	if err := c.simulate(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ByID returns one product or ErrProductNotFound.
func (c *Catalog) ByID(ctx context.Context, id string) (Product, error) {
	if err := c.simulate(ctx); err != nil {
		return Product{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[id]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return p, nil
}

// ByCategory returns all products in a category ordered by ID.
func (c *Catalog) ByCategory(ctx context.Context, slug string) ([]Product, error) {
	if err := c.simulate(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Product, 0)
	for _, p := range c.products {
		if p.Category == slug {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Add inserts or replaces a product.
func (c *Catalog) Add(_ context.Context, p Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = p
}
