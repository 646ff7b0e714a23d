package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"order-saga/models"
)

type Product struct {
	ID       int64           `json:"id"`
	Name     string          `json:"name"`
	SKU      string          `json:"sku"`
	Price    decimal.Decimal `json:"price"`
	ImageURL string          `json:"image_url"`
}

// Client looks up products. Implementations return models.ErrProductNotFound
// for unknown ids and models.ErrProductUnavailable when the catalog cannot be
// reached.
type Client interface {
	GetProduct(ctx context.Context, productID int64) (*Product, error)
}

type HTTPClient struct {
	baseURL string
	http    *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) GetProduct(ctx context.Context, productID int64) (*Product, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/products/%d", c.baseURL, productID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrProductUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %d", models.ErrProductNotFound, productID)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: catalog returned %d", models.ErrProductUnavailable, resp.StatusCode)
	}

	var p Product
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: decode product %d: %v", models.ErrProductUnavailable, productID, err)
	}
	if p.ID == 0 {
		p.ID = productID
	}
	return &p, nil
}

// StaticClient serves a fixed product table. Used in local runs and tests.
type StaticClient struct {
	products map[int64]Product
}

func NewStaticClient(products ...Product) *StaticClient {
	c := &StaticClient{products: make(map[int64]Product, len(products))}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

func (c *StaticClient) GetProduct(ctx context.Context, productID int64) (*Product, error) {
	p, ok := c.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrProductNotFound, productID)
	}
	return &p, nil
}
