// Package catalog is the read-only client for the product catalog
// collaborator. The core consumes it only at order-creation time to snapshot
// name, price and stock.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veilware/storefront/internal/order/application"
	"github.com/veilware/storefront/internal/order/domain"
)

type Client struct {
	log        *slog.Logger
	httpClient *http.Client
	baseURL    string
}

func NewClient(log *slog.Logger, baseURL string) *Client {
	return &Client{
		log:        log,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    baseURL,
	}
}

func (c *Client) Snapshot(ctx context.Context, productID string) (application.ProductSnapshot, error) {
	var body struct {
		ID            string          `json:"id"`
		Name          string          `json:"name"`
		Price         decimal.Decimal `json:"price"`
		StockQuantity int             `json:"stock_quantity"`
	}
	if err := c.get(ctx, "/products/"+productID, &body); err != nil {
		return application.ProductSnapshot{}, err
	}
	return application.ProductSnapshot{
		ID:            body.ID,
		Name:          body.Name,
		Price:         body.Price,
		StockQuantity: body.StockQuantity,
	}, nil
}

func (c *Client) Lookup(ctx context.Context, id string) (domain.ShippingMethod, error) {
	var body domain.ShippingMethod
	if err := c.get(ctx, "/shipping-methods/"+id, &body); err != nil {
		return domain.ShippingMethod{}, err
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("catalog %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog %s: http %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
