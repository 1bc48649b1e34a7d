package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// RateSource provides the crypto-per-fiat exchange rate snapshotted into an
// intent at initiation time.
type RateSource interface {
	Rate(ctx context.Context, currency string) (decimal.Decimal, error)
}

// HTTPRateSource reads rates from an exchange-rate service, e.g.
// GET {base}/rates/BTC -> {"currency":"BTC","rate":"0.000025"}.
type HTTPRateSource struct {
	httpClient *http.Client
	baseURL    string
}

func NewHTTPRateSource(client *http.Client, baseURL string) *HTTPRateSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPRateSource{httpClient: client, baseURL: baseURL}
}

func (s *HTTPRateSource) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/rates/"+currency, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: rate lookup %s: %v", ErrGatewayUnavailable, currency, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: rate lookup %s: http %d", ErrGatewayUnavailable, currency, resp.StatusCode)
	}

	var body struct {
		Rate decimal.Decimal `json:"rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode rate response: %w", err)
	}
	if body.Rate.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("non-positive rate for %s", currency)
	}
	return body.Rate, nil
}

// FixedRateSource returns a constant rate. Used in tests and local setups.
type FixedRateSource map[string]decimal.Decimal

func (f FixedRateSource) Rate(_ context.Context, currency string) (decimal.Decimal, error) {
	r, ok := f[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("no fixed rate for %s", currency)
	}
	return r, nil
}
