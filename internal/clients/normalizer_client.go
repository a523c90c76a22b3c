package clients

import (
	"context"

	"go.uber.org/zap"
)

// NormalizerClient wraps the phone/currency normalization service. The
// settlement pipeline only ever sees the normalized E.164 number and
// USD-denominated minor units this client returns.
type NormalizerClient struct {
	httpClient
}

// NewNormalizerClient returns HTTP client wrapper for the normalizer.
func NewNormalizerClient(baseURL string, logger *zap.Logger) *NormalizerClient {
	return &NormalizerClient{httpClient: newHTTPClient(baseURL, "", logger)}
}

// NormalizedNumber is the result of a successful normalization.
type NormalizedNumber struct {
	E164Number  string `json:"e164_number"`
	CarrierCode string `json:"carrier_code"`
}

type normalizeRequest struct {
	RawNumber string `json:"raw_number"`
}

type normalizeResponse struct {
	Valid       bool   `json:"valid"`
	E164Number  string `json:"e164_number"`
	CarrierCode string `json:"carrier_code"`
}

// Normalize validates the raw number and resolves its carrier. An invalid
// number returns ok=false with no error.
func (c *NormalizerClient) Normalize(ctx context.Context, rawNumber string) (NormalizedNumber, bool, error) {
	var resp normalizeResponse
	if err := c.postJSON(ctx, "/v1/normalize", normalizeRequest{RawNumber: rawNumber}, &resp); err != nil {
		return NormalizedNumber{}, false, err
	}
	if !resp.Valid {
		return NormalizedNumber{}, false, nil
	}
	return NormalizedNumber{E164Number: resp.E164Number, CarrierCode: resp.CarrierCode}, true, nil
}

type convertRequest struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

type convertResponse struct {
	USDMinor int64 `json:"usd_minor"`
}

// ToUSD converts a foreign-currency amount into USD minor units.
func (c *NormalizerClient) ToUSD(ctx context.Context, amountMinor int64, currency string) (int64, error) {
	if currency == "USD" {
		return amountMinor, nil
	}
	var resp convertResponse
	if err := c.postJSON(ctx, "/v1/convert", convertRequest{AmountMinor: amountMinor, Currency: currency}, &resp); err != nil {
		return 0, err
	}
	return resp.USDMinor, nil
}
