package clients

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ProviderClient submits top-up requests to the airtime wholesaler. The
// request itself is accepted or rejected synchronously; the delivery outcome
// arrives later on the webhook endpoint.
type ProviderClient struct {
	httpClient
}

// NewProviderClient returns HTTP client wrapper for the delivery provider.
func NewProviderClient(baseURL, apiKey string, logger *zap.Logger) *ProviderClient {
	return &ProviderClient{httpClient: newHTTPClient(baseURL, apiKey, logger)}
}

type topUpRequest struct {
	PhoneNumber string `json:"phone_number"`
	CarrierCode string `json:"carrier_code"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference"`
}

type topUpResponse struct {
	DeliveryRef string `json:"delivery_ref"`
}

// RequestTopUp asks the provider to deliver airtime to the normalized number.
func (c *ProviderClient) RequestTopUp(ctx context.Context, phoneNumber, carrierCode string, amountMinor int64, currency, reference string) (string, error) {
	var resp topUpResponse
	err := c.postJSON(ctx, "/v1/topups", topUpRequest{
		PhoneNumber: phoneNumber,
		CarrierCode: carrierCode,
		AmountMinor: amountMinor,
		Currency:    currency,
		Reference:   reference,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.DeliveryRef == "" {
		return "", errors.New("provider returned empty delivery ref")
	}
	return resp.DeliveryRef, nil
}
