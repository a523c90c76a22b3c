package clients

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// PaymentClient talks to the payment gateway. Manual-capture semantics:
// Authorize only reserves funds; money moves on Capture, or is returned to
// the cardholder on Release.
type PaymentClient struct {
	httpClient
}

// NewPaymentClient returns HTTP client wrapper for the payment gateway.
func NewPaymentClient(baseURL, apiKey string, logger *zap.Logger) *PaymentClient {
	return &PaymentClient{httpClient: newHTTPClient(baseURL, apiKey, logger)}
}

type authorizeRequest struct {
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
	PaymentMethod string `json:"payment_method"`
	Reference     string `json:"reference"`
}

type authorizeResponse struct {
	HoldRef string `json:"hold_ref"`
}

// Authorize places a manual-capture hold for the given amount and returns the
// hold reference. A decline surfaces as ErrRejected.
func (c *PaymentClient) Authorize(ctx context.Context, amountMinor int64, currency, paymentMethod, reference string) (string, error) {
	var resp authorizeResponse
	err := c.postJSON(ctx, "/v1/holds", authorizeRequest{
		AmountMinor:   amountMinor,
		Currency:      currency,
		PaymentMethod: paymentMethod,
		Reference:     reference,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.HoldRef == "" {
		return "", errors.New("payment gateway returned empty hold ref")
	}
	return resp.HoldRef, nil
}

type holdActionRequest struct {
	HoldRef string `json:"hold_ref"`
}

// Capture converts the hold into a transfer.
func (c *PaymentClient) Capture(ctx context.Context, holdRef string) error {
	return c.postJSON(ctx, "/v1/holds/capture", holdActionRequest{HoldRef: holdRef}, nil)
}

// Release cancels the hold without moving funds.
func (c *PaymentClient) Release(ctx context.Context, holdRef string) error {
	return c.postJSON(ctx, "/v1/holds/release", holdActionRequest{HoldRef: holdRef}, nil)
}
