package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"rechargehub/internal/http/middleware"
	"rechargehub/internal/service"
)

const idempotencyKeyHeader = "Idempotency-Key"

// RechargeHandler accepts new recharge submissions.
type RechargeHandler struct {
	svc    *service.SettlementService
	logger *zap.Logger
}

// NewRechargeHandler builds handler.
func NewRechargeHandler(svc *service.SettlementService, logger *zap.Logger) *RechargeHandler {
	return &RechargeHandler{svc: svc, logger: logger}
}

type createRechargeRequest struct {
	PhoneNumber   string `json:"phone_number"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
	PaymentMethod string `json:"payment_method"`
}

// HandleCreate handles POST /api/recharges.
func (h *RechargeHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	idempotencyKey := r.Header.Get(idempotencyKeyHeader)
	if idempotencyKey == "" {
		writeError(w, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}

	var req createRechargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.PhoneNumber == "" {
		writeError(w, http.StatusBadRequest, "phone_number is required")
		return
	}
	if req.PaymentMethod == "" {
		writeError(w, http.StatusBadRequest, "payment_method is required")
		return
	}

	input := service.CreateRechargeInput{
		IdempotencyKey: idempotencyKey,
		RawNumber:      req.PhoneNumber,
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		PaymentMethod:  req.PaymentMethod,
	}
	if userID, ok := middleware.UserIDFromContext(r.Context()); ok {
		input.UserID = &userID
	}

	tx, err := h.svc.CreateRecharge(r.Context(), input)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, tx)
	case errors.Is(err, service.ErrInvalidNumber), errors.Is(err, service.ErrInvalidAmount):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrPaymentDeclined), errors.Is(err, service.ErrDeliveryDeclined):
		// Terminal outcome: the transaction exists and records the failure.
		writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error":       err.Error(),
			"transaction": tx,
		})
	default:
		h.logger.Error("create recharge failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create recharge")
	}
}
