package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"rechargehub/internal/models"
	"rechargehub/internal/repository"
	"rechargehub/internal/service"
)

const (
	signatureHeader   = "X-Webhook-Signature"
	providerKeyHeader = "X-Provider-Key"

	maxWebhookBody = 64 * 1024
)

// WebhookHandler ingests delivery-outcome callbacks from the airtime
// provider. Payloads are authenticated before anything in them is trusted:
// an HMAC-SHA256 signature over the raw body, plus the provider API key
// checked against its bcrypt hash.
type WebhookHandler struct {
	svc             *service.SettlementService
	secret          []byte
	providerKeyHash []byte
	logger          *zap.Logger
}

// NewWebhookHandler builds handler.
func NewWebhookHandler(svc *service.SettlementService, secret, providerKeyHash string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		svc:             svc,
		secret:          []byte(secret),
		providerKeyHash: []byte(providerKeyHash),
		logger:          logger,
	}
}

type webhookPayload struct {
	EventID     string `json:"event_id"`
	DeliveryRef string `json:"delivery_ref"`
	Outcome     string `json:"outcome"`
}

// HandleTopUpOutcome handles POST /internal/webhooks/topup.
func (h *WebhookHandler) HandleTopUpOutcome(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if !h.authenticate(r, body) {
		h.logger.Warn("unauthenticated webhook rejected",
			zap.String("remote_addr", r.RemoteAddr),
		)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if payload.EventID == "" || payload.DeliveryRef == "" {
		writeError(w, http.StatusBadRequest, "event_id and delivery_ref are required")
		return
	}
	if payload.Outcome != models.OutcomeDelivered && payload.Outcome != models.OutcomeFailed {
		writeError(w, http.StatusBadRequest, "outcome must be delivered or failed")
		return
	}

	err = h.svc.ApplyDeliveryWebhook(r.Context(), service.WebhookInput{
		ProviderEventID: payload.EventID,
		DeliveryRef:     payload.DeliveryRef,
		Outcome:         payload.Outcome,
		RawPayload:      body,
	})
	switch {
	case err == nil:
		// Duplicates land here too: the provider retries until it sees 2xx.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, repository.ErrTransactionNotFound):
		h.logger.Warn("webhook for unknown delivery ref",
			zap.String("event_id", payload.EventID),
			zap.String("delivery_ref", payload.DeliveryRef),
		)
		writeError(w, http.StatusNotFound, "unknown delivery reference")
	default:
		h.logger.Error("webhook processing failed",
			zap.String("event_id", payload.EventID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to process webhook")
	}
}

func (h *WebhookHandler) authenticate(r *http.Request, body []byte) bool {
	if err := bcrypt.CompareHashAndPassword(h.providerKeyHash, []byte(r.Header.Get(providerKeyHeader))); err != nil {
		return false
	}

	sig, err := hex.DecodeString(r.Header.Get(signatureHeader))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}
