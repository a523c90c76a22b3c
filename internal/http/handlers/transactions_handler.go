package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"rechargehub/internal/http/middleware"
	"rechargehub/internal/repository"
	"rechargehub/internal/service"
)

// TransactionsHandler serves transaction reads and the confirmation action.
type TransactionsHandler struct {
	svc    *service.SettlementService
	logger *zap.Logger
}

// NewTransactionsHandler builds handler.
func NewTransactionsHandler(svc *service.SettlementService, logger *zap.Logger) *TransactionsHandler {
	return &TransactionsHandler{svc: svc, logger: logger}
}

// HandleMe handles GET /api/transactions/me.
func (h *TransactionsHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}

	txs, err := h.svc.ListUserTransactions(r.Context(), userID, 50)
	if err != nil {
		h.logger.Error("list transactions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch transactions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txs})
}

type confirmRequest struct {
	Action   string `json:"action"`
	Note     string `json:"note"`
	ClaimKey string `json:"claim_key"`
}

// callerFrom identifies the requester. Guests are not authenticated and act
// on their transactions with the idempotency key they created them under.
func callerFrom(r *http.Request, claimKey string) service.Caller {
	userID, ok := middleware.UserIDFromContext(r.Context())
	return service.Caller{UserID: userID, Authed: ok, ClaimKey: claimKey}
}

// HandleTransaction routes /api/transactions/{id} and
// /api/transactions/{id}/confirm under one mux entry.
func (h *TransactionsHandler) HandleTransaction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/transactions/")
	txID, action, _ := strings.Cut(rest, "/")
	if txID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.getTransaction(w, r, txID)
	case action == "confirm" && r.Method == http.MethodPost:
		h.submitConfirmation(w, r, txID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *TransactionsHandler) getTransaction(w http.ResponseWriter, r *http.Request, txID string) {
	caller := callerFrom(r, r.URL.Query().Get("claim_key"))

	tx, err := h.svc.GetTransaction(r.Context(), txID, caller)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, tx)
	case errors.Is(err, repository.ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, "transaction not found")
	case errors.Is(err, service.ErrNotOwner):
		writeError(w, http.StatusForbidden, "forbidden")
	default:
		h.logger.Error("get transaction failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch transaction")
	}
}

func (h *TransactionsHandler) submitConfirmation(w http.ResponseWriter, r *http.Request, txID string) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	tx, err := h.svc.SubmitConfirmation(r.Context(), txID, callerFrom(r, req.ClaimKey), req.Action, req.Note)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, tx)
	case errors.Is(err, service.ErrUnknownAction):
		writeError(w, http.StatusBadRequest, "action must be confirm or dispute")
	case errors.Is(err, repository.ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, "transaction not found")
	case errors.Is(err, service.ErrNotOwner):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, service.ErrAlreadySettled):
		writeError(w, http.StatusConflict, "already settled")
	case errors.Is(err, service.ErrNotConfirmable):
		writeError(w, http.StatusConflict, "transaction is not awaiting confirmation")
	default:
		h.logger.Error("confirmation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to apply confirmation")
	}
}
