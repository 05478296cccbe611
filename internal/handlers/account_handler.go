package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/workmarket/backend/internal/models"
)

type AccountReader interface {
	Account(ctx context.Context, userID uuid.UUID) (*models.Account, error)
	History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error)
}

type AccountHandler struct {
	Ledger AccountReader
	Logger *slog.Logger
}

type accountResponse struct {
	UserID        uuid.UUID       `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	FrozenBalance decimal.Decimal `json:"frozen_balance"`
	Available     decimal.Decimal `json:"available"`
}

// --- GET /api/v1/account ---

func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	acc, err := h.Ledger.Account(r.Context(), p.UserID)
	if err != nil {
		writeError(w, logOrDefault(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{
		UserID:        p.UserID,
		Balance:       acc.Balance,
		FrozenBalance: acc.FrozenBalance,
		Available:     acc.Available(),
	})
}

// --- GET /api/v1/transactions?limit= ---

func (h *AccountHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	txs, err := h.Ledger.History(r.Context(), p.UserID, limit)
	if err != nil {
		writeError(w, logOrDefault(h.Logger), err)
		return
	}
	if txs == nil {
		txs = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txs})
}
