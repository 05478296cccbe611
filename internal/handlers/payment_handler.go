package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/workmarket/backend/internal/apperr"
	"github.com/workmarket/backend/internal/gateway"
	"github.com/workmarket/backend/internal/middleware"
	"github.com/workmarket/backend/internal/models"
	"github.com/workmarket/backend/internal/money"
	"github.com/workmarket/backend/internal/services"
)

type DepositService interface {
	InitDeposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*models.Payment, error)
	CheckStatus(ctx context.Context, paymentID string) (*services.DepositStatus, error)
	Payment(ctx context.Context, paymentID string) (*models.Payment, error)
}

type PayoutService interface {
	InitPayout(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, dealID *uuid.UUID) (*models.Payout, error)
	CheckPayoutStatus(ctx context.Context, paymentID string) (*services.PayoutStatus, error)
	Payout(ctx context.Context, paymentID string) (*models.Payout, error)
}

type PayoutLister interface {
	ListByRecipient(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Payout, error)
}

type EligibilityChecker interface {
	Check(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*services.Eligibility, error)
}

type CardService interface {
	Start(ctx context.Context, userID uuid.UUID) (*gateway.Result, error)
	Complete(ctx context.Context, n *gateway.Notification) error
}

// PaymentHandler serves deposits, payouts, card binding and the
// withdrawal pre-check.
type PaymentHandler struct {
	Deposits   DepositService
	Payouts    PayoutService
	PayoutList PayoutLister
	Guard      EligibilityChecker
	Cards      CardService
	Logger     *slog.Logger
}

type moneyRequest struct {
	Amount json.RawMessage `json:"amount"`
	DealID *uuid.UUID      `json:"deal_id,omitempty"`
}

// readMoneyRequest decodes the body and takes the amount parsed by
// middleware.AmountCheck when that ran.
func readMoneyRequest(w http.ResponseWriter, r *http.Request) (decimal.Decimal, *moneyRequest, bool) {
	var req moneyRequest
	if !decodeBody(w, r, &req) {
		return decimal.Zero, nil, false
	}
	if amount, ok := middleware.AmountFromCtx(r.Context()); ok {
		return amount, &req, true
	}
	amount, err := money.Parse(string(bytes.Trim(req.Amount, `"`)))
	if err != nil {
		http.Error(w, `{"error":"amount must be a positive number"}`, http.StatusBadRequest)
		return decimal.Zero, nil, false
	}
	return amount, &req, true
}

// --- POST /api/v1/deposits ---

func (h *PaymentHandler) InitDeposit(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	amount, _, ok := readMoneyRequest(w, r)
	if !ok {
		return
	}
	payment, err := h.Deposits.InitDeposit(r.Context(), p.UserID, amount)
	if err != nil {
		writeError(w, logOrDefault(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

// --- GET /api/v1/deposits/{paymentId}/status ---

func (h *PaymentHandler) DepositStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	paymentID := r.PathValue("paymentId")
	// Only admins may reconcile a payment we hold no record of; everyone
	// else must own the local row before the gateway is asked.
	if !p.IsAdmin() {
		local, err := h.Deposits.Payment(r.Context(), paymentID)
		if err != nil {
			writeError(w, logOrDefault(h.Logger), err)
			return
		}
		if local == nil || local.UserID != p.UserID {
			writeError(w, logOrDefault(h.Logger), apperr.ErrNotFound)
			return
		}
	}
	st, err := h.Deposits.CheckStatus(r.Context(), paymentID)
	if err != nil {
		writeError(w, logOrDefault(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- GET /api/v1/withdrawals/eligibility?amount= ---

func (h *PaymentHandler) Eligibility(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	amount, err := money.Parse(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, logOrDefault(h.Logger), err)
		return
	}
	e, err := h.Guard.Check(r.Context(), p.UserID, amount)
	if err != nil {
		writeError(w, logOrDefault(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// --- POST /api/v1/payouts ---

func (h *PaymentHandler) InitPayout(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	amount, req, ok := readMoneyRequest(w, r)
	if !ok {
		return
	}
	payout, err := h.Payouts.InitPayout(r.Context(), p.UserID, amount, req.DealID)
	if err != nil {
		writeError(w, logOrDefault(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusCreated, payout)
}

// --- GET /api/v1/payouts ---

func (h *PaymentHandler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	list, err := h.PayoutList.ListByRecipient(r.Context(), p.UserID, limit)
	if err != nil {
		writeError(w, logOrDefault(h.Logger), err)
		return
	}
	if list == nil {
		list = []*models.Payout{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payouts": list})
}

// --- GET /api/v1/payouts/{paymentId}/status ---

func (h *PaymentHandler) PayoutStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	paymentID := r.PathValue("paymentId")
	if !p.IsAdmin() {
		local, err := h.Payouts.Payout(r.Context(), paymentID)
		if err != nil {
			writeError(w, logOrDefault(h.Logger), err)
			return
		}
		if local == nil || local.RecipientID != p.UserID {
			writeError(w, logOrDefault(h.Logger), apperr.ErrNotFound)
			return
		}
	}
	st, err := h.Payouts.CheckPayoutStatus(r.Context(), paymentID)
	if err != nil {
		writeError(w, logOrDefault(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- POST /api/v1/cards ---

func (h *PaymentHandler) BindCard(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	res, err := h.Cards.Start(r.Context(), p.UserID)
	if err != nil {
		writeError(w, logOrDefault(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"payment_url": res.PaymentURL,
		"request_key": res.RequestKey,
	})
}

// NotificationParser verifies gateway webhooks.
type NotificationParser interface {
	ParseNotification(body []byte) (*gateway.Notification, error)
}

// WebhookHandler receives gateway notifications. The payload only tells us
// which operation changed; the state itself is re-read from the gateway.
type WebhookHandler struct {
	Parser   NotificationParser
	Deposits DepositService
	Payouts  PayoutService
	Cards    CardService
	Logger   *slog.Logger
}

// --- POST /api/v1/gateway/notifications ---

// Notify answers the plain "OK" the gateway expects. Anything else makes
// the gateway retry, which is what a transient failure here needs.
func (h *WebhookHandler) Notify(w http.ResponseWriter, r *http.Request) {
	logger := logOrDefault(h.Logger)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	n, err := h.Parser.ParseNotification(body)
	if err != nil {
		logger.Warn("gateway notification rejected", "error", err)
		http.Error(w, apperr.Kind(err), apperr.HTTPStatus(err))
		return
	}

	switch n.Kind {
	case gateway.KindCard:
		err = h.Cards.Complete(r.Context(), n)
	case gateway.KindPayout:
		_, err = h.Payouts.CheckPayoutStatus(r.Context(), n.PaymentID)
	default:
		_, err = h.Deposits.CheckStatus(r.Context(), n.PaymentID)
	}
	if err != nil && !apperr.IsIdempotent(err) {
		logger.Error("gateway notification not processed", "kind", n.Kind, "payment_id", n.PaymentID, "error", err)
		http.Error(w, "retry", http.StatusInternalServerError)
		return
	}
	logger.Info("gateway notification processed", "kind", n.Kind, "payment_id", n.PaymentID, "status", n.Status)
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, "OK")
}
