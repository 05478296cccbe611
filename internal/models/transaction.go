package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction types.
const (
	TxDeposit       = "deposit"
	TxPayment       = "payment"
	TxCommission    = "commission"
	TxEarn          = "earn"
	TxRefund        = "refund"
	TxWithdraw      = "withdraw"
	TxReferralBonus = "referral_bonus"
	TxExpense       = "expense"
	TxIncome        = "income"
	TxEscrowHold    = "escrow_hold"
	TxEscrowRelease = "escrow_release"
)

const (
	TxStatusCompleted = "completed"
	TxStatusPending   = "pending"
	TxStatusFailed    = "failed"
)

// Transaction is an append-only ledger row. Amount is the signed change of
// the account balance and FrozenDelta the signed change of its frozen part.
type Transaction struct {
	ID             uuid.UUID       `json:"id"`
	UserID         uuid.UUID       `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	FrozenDelta    decimal.Decimal `json:"frozen_delta"`
	Type           string          `json:"type"`
	Reason         string          `json:"reason"`
	TaskID         *uuid.UUID      `json:"task_id,omitempty"`
	DealID         *uuid.UUID      `json:"deal_id,omitempty"`
	PaymentID      *string         `json:"payment_id,omitempty"`
	IdempotencyKey *string         `json:"-"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}
