package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DealStatusOpen            = "OPEN"
	DealStatusClosed          = "CLOSED"
	DealStatusPartialCanceled = "PARTIAL_CANCELED"
)

// Gateway payment statuses.
const (
	PaymentNew        = "NEW"
	PaymentFormShowed = "FORM_SHOWED"
	PaymentAuthorized = "AUTHORIZED"
	PaymentConfirmed  = "CONFIRMED"
	PaymentRejected   = "REJECTED"
	PaymentCanceled   = "CANCELED"
	PaymentCompleted  = "COMPLETED"
	PaymentChecked    = "CHECKED"
	PaymentAuthFail   = "AUTH_FAIL"
	PaymentExpired    = "DEADLINE_EXPIRED"
	PaymentRefunded   = "REFUNDED"
)

// Deal is the gateway-side accumulation account a user deposits into and
// withdraws from.
type Deal struct {
	ID               uuid.UUID       `json:"id"`
	SpAccumulationID string          `json:"sp_accumulation_id"`
	UserID           uuid.UUID       `json:"user_id"`
	Status           string          `json:"status"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	PaidAmount       decimal.Decimal `json:"paid_amount"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Payment is one deposit attempt.
type Payment struct {
	PaymentID   string          `json:"payment_id"`
	OrderID     string          `json:"order_id"`
	DealID      uuid.UUID       `json:"deal_id"`
	UserID      uuid.UUID       `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	PaymentURL  string          `json:"payment_url,omitempty"`
	ConfirmedAt *time.Time      `json:"confirmed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// IsPaid reports whether a gateway status means the money reached us.
func IsPaid(status string) bool {
	return status == PaymentConfirmed || status == PaymentAuthorized
}

// IsFinalPayment reports whether a deposit status can no longer change.
func IsFinalPayment(status string) bool {
	switch status {
	case PaymentConfirmed, PaymentRejected, PaymentCanceled, PaymentAuthFail, PaymentExpired, PaymentRefunded:
		return true
	}
	return false
}

// IsFinalPayout reports whether a payout status can no longer change.
func IsFinalPayout(status string) bool {
	switch status {
	case PaymentCompleted, PaymentRejected, PaymentCanceled:
		return true
	}
	return false
}

// Payout is one withdrawal attempt. PaymentID stays empty until the gateway
// accepts the request.
type Payout struct {
	ID          uuid.UUID       `json:"id"`
	PaymentID   *string         `json:"payment_id,omitempty"`
	OrderID     string          `json:"order_id"`
	RecipientID uuid.UUID       `json:"recipient_id"`
	DealID      *uuid.UUID      `json:"deal_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	RefundedAt  *time.Time      `json:"refunded_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
