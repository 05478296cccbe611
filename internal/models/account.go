package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is the financial view of a marketplace member.
type User struct {
	ID                  uuid.UUID  `json:"id"`
	Role                string     `json:"role"`
	ReferrerID          *uuid.UUID `json:"referrer_id,omitempty"`
	CompletedTasksCount int        `json:"completed_tasks_count"`
	PayoutCardID        *string    `json:"payout_card_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Account holds a user's balance. FrozenBalance is the part held in escrow
// and always satisfies 0 <= FrozenBalance <= Balance.
type Account struct {
	UserID        uuid.UUID       `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	FrozenBalance decimal.Decimal `json:"frozen_balance"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Available returns the balance that can be frozen or withdrawn.
func (a *Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.FrozenBalance)
}
