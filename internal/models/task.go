package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	TaskStatusOpen       = "open"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusCancelled  = "cancelled"
)

type Task struct {
	ID           uuid.UUID        `json:"id"`
	Title        string           `json:"title"`
	Price        decimal.Decimal  `json:"price"`
	Status       string           `json:"status"`
	EscrowAmount decimal.Decimal  `json:"escrow_amount"`
	Commission   *decimal.Decimal `json:"commission,omitempty"`
	CustomerID   uuid.UUID        `json:"customer_id"`
	ExecutorID   *uuid.UUID       `json:"executor_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// IsParty reports whether userID is the customer or the executor of the task.
func (t *Task) IsParty(userID uuid.UUID) bool {
	return t.CustomerID == userID || (t.ExecutorID != nil && *t.ExecutorID == userID)
}
