package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ReferralBonus struct {
	ID         uuid.UUID       `json:"id"`
	ReferrerID uuid.UUID       `json:"referrer_id"`
	ReferralID uuid.UUID       `json:"referral_id"`
	TaskID     uuid.UUID       `json:"task_id"`
	Amount     decimal.Decimal `json:"amount"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Level is what the level lookup reports for a user.
type Level struct {
	Level           int `json:"level"`
	ExperienceScore int `json:"experience_score"`
}
