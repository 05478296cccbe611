package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	DisputeStatusOpen     = "open"
	DisputeStatusInReview = "in_review"
	DisputeStatusResolved = "resolved"
)

// Decisions an admin can take on a dispute.
const (
	DecisionCustomer = "customer"
	DecisionExecutor = "executor"
)

type Dispute struct {
	ID            uuid.UUID  `json:"id"`
	TaskID        uuid.UUID  `json:"task_id"`
	InitiatorID   uuid.UUID  `json:"initiator_id"`
	Reason        string     `json:"reason"`
	Status        string     `json:"status"`
	AdminDecision *string    `json:"admin_decision,omitempty"`
	Resolution    *string    `json:"resolution,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
