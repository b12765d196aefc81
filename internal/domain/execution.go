package domain

import "time"

// ExecutionStatus enumerates the lifecycle of a scheduled block execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionExecuting ExecutionStatus = "executing"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal returns true once the execution can no longer change.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// Execution is one scheduled run of one block for one enrollment. At most
// one non-terminal execution exists per (EnrollmentID, BlockID).
type Execution struct {
	ID           string           `json:"id" db:"id"`
	CampaignID   string           `json:"campaign_id" db:"campaign_id"`
	EnrollmentID string           `json:"enrollment_id" db:"enrollment_id"`
	LeadID       string           `json:"lead_id" db:"lead_id"`
	BlockID      string           `json:"block_id" db:"block_id"`
	Status       ExecutionStatus  `json:"status" db:"status"`
	Attempt      int              `json:"attempt" db:"attempt"`
	ScheduledFor time.Time        `json:"scheduled_for" db:"scheduled_for"`
	ClaimedAt    *time.Time       `json:"claimed_at,omitempty" db:"claimed_at"`
	ExecutedAt   *time.Time       `json:"executed_at,omitempty" db:"executed_at"`
	Result       *ExecutionResult `json:"result,omitempty" db:"result"`
	Error        string           `json:"error,omitempty" db:"error"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
}

// ExecutionResult is what a block handler reports on success. Outcome is set
// for branching blocks and selects the connections to follow.
type ExecutionResult struct {
	Success   bool   `json:"success"`
	Detail    string `json:"detail,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
}
