package domain

import "time"

// EnrollmentStatus enumerates the lifecycle of a lead inside a campaign.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentRemoved   EnrollmentStatus = "removed"
)

// Enrollment tracks one lead's progress through one campaign. Rows are kept
// as history until the campaign is deleted.
type Enrollment struct {
	ID             string           `json:"id" db:"id"`
	CampaignID     string           `json:"campaign_id" db:"campaign_id"`
	LeadID         string           `json:"lead_id" db:"lead_id"`
	Status         EnrollmentStatus `json:"status" db:"status"`
	CurrentBlockID string           `json:"current_block_id" db:"current_block_id"`
	PathTaken      []string         `json:"path_taken" db:"path_taken"`
	EnrolledAt     time.Time        `json:"enrolled_at" db:"enrolled_at"`
	CompletedAt    *time.Time       `json:"completed_at" db:"completed_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
}

// IsActive reports whether the enrollment can still advance.
func (e *Enrollment) IsActive() bool {
	return e.Status == EnrollmentActive
}
