package campaign

import (
	"context"

	"github.com/rxfield/crm/internal/automation"
	"github.com/rxfield/crm/internal/domain"
)

// Repository defines the data access contract for campaigns. It extends the
// engine's view of campaigns with the editing operations.
// Implementations must be safe for concurrent use.
type Repository interface {
	automation.CampaignStore

	// List returns campaigns matching the filter, newest first, and the
	// total number of matches.
	List(ctx context.Context, f ListFilter) ([]domain.Campaign, int, error)

	// Create inserts a new campaign.
	Create(ctx context.Context, c *domain.Campaign) error

	// UpdateDefinition replaces blocks, connections and targeting. It only
	// applies while the campaign is draft or paused and returns
	// domain.ErrInvalidTransition otherwise.
	UpdateDefinition(ctx context.Context, id string, d Definition) error

	// Delete removes a campaign with its enrollments and executions.
	// Returns domain.ErrInvalidTransition if the campaign is active.
	Delete(ctx context.Context, id string) error
}

// ListFilter controls pagination and filtering for campaign lists.
type ListFilter struct {
	Status  domain.CampaignStatus
	OwnerID string
	Search  string
	Limit   int
	Offset  int
}

// Definition is the editable part of a campaign.
type Definition struct {
	Targeting   domain.TargetingRule `json:"targeting"`
	Blocks      []domain.Block       `json:"blocks"`
	Connections []domain.Connection  `json:"connections"`
}
