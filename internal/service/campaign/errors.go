package campaign

import (
	"errors"

	"github.com/rxfield/crm/internal/domain"
)

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound          = domain.ErrNotFound
	ErrInvalidTransition = domain.ErrInvalidTransition
	ErrInvalidInput      = errors.New("invalid campaign input")
	ErrNotEditable       = errors.New("campaign can only be edited while draft or paused")
	ErrActiveCampaign    = errors.New("active campaign cannot be deleted")
	ErrBlockInUse        = errors.New("block has pending executions")
)
