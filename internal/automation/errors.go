package automation

import "errors"

// Sentinel errors for the automation engine.
var (
	ErrEmptyCampaign      = errors.New("campaign has no blocks")
	ErrCampaignNotActive  = errors.New("campaign is not active")
	ErrScheduleInPast     = errors.New("execution scheduled in the past")
	ErrMissingContact     = errors.New("missing contact info")
	ErrTemplateBody       = errors.New("template has no BODY text")
	ErrUnknownTag         = errors.New("unknown tag")
	ErrUnknownBlock       = errors.New("block not found in campaign graph")
	ErrNotRetryable       = errors.New("only failed executions can be retried")
	ErrEnrollmentInactive = errors.New("enrollment is not active")
	ErrInvalidEngagement  = errors.New("invalid engagement")
)
