package domain

import (
	"fmt"
	"strings"
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:  {CampaignActive},
	CampaignActive: {CampaignPaused, CampaignCompleted},
	CampaignPaused: {CampaignActive, CampaignCompleted},
}

// CanTransition reports whether a campaign may move from s to next.
func (s CampaignStatus) CanTransition(next CampaignStatus) bool {
	for _, allowed := range campaignTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Campaign is a marketing-automation graph plus its targeting rule and
// aggregate counters. The graph is frozen while the campaign is active.
type Campaign struct {
	ID           string         `json:"id" db:"id"`
	Name         string         `json:"name" db:"name"`
	Description  string         `json:"description" db:"description"`
	OwnerID      string         `json:"owner_id" db:"owner_id"`
	OwnerIsAdmin bool           `json:"owner_is_admin" db:"owner_is_admin"`
	Status       CampaignStatus `json:"status" db:"status"`
	Targeting    TargetingRule  `json:"targeting" db:"targeting"`
	Blocks       []Block        `json:"blocks" db:"blocks"`
	Connections  []Connection   `json:"connections" db:"connections"`
	Metrics      Metrics        `json:"metrics"`

	ActivatedAt *time.Time `json:"activated_at" db:"activated_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsEditable reports whether blocks, connections and targeting may change.
func (c *Campaign) IsEditable() bool {
	return c.Status == CampaignDraft || c.Status == CampaignPaused
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted
}

// EntryBlock returns the first declared block, where every enrollment starts.
func (c *Campaign) EntryBlock() (Block, bool) {
	if len(c.Blocks) == 0 {
		return Block{}, false
	}
	return c.Blocks[0], true
}

// Scope returns the lead visibility scope of the campaign owner.
func (c *Campaign) Scope() LeadScope {
	return LeadScope{OwnerID: c.OwnerID, Admin: c.OwnerIsAdmin}
}

// TargetingType selects how the initial lead set is computed.
type TargetingType string

const (
	TargetAll      TargetingType = "all"
	TargetFiltered TargetingType = "filtered"
)

// TargetingRule decides which leads a campaign enrolls. For filtered rules
// each non-empty list is an any-of constraint; the lists are intersected.
type TargetingRule struct {
	Type          TargetingType `json:"type" validate:"oneof=all filtered"`
	TagIDs        []string      `json:"tag_ids,omitempty"`
	Statuses      []string      `json:"statuses,omitempty"`
	Sources       []string      `json:"sources,omitempty"`
	AutoEnrollNew bool          `json:"auto_enroll_new"`
}

// Matches reports whether the lead satisfies the rule. Visibility scope is
// applied separately by the lead store.
func (r TargetingRule) Matches(l *Lead) bool {
	if l == nil {
		return false
	}
	if r.Type != TargetFiltered {
		return true
	}
	if len(r.Statuses) > 0 && !containsFold(r.Statuses, l.Status) {
		return false
	}
	if len(r.Sources) > 0 && !containsFold(r.Sources, l.Source) {
		return false
	}
	if len(r.TagIDs) > 0 {
		hit := false
		for _, id := range r.TagIDs {
			if l.HasTag(id) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// Validate checks the rule type.
func (r TargetingRule) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: targeting: %v", ErrInvalidDefinition, err)
	}
	return nil
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// Metrics holds the aggregate counters of a campaign.
type Metrics struct {
	Enrolled  int `json:"enrolled" db:"enrolled_count"`
	Active    int `json:"active" db:"active_count"`
	Completed int `json:"completed" db:"completed_count"`
	Sent      int `json:"sent" db:"sent_count"`
	Opened    int `json:"opened" db:"opened_count"`
	Clicked   int `json:"clicked" db:"clicked_count"`
	Replied   int `json:"replied" db:"replied_count"`
}

// MetricsDelta is a signed increment applied atomically to Metrics.
type MetricsDelta struct {
	Enrolled  int
	Active    int
	Completed int
	Sent      int
	Opened    int
	Clicked   int
	Replied   int
}

// Apply returns m with d added. Counters never drop below zero.
func (m Metrics) Apply(d MetricsDelta) Metrics {
	clamp := func(v int) int {
		if v < 0 {
			return 0
		}
		return v
	}
	return Metrics{
		Enrolled:  clamp(m.Enrolled + d.Enrolled),
		Active:    clamp(m.Active + d.Active),
		Completed: clamp(m.Completed + d.Completed),
		Sent:      clamp(m.Sent + d.Sent),
		Opened:    clamp(m.Opened + d.Opened),
		Clicked:   clamp(m.Clicked + d.Clicked),
		Replied:   clamp(m.Replied + d.Replied),
	}
}

// IsZero reports whether the delta changes nothing.
func (d MetricsDelta) IsZero() bool {
	return d == MetricsDelta{}
}
