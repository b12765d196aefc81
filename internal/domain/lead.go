package domain

import (
	"slices"
	"strings"
	"time"
)

// Lead is a CRM contact (typically a healthcare professional) as seen by the
// campaign engine.
type Lead struct {
	ID         string    `json:"id" db:"id"`
	Name       string    `json:"name" db:"name"`
	Email      string    `json:"email" db:"email"`
	Mobile     string    `json:"mobile" db:"mobile"`
	Status     string    `json:"status" db:"status"`
	Source     string    `json:"source" db:"source"`
	Tags       []string  `json:"tags" db:"tags"`
	AssignedTo string    `json:"assigned_to" db:"assigned_to"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// HasTag reports whether the lead carries tagID.
func (l *Lead) HasTag(tagID string) bool {
	return slices.Contains(l.Tags, tagID)
}

// AddTag returns tags with tagID appended unless already present.
func AddTag(tags []string, tagID string) []string {
	if slices.Contains(tags, tagID) {
		return tags
	}
	out := make([]string, 0, len(tags)+1)
	out = append(out, tags...)
	return append(out, tagID)
}

// RemoveTag returns tags without tagID.
func RemoveTag(tags []string, tagID string) []string {
	if !slices.Contains(tags, tagID) {
		return tags
	}
	out := make([]string, 0, len(tags)-1)
	for _, t := range tags {
		if t != tagID {
			out = append(out, t)
		}
	}
	return out
}

// LeadScope is the set of leads a campaign owner may target: every lead for
// admins, otherwise only leads assigned to OwnerID.
type LeadScope struct {
	OwnerID string
	Admin   bool
}

// Covers reports whether the lead is inside the scope.
func (s LeadScope) Covers(l *Lead) bool {
	return s.Admin || (s.OwnerID != "" && l.AssignedTo == s.OwnerID)
}

// Tag is a CRM label that can be attached to leads.
type Tag struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

// TemplateComponent is one part of a WhatsApp message template.
type TemplateComponent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Template is an approved WhatsApp Cloud API template.
type Template struct {
	ID         string              `json:"id" db:"id"`
	Name       string              `json:"name" db:"name"`
	Language   string              `json:"language" db:"language"`
	Components []TemplateComponent `json:"components" db:"components"`
}

// BodyText returns the text of the BODY component, if any.
func (t *Template) BodyText() (string, bool) {
	for _, c := range t.Components {
		if strings.EqualFold(c.Type, "BODY") && c.Text != "" {
			return c.Text, true
		}
	}
	return "", false
}

// EngagementKind is a tracked reaction to a campaign message.
type EngagementKind string

const (
	EngagementOpened  EngagementKind = "email_opened"
	EngagementClicked EngagementKind = "email_clicked"
	EngagementReplied EngagementKind = "replied"
)

// Engagement records that a lead reacted to a campaign message.
type Engagement struct {
	ID         string         `json:"id" db:"id"`
	CampaignID string         `json:"campaign_id" db:"campaign_id" validate:"required"`
	LeadID     string         `json:"lead_id" db:"lead_id" validate:"required"`
	Kind       EngagementKind `json:"kind" db:"kind" validate:"oneof=email_opened email_clicked replied"`
	MessageID  string         `json:"message_id,omitempty" db:"message_id"`
	OccurredAt time.Time      `json:"occurred_at" db:"occurred_at"`
}

// MetricsDelta returns the counter increment for the engagement kind.
func (e Engagement) MetricsDelta() MetricsDelta {
	switch e.Kind {
	case EngagementOpened:
		return MetricsDelta{Opened: 1}
	case EngagementClicked:
		return MetricsDelta{Clicked: 1}
	case EngagementReplied:
		return MetricsDelta{Replied: 1}
	}
	return MetricsDelta{}
}

// Validate checks the engagement fields.
func (e Engagement) Validate() error {
	return validate.Struct(e)
}
