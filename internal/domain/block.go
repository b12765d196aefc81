package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// BlockType identifies the action a block performs.
type BlockType string

const (
	BlockWait          BlockType = "wait"
	BlockSendEmail     BlockType = "send_email"
	BlockSendWhatsApp  BlockType = "send_whatsapp"
	BlockConditional   BlockType = "conditional"
	BlockABTest        BlockType = "ab_test"
	BlockAddTag        BlockType = "add_tag"
	BlockRemoveTag     BlockType = "remove_tag"
	BlockLeadCondition BlockType = "lead_condition"
)

// IsBranching reports whether the block selects among labeled outgoing edges.
func (t BlockType) IsBranching() bool {
	switch t {
	case BlockConditional, BlockABTest, BlockLeadCondition:
		return true
	}
	return false
}

// Branch outcomes recorded on executions of branching blocks.
const (
	OutcomeTrue  = "true"
	OutcomeFalse = "false"
	OutcomeA     = "A"
	OutcomeB     = "B"
)

// BranchLabels returns the connection labels valid for a block type.
func (t BlockType) BranchLabels() []string {
	switch t {
	case BlockConditional, BlockLeadCondition:
		return []string{OutcomeTrue, OutcomeFalse}
	case BlockABTest:
		return []string{OutcomeA, OutcomeB}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// BlockData is the type-specific payload of a block. Each BlockType has
// exactly one implementation.
type BlockData interface {
	BlockType() BlockType
}

// Brancher is implemented by payloads that declare successor lists per
// outcome in addition to labeled connections.
type Brancher interface {
	PathFor(outcome string) []string
}

// Block is a single node of a campaign graph.
type Block struct {
	ID   string    `json:"id"`
	Type BlockType `json:"type"`
	Data BlockData `json:"data"`
}

// NewBlock builds a block whose Type is taken from its payload.
func NewBlock(id string, data BlockData) Block {
	return Block{ID: id, Type: data.BlockType(), Data: data}
}

// Validate checks the id, the type/payload agreement and the payload fields.
func (b Block) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("%w: block id is required", ErrInvalidDefinition)
	}
	if b.Data == nil {
		return fmt.Errorf("%w: block %s has no data", ErrInvalidDefinition, b.ID)
	}
	if b.Data.BlockType() != b.Type {
		return fmt.Errorf("%w: block %s declares type %s but carries %s data",
			ErrInvalidDefinition, b.ID, b.Type, b.Data.BlockType())
	}
	if err := validate.Struct(b.Data); err != nil {
		return fmt.Errorf("%w: block %s: %v", ErrInvalidDefinition, b.ID, err)
	}
	return nil
}

// DeclaredPath returns the successor ids the payload lists for outcome.
func (b Block) DeclaredPath(outcome string) []string {
	if br, ok := b.Data.(Brancher); ok {
		return br.PathFor(outcome)
	}
	return nil
}

type blockJSON struct {
	ID   string          `json:"id"`
	Type BlockType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// UnmarshalJSON decodes the payload into the struct matching the type tag.
func (b *Block) UnmarshalJSON(raw []byte) error {
	var w blockJSON
	if err := json.Unmarshal(raw, &w); err != nil {
		return err
	}
	var data BlockData
	switch w.Type {
	case BlockWait:
		data = &WaitData{}
	case BlockSendEmail:
		data = &SendEmailData{}
	case BlockSendWhatsApp:
		data = &SendWhatsAppData{}
	case BlockConditional:
		data = &ConditionalData{}
	case BlockABTest:
		data = &ABTestData{}
	case BlockAddTag:
		data = &AddTagData{}
	case BlockRemoveTag:
		data = &RemoveTagData{}
	case BlockLeadCondition:
		data = &LeadConditionData{}
	default:
		return fmt.Errorf("%w: unknown block type %q", ErrInvalidDefinition, w.Type)
	}
	if len(w.Data) > 0 && string(w.Data) != "null" {
		if err := json.Unmarshal(w.Data, data); err != nil {
			return fmt.Errorf("%w: block %s data: %v", ErrInvalidDefinition, w.ID, err)
		}
	}
	b.ID = w.ID
	b.Type = w.Type
	b.Data = data
	return nil
}

// TimeUnit is the unit of a wait or time-limit duration.
type TimeUnit string

const (
	UnitMinutes TimeUnit = "minutes"
	UnitHours   TimeUnit = "hours"
	UnitDays    TimeUnit = "days"
	UnitWeeks   TimeUnit = "weeks"
)

// Delay is a positive amount of a TimeUnit.
type Delay struct {
	Duration int      `json:"duration" validate:"gt=0"`
	Unit     TimeUnit `json:"unit" validate:"oneof=minutes hours days weeks"`
}

// ToDuration converts the delay to a time.Duration.
func (d Delay) ToDuration() time.Duration {
	n := time.Duration(d.Duration)
	switch d.Unit {
	case UnitMinutes:
		return n * time.Minute
	case UnitHours:
		return n * time.Hour
	case UnitDays:
		return n * 24 * time.Hour
	case UnitWeeks:
		return n * 7 * 24 * time.Hour
	}
	return 0
}

// WaitData delays whatever follows the wait block.
type WaitData struct {
	Delay
}

func (*WaitData) BlockType() BlockType { return BlockWait }

// SendEmailData renders Subject and Content against the lead and emails it.
type SendEmailData struct {
	Subject   string `json:"subject" validate:"required"`
	Content   string `json:"content" validate:"required"`
	FromName  string `json:"from_name,omitempty"`
	FromEmail string `json:"from_email,omitempty" validate:"omitempty,email"`
}

func (*SendEmailData) BlockType() BlockType { return BlockSendEmail }

// SendWhatsAppData sends the body of an approved WhatsApp template.
type SendWhatsAppData struct {
	TemplateID string `json:"template_id" validate:"required"`
}

func (*SendWhatsAppData) BlockType() BlockType { return BlockSendWhatsApp }

// ConditionalData branches on lead engagement within TimeLimit of reaching
// the block.
type ConditionalData struct {
	Predicate EngagementKind `json:"predicate" validate:"oneof=email_opened email_clicked replied"`
	TimeLimit Delay          `json:"time_limit"`
	TruePath  []string       `json:"true_path,omitempty"`
	FalsePath []string       `json:"false_path,omitempty"`
}

func (*ConditionalData) BlockType() BlockType { return BlockConditional }

func (d *ConditionalData) PathFor(outcome string) []string {
	return truthPath(outcome, d.TruePath, d.FalsePath)
}

// ABTestData splits enrollments into bucket A (SplitPercentage percent) and B.
type ABTestData struct {
	SplitPercentage int      `json:"split_percentage" validate:"gt=0,lt=100"`
	PathA           []string `json:"path_a,omitempty"`
	PathB           []string `json:"path_b,omitempty"`
}

func (*ABTestData) BlockType() BlockType { return BlockABTest }

func (d *ABTestData) PathFor(outcome string) []string {
	switch outcome {
	case OutcomeA:
		return d.PathA
	case OutcomeB:
		return d.PathB
	}
	return nil
}

// AddTagData adds TagID to the lead.
type AddTagData struct {
	TagID string `json:"tag_id" validate:"required"`
}

func (*AddTagData) BlockType() BlockType { return BlockAddTag }

// RemoveTagData removes TagID from the lead.
type RemoveTagData struct {
	TagID string `json:"tag_id" validate:"required"`
}

func (*RemoveTagData) BlockType() BlockType { return BlockRemoveTag }

// LeadField names a lead attribute a lead_condition block can test.
type LeadField string

const (
	FieldStatus LeadField = "status"
	FieldSource LeadField = "source"
	FieldTag    LeadField = "tag"
)

// ConditionOperator compares a lead field against Values.
type ConditionOperator string

const (
	OpEquals    ConditionOperator = "equals"
	OpNotEquals ConditionOperator = "not_equals"
	OpIn        ConditionOperator = "in"
)

// LeadConditionData branches on a lead attribute at the moment of execution.
type LeadConditionData struct {
	Field     LeadField         `json:"field" validate:"oneof=status source tag"`
	Operator  ConditionOperator `json:"operator" validate:"oneof=equals not_equals in"`
	Values    []string          `json:"values" validate:"min=1"`
	TruePath  []string          `json:"true_path,omitempty"`
	FalsePath []string          `json:"false_path,omitempty"`
}

func (*LeadConditionData) BlockType() BlockType { return BlockLeadCondition }

func (d *LeadConditionData) PathFor(outcome string) []string {
	return truthPath(outcome, d.TruePath, d.FalsePath)
}

// Evaluate tests the condition against the lead.
func (d *LeadConditionData) Evaluate(l *Lead) bool {
	var hit bool
	switch d.Field {
	case FieldStatus:
		hit = containsFold(d.Values, l.Status)
	case FieldSource:
		hit = containsFold(d.Values, l.Source)
	case FieldTag:
		for _, v := range d.Values {
			if l.HasTag(v) {
				hit = true
				break
			}
		}
	}
	if d.Operator == OpNotEquals {
		return !hit
	}
	return hit
}

func truthPath(outcome string, truePath, falsePath []string) []string {
	switch outcome {
	case OutcomeTrue:
		return truePath
	case OutcomeFalse:
		return falsePath
	}
	return nil
}
