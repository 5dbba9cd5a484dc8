package campaign

import (
	"encoding/json"
	"time"

	"loyalty-engine/services/condition"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type TriggerType string

const (
	TriggerOrderValue TriggerType = "order_value"
	TriggerAdvanced   TriggerType = "advanced"
)

// CampaignRule is a merchant-authored enrollment rule. The four condition
// lists are stored as JSON arrays of condition.Condition.
type CampaignRule struct {
	ID                    string          `gorm:"column:id"`
	TenantID              string          `gorm:"column:tenant_id;index"`
	Name                  string          `gorm:"column:name"`
	Priority              int             `gorm:"column:priority"`
	TriggerType           TriggerType     `gorm:"column:trigger_type"`
	MinOrderValue         decimal.Decimal `gorm:"column:min_order_value;type:decimal(14,2)"`
	TriggerConditions     datatypes.JSON  `gorm:"column:trigger_conditions"`
	EligibilityConditions datatypes.JSON  `gorm:"column:eligibility_conditions"`
	LocationConditions    datatypes.JSON  `gorm:"column:location_conditions"`
	AttributionConditions datatypes.JSON  `gorm:"column:attribution_conditions"`
	ExcludeRefunded       bool            `gorm:"column:exclude_refunded"`
	ExcludeCancelled      bool            `gorm:"column:exclude_cancelled"`
	ExcludeTest           bool            `gorm:"column:exclude_test"`
	ProgramID             string          `gorm:"column:program_id"`
	MaxEnrollments        int64           `gorm:"column:max_enrollments"`
	CurrentEnrollments    int64           `gorm:"column:current_enrollments"`
	IsActive              bool            `gorm:"column:is_active"`
	CreatedAt             time.Time       `gorm:"column:created_at"`
	UpdatedAt             time.Time       `gorm:"column:updated_at"`
}

// ConditionGroup names a rule's four condition lists for audit traces.
type ConditionGroup string

const (
	GroupTrigger     ConditionGroup = "trigger"
	GroupEligibility ConditionGroup = "eligibility"
	GroupLocation    ConditionGroup = "location"
	GroupAttribution ConditionGroup = "attribution"
)

func decodeConditions(raw datatypes.JSON) ([]condition.Condition, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var conds []condition.Condition
	if err := json.Unmarshal(raw, &conds); err != nil {
		return nil, err
	}
	return conds, nil
}

// Conditions decodes one of the rule's condition lists. A missing or null
// column is an empty group, which passes vacuously.
func (r *CampaignRule) Conditions(group ConditionGroup) ([]condition.Condition, error) {
	switch group {
	case GroupTrigger:
		return decodeConditions(r.TriggerConditions)
	case GroupEligibility:
		return decodeConditions(r.EligibilityConditions)
	case GroupLocation:
		return decodeConditions(r.LocationConditions)
	default:
		return decodeConditions(r.AttributionConditions)
	}
}

// Membership records a member's enrollment into a program by a specific rule.
// At most one row exists per (member, program) no matter how many rules match.
type Membership struct {
	ID          string    `gorm:"column:id"`
	TenantID    string    `gorm:"column:tenant_id;index"`
	MemberID    string    `gorm:"column:member_id;uniqueIndex:idx_membership_member_program"`
	ProgramID   string    `gorm:"column:program_id;uniqueIndex:idx_membership_member_program"`
	RuleID      string    `gorm:"column:rule_id"`
	ActivatedAt time.Time `gorm:"column:activated_at"`
	ExpiresAt   time.Time `gorm:"column:expires_at"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}
