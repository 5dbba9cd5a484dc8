package redemption

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	KindGeneric = "generic"
	KindUnique  = "unique"
)

// Reward is a redeemable catalog item. Generic rewards share one code across
// all members; unique rewards draw from a pre-provisioned pool of codes.
type Reward struct {
	ID         string          `gorm:"column:id"`
	TenantID   string          `gorm:"column:tenant_id;index"`
	ProgramID  string          `gorm:"column:program_id"`
	Name       string          `gorm:"column:name"`
	PointsCost int64           `gorm:"column:points_cost"`
	Kind       string          `gorm:"column:kind"`
	SharedCode string          `gorm:"column:shared_code"`
	Value      decimal.Decimal `gorm:"column:value;type:decimal(12,2)"`
	ExpiryDays int             `gorm:"column:expiry_days"`
	IsActive   bool            `gorm:"column:is_active"`
	CreatedAt  time.Time       `gorm:"column:created_at"`
}

// DiscountCode is one redeemable artifact. Pool units for unique rewards are
// created unassigned; claiming sets member_id and is_assigned in one
// conditional update. claim_key is "<reward_id>:<member_id>" while the code
// is held unredeemed and NULL otherwise, so the unique index allows at most
// one open issuance per (reward, member) without binding pool units.
type DiscountCode struct {
	ID         string     `gorm:"column:id"`
	TenantID   string     `gorm:"column:tenant_id;index"`
	RewardID   string     `gorm:"column:reward_id;index"`
	Code       string     `gorm:"column:code;index"`
	MemberID   string     `gorm:"column:member_id"`
	ClaimKey   *string    `gorm:"column:claim_key;uniqueIndex:idx_code_claim_key"`
	IsAssigned bool       `gorm:"column:is_assigned"`
	IsUsed     bool       `gorm:"column:is_used"`
	RemoteID   string     `gorm:"column:remote_id"`
	ExpiresAt  *time.Time `gorm:"column:expires_at"`
	CreatedAt  time.Time  `gorm:"column:created_at"`
	UpdatedAt  time.Time  `gorm:"column:updated_at"`
}
