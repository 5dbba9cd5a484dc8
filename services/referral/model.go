package referral

import (
	"time"
)

// ReferralRule is the tenant's referral earning configuration. At most one
// active rule per tenant is honored.
type ReferralRule struct {
	ID                 string    `gorm:"column:id"`
	TenantID           string    `gorm:"column:tenant_id;index"`
	ProgramID          string    `gorm:"column:program_id"`
	RewardPoints       int64     `gorm:"column:reward_points"`
	MaxReferralsPerDay int64     `gorm:"column:max_referrals_per_day"`
	IsActive           bool      `gorm:"column:is_active"`
	CreatedAt          time.Time `gorm:"column:created_at"`
}

// Referral records one referrer/referred relationship. The unique index on
// (program_id, referred_member_id) is what makes a second award attempt for
// the same referred member a no-op.
type Referral struct {
	ID               string    `gorm:"column:id"`
	TenantID         string    `gorm:"column:tenant_id;index"`
	ProgramID        string    `gorm:"column:program_id;uniqueIndex:idx_referral_program_referred"`
	ReferrerMemberID string    `gorm:"column:referrer_member_id"`
	ReferredMemberID string    `gorm:"column:referred_member_id;uniqueIndex:idx_referral_program_referred"`
	PointsAwarded    int64     `gorm:"column:points_awarded"`
	CreatedAt        time.Time `gorm:"column:created_at"`
}
