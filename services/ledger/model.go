package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	TypeEarned   = "earned"
	TypeRedeemed = "redeemed"
	TypeBonus    = "bonus"
)

// Source refines the transaction type for reporting and for the referral
// daily cap, which counts bonus transactions with SourceReferral.
const (
	SourceOrder      = "order"
	SourceWelcome    = "welcome"
	SourceReferral   = "referral"
	SourceManual     = "manual"
	SourceRedemption = "redemption"
)

type LoyaltyProgram struct {
	ID              string    `gorm:"column:id"`
	TenantID        string    `gorm:"column:tenant_id"`
	PointsName      string    `gorm:"column:points_name"`
	Currency        string    `gorm:"column:currency"`
	AllowRedemption bool      `gorm:"column:allow_redemption"`
	WelcomePoints   int64     `gorm:"column:welcome_points"`
	ValidityDays    int       `gorm:"column:validity_days"`
	IsActive        bool      `gorm:"column:is_active"`
	CreatedAt       time.Time `gorm:"column:created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

// Tier carries the earn formula and the redemption caps. A zero cap column
// means the cap is not configured.
type Tier struct {
	ID                   string          `gorm:"column:id"`
	ProgramID            string          `gorm:"column:program_id"`
	Name                 string          `gorm:"column:name"`
	EarnRate             int64           `gorm:"column:earn_rate"`
	EarnDivisor          int64           `gorm:"column:earn_divisor"`
	PointsValue          decimal.Decimal `gorm:"column:points_value;type:decimal(12,4)"`
	MaxRedemptionPercent int64           `gorm:"column:max_redemption_percent"`
	MaxRedemptionPoints  int64           `gorm:"column:max_redemption_points"`
	IsDefault            bool            `gorm:"column:is_default"`
	CreatedAt            time.Time       `gorm:"column:created_at"`
}

// MemberLoyaltyStatus is the ledger's mutable aggregate, one row per
// (member, program). points_balance is the single source of truth for the
// member's balance and never goes negative. The composite unique index backs
// ProvisionStatus against concurrent first deliveries.
type MemberLoyaltyStatus struct {
	ID                     string          `gorm:"column:id"`
	TenantID               string          `gorm:"column:tenant_id;uniqueIndex:idx_status_tenant_member_program"`
	MemberID               string          `gorm:"column:member_id;uniqueIndex:idx_status_tenant_member_program"`
	ProgramID              string          `gorm:"column:program_id;uniqueIndex:idx_status_tenant_member_program"`
	TierID                 string          `gorm:"column:tier_id"`
	PointsBalance          int64           `gorm:"column:points_balance"`
	LifetimePointsEarned   int64           `gorm:"column:lifetime_points_earned"`
	LifetimePointsRedeemed int64           `gorm:"column:lifetime_points_redeemed"`
	ReferralPointsEarned   int64           `gorm:"column:referral_points_earned"`
	TotalOrders            int64           `gorm:"column:total_orders"`
	TotalSpend             decimal.Decimal `gorm:"column:total_spend;type:decimal(14,2)"`
	ReferralCode           string          `gorm:"column:referral_code;uniqueIndex"`
	CreatedAt              time.Time       `gorm:"column:created_at"`
	UpdatedAt              time.Time       `gorm:"column:updated_at"`
}

// PointsTransaction is append-only. balance_after snapshots the balance at
// commit time so the log alone reconstructs every balance.
type PointsTransaction struct {
	ID           string         `gorm:"column:id"`
	TenantID     string         `gorm:"column:tenant_id"`
	MemberID     string         `gorm:"column:member_id"`
	ProgramID    string         `gorm:"column:program_id"`
	Type         string         `gorm:"column:type"`
	Source       string         `gorm:"column:source"`
	PointsAmount int64          `gorm:"column:points_amount"`
	BalanceAfter int64          `gorm:"column:balance_after"`
	ReferenceID  string         `gorm:"column:reference_id"`
	Description  string         `gorm:"column:description"`
	Metadata     datatypes.JSON `gorm:"column:metadata"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
}

// ComputeEarnedPoints applies the tier earn formula with floor truncation.
// A nil tier or a zero divisor falls back to rate 1 / divisor 1.
func ComputeEarnedPoints(amount decimal.Decimal, tier *Tier) int64 {
	rate, divisor := int64(1), int64(1)
	if tier != nil && tier.EarnDivisor > 0 {
		rate, divisor = tier.EarnRate, tier.EarnDivisor
	}

	return amount.
		Mul(decimal.NewFromInt(rate)).
		Div(decimal.NewFromInt(divisor)).
		Floor().
		IntPart()
}
