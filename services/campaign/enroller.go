package campaign

import (
	"context"
	"time"

	"loyalty-engine/pkg/errutil"
	"loyalty-engine/pkg/repository"
	"loyalty-engine/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultValidityDays = 365

// Enroller creates memberships for qualifying rules. Enrollment is
// idempotent per (member, program) and the per-rule cap is enforced with a
// compare-and-increment so two concurrent requests cannot both take the last
// slot.
type Enroller struct {
	db   *gorm.DB
	node *snowflake.Node

	membership repository.Repository[Membership]
	program    repository.Repository[ledger.LoyaltyProgram]
}

type EnrollerParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewEnroller(p EnrollerParams) *Enroller {
	return &Enroller{
		db:   p.DB,
		node: p.Node,

		membership: repository.ProvideStore[Membership](p.DB),
		program:    repository.ProvideStore[ledger.LoyaltyProgram](p.DB),
	}
}

func (e *Enroller) Enroll(ctx context.Context, memberID string, rule *CampaignRule) (*Membership, error) {
	if memberID == "" {
		return nil, errutil.ValidationFailed("member_id is required")
	}

	existing, err := e.membership.FindOne(ctx, &Membership{
		MemberID:  memberID,
		ProgramID: rule.ProgramID,
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, errutil.Conflict("member already enrolled in program")
	}

	validityDays := defaultValidityDays
	program, err := e.program.FindOne(ctx, &ledger.LoyaltyProgram{ID: rule.ProgramID})
	if err != nil {
		return nil, err
	}
	if program != nil && program.ValidityDays > 0 {
		validityDays = program.ValidityDays
	}

	now := time.Now()
	membership := &Membership{
		ID:          e.node.Generate().String(),
		TenantID:    rule.TenantID,
		MemberID:    memberID,
		ProgramID:   rule.ProgramID,
		RuleID:      rule.ID,
		ActivatedAt: now,
		ExpiresAt:   now.AddDate(0, 0, validityDays),
		CreatedAt:   now,
	}

	err = e.db.Transaction(func(tx *gorm.DB) error {
		query := tx.Model(&CampaignRule{}).Where("id = ?", rule.ID)
		if rule.MaxEnrollments > 0 {
			query = query.Where("current_enrollments < max_enrollments")
		}
		res := query.Update("current_enrollments", gorm.Expr("current_enrollments + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.UnprocessableEntity("enrollment capacity reached")
		}

		// The unique index on (member_id, program_id) is the backstop for
		// two concurrent enrollments through different rules.
		if err := e.membership.WithTrx(tx).Create(ctx, membership); err != nil {
			return errutil.Conflict("member already enrolled in program", errutil.WithErr(err))
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("member enrolled",
		zap.String("member_id", memberID),
		zap.String("program_id", rule.ProgramID),
		zap.String("rule_id", rule.ID),
		zap.String("membership_id", membership.ID))
	return membership, nil
}
