package referral

import (
	"context"
	"fmt"
	"time"

	"loyalty-engine/pkg/errutil"
	"loyalty-engine/pkg/repository"
	"loyalty-engine/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	ledger *ledger.Service

	rule     repository.Repository[ReferralRule]
	referral repository.Repository[Referral]
	status   repository.Repository[ledger.MemberLoyaltyStatus]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Ledger *ledger.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		ledger: p.Ledger,

		rule:     repository.ProvideStore[ReferralRule](p.DB),
		referral: repository.ProvideStore[Referral](p.DB),
		status:   repository.ProvideStore[ledger.MemberLoyaltyStatus](p.DB),
	}
}

type AwardParams struct {
	TenantID         string
	ProgramID        string
	ReferredMemberID string
	ReferralCode     string
}

// Award credits the referrer behind the given code for a new registration.
// A second award for the same referred member is a no-op returning the
// existing referral; past the daily cap the relationship is recorded with
// zero points and no transaction.
func (s *Service) Award(ctx context.Context, p AwardParams) (*Referral, error) {
	if p.ReferralCode == "" {
		return nil, nil
	}
	if p.ReferredMemberID == "" {
		return nil, errutil.ValidationFailed("referred_member_id is required")
	}

	referrer, err := s.status.FindOne(ctx, &ledger.MemberLoyaltyStatus{
		TenantID:     p.TenantID,
		ReferralCode: p.ReferralCode,
	})
	if err != nil {
		return nil, err
	}
	if referrer == nil {
		return nil, errutil.NotFound("referral code not found")
	}
	if referrer.MemberID == p.ReferredMemberID {
		return nil, errutil.ValidationFailed("members cannot refer themselves")
	}

	rule, err := s.rule.FindOne(ctx, &ReferralRule{TenantID: p.TenantID, IsActive: true})
	if err != nil {
		return nil, err
	}
	if rule == nil || rule.RewardPoints <= 0 {
		zap.L().Debug("no active referral rule, skipping award",
			zap.String("tenant_id", p.TenantID))
		return nil, nil
	}

	existing, err := s.referral.FindOne(ctx, &Referral{
		ProgramID:        referrer.ProgramID,
		ReferredMemberID: p.ReferredMemberID,
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	points := rule.RewardPoints
	if rule.MaxReferralsPerDay > 0 {
		startOfDay := time.Now().Truncate(24 * time.Hour)
		count, err := s.ledger.CountReferralBonusesSince(ctx,
			p.TenantID, referrer.MemberID, referrer.ProgramID, startOfDay)
		if err != nil {
			return nil, err
		}
		if count >= rule.MaxReferralsPerDay {
			zap.L().Info("daily referral cap reached, recording without points",
				zap.String("referrer_member_id", referrer.MemberID),
				zap.Int64("cap", rule.MaxReferralsPerDay))
			points = 0
		}
	}

	record := &Referral{
		ID:               s.node.Generate().String(),
		TenantID:         p.TenantID,
		ProgramID:        referrer.ProgramID,
		ReferrerMemberID: referrer.MemberID,
		ReferredMemberID: p.ReferredMemberID,
		PointsAwarded:    points,
		CreatedAt:        time.Now(),
	}
	if err := s.referral.Create(ctx, record); err != nil {
		// Lost the race to a concurrent registration of the same member;
		// the winner's referral stands.
		winner, findErr := s.referral.FindOne(ctx, &Referral{
			ProgramID:        referrer.ProgramID,
			ReferredMemberID: p.ReferredMemberID,
		})
		if findErr == nil && winner != nil {
			return winner, nil
		}
		return nil, err
	}

	if points > 0 {
		_, err = s.ledger.AwardReferralBonus(ctx, ledger.ReferralBonusParams{
			TenantID:         p.TenantID,
			ReferrerMemberID: referrer.MemberID,
			ProgramID:        referrer.ProgramID,
			Points:           points,
			ReferredMemberID: p.ReferredMemberID,
			Description:      fmt.Sprintf("Referral bonus for %s", p.ReferredMemberID),
		})
		if err != nil {
			if delErr := s.db.WithContext(ctx).Delete(&Referral{}, "id = ?", record.ID).Error; delErr != nil {
				zap.L().Error("failed to roll back referral record",
					zap.String("referral_id", record.ID), zap.Error(delErr))
			}
			return nil, err
		}
	}

	return record, nil
}
