package redemption

import (
	"context"
	"fmt"
	"time"

	"loyalty-engine/pkg/commerce"
	"loyalty-engine/pkg/db/option"
	"loyalty-engine/pkg/errutil"
	"loyalty-engine/pkg/repository"
	"loyalty-engine/pkg/sequence"
	"loyalty-engine/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	commerce commerce.Client
	ledger   *ledger.Service
	seq      sequence.Generator

	reward  repository.Repository[Reward]
	code    repository.Repository[DiscountCode]
	program repository.Repository[ledger.LoyaltyProgram]
	tier    repository.Repository[ledger.Tier]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Commerce commerce.Client
	Ledger   *ledger.Service
	Sequence sequence.Generator
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		commerce: p.Commerce,
		ledger:   p.Ledger,
		seq:      p.Sequence,

		reward:  repository.ProvideStore[Reward](p.DB),
		code:    repository.ProvideStore[DiscountCode](p.DB),
		program: repository.ProvideStore[ledger.LoyaltyProgram](p.DB),
		tier:    repository.ProvideStore[ledger.Tier](p.DB),
	}
}

// MaxRedeemable computes the redeemable point ceiling: the balance, capped by
// the tier's order-percentage formula and its absolute point cap when either
// is configured.
func MaxRedeemable(status *ledger.MemberLoyaltyStatus, tier *ledger.Tier, orderAmount decimal.Decimal) int64 {
	max := status.PointsBalance
	if max < 0 {
		return 0
	}
	if tier == nil {
		return max
	}

	if tier.MaxRedemptionPercent > 0 && tier.PointsValue.IsPositive() {
		byPercent := orderAmount.
			Mul(decimal.NewFromInt(tier.MaxRedemptionPercent)).
			Div(decimal.NewFromInt(100)).
			Div(tier.PointsValue).
			Floor().
			IntPart()
		if byPercent < max {
			max = byPercent
		}
	}

	if tier.MaxRedemptionPoints > 0 && tier.MaxRedemptionPoints < max {
		max = tier.MaxRedemptionPoints
	}

	if max < 0 {
		return 0
	}
	return max
}

// Quote returns how many points the member could redeem against an order of
// the given amount.
func (s *Service) Quote(ctx context.Context, tenantID, memberID, programID string, orderAmount decimal.Decimal) (int64, error) {
	status, err := s.ledger.GetStatus(ctx, tenantID, memberID, programID)
	if err != nil {
		return 0, err
	}

	var tier *ledger.Tier
	if status.TierID != "" {
		tier, err = s.tier.FindOne(ctx, &ledger.Tier{ID: status.TierID})
		if err != nil {
			return 0, err
		}
	}

	return MaxRedeemable(status, tier, orderAmount), nil
}

type IssueParams struct {
	TenantID  string
	MemberID  string
	ProgramID string
	RewardID  string
}

// IssueReward redeems points for a reward and returns the discount code.
// Calling it again for the same (member, reward) while the code is unused
// returns the existing code with no second deduction. Remote code creation
// happens before the points move; a failed deduction rolls the remote
// artifact back.
func (s *Service) IssueReward(ctx context.Context, p IssueParams) (*DiscountCode, error) {
	program, err := s.program.FindOne(ctx, &ledger.LoyaltyProgram{ID: p.ProgramID, TenantID: p.TenantID})
	if err != nil {
		return nil, err
	}
	if program == nil {
		return nil, errutil.NotFound("loyalty program not found")
	}
	if !program.AllowRedemption {
		return nil, errutil.UnprocessableEntity("program does not allow redemption")
	}

	reward, err := s.reward.FindOne(ctx, &Reward{ID: p.RewardID, TenantID: p.TenantID})
	if err != nil {
		return nil, err
	}
	if reward == nil || !reward.IsActive {
		return nil, errutil.NotFound("reward not found")
	}

	existing, err := s.openIssuance(ctx, p.RewardID, p.MemberID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		zap.L().Info("returning previously issued code",
			zap.String("member_id", p.MemberID),
			zap.String("reward_id", p.RewardID),
			zap.String("code", existing.Code))
		return existing, nil
	}

	status, err := s.ledger.GetStatus(ctx, p.TenantID, p.MemberID, p.ProgramID)
	if err != nil {
		return nil, err
	}
	if status.PointsBalance < reward.PointsCost {
		return nil, errutil.UnprocessableEntity("insufficient points")
	}

	switch reward.Kind {
	case KindUnique:
		return s.issueUnique(ctx, program, reward, p)
	default:
		return s.issueGeneric(ctx, reward, p)
	}
}

// openIssuance returns the member's unredeemed code for the reward, if any.
func (s *Service) openIssuance(ctx context.Context, rewardID, memberID string) (*DiscountCode, error) {
	return s.code.FindOne(ctx, &DiscountCode{RewardID: rewardID, MemberID: memberID},
		option.ApplyOperator(option.Condition{Field: "is_used", Operator: option.EQ, Value: false}))
}

func claimKey(rewardID, memberID string) *string {
	k := fmt.Sprintf("%s:%s", rewardID, memberID)
	return &k
}

// issueGeneric assigns the reward's shared code. No pool unit and no remote
// artifact are involved.
func (s *Service) issueGeneric(ctx context.Context, reward *Reward, p IssueParams) (*DiscountCode, error) {
	now := time.Now()
	code := &DiscountCode{
		ID:         s.node.Generate().String(),
		TenantID:   p.TenantID,
		RewardID:   reward.ID,
		Code:       reward.SharedCode,
		MemberID:   p.MemberID,
		ClaimKey:   claimKey(reward.ID, p.MemberID),
		IsAssigned: true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if reward.ExpiryDays > 0 {
		expires := now.AddDate(0, 0, reward.ExpiryDays)
		code.ExpiresAt = &expires
	}

	if err := s.code.Create(ctx, code); err != nil {
		// A parallel issue landed first and holds the claim key. Its code is
		// the idempotent outcome.
		prior, ferr := s.openIssuance(ctx, reward.ID, p.MemberID)
		if ferr == nil && prior != nil {
			return prior, nil
		}
		return nil, err
	}

	if _, err := s.ledger.RedeemPoints(ctx, ledger.RedeemParams{
		TenantID:    p.TenantID,
		MemberID:    p.MemberID,
		ProgramID:   p.ProgramID,
		Points:      reward.PointsCost,
		ReferenceID: code.ID,
		Description: fmt.Sprintf("Redeemed %s", reward.Name),
	}); err != nil {
		if delErr := s.db.WithContext(ctx).Delete(&DiscountCode{}, "id = ?", code.ID).Error; delErr != nil {
			zap.L().Error("failed to roll back discount code", zap.String("code_id", code.ID), zap.Error(delErr))
		}
		return nil, err
	}

	return code, nil
}

// issueUnique claims one unassigned pool unit, registers it upstream, then
// deducts points. Exactly one of two concurrent claims on the same unit wins;
// the loser gets a Conflict and may retry for another unit.
func (s *Service) issueUnique(ctx context.Context, program *ledger.LoyaltyProgram, reward *Reward, p IssueParams) (*DiscountCode, error) {
	unit, err := s.code.FindOne(ctx, &DiscountCode{RewardID: reward.ID},
		option.ApplyOperator(option.Condition{Field: "is_assigned", Operator: option.EQ, Value: false}))
	if err != nil {
		return nil, err
	}
	if unit == nil {
		return nil, errutil.UnprocessableEntity("reward pool exhausted")
	}

	now := time.Now()
	res := s.db.WithContext(ctx).Model(&DiscountCode{}).
		Where("id = ? AND is_assigned = ?", unit.ID, false).
		Updates(map[string]any{
			"member_id":   p.MemberID,
			"claim_key":   claimKey(reward.ID, p.MemberID),
			"is_assigned": true,
			"updated_at":  now,
		})
	if res.Error != nil {
		// The member already holds an open issuance of this reward on
		// another unit; the claim key index rejects a second one.
		prior, ferr := s.openIssuance(ctx, reward.ID, p.MemberID)
		if ferr == nil && prior != nil {
			return prior, nil
		}
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errutil.Conflict("code claimed concurrently")
	}

	unit.MemberID = p.MemberID
	unit.ClaimKey = claimKey(reward.ID, p.MemberID)
	unit.IsAssigned = true

	var expiresAt *time.Time
	if reward.ExpiryDays > 0 {
		expires := now.AddDate(0, 0, reward.ExpiryDays)
		expiresAt = &expires
	}

	artifact, err := s.commerce.CreateDiscountCode(ctx, commerce.CreateDiscountCodeRequest{
		TenantID: p.TenantID,
		Code:     unit.Code,
		Value:    reward.Value,
		Currency: program.Currency,
		ExpireAt: expiresAt,
	})
	if err != nil {
		s.releaseUnit(ctx, unit.ID)
		return nil, err
	}

	if err := s.code.Update(ctx, unit.ID, map[string]any{
		"remote_id":  artifact.RemoteID,
		"expires_at": expiresAt,
		"updated_at": time.Now(),
	}); err != nil {
		s.rollbackRemote(ctx, artifact.RemoteID)
		s.releaseUnit(ctx, unit.ID)
		return nil, err
	}
	unit.RemoteID = artifact.RemoteID
	unit.ExpiresAt = expiresAt

	if _, err := s.ledger.RedeemPoints(ctx, ledger.RedeemParams{
		TenantID:    p.TenantID,
		MemberID:    p.MemberID,
		ProgramID:   p.ProgramID,
		Points:      reward.PointsCost,
		ReferenceID: unit.ID,
		Description: fmt.Sprintf("Redeemed %s", reward.Name),
	}); err != nil {
		s.rollbackRemote(ctx, artifact.RemoteID)
		s.releaseUnit(ctx, unit.ID)
		return nil, err
	}

	zap.L().Info("unique code issued",
		zap.String("member_id", p.MemberID),
		zap.String("reward_id", reward.ID),
		zap.String("code", unit.Code))
	return unit, nil
}

func (s *Service) releaseUnit(ctx context.Context, codeID string) {
	err := s.code.Update(ctx, codeID, map[string]any{
		"member_id":   "",
		"claim_key":   nil,
		"is_assigned": false,
		"remote_id":   "",
		"updated_at":  time.Now(),
	})
	if err != nil {
		zap.L().Error("failed to release pool unit", zap.String("code_id", codeID), zap.Error(err))
	}
}

func (s *Service) rollbackRemote(ctx context.Context, remoteID string) {
	if remoteID == "" {
		return
	}
	if err := s.commerce.DeleteDiscountCode(ctx, remoteID); err != nil {
		zap.L().Error("failed to delete remote discount code",
			zap.String("remote_id", remoteID), zap.Error(err))
	}
}

// MarkCodeUsed flips exactly one issuance of the code to used. Generic
// rewards hand the same literal code to many members, so the member hint
// picks whose issuance is consumed; without a hint the oldest unused row
// wins. Using a code frees its claim key so the member can redeem the
// reward again.
func (s *Service) MarkCodeUsed(ctx context.Context, tenantID, code, memberID string) error {
	row, err := s.code.FindOne(ctx,
		&DiscountCode{TenantID: tenantID, Code: code, MemberID: memberID},
		option.ApplyOperator(option.Condition{Field: "is_used", Operator: option.EQ, Value: false}),
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "ASC"}))
	if err != nil {
		return err
	}
	if row == nil {
		return errutil.Conflict("code already used or unknown")
	}

	res := s.db.WithContext(ctx).Model(&DiscountCode{}).
		Where("id = ? AND is_used = ?", row.ID, false).
		Updates(map[string]any{"is_used": true, "claim_key": nil, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("code already used or unknown")
	}
	return nil
}

type ProvisionPoolParams struct {
	TenantID string
	RewardID string
	Count    int
}

// ProvisionPool pre-creates unassigned code units for a unique reward so
// issuance only ever claims, never mints. Codes come from the tenant's daily
// sequence.
func (s *Service) ProvisionPool(ctx context.Context, p ProvisionPoolParams) ([]*DiscountCode, error) {
	if p.Count <= 0 {
		return nil, errutil.ValidationFailed("count must be positive")
	}

	reward, err := s.reward.FindOne(ctx, &Reward{ID: p.RewardID, TenantID: p.TenantID})
	if err != nil {
		return nil, err
	}
	if reward == nil {
		return nil, errutil.NotFound("reward not found")
	}
	if reward.Kind != KindUnique {
		return nil, errutil.UnprocessableEntity("only unique rewards carry a code pool")
	}

	now := time.Now()
	units := make([]*DiscountCode, 0, p.Count)
	for i := 0; i < p.Count; i++ {
		code, err := s.seq.NextDiscountCode(ctx, p.TenantID, reward.SharedCode)
		if err != nil {
			return nil, err
		}
		units = append(units, &DiscountCode{
			ID:        s.node.Generate().String(),
			TenantID:  p.TenantID,
			RewardID:  reward.ID,
			Code:      code,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if err := s.code.BatchCreate(ctx, units); err != nil {
		return nil, err
	}

	zap.L().Info("reward pool provisioned",
		zap.String("tenant_id", p.TenantID),
		zap.String("reward_id", reward.ID),
		zap.Int("count", len(units)))
	return units, nil
}
