package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"loyalty-engine/pkg/db/option"
	"loyalty-engine/pkg/db/pagination"
	"loyalty-engine/pkg/errutil"
	"loyalty-engine/pkg/repository"
	"loyalty-engine/pkg/sequence"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Sentinel failure surfaces for the two halves of a ledger mutation. A caller
// seeing ErrLogAppend knows the balance row already moved and the transaction
// log needs reconciliation; ErrBalanceUpdate means nothing committed.
var (
	ErrBalanceUpdate = errors.New("balance update failed")
	ErrLogAppend     = errors.New("transaction log append failed")
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	seq  sequence.Generator

	program repository.Repository[LoyaltyProgram]
	tier    repository.Repository[Tier]
	status  repository.Repository[MemberLoyaltyStatus]
	txn     repository.Repository[PointsTransaction]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Sequence sequence.Generator
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		seq:  p.Sequence,

		program: repository.ProvideStore[LoyaltyProgram](p.DB),
		tier:    repository.ProvideStore[Tier](p.DB),
		status:  repository.ProvideStore[MemberLoyaltyStatus](p.DB),
		txn:     repository.ProvideStore[PointsTransaction](p.DB),
	}
}

func traceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

// ActiveProgram returns the tenant's single active loyalty program.
func (s *Service) ActiveProgram(ctx context.Context, tenantID string) (*LoyaltyProgram, error) {
	program, err := s.program.FindOne(ctx, &LoyaltyProgram{TenantID: tenantID, IsActive: true})
	if err != nil {
		return nil, err
	}
	if program == nil {
		return nil, errutil.NotFound("no active loyalty program")
	}
	return program, nil
}

func (s *Service) GetStatus(ctx context.Context, tenantID, memberID, programID string) (*MemberLoyaltyStatus, error) {
	status, err := s.status.FindOne(ctx, &MemberLoyaltyStatus{
		TenantID:  tenantID,
		MemberID:  memberID,
		ProgramID: programID,
	})
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, errutil.NotFound("loyalty status not found")
	}
	return status, nil
}

// ListTransactions returns the member's transaction log, newest first. The
// cursor encodes the created_at of the last entry on the previous page.
func (s *Service) ListTransactions(ctx context.Context, tenantID, memberID string, page pagination.Pagination) ([]*PointsTransaction, *pagination.PageInfo, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}

	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"created_at": true},
		}),
		option.WithLimit(limit + 1),
	}
	if page.Cursor != "" {
		cursor, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, nil, errutil.ValidationFailed("invalid cursor", errutil.WithErr(err))
		}
		if cursor.CreatedAt != "" {
			before, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
			if err != nil {
				return nil, nil, errutil.ValidationFailed("invalid cursor", errutil.WithErr(err))
			}
			opts = append(opts, option.ApplyOperator(option.Condition{
				Field: "created_at", Operator: option.LT, Value: before,
			}))
		}
	}

	txns, err := s.txn.Find(ctx, &PointsTransaction{TenantID: tenantID, MemberID: memberID}, opts...)
	if err != nil {
		return nil, nil, err
	}

	info := pagination.BuildCursorPageInfo(txns, int32(limit), func(t *PointsTransaction) string {
		code, err := pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339Nano),
			ID:        t.ID,
		})
		if err != nil {
			return ""
		}
		return code
	})
	if len(txns) > limit {
		txns = txns[:limit]
	}

	return txns, info, nil
}

type EarnParams struct {
	TenantID    string
	MemberID    string
	ProgramID   string
	OrderID     string
	Amount      decimal.Decimal
	Description string
}

// Earn credits points for an order using the member's tier formula. The
// duplicate-order guard makes retries of the same order a Conflict with no
// mutation; computed points of zero or less are a silent no-op returning
// (nil, nil).
func (s *Service) Earn(ctx context.Context, p EarnParams) (*PointsTransaction, error) {
	fields := traceFields(ctx)

	if p.MemberID == "" || p.OrderID == "" {
		return nil, errutil.ValidationFailed("member_id and order_id are required")
	}

	var entry *PointsTransaction
	err := s.db.Transaction(func(tx *gorm.DB) error {
		status, err := s.status.WithTrx(tx).FindOne(ctx, &MemberLoyaltyStatus{
			TenantID:  p.TenantID,
			MemberID:  p.MemberID,
			ProgramID: p.ProgramID,
		}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if status == nil {
			return errutil.NotFound("loyalty status not found")
		}

		existing, err := s.txn.WithTrx(tx).FindOne(ctx, &PointsTransaction{
			TenantID:    p.TenantID,
			MemberID:    p.MemberID,
			ProgramID:   p.ProgramID,
			Type:        TypeEarned,
			ReferenceID: p.OrderID,
		})
		if err != nil {
			return err
		}
		if existing != nil {
			zap.L().With(fields...).Warn("duplicate order, skipping earn",
				zap.String("order_id", p.OrderID))
			return errutil.Conflict("order already processed",
				errutil.WithDetails(errutil.Detail{Field: "order_id", Message: p.OrderID}))
		}

		tier, err := s.resolveTier(ctx, tx, status)
		if err != nil {
			return err
		}

		points := ComputeEarnedPoints(p.Amount, tier)
		if points <= 0 {
			return nil
		}

		res := tx.Model(&MemberLoyaltyStatus{}).
			Where("id = ?", status.ID).
			Updates(map[string]any{
				"points_balance":         gorm.Expr("points_balance + ?", points),
				"lifetime_points_earned": gorm.Expr("lifetime_points_earned + ?", points),
				"total_orders":           gorm.Expr("total_orders + 1"),
				"total_spend":            status.TotalSpend.Add(p.Amount),
				"updated_at":             time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("%w: %v", ErrBalanceUpdate, res.Error)
		}

		entry = &PointsTransaction{
			ID:           s.node.Generate().String(),
			TenantID:     p.TenantID,
			MemberID:     p.MemberID,
			ProgramID:    p.ProgramID,
			Type:         TypeEarned,
			Source:       SourceOrder,
			PointsAmount: points,
			BalanceAfter: status.PointsBalance + points,
			ReferenceID:  p.OrderID,
			Description:  p.Description,
			CreatedAt:    time.Now(),
		}
		if err := s.txn.WithTrx(tx).Create(ctx, entry); err != nil {
			return fmt.Errorf("%w: %v", ErrLogAppend, err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if entry != nil {
		zap.L().With(fields...).Info("points earned",
			zap.String("member_id", p.MemberID),
			zap.String("order_id", p.OrderID),
			zap.Int64("points", entry.PointsAmount))
	}
	return entry, nil
}

type AdjustParams struct {
	TenantID    string
	MemberID    string
	ProgramID   string
	Points      int64
	ReferenceID string
	Description string
}

// Adjust applies a signed manual delta. Negative deltas that would take the
// balance below zero are rejected without mutation.
func (s *Service) Adjust(ctx context.Context, p AdjustParams) (*PointsTransaction, error) {
	if p.Points == 0 {
		return nil, nil
	}

	var entry *PointsTransaction
	err := s.db.Transaction(func(tx *gorm.DB) error {
		status, err := s.status.WithTrx(tx).FindOne(ctx, &MemberLoyaltyStatus{
			TenantID:  p.TenantID,
			MemberID:  p.MemberID,
			ProgramID: p.ProgramID,
		}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if status == nil {
			return errutil.NotFound("loyalty status not found")
		}

		if p.ReferenceID != "" {
			existing, err := s.txn.WithTrx(tx).FindOne(ctx, &PointsTransaction{
				TenantID:    p.TenantID,
				MemberID:    p.MemberID,
				ProgramID:   p.ProgramID,
				ReferenceID: p.ReferenceID,
			})
			if err != nil {
				return err
			}
			if existing != nil {
				return errutil.Conflict("reference already processed",
					errutil.WithDetails(errutil.Detail{Field: "reference_id", Message: p.ReferenceID}))
			}
		}

		updates := map[string]any{
			"points_balance": gorm.Expr("points_balance + ?", p.Points),
			"updated_at":     time.Now(),
		}
		entryType := TypeBonus
		if p.Points > 0 {
			updates["lifetime_points_earned"] = gorm.Expr("lifetime_points_earned + ?", p.Points)
		} else {
			entryType = TypeRedeemed
			updates["lifetime_points_redeemed"] = gorm.Expr("lifetime_points_redeemed + ?", -p.Points)
		}

		query := tx.Model(&MemberLoyaltyStatus{}).Where("id = ?", status.ID)
		if p.Points < 0 {
			query = query.Where("points_balance >= ?", -p.Points)
		}
		res := query.Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("%w: %v", ErrBalanceUpdate, res.Error)
		}
		if res.RowsAffected == 0 {
			return errutil.UnprocessableEntity("insufficient points")
		}

		entry = &PointsTransaction{
			ID:           s.node.Generate().String(),
			TenantID:     p.TenantID,
			MemberID:     p.MemberID,
			ProgramID:    p.ProgramID,
			Type:         entryType,
			Source:       SourceManual,
			PointsAmount: p.Points,
			BalanceAfter: status.PointsBalance + p.Points,
			ReferenceID:  p.ReferenceID,
			Description:  p.Description,
			CreatedAt:    time.Now(),
		}
		if err := s.txn.WithTrx(tx).Create(ctx, entry); err != nil {
			return fmt.Errorf("%w: %v", ErrLogAppend, err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

type RedeemParams struct {
	TenantID    string
	MemberID    string
	ProgramID   string
	Points      int64
	ReferenceID string
	Description string
}

// RedeemPoints deducts points through a conditional decrement guarded on the
// current balance, so two concurrent redemptions can never overdraw.
func (s *Service) RedeemPoints(ctx context.Context, p RedeemParams) (*PointsTransaction, error) {
	if p.Points <= 0 {
		return nil, errutil.ValidationFailed("points must be > 0")
	}

	var entry *PointsTransaction
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&MemberLoyaltyStatus{}).
			Where("tenant_id = ? AND member_id = ? AND program_id = ? AND points_balance >= ?",
				p.TenantID, p.MemberID, p.ProgramID, p.Points).
			Updates(map[string]any{
				"points_balance":           gorm.Expr("points_balance - ?", p.Points),
				"lifetime_points_redeemed": gorm.Expr("lifetime_points_redeemed + ?", p.Points),
				"updated_at":               time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("%w: %v", ErrBalanceUpdate, res.Error)
		}
		if res.RowsAffected == 0 {
			return errutil.UnprocessableEntity("insufficient points")
		}

		status, err := s.status.WithTrx(tx).FindOne(ctx, &MemberLoyaltyStatus{
			TenantID:  p.TenantID,
			MemberID:  p.MemberID,
			ProgramID: p.ProgramID,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLogAppend, err)
		}

		entry = &PointsTransaction{
			ID:           s.node.Generate().String(),
			TenantID:     p.TenantID,
			MemberID:     p.MemberID,
			ProgramID:    p.ProgramID,
			Type:         TypeRedeemed,
			Source:       SourceRedemption,
			PointsAmount: -p.Points,
			BalanceAfter: status.PointsBalance,
			ReferenceID:  p.ReferenceID,
			Description:  p.Description,
			CreatedAt:    time.Now(),
		}
		if err := s.txn.WithTrx(tx).Create(ctx, entry); err != nil {
			return fmt.Errorf("%w: %v", ErrLogAppend, err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

type ReferralBonusParams struct {
	TenantID         string
	ReferrerMemberID string
	ProgramID        string
	Points           int64
	ReferredMemberID string
	Description      string
}

// AwardReferralBonus credits the referrer and bumps the referral counters.
// The referral service owns the daily cap and uniqueness checks; this method
// only moves points.
func (s *Service) AwardReferralBonus(ctx context.Context, p ReferralBonusParams) (*PointsTransaction, error) {
	if p.Points <= 0 {
		return nil, errutil.ValidationFailed("points must be > 0")
	}

	var entry *PointsTransaction
	err := s.db.Transaction(func(tx *gorm.DB) error {
		status, err := s.status.WithTrx(tx).FindOne(ctx, &MemberLoyaltyStatus{
			TenantID:  p.TenantID,
			MemberID:  p.ReferrerMemberID,
			ProgramID: p.ProgramID,
		}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if status == nil {
			return errutil.NotFound("referrer loyalty status not found")
		}

		res := tx.Model(&MemberLoyaltyStatus{}).
			Where("id = ?", status.ID).
			Updates(map[string]any{
				"points_balance":         gorm.Expr("points_balance + ?", p.Points),
				"lifetime_points_earned": gorm.Expr("lifetime_points_earned + ?", p.Points),
				"referral_points_earned": gorm.Expr("referral_points_earned + ?", p.Points),
				"updated_at":             time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("%w: %v", ErrBalanceUpdate, res.Error)
		}

		entry = &PointsTransaction{
			ID:           s.node.Generate().String(),
			TenantID:     p.TenantID,
			MemberID:     p.ReferrerMemberID,
			ProgramID:    p.ProgramID,
			Type:         TypeBonus,
			Source:       SourceReferral,
			PointsAmount: p.Points,
			BalanceAfter: status.PointsBalance + p.Points,
			ReferenceID:  p.ReferredMemberID,
			Description:  p.Description,
			CreatedAt:    time.Now(),
		}
		if err := s.txn.WithTrx(tx).Create(ctx, entry); err != nil {
			return fmt.Errorf("%w: %v", ErrLogAppend, err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// CountReferralBonusesSince counts the referrer's referral bonus transactions
// created at or after the cutoff. Used for the daily referral cap.
func (s *Service) CountReferralBonusesSince(ctx context.Context, tenantID, memberID, programID string, since time.Time) (int64, error) {
	return s.txn.Count(ctx, &PointsTransaction{
		TenantID:  tenantID,
		MemberID:  memberID,
		ProgramID: programID,
		Type:      TypeBonus,
		Source:    SourceReferral,
	}, option.ApplyOperator(option.Condition{
		Field:    "created_at",
		Operator: option.GTE,
		Value:    since,
	}))
}

type ProvisionParams struct {
	TenantID  string
	MemberID  string
	ProgramID string
}

// ProvisionStatus creates the member's loyalty status row with the program's
// default tier, a referral code, and the welcome bonus. Calling it again for
// an existing (member, program) returns the existing row untouched.
func (s *Service) ProvisionStatus(ctx context.Context, p ProvisionParams) (*MemberLoyaltyStatus, error) {
	fields := traceFields(ctx)

	existing, err := s.status.FindOne(ctx, &MemberLoyaltyStatus{
		TenantID:  p.TenantID,
		MemberID:  p.MemberID,
		ProgramID: p.ProgramID,
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	program, err := s.program.FindOne(ctx, &LoyaltyProgram{ID: p.ProgramID})
	if err != nil {
		return nil, err
	}
	if program == nil {
		return nil, errutil.NotFound("loyalty program not found")
	}

	defaultTier, err := s.tier.FindOne(ctx, &Tier{ProgramID: p.ProgramID, IsDefault: true})
	if err != nil {
		return nil, err
	}

	referralCode, err := s.seq.NextReferralCode(ctx, p.TenantID)
	if err != nil {
		zap.L().With(fields...).Error("failed to generate referral code", zap.Error(err))
		return nil, err
	}

	status := &MemberLoyaltyStatus{
		ID:           s.node.Generate().String(),
		TenantID:     p.TenantID,
		MemberID:     p.MemberID,
		ProgramID:    p.ProgramID,
		ReferralCode: referralCode,
		TotalSpend:   decimal.Zero,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if defaultTier != nil {
		status.TierID = defaultTier.ID
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if program.WelcomePoints > 0 {
			status.PointsBalance = program.WelcomePoints
			status.LifetimePointsEarned = program.WelcomePoints
		}

		if err := s.status.WithTrx(tx).Create(ctx, status); err != nil {
			return fmt.Errorf("%w: %v", ErrBalanceUpdate, err)
		}

		if program.WelcomePoints > 0 {
			welcome := &PointsTransaction{
				ID:           s.node.Generate().String(),
				TenantID:     p.TenantID,
				MemberID:     p.MemberID,
				ProgramID:    p.ProgramID,
				Type:         TypeBonus,
				Source:       SourceWelcome,
				PointsAmount: program.WelcomePoints,
				BalanceAfter: program.WelcomePoints,
				Description:  "Welcome bonus",
				CreatedAt:    time.Now(),
			}
			if err := s.txn.WithTrx(tx).Create(ctx, welcome); err != nil {
				return fmt.Errorf("%w: %v", ErrLogAppend, err)
			}
		}

		return nil
	})
	if err != nil {
		// A parallel provision can land between the pre-check and the
		// insert; the unique (tenant, member, program) index rejects the
		// second row. The winner's row is the idempotent outcome.
		winner, ferr := s.status.FindOne(ctx, &MemberLoyaltyStatus{
			TenantID:  p.TenantID,
			MemberID:  p.MemberID,
			ProgramID: p.ProgramID,
		})
		if ferr == nil && winner != nil {
			zap.L().With(fields...).Info("loyalty status provisioned concurrently, returning existing",
				zap.String("member_id", p.MemberID),
				zap.String("program_id", p.ProgramID))
			return winner, nil
		}
		return nil, err
	}

	zap.L().With(fields...).Info("loyalty status provisioned",
		zap.String("member_id", p.MemberID),
		zap.String("program_id", p.ProgramID),
		zap.String("referral_code", referralCode))
	return status, nil
}

func (s *Service) resolveTier(ctx context.Context, tx *gorm.DB, status *MemberLoyaltyStatus) (*Tier, error) {
	if status.TierID == "" {
		return nil, nil
	}
	return s.tier.WithTrx(tx).FindOne(ctx, &Tier{ID: status.TierID})
}
