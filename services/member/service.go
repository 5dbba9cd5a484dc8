package member

import (
	"context"
	"strings"
	"time"

	"loyalty-engine/pkg/errutil"
	"loyalty-engine/pkg/repository"
	"loyalty-engine/services/ledger"
	"loyalty-engine/services/referral"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	node     *snowflake.Node
	ledger   *ledger.Service
	referral *referral.Service

	member repository.Repository[Member]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Ledger   *ledger.Service
	Referral *referral.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		node:     p.Node,
		ledger:   p.Ledger,
		referral: p.Referral,

		member: repository.ProvideStore[Member](p.DB),
	}
}

type FindOrCreateParams struct {
	TenantID  string
	Email     string
	Phone     string
	FirstName string
	LastName  string
}

// FindOrCreate resolves a member by email, then phone, within the tenant,
// creating one when neither matches. Two concurrent calls for the same
// identity converge on one row: the loser's insert hits the tenant-scoped
// unique index and re-reads the winner.
func (s *Service) FindOrCreate(ctx context.Context, p FindOrCreateParams) (*Member, error) {
	email := strings.ToLower(strings.TrimSpace(p.Email))
	phone := strings.TrimSpace(p.Phone)
	if email == "" && phone == "" {
		return nil, errutil.ValidationFailed("email or phone is required")
	}

	existing, err := s.lookup(ctx, p.TenantID, email, phone)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now()
	m := &Member{
		ID:        s.node.Generate().String(),
		TenantID:  p.TenantID,
		Email:     nullable(email),
		Phone:     nullable(phone),
		FirstName: p.FirstName,
		LastName:  p.LastName,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.member.Create(ctx, m); err != nil {
		winner, ferr := s.lookup(ctx, p.TenantID, email, phone)
		if ferr == nil && winner != nil {
			return winner, nil
		}
		return nil, err
	}

	zap.L().Info("member created",
		zap.String("tenant_id", p.TenantID),
		zap.String("member_id", m.ID))
	return m, nil
}

func (s *Service) lookup(ctx context.Context, tenantID, email, phone string) (*Member, error) {
	if email != "" {
		existing, err := s.member.FindOne(ctx, &Member{TenantID: tenantID, Email: &email})
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}
	if phone != "" {
		existing, err := s.member.FindOne(ctx, &Member{TenantID: tenantID, Phone: &phone})
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}
	return nil, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type RegisterParams struct {
	TenantID     string
	Email        string
	Phone        string
	FirstName    string
	LastName     string
	ReferralCode string
}

// Register creates or resolves the member, provisions their loyalty status
// in the tenant's active program, and credits the referrer when a referral
// code is supplied. A bad referral code never fails the registration.
func (s *Service) Register(ctx context.Context, p RegisterParams) (*Member, *ledger.MemberLoyaltyStatus, error) {
	m, err := s.FindOrCreate(ctx, FindOrCreateParams{
		TenantID:  p.TenantID,
		Email:     p.Email,
		Phone:     p.Phone,
		FirstName: p.FirstName,
		LastName:  p.LastName,
	})
	if err != nil {
		return nil, nil, err
	}

	program, err := s.ledger.ActiveProgram(ctx, p.TenantID)
	if err != nil {
		return nil, nil, err
	}

	status, err := s.ledger.ProvisionStatus(ctx, ledger.ProvisionParams{
		TenantID:  p.TenantID,
		MemberID:  m.ID,
		ProgramID: program.ID,
	})
	if err != nil {
		return nil, nil, err
	}

	if p.ReferralCode != "" {
		if _, err := s.referral.Award(ctx, referral.AwardParams{
			TenantID:         p.TenantID,
			ProgramID:        program.ID,
			ReferredMemberID: m.ID,
			ReferralCode:     p.ReferralCode,
		}); err != nil {
			zap.L().Warn("referral award skipped",
				zap.String("member_id", m.ID),
				zap.String("referral_code", p.ReferralCode),
				zap.Error(err))
		}
	}

	return m, status, nil
}
