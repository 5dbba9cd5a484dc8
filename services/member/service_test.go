package member

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"loyalty-engine/services/ledger"
	"loyalty-engine/services/referral"
	"loyalty-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type seqStub struct{ n int }

func (s *seqStub) NextReferralCode(ctx context.Context, tenantID string) (string, error) {
	s.n++
	return fmt.Sprintf("REF%04dTEST", s.n), nil
}

func (s *seqStub) NextDiscountCode(ctx context.Context, tenantID, rewardCode string) (string, error) {
	s.n++
	return fmt.Sprintf("%s-%d", rewardCode, s.n), nil
}

type fixture struct {
	db     *gorm.DB
	svc    *Service
	ledger *ledger.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&Member{},
		&referral.ReferralRule{}, &referral.Referral{},
		&ledger.LoyaltyProgram{}, &ledger.Tier{}, &ledger.MemberLoyaltyStatus{}, &ledger.PointsTransaction{},
	)
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	ledgerSvc := ledger.NewService(ledger.ServiceParams{DB: db, Node: node, Sequence: &seqStub{}})
	referralSvc := referral.NewService(referral.ServiceParams{DB: db, Node: node, Ledger: ledgerSvc})
	svc := NewService(ServiceParams{DB: db, Node: node, Ledger: ledgerSvc, Referral: referralSvc})

	require.NoError(t, db.Create(&ledger.LoyaltyProgram{
		ID:            "program-1",
		TenantID:      "tenant-1",
		WelcomePoints: 100,
		ValidityDays:  365,
		IsActive:      true,
		CreatedAt:     time.Now(),
	}).Error)
	require.NoError(t, db.Create(&ledger.Tier{
		ID:        "tier-1",
		ProgramID: "program-1",
		Name:      "Bronze",
		EarnRate:  1, EarnDivisor: 1,
		IsDefault: true,
		CreatedAt: time.Now(),
	}).Error)

	return &fixture{db: db, svc: svc, ledger: ledgerSvc}
}

func TestRegisterProvisionsStatus(t *testing.T) {
	f := newFixture(t)

	m, status, err := f.svc.Register(context.Background(), RegisterParams{
		TenantID: "tenant-1",
		Email:    "Buyer@Example.com",
	})
	require.NoError(t, err)
	require.NotNil(t, m.Email)
	require.Equal(t, "buyer@example.com", *m.Email)
	require.Equal(t, "tier-1", status.TierID)
	require.Equal(t, int64(100), status.PointsBalance)
	require.Contains(t, status.ReferralCode, "REF")
}

func TestRegisterIsIdempotentByEmail(t *testing.T) {
	f := newFixture(t)

	first, _, err := f.svc.Register(context.Background(), RegisterParams{
		TenantID: "tenant-1",
		Email:    "buyer@example.com",
	})
	require.NoError(t, err)

	second, status, err := f.svc.Register(context.Background(), RegisterParams{
		TenantID: "tenant-1",
		Email:    "BUYER@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, int64(100), status.PointsBalance)

	var members int64
	require.NoError(t, f.db.Model(&Member{}).Count(&members).Error)
	require.Equal(t, int64(1), members)
}

func TestMemberEmailUniquePerTenant(t *testing.T) {
	f := newFixture(t)

	first, err := f.svc.FindOrCreate(context.Background(), FindOrCreateParams{
		TenantID: "tenant-1",
		Email:    "buyer@example.com",
	})
	require.NoError(t, err)

	email := "buyer@example.com"
	require.Error(t, f.db.Create(&Member{
		ID:        "member-dup",
		TenantID:  "tenant-1",
		Email:     &email,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}).Error)

	// The same email in another tenant is a different member.
	require.NoError(t, f.db.Create(&Member{
		ID:        "member-other-tenant",
		TenantID:  "tenant-2",
		Email:     &email,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}).Error)

	// Phone-only members carry no email and never collide with each other.
	phoneA, phoneB := "+15550001111", "+15550002222"
	require.NoError(t, f.db.Create(&Member{
		ID: "member-phone-a", TenantID: "tenant-1", Phone: &phoneA,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}).Error)
	require.NoError(t, f.db.Create(&Member{
		ID: "member-phone-b", TenantID: "tenant-1", Phone: &phoneB,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}).Error)

	got, err := f.svc.FindOrCreate(context.Background(), FindOrCreateParams{
		TenantID: "tenant-1",
		Email:    "buyer@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, got.ID)
}

func TestFindOrCreateConcurrentCallsConverge(t *testing.T) {
	f := newFixture(t)

	type result struct {
		id  string
		err error
	}
	results := make(chan result, 4)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := f.svc.FindOrCreate(context.Background(), FindOrCreateParams{
				TenantID: "tenant-1",
				Email:    "buyer@example.com",
			})
			if err != nil {
				results <- result{err: err}
				return
			}
			results <- result{id: m.ID}
		}()
	}
	wg.Wait()
	close(results)

	ids := map[string]struct{}{}
	for r := range results {
		require.NoError(t, r.err)
		ids[r.id] = struct{}{}
	}
	require.Len(t, ids, 1)

	var members int64
	require.NoError(t, f.db.Model(&Member{}).Count(&members).Error)
	require.Equal(t, int64(1), members)
}

func TestRegisterRequiresIdentity(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.svc.Register(context.Background(), RegisterParams{TenantID: "tenant-1"})
	require.Error(t, err)
}

func TestRegisterWithReferralCode(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.db.Create(&referral.ReferralRule{
		ID:           "rule-1",
		TenantID:     "tenant-1",
		ProgramID:    "program-1",
		RewardPoints: 25,
		IsActive:     true,
		CreatedAt:    time.Now(),
	}).Error)

	_, referrerStatus, err := f.svc.Register(context.Background(), RegisterParams{
		TenantID: "tenant-1",
		Email:    "referrer@example.com",
	})
	require.NoError(t, err)

	_, _, err = f.svc.Register(context.Background(), RegisterParams{
		TenantID:     "tenant-1",
		Email:        "friend@example.com",
		ReferralCode: referrerStatus.ReferralCode,
	})
	require.NoError(t, err)

	updated, err := f.ledger.GetStatus(context.Background(), "tenant-1", referrerStatus.MemberID, "program-1")
	require.NoError(t, err)
	require.Equal(t, int64(125), updated.PointsBalance)
	require.Equal(t, int64(25), updated.ReferralPointsEarned)
}

func TestRegisterBadReferralCodeDoesNotFail(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.db.Create(&referral.ReferralRule{
		ID:           "rule-1",
		TenantID:     "tenant-1",
		ProgramID:    "program-1",
		RewardPoints: 25,
		IsActive:     true,
		CreatedAt:    time.Now(),
	}).Error)

	m, status, err := f.svc.Register(context.Background(), RegisterParams{
		TenantID:     "tenant-1",
		Email:        "friend@example.com",
		ReferralCode: "REFBOGUS",
	})
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, int64(100), status.PointsBalance)
}
