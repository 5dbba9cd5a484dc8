package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"loyalty-engine/pkg/db/pagination"
	"loyalty-engine/pkg/errutil"
	"loyalty-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type seqStub struct {
	n atomic.Int64
}

func (s *seqStub) NextReferralCode(ctx context.Context, tenantID string) (string, error) {
	return fmt.Sprintf("REF%04dZQKM", s.n.Add(1)), nil
}

func (s *seqStub) NextDiscountCode(ctx context.Context, tenantID, rewardCode string) (string, error) {
	return fmt.Sprintf("%s-%d", rewardCode, s.n.Add(1)), nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t,
		&LoyaltyProgram{}, &Tier{}, &MemberLoyaltyStatus{}, &PointsTransaction{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{DB: db, Node: node, Sequence: &seqStub{}})
}

func seedProgram(t *testing.T, svc *Service, welcomePoints int64) *LoyaltyProgram {
	t.Helper()

	program := &LoyaltyProgram{
		ID:              "program-1",
		TenantID:        "tenant-1",
		PointsName:      "Coins",
		Currency:        "USD",
		AllowRedemption: true,
		WelcomePoints:   welcomePoints,
		ValidityDays:    365,
		IsActive:        true,
		CreatedAt:       time.Now(),
	}
	require.NoError(t, svc.program.Create(context.Background(), program))
	return program
}

func seedTier(t *testing.T, svc *Service, rate, divisor int64) *Tier {
	t.Helper()

	tier := &Tier{
		ID:          "tier-1",
		ProgramID:   "program-1",
		Name:        "Bronze",
		EarnRate:    rate,
		EarnDivisor: divisor,
		PointsValue: decimal.NewFromInt(1),
		IsDefault:   true,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, svc.tier.Create(context.Background(), tier))
	return tier
}

func seedStatus(t *testing.T, svc *Service, balance int64) *MemberLoyaltyStatus {
	t.Helper()

	status := &MemberLoyaltyStatus{
		ID:                   "status-1",
		TenantID:             "tenant-1",
		MemberID:             "member-1",
		ProgramID:            "program-1",
		TierID:               "tier-1",
		PointsBalance:        balance,
		LifetimePointsEarned: balance,
		TotalSpend:           decimal.Zero,
		ReferralCode:         "REF0001ZQKM",
		CreatedAt:            time.Now(),
		UpdatedAt:            time.Now(),
	}
	require.NoError(t, svc.status.Create(context.Background(), status))
	return status
}

func TestComputeEarnedPoints(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		tier   *Tier
		want   int64
	}{
		{"scenario 250 at 2 per 10", "250.00", &Tier{EarnRate: 2, EarnDivisor: 10}, 50},
		{"zero amount", "0", &Tier{EarnRate: 2, EarnDivisor: 10}, 0},
		{"nil tier defaults to 1 per 1", "99.99", nil, 99},
		{"zero divisor defaults to 1 per 1", "42.50", &Tier{EarnRate: 5, EarnDivisor: 0}, 42},
		{"floor truncation", "149.99", &Tier{EarnRate: 1, EarnDivisor: 100}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount := decimal.RequireFromString(tt.amount)
			require.Equal(t, tt.want, ComputeEarnedPoints(amount, tt.tier))
		})
	}
}

func TestEarnScenario(t *testing.T) {
	svc := newTestService(t)
	seedProgram(t, svc, 0)
	seedTier(t, svc, 2, 10)
	seedStatus(t, svc, 0)

	entry, err := svc.Earn(context.Background(), EarnParams{
		TenantID:  "tenant-1",
		MemberID:  "member-1",
		ProgramID: "program-1",
		OrderID:   "order-100",
		Amount:    decimal.RequireFromString("250.00"),
	})
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, int64(50), entry.PointsAmount)
	require.Equal(t, int64(50), entry.BalanceAfter)
	require.Equal(t, TypeEarned, entry.Type)

	status, err := svc.GetStatus(context.Background(), "tenant-1", "member-1", "program-1")
	require.NoError(t, err)
	require.Equal(t, int64(50), status.PointsBalance)
	require.Equal(t, int64(50), status.LifetimePointsEarned)
	require.Equal(t, int64(1), status.TotalOrders)
	require.True(t, status.TotalSpend.Equal(decimal.RequireFromString("250.00")))
}

func TestEarnDuplicateOrder(t *testing.T) {
	svc := newTestService(t)
	seedProgram(t, svc, 0)
	seedTier(t, svc, 2, 10)
	seedStatus(t, svc, 0)

	params := EarnParams{
		TenantID:  "tenant-1",
		MemberID:  "member-1",
		ProgramID: "program-1",
		OrderID:   "order-100",
		Amount:    decimal.RequireFromString("250.00"),
	}

	_, err := svc.Earn(context.Background(), params)
	require.NoError(t, err)

	_, err = svc.Earn(context.Background(), params)
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusConflict))

	count, err := svc.txn.Count(context.Background(), &PointsTransaction{MemberID: "member-1", Type: TypeEarned})
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	status, err := svc.GetStatus(context.Background(), "tenant-1", "member-1", "program-1")
	require.NoError(t, err)
	require.Equal(t, int64(50), status.PointsBalance)
}

func TestEarnZeroPointsNoOp(t *testing.T) {
	svc := newTestService(t)
	seedProgram(t, svc, 0)
	seedTier(t, svc, 2, 10)
	seedStatus(t, svc, 0)

	entry, err := svc.Earn(context.Background(), EarnParams{
		TenantID:  "tenant-1",
		MemberID:  "member-1",
		ProgramID: "program-1",
		OrderID:   "order-tiny",
		Amount:    decimal.RequireFromString("3.00"),
	})
	require.NoError(t, err)
	require.Nil(t, entry)

	count, err := svc.txn.Count(context.Background(), &PointsTransaction{MemberID: "member-1"})
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestAdjustSignedDelta(t *testing.T) {
	svc := newTestService(t)
	seedProgram(t, svc, 0)
	seedTier(t, svc, 1, 1)
	seedStatus(t, svc, 100)

	entry, err := svc.Adjust(context.Background(), AdjustParams{
		TenantID:  "tenant-1",
		MemberID:  "member-1",
		ProgramID: "program-1",
		Points:    -40,
	})
	require.NoError(t, err)
	require.Equal(t, int64(-40), entry.PointsAmount)
	require.Equal(t, int64(60), entry.BalanceAfter)

	status, err := svc.GetStatus(context.Background(), "tenant-1", "member-1", "program-1")
	require.NoError(t, err)
	require.Equal(t, int64(60), status.PointsBalance)
	require.Equal(t, int64(40), status.LifetimePointsRedeemed)
}

func TestAdjustInsufficientPoints(t *testing.T) {
	svc := newTestService(t)
	seedProgram(t, svc, 0)
	seedTier(t, svc, 1, 1)
	seedStatus(t, svc, 30)

	_, err := svc.Adjust(context.Background(), AdjustParams{
		TenantID:  "tenant-1",
		MemberID:  "member-1",
		ProgramID: "program-1",
		Points:    -50,
	})
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusUnprocessableEntity))

	status, err := svc.GetStatus(context.Background(), "tenant-1", "member-1", "program-1")
	require.NoError(t, err)
	require.Equal(t, int64(30), status.PointsBalance)
}

func TestRedeemPointsConditionalDecrement(t *testing.T) {
	svc := newTestService(t)
	seedProgram(t, svc, 0)
	seedTier(t, svc, 1, 1)
	seedStatus(t, svc, 50)

	entry, err := svc.RedeemPoints(context.Background(), RedeemParams{
		TenantID:  "tenant-1",
		MemberID:  "member-1",
		ProgramID: "program-1",
		Points:    30,
	})
	require.NoError(t, err)
	require.Equal(t, int64(-30), entry.PointsAmount)
	require.Equal(t, int64(20), entry.BalanceAfter)

	_, err = svc.RedeemPoints(context.Background(), RedeemParams{
		TenantID:  "tenant-1",
		MemberID:  "member-1",
		ProgramID: "program-1",
		Points:    100,
	})
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusUnprocessableEntity))

	status, err := svc.GetStatus(context.Background(), "tenant-1", "member-1", "program-1")
	require.NoError(t, err)
	require.Equal(t, int64(20), status.PointsBalance)
}

func TestProvisionStatusWelcomeBonus(t *testing.T) {
	svc := newTestService(t)
	seedProgram(t, svc, 100)
	seedTier(t, svc, 1, 1)

	status, err := svc.ProvisionStatus(context.Background(), ProvisionParams{
		TenantID:  "tenant-1",
		MemberID:  "member-1",
		ProgramID: "program-1",
	})
	require.NoError(t, err)
	require.Equal(t, int64(100), status.PointsBalance)
	require.Equal(t, "tier-1", status.TierID)
	require.Contains(t, status.ReferralCode, "REF")

	welcome, err := svc.txn.FindOne(context.Background(), &PointsTransaction{
		MemberID: "member-1", Source: SourceWelcome,
	})
	require.NoError(t, err)
	require.NotNil(t, welcome)
	require.Equal(t, int64(100), welcome.BalanceAfter)

	again, err := svc.ProvisionStatus(context.Background(), ProvisionParams{
		TenantID:  "tenant-1",
		MemberID:  "member-1",
		ProgramID: "program-1",
	})
	require.NoError(t, err)
	require.Equal(t, status.ID, again.ID)

	count, err := svc.txn.Count(context.Background(), &PointsTransaction{MemberID: "member-1"})
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestStatusRowUniquePerMemberAndProgram(t *testing.T) {
	svc := newTestService(t)
	seedProgram(t, svc, 0)
	seedStatus(t, svc, 0)

	dup := &MemberLoyaltyStatus{
		ID:           "status-2",
		TenantID:     "tenant-1",
		MemberID:     "member-1",
		ProgramID:    "program-1",
		TotalSpend:   decimal.Zero,
		ReferralCode: "REF0002ZQKM",
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	require.Error(t, svc.status.Create(context.Background(), dup))
}

func TestProvisionStatusConcurrentFirstOrders(t *testing.T) {
	svc := newTestService(t)
	seedProgram(t, svc, 100)
	seedTier(t, svc, 1, 1)

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
			status, err := svc.ProvisionStatus(context.Background(), ProvisionParams{
				TenantID:  "tenant-1",
				MemberID:  "member-1",
				ProgramID: "program-1",
			})
			if err != nil {
				results <- result{err: err}
				return
			}
			results <- result{id: status.ID}
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

	var rows int64
	require.NoError(t, svc.db.Model(&MemberLoyaltyStatus{}).
		Where("member_id = ?", "member-1").Count(&rows).Error)
	require.Equal(t, int64(1), rows)

	welcomes, err := svc.txn.Count(context.Background(), &PointsTransaction{
		MemberID: "member-1", Source: SourceWelcome,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), welcomes)

	status, err := svc.GetStatus(context.Background(), "tenant-1", "member-1", "program-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), status.PointsBalance)
}

func TestBalanceEqualsTransactionSum(t *testing.T) {
	svc := newTestService(t)
	seedProgram(t, svc, 0)
	seedTier(t, svc, 1, 1)
	seedStatus(t, svc, 0)

	ctx := context.Background()
	_, err := svc.Earn(ctx, EarnParams{
		TenantID: "tenant-1", MemberID: "member-1", ProgramID: "program-1",
		OrderID: "order-1", Amount: decimal.RequireFromString("120.00"),
	})
	require.NoError(t, err)

	_, err = svc.RedeemPoints(ctx, RedeemParams{
		TenantID: "tenant-1", MemberID: "member-1", ProgramID: "program-1", Points: 45,
	})
	require.NoError(t, err)

	_, err = svc.Adjust(ctx, AdjustParams{
		TenantID: "tenant-1", MemberID: "member-1", ProgramID: "program-1", Points: 10,
	})
	require.NoError(t, err)

	txns, info, err := svc.ListTransactions(ctx, "tenant-1", "member-1", pagination.Pagination{})
	require.NoError(t, err)
	require.Len(t, txns, 3)
	require.False(t, info.HasMore)

	var sum int64
	for _, txn := range txns {
		sum += txn.PointsAmount
	}

	status, err := svc.GetStatus(ctx, "tenant-1", "member-1", "program-1")
	require.NoError(t, err)
	require.Equal(t, status.PointsBalance, sum)
	require.GreaterOrEqual(t, status.PointsBalance, int64(0))
}

func TestListTransactionsCursorPagination(t *testing.T) {
	svc := newTestService(t)
	seedProgram(t, svc, 0)

	ctx := context.Background()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.txn.Create(ctx, &PointsTransaction{
			ID:           fmt.Sprintf("txn-%d", i),
			TenantID:     "tenant-1",
			MemberID:     "member-1",
			ProgramID:    "program-1",
			Type:         TypeEarned,
			Source:       SourceOrder,
			PointsAmount: 10,
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page1, info, err := svc.ListTransactions(ctx, "tenant-1", "member-1", pagination.Pagination{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.True(t, info.HasMore)
	require.Equal(t, "txn-4", page1[0].ID)
	require.Equal(t, "txn-3", page1[1].ID)

	page2, info, err := svc.ListTransactions(ctx, "tenant-1", "member-1",
		pagination.Pagination{Limit: 2, Cursor: info.NextCursor})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.True(t, info.HasMore)
	require.Equal(t, "txn-2", page2[0].ID)
	require.Equal(t, "txn-1", page2[1].ID)

	page3, info, err := svc.ListTransactions(ctx, "tenant-1", "member-1",
		pagination.Pagination{Limit: 2, Cursor: info.NextCursor})
	require.NoError(t, err)
	require.Len(t, page3, 1)
	require.False(t, info.HasMore)
	require.Equal(t, "txn-0", page3[0].ID)
}

func TestAwardReferralBonusAndDailyCount(t *testing.T) {
	svc := newTestService(t)
	seedProgram(t, svc, 0)
	seedTier(t, svc, 1, 1)
	seedStatus(t, svc, 0)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := svc.AwardReferralBonus(ctx, ReferralBonusParams{
			TenantID:         "tenant-1",
			ReferrerMemberID: "member-1",
			ProgramID:        "program-1",
			Points:           25,
			ReferredMemberID: fmt.Sprintf("member-%d", i+2),
		})
		require.NoError(t, err)
	}

	startOfDay := time.Now().Truncate(24 * time.Hour)
	count, err := svc.CountReferralBonusesSince(ctx, "tenant-1", "member-1", "program-1", startOfDay)
	require.NoError(t, err)
	require.Equal(t, int64(3), count)

	status, err := svc.GetStatus(ctx, "tenant-1", "member-1", "program-1")
	require.NoError(t, err)
	require.Equal(t, int64(75), status.PointsBalance)
	require.Equal(t, int64(75), status.ReferralPointsEarned)
}
