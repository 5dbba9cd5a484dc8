package campaign

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"loyalty-engine/pkg/errutil"
	"loyalty-engine/services/condition"
	"loyalty-engine/services/ledger"
	"loyalty-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type matcherFixture struct {
	db      *gorm.DB
	node    *snowflake.Node
	matcher *Matcher
}

func newMatcherFixture(t *testing.T) *matcherFixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&CampaignRule{}, &Membership{}, &EvaluationRecord{}, &ledger.LoyaltyProgram{},
	)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	enroller := NewEnroller(EnrollerParams{DB: db, Node: node})
	matcher := NewMatcher(MatcherParams{
		DB:       db,
		Enroller: enroller,
		Sink:     NewAuditSink(db, node),
	})

	require.NoError(t, db.Create(&ledger.LoyaltyProgram{
		ID:           "program-1",
		TenantID:     "tenant-1",
		ValidityDays: 365,
		IsActive:     true,
		CreatedAt:    time.Now(),
	}).Error)

	return &matcherFixture{db: db, node: node, matcher: matcher}
}

func (f *matcherFixture) seedRule(t *testing.T, rule *CampaignRule) *CampaignRule {
	t.Helper()

	if rule.ID == "" {
		rule.ID = f.node.Generate().String()
	}
	rule.TenantID = "tenant-1"
	rule.IsActive = true
	if rule.ProgramID == "" {
		rule.ProgramID = "program-1"
	}
	rule.CreatedAt = time.Now()
	require.NoError(t, f.db.Create(rule).Error)
	return rule
}

func mustConditions(t *testing.T, conds ...condition.Condition) datatypes.JSON {
	t.Helper()

	raw, err := json.Marshal(conds)
	require.NoError(t, err)
	return datatypes.JSON(raw)
}

func matcherOrder(total string) *condition.Order {
	return &condition.Order{
		OrderID:         "order-1",
		TotalPrice:      decimal.RequireFromString(total),
		Currency:        "USD",
		FinancialStatus: "paid",
		Customer: condition.Customer{
			Email:       "buyer@example.com",
			OrdersCount: 2,
		},
		ShippingAddress: condition.Address{City: "Mumbai", Country: "India"},
	}
}

func TestOrderValuePrecedence(t *testing.T) {
	f := newMatcherFixture(t)

	f.seedRule(t, &CampaignRule{ID: "rule-50", TriggerType: TriggerOrderValue, MinOrderValue: decimal.NewFromInt(50), ProgramID: "program-1"})
	r100 := f.seedRule(t, &CampaignRule{ID: "rule-100", TriggerType: TriggerOrderValue, MinOrderValue: decimal.NewFromInt(100), ProgramID: "program-1"})
	f.seedRule(t, &CampaignRule{ID: "rule-200", TriggerType: TriggerOrderValue, MinOrderValue: decimal.NewFromInt(200), ProgramID: "program-1"})

	outcomes, err := f.matcher.EvaluateOrder(context.Background(), EvaluateParams{
		TenantID: "tenant-1",
		MemberID: "member-1",
		Order:    matcherOrder("150.00"),
	})
	require.NoError(t, err)

	// 200 misses, 100 enrolls, 50 is never attempted.
	require.Len(t, outcomes, 2)
	require.Equal(t, "rule-200", outcomes[0].Rule.ID)
	require.Equal(t, ResultNotMatched, outcomes[0].Result)
	require.Equal(t, "rule-100", outcomes[1].Rule.ID)
	require.Equal(t, ResultMatched, outcomes[1].Result)

	var memberships []Membership
	require.NoError(t, f.db.Find(&memberships).Error)
	require.Len(t, memberships, 1)
	require.Equal(t, r100.ID, memberships[0].RuleID)
}

func TestExclusionShortCircuits(t *testing.T) {
	f := newMatcherFixture(t)

	f.seedRule(t, &CampaignRule{
		ID:              "rule-1",
		TriggerType:     TriggerOrderValue,
		MinOrderValue:   decimal.NewFromInt(10),
		ExcludeRefunded: true,
	})

	order := matcherOrder("150.00")
	order.FinancialStatus = "refunded"

	outcomes, err := f.matcher.EvaluateOrder(context.Background(), EvaluateParams{
		TenantID: "tenant-1",
		MemberID: "member-1",
		Order:    order,
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, ResultExcluded, outcomes[0].Result)

	var count int64
	require.NoError(t, f.db.Model(&Membership{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestExclusionRequiresOptIn(t *testing.T) {
	f := newMatcherFixture(t)

	f.seedRule(t, &CampaignRule{
		ID:            "rule-1",
		TriggerType:   TriggerOrderValue,
		MinOrderValue: decimal.NewFromInt(10),
	})

	order := matcherOrder("150.00")
	order.Test = true

	outcomes, err := f.matcher.EvaluateOrder(context.Background(), EvaluateParams{
		TenantID: "tenant-1",
		MemberID: "member-1",
		Order:    order,
	})
	require.NoError(t, err)
	require.Equal(t, ResultMatched, outcomes[0].Result)
}

func TestAdvancedRulesEvaluateIndependently(t *testing.T) {
	f := newMatcherFixture(t)

	require.NoError(t, f.db.Create(&ledger.LoyaltyProgram{
		ID: "program-2", TenantID: "tenant-1", ValidityDays: 30, CreatedAt: time.Now(),
	}).Error)

	f.seedRule(t, &CampaignRule{
		ID:          "rule-a",
		Priority:    1,
		TriggerType: TriggerAdvanced,
		ProgramID:   "program-1",
		TriggerConditions: mustConditions(t,
			condition.Condition{Type: condition.KindOrderValueGTE, Value: "100"}),
	})
	f.seedRule(t, &CampaignRule{
		ID:          "rule-b",
		Priority:    2,
		TriggerType: TriggerAdvanced,
		ProgramID:   "program-2",
		LocationConditions: mustConditions(t,
			condition.Condition{Type: condition.KindShippingCity, Operator: condition.OperatorExact, Value: "Mumbai"}),
	})

	outcomes, err := f.matcher.EvaluateOrder(context.Background(), EvaluateParams{
		TenantID: "tenant-1",
		MemberID: "member-1",
		Order:    matcherOrder("150.00"),
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.Equal(t, ResultMatched, outcomes[0].Result)
	require.Equal(t, ResultMatched, outcomes[1].Result)

	var count int64
	require.NoError(t, f.db.Model(&Membership{}).Count(&count).Error)
	require.Equal(t, int64(2), count)
}

func TestAdvancedRuleFailedConditionsAudited(t *testing.T) {
	f := newMatcherFixture(t)

	f.seedRule(t, &CampaignRule{
		ID:          "rule-a",
		TriggerType: TriggerAdvanced,
		TriggerConditions: mustConditions(t,
			condition.Condition{Type: condition.KindOrderValueGTE, Value: "500"}),
	})

	outcomes, err := f.matcher.EvaluateOrder(context.Background(), EvaluateParams{
		TenantID: "tenant-1",
		MemberID: "member-1",
		Order:    matcherOrder("150.00"),
	})
	require.NoError(t, err)
	require.Equal(t, ResultNotMatched, outcomes[0].Result)

	var record EvaluationRecord
	require.NoError(t, f.db.Where("rule_id = ?", "rule-a").First(&record).Error)
	require.Equal(t, ResultNotMatched, record.Result)
	require.Contains(t, string(record.Traces), string(condition.KindOrderValueGTE))
}

func TestEnrollmentUniquenessAcrossRules(t *testing.T) {
	f := newMatcherFixture(t)

	f.seedRule(t, &CampaignRule{ID: "rule-a", Priority: 1, TriggerType: TriggerAdvanced, ProgramID: "program-1"})
	f.seedRule(t, &CampaignRule{ID: "rule-b", Priority: 2, TriggerType: TriggerAdvanced, ProgramID: "program-1"})

	outcomes, err := f.matcher.EvaluateOrder(context.Background(), EvaluateParams{
		TenantID: "tenant-1",
		MemberID: "member-1",
		Order:    matcherOrder("150.00"),
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.Equal(t, ResultMatched, outcomes[0].Result)
	require.Equal(t, ResultAlreadyEnrolled, outcomes[1].Result)

	var count int64
	require.NoError(t, f.db.Model(&Membership{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestEnrollmentCapacity(t *testing.T) {
	f := newMatcherFixture(t)

	f.seedRule(t, &CampaignRule{
		ID:                 "rule-a",
		TriggerType:        TriggerAdvanced,
		MaxEnrollments:     1,
		CurrentEnrollments: 1,
	})

	outcomes, err := f.matcher.EvaluateOrder(context.Background(), EvaluateParams{
		TenantID: "tenant-1",
		MemberID: "member-1",
		Order:    matcherOrder("150.00"),
	})
	require.NoError(t, err)
	require.Equal(t, ResultMaxReached, outcomes[0].Result)
}

func TestNoMemberOutcome(t *testing.T) {
	f := newMatcherFixture(t)

	f.seedRule(t, &CampaignRule{ID: "rule-a", TriggerType: TriggerAdvanced})

	outcomes, err := f.matcher.EvaluateOrder(context.Background(), EvaluateParams{
		TenantID: "tenant-1",
		Order:    matcherOrder("150.00"),
	})
	require.NoError(t, err)
	require.Equal(t, ResultNoMember, outcomes[0].Result)
}

func TestEnrollIdempotent(t *testing.T) {
	f := newMatcherFixture(t)
	enroller := NewEnroller(EnrollerParams{DB: f.db, Node: f.node})

	rule := f.seedRule(t, &CampaignRule{ID: "rule-a", TriggerType: TriggerAdvanced})

	first, err := enroller.Enroll(context.Background(), "member-1", rule)
	require.NoError(t, err)

	second, err := enroller.Enroll(context.Background(), "member-1", rule)
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusConflict))
	require.Equal(t, first.ID, second.ID)

	var rules []CampaignRule
	require.NoError(t, f.db.Find(&rules).Error)
	require.Equal(t, int64(1), rules[0].CurrentEnrollments)
}
