package campaign

import (
	"context"
	"sort"
	"strings"

	"loyalty-engine/pkg/db/option"
	"loyalty-engine/pkg/errutil"
	"loyalty-engine/pkg/repository"
	"loyalty-engine/services/condition"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Matcher decides which active campaign rules an order qualifies for and
// drives enrollment. Order-value rules are tried from the highest minimum
// order value down and stop at the first successful enrollment; advanced
// rules are evaluated independently.
type Matcher struct {
	rules    repository.Repository[CampaignRule]
	enroller *Enroller
	sink     Sink
}

type MatcherParams struct {
	fx.In
	DB       *gorm.DB
	Enroller *Enroller
	Sink     Sink
}

func NewMatcher(p MatcherParams) *Matcher {
	return &Matcher{
		rules:    repository.ProvideStore[CampaignRule](p.DB),
		enroller: p.Enroller,
		sink:     p.Sink,
	}
}

type EvaluateParams struct {
	TenantID string
	MemberID string
	Order    *condition.Order
	Policy   condition.Policy
}

type RuleOutcome struct {
	Rule       *CampaignRule
	Result     EvaluationResult
	Membership *Membership
}

func (m *Matcher) EvaluateOrder(ctx context.Context, p EvaluateParams) ([]RuleOutcome, error) {
	if p.Order == nil {
		return nil, errutil.ValidationFailed("order is required")
	}

	rules, err := m.rules.Find(ctx, &CampaignRule{TenantID: p.TenantID, IsActive: true},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "priority",
			OrderBy: "asc",
			Allow:   map[string]bool{"priority": true},
		}),
	)
	if err != nil {
		return nil, err
	}

	var orderValue, advanced []*CampaignRule
	for _, rule := range rules {
		if rule.TriggerType == TriggerOrderValue {
			orderValue = append(orderValue, rule)
			continue
		}
		advanced = append(advanced, rule)
	}

	// Highest threshold first: an order matching several thresholds enrolls
	// at the highest qualifying one only.
	sort.SliceStable(orderValue, func(i, j int) bool {
		return orderValue[i].MinOrderValue.GreaterThan(orderValue[j].MinOrderValue)
	})

	outcomes := make([]RuleOutcome, 0, len(rules))
	enrolled := false
	for _, rule := range orderValue {
		if enrolled {
			break
		}
		outcome := m.evaluateOrderValueRule(ctx, rule, p)
		outcomes = append(outcomes, outcome)
		if outcome.Result == ResultMatched {
			enrolled = true
		}
	}

	for _, rule := range advanced {
		outcomes = append(outcomes, m.evaluateAdvancedRule(ctx, rule, p))
	}

	return outcomes, nil
}

func (m *Matcher) evaluateOrderValueRule(ctx context.Context, rule *CampaignRule, p EvaluateParams) RuleOutcome {
	ev := Evaluation{
		TenantID: p.TenantID,
		RuleID:   rule.ID,
		OrderID:  p.Order.OrderID,
		MemberID: p.MemberID,
	}

	if reason := excludedReason(rule, p.Order); reason != "" {
		return m.record(ctx, rule, ev, ResultExcluded, reason, nil)
	}

	if p.Order.TotalPrice.LessThan(rule.MinOrderValue) {
		return m.record(ctx, rule, ev, ResultNotMatched, "order below minimum value", nil)
	}

	passed, matched, failed, err := m.evaluateGroups(rule, p,
		GroupEligibility, GroupLocation, GroupAttribution)
	ev.Matched, ev.Failed = matched, failed
	if err != nil {
		return m.record(ctx, rule, ev, ResultFailed, err.Error(), nil)
	}
	if !passed {
		return m.record(ctx, rule, ev, ResultNotMatched, "condition group failed", nil)
	}

	return m.enroll(ctx, rule, ev, p)
}

func (m *Matcher) evaluateAdvancedRule(ctx context.Context, rule *CampaignRule, p EvaluateParams) RuleOutcome {
	ev := Evaluation{
		TenantID: p.TenantID,
		RuleID:   rule.ID,
		OrderID:  p.Order.OrderID,
		MemberID: p.MemberID,
	}

	if reason := excludedReason(rule, p.Order); reason != "" {
		return m.record(ctx, rule, ev, ResultExcluded, reason, nil)
	}

	passed, matched, failed, err := m.evaluateGroups(rule, p,
		GroupTrigger, GroupEligibility, GroupLocation, GroupAttribution)
	ev.Matched, ev.Failed = matched, failed
	if err != nil {
		return m.record(ctx, rule, ev, ResultFailed, err.Error(), nil)
	}
	if !passed {
		return m.record(ctx, rule, ev, ResultNotMatched, "condition group failed", nil)
	}

	return m.enroll(ctx, rule, ev, p)
}

func (m *Matcher) enroll(ctx context.Context, rule *CampaignRule, ev Evaluation, p EvaluateParams) RuleOutcome {
	if p.MemberID == "" {
		return m.record(ctx, rule, ev, ResultNoMember, "no member resolved for order", nil)
	}

	membership, err := m.enroller.Enroll(ctx, p.MemberID, rule)
	switch {
	case err == nil:
		ev.MembershipID = membership.ID
		return m.record(ctx, rule, ev, ResultMatched, "", membership)
	case errutil.HasStatus(err, errutil.StatusConflict):
		if membership != nil {
			ev.MembershipID = membership.ID
		}
		return m.record(ctx, rule, ev, ResultAlreadyEnrolled, "member already enrolled", membership)
	case errutil.HasStatus(err, errutil.StatusUnprocessableEntity):
		return m.record(ctx, rule, ev, ResultMaxReached, "enrollment capacity reached", nil)
	default:
		zap.L().Error("enrollment failed",
			zap.String("rule_id", rule.ID),
			zap.String("member_id", p.MemberID),
			zap.Error(err))
		return m.record(ctx, rule, ev, ResultFailed, err.Error(), nil)
	}
}

func (m *Matcher) record(ctx context.Context, rule *CampaignRule, ev Evaluation, result EvaluationResult, reason string, membership *Membership) RuleOutcome {
	ev.Result = result
	ev.Reason = reason
	m.sink.Record(ctx, ev)
	return RuleOutcome{Rule: rule, Result: result, Membership: membership}
}

func (m *Matcher) evaluateGroups(rule *CampaignRule, p EvaluateParams, groups ...ConditionGroup) (bool, []condition.Trace, []condition.Trace, error) {
	evalCtx := &condition.Context{Order: p.Order}

	passed := true
	var matched, failed []condition.Trace
	for _, group := range groups {
		conds, err := rule.Conditions(group)
		if err != nil {
			return false, matched, failed, err
		}

		result := condition.EvaluateGroup(conds, evalCtx, p.Policy)
		matched = append(matched, result.Matched...)
		failed = append(failed, result.Failed...)
		if !result.Passed {
			passed = false
		}
	}

	return passed, matched, failed, nil
}

func excludedReason(rule *CampaignRule, order *condition.Order) string {
	status := strings.ToLower(order.FinancialStatus)
	if rule.ExcludeRefunded && (status == "refunded" || status == "partially_refunded") {
		return "refunded order"
	}
	if rule.ExcludeCancelled && order.CancelledAt != nil {
		return "cancelled order"
	}
	if rule.ExcludeTest && order.Test {
		return "test order"
	}
	return ""
}
