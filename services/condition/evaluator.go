package condition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type handlerFunc func(cond Condition, c *Context) (bool, error)

// handlers is the dispatch table over the closed Kind set. Every Kind
// declared in model.go must have an entry here.
var handlers = map[Kind]handlerFunc{
	KindOrderValueGTE:     evalOrderValueGTE,
	KindOrderValueBetween: evalOrderValueBetween,
	KindOrderItemCount:    evalOrderItemCount,
	KindSpecificProduct:   evalSpecificProduct,
	KindCouponCode:        evalCouponCode,
	KindPaymentMethod:     evalPaymentMethod,
	KindCustomerType:      evalCustomerType,
	KindOrderNumber:       evalOrderNumber,
	KindLifetimeOrders:    evalLifetimeNumeric,
	KindLifetimeSpend:     evalLifetimeNumeric,
	KindCustomerTags:      evalCustomerTags,
	KindShippingPincode:   evalShippingField,
	KindShippingCity:      evalShippingField,
	KindShippingState:     evalShippingField,
	KindShippingCountry:   evalShippingField,
	KindUTMSource:         evalTrackingField,
	KindUTMMedium:         evalTrackingField,
	KindUTMCampaign:       evalTrackingField,
}

// Evaluate runs a single condition against the context. Errors inside a
// handler count as a failed condition and never abort sibling evaluation;
// unknown kinds resolve through the policy.
func Evaluate(cond Condition, c *Context, policy Policy) bool {
	handler, ok := handlers[cond.Type]
	if !ok {
		if policy == FailOpen {
			zap.L().Debug("unknown condition type, passing",
				zap.String("type", string(cond.Type)))
			return true
		}
		zap.L().Debug("unknown condition type, failing",
			zap.String("type", string(cond.Type)))
		return false
	}

	passed, err := safeEval(handler, cond, c)
	if err != nil {
		zap.L().Debug("condition evaluation error, treated as failed",
			zap.String("type", string(cond.Type)),
			zap.Error(err))
		return false
	}

	return passed
}

func safeEval(handler handlerFunc, cond Condition, c *Context) (passed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			passed = false
			err = fmt.Errorf("condition handler panic: %v", r)
		}
	}()
	return handler(cond, c)
}

func evalOrderValueGTE(cond Condition, c *Context) (bool, error) {
	threshold, err := decimal.NewFromString(strings.TrimSpace(cond.Value))
	if err != nil {
		return false, fmt.Errorf("invalid threshold %q: %w", cond.Value, err)
	}
	return c.Order.TotalPrice.GreaterThanOrEqual(threshold), nil
}

func evalOrderValueBetween(cond Condition, c *Context) (bool, error) {
	parts := strings.SplitN(cond.Value, ",", 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("between value must be min,max, got %q", cond.Value)
	}
	min, err := decimal.NewFromString(strings.TrimSpace(parts[0]))
	if err != nil {
		return false, err
	}
	max, err := decimal.NewFromString(strings.TrimSpace(parts[1]))
	if err != nil {
		return false, err
	}
	total := c.Order.TotalPrice
	return total.GreaterThanOrEqual(min) && total.LessThanOrEqual(max), nil
}

func evalOrderItemCount(cond Condition, c *Context) (bool, error) {
	want, err := strconv.Atoi(strings.TrimSpace(cond.Value))
	if err != nil {
		return false, err
	}
	count := len(c.Order.LineItems)
	switch cond.Operator {
	case OperatorGTE:
		return count >= want, nil
	case OperatorLTE:
		return count <= want, nil
	case OperatorEQ, "":
		return count == want, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", cond.Operator)
	}
}

func evalSpecificProduct(cond Condition, c *Context) (bool, error) {
	needle := strings.ToLower(strings.TrimSpace(cond.Value))
	found := false
	for _, item := range c.Order.LineItems {
		if strings.EqualFold(item.ProductID, needle) ||
			strings.Contains(strings.ToLower(item.SKU), needle) {
			found = true
			break
		}
	}
	if cond.Operator == OperatorNotContains {
		return !found, nil
	}
	return found, nil
}

func evalCouponCode(cond Condition, c *Context) (bool, error) {
	want := strings.ToLower(strings.TrimSpace(cond.Value))
	for _, code := range c.Order.DiscountCodes {
		got := strings.ToLower(strings.TrimSpace(code))
		switch cond.Operator {
		case OperatorStartsWith:
			if strings.HasPrefix(got, want) {
				return true, nil
			}
		case OperatorContains:
			if strings.Contains(got, want) {
				return true, nil
			}
		default:
			if got == want {
				return true, nil
			}
		}
	}
	return false, nil
}

// codGateways are matched as substrings of the gateway name; anything else
// classifies as prepaid.
var codGateways = []string{"cod", "cash on delivery", "cash_on_delivery"}

func evalPaymentMethod(cond Condition, c *Context) (bool, error) {
	gateway := strings.ToLower(c.Order.Gateway)
	isCOD := false
	for _, g := range codGateways {
		if strings.Contains(gateway, g) {
			isCOD = true
			break
		}
	}

	switch strings.ToLower(strings.TrimSpace(cond.Value)) {
	case "cod":
		return isCOD, nil
	case "prepaid":
		return !isCOD, nil
	default:
		return false, fmt.Errorf("unsupported payment bucket %q", cond.Value)
	}
}

func evalCustomerType(cond Condition, c *Context) (bool, error) {
	customerType := "returning"
	if c.Order.Customer.OrdersCount <= 1 {
		customerType = "new"
	}
	return strings.EqualFold(strings.TrimSpace(cond.Value), customerType), nil
}

func evalOrderNumber(cond Condition, c *Context) (bool, error) {
	want, err := strconv.ParseInt(strings.TrimSpace(cond.Value), 10, 64)
	if err != nil {
		return false, err
	}
	return c.Order.Customer.OrdersCount == want, nil
}

func evalLifetimeNumeric(cond Condition, c *Context) (bool, error) {
	want, err := decimal.NewFromString(strings.TrimSpace(cond.Value))
	if err != nil {
		return false, err
	}

	var got decimal.Decimal
	switch cond.Type {
	case KindLifetimeOrders:
		got = decimal.NewFromInt(c.Order.Customer.OrdersCount)
	case KindLifetimeSpend:
		got = c.Order.Customer.TotalSpent
	}

	switch cond.Operator {
	case OperatorLTE:
		return got.LessThanOrEqual(want), nil
	case OperatorGTE, "":
		return got.GreaterThanOrEqual(want), nil
	default:
		return false, fmt.Errorf("unsupported operator %q", cond.Operator)
	}
}

func evalCustomerTags(cond Condition, c *Context) (bool, error) {
	want := strings.ToLower(strings.TrimSpace(cond.Value))
	has := false
	for _, tag := range c.Order.Customer.Tags {
		if strings.ToLower(strings.TrimSpace(tag)) == want {
			has = true
			break
		}
	}
	if cond.Operator == OperatorNotHas {
		return !has, nil
	}
	return has, nil
}

func evalShippingField(cond Condition, c *Context) (bool, error) {
	var got string
	switch cond.Type {
	case KindShippingPincode:
		got = c.Order.ShippingAddress.Pincode
	case KindShippingCity:
		got = c.Order.ShippingAddress.City
	case KindShippingState:
		got = c.Order.ShippingAddress.State
	case KindShippingCountry:
		got = c.Order.ShippingAddress.Country
	}
	return matchString(got, cond.Value, cond.Operator), nil
}

func evalTrackingField(cond Condition, c *Context) (bool, error) {
	var got string
	switch cond.Type {
	case KindUTMSource:
		got = c.Order.Tracking.Source
	case KindUTMMedium:
		got = c.Order.Tracking.Medium
	case KindUTMCampaign:
		got = c.Order.Tracking.Campaign
	}

	want := strings.ToLower(strings.TrimSpace(cond.Value))
	if cond.Operator == OperatorContains {
		return strings.Contains(strings.ToLower(got), want), nil
	}
	return strings.EqualFold(strings.TrimSpace(got), want), nil
}

func matchString(got, want, operator string) bool {
	got = strings.ToLower(strings.TrimSpace(got))
	want = strings.ToLower(strings.TrimSpace(want))

	switch operator {
	case OperatorStartsWith:
		return strings.HasPrefix(got, want)
	case OperatorInList:
		for _, candidate := range strings.Split(want, ",") {
			if got == strings.TrimSpace(candidate) {
				return true
			}
		}
		return false
	default:
		return got == want
	}
}
