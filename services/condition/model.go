package condition

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the closed set of condition types a campaign rule may reference.
// Dispatch happens through the handlers table in evaluator.go; adding a Kind
// without a handler makes the condition unevaluable, which resolves through
// the caller's Policy.
type Kind string

const (
	KindOrderValueGTE     Kind = "order_value_gte"
	KindOrderValueBetween Kind = "order_value_between"
	KindOrderItemCount    Kind = "order_item_count"
	KindSpecificProduct   Kind = "specific_product"
	KindCouponCode        Kind = "coupon_code"
	KindPaymentMethod     Kind = "payment_method"
	KindCustomerType      Kind = "customer_type"
	KindOrderNumber       Kind = "order_number"
	KindLifetimeOrders    Kind = "lifetime_orders"
	KindLifetimeSpend     Kind = "lifetime_spend"
	KindCustomerTags      Kind = "customer_tags"
	KindShippingPincode   Kind = "shipping_pincode"
	KindShippingCity      Kind = "shipping_city"
	KindShippingState     Kind = "shipping_state"
	KindShippingCountry   Kind = "shipping_country"
	KindUTMSource         Kind = "utm_source"
	KindUTMMedium         Kind = "utm_medium"
	KindUTMCampaign       Kind = "utm_campaign"
)

const (
	OperatorGTE         = "gte"
	OperatorLTE         = "lte"
	OperatorEQ          = "eq"
	OperatorExact       = "exact"
	OperatorContains    = "contains"
	OperatorNotContains = "not_contains"
	OperatorStartsWith  = "starts_with"
	OperatorInList      = "in_list"
	OperatorHas         = "has"
	OperatorNotHas      = "not_has"
)

// Condition is one rule predicate as authored by the merchant.
type Condition struct {
	Type     Kind   `json:"type"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// Policy decides how an unknown condition Kind resolves. The order-webhook
// fast path runs FailOpen so rules authored against a newer vocabulary do not
// silently disqualify every order; everywhere else is FailClosed.
type Policy int

const (
	FailClosed Policy = iota
	FailOpen
)

type LineItem struct {
	ProductID string          `json:"product_id"`
	SKU       string          `json:"sku"`
	Title     string          `json:"title"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

type Address struct {
	City    string `json:"city"`
	State   string `json:"state"`
	Country string `json:"country"`
	Pincode string `json:"pincode"`
}

type Customer struct {
	Email       string          `json:"email"`
	Phone       string          `json:"phone"`
	Tags        []string        `json:"tags"`
	OrdersCount int64           `json:"orders_count"`
	TotalSpent  decimal.Decimal `json:"total_spent"`
}

type Tracking struct {
	Source   string `json:"utm_source"`
	Medium   string `json:"utm_medium"`
	Campaign string `json:"utm_campaign"`
}

// Order is the inbound order event as delivered by the commerce platform
// webhook. The engine never mutates it.
type Order struct {
	OrderID         string          `json:"order_id"`
	TotalPrice      decimal.Decimal `json:"total_price"`
	Currency        string          `json:"currency"`
	Customer        Customer        `json:"customer"`
	LineItems       []LineItem      `json:"line_items"`
	ShippingAddress Address         `json:"shipping_address"`
	BillingAddress  Address         `json:"billing_address"`
	Gateway         string          `json:"gateway"`
	DiscountCodes   []string        `json:"discount_codes"`
	FinancialStatus string          `json:"financial_status"`
	CancelledAt     *time.Time      `json:"cancelled_at"`
	Test            bool            `json:"test"`
	Tracking        Tracking        `json:"tracking"`
}

// Context is the evaluation input for a single condition: the order under
// evaluation plus whatever is known about the customer.
type Context struct {
	Order *Order
}
