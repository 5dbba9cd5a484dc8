package loyalty

import (
	"loyalty-engine/services/condition"
)

const (
	TaskProcessOrder        = "loyalty:process_order"
	TaskProcessRegistration = "loyalty:process_registration"
)

type ProcessOrderPayload struct {
	TenantID string          `json:"tenant_id"`
	Order    condition.Order `json:"order"`
	TraceID  string          `json:"trace_id,omitempty"`
}

type ProcessRegistrationPayload struct {
	TenantID     string `json:"tenant_id"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	ReferralCode string `json:"referral_code,omitempty"`
	TraceID      string `json:"trace_id,omitempty"`
}
