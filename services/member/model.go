package member

import (
	"time"
)

// Member is a shopper identity within a tenant, keyed by email and/or phone.
// Both identity columns are nullable so the tenant-scoped unique indexes only
// bind rows that actually carry the identity. Members are never deleted here;
// erasure is handled by external flows.
type Member struct {
	ID        string    `gorm:"column:id"`
	TenantID  string    `gorm:"column:tenant_id;uniqueIndex:idx_member_tenant_email;uniqueIndex:idx_member_tenant_phone"`
	Email     *string   `gorm:"column:email;uniqueIndex:idx_member_tenant_email"`
	Phone     *string   `gorm:"column:phone;uniqueIndex:idx_member_tenant_phone"`
	FirstName string    `gorm:"column:first_name"`
	LastName  string    `gorm:"column:last_name"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}
