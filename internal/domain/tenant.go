package domain

import (
	"time"

	"github.com/google/uuid"
)

// Tenant — организация-владелец jobs.
type Tenant struct {
	ID        uuid.UUID    `json:"id"`
	Name      string       `json:"name"`
	Status    TenantStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// IsActive возвращает true, если tenant может запускать jobs.
func (t *Tenant) IsActive() bool {
	return t.Status == TenantStatusActive
}
