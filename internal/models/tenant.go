package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Tenant is the isolation boundary: every course, registration and session
// belongs to exactly one tenant, and every query is scoped by tenant id.
type Tenant struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	Code      string `gorm:"uniqueIndex"`
	Name      string
	ApiKey    string `gorm:"uniqueIndex"`
	ApiSecret string // bcrypt hash, never the plain secret
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t *Tenant) BeforeCreate(tx *gorm.DB) (err error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}
