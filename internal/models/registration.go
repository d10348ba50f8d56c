package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Registration is one learner's attempt at a course. MoveOnTree is a private,
// mutable copy of the course structure where each node carries a satisfied
// flag; it is the sole source of truth for tree satisfaction of this attempt.
type Registration struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	TenantID   string `gorm:"type:uuid;index"`
	CourseID   string `gorm:"type:uuid;index"`
	Code       string `gorm:"type:uuid;uniqueIndex"`
	Actor      datatypes.JSON
	MoveOnTree datatypes.JSON `gorm:"column:moveon_tree"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (r *Registration) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Code == "" {
		r.Code = uuid.NewString()
	}
	return nil
}

// RegistrationCourseAU tracks one AU within one registration. IsSatisfied is
// a derived projection of the registration's moveOn tree, rebuilt whenever
// the tree changes; the tree wins if the two ever disagree.
type RegistrationCourseAU struct {
	ID               string `gorm:"type:uuid;primaryKey"`
	TenantID         string `gorm:"type:uuid;index"`
	RegistrationID   string `gorm:"type:uuid;index;uniqueIndex:uniq_reg_au,priority:1"`
	AuIndex          int    `gorm:"uniqueIndex:uniq_reg_au,priority:2"`
	CourseAUID       string `gorm:"type:uuid;index;column:course_au_id"`
	HasBeenAttempted bool
	HasBeenBrowsed   bool
	HasBeenReviewed  bool
	IsPassed         bool
	IsCompleted      bool
	IsWaived         bool
	WaivedReason     string
	IsSatisfied      bool
	NormalDurationMs int64
	BrowseDurationMs int64
	ReviewDurationMs int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (RegistrationCourseAU) TableName() string { return "registrations_courses_aus" }

func (rca *RegistrationCourseAU) BeforeCreate(tx *gorm.DB) (err error) {
	if rca.ID == "" {
		rca.ID = uuid.NewString()
	}
	return nil
}
