package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Course is an imported cmi5 course structure. Structure holds the immutable
// AU/block/course node tree as produced at import time; registrations copy it
// rather than reading it back for satisfaction tracking.
type Course struct {
	ID          string `gorm:"type:uuid;primaryKey"`
	TenantID    string `gorm:"type:uuid;index;uniqueIndex:uniq_tenant_course,priority:1"`
	LmsID       string `gorm:"uniqueIndex:uniq_tenant_course,priority:2"`
	PublisherID string
	Title       string
	Structure   datatypes.JSON
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Course) TableName() string { return "courses" }

func (co *Course) BeforeCreate(tx *gorm.DB) (err error) {
	if co.ID == "" {
		co.ID = uuid.NewString()
	}
	return nil
}

// moveOn policies an AU may declare.
const (
	MoveOnCompleted          = "Completed"
	MoveOnPassed             = "Passed"
	MoveOnCompletedOrPassed  = "CompletedOrPassed"
	MoveOnCompletedAndPassed = "CompletedAndPassed"
	MoveOnNotApplicable      = "NotApplicable"
)

// MoveOnMet reports whether a moveOn policy is met for the given AU state.
func MoveOnMet(policy string, completed, passed bool) bool {
	switch policy {
	case MoveOnCompleted:
		return completed
	case MoveOnPassed:
		return passed
	case MoveOnCompletedOrPassed:
		return completed || passed
	case MoveOnCompletedAndPassed:
		return completed && passed
	case MoveOnNotApplicable:
		return true
	}
	return false
}

// CourseAU is the flattened per-AU row of a course, addressed by (course, auIndex).
type CourseAU struct {
	ID               string `gorm:"type:uuid;primaryKey"`
	TenantID         string `gorm:"type:uuid;index"`
	CourseID         string `gorm:"type:uuid;index;uniqueIndex:uniq_course_au,priority:1"`
	AuIndex          int    `gorm:"uniqueIndex:uniq_course_au,priority:2"`
	LmsID            string
	PublisherID      string
	Title            string
	URL              string
	MoveOn           string
	MasteryScore     *float64
	LaunchMethod     string
	LaunchParameters string
	EntitlementKey   string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (CourseAU) TableName() string { return "courses_aus" }

func (au *CourseAU) BeforeCreate(tx *gorm.DB) (err error) {
	if au.ID == "" {
		au.ID = uuid.NewString()
	}
	return nil
}
