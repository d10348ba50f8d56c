package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Launch modes.
const (
	LaunchModeNormal = "Normal"
	LaunchModeBrowse = "Browse"
	LaunchModeReview = "Review"
)

// Who abandoned a session.
const (
	AbandonedByNewLaunch = "new-launch"
	AbandonedByAPI       = "api"
)

// Session is one continuous launch of one AU within a registration. All
// boolean flags are monotonic: once true they never revert.
type Session struct {
	ID                     string `gorm:"type:uuid;primaryKey"`
	TenantID               string `gorm:"type:uuid;index"`
	RegistrationID         string `gorm:"type:uuid;index"`
	RegistrationCourseAUID string `gorm:"type:uuid;index;column:registration_course_au_id"`
	Code                   string `gorm:"type:uuid;uniqueIndex"`
	LaunchMode             string
	MoveOn                 string // effective moveOn policy for this launch
	MasteryScore           *float64
	ContextTemplate        datatypes.JSON
	LaunchURL              string

	// Single-use bootstrap credential.
	LaunchTokenID      string `gorm:"type:uuid;uniqueIndex"`
	LaunchTokenFetched bool

	LaunchDataFetched   bool
	LearnerPrefsFetched bool

	IsLaunched    bool
	IsInitialized bool
	IsCompleted   bool
	IsPassed      bool
	IsFailed      bool
	IsTerminated  bool
	IsAbandoned   bool
	AbandonedBy   string

	LaunchedAt    *time.Time
	InitializedAt *time.Time
	TerminatedAt  *time.Time
	DurationMs    int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *Session) BeforeCreate(tx *gorm.DB) (err error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Code == "" {
		s.Code = uuid.NewString()
	}
	if s.LaunchTokenID == "" {
		s.LaunchTokenID = uuid.NewString()
	}
	return nil
}

// Live reports whether the session can still accept statements.
func (s *Session) Live() bool {
	return !s.IsTerminated && !s.IsAbandoned
}
