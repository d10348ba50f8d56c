// Package xapi holds the xAPI value types and the cmi5 vocabulary the player
// writes. Statement bodies arriving from content are never validated here;
// that responsibility belongs to the LRS.
package xapi

import (
	"fmt"
	"time"
)

// Version is sent on every LRS request.
const Version = "1.0.3"

// Verbs used or recognized by the player.
const (
	VerbLaunched    = "http://adlnet.gov/expapi/verbs/launched"
	VerbInitialized = "http://adlnet.gov/expapi/verbs/initialized"
	VerbCompleted   = "http://adlnet.gov/expapi/verbs/completed"
	VerbPassed      = "http://adlnet.gov/expapi/verbs/passed"
	VerbFailed      = "http://adlnet.gov/expapi/verbs/failed"
	VerbTerminated  = "http://adlnet.gov/expapi/verbs/terminated"
	VerbSatisfied   = "https://w3id.org/xapi/adl/verbs/satisfied"
	VerbAbandoned   = "https://w3id.org/xapi/adl/verbs/abandoned"
	VerbWaived      = "https://w3id.org/xapi/adl/verbs/waived"
)

// Activity types for structural nodes.
const (
	ActivityTypeBlock  = "https://w3id.org/xapi/cmi5/activitytype/block"
	ActivityTypeCourse = "https://w3id.org/xapi/cmi5/activitytype/course"
)

// Context category activity ids.
const (
	CategoryCmi5   = "https://w3id.org/xapi/cmi5/context/categories/cmi5"
	CategoryMoveOn = "https://w3id.org/xapi/cmi5/context/categories/moveon"
)

// Context extension ids.
const (
	ExtSessionID        = "https://w3id.org/xapi/cmi5/context/extensions/sessionid"
	ExtMasteryScore     = "https://w3id.org/xapi/cmi5/context/extensions/masteryscore"
	ExtLaunchMode       = "https://w3id.org/xapi/cmi5/context/extensions/launchmode"
	ExtLaunchURL        = "https://w3id.org/xapi/cmi5/context/extensions/launchurl"
	ExtLaunchParameters = "https://w3id.org/xapi/cmi5/context/extensions/launchparameters"
	ExtMoveOn           = "https://w3id.org/xapi/cmi5/context/extensions/moveon"
	ExtReason           = "https://w3id.org/xapi/cmi5/result/extensions/reason"
)

// Document ids the player owns.
const (
	StateLaunchData     = "LMS.LaunchData"
	ProfileLearnerPrefs = "cmi5LearnerPreferences"
)

type Account struct {
	HomePage string `json:"homePage"`
	Name     string `json:"name"`
}

type Agent struct {
	ObjectType string   `json:"objectType,omitempty"`
	Name       string   `json:"name,omitempty"`
	Mbox       string   `json:"mbox,omitempty"`
	Account    *Account `json:"account,omitempty"`
}

type Definition struct {
	Type string         `json:"type,omitempty"`
	Name map[string]any `json:"name,omitempty"`
}

type Activity struct {
	ObjectType string      `json:"objectType,omitempty"`
	ID         string      `json:"id"`
	Definition *Definition `json:"definition,omitempty"`
}

type Verb struct {
	ID      string            `json:"id"`
	Display map[string]string `json:"display,omitempty"`
}

type Score struct {
	Scaled *float64 `json:"scaled,omitempty"`
	Raw    *float64 `json:"raw,omitempty"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
}

type Result struct {
	Success    *bool          `json:"success,omitempty"`
	Completion *bool          `json:"completion,omitempty"`
	Score      *Score         `json:"score,omitempty"`
	Duration   string         `json:"duration,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

type ContextActivities struct {
	Parent   []Activity `json:"parent,omitempty"`
	Grouping []Activity `json:"grouping,omitempty"`
	Category []Activity `json:"category,omitempty"`
}

type Context struct {
	Registration      string             `json:"registration,omitempty"`
	ContextActivities *ContextActivities `json:"contextActivities,omitempty"`
	Extensions        map[string]any     `json:"extensions,omitempty"`
}

type Statement struct {
	ID        string    `json:"id,omitempty"`
	Actor     Agent     `json:"actor"`
	Verb      Verb      `json:"verb"`
	Object    Activity  `json:"object"`
	Result    *Result   `json:"result,omitempty"`
	Context   *Context  `json:"context,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ISODuration renders d as an ISO 8601 duration with centisecond precision,
// the form cmi5 prescribes for result.duration.
func ISODuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("PT%.2fS", d.Seconds())
}
