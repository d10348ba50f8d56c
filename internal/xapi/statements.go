package xapi

import (
	"time"

	"github.com/google/uuid"
)

func cmi5Category() []Activity {
	return []Activity{{ID: CategoryCmi5}}
}

func boolPtr(b bool) *bool { return &b }

// NewSatisfied builds the statement recorded when a block or course node of a
// registration's satisfaction tree transitions to satisfied. objectID is the
// node's publisher id, activityType block or course.
func NewSatisfied(actor Agent, regCode, objectID, activityType, sessionCode string) Statement {
	ext := map[string]any{}
	if sessionCode != "" {
		ext[ExtSessionID] = sessionCode
	}
	return Statement{
		ID:    uuid.NewString(),
		Actor: actor,
		Verb:  Verb{ID: VerbSatisfied, Display: map[string]string{"en-US": "satisfied"}},
		Object: Activity{
			ID:         objectID,
			Definition: &Definition{Type: activityType},
		},
		Context: &Context{
			Registration: regCode,
			ContextActivities: &ContextActivities{
				Grouping: []Activity{{ID: objectID}},
				Category: cmi5Category(),
			},
			Extensions: ext,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewAbandoned builds the statement recorded when a session is abandoned,
// either by a new launch of the same AU or through the API.
func NewAbandoned(actor Agent, regCode, auID, sessionCode string, duration time.Duration) Statement {
	return Statement{
		ID:    uuid.NewString(),
		Actor: actor,
		Verb:  Verb{ID: VerbAbandoned, Display: map[string]string{"en-US": "abandoned"}},
		Object: Activity{
			ID: auID,
		},
		Result: &Result{Duration: ISODuration(duration)},
		Context: &Context{
			Registration: regCode,
			ContextActivities: &ContextActivities{
				Category: cmi5Category(),
			},
			Extensions: map[string]any{ExtSessionID: sessionCode},
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewWaived builds the statement recorded for an administrative waiver of an
// AU. It must reach the record store before any satisfied statement the
// waiver triggers.
func NewWaived(actor Agent, regCode, auID, reason string) Statement {
	return Statement{
		ID:    uuid.NewString(),
		Actor: actor,
		Verb:  Verb{ID: VerbWaived, Display: map[string]string{"en-US": "waived"}},
		Object: Activity{
			ID: auID,
		},
		Result: &Result{
			Success:    boolPtr(true),
			Completion: boolPtr(true),
			Extensions: map[string]any{ExtReason: reason},
		},
		Context: &Context{
			Registration: regCode,
			ContextActivities: &ContextActivities{
				Grouping: []Activity{{ID: auID}},
				Category: []Activity{{ID: CategoryCmi5}, {ID: CategoryMoveOn}},
			},
		},
		Timestamp: time.Now().UTC(),
	}
}
