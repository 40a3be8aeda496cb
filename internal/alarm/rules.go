// Package alarm turns datapoint readings into alarm state transitions and
// acknowledgement events. State lives in the store; the engine is the only
// writer of occurrence state.
package alarm

import (
	"time"

	"github.com/gridpoint/plantgateway/internal/model"
)

// Evaluate compares a value against a rule's thresholds at the given
// instant. A rule outside its schedule window, or with a malformed
// threshold set, evaluates to OK rather than alarming spuriously.
func Evaluate(r *model.AlarmRule, value float64, now time.Time) model.AlarmState {
	if !r.Enabled {
		return model.StateOK
	}
	if r.Schedule != nil && !scheduleActive(r.Schedule, now) {
		return model.StateOK
	}

	switch r.Comparison {
	case model.CompareAbove:
		if r.AlarmThreshold == nil {
			return model.StateOK
		}
		if r.WarningEnabled && (r.WarningThreshold == nil || *r.WarningThreshold >= *r.AlarmThreshold) {
			return model.StateOK
		}
		if value >= *r.AlarmThreshold {
			return model.StateAlarm
		}
		if r.WarningEnabled && value >= *r.WarningThreshold {
			return model.StateWarning
		}

	case model.CompareBelow:
		if r.AlarmThreshold == nil {
			return model.StateOK
		}
		if r.WarningEnabled && (r.WarningThreshold == nil || *r.WarningThreshold <= *r.AlarmThreshold) {
			return model.StateOK
		}
		if value <= *r.AlarmThreshold {
			return model.StateAlarm
		}
		if r.WarningEnabled && value <= *r.WarningThreshold {
			return model.StateWarning
		}

	case model.CompareOutsideRange:
		if r.AlarmLow == nil || r.AlarmHigh == nil || *r.AlarmLow >= *r.AlarmHigh {
			return model.StateOK
		}
		if value < *r.AlarmLow || value > *r.AlarmHigh {
			return model.StateAlarm
		}
		if r.WarningEnabled && r.WarningLow != nil && r.WarningHigh != nil &&
			(value < *r.WarningLow || value > *r.WarningHigh) {
			return model.StateWarning
		}

	case model.CompareInsideRange:
		if r.AlarmLow == nil || r.AlarmHigh == nil || *r.AlarmLow >= *r.AlarmHigh {
			return model.StateOK
		}
		if value >= *r.AlarmLow && value <= *r.AlarmHigh {
			return model.StateAlarm
		}
		if r.WarningEnabled && r.WarningLow != nil && r.WarningHigh != nil &&
			value >= *r.WarningLow && value <= *r.WarningHigh {
			return model.StateWarning
		}
	}
	return model.StateOK
}

// scheduleActive reports whether now falls inside the rule's local-time
// window. A window whose end precedes its start wraps past midnight.
func scheduleActive(s *model.AlarmSchedule, now time.Time) bool {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return true
	}
	start, err1 := time.Parse("15:04", s.StartTime)
	end, err2 := time.Parse("15:04", s.EndTime)
	if err1 != nil || err2 != nil {
		return true
	}

	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()
	lo := start.Hour()*60 + start.Minute()
	hi := end.Hour()*60 + end.Minute()

	if lo <= hi {
		return cur >= lo && cur <= hi
	}
	return cur >= lo || cur <= hi
}
