package model

import (
	"fmt"
	"time"
)

// AlarmState is the evaluated condition of an alarm occurrence.
type AlarmState string

const (
	StateOK      AlarmState = "OK"
	StateWarning AlarmState = "WARNING"
	StateAlarm   AlarmState = "ALARM"
)

// Active reports whether the state keeps an occurrence on the active board.
func (s AlarmState) Active() bool {
	return s == StateWarning || s == StateAlarm
}

// AlarmSource identifies where an occurrence key originates.
type AlarmSource string

const (
	SourcePLC          AlarmSource = "plc"
	SourceBackendRule  AlarmSource = "backend_rule"
	SourceFrontendRule AlarmSource = "frontend_rule"
)

// Comparison selects the threshold shape of a rule.
type Comparison string

const (
	CompareAbove        Comparison = "above"
	CompareBelow        Comparison = "below"
	CompareOutsideRange Comparison = "outside_range"
	CompareInsideRange  Comparison = "inside_range"
)

// AlarmSchedule restricts a rule to a local-time window. Outside the window
// the rule evaluates to OK.
type AlarmSchedule struct {
	StartTime string `json:"start_time"` // "HH:MM"
	EndTime   string `json:"end_time"`   // "HH:MM"
	Timezone  string `json:"timezone"`   // IANA name
}

// AlarmRule is a threshold rule bound to a datapoint.
type AlarmRule struct {
	ID          int64       `json:"id"`
	DataPointID int64       `json:"datapoint_id"`
	Source      AlarmSource `json:"source"`
	ExternalID  string      `json:"external_id,omitempty"`
	Enabled     bool        `json:"enabled"`
	Severity    string      `json:"severity"`
	Comparison  Comparison  `json:"comparison"`

	WarningEnabled   bool     `json:"warning_enabled"`
	WarningThreshold *float64 `json:"warning_threshold,omitempty"`
	WarningLow       *float64 `json:"warning_low,omitempty"`
	WarningHigh      *float64 `json:"warning_high,omitempty"`
	AlarmThreshold   *float64 `json:"alarm_threshold,omitempty"`
	AlarmLow         *float64 `json:"alarm_low,omitempty"`
	AlarmHigh        *float64 `json:"alarm_high,omitempty"`

	Schedule *AlarmSchedule `json:"schedule,omitempty"`
}

// Validate rejects malformed threshold configurations at CRUD time. The
// evaluator treats anything that slips through as OK rather than alarming
// spuriously.
func (r *AlarmRule) Validate() error {
	switch r.Comparison {
	case CompareAbove:
		if r.AlarmThreshold == nil {
			return &ValidationError{Field: "alarm_threshold", Reason: "required for comparison=above"}
		}
		if r.WarningEnabled {
			if r.WarningThreshold == nil {
				return &ValidationError{Field: "warning_threshold", Reason: "required when warning is enabled"}
			}
			if *r.WarningThreshold >= *r.AlarmThreshold {
				return &ValidationError{Field: "warning_threshold", Reason: "must be below alarm_threshold for comparison=above"}
			}
		}
	case CompareBelow:
		if r.AlarmThreshold == nil {
			return &ValidationError{Field: "alarm_threshold", Reason: "required for comparison=below"}
		}
		if r.WarningEnabled {
			if r.WarningThreshold == nil {
				return &ValidationError{Field: "warning_threshold", Reason: "required when warning is enabled"}
			}
			if *r.WarningThreshold <= *r.AlarmThreshold {
				return &ValidationError{Field: "warning_threshold", Reason: "must be above alarm_threshold for comparison=below"}
			}
		}
	case CompareOutsideRange, CompareInsideRange:
		if r.AlarmLow == nil || r.AlarmHigh == nil {
			return &ValidationError{Field: "alarm_low", Reason: "alarm_low and alarm_high required for range comparisons"}
		}
		if *r.AlarmLow >= *r.AlarmHigh {
			return &ValidationError{Field: "alarm_low", Reason: "alarm_low must be below alarm_high"}
		}
		if r.WarningEnabled {
			if r.WarningLow == nil || r.WarningHigh == nil {
				return &ValidationError{Field: "warning_low", Reason: "warning_low and warning_high required when warning is enabled"}
			}
			if *r.WarningLow >= *r.WarningHigh {
				return &ValidationError{Field: "warning_low", Reason: "warning_low must be below warning_high"}
			}
		}
	default:
		return &ValidationError{Field: "comparison", Reason: fmt.Sprintf("unknown comparison %q", r.Comparison)}
	}
	if r.Schedule != nil {
		if _, err := time.LoadLocation(r.Schedule.Timezone); err != nil {
			return &ValidationError{Field: "schedule.timezone", Reason: "unknown timezone " + r.Schedule.Timezone}
		}
		for _, f := range []struct{ name, v string }{
			{"schedule.start_time", r.Schedule.StartTime},
			{"schedule.end_time", r.Schedule.EndTime},
		} {
			if _, err := time.Parse("15:04", f.v); err != nil {
				return &ValidationError{Field: f.name, Reason: "must be HH:MM"}
			}
		}
	}
	return nil
}

// AlarmOccurrence is the authoritative row for a unique (source, key). Only
// the alarm engine's state and acknowledge operations mutate it.
type AlarmOccurrence struct {
	ID       int64       `json:"id"`
	Source   AlarmSource `json:"source"`
	Key      string      `json:"key"`
	State    AlarmState  `json:"state"`
	Severity string      `json:"severity"`
	Message  string      `json:"message"`
	Value    *float64    `json:"value,omitempty"`

	WarningThreshold *float64 `json:"warning_threshold,omitempty"`
	AlarmThreshold   *float64 `json:"alarm_threshold,omitempty"`

	FirstSeen time.Time  `json:"first_seen"`
	LastSeen  time.Time  `json:"last_seen"`
	ClearedAt *time.Time `json:"cleared_at,omitempty"`
	IsActive  bool       `json:"is_active"`

	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy *int64     `json:"acknowledged_by,omitempty"`

	Meta map[string]interface{} `json:"meta,omitempty"`
}

// AlarmEvent is an immutable record of a single state transition.
type AlarmEvent struct {
	ID           int64                  `json:"id"`
	OccurrenceID int64                  `json:"occurrence_id"`
	TS           time.Time              `json:"ts"`
	PrevState    AlarmState             `json:"prev_state"`
	NewState     AlarmState             `json:"new_state"`
	Severity     string                 `json:"severity"`
	Message      string                 `json:"message"`
	Value        *float64               `json:"value,omitempty"`
	Meta         map[string]interface{} `json:"meta,omitempty"`
}

// StateChange is the input to the alarm engine's set-state operation.
type StateChange struct {
	Source   AlarmSource
	Key      string
	NewState AlarmState
	Severity string
	Message  string
	Value    *float64

	WarningThreshold *float64
	AlarmThreshold   *float64

	Meta map[string]interface{}
}

// AlarmEventFilter narrows alarm history queries.
type AlarmEventFilter struct {
	Source       AlarmSource
	OccurrenceID int64
	State        AlarmState
	Since        *time.Time
	Until        *time.Time
	Limit        int
}
