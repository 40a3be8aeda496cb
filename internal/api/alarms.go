package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/gridpoint/plantgateway/internal/alarm"
	"github.com/gridpoint/plantgateway/internal/hub"
	"github.com/gridpoint/plantgateway/internal/model"
)

// stateChangeRequest is the wire form of an externally driven alarm state
// change (PLC-originated or frontend-rule alarms).
type stateChangeRequest struct {
	Source           model.AlarmSource      `json:"source"`
	Key              string                 `json:"key"`
	State            model.AlarmState       `json:"state"`
	Severity         string                 `json:"severity"`
	Message          string                 `json:"message"`
	Value            *float64               `json:"value,omitempty"`
	WarningThreshold *float64               `json:"warning_threshold,omitempty"`
	AlarmThreshold   *float64               `json:"alarm_threshold,omitempty"`
	Meta             map[string]interface{} `json:"meta,omitempty"`
}

// handleCreateAlarm lets external systems drive the occurrence state machine
// directly, keyed by (source, key). Transitions fan out like rule-driven ones.
func (s *Server) handleCreateAlarm(w http.ResponseWriter, r *http.Request) {
	var req stateChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &model.ValidationError{Field: "body", Reason: "malformed JSON"})
		return
	}
	if req.Source == "" {
		s.writeError(w, &model.ValidationError{Field: "source", Reason: "required"})
		return
	}
	occ, transitioned, err := s.alarms.SetState(r.Context(), model.StateChange{
		Source:           req.Source,
		Key:              req.Key,
		NewState:         req.State,
		Severity:         req.Severity,
		Message:          req.Message,
		Value:            req.Value,
		WarningThreshold: req.WarningThreshold,
		AlarmThreshold:   req.AlarmThreshold,
		Meta:             req.Meta,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.record(r, "alarm.set_state", occ.Key, map[string]interface{}{
		"state":        string(occ.State),
		"transitioned": transitioned,
	})
	writeJSON(w, http.StatusOK, occ)
}

func (s *Server) handleActiveAlarms(w http.ResponseWriter, r *http.Request) {
	active, err := s.alarms.ListActive(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if active == nil {
		active = []*alarm.ActiveAlarm{}
	}
	writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleAlarmEvents(w http.ResponseWriter, r *http.Request) {
	f, err := alarmEventFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	events, err := s.alarms.History(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []*model.AlarmEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAcknowledgeAlarm(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, &model.ValidationError{Field: "id", Reason: "must be numeric"})
		return
	}
	occ, err := s.alarms.Acknowledge(r.Context(), id, principalFrom(r).UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.record(r, "alarm.acknowledge", occ.Key, map[string]interface{}{"occurrence_id": id})
	writeJSON(w, http.StatusOK, occ)
}

// ackRequest addresses an occurrence by whichever handle the caller holds.
type ackRequest struct {
	OccurrenceID int64             `json:"occurrence_id,omitempty"`
	EventID      int64             `json:"event_id,omitempty"`
	Source       model.AlarmSource `json:"source,omitempty"`
	Key          string            `json:"key,omitempty"`
}

// handleAcknowledgeAlarmRef acknowledges by occurrence id, event id or the
// (source, key) pair an upstream system tracks.
func (s *Server) handleAcknowledgeAlarmRef(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &model.ValidationError{Field: "body", Reason: "malformed JSON"})
		return
	}
	occ, err := s.alarms.AcknowledgeBy(r.Context(), alarm.AckRef{
		OccurrenceID: req.OccurrenceID,
		EventID:      req.EventID,
		Source:       req.Source,
		Key:          req.Key,
	}, principalFrom(r).UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.record(r, "alarm.acknowledge", occ.Key, map[string]interface{}{"occurrence_id": occ.ID})
	writeJSON(w, http.StatusOK, occ)
}

// handleCreateAlarmRule is admin-only: rules change what every operator sees.
func (s *Server) handleCreateAlarmRule(w http.ResponseWriter, r *http.Request) {
	if !principalFrom(r).IsAdmin() {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
		return
	}
	var rule model.AlarmRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		s.writeError(w, &model.ValidationError{Field: "body", Reason: "malformed JSON"})
		return
	}
	if err := s.alarms.CreateRule(r.Context(), &rule); err != nil {
		s.writeError(w, err)
		return
	}
	s.record(r, "alarm.rule.create", strconv.FormatInt(rule.DataPointID, 10), map[string]interface{}{
		"rule_id":    rule.ID,
		"comparison": string(rule.Comparison),
	})
	writeJSON(w, http.StatusCreated, &rule)
}

func (s *Server) handleDatapointRules(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, &model.ValidationError{Field: "id", Reason: "must be numeric"})
		return
	}
	rules, err := s.alarms.RulesForDatapoint(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rules == nil {
		rules = []*model.AlarmRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

// alarmSnapshotFrames seeds a /ws/alarms subscriber with the active board so
// it never misses a transition that fired before the socket opened.
func (s *Server) alarmSnapshotFrames(r *http.Request) [][]byte {
	active, err := s.alarms.ListActive(r.Context())
	if err != nil {
		s.logger.Printf("alarm snapshot failed: %v", err)
		return nil
	}
	if active == nil {
		active = []*alarm.ActiveAlarm{}
	}
	frame, err := json.Marshal(map[string]interface{}{
		"type":    "snapshot",
		"channel": hub.ChannelAlarms,
		"active":  active,
		"ts":      time.Now().UTC(),
	})
	if err != nil {
		return nil
	}
	return [][]byte{frame}
}

func alarmEventFilter(r *http.Request) (model.AlarmEventFilter, error) {
	q := r.URL.Query()
	f := model.AlarmEventFilter{
		Source: model.AlarmSource(q.Get("source")),
		State:  model.AlarmState(q.Get("state")),
	}
	if raw := q.Get("occurrence_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return f, &model.ValidationError{Field: "occurrence_id", Reason: "must be numeric"}
		}
		f.OccurrenceID = id
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, &model.ValidationError{Field: "limit", Reason: "must be a non-negative integer"}
		}
		f.Limit = n
	}
	var err error
	if f.Since, err = timeParam(q.Get("since"), "since"); err != nil {
		return f, err
	}
	if f.Until, err = timeParam(q.Get("until"), "until"); err != nil {
		return f, err
	}
	return f, nil
}
