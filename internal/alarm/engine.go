package alarm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gridpoint/plantgateway/internal/model"
	"github.com/gridpoint/plantgateway/internal/monitoring"
)

// Store is the persistence surface the engine needs.
type Store interface {
	ApplyState(ctx context.Context, sc model.StateChange) (*model.AlarmOccurrence, bool, error)
	Acknowledge(ctx context.Context, occurrenceID int64, userID *int64) (*model.AlarmOccurrence, error)
	GetOccurrence(ctx context.Context, id int64) (*model.AlarmOccurrence, error)
	GetAlarmEvent(ctx context.Context, id int64) (*model.AlarmEvent, error)
	FindOccurrence(ctx context.Context, source model.AlarmSource, key string) (*model.AlarmOccurrence, error)
	ListActiveOccurrences(ctx context.Context) ([]*model.AlarmOccurrence, error)
	QueryAlarmEvents(ctx context.Context, f model.AlarmEventFilter) ([]*model.AlarmEvent, error)
	CreateAlarmRule(ctx context.Context, r *model.AlarmRule) error
	RulesForDatapoint(ctx context.Context, dpID int64) ([]*model.AlarmRule, error)
	LoadAlarmRules(ctx context.Context) (map[int64][]*model.AlarmRule, error)
}

// Broadcaster receives one payload per committed state transition.
type Broadcaster interface {
	Broadcast(channel string, payload interface{})
}

// ActiveAlarm is an occurrence decorated with tree context for display.
type ActiveAlarm struct {
	*model.AlarmOccurrence
	PLC       string `json:"plc_name,omitempty"`
	Container string `json:"container_name,omitempty"`
	Equipment string `json:"equipment_name,omitempty"`
	Datapoint string `json:"datapoint_label,omitempty"`
}

// StateFrame is the alarm_state frame broadcast on the alarms channel, one
// per committed transition. Its type tag lets subscribers tell live frames
// from the connect-time snapshot.
type StateFrame struct {
	Type             string            `json:"type"`
	TS               time.Time         `json:"ts"`
	Source           model.AlarmSource `json:"source"`
	Key              string            `json:"key"`
	OccurrenceID     int64             `json:"occurrence_id"`
	State            model.AlarmState  `json:"state"`
	Severity         string            `json:"severity"`
	Value            *float64          `json:"value,omitempty"`
	WarningThreshold *float64          `json:"warning_threshold,omitempty"`
	AlarmThreshold   *float64          `json:"alarm_threshold,omitempty"`
	Message          string            `json:"message"`
	PLCName          string            `json:"plc_name,omitempty"`
	ContainerName    string            `json:"container_name,omitempty"`
	EquipmentName    string            `json:"equipment_name,omitempty"`
	DatapointLabel   string            `json:"datapoint_label,omitempty"`
	DatapointID      int64             `json:"datapoint_id,omitempty"`
	RuleID           int64             `json:"rule_id,omitempty"`
}

// Engine evaluates rules against readings and drives the occurrence state
// machine. Rules are cached; ReloadRules refreshes the cache after CRUD.
type Engine struct {
	store   Store
	hub     Broadcaster
	metrics *monitoring.Metrics
	logger  *log.Logger

	mu    sync.RWMutex
	rules map[int64][]*model.AlarmRule
	index *model.TreeIndex

	activeMu sync.Mutex
	active   map[string]bool
}

// NewEngine builds an engine. hub and metrics may be nil.
func NewEngine(store Store, hub Broadcaster, metrics *monitoring.Metrics) *Engine {
	return &Engine{
		store:   store,
		hub:     hub,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[ALARM] ", log.LstdFlags),
		rules:   map[int64][]*model.AlarmRule{},
		active:  map[string]bool{},
	}
}

// SetIndex installs the tree index used to decorate active alarms.
func (e *Engine) SetIndex(idx *model.TreeIndex) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.index = idx
}

// ReloadRules replaces the rule cache from the store.
func (e *Engine) ReloadRules(ctx context.Context) error {
	rules, err := e.store.LoadAlarmRules(ctx)
	if err != nil {
		return fmt.Errorf("load alarm rules: %w", err)
	}
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
	return nil
}

// DefaultKey derives a stable occurrence key when the caller has none.
func DefaultKey(source model.AlarmSource, raw string) string {
	sum := sha256.Sum256([]byte(string(source) + "\x00" + raw))
	return hex.EncodeToString(sum[:])[:16]
}

// Ingest evaluates every cached rule against the cycle's readings for one
// PLC. Evaluation failures are logged and do not stop the cycle.
func (e *Engine) Ingest(ctx context.Context, plcName string, readings map[int64]float64) {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	now := time.Now()
	for dpID, value := range readings {
		for _, rule := range rules[dpID] {
			state := Evaluate(rule, value, now)
			v := value
			// A configured external id becomes the occurrence key so
			// upstream systems can correlate and acknowledge by it.
			key := rule.ExternalID
			if key == "" {
				key = DefaultKey(rule.Source, fmt.Sprintf("rule:%d:dp:%d", rule.ID, dpID))
			}
			sc := model.StateChange{
				Source:   rule.Source,
				Key:      key,
				NewState: state,
				Severity: rule.Severity,
				Message:  fmt.Sprintf("%s on plc %s", state, plcName),
				Value:    &v,
				Meta: map[string]interface{}{
					"datapoint_id": dpID,
					"rule_id":      rule.ID,
					"plc":          plcName,
				},
			}
			switch rule.Comparison {
			case model.CompareAbove, model.CompareBelow:
				sc.WarningThreshold = rule.WarningThreshold
				sc.AlarmThreshold = rule.AlarmThreshold
			}
			if _, _, err := e.SetState(ctx, sc); err != nil {
				e.logger.Printf("set state failed: rule=%d dp=%d err=%v", rule.ID, dpID, err)
			}
		}
	}
}

// SetState applies one state change and, only when it commits a transition,
// broadcasts the occurrence on the alarms channel.
func (e *Engine) SetState(ctx context.Context, sc model.StateChange) (*model.AlarmOccurrence, bool, error) {
	if sc.Key == "" {
		return nil, false, &model.ValidationError{Field: "key", Reason: "required"}
	}
	occ, transitioned, err := e.store.ApplyState(ctx, sc)
	if err != nil {
		return nil, false, err
	}
	if !transitioned {
		return occ, false, nil
	}

	e.observeTransition(occ)
	e.logger.Printf("alarm %s/%s -> %s (severity=%s)", occ.Source, occ.Key, occ.State, occ.Severity)
	if e.hub != nil {
		e.hub.Broadcast("alarms", e.frame(occ))
	}
	return occ, true, nil
}

// Acknowledge marks an occurrence acknowledged by a user. Idempotent; does
// not emit a broadcast or an event row.
func (e *Engine) Acknowledge(ctx context.Context, occurrenceID int64, userID *int64) (*model.AlarmOccurrence, error) {
	return e.store.Acknowledge(ctx, occurrenceID, userID)
}

// AckRef names an occurrence by any handle a caller may hold: the occurrence
// id, one of its transition event ids, or the (source, key) pair upstream
// systems track.
type AckRef struct {
	OccurrenceID int64
	EventID      int64
	Source       model.AlarmSource
	Key          string
}

// AcknowledgeBy resolves the reference to an occurrence and acknowledges it.
func (e *Engine) AcknowledgeBy(ctx context.Context, ref AckRef, userID *int64) (*model.AlarmOccurrence, error) {
	switch {
	case ref.OccurrenceID != 0:
		return e.store.Acknowledge(ctx, ref.OccurrenceID, userID)
	case ref.EventID != 0:
		ev, err := e.store.GetAlarmEvent(ctx, ref.EventID)
		if err != nil {
			return nil, err
		}
		return e.store.Acknowledge(ctx, ev.OccurrenceID, userID)
	case ref.Key != "":
		source := ref.Source
		if source == "" {
			source = model.SourcePLC
		}
		occ, err := e.store.FindOccurrence(ctx, source, ref.Key)
		if err != nil {
			return nil, err
		}
		return e.store.Acknowledge(ctx, occ.ID, userID)
	default:
		return nil, &model.ValidationError{Field: "occurrence_id", Reason: "occurrence_id, event_id or key required"}
	}
}

// ListActive returns the active board decorated with tree context, newest
// first. Sent to websocket subscribers at connect time.
func (e *Engine) ListActive(ctx context.Context) ([]*ActiveAlarm, error) {
	occs, err := e.store.ListActiveOccurrences(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*ActiveAlarm, 0, len(occs))
	for _, occ := range occs {
		out = append(out, e.decorate(occ))
	}
	return out, nil
}

// History queries the transition log.
func (e *Engine) History(ctx context.Context, f model.AlarmEventFilter) ([]*model.AlarmEvent, error) {
	return e.store.QueryAlarmEvents(ctx, f)
}

// CreateRule validates and persists a rule, then refreshes the cache.
func (e *Engine) CreateRule(ctx context.Context, r *model.AlarmRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.Source == "" {
		r.Source = model.SourceBackendRule
	}
	if err := e.store.CreateAlarmRule(ctx, r); err != nil {
		return err
	}
	return e.ReloadRules(ctx)
}

// RulesForDatapoint lists the rules bound to one datapoint.
func (e *Engine) RulesForDatapoint(ctx context.Context, dpID int64) ([]*model.AlarmRule, error) {
	return e.store.RulesForDatapoint(ctx, dpID)
}

func (e *Engine) frame(occ *model.AlarmOccurrence) StateFrame {
	fr := StateFrame{
		Type:             "alarm_state",
		TS:               occ.LastSeen,
		Source:           occ.Source,
		Key:              occ.Key,
		OccurrenceID:     occ.ID,
		State:            occ.State,
		Severity:         occ.Severity,
		Value:            occ.Value,
		WarningThreshold: occ.WarningThreshold,
		AlarmThreshold:   occ.AlarmThreshold,
		Message:          occ.Message,
	}
	if rid, ok := metaInt64(occ.Meta["rule_id"]); ok {
		fr.RuleID = rid
	}
	dec := e.decorate(occ)
	fr.PLCName = dec.PLC
	fr.ContainerName = dec.Container
	fr.EquipmentName = dec.Equipment
	fr.DatapointLabel = dec.Datapoint
	if dpID, ok := metaInt64(occ.Meta["datapoint_id"]); ok {
		fr.DatapointID = dpID
	}
	return fr
}

func (e *Engine) decorate(occ *model.AlarmOccurrence) *ActiveAlarm {
	a := &ActiveAlarm{AlarmOccurrence: occ}

	e.mu.RLock()
	idx := e.index
	e.mu.RUnlock()
	if idx == nil || occ.Meta == nil {
		return a
	}
	dpID, ok := metaInt64(occ.Meta["datapoint_id"])
	if !ok {
		return a
	}
	if plc, cont, eq, label, ok := idx.DatapointContext(dpID); ok {
		a.PLC, a.Container, a.Equipment, a.Datapoint = plc, cont, eq, label
	}
	return a
}

// metaInt64 tolerates the float64 shape JSONB round-trips produce.
func metaInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func (e *Engine) observeTransition(occ *model.AlarmOccurrence) {
	key := string(occ.Source) + "|" + occ.Key

	e.activeMu.Lock()
	wasActive := e.active[key]
	nowActive := occ.State.Active()
	e.active[key] = nowActive
	e.activeMu.Unlock()

	if e.metrics == nil {
		return
	}
	e.metrics.AlarmTransitions.WithLabelValues(string(occ.Source), string(occ.State)).Inc()
	if nowActive && !wasActive {
		e.metrics.ActiveAlarms.Inc()
	} else if !nowActive && wasActive {
		e.metrics.ActiveAlarms.Dec()
	}
}
