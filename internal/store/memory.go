package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gridpoint/plantgateway/internal/model"
)

// Memory is the development and test store. It implements the same method
// set as Postgres over in-process maps. All methods are safe for concurrent
// use.
type Memory struct {
	mu sync.RWMutex

	trees []*model.PLCTree

	commands      map[string]*model.Command
	commandEvents []*model.CommandEvent
	nextEventID   int64

	occurrences map[string]*model.AlarmOccurrence // source|key
	occByID     map[int64]*model.AlarmOccurrence
	alarmEvents []*model.AlarmEvent
	nextOccID   int64
	nextAlarmID int64

	rules      map[int64]*model.AlarmRule
	nextRuleID int64

	grants      []model.Grant
	nextGrantID int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		commands:    map[string]*model.Command{},
		occurrences: map[string]*model.AlarmOccurrence{},
		occByID:     map[int64]*model.AlarmOccurrence{},
		rules:       map[int64]*model.AlarmRule{},
	}
}

// SetTree replaces the configuration tree wholesale.
func (m *Memory) SetTree(trees []*model.PLCTree) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trees = trees
}

func (m *Memory) Close() error { return nil }

// ----------------------------------------------------------------------------
// configuration tree

func (m *Memory) LoadTree(ctx context.Context) ([]*model.PLCTree, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trees, nil
}

func (m *Memory) LoadIndex(ctx context.Context) (*model.TreeIndex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return model.NewTreeIndex(m.trees), nil
}

func (m *Memory) ResolveDatapoint(ctx context.Context, id int64) (*model.DataPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tree := range m.trees {
		for _, owned := range tree.AllDataPoints() {
			if owned.DataPoint.ID == id {
				dp := owned.DataPoint
				return &dp, nil
			}
		}
	}
	return nil, fmt.Errorf("datapoint %d: %w", id, ErrNotFound)
}

func (m *Memory) FindDatapoint(ctx context.Context, q DatapointQuery) (*model.DataPoint, error) {
	if q.ID != 0 {
		return m.ResolveDatapoint(ctx, q.ID)
	}
	if q.Label == "" {
		return nil, &model.ValidationError{Field: "datapoint", Reason: "id or label required"}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []model.DataPoint
	var ids []int64
	found := false
	for _, tree := range m.trees {
		if tree.PLC.Name != q.PLCName {
			continue
		}
		found = true
		for _, owned := range tree.AllDataPoints() {
			dp := owned.DataPoint
			if dp.Label != q.Label {
				continue
			}
			if q.OwnerKind != "" && (dp.OwnerKind != q.OwnerKind || dp.OwnerID != q.OwnerID) {
				continue
			}
			candidates = append(candidates, dp)
			ids = append(ids, dp.ID)
		}
	}
	if !found {
		return nil, fmt.Errorf("plc %q: %w", q.PLCName, ErrNotFound)
	}
	switch len(candidates) {
	case 0:
		return nil, fmt.Errorf("datapoint %q on plc %q: %w", q.Label, q.PLCName, ErrNotFound)
	case 1:
		dp := candidates[0]
		return &dp, nil
	default:
		return nil, &AmbiguousDatapointError{Label: q.Label, Candidates: ids}
	}
}

// ----------------------------------------------------------------------------
// commands

func (m *Memory) InsertCommand(ctx context.Context, cmd *model.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *cmd
	m.commands[cmd.CommandID] = &c
	return nil
}

func (m *Memory) GetCommand(ctx context.Context, commandID string) (*model.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cmd, ok := m.commands[commandID]
	if !ok {
		return nil, fmt.Errorf("command %s: %w", commandID, ErrNotFound)
	}
	c := *cmd
	return &c, nil
}

func (m *Memory) UpdateCommand(ctx context.Context, cmd *model.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commands[cmd.CommandID]; !ok {
		return fmt.Errorf("command %s: %w", cmd.CommandID, ErrNotFound)
	}
	c := *cmd
	m.commands[cmd.CommandID] = &c
	return nil
}

func (m *Memory) CompareAndSetStatus(ctx context.Context, commandID string, from, to model.CommandStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[commandID]
	if !ok || cmd.Status != from {
		return false, nil
	}
	cmd.Status = to
	cmd.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) AppendCommandEvent(ctx context.Context, ev *model.CommandEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	ev.ID = m.nextEventID
	e := *ev
	m.commandEvents = append(m.commandEvents, &e)
	return nil
}

func (m *Memory) CommandEvents(ctx context.Context, commandID string) ([]*model.CommandEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.CommandEvent
	for _, ev := range m.commandEvents {
		if ev.CommandID == commandID {
			e := *ev
			out = append(out, &e)
		}
	}
	return out, nil
}

func (m *Memory) RecentCommandEvents(ctx context.Context, n int) ([]*model.CommandEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := len(m.commandEvents) - n
	if start < 0 {
		start = 0
	}
	var out []*model.CommandEvent
	for _, ev := range m.commandEvents[start:] {
		e := *ev
		out = append(out, &e)
	}
	return out, nil
}

func (m *Memory) ListCommands(ctx context.Context, f model.CommandFilter) ([]*model.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Command
	for _, cmd := range m.commands {
		if f.PLCName != "" && cmd.PLCName != f.PLCName {
			continue
		}
		if f.Status != "" && cmd.Status != f.Status {
			continue
		}
		if f.Since != nil && cmd.CreatedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && cmd.CreatedAt.After(*f.Until) {
			continue
		}
		c := *cmd
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) PendingCommands(ctx context.Context) ([]*model.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Command
	for _, cmd := range m.commands {
		if !cmd.Status.Terminal() {
			c := *cmd
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ----------------------------------------------------------------------------
// alarms

func occKey(source model.AlarmSource, key string) string {
	return string(source) + "|" + key
}

func (m *Memory) ApplyState(ctx context.Context, sc model.StateChange) (*model.AlarmOccurrence, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	k := occKey(sc.Source, sc.Key)
	occ, ok := m.occurrences[k]
	if !ok {
		m.nextOccID++
		occ = &model.AlarmOccurrence{
			ID:        m.nextOccID,
			Source:    sc.Source,
			Key:       sc.Key,
			State:     model.StateOK,
			FirstSeen: now,
		}
		m.occurrences[k] = occ
		m.occByID[occ.ID] = occ
	}

	prev := occ.State
	transitioned := prev != sc.NewState

	if occ.Meta == nil {
		occ.Meta = map[string]interface{}{}
	}
	for mk, mv := range sc.Meta {
		occ.Meta[mk] = mv
	}

	occ.State = sc.NewState
	occ.Severity = sc.Severity
	occ.Message = sc.Message
	occ.Value = sc.Value
	occ.WarningThreshold = sc.WarningThreshold
	occ.AlarmThreshold = sc.AlarmThreshold
	occ.LastSeen = now
	occ.IsActive = sc.NewState.Active()

	if transitioned {
		if sc.NewState == model.StateOK {
			t := now
			occ.ClearedAt = &t
		} else {
			occ.ClearedAt = nil
		}
		if sc.NewState == model.StateAlarm && occ.Acknowledged {
			occ.Meta["prev_ack"] = map[string]interface{}{
				"acknowledged_at": occ.AcknowledgedAt,
				"acknowledged_by": occ.AcknowledgedBy,
			}
			occ.Acknowledged = false
			occ.AcknowledgedAt = nil
			occ.AcknowledgedBy = nil
		}
		m.nextAlarmID++
		m.alarmEvents = append(m.alarmEvents, &model.AlarmEvent{
			ID:           m.nextAlarmID,
			OccurrenceID: occ.ID,
			TS:           now,
			PrevState:    prev,
			NewState:     occ.State,
			Severity:     occ.Severity,
			Message:      occ.Message,
			Value:        occ.Value,
			Meta:         sc.Meta,
		})
	}

	out := *occ
	return &out, transitioned, nil
}

func (m *Memory) Acknowledge(ctx context.Context, occurrenceID int64, userID *int64) (*model.AlarmOccurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	occ, ok := m.occByID[occurrenceID]
	if !ok {
		return nil, fmt.Errorf("alarm occurrence %d: %w", occurrenceID, ErrNotFound)
	}
	if !occ.Acknowledged {
		now := time.Now().UTC()
		occ.Acknowledged = true
		occ.AcknowledgedAt = &now
		occ.AcknowledgedBy = userID
	}
	out := *occ
	return &out, nil
}

func (m *Memory) GetAlarmEvent(ctx context.Context, id int64) (*model.AlarmEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ev := range m.alarmEvents {
		if ev.ID == id {
			e := *ev
			return &e, nil
		}
	}
	return nil, fmt.Errorf("alarm event %d: %w", id, ErrNotFound)
}

func (m *Memory) FindOccurrence(ctx context.Context, source model.AlarmSource, key string) (*model.AlarmOccurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	occ, ok := m.occurrences[occKey(source, key)]
	if !ok {
		return nil, fmt.Errorf("alarm occurrence %s/%s: %w", source, key, ErrNotFound)
	}
	out := *occ
	return &out, nil
}

func (m *Memory) GetOccurrence(ctx context.Context, id int64) (*model.AlarmOccurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	occ, ok := m.occByID[id]
	if !ok {
		return nil, fmt.Errorf("alarm occurrence %d: %w", id, ErrNotFound)
	}
	out := *occ
	return &out, nil
}

func (m *Memory) ListActiveOccurrences(ctx context.Context) ([]*model.AlarmOccurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.AlarmOccurrence
	for _, occ := range m.occurrences {
		if occ.IsActive {
			o := *occ
			out = append(out, &o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out, nil
}

func (m *Memory) QueryAlarmEvents(ctx context.Context, f model.AlarmEventFilter) ([]*model.AlarmEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.AlarmEvent
	for _, ev := range m.alarmEvents {
		if f.OccurrenceID != 0 && ev.OccurrenceID != f.OccurrenceID {
			continue
		}
		if f.State != "" && ev.NewState != f.State {
			continue
		}
		if f.Source != "" {
			occ := m.occByID[ev.OccurrenceID]
			if occ == nil || occ.Source != f.Source {
				continue
			}
		}
		if f.Since != nil && ev.TS.Before(*f.Since) {
			continue
		}
		if f.Until != nil && ev.TS.After(*f.Until) {
			continue
		}
		e := *ev
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TS.Equal(out[j].TS) {
			return out[i].ID > out[j].ID
		}
		return out[i].TS.After(out[j].TS)
	})
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateAlarmRule(ctx context.Context, r *model.AlarmRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRuleID++
	r.ID = m.nextRuleID
	rule := *r
	m.rules[r.ID] = &rule
	return nil
}

func (m *Memory) LoadAlarmRules(ctx context.Context) (map[int64][]*model.AlarmRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[int64][]*model.AlarmRule{}
	for _, r := range sortedRules(m.rules) {
		if !r.Enabled {
			continue
		}
		rule := *r
		out[r.DataPointID] = append(out[r.DataPointID], &rule)
	}
	return out, nil
}

func (m *Memory) RulesForDatapoint(ctx context.Context, dpID int64) ([]*model.AlarmRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.AlarmRule
	for _, r := range sortedRules(m.rules) {
		if r.DataPointID == dpID {
			rule := *r
			out = append(out, &rule)
		}
	}
	return out, nil
}

func sortedRules(rules map[int64]*model.AlarmRule) []*model.AlarmRule {
	out := make([]*model.AlarmRule, 0, len(rules))
	for _, r := range rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ----------------------------------------------------------------------------
// grants

func (m *Memory) GrantsFor(ctx context.Context, userID *int64, roleIDs []int64) ([]model.Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roles := map[int64]bool{}
	for _, id := range roleIDs {
		roles[id] = true
	}
	var out []model.Grant
	for _, g := range m.grants {
		if g.UserID != nil && userID != nil && *g.UserID == *userID {
			out = append(out, g)
			continue
		}
		if g.RoleID != nil && roles[*g.RoleID] {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *Memory) CreateGrant(ctx context.Context, g *model.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextGrantID++
	g.ID = m.nextGrantID
	m.grants = append(m.grants, *g)
	return nil
}
