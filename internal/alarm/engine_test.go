package alarm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpoint/plantgateway/internal/model"
	"github.com/gridpoint/plantgateway/internal/store"
)

type captureHub struct {
	mu       sync.Mutex
	payloads []interface{}
}

func (h *captureHub) Broadcast(channel string, payload interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads = append(h.payloads, payload)
}

func (h *captureHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.payloads)
}

func (h *captureHub) frames() []StateFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []StateFrame
	for _, p := range h.payloads {
		if fr, ok := p.(StateFrame); ok {
			out = append(out, fr)
		}
	}
	return out
}

func f(v float64) *float64 { return &v }

func aboveRule(t *testing.T, eng *Engine, dpID int64, warning, alarm float64) *model.AlarmRule {
	t.Helper()
	r := &model.AlarmRule{
		DataPointID:      dpID,
		Source:           model.SourceBackendRule,
		Enabled:          true,
		Severity:         "critical",
		Comparison:       model.CompareAbove,
		WarningEnabled:   true,
		WarningThreshold: f(warning),
		AlarmThreshold:   f(alarm),
	}
	require.NoError(t, eng.CreateRule(context.Background(), r))
	return r
}

func TestIngestTransitionSequence(t *testing.T) {
	mem := store.NewMemory()
	hub := &captureHub{}
	eng := NewEngine(mem, hub, nil)

	rule := aboveRule(t, eng, 7, 45, 50)
	ctx := context.Background()

	// {10, 46, 49.9, 51, 51, 51, 40} must produce exactly three
	// transitions: OK->WARNING at 46, WARNING->ALARM at 51, ALARM->OK at 40.
	var ackedAt int
	values := []float64{10, 46, 49.9, 51, 51, 51, 40}
	for i, v := range values {
		eng.Ingest(ctx, "P1", map[int64]float64{7: v})

		// Acknowledge while in ALARM, before the clearing value arrives.
		if i == 4 {
			active, err := eng.ListActive(ctx)
			require.NoError(t, err)
			require.Len(t, active, 1)
			uid := int64(1)
			_, err = eng.Acknowledge(ctx, active[0].ID, &uid)
			require.NoError(t, err)
			ackedAt = i
		}
	}
	require.Equal(t, 4, ackedAt)

	events, err := eng.History(ctx, model.AlarmEventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Newest first.
	assert.Equal(t, model.StateAlarm, events[0].PrevState)
	assert.Equal(t, model.StateOK, events[0].NewState)
	assert.Equal(t, model.StateWarning, events[1].PrevState)
	assert.Equal(t, model.StateAlarm, events[1].NewState)
	assert.Equal(t, model.StateOK, events[2].PrevState)
	assert.Equal(t, model.StateWarning, events[2].NewState)

	// The clear did not discard the acknowledgement.
	occ, err := mem.GetOccurrence(ctx, events[0].OccurrenceID)
	require.NoError(t, err)
	assert.False(t, occ.IsActive)
	assert.NotNil(t, occ.ClearedAt)
	assert.True(t, occ.Acknowledged)

	// One broadcast per transition, none for the steady-state repeats.
	assert.Equal(t, 3, hub.count())
	_ = rule
}

func TestBroadcastsAlarmStateFrames(t *testing.T) {
	mem := store.NewMemory()
	trees := []*model.PLCTree{{
		PLC: model.PLC{ID: 1, Name: "P1"},
		Containers: []model.ContainerTree{{
			Container: model.Container{ID: 2, PLCID: 1, Name: "Feed"},
			Equipment: []model.EquipmentTree{{
				Equipment: model.Equipment{ID: 4, ContainerID: 2, Name: "Pump"},
				DataPoints: []model.DataPoint{{
					ID: 7, OwnerKind: model.OwnerEquipment, OwnerID: 4,
					Label: "FLOW", Category: model.CategoryRead, Type: model.TypeInteger,
					Address: 40001, Multiplier: 1,
				}},
			}},
		}},
	}}
	mem.SetTree(trees)

	hub := &captureHub{}
	eng := NewEngine(mem, hub, nil)
	eng.SetIndex(model.NewTreeIndex(trees))
	rule := aboveRule(t, eng, 7, 45, 50)

	eng.Ingest(context.Background(), "P1", map[int64]float64{7: 60})

	frames := hub.frames()
	require.Len(t, frames, 1)
	fr := frames[0]
	assert.Equal(t, "alarm_state", fr.Type)
	assert.False(t, fr.TS.IsZero())
	assert.Equal(t, model.SourceBackendRule, fr.Source)
	assert.NotZero(t, fr.OccurrenceID)
	assert.Equal(t, model.StateAlarm, fr.State)
	assert.Equal(t, "critical", fr.Severity)
	require.NotNil(t, fr.Value)
	assert.Equal(t, 60.0, *fr.Value)
	assert.Equal(t, "P1", fr.PLCName)
	assert.Equal(t, "Feed", fr.ContainerName)
	assert.Equal(t, "Pump", fr.EquipmentName)
	assert.Equal(t, "FLOW", fr.DatapointLabel)
	assert.Equal(t, int64(7), fr.DatapointID)
	assert.Equal(t, rule.ID, fr.RuleID)
}

func TestRuleExternalIDKeysOccurrence(t *testing.T) {
	mem := store.NewMemory()
	eng := NewEngine(mem, nil, nil)

	r := &model.AlarmRule{
		DataPointID: 7, Source: model.SourceBackendRule, ExternalID: "legacy-42",
		Enabled: true, Severity: "high", Comparison: model.CompareAbove,
		AlarmThreshold: f(50),
	}
	require.NoError(t, eng.CreateRule(context.Background(), r))

	ctx := context.Background()
	eng.Ingest(ctx, "P1", map[int64]float64{7: 60})

	active, err := eng.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "legacy-42", active[0].Key)
}

func TestEscalationClearsAcknowledgement(t *testing.T) {
	mem := store.NewMemory()
	eng := NewEngine(mem, nil, nil)
	ctx := context.Background()

	sc := model.StateChange{Source: model.SourcePLC, Key: "k1", NewState: model.StateWarning}
	occ, transitioned, err := eng.SetState(ctx, sc)
	require.NoError(t, err)
	require.True(t, transitioned)

	uid := int64(9)
	occ, err = eng.Acknowledge(ctx, occ.ID, &uid)
	require.NoError(t, err)
	require.True(t, occ.Acknowledged)

	sc.NewState = model.StateAlarm
	occ, transitioned, err = eng.SetState(ctx, sc)
	require.NoError(t, err)
	require.True(t, transitioned)

	assert.False(t, occ.Acknowledged)
	assert.Nil(t, occ.AcknowledgedAt)
	assert.Contains(t, occ.Meta, "prev_ack")
}

func TestSetStateIdempotentNoExtraEvents(t *testing.T) {
	mem := store.NewMemory()
	eng := NewEngine(mem, nil, nil)
	ctx := context.Background()

	sc := model.StateChange{Source: model.SourcePLC, Key: "k2", NewState: model.StateAlarm}
	_, transitioned, err := eng.SetState(ctx, sc)
	require.NoError(t, err)
	assert.True(t, transitioned)

	_, transitioned, err = eng.SetState(ctx, sc)
	require.NoError(t, err)
	assert.False(t, transitioned)

	events, err := eng.History(ctx, model.AlarmEventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAcknowledgeIdempotent(t *testing.T) {
	mem := store.NewMemory()
	eng := NewEngine(mem, nil, nil)
	ctx := context.Background()

	occ, _, err := eng.SetState(ctx, model.StateChange{Source: model.SourcePLC, Key: "k3", NewState: model.StateAlarm})
	require.NoError(t, err)

	uid := int64(1)
	first, err := eng.Acknowledge(ctx, occ.ID, &uid)
	require.NoError(t, err)

	uid2 := int64(2)
	second, err := eng.Acknowledge(ctx, occ.ID, &uid2)
	require.NoError(t, err)

	// Second ack does not rewrite who acknowledged.
	assert.Equal(t, first.AcknowledgedBy, second.AcknowledgedBy)
	assert.Equal(t, first.AcknowledgedAt.Unix(), second.AcknowledgedAt.Unix())
}

func TestAcknowledgeByEventAndKey(t *testing.T) {
	mem := store.NewMemory()
	eng := NewEngine(mem, nil, nil)
	ctx := context.Background()

	occ, _, err := eng.SetState(ctx, model.StateChange{Source: model.SourcePLC, Key: "tank-high", NewState: model.StateAlarm})
	require.NoError(t, err)

	// By transition event id.
	events, err := eng.History(ctx, model.AlarmEventFilter{OccurrenceID: occ.ID})
	require.NoError(t, err)
	require.Len(t, events, 1)

	uid := int64(3)
	acked, err := eng.AcknowledgeBy(ctx, AckRef{EventID: events[0].ID}, &uid)
	require.NoError(t, err)
	assert.Equal(t, occ.ID, acked.ID)
	assert.True(t, acked.Acknowledged)

	// By (source, key); source defaults to plc when omitted.
	occ2, _, err := eng.SetState(ctx, model.StateChange{Source: model.SourcePLC, Key: "pump-trip", NewState: model.StateWarning})
	require.NoError(t, err)
	acked2, err := eng.AcknowledgeBy(ctx, AckRef{Key: "pump-trip"}, &uid)
	require.NoError(t, err)
	assert.Equal(t, occ2.ID, acked2.ID)
	assert.True(t, acked2.Acknowledged)

	// An empty reference is rejected.
	_, err = eng.AcknowledgeBy(ctx, AckRef{}, &uid)
	var vErr *model.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestEvaluateAboveBoundaries(t *testing.T) {
	r := &model.AlarmRule{
		Enabled:          true,
		Comparison:       model.CompareAbove,
		WarningEnabled:   true,
		WarningThreshold: f(10),
		AlarmThreshold:   f(20),
	}
	now := time.Now()
	assert.Equal(t, model.StateOK, Evaluate(r, 9, now))
	assert.Equal(t, model.StateWarning, Evaluate(r, 10, now))
	assert.Equal(t, model.StateWarning, Evaluate(r, 19.999, now))
	assert.Equal(t, model.StateAlarm, Evaluate(r, 20, now))
}

func TestEvaluateBelow(t *testing.T) {
	r := &model.AlarmRule{
		Enabled:          true,
		Comparison:       model.CompareBelow,
		WarningEnabled:   true,
		WarningThreshold: f(20),
		AlarmThreshold:   f(10),
	}
	now := time.Now()
	assert.Equal(t, model.StateOK, Evaluate(r, 21, now))
	assert.Equal(t, model.StateWarning, Evaluate(r, 20, now))
	assert.Equal(t, model.StateAlarm, Evaluate(r, 10, now))
}

func TestEvaluateRanges(t *testing.T) {
	now := time.Now()
	outside := &model.AlarmRule{
		Enabled:    true,
		Comparison: model.CompareOutsideRange,
		AlarmLow:   f(10), AlarmHigh: f(20),
	}
	assert.Equal(t, model.StateOK, Evaluate(outside, 15, now))
	assert.Equal(t, model.StateAlarm, Evaluate(outside, 9, now))
	assert.Equal(t, model.StateAlarm, Evaluate(outside, 21, now))

	inside := &model.AlarmRule{
		Enabled:    true,
		Comparison: model.CompareInsideRange,
		AlarmLow:   f(10), AlarmHigh: f(20),
	}
	assert.Equal(t, model.StateAlarm, Evaluate(inside, 15, now))
	assert.Equal(t, model.StateOK, Evaluate(inside, 9, now))
}

func TestEvaluateMalformedRuleIsOK(t *testing.T) {
	// warning >= alarm for above is rejected at CRUD time; if such a rule
	// reaches the evaluator anyway it must stay OK.
	r := &model.AlarmRule{
		Enabled:          true,
		Comparison:       model.CompareAbove,
		WarningEnabled:   true,
		WarningThreshold: f(30),
		AlarmThreshold:   f(20),
	}
	assert.Equal(t, model.StateOK, Evaluate(r, 25, time.Now()))

	missing := &model.AlarmRule{Enabled: true, Comparison: model.CompareAbove}
	assert.Equal(t, model.StateOK, Evaluate(missing, 1e9, time.Now()))
}

func TestScheduleGatesEvaluation(t *testing.T) {
	r := &model.AlarmRule{
		Enabled:        true,
		Comparison:     model.CompareAbove,
		AlarmThreshold: f(20),
		Schedule: &model.AlarmSchedule{
			StartTime: "08:00",
			EndTime:   "17:00",
			Timezone:  "Asia/Kolkata",
		},
	}

	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	before := time.Date(2025, 6, 2, 7, 59, 0, 0, loc)
	assert.Equal(t, model.StateOK, Evaluate(r, 100, before))

	during := time.Date(2025, 6, 2, 8, 0, 0, 0, loc)
	assert.Equal(t, model.StateAlarm, Evaluate(r, 100, during))

	after := time.Date(2025, 6, 2, 17, 1, 0, 0, loc)
	assert.Equal(t, model.StateOK, Evaluate(r, 100, after))
}

func TestScheduleOvernightWindow(t *testing.T) {
	s := &model.AlarmSchedule{StartTime: "22:00", EndTime: "06:00", Timezone: "UTC"}
	midnight := time.Date(2025, 6, 2, 0, 30, 0, 0, time.UTC)
	noon := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	assert.True(t, scheduleActive(s, midnight))
	assert.False(t, scheduleActive(s, noon))
}

func TestCreateRuleRejectsBadThresholds(t *testing.T) {
	mem := store.NewMemory()
	eng := NewEngine(mem, nil, nil)

	r := &model.AlarmRule{
		DataPointID:      7,
		Enabled:          true,
		Comparison:       model.CompareAbove,
		WarningEnabled:   true,
		WarningThreshold: f(50),
		AlarmThreshold:   f(45),
	}
	err := eng.CreateRule(context.Background(), r)
	var vErr *model.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "warning_threshold", vErr.Field)
}

func TestListActiveDecoratesWithTreeContext(t *testing.T) {
	mem := store.NewMemory()
	trees := []*model.PLCTree{{
		PLC: model.PLC{ID: 1, Name: "P1"},
		Containers: []model.ContainerTree{{
			Container: model.Container{ID: 2, PLCID: 1, Name: "Feed"},
			Equipment: []model.EquipmentTree{{
				Equipment: model.Equipment{ID: 4, ContainerID: 2, Name: "Pump"},
				DataPoints: []model.DataPoint{{
					ID: 7, OwnerKind: model.OwnerEquipment, OwnerID: 4,
					Label: "FLOW", Category: model.CategoryRead, Type: model.TypeInteger,
					Address: 40001, Multiplier: 1,
				}},
			}},
		}},
	}}
	mem.SetTree(trees)

	eng := NewEngine(mem, nil, nil)
	eng.SetIndex(model.NewTreeIndex(trees))
	aboveRule(t, eng, 7, 45, 50)

	ctx := context.Background()
	eng.Ingest(ctx, "P1", map[int64]float64{7: 60})

	active, err := eng.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "P1", active[0].PLC)
	assert.Equal(t, "Feed", active[0].Container)
	assert.Equal(t, "Pump", active[0].Equipment)
	assert.Equal(t, "FLOW", active[0].Datapoint)
	assert.Equal(t, model.StateAlarm, active[0].State)
}
