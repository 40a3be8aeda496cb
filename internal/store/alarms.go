package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gridpoint/plantgateway/internal/model"
)

// ApplyState upserts the occurrence for (source, key) and, when the state
// actually changed, appends exactly one alarm_event inside the same
// transaction. Escalation to ALARM clears a previous acknowledgement; the
// old ack fields are stashed in meta so the history is not lost. The bool
// result reports whether a transition happened.
func (p *Postgres) ApplyState(ctx context.Context, sc model.StateChange) (*model.AlarmOccurrence, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var occ model.AlarmOccurrence
	var prevMeta []byte
	row := tx.QueryRowContext(ctx, `
		SELECT id, state, first_seen, acknowledged, acknowledged_at, acknowledged_by, meta
		FROM alarm_occurrence WHERE source = $1 AND key = $2 FOR UPDATE`,
		sc.Source, sc.Key)
	err = row.Scan(&occ.ID, &occ.State, &occ.FirstSeen,
		&occ.Acknowledged, &occ.AcknowledgedAt, &occ.AcknowledgedBy, &prevMeta)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First sighting starts in OK so a non-OK first report still
		// produces its transition event below.
		occ = model.AlarmOccurrence{State: model.StateOK, FirstSeen: now}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO alarm_occurrence (source, key, state, first_seen, last_seen)
			VALUES ($1,$2,'OK',$3,$3) RETURNING id`,
			sc.Source, sc.Key, now).Scan(&occ.ID)
		if err != nil {
			return nil, false, fmt.Errorf("insert occurrence: %w", err)
		}
	case err != nil:
		return nil, false, err
	}

	prev := occ.State
	transitioned := prev != sc.NewState

	meta := map[string]interface{}{}
	if len(prevMeta) > 0 {
		if err := json.Unmarshal(prevMeta, &meta); err != nil {
			return nil, false, err
		}
	}
	for k, v := range sc.Meta {
		meta[k] = v
	}

	occ.Source = sc.Source
	occ.Key = sc.Key
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
			occ.ClearedAt = &now
		} else {
			occ.ClearedAt = nil
		}
		// A fresh ALARM must be acknowledged again even if an earlier
		// WARNING phase was already acked.
		if sc.NewState == model.StateAlarm && occ.Acknowledged {
			meta["prev_ack"] = map[string]interface{}{
				"acknowledged_at": occ.AcknowledgedAt,
				"acknowledged_by": occ.AcknowledgedBy,
			}
			occ.Acknowledged = false
			occ.AcknowledgedAt = nil
			occ.AcknowledgedBy = nil
		}
	}

	var metaJSON []byte
	if len(meta) > 0 {
		if metaJSON, err = json.Marshal(meta); err != nil {
			return nil, false, err
		}
	}
	occ.Meta = meta

	_, err = tx.ExecContext(ctx, `
		UPDATE alarm_occurrence SET
			state=$2, severity=$3, message=$4, value=$5,
			warning_threshold=$6, alarm_threshold=$7,
			last_seen=$8, cleared_at=$9, is_active=$10,
			acknowledged=$11, acknowledged_at=$12, acknowledged_by=$13, meta=$14
		WHERE id=$1`,
		occ.ID, occ.State, occ.Severity, occ.Message, occ.Value,
		occ.WarningThreshold, occ.AlarmThreshold,
		occ.LastSeen, occ.ClearedAt, occ.IsActive,
		occ.Acknowledged, occ.AcknowledgedAt, occ.AcknowledgedBy, metaJSON)
	if err != nil {
		return nil, false, fmt.Errorf("update occurrence: %w", err)
	}

	if transitioned {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO alarm_event (occurrence_id, ts, prev_state, new_state, severity, message, value, meta)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			occ.ID, now, prev, occ.State, occ.Severity, occ.Message, occ.Value, metaJSON)
		if err != nil {
			return nil, false, fmt.Errorf("insert alarm event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &occ, transitioned, nil
}

// Acknowledge marks an active occurrence acknowledged. Idempotent; no event
// row is written because acknowledging is not a state transition.
func (p *Postgres) Acknowledge(ctx context.Context, occurrenceID int64, userID *int64) (*model.AlarmOccurrence, error) {
	now := time.Now().UTC()
	res, err := p.db.ExecContext(ctx, `
		UPDATE alarm_occurrence SET acknowledged=TRUE, acknowledged_at=$2, acknowledged_by=$3
		WHERE id=$1 AND NOT acknowledged`, occurrenceID, now, userID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either already acked or missing; GetOccurrence disambiguates.
		if _, err := p.GetOccurrence(ctx, occurrenceID); err != nil {
			return nil, err
		}
	}
	return p.GetOccurrence(ctx, occurrenceID)
}

// GetOccurrence loads one occurrence by id.
func (p *Postgres) GetOccurrence(ctx context.Context, id int64) (*model.AlarmOccurrence, error) {
	row := p.db.QueryRowContext(ctx, selectOccurrence+` WHERE id = $1`, id)
	occ, err := scanOccurrence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alarm occurrence %d: %w", id, ErrNotFound)
	}
	return occ, err
}

// GetAlarmEvent loads one transition record by id.
func (p *Postgres) GetAlarmEvent(ctx context.Context, id int64) (*model.AlarmEvent, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, occurrence_id, ts, prev_state, new_state, severity, message, value, meta
		FROM alarm_event WHERE id = $1`, id)
	var ev model.AlarmEvent
	var meta []byte
	err := row.Scan(&ev.ID, &ev.OccurrenceID, &ev.TS, &ev.PrevState, &ev.NewState,
		&ev.Severity, &ev.Message, &ev.Value, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alarm event %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ev.Meta); err != nil {
			return nil, err
		}
	}
	return &ev, nil
}

// FindOccurrence loads the occurrence for a (source, key) pair.
func (p *Postgres) FindOccurrence(ctx context.Context, source model.AlarmSource, key string) (*model.AlarmOccurrence, error) {
	row := p.db.QueryRowContext(ctx, selectOccurrence+` WHERE source = $1 AND key = $2`, source, key)
	occ, err := scanOccurrence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alarm occurrence %s/%s: %w", source, key, ErrNotFound)
	}
	return occ, err
}

// ListActiveOccurrences returns the active alarm board, most recent first.
func (p *Postgres) ListActiveOccurrences(ctx context.Context) ([]*model.AlarmOccurrence, error) {
	rows, err := p.db.QueryContext(ctx, selectOccurrence+` WHERE is_active ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.AlarmOccurrence
	for rows.Next() {
		occ, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, occ)
	}
	return out, rows.Err()
}

// QueryAlarmEvents returns alarm history, newest first.
func (p *Postgres) QueryAlarmEvents(ctx context.Context, f model.AlarmEventFilter) ([]*model.AlarmEvent, error) {
	query := `SELECT e.id, e.occurrence_id, e.ts, e.prev_state, e.new_state, e.severity, e.message, e.value, e.meta
		FROM alarm_event e JOIN alarm_occurrence o ON o.id = e.occurrence_id WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Source != "" {
		query += ` AND o.source = ` + arg(f.Source)
	}
	if f.OccurrenceID != 0 {
		query += ` AND e.occurrence_id = ` + arg(f.OccurrenceID)
	}
	if f.State != "" {
		query += ` AND e.new_state = ` + arg(f.State)
	}
	if f.Since != nil {
		query += ` AND e.ts >= ` + arg(*f.Since)
	}
	if f.Until != nil {
		query += ` AND e.ts <= ` + arg(*f.Until)
	}
	query += ` ORDER BY e.ts DESC, e.id DESC`
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query += ` LIMIT ` + arg(limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.AlarmEvent
	for rows.Next() {
		var ev model.AlarmEvent
		var meta []byte
		if err := rows.Scan(&ev.ID, &ev.OccurrenceID, &ev.TS, &ev.PrevState, &ev.NewState,
			&ev.Severity, &ev.Message, &ev.Value, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Meta); err != nil {
				return nil, err
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// CreateAlarmRule inserts a validated rule and assigns its id.
func (p *Postgres) CreateAlarmRule(ctx context.Context, r *model.AlarmRule) error {
	var start, end, tz *string
	if r.Schedule != nil {
		start, end, tz = &r.Schedule.StartTime, &r.Schedule.EndTime, &r.Schedule.Timezone
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO alarm_rule (datapoint_id, source, external_id, enabled, severity, comparison,
			warning_enabled, warning_threshold, warning_low, warning_high,
			alarm_threshold, alarm_low, alarm_high,
			schedule_start, schedule_end, schedule_tz)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16) RETURNING id`,
		r.DataPointID, r.Source, r.ExternalID, r.Enabled, r.Severity, r.Comparison,
		r.WarningEnabled, r.WarningThreshold, r.WarningLow, r.WarningHigh,
		r.AlarmThreshold, r.AlarmLow, r.AlarmHigh,
		start, end, tz).Scan(&r.ID)
}

// LoadAlarmRules returns every enabled rule keyed by datapoint id.
func (p *Postgres) LoadAlarmRules(ctx context.Context) (map[int64][]*model.AlarmRule, error) {
	rows, err := p.db.QueryContext(ctx, selectAlarmRule+` WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int64][]*model.AlarmRule{}
	for rows.Next() {
		r, err := scanAlarmRule(rows)
		if err != nil {
			return nil, err
		}
		out[r.DataPointID] = append(out[r.DataPointID], r)
	}
	return out, rows.Err()
}

// RulesForDatapoint returns all rules bound to one datapoint, enabled or not.
func (p *Postgres) RulesForDatapoint(ctx context.Context, dpID int64) ([]*model.AlarmRule, error) {
	rows, err := p.db.QueryContext(ctx, selectAlarmRule+` WHERE datapoint_id = $1 ORDER BY id`, dpID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.AlarmRule
	for rows.Next() {
		r, err := scanAlarmRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ----------------------------------------------------------------------------
// row helpers

const selectOccurrence = `SELECT id, source, key, state, severity, message, value,
	warning_threshold, alarm_threshold, first_seen, last_seen, cleared_at, is_active,
	acknowledged, acknowledged_at, acknowledged_by, meta
	FROM alarm_occurrence`

func scanOccurrence(row rowScanner) (*model.AlarmOccurrence, error) {
	var occ model.AlarmOccurrence
	var meta []byte
	err := row.Scan(&occ.ID, &occ.Source, &occ.Key, &occ.State, &occ.Severity, &occ.Message,
		&occ.Value, &occ.WarningThreshold, &occ.AlarmThreshold,
		&occ.FirstSeen, &occ.LastSeen, &occ.ClearedAt, &occ.IsActive,
		&occ.Acknowledged, &occ.AcknowledgedAt, &occ.AcknowledgedBy, &meta)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &occ.Meta); err != nil {
			return nil, err
		}
	}
	return &occ, nil
}

const selectAlarmRule = `SELECT id, datapoint_id, source, external_id, enabled, severity, comparison,
	warning_enabled, warning_threshold, warning_low, warning_high,
	alarm_threshold, alarm_low, alarm_high,
	schedule_start, schedule_end, schedule_tz
	FROM alarm_rule`

func scanAlarmRule(row rowScanner) (*model.AlarmRule, error) {
	var r model.AlarmRule
	var start, end, tz *string
	err := row.Scan(&r.ID, &r.DataPointID, &r.Source, &r.ExternalID, &r.Enabled, &r.Severity, &r.Comparison,
		&r.WarningEnabled, &r.WarningThreshold, &r.WarningLow, &r.WarningHigh,
		&r.AlarmThreshold, &r.AlarmLow, &r.AlarmHigh,
		&start, &end, &tz)
	if err != nil {
		return nil, err
	}
	if tz != nil {
		r.Schedule = &model.AlarmSchedule{Timezone: *tz}
		if start != nil {
			r.Schedule.StartTime = *start
		}
		if end != nil {
			r.Schedule.EndTime = *end
		}
	}
	return &r, nil
}
