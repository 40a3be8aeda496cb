package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gridpoint/plantgateway/internal/model"
)

// InsertCommand persists a freshly validated command row.
func (p *Postgres) InsertCommand(ctx context.Context, cmd *model.Command) error {
	payload, err := json.Marshal(cmd.Payload)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO command (command_id, plc_name, datapoint_ref, kind, payload, status,
			attempts, error, created_at, updated_at, user_id, username, client_ip)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		cmd.CommandID, cmd.PLCName, cmd.DatapointRef, cmd.Kind, payload, cmd.Status,
		cmd.Attempts, cmd.Error, cmd.CreatedAt, cmd.UpdatedAt, cmd.UserID, cmd.Username, cmd.ClientIP)
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

// GetCommand loads one command row by its external id.
func (p *Postgres) GetCommand(ctx context.Context, commandID string) (*model.Command, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT command_id, plc_name, datapoint_ref, kind, payload, status,
			attempts, error, created_at, updated_at, user_id, username, client_ip
		FROM command WHERE command_id = $1`, commandID)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("command %s: %w", commandID, ErrNotFound)
	}
	return cmd, err
}

// UpdateCommand writes back status, attempts, error and updated_at.
func (p *Postgres) UpdateCommand(ctx context.Context, cmd *model.Command) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE command SET status=$2, attempts=$3, error=$4, updated_at=$5
		WHERE command_id=$1`,
		cmd.CommandID, cmd.Status, cmd.Attempts, cmd.Error, cmd.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("command %s: %w", cmd.CommandID, ErrNotFound)
	}
	return nil
}

// CompareAndSetStatus transitions a command's status only when it currently
// holds the expected one. The executor uses it so a cancel racing the worker
// resolves deterministically.
func (p *Postgres) CompareAndSetStatus(ctx context.Context, commandID string, from, to model.CommandStatus) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE command SET status=$3, updated_at=NOW()
		WHERE command_id=$1 AND status=$2`, commandID, from, to)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AppendCommandEvent appends one lifecycle event row.
func (p *Postgres) AppendCommandEvent(ctx context.Context, ev *model.CommandEvent) error {
	var meta []byte
	if ev.Meta != nil {
		var err error
		if meta, err = json.Marshal(ev.Meta); err != nil {
			return err
		}
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO command_event (command_id, ts, status, message, meta)
		VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		ev.CommandID, ev.TS, ev.Status, ev.Message, meta).Scan(&ev.ID)
}

// CommandEvents returns the ordered event timeline of one command.
func (p *Postgres) CommandEvents(ctx context.Context, commandID string) ([]*model.CommandEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, command_id, ts, status, message, meta FROM command_event
		WHERE command_id = $1 ORDER BY ts, id`, commandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommandEvents(rows)
}

// RecentCommandEvents returns the newest n events across all commands,
// oldest first. Used for the subscribe-time snapshot.
func (p *Postgres) RecentCommandEvents(ctx context.Context, n int) ([]*model.CommandEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, command_id, ts, status, message, meta FROM (
			SELECT * FROM command_event ORDER BY ts DESC, id DESC LIMIT $1
		) recent ORDER BY ts, id`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCommandEvents(rows)
}

// ListCommands applies the filter, newest first.
func (p *Postgres) ListCommands(ctx context.Context, f model.CommandFilter) ([]*model.Command, error) {
	query := `SELECT command_id, plc_name, datapoint_ref, kind, payload, status,
		attempts, error, created_at, updated_at, user_id, username, client_ip
		FROM command WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.PLCName != "" {
		query += ` AND plc_name = ` + arg(f.PLCName)
	}
	if f.Status != "" {
		query += ` AND status = ` + arg(f.Status)
	}
	if f.Since != nil {
		query += ` AND created_at >= ` + arg(*f.Since)
	}
	if f.Until != nil {
		query += ` AND created_at <= ` + arg(*f.Until)
	}
	query += ` ORDER BY created_at DESC`
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

// PendingCommands returns non-terminal commands oldest first, used to
// re-queue work after a restart.
func (p *Postgres) PendingCommands(ctx context.Context) ([]*model.Command, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT command_id, plc_name, datapoint_ref, kind, payload, status,
			attempts, error, created_at, updated_at, user_id, username, client_ip
		FROM command WHERE status IN ('queued','executing') ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

func scanCommand(row rowScanner) (*model.Command, error) {
	var cmd model.Command
	var payload []byte
	err := row.Scan(&cmd.CommandID, &cmd.PLCName, &cmd.DatapointRef, &cmd.Kind, &payload,
		&cmd.Status, &cmd.Attempts, &cmd.Error, &cmd.CreatedAt, &cmd.UpdatedAt,
		&cmd.UserID, &cmd.Username, &cmd.ClientIP)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &cmd.Payload); err != nil {
		return nil, fmt.Errorf("command %s payload: %w", cmd.CommandID, err)
	}
	return &cmd, nil
}

func scanCommandEvents(rows *sql.Rows) ([]*model.CommandEvent, error) {
	var out []*model.CommandEvent
	for rows.Next() {
		var ev model.CommandEvent
		var meta []byte
		if err := rows.Scan(&ev.ID, &ev.CommandID, &ev.TS, &ev.Status, &ev.Message, &meta); err != nil {
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
