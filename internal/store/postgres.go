// Package store persists the configuration tree, grants, commands and alarms.
// Postgres (lib/pq) backs production; Memory backs development and tests.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// Postgres is the production store.
type Postgres struct {
	db     *sql.DB
	logger *log.Logger
}

// OpenPostgres connects with a lib/pq connection string. The connection pool
// is sized by maxOpen; a ping verifies reachability.
func OpenPostgres(url string, maxOpen int) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Postgres{
		db:     db,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// EnsureSchema creates the gateway tables when they do not exist yet. The
// CMMS tables live elsewhere and are not managed here.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cfg_plc (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			address TEXT NOT NULL,
			port INT NOT NULL DEFAULT 502
		)`,
		`CREATE TABLE IF NOT EXISTS cfg_container (
			id BIGSERIAL PRIMARY KEY,
			plc_id BIGINT NOT NULL REFERENCES cfg_plc(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			UNIQUE (plc_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS cfg_equipment (
			id BIGSERIAL PRIMARY KEY,
			container_id BIGINT NOT NULL REFERENCES cfg_container(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			UNIQUE (container_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS cfg_data_point (
			id BIGSERIAL PRIMARY KEY,
			owner_kind TEXT NOT NULL,
			owner_id BIGINT NOT NULL,
			label TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL,
			type TEXT NOT NULL,
			address INT NOT NULL,
			multiplier DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			grp TEXT NOT NULL DEFAULT '',
			class TEXT NOT NULL DEFAULT '',
			unit TEXT NOT NULL DEFAULT '',
			raw_zero DOUBLE PRECISION,
			raw_full DOUBLE PRECISION,
			eng_zero DOUBLE PRECISION,
			eng_full DOUBLE PRECISION,
			UNIQUE (owner_kind, owner_id, label)
		)`,
		`CREATE TABLE IF NOT EXISTS cfg_data_point_bit (
			id BIGSERIAL PRIMARY KEY,
			data_point_id BIGINT NOT NULL REFERENCES cfg_data_point(id) ON DELETE CASCADE,
			bit INT NOT NULL CHECK (bit BETWEEN 0 AND 15),
			label TEXT NOT NULL,
			UNIQUE (data_point_id, label),
			UNIQUE (data_point_id, bit)
		)`,
		`CREATE TABLE IF NOT EXISTS access_grant (
			id BIGSERIAL PRIMARY KEY,
			role_id BIGINT,
			user_id BIGINT,
			resource_type TEXT NOT NULL,
			resource_id BIGINT NOT NULL,
			level TEXT NOT NULL,
			include_descendants BOOLEAN NOT NULL DEFAULT FALSE,
			CHECK ((role_id IS NULL) <> (user_id IS NULL)),
			UNIQUE (role_id, user_id, resource_type, resource_id)
		)`,
		`CREATE TABLE IF NOT EXISTS command (
			command_id TEXT PRIMARY KEY,
			plc_name TEXT NOT NULL,
			datapoint_ref TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			user_id BIGINT,
			username TEXT NOT NULL DEFAULT '',
			client_ip TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS command_event (
			id BIGSERIAL PRIMARY KEY,
			command_id TEXT NOT NULL REFERENCES command(command_id) ON DELETE CASCADE,
			ts TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			meta JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS alarm_rule (
			id BIGSERIAL PRIMARY KEY,
			datapoint_id BIGINT NOT NULL REFERENCES cfg_data_point(id) ON DELETE CASCADE,
			source TEXT NOT NULL,
			external_id TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			severity TEXT NOT NULL DEFAULT 'warning',
			comparison TEXT NOT NULL,
			warning_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			warning_threshold DOUBLE PRECISION,
			warning_low DOUBLE PRECISION,
			warning_high DOUBLE PRECISION,
			alarm_threshold DOUBLE PRECISION,
			alarm_low DOUBLE PRECISION,
			alarm_high DOUBLE PRECISION,
			schedule_start TEXT,
			schedule_end TEXT,
			schedule_tz TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS alarm_occurrence (
			id BIGSERIAL PRIMARY KEY,
			source TEXT NOT NULL,
			key TEXT NOT NULL,
			state TEXT NOT NULL,
			severity TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			value DOUBLE PRECISION,
			warning_threshold DOUBLE PRECISION,
			alarm_threshold DOUBLE PRECISION,
			first_seen TIMESTAMPTZ NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL,
			cleared_at TIMESTAMPTZ,
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
			acknowledged_at TIMESTAMPTZ,
			acknowledged_by BIGINT,
			meta JSONB,
			UNIQUE (source, key)
		)`,
		`CREATE TABLE IF NOT EXISTS alarm_event (
			id BIGSERIAL PRIMARY KEY,
			occurrence_id BIGINT NOT NULL REFERENCES alarm_occurrence(id) ON DELETE CASCADE,
			ts TIMESTAMPTZ NOT NULL,
			prev_state TEXT NOT NULL,
			new_state TEXT NOT NULL,
			severity TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			value DOUBLE PRECISION,
			meta JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_command_event_cmd ON command_event(command_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_alarm_event_occ ON alarm_event(occurrence_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_alarm_occurrence_active ON alarm_occurrence(is_active)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
