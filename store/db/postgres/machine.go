package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/codefleet/store"
)

const machineColumns = `id, name, projects, max_concurrent, active_tasks, os,
	engine_priority, health_url, last_heartbeat_ts, status`

func (d *DB) UpsertMachine(ctx context.Context, upsert *store.Machine) (*store.Machine, error) {
	stmt := `
		INSERT INTO machine (` + machineColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			projects = EXCLUDED.projects,
			max_concurrent = EXCLUDED.max_concurrent,
			active_tasks = EXCLUDED.active_tasks,
			os = EXCLUDED.os,
			engine_priority = EXCLUDED.engine_priority,
			health_url = EXCLUDED.health_url,
			last_heartbeat_ts = EXCLUDED.last_heartbeat_ts,
			status = EXCLUDED.status
		RETURNING ` + machineColumns
	row := d.db.QueryRowContext(ctx, stmt,
		upsert.ID, upsert.Name, marshalList(upsert.Projects),
		upsert.MaxConcurrent, upsert.ActiveTasks, upsert.OS,
		marshalList(upsert.EnginePriority), upsert.HealthURL,
		upsert.LastHeartbeat.Unix(), string(upsert.Status),
	)
	machine, err := scanMachine(row)
	if err != nil {
		return nil, errors.Wrap(err, "upsert machine")
	}
	return machine, nil
}

func (d *DB) GetMachine(ctx context.Context, id string) (*store.Machine, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+machineColumns+` FROM machine WHERE id = $1`, id)
	machine, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return machine, err
}

func (d *DB) ListMachines(ctx context.Context) ([]*store.Machine, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+machineColumns+` FROM machine ORDER BY id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "list machines")
	}
	defer rows.Close()

	var machines []*store.Machine
	for rows.Next() {
		machine, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, machine)
	}
	return machines, rows.Err()
}

func (d *DB) HeartbeatMachine(ctx context.Context, id string, activeTasks int, at time.Time) error {
	status := store.MachineOnline
	if activeTasks > 0 {
		status = store.MachineBusy
	}
	_, err := d.db.ExecContext(ctx, `
		UPDATE machine
		SET active_tasks = $1, last_heartbeat_ts = $2, status = $3
		WHERE id = $4`,
		activeTasks, at.Unix(), string(status), id)
	return errors.Wrap(err, "heartbeat machine")
}

func (d *DB) MarkStaleMachinesOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE machine
		SET status = 'offline'
		WHERE status != 'offline' AND last_heartbeat_ts < $1`,
		cutoff.Unix())
	if err != nil {
		return 0, errors.Wrap(err, "mark stale machines offline")
	}
	return res.RowsAffected()
}

func scanMachine(row interface{ Scan(...any) error }) (*store.Machine, error) {
	var machine store.Machine
	var projects, enginePriority, status string
	var heartbeatTs int64
	err := row.Scan(
		&machine.ID, &machine.Name, &projects, &machine.MaxConcurrent,
		&machine.ActiveTasks, &machine.OS, &enginePriority,
		&machine.HealthURL, &heartbeatTs, &status,
	)
	if err != nil {
		return nil, err
	}
	machine.Projects = unmarshalList(projects)
	machine.EnginePriority = unmarshalList(enginePriority)
	machine.LastHeartbeat = time.Unix(heartbeatTs, 0)
	machine.Status = store.MachineStatus(status)
	return &machine, nil
}
