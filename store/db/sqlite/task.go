package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/codefleet/store"
)

const taskColumns = `id, description, project, repo_url, source_branch, target_branch,
	status, priority, model_hint, budget_usd, orchestrator_id, assigned_machine,
	workspace_path, thread_id, created_ts, started_ts, completed_ts, notified_ts,
	error_message, result_summary, files_changed, pr_url, session_id, result_json`

func (d *DB) CreateTask(ctx context.Context, create *store.Task) (*store.Task, error) {
	stmt := `
		INSERT INTO task (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := d.db.ExecContext(ctx, stmt,
		create.ID, create.Description, create.Project, create.RepoURL,
		create.SourceBranch, create.TargetBranch, string(create.Status),
		create.Priority, create.ModelHint, create.BudgetUSD,
		create.OrchestratorID, create.AssignedMachine, create.WorkspacePath,
		create.ThreadID, create.CreatedAt.Unix(),
		unixPtr(create.StartedAt), unixPtr(create.CompletedAt), unixPtr(create.NotifiedAt),
		create.ErrorMessage, create.ResultSummary, marshalList(create.FilesChanged),
		create.PRURL, create.SessionID, create.ResultJSON,
	)
	if err != nil {
		return nil, errors.Wrap(err, "insert task")
	}
	return d.GetTask(ctx, create.ID)
}

func (d *DB) GetTask(ctx context.Context, id string) (*store.Task, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

func (d *DB) FindTasks(ctx context.Context, find *store.FindTask) ([]*store.Task, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.IDPrefix != nil {
		where, args = append(where, "id LIKE ?"), append(args, *find.IDPrefix+"%")
	}
	if len(find.Statuses) > 0 {
		marks := make([]string, len(find.Statuses))
		for i, s := range find.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if find.Project != nil {
		where, args = append(where, "project = ?"), append(args, *find.Project)
	}
	if find.AssignedMachine != nil {
		where, args = append(where, "assigned_machine = ?"), append(args, *find.AssignedMachine)
	}
	if find.ThreadID != nil {
		where, args = append(where, "thread_id = ?"), append(args, *find.ThreadID)
	}

	order := "created_ts ASC"
	if find.OrderDesc {
		order = "created_ts DESC"
	}
	stmt := `SELECT ` + taskColumns + ` FROM task WHERE ` + strings.Join(where, " AND ") + ` ORDER BY ` + order
	if find.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrap(err, "find tasks")
	}
	defer rows.Close()

	var tasks []*store.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (d *DB) UpdateTask(ctx context.Context, update *store.UpdateTask) (*store.Task, error) {
	set, args := []string{}, []any{}
	if v := update.Status; v != nil {
		set, args = append(set, "status = ?"), append(args, string(*v))
	}
	if v := update.Description; v != nil {
		set, args = append(set, "description = ?"), append(args, *v)
	}
	if v := update.RepoURL; v != nil {
		set, args = append(set, "repo_url = ?"), append(args, *v)
	}
	if v := update.ModelHint; v != nil {
		set, args = append(set, "model_hint = ?"), append(args, *v)
	}
	if v := update.OrchestratorID; v != nil {
		set, args = append(set, "orchestrator_id = ?"), append(args, *v)
	}
	if v := update.AssignedMachine; v != nil {
		set, args = append(set, "assigned_machine = ?"), append(args, *v)
	}
	if v := update.WorkspacePath; v != nil {
		set, args = append(set, "workspace_path = ?"), append(args, *v)
	}
	if v := update.ThreadID; v != nil {
		set, args = append(set, "thread_id = ?"), append(args, *v)
	}
	if v := update.StartedAt; v != nil {
		set, args = append(set, "started_ts = ?"), append(args, v.Unix())
	}
	if v := update.CompletedAt; v != nil {
		set, args = append(set, "completed_ts = ?"), append(args, v.Unix())
	}
	if v := update.NotifiedAt; v != nil {
		set, args = append(set, "notified_ts = ?"), append(args, v.Unix())
	}
	if v := update.ErrorMessage; v != nil {
		set, args = append(set, "error_message = ?"), append(args, *v)
	}
	if v := update.ResultSummary; v != nil {
		set, args = append(set, "result_summary = ?"), append(args, *v)
	}
	if update.FilesChanged != nil {
		set, args = append(set, "files_changed = ?"), append(args, marshalList(update.FilesChanged))
	}
	if v := update.PRURL; v != nil {
		set, args = append(set, "pr_url = ?"), append(args, *v)
	}
	if v := update.SessionID; v != nil {
		set, args = append(set, "session_id = ?"), append(args, *v)
	}
	if v := update.ResultJSON; v != nil {
		set, args = append(set, "result_json = ?"), append(args, *v)
	}
	if len(set) == 0 {
		return d.GetTask(ctx, update.ID)
	}

	args = append(args, update.ID)
	stmt := `UPDATE task SET ` + strings.Join(set, ", ") + ` WHERE id = ?`
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, errors.Wrap(err, "update task")
	}
	return d.GetTask(ctx, update.ID)
}

// ClaimNextTask serializes claimants with an immediate transaction and
// re-checks the status in the UPDATE guard, so at most one caller wins
// a given row even across processes.
func (d *DB) ClaimNextTask(ctx context.Context, workerID, machineID string) (*store.Task, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin claim tx")
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM task
		WHERE status = 'queued' AND (assigned_machine = '' OR assigned_machine = ?)
		ORDER BY priority DESC, created_ts ASC
		LIMIT 1`, machineID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select claimable task")
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE task
		SET status = 'claimed', orchestrator_id = ?, assigned_machine = ?, started_ts = ?
		WHERE id = ? AND status = 'queued'`,
		workerID, machineID, time.Now().Unix(), id)
	if err != nil {
		return nil, errors.Wrap(err, "claim task")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Lost the race; the caller retries on the next poll tick.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit claim tx")
	}
	return d.GetTask(ctx, id)
}

func (d *DB) FailStaleTasks(ctx context.Context, cutoff time.Time, message string) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE task
		SET status = 'failed', error_message = ?, completed_ts = ?
		WHERE status IN ('claimed', 'running', 'waiting_input')
		  AND COALESCE(started_ts, created_ts) < ?`,
		message, time.Now().Unix(), cutoff.Unix())
	if err != nil {
		return 0, errors.Wrap(err, "fail stale tasks")
	}
	return res.RowsAffected()
}

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func scanTask(row interface{ Scan(...any) error }) (*store.Task, error) {
	var task store.Task
	var status, filesChanged string
	var createdTs int64
	var startedTs, completedTs, notifiedTs sql.NullInt64
	err := row.Scan(
		&task.ID, &task.Description, &task.Project, &task.RepoURL,
		&task.SourceBranch, &task.TargetBranch, &status, &task.Priority,
		&task.ModelHint, &task.BudgetUSD, &task.OrchestratorID,
		&task.AssignedMachine, &task.WorkspacePath, &task.ThreadID,
		&createdTs, &startedTs, &completedTs, &notifiedTs,
		&task.ErrorMessage, &task.ResultSummary, &filesChanged,
		&task.PRURL, &task.SessionID, &task.ResultJSON,
	)
	if err != nil {
		return nil, err
	}
	task.Status = store.TaskStatus(status)
	task.FilesChanged = unmarshalList(filesChanged)
	task.CreatedAt = time.Unix(createdTs, 0)
	task.StartedAt = timePtr(startedTs)
	task.CompletedAt = timePtr(completedTs)
	task.NotifiedAt = timePtr(notifiedTs)
	return &task, nil
}
