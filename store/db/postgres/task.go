package postgres

import (
	"context"
	"database/sql"
	"fmt"
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
		RETURNING ` + taskColumns
	row := d.db.QueryRowContext(ctx, stmt,
		create.ID, create.Description, create.Project, create.RepoURL,
		create.SourceBranch, create.TargetBranch, string(create.Status),
		create.Priority, create.ModelHint, create.BudgetUSD,
		create.OrchestratorID, create.AssignedMachine, create.WorkspacePath,
		create.ThreadID, create.CreatedAt.Unix(),
		unixPtr(create.StartedAt), unixPtr(create.CompletedAt), unixPtr(create.NotifiedAt),
		create.ErrorMessage, create.ResultSummary, marshalList(create.FilesChanged),
		create.PRURL, create.SessionID, create.ResultJSON,
	)
	task, err := scanTask(row)
	if err != nil {
		return nil, errors.Wrap(err, "insert task")
	}
	return task, nil
}

func (d *DB) GetTask(ctx context.Context, id string) (*store.Task, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

func (d *DB) FindTasks(ctx context.Context, find *store.FindTask) ([]*store.Task, error) {
	where, args := []string{"TRUE"}, []any{}
	next := func() string { return fmt.Sprintf("$%d", len(args)) }
	if find.ID != nil {
		args = append(args, *find.ID)
		where = append(where, "id = "+next())
	}
	if find.IDPrefix != nil {
		args = append(args, *find.IDPrefix+"%")
		where = append(where, "id LIKE "+next())
	}
	if len(find.Statuses) > 0 {
		marks := make([]string, len(find.Statuses))
		for i, s := range find.Statuses {
			args = append(args, string(s))
			marks[i] = next()
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if find.Project != nil {
		args = append(args, *find.Project)
		where = append(where, "project = "+next())
	}
	if find.AssignedMachine != nil {
		args = append(args, *find.AssignedMachine)
		where = append(where, "assigned_machine = "+next())
	}
	if find.ThreadID != nil {
		args = append(args, *find.ThreadID)
		where = append(where, "thread_id = "+next())
	}

	order := "created_ts ASC"
	if find.OrderDesc {
		order = "created_ts DESC"
	}
	stmt := `SELECT ` + taskColumns + ` FROM task WHERE ` + strings.Join(where, " AND ") + ` ORDER BY ` + order
	if find.Limit > 0 {
		args = append(args, find.Limit)
		stmt += " LIMIT " + next()
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
	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if v := update.Status; v != nil {
		add("status", string(*v))
	}
	if v := update.Description; v != nil {
		add("description", *v)
	}
	if v := update.RepoURL; v != nil {
		add("repo_url", *v)
	}
	if v := update.ModelHint; v != nil {
		add("model_hint", *v)
	}
	if v := update.OrchestratorID; v != nil {
		add("orchestrator_id", *v)
	}
	if v := update.AssignedMachine; v != nil {
		add("assigned_machine", *v)
	}
	if v := update.WorkspacePath; v != nil {
		add("workspace_path", *v)
	}
	if v := update.ThreadID; v != nil {
		add("thread_id", *v)
	}
	if v := update.StartedAt; v != nil {
		add("started_ts", v.Unix())
	}
	if v := update.CompletedAt; v != nil {
		add("completed_ts", v.Unix())
	}
	if v := update.NotifiedAt; v != nil {
		add("notified_ts", v.Unix())
	}
	if v := update.ErrorMessage; v != nil {
		add("error_message", *v)
	}
	if v := update.ResultSummary; v != nil {
		add("result_summary", *v)
	}
	if update.FilesChanged != nil {
		add("files_changed", marshalList(update.FilesChanged))
	}
	if v := update.PRURL; v != nil {
		add("pr_url", *v)
	}
	if v := update.SessionID; v != nil {
		add("session_id", *v)
	}
	if v := update.ResultJSON; v != nil {
		add("result_json", *v)
	}
	if len(set) == 0 {
		return d.GetTask(ctx, update.ID)
	}

	args = append(args, update.ID)
	stmt := fmt.Sprintf(`UPDATE task SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(set, ", "), len(args), taskColumns)
	row := d.db.QueryRowContext(ctx, stmt, args...)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "update task")
	}
	return task, nil
}

// ClaimNextTask picks the oldest highest-priority claimable row with
// SKIP LOCKED, so concurrent claimants each get a distinct task or
// nothing, never the same row and never a lock wait.
func (d *DB) ClaimNextTask(ctx context.Context, workerID, machineID string) (*store.Task, error) {
	row := d.db.QueryRowContext(ctx, `
		UPDATE task
		SET status = 'claimed', orchestrator_id = $1, assigned_machine = $2, started_ts = $3
		WHERE id = (
			SELECT id FROM task
			WHERE status = 'queued' AND (assigned_machine = '' OR assigned_machine = $2)
			ORDER BY priority DESC, created_ts ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		workerID, machineID, time.Now().Unix())
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "claim task")
	}
	return task, nil
}

func (d *DB) FailStaleTasks(ctx context.Context, cutoff time.Time, message string) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE task
		SET status = 'failed', error_message = $1, completed_ts = $2
		WHERE status IN ('claimed', 'running', 'waiting_input')
		  AND COALESCE(started_ts, created_ts) < $3`,
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
