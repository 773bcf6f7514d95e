package postgres

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/hrygo/codefleet/store"
)

func (d *DB) UpsertTopic(ctx context.Context, upsert *store.TopicRecord) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO topic (thread_id, status, task_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (thread_id) DO UPDATE SET
			status = EXCLUDED.status,
			task_id = EXCLUDED.task_id`,
		upsert.ThreadID, string(upsert.Status), upsert.TaskID)
	return errors.Wrap(err, "upsert topic")
}

func (d *DB) GetTopic(ctx context.Context, threadID int64) (*store.TopicRecord, error) {
	var topic store.TopicRecord
	var status string
	err := d.db.QueryRowContext(ctx,
		`SELECT thread_id, status, task_id FROM topic WHERE thread_id = $1`, threadID).
		Scan(&topic.ThreadID, &status, &topic.TaskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get topic")
	}
	topic.Status = store.TopicStatus(status)
	return &topic, nil
}

func (d *DB) ListTopics(ctx context.Context, status store.TopicStatus) ([]*store.TopicRecord, error) {
	stmt := `SELECT thread_id, status, task_id FROM topic`
	args := []any{}
	if status != "" {
		stmt += ` WHERE status = $1`
		args = append(args, string(status))
	}
	rows, err := d.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list topics")
	}
	defer rows.Close()

	var topics []*store.TopicRecord
	for rows.Next() {
		var topic store.TopicRecord
		var s string
		if err := rows.Scan(&topic.ThreadID, &s, &topic.TaskID); err != nil {
			return nil, err
		}
		topic.Status = store.TopicStatus(s)
		topics = append(topics, &topic)
	}
	return topics, rows.Err()
}
