package store

import (
	"context"
	"database/sql"
	"time"
)

// Driver is the backend contract. Implementations live under store/db
// and must provide the atomic claim primitive: for any set of
// concurrent ClaimNextTask calls, at most one caller observes a given
// task row.
type Driver interface {
	GetDB() *sql.DB
	Migrate(ctx context.Context) error
	Close() error

	// Tasks.
	CreateTask(ctx context.Context, create *Task) (*Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	FindTasks(ctx context.Context, find *FindTask) ([]*Task, error)
	UpdateTask(ctx context.Context, update *UpdateTask) (*Task, error)

	// ClaimNextTask atomically selects the oldest highest-priority
	// queued task assigned to machineID (or unassigned), marks it
	// claimed, stamps the worker id and started_at, and returns it.
	// A nil task with nil error means nothing was claimable.
	ClaimNextTask(ctx context.Context, workerID, machineID string) (*Task, error)

	// FailStaleTasks fails every claimed/running task whose started_at
	// heartbeat is older than cutoff.
	FailStaleTasks(ctx context.Context, cutoff time.Time, message string) (int64, error)

	// Machines.
	UpsertMachine(ctx context.Context, upsert *Machine) (*Machine, error)
	GetMachine(ctx context.Context, id string) (*Machine, error)
	ListMachines(ctx context.Context) ([]*Machine, error)
	HeartbeatMachine(ctx context.Context, id string, activeTasks int, at time.Time) error
	MarkStaleMachinesOffline(ctx context.Context, cutoff time.Time) (int64, error)

	// Topics.
	UpsertTopic(ctx context.Context, upsert *TopicRecord) error
	GetTopic(ctx context.Context, threadID int64) (*TopicRecord, error)
	ListTopics(ctx context.Context, status TopicStatus) ([]*TopicRecord, error)
}
