// Package store provides the durable state layer: tasks, machines and
// chat topics, persisted behind a Driver so sqlite and postgres can
// back the same API.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrTaskNotFound is returned when no task matches an id or prefix.
	ErrTaskNotFound = errors.New("task not found")

	// ErrIllegalTransition is returned when an update would move a task
	// outside the lifecycle table.
	ErrIllegalTransition = errors.New("illegal task status transition")
)

// Store wraps a Driver with lifecycle validation and convenience
// queries. All orchestrator components talk to Store, never to the
// Driver directly.
type Store struct {
	driver Driver
}

func New(driver Driver) *Store {
	return &Store{driver: driver}
}

func (s *Store) GetDriver() Driver { return s.driver }
func (s *Store) GetDB() *sql.DB { return s.driver.GetDB() }
func (s *Store) Close() error { return s.driver.Close() }
func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

// CreateTask inserts a new queued task. Description is mandatory; the
// id and created timestamp are filled in when absent.
func (s *Store) CreateTask(ctx context.Context, create *Task) (*Task, error) {
	if create.Description == "" {
		return nil, errors.New("task description is required")
	}
	if create.Status == "" {
		create.Status = TaskQueued
	}
	if create.CreatedAt.IsZero() {
		create.CreatedAt = time.Now()
	}
	task, err := s.driver.CreateTask(ctx, create)
	if err != nil {
		return nil, errors.Wrapf(err, "create task")
	}
	return task, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	task, err := s.driver.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// GetTaskByPrefix resolves a short task id typed by a user. Prefixes
// shorter than MinPrefixLen or containing wildcards are rejected
// before touching the database.
func (s *Store) GetTaskByPrefix(ctx context.Context, prefix string) (*Task, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	tasks, err := s.driver.FindTasks(ctx, &FindTask{IDPrefix: &prefix, OrderDesc: true, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrTaskNotFound
	}
	return tasks[0], nil
}

func (s *Store) FindTasks(ctx context.Context, find *FindTask) ([]*Task, error) {
	return s.driver.FindTasks(ctx, find)
}

// UpdateTask applies a patch. A status change is checked against the
// lifecycle table first, and terminal statuses stamp completed_at if
// the patch did not.
func (s *Store) UpdateTask(ctx context.Context, update *UpdateTask) (*Task, error) {
	if update.Status != nil {
		current, err := s.GetTask(ctx, update.ID)
		if err != nil {
			return nil, err
		}
		if current.Status != *update.Status && !CanTransition(current.Status, *update.Status) {
			return nil, errors.Wrapf(ErrIllegalTransition, "%s -> %s", current.Status, *update.Status)
		}
		if update.Status.IsTerminal() && update.CompletedAt == nil {
			now := time.Now()
			update.CompletedAt = &now
		}
	}
	return s.driver.UpdateTask(ctx, update)
}

// ClaimNextTask hands the oldest claimable queued task to a worker.
// Returns (nil, nil) when the queue has nothing for this machine.
func (s *Store) ClaimNextTask(ctx context.Context, workerID, machineID string) (*Task, error) {
	return s.driver.ClaimNextTask(ctx, workerID, machineID)
}

// HeartbeatTask refreshes the liveness stamp of an in-flight task so
// the stale sweeper leaves it alone.
func (s *Store) HeartbeatTask(ctx context.Context, id string) error {
	now := time.Now()
	_, err := s.driver.UpdateTask(ctx, &UpdateTask{ID: id, StartedAt: &now})
	return err
}

// FailStaleTasks fails claimed, running and waiting_input tasks whose
// heartbeat is older than StaleTaskAfter. A live session heartbeats
// through its waiting turns, so only rows orphaned by a dead executor
// are swept. Returns how many rows were swept.
func (s *Store) FailStaleTasks(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-StaleTaskAfter)
	return s.driver.FailStaleTasks(ctx, cutoff, CrashedMessage)
}

// CancelTask moves a task to cancelled from any non-terminal state.
func (s *Store) CancelTask(ctx context.Context, id string) (*Task, error) {
	status := TaskCancelled
	return s.UpdateTask(ctx, &UpdateTask{ID: id, Status: &status})
}

// UpsertMachine registers or refreshes a machine row. MaxConcurrent
// defaults to 1 and the status is derived from the heartbeat.
func (s *Store) UpsertMachine(ctx context.Context, upsert *Machine) (*Machine, error) {
	if upsert.ID == "" {
		return nil, errors.New("machine id is required")
	}
	if upsert.MaxConcurrent <= 0 {
		upsert.MaxConcurrent = 1
	}
	if upsert.LastHeartbeat.IsZero() {
		upsert.LastHeartbeat = time.Now()
	}
	upsert.Status = upsert.DeriveStatus(time.Now())
	return s.driver.UpsertMachine(ctx, upsert)
}

func (s *Store) GetMachine(ctx context.Context, id string) (*Machine, error) {
	return s.driver.GetMachine(ctx, id)
}

func (s *Store) ListMachines(ctx context.Context) ([]*Machine, error) {
	return s.driver.ListMachines(ctx)
}

// HeartbeatMachine records one heartbeat tick with the current load.
func (s *Store) HeartbeatMachine(ctx context.Context, id string, activeTasks int) error {
	return s.driver.HeartbeatMachine(ctx, id, activeTasks, time.Now())
}

// MarkStaleMachinesOffline sweeps machines silent past HeartbeatStale.
func (s *Store) MarkStaleMachinesOffline(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-HeartbeatStale)
	return s.driver.MarkStaleMachinesOffline(ctx, cutoff)
}

func (s *Store) UpsertTopic(ctx context.Context, upsert *TopicRecord) error {
	return s.driver.UpsertTopic(ctx, upsert)
}

func (s *Store) GetTopic(ctx context.Context, threadID int64) (*TopicRecord, error) {
	return s.driver.GetTopic(ctx, threadID)
}

func (s *Store) ListTopics(ctx context.Context, status TopicStatus) ([]*TopicRecord, error) {
	return s.driver.ListTopics(ctx, status)
}
