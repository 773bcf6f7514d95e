package store_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/codefleet/store"
	"github.com/hrygo/codefleet/store/db/sqlite"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	driver, err := sqlite.NewDB(filepath.Join(t.TempDir(), "codefleet_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { driver.Close() })
	require.NoError(t, driver.Migrate(context.Background()))
	return store.New(driver)
}

func newTask(t *testing.T, s *store.Store, mutate func(*store.Task)) *store.Task {
	t.Helper()
	task := &store.Task{
		ID:          uuid.NewString(),
		Description: "add retry logic to the fetcher",
		Project:     "codefleet",
	}
	if mutate != nil {
		mutate(task)
	}
	created, err := s.CreateTask(context.Background(), task)
	require.NoError(t, err)
	return created
}

func TestCreateTaskDefaults(t *testing.T) {
	s := testStore(t)

	task := newTask(t, s, nil)
	assert.Equal(t, store.TaskQueued, task.Status)
	assert.False(t, task.CreatedAt.IsZero())
	assert.Nil(t, task.StartedAt)

	_, err := s.CreateTask(context.Background(), &store.Task{ID: uuid.NewString()})
	require.Error(t, err)
}

func TestGetTaskByPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	task := newTask(t, s, nil)

	got, err := s.GetTaskByPrefix(ctx, task.ID[:8])
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)

	_, err = s.GetTaskByPrefix(ctx, task.ID[:3])
	require.Error(t, err, "prefixes under 4 chars must be rejected")

	_, err = s.GetTaskByPrefix(ctx, "ab%d")
	require.Error(t, err, "wildcard characters must be rejected")

	_, err = s.GetTaskByPrefix(ctx, "ffffffff")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestUpdateTaskTransitionLegality(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	task := newTask(t, s, nil)

	setStatus := func(id string, status store.TaskStatus) (*store.Task, error) {
		return s.UpdateTask(ctx, &store.UpdateTask{ID: id, Status: &status})
	}

	// queued cannot jump straight to running.
	_, err := setStatus(task.ID, store.TaskRunning)
	assert.ErrorIs(t, err, store.ErrIllegalTransition)

	_, err = setStatus(task.ID, store.TaskClaimed)
	require.NoError(t, err)
	_, err = setStatus(task.ID, store.TaskRunning)
	require.NoError(t, err)
	_, err = setStatus(task.ID, store.TaskWaitingInput)
	require.NoError(t, err)
	_, err = setStatus(task.ID, store.TaskRunning)
	require.NoError(t, err)

	done, err := setStatus(task.ID, store.TaskCompleted)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt, "terminal status must stamp completed_at")

	// Terminal rows never move again, not even to cancelled.
	_, err = setStatus(task.ID, store.TaskRunning)
	assert.ErrorIs(t, err, store.ErrIllegalTransition)
	_, err = s.CancelTask(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrIllegalTransition)
}

func TestCancelFromAnyNonTerminalState(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, status := range []store.TaskStatus{store.TaskQueued, store.TaskClaimed, store.TaskRunning, store.TaskWaitingInput} {
		task := newTask(t, s, func(task *store.Task) { task.Status = status })
		cancelled, err := s.CancelTask(ctx, task.ID)
		require.NoError(t, err, "cancel from %s", status)
		assert.Equal(t, store.TaskCancelled, cancelled.Status)
	}
}

func TestClaimNextTaskIsExclusive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	const tasks = 5
	for i := 0; i < tasks; i++ {
		newTask(t, s, nil)
	}

	var mu sync.Mutex
	claimed := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				task, err := s.ClaimNextTask(ctx, uuid.NewString(), "m1")
				if !assert.NoError(t, err) {
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				claimed[task.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, claimed, tasks)
	for id, count := range claimed {
		assert.Equal(t, 1, count, "task %s claimed more than once", id)
	}
}

func TestClaimRespectsAssignmentAndOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	other := newTask(t, s, func(task *store.Task) { task.AssignedMachine = "m2" })
	older := newTask(t, s, func(task *store.Task) { task.CreatedAt = time.Now().Add(-time.Hour) })
	newTask(t, s, nil)
	urgent := newTask(t, s, func(task *store.Task) { task.Priority = 5 })

	first, err := s.ClaimNextTask(ctx, "w1", "m1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, urgent.ID, first.ID, "highest priority wins")
	assert.Equal(t, store.TaskClaimed, first.Status)
	assert.Equal(t, "m1", first.AssignedMachine)
	assert.NotNil(t, first.StartedAt)

	second, err := s.ClaimNextTask(ctx, "w1", "m1")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, older.ID, second.ID, "then oldest created")

	// The task pinned to m2 is invisible to m1.
	s.ClaimNextTask(ctx, "w1", "m1")
	left, err := s.ClaimNextTask(ctx, "w1", "m1")
	require.NoError(t, err)
	assert.Nil(t, left)

	got, err := s.ClaimNextTask(ctx, "w2", "m2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, other.ID, got.ID)
}

func TestFailStaleTasks(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	stale := newTask(t, s, func(task *store.Task) { task.Status = store.TaskRunning })
	old := time.Now().Add(-store.StaleTaskAfter - time.Minute)
	_, err := s.GetDriver().UpdateTask(ctx, &store.UpdateTask{ID: stale.ID, StartedAt: &old})
	require.NoError(t, err)

	fresh := newTask(t, s, func(task *store.Task) { task.Status = store.TaskRunning })
	require.NoError(t, s.HeartbeatTask(ctx, fresh.ID))
	queued := newTask(t, s, nil)

	swept, err := s.FailStaleTasks(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, swept)

	got, err := s.GetTask(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, got.Status)
	assert.Equal(t, store.CrashedMessage, got.ErrorMessage)

	got, err = s.GetTask(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskRunning, got.Status)

	got, err = s.GetTask(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskQueued, got.Status, "queued tasks are never swept")
}

func TestFailStaleTasksSweepsAbandonedWaitingInput(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// A waiting_input row whose executor died mid-wait: the heartbeat
	// stopped, so the sweeper must reclaim it like any other orphan.
	waiting := newTask(t, s, func(task *store.Task) { task.Status = store.TaskWaitingInput })
	old := time.Now().Add(-store.StaleTaskAfter - time.Minute)
	_, err := s.GetDriver().UpdateTask(ctx, &store.UpdateTask{ID: waiting.ID, StartedAt: &old})
	require.NoError(t, err)

	// A waiting_input row with a live heartbeat stays parked.
	parked := newTask(t, s, func(task *store.Task) { task.Status = store.TaskWaitingInput })
	require.NoError(t, s.HeartbeatTask(ctx, parked.ID))

	swept, err := s.FailStaleTasks(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, swept)

	got, err := s.GetTask(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, got.Status)
	assert.Equal(t, store.CrashedMessage, got.ErrorMessage)

	got, err = s.GetTask(ctx, parked.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskWaitingInput, got.Status)
}

func TestMachineLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	machine, err := s.UpsertMachine(ctx, &store.Machine{
		ID:       "mac-mini",
		Name:     "Mac Mini",
		Projects: []string{"codefleet", "divinesense"},
		OS:       "darwin",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, machine.MaxConcurrent, "max_concurrent defaults to 1")
	assert.Equal(t, store.MachineOnline, machine.Status)
	assert.True(t, machine.KnowsProject("CodeFleet"))
	assert.False(t, machine.KnowsProject("other"))

	require.NoError(t, s.HeartbeatMachine(ctx, "mac-mini", 2))
	machine, err = s.GetMachine(ctx, "mac-mini")
	require.NoError(t, err)
	assert.Equal(t, store.MachineBusy, machine.Status)
	assert.Equal(t, 2, machine.ActiveTasks)
	assert.Equal(t, 0, machine.FreeSlots())

	// Age the heartbeat past the stale window and sweep.
	_, err = s.GetDB().ExecContext(ctx,
		`UPDATE machine SET last_heartbeat_ts = ? WHERE id = ?`,
		time.Now().Add(-3*time.Minute).Unix(), "mac-mini")
	require.NoError(t, err)

	swept, err := s.MarkStaleMachinesOffline(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, swept)

	machine, err = s.GetMachine(ctx, "mac-mini")
	require.NoError(t, err)
	assert.Equal(t, store.MachineOffline, machine.Status)
}

func TestDeriveStatus(t *testing.T) {
	now := time.Now()
	m := &store.Machine{LastHeartbeat: now.Add(-10 * time.Second)}
	assert.Equal(t, store.MachineOnline, m.DeriveStatus(now))
	m.ActiveTasks = 1
	assert.Equal(t, store.MachineBusy, m.DeriveStatus(now))
	m.LastHeartbeat = now.Add(-90 * time.Second)
	assert.Equal(t, store.MachineOffline, m.DeriveStatus(now))
}

func TestTopics(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertTopic(ctx, &store.TopicRecord{ThreadID: 42, Status: store.TopicActive, TaskID: "t1"}))
	require.NoError(t, s.UpsertTopic(ctx, &store.TopicRecord{ThreadID: 43, Status: store.TopicClosed}))

	topic, err := s.GetTopic(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "t1", topic.TaskID)

	missing, err := s.GetTopic(ctx, 99)
	require.NoError(t, err)
	assert.Nil(t, missing)

	active, err := s.ListTopics(ctx, store.TopicActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.EqualValues(t, 42, active[0].ThreadID)

	// Re-upsert flips the status in place.
	require.NoError(t, s.UpsertTopic(ctx, &store.TopicRecord{ThreadID: 42, Status: store.TopicDeleted, TaskID: "t1"}))
	topic, err = s.GetTopic(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, store.TopicDeleted, topic.Status)
}
