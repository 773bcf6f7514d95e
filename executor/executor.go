// Package executor is the per-worker task loop: claim, prepare a
// workspace, drive a supervised session, then commit/push/PR and
// persist the outcome.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hrygo/codefleet/chat"
	"github.com/hrygo/codefleet/envsync"
	"github.com/hrygo/codefleet/fleet"
	"github.com/hrygo/codefleet/memory"
	"github.com/hrygo/codefleet/metrics"
	"github.com/hrygo/codefleet/session"
	"github.com/hrygo/codefleet/shell"
	"github.com/hrygo/codefleet/store"
)

const (
	// PollInterval is the claim loop tick.
	PollInterval = 5 * time.Second

	// TaskHeartbeatInterval refreshes started_at while a session runs so
	// the stale sweeper leaves the task alone.
	TaskHeartbeatInterval = 60 * time.Second

	// DefaultTaskTimeout bounds one task session turn.
	DefaultTaskTimeout = 30 * time.Minute

	// memoryTopK is how many memory hits enrich the prompt.
	memoryTopK = 3
)

// Config selects what this worker runs and where.
type Config struct {
	WorkerID      string
	Machines      []string // managed machine ids; also shell target ids
	MaxConcurrent int
	SessionMode   string
	DefaultEngine session.Engine
	TaskTimeout   time.Duration

	// BaseDir is the remote directory holding persistent base clones;
	// workspaces are created next to it.
	BaseDir string

	// ChownUser, when set, receives ownership of worktrees created by a
	// root worker.
	ChownUser string
}

// Executor runs the claim loop for one worker process.
type Executor struct {
	cfg      Config
	store    *store.Store
	registry *fleet.Registry
	gateway  shell.RemoteShell
	sessions *session.Manager
	facade   *chat.Facade
	envStore *envsync.FileStore // optional
	memories memory.Store       // optional
	hinter   *Classifier        // optional

	mu      sync.Mutex
	active  map[string]context.CancelFunc // task id → cancel
	replies map[int64]chan string         // thread id → no-repo reply inbox
}

func New(cfg Config, s *store.Store, registry *fleet.Registry, gateway shell.RemoteShell,
	sessions *session.Manager, facade *chat.Facade) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.SessionMode == "" {
		cfg.SessionMode = session.ModeStreamJSON
	}
	return &Executor{
		cfg:      cfg,
		store:    s,
		registry: registry,
		gateway:  gateway,
		sessions: sessions,
		facade:   facade,
		memories: memory.Noop{},
		active:   make(map[string]context.CancelFunc),
		replies:  make(map[int64]chan string),
	}
}

// WithEnvSync wires the encrypted .env propagation store.
func (e *Executor) WithEnvSync(s *envsync.FileStore) *Executor {
	e.envStore = s
	return e
}

// WithMemory wires the optional prompt-enrichment memory store.
func (e *Executor) WithMemory(m memory.Store) *Executor {
	if m != nil {
		e.memories = m
	}
	return e
}

// WithClassifier wires the optional difficulty classifier.
func (e *Executor) WithClassifier(c *Classifier) *Executor {
	e.hinter = c
	return e
}

// ActiveCount is how many tasks this worker is currently running.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Run drives the claim loop until ctx is cancelled. Recovery of stale
// rows happens once at startup and then on the sweep ticker.
func (e *Executor) Run(ctx context.Context) error {
	if err := e.RecoverStale(ctx); err != nil {
		slog.Error("executor: startup recovery failed", "error", err)
	}
	e.registerMachines(ctx)

	poll := time.NewTicker(PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(store.HeartbeatInterval)
	defer heartbeat.Stop()
	sweep := time.NewTicker(store.StaleTaskAfter)
	defer sweep.Stop()

	slog.Info("executor: started",
		"workerID", e.cfg.WorkerID, "machines", e.cfg.Machines,
		"maxConcurrent", e.cfg.MaxConcurrent)

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case <-heartbeat.C:
			e.heartbeatMachines(ctx)
		case <-sweep.C:
			if err := e.RecoverStale(ctx); err != nil {
				slog.Error("executor: stale sweep failed", "error", err)
			}
		case <-poll.C:
			e.claimTick(ctx)
		}
	}
}

func (e *Executor) claimTick(ctx context.Context) {
	if e.ActiveCount() >= e.cfg.MaxConcurrent {
		return
	}
	for _, machineID := range e.cfg.Machines {
		if e.ActiveCount() >= e.cfg.MaxConcurrent {
			return
		}
		task, err := e.store.ClaimNextTask(ctx, e.cfg.WorkerID, machineID)
		if err != nil {
			slog.Error("executor: claim failed", "machine", machineID, "error", err)
			continue
		}
		if task == nil {
			continue
		}
		metrics.TasksClaimed.Inc()
		slog.Info("executor: task claimed",
			"taskID", task.ShortID(), "machine", machineID, "project", task.Project)

		taskCtx, cancel := context.WithCancel(ctx)
		e.mu.Lock()
		e.active[task.ID] = cancel
		e.mu.Unlock()

		go func(task *store.Task, machineID string) {
			defer func() {
				cancel()
				e.mu.Lock()
				delete(e.active, task.ID)
				e.mu.Unlock()
			}()
			e.runTask(taskCtx, task, machineID)
		}(task, machineID)
	}
}

// Cancel kills a running task's session and marks the row cancelled.
func (e *Executor) Cancel(ctx context.Context, taskID string) error {
	task, err := e.store.GetTaskByPrefix(ctx, taskID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	cancel, running := e.active[task.ID]
	e.mu.Unlock()
	if running {
		cancel()
		e.sessions.Kill(task.ThreadID)
	}
	_, err = e.store.CancelTask(ctx, task.ID)
	return err
}

// DeliverReply routes a free-text user message to a task waiting on
// this thread: first to a waiting session, then to a no-repo prompt.
func (e *Executor) DeliverReply(threadID int64, text string) bool {
	if e.sessions.DeliverReply(threadID, text) {
		return true
	}
	e.mu.Lock()
	inbox, ok := e.replies[threadID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case inbox <- text:
		return true
	default:
		return false
	}
}

func (e *Executor) registerMachines(ctx context.Context) {
	for _, machineID := range e.cfg.Machines {
		target, ok := e.gateway.Target(machineID)
		if !ok {
			slog.Warn("executor: managed machine has no shell target", "machine", machineID)
			continue
		}
		machine := &store.Machine{
			ID:            machineID,
			Name:          machineID,
			OS:            target.OS,
			MaxConcurrent: e.cfg.MaxConcurrent,
		}
		if existing, err := e.store.GetMachine(ctx, machineID); err == nil && existing != nil {
			machine.Name = existing.Name
			machine.Projects = existing.Projects
			machine.EnginePriority = existing.EnginePriority
			machine.HealthURL = existing.HealthURL
		}
		if _, err := e.registry.Register(ctx, machine); err != nil {
			slog.Error("executor: machine registration failed", "machine", machineID, "error", err)
		}
	}
}

func (e *Executor) heartbeatMachines(ctx context.Context) {
	e.mu.Lock()
	total := len(e.active)
	e.mu.Unlock()
	for _, machineID := range e.cfg.Machines {
		if err := e.registry.Heartbeat(ctx, machineID, total); err != nil {
			slog.Warn("executor: machine heartbeat failed", "machine", machineID, "error", err)
		}
	}
}

// RecoverStale fails in-flight rows whose heartbeat lapsed.
func (e *Executor) RecoverStale(ctx context.Context) error {
	swept, err := e.store.FailStaleTasks(ctx)
	if err != nil {
		return err
	}
	if swept > 0 {
		metrics.StaleTasksSwept.Add(float64(swept))
		slog.Warn("executor: failed stale tasks", "count", swept)
	}
	return nil
}

func (e *Executor) shutdown() {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.active))
	for _, cancel := range e.active {
		cancels = append(cancels, cancel)
	}
	e.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// setStatus persists a lifecycle move, logging instead of failing the
// caller when the transition is rejected.
func (e *Executor) setStatus(ctx context.Context, taskID string, status store.TaskStatus) {
	if _, err := e.store.UpdateTask(ctx, &store.UpdateTask{ID: taskID, Status: &status}); err != nil {
		slog.Error("executor: status update failed", "taskID", taskID, "status", status, "error", err)
	}
}

func taskTitle(task *store.Task) string {
	desc := task.Description
	if len(desc) > 40 {
		desc = desc[:40] + "…"
	}
	return fmt.Sprintf("🔧 %s %s", task.ShortID(), desc)
}
