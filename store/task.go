package store

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus is the persisted lifecycle state of a task.
type TaskStatus string

const (
	TaskQueued       TaskStatus = "queued"
	TaskClaimed      TaskStatus = "claimed"
	TaskRunning      TaskStatus = "running"
	TaskWaitingInput TaskStatus = "waiting_input"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
	TaskTimeout      TaskStatus = "timeout"
	TaskCancelled    TaskStatus = "cancelled"
)

// IsTerminal reports whether the status ends the lifecycle.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimeout, TaskCancelled:
		return true
	}
	return false
}

// StaleTaskAfter is how long an in-flight task (claimed, running or
// waiting_input) may go without a heartbeat before the sweeper fails
// it.
const StaleTaskAfter = 10 * time.Minute

// CrashedMessage is the error recorded by the stale sweeper.
const CrashedMessage = "Executor crashed/restarted during execution"

// legalTransitions is the lifecycle table. Cancellation is allowed from
// any non-terminal state and handled separately.
var legalTransitions = map[TaskStatus][]TaskStatus{
	TaskQueued:       {TaskClaimed},
	TaskClaimed:      {TaskRunning, TaskFailed},
	TaskRunning:      {TaskWaitingInput, TaskCompleted, TaskFailed, TaskTimeout},
	TaskWaitingInput: {TaskRunning, TaskFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to TaskStatus) bool {
	if to == TaskCancelled {
		return !from.IsTerminal()
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task is one durable unit of work. Rows are created by the
// conversation flow, mutated by the claiming executor and by recovery
// sweeps, and never deleted by normal flow.
type Task struct {
	ID           string
	Description  string
	Project      string
	RepoURL      string
	SourceBranch string
	TargetBranch string
	Status       TaskStatus
	Priority     int
	ModelHint    string
	BudgetUSD    float64

	OrchestratorID  string // worker claim id
	AssignedMachine string
	WorkspacePath   string
	ThreadID        int64

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	NotifiedAt  *time.Time

	ErrorMessage  string
	ResultSummary string
	FilesChanged  []string
	PRURL         string

	SessionID  string
	ResultJSON string
}

// ShortID returns the first 8 characters of the id for branch and
// workspace naming.
func (t *Task) ShortID() string {
	if len(t.ID) <= 8 {
		return t.ID
	}
	return t.ID[:8]
}

// UpdateTask is a patch applied to one task row; nil fields are left
// untouched.
type UpdateTask struct {
	ID string

	Status          *TaskStatus
	Description     *string
	RepoURL         *string
	ModelHint       *string
	OrchestratorID  *string
	AssignedMachine *string
	WorkspacePath   *string
	ThreadID        *int64
	StartedAt       *time.Time
	CompletedAt     *time.Time
	NotifiedAt      *time.Time
	ErrorMessage    *string
	ResultSummary   *string
	FilesChanged    []string
	PRURL           *string
	SessionID       *string
	ResultJSON      *string
}

// FindTask filters task queries.
type FindTask struct {
	ID              *string
	IDPrefix        *string
	Statuses        []TaskStatus
	Project         *string
	AssignedMachine *string
	ThreadID        *int64
	Limit           int
	OrderDesc       bool
}

// MinPrefixLen is the shortest accepted task id prefix. Shorter
// prefixes match too much; do not relax.
const MinPrefixLen = 4

// ValidatePrefix rejects short or wildcard-bearing task id prefixes.
func ValidatePrefix(prefix string) error {
	if len(prefix) < MinPrefixLen {
		return fmt.Errorf("task prefix %q too short: need at least %d characters", prefix, MinPrefixLen)
	}
	if strings.ContainsAny(prefix, "%_*?[]") {
		return fmt.Errorf("task prefix %q contains wildcard characters", prefix)
	}
	return nil
}
