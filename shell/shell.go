// Package shell is the remote shell gateway: it spawns and supervises
// one remote process per command over SSH, with either buffered one-shot
// execution or interactive callback-driven streaming.
package shell

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Default bounds for one-shot execution.
const (
	DefaultExecTimeout = 30 * time.Second
	MaxCapturedOutput  = 1024 * 1024 // per stream

	// killGrace is how long SIGTERM gets before SIGKILL.
	killGrace = 5 * time.Second
)

// Target describes one reachable remote machine.
type Target struct {
	ID      string
	Host    string
	User    string
	KeyPath string
	Port    int

	// OS is "windows" for targets whose remote shell is PowerShell;
	// anything else is treated as POSIX.
	OS string
}

// IsWindows reports whether commands must be rewritten for PowerShell.
func (t Target) IsWindows() bool {
	return strings.EqualFold(t.OS, "windows")
}

// Result is the outcome of a one-shot execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Success  bool
}

// ExecOptions tune a one-shot execution.
type ExecOptions struct {
	Timeout time.Duration
}

// SpawnOptions tune an interactive spawn.
type SpawnOptions struct {
	// UsePty forces a PTY on the remote side. Never honored on Windows
	// targets.
	UsePty bool

	// CloseStdin closes the child's stdin immediately after spawn.
	CloseStdin bool

	// Timeout is the upper wall-clock bound; zero means none.
	Timeout time.Duration
}

// SpawnIO carries the three stream callbacks for an interactive spawn.
// OnExit fires exactly once, after both stdio streams are drained.
type SpawnIO struct {
	OnStdout func([]byte)
	OnStderr func([]byte)
	OnExit   func(code int)
}

// Handle controls a live interactive process.
type Handle interface {
	// Write delivers bytes to the remote process stdin.
	Write(p []byte) error
	// Kill terminates the process: SIGTERM, then SIGKILL after a grace
	// window.
	Kill()
	// Done is closed once OnExit has fired.
	Done() <-chan struct{}
}

// RemoteShell is the gateway capability consumed by the session
// supervisor and the executor.
type RemoteShell interface {
	Exec(ctx context.Context, targetID, command string, opts ExecOptions) (*Result, error)
	Spawn(ctx context.Context, targetID, command string, io SpawnIO, opts SpawnOptions) (Handle, error)
	Targets() []Target
	Target(id string) (Target, bool)
}

// ErrUnknownTarget is returned when a target id is not registered.
type ErrUnknownTarget struct{ ID string }

func (e *ErrUnknownTarget) Error() string {
	return fmt.Sprintf("unknown shell target %q", e.ID)
}
