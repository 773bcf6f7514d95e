package shell

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// sshCommand is the client binary; tests swap in a local stub.
var sshCommand = "ssh"

// Gateway runs commands on registered targets through the local ssh
// client. It is safe for concurrent use.
type Gateway struct {
	mu      sync.RWMutex
	targets map[string]Target
	handles map[int]*procHandle
	nextID  int
	logger  *slog.Logger
}

// NewGateway creates a gateway over the given targets.
func NewGateway(targets []Target, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[string]Target, len(targets))
	for _, t := range targets {
		m[t.ID] = t
	}
	return &Gateway{
		targets: m,
		handles: make(map[int]*procHandle),
		logger:  logger,
	}
}

// Targets returns all registered targets, ordered by id.
func (g *Gateway) Targets() []Target {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Target, 0, len(g.targets))
	for _, t := range g.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Target looks up a target by id.
func (g *Gateway) Target(id string) (Target, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.targets[id]
	return t, ok
}

// sshArgs builds the ssh invocation for a target. BatchMode and strict
// host-key checking keep unattended runs from hanging on prompts.
func sshArgs(t Target, usePty bool) []string {
	args := []string{
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=yes",
		"-o", "ConnectTimeout=10",
	}
	if t.Port != 0 && t.Port != 22 {
		args = append(args, "-p", strconv.Itoa(t.Port))
	}
	if t.KeyPath != "" {
		args = append(args, "-i", t.KeyPath)
	}
	if usePty && !t.IsWindows() {
		args = append(args, "-tt")
	} else {
		args = append(args, "-T")
	}
	dest := t.Host
	if t.User != "" {
		dest = t.User + "@" + t.Host
	}
	return append(args, dest, "--")
}

// prepareCommand rewrites a command for the target's remote shell.
//
// Windows remotes run PowerShell, whose "&&" is invalid; statement
// separation uses ";" and the whole command is quoted for powershell
// -Command. POSIX remotes get a PATH export because the remote shell is
// non-login and engine CLIs commonly live under ~/.local/bin.
func prepareCommand(t Target, command string) string {
	if t.IsWindows() {
		rewritten := strings.ReplaceAll(command, " && ", "; ")
		quoted := strings.ReplaceAll(rewritten, `"`, "`\"")
		return fmt.Sprintf(`powershell -NoProfile -Command "%s"`, quoted)
	}
	return `export PATH="$PATH:$HOME/.local/bin:/usr/local/bin:/opt/homebrew/bin"; ` + command
}

// Exec runs a command to completion and returns captured output. The
// timeout defaults to DefaultExecTimeout; each stream is capped at
// MaxCapturedOutput.
func (g *Gateway) Exec(ctx context.Context, targetID, command string, opts ExecOptions) (*Result, error) {
	t, ok := g.Target(targetID)
	if !ok {
		return nil, &ErrUnknownTarget{ID: targetID}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(sshArgs(t, false), prepareCommand(t, command))
	cmd := exec.CommandContext(ctx, sshCommand, args...)

	var stdout, stderr cappedBuffer
	stdout.limit = MaxCapturedOutput
	stderr.limit = MaxCapturedOutput
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	switch {
	case err == nil:
		res.Success = true
	case ctx.Err() == context.DeadlineExceeded:
		res.ExitCode = -1
		res.Stderr = appendLine(res.Stderr, fmt.Sprintf("command timed out after %s", timeout))
	default:
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Stderr = appendLine(res.Stderr, err.Error())
		}
	}
	g.logger.Debug("shell: exec finished",
		"target", targetID,
		"exit_code", res.ExitCode,
		"stdout_bytes", len(res.Stdout),
		"stderr_bytes", len(res.Stderr))
	return res, nil
}

// Spawn starts an interactive remote process. The returned handle stays
// valid until OnExit fires; Kill and timeout both go through the same
// termination path.
func (g *Gateway) Spawn(ctx context.Context, targetID, command string, sio SpawnIO, opts SpawnOptions) (Handle, error) {
	t, ok := g.Target(targetID)
	if !ok {
		return nil, &ErrUnknownTarget{ID: targetID}
	}

	usePty := opts.UsePty && !t.IsWindows()
	args := append(sshArgs(t, usePty), prepareCommand(t, command))
	cmd := exec.CommandContext(ctx, sshCommand, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn on %s: %w", targetID, err)
	}

	g.mu.Lock()
	g.nextID++
	h := &procHandle{
		id:     g.nextID,
		cmd:    cmd,
		stdin:  stdin,
		done:   make(chan struct{}),
		logger: g.logger,
	}
	g.handles[h.id] = h
	g.mu.Unlock()

	if opts.CloseStdin {
		_ = stdin.Close()
	}

	go h.supervise(stdout, stderr, sio, opts.Timeout, func() {
		g.mu.Lock()
		delete(g.handles, h.id)
		g.mu.Unlock()
	})

	g.logger.Info("shell: spawned remote process",
		"target", targetID,
		"pid", cmd.Process.Pid,
		"pty", usePty)
	return h, nil
}

// ActiveCount reports live spawned processes (for status commands).
func (g *Gateway) ActiveCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.handles)
}

type procHandle struct {
	id     int
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	done   chan struct{}
	logger *slog.Logger

	killOnce sync.Once
	writeMu  sync.Mutex
}

func (h *procHandle) Write(p []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_, err := h.stdin.Write(p)
	return err
}

func (h *procHandle) Kill() {
	h.killOnce.Do(func() {
		proc := h.cmd.Process
		if proc == nil {
			return
		}
		_ = proc.Signal(syscall.SIGTERM)
		go func() {
			select {
			case <-h.done:
			case <-time.After(killGrace):
				_ = proc.Kill()
			}
		}()
	})
}

func (h *procHandle) Done() <-chan struct{} { return h.done }

// supervise pumps both streams, then waits for the process. OnExit fires
// only after both streams hit EOF, so fast-failing commands cannot lose
// trailing output.
func (h *procHandle) supervise(stdout, stderr io.Reader, sio SpawnIO, timeout time.Duration, cleanup func()) {
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			h.logger.Warn("shell: process timeout, terminating", "pid", h.cmd.Process.Pid)
			h.Kill()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pump(stdout, sio.OnStdout)
	}()
	go func() {
		defer wg.Done()
		pump(stderr, sio.OnStderr)
	}()
	wg.Wait()

	code := 0
	if err := h.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	if timer != nil {
		timer.Stop()
	}

	cleanup()
	if sio.OnExit != nil {
		sio.OnExit(code)
	}
	close(h.done)
}

// pump forwards reads in chunks until EOF.
func pump(r io.Reader, fn func([]byte)) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 && fn != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			fn(chunk)
		}
		if err != nil {
			return
		}
	}
}

// cappedBuffer collects up to limit bytes and silently drops the rest.
type cappedBuffer struct {
	buf   strings.Builder
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }

func appendLine(s, line string) string {
	if s == "" {
		return line
	}
	return s + "\n" + line
}
