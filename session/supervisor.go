package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/codefleet/chat"
	"github.com/hrygo/codefleet/metrics"
	"github.com/hrygo/codefleet/scrub"
	"github.com/hrygo/codefleet/shell"
	"github.com/hrygo/codefleet/streamjson"
)

const (
	// DefaultTimeout is the per-session wall clock for interactive
	// sessions; task sessions configure their own.
	DefaultTimeout = 10 * time.Minute

	// ResumeWaitLimit bounds how long a waiting_input session holds for
	// the user's reply.
	ResumeWaitLimit = 30 * time.Minute

	// SummaryLimit is how much transcript survives into the task row.
	SummaryLimit = 4000

	logPreviewLen = 80
)

// Modes for engine invocation.
const (
	ModeStreamJSON = "stream-json"
	ModeTUI        = "tui"
)

// Hooks let the owner mirror session state into the task row.
type Hooks struct {
	OnRunning func()
	OnWaiting func(turn int)
}

// Config describes one session to supervise.
type Config struct {
	SessionID string
	TaskID    string
	ThreadID  int64
	TargetID  string
	WorkDir   string
	Prompt    string
	Engine    Engine
	Fallbacks []Engine
	Mode      string
	Timeout   time.Duration

	// WaitLimit bounds how long a waiting_input turn holds for the
	// user's reply before the session gives up. Defaults to
	// ResumeWaitLimit.
	WaitLimit time.Duration

	// FirstTurnCommand overrides the spawn command for turn one. The
	// task executor uses it to pipe a prompt file into the engine;
	// resume turns fall back to the engine's stream invocation.
	FirstTurnCommand string

	Hooks Hooks
}

// Result is the outcome of a supervised session.
type Result struct {
	ExitCode int
	TimedOut bool

	// WaitTimedOut is set when the session parked on waiting_input and
	// the user never replied within WaitLimit. The exit code is the
	// engine's clean exit, so callers must check this flag to avoid
	// reporting an abandoned session as done.
	WaitTimedOut bool

	Retriable  bool
	Engine     Engine
	Turns      int
	Duration   time.Duration
	Transcript *Transcript
}

// PendingQuestion is an unanswered ask_user keyed by thread id.
type PendingQuestion struct {
	ToolID  string
	Options []string
}

// Manager owns every live session in this process, keyed by chat
// thread. The callback router reaches sessions only through it.
type Manager struct {
	gateway    shell.RemoteShell
	facade     *chat.Facade
	suppressor *chat.Suppressor

	mu      sync.Mutex
	writers map[int64]shell.Handle
	pending map[int64]*PendingQuestion
	inboxes map[int64]chan string
}

func NewManager(gateway shell.RemoteShell, facade *chat.Facade, suppressor *chat.Suppressor) *Manager {
	return &Manager{
		gateway:    gateway,
		facade:     facade,
		suppressor: suppressor,
		writers:    make(map[int64]shell.Handle),
		pending:    make(map[int64]*PendingQuestion),
		inboxes:    make(map[int64]chan string),
	}
}

// HasSession reports whether a live session owns the thread.
func (m *Manager) HasSession(threadID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.writers[threadID]
	return ok
}

// Run drives the session to completion: spawn, stream, fall back on
// retriable engine failures, resume on user replies, time out, and
// report. Blocking; the caller owns the goroutine.
func (m *Manager) Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.WaitLimit <= 0 {
		cfg.WaitLimit = ResumeWaitLimit
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeStreamJSON
	}
	if cfg.Prompt == "" && cfg.FirstTurnCommand == "" {
		return nil, errors.New("session prompt is required")
	}

	transcript := NewTranscript()
	result := &Result{Transcript: transcript, Engine: cfg.Engine}
	candidates := append([]Engine{cfg.Engine}, cfg.Fallbacks...)

	if m.suppressor != nil {
		m.suppressor.MarkActive(cfg.ThreadID)
	}
	start := time.Now()
	defer func() {
		m.mu.Lock()
		delete(m.writers, cfg.ThreadID)
		delete(m.pending, cfg.ThreadID)
		delete(m.inboxes, cfg.ThreadID)
		m.mu.Unlock()
		if m.suppressor != nil {
			m.suppressor.ClearActive(cfg.ThreadID)
		}
		m.facade.CloseStream(ctx, cfg.ThreadID)
		metrics.SessionDuration.Observe(time.Since(start).Seconds())
	}()

	engine := candidates[0]
	prompt := cfg.Prompt
	turn := 1

	for {
		turnOut, err := m.runTurn(ctx, &cfg, engine, prompt, turn, transcript)
		if err != nil {
			return nil, err
		}
		result.ExitCode = turnOut.exitCode
		result.Engine = engine
		result.Turns = turn

		if turnOut.timedOut {
			// Timeouts are never retried on another engine.
			result.TimedOut = true
			break
		}

		if turnOut.exitCode != 0 && IsRetriable(turnOut.output, turnOut.exitCode) {
			next, ok := m.nextEngine(ctx, cfg.TargetID, candidates[1:])
			if !ok {
				result.Retriable = true
				break
			}
			metrics.EngineFallbacks.WithLabelValues(engine.Name).Inc()
			slog.Warn("session: engine fallback",
				"session", cfg.SessionID, "from", engine.Name, "to", next.Name)
			m.notify(ctx, cfg.ThreadID, fmt.Sprintf("⚠️ %s unavailable, retrying with %s", engine.Name, next.Name))
			candidates = dropUntil(candidates, next)
			engine = next
			continue
		}

		if turnOut.exitCode == 0 && NeedsInput(transcript.Tail(needsInputWindow)) {
			if cfg.Hooks.OnWaiting != nil {
				cfg.Hooks.OnWaiting(turn)
			}
			m.notify(ctx, cfg.ThreadID, fmt.Sprintf("⏳ waiting for your reply (turn %d)", turn))
			reply, ok := m.awaitReply(ctx, cfg.ThreadID, cfg.WaitLimit)
			if ok {
				if cfg.Hooks.OnRunning != nil {
					cfg.Hooks.OnRunning()
				}
				transcript.Append("user_input", reply)
				turn++
				if engine.SupportsContinue() {
					prompt = reply
				} else {
					prompt = fmt.Sprintf("%s\n\nUser reply (turn %d): %s", cfg.Prompt, turn, reply)
				}
				continue
			}
			if ctx.Err() == nil {
				// The wait limit expired with no reply. The engine exited
				// clean, but the session never got its answer.
				result.WaitTimedOut = true
				m.notify(ctx, cfg.ThreadID, fmt.Sprintf("⌛ no reply within %s, abandoning session", cfg.WaitLimit))
			}
		}
		break
	}

	result.Duration = time.Since(start)
	m.facade.Flush(ctx, cfg.ThreadID)
	m.notify(ctx, cfg.ThreadID, fmt.Sprintf("Session ended (code %d)", result.ExitCode))
	return result, nil
}

type turnOutput struct {
	exitCode int
	timedOut bool
	output   string
}

func (m *Manager) runTurn(ctx context.Context, cfg *Config, engine Engine, prompt string, turn int, transcript *Transcript) (*turnOutput, error) {
	command, writePrompt := m.turnCommand(cfg, engine, turn)

	parser := streamjson.NewParser()
	var outMu sync.Mutex
	var combined strings.Builder
	exitCh := make(chan int, 1)

	handleChunk := func(chunk streamjson.Chunk) {
		switch chunk.Kind {
		case streamjson.KindAskUser:
			transcript.Append("ask_user", chunk.Question)
			m.mu.Lock()
			m.pending[cfg.ThreadID] = &PendingQuestion{ToolID: chunk.ToolID, Options: chunk.Options}
			m.mu.Unlock()
		case streamjson.KindResult:
			transcript.Append("result", chunk.Subtype)
		default:
			transcript.Append(string(chunk.Kind), chunk.Text)
		}
		slog.Debug("session: chunk",
			"session", cfg.SessionID, "kind", chunk.Kind, "preview", preview(chunk.Text))
		if err := m.facade.Publish(ctx, cfg.ThreadID, chunk); err != nil {
			slog.Warn("session: publish failed", "session", cfg.SessionID, "error", err)
		}
	}

	io := shell.SpawnIO{
		OnStdout: func(b []byte) {
			outMu.Lock()
			combined.Write(b)
			outMu.Unlock()
			for _, chunk := range parser.Feed(b) {
				handleChunk(chunk)
			}
		},
		OnStderr: func(b []byte) {
			outMu.Lock()
			combined.Write(b)
			outMu.Unlock()
			// Stderr is never stream-json; scrub and stream it raw.
			text := strings.TrimSpace(scrub.Text(string(b)))
			if text == "" {
				return
			}
			transcript.Append("stderr", text)
			handleErr := m.facade.Publish(ctx, cfg.ThreadID, streamjson.Chunk{
				Kind: streamjson.KindPassthrough,
				Text: "[stderr] " + text,
			})
			if handleErr != nil {
				slog.Warn("session: stderr publish failed", "session", cfg.SessionID, "error", handleErr)
			}
		},
		OnExit: func(code int) {
			exitCh <- code
		},
	}

	opts := shell.SpawnOptions{
		UsePty:     cfg.Mode == ModeTUI,
		Timeout:    cfg.Timeout,
		CloseStdin: !writePrompt,
	}

	turnStart := time.Now()
	handle, err := m.gateway.Spawn(ctx, cfg.TargetID, command, io, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "spawn %s on %s", engine.Name, cfg.TargetID)
	}

	m.mu.Lock()
	m.writers[cfg.ThreadID] = handle
	m.mu.Unlock()

	if writePrompt {
		if err := handle.Write(streamjson.WrapUserText(prompt)); err != nil {
			slog.Warn("session: prompt write failed", "session", cfg.SessionID, "error", err)
		}
	}

	select {
	case code := <-exitCh:
		for _, chunk := range parser.Close() {
			handleChunk(chunk)
		}
		outMu.Lock()
		output := combined.String()
		outMu.Unlock()
		timedOut := code != 0 && time.Since(turnStart) >= cfg.Timeout
		return &turnOutput{exitCode: code, timedOut: timedOut, output: output}, nil
	case <-ctx.Done():
		handle.Kill()
		return nil, ctx.Err()
	}
}

// turnCommand picks the spawn invocation for this turn and whether the
// framed prompt goes to stdin.
func (m *Manager) turnCommand(cfg *Config, engine Engine, turn int) (string, bool) {
	if turn == 1 && cfg.FirstTurnCommand != "" {
		return cfg.FirstTurnCommand, false
	}
	var base string
	switch {
	case cfg.Mode == ModeTUI:
		base = engine.TUICommand()
	case turn > 1 && engine.SupportsContinue():
		base = engine.StreamCommand() + " --continue"
	default:
		base = engine.StreamCommand()
	}
	if cfg.WorkDir != "" {
		base = fmt.Sprintf("cd %q && %s", cfg.WorkDir, base)
	}
	return base, cfg.Mode != ModeTUI
}

// nextEngine returns the first candidate whose CLI probes healthy.
func (m *Manager) nextEngine(ctx context.Context, targetID string, candidates []Engine) (Engine, bool) {
	for _, candidate := range candidates {
		if err := ProbeAuth(ctx, m.gateway, targetID, candidate); err != nil {
			slog.Warn("session: fallback candidate unavailable", "engine", candidate.Name, "error", err)
			continue
		}
		return candidate, true
	}
	return Engine{}, false
}

func dropUntil(candidates []Engine, target Engine) []Engine {
	for i, c := range candidates {
		if c.Name == target.Name {
			return candidates[i:]
		}
	}
	return candidates
}

// Answer resolves a pending ask_user: edits the question message to
// show the choice, writes the framed answer to the engine's stdin.
func (m *Manager) Answer(ctx context.Context, threadID int64, optionIndex, messageID int) error {
	m.mu.Lock()
	question, ok := m.pending[threadID]
	if ok {
		delete(m.pending, threadID)
	}
	writer := m.writers[threadID]
	m.mu.Unlock()

	if !ok {
		return errors.Errorf("no pending question for thread %d", threadID)
	}
	if optionIndex < 0 || optionIndex >= len(question.Options) {
		return errors.Errorf("answer index %d out of range", optionIndex)
	}
	label := question.Options[optionIndex]

	if messageID != 0 {
		if err := m.facade.Edit(ctx, messageID, "Answered: "+label, nil); err != nil {
			slog.Warn("session: edit answered message", "threadID", threadID, "error", err)
		}
	}
	if writer == nil {
		return errors.Errorf("no live session for thread %d", threadID)
	}
	return writer.Write(streamjson.WrapUserText(label))
}

// DeliverReply routes a user's free-text message to a session waiting
// for input. Returns false when nothing is waiting on the thread.
func (m *Manager) DeliverReply(threadID int64, text string) bool {
	m.mu.Lock()
	inbox, ok := m.inboxes[threadID]
	m.mu.Unlock()
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

// awaitReply parks the session until a user reply, the wait limit, or
// cancellation.
func (m *Manager) awaitReply(ctx context.Context, threadID int64, limit time.Duration) (string, bool) {
	inbox := make(chan string, 1)
	m.mu.Lock()
	m.inboxes[threadID] = inbox
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inboxes, threadID)
		m.mu.Unlock()
	}()

	select {
	case reply := <-inbox:
		return reply, true
	case <-time.After(limit):
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

// Kill terminates the live session owning the thread, if any.
func (m *Manager) Kill(threadID int64) bool {
	m.mu.Lock()
	handle := m.writers[threadID]
	m.mu.Unlock()
	if handle == nil {
		return false
	}
	handle.Kill()
	return true
}

// notify posts a lifecycle notice. Goes out unsuppressed; the user
// watching a thread still needs to hear that its session ended.
func (m *Manager) notify(ctx context.Context, threadID int64, text string) {
	if _, err := m.facade.Announce(ctx, &chat.Outgoing{ThreadID: threadID, Text: text}); err != nil {
		slog.Warn("session: notice send failed", "threadID", threadID, "error", err)
	}
}

func preview(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= logPreviewLen {
		return s
	}
	return s[:logPreviewLen] + "…"
}
