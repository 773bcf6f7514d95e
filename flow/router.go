package flow

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/codefleet/chat"
	"github.com/hrygo/codefleet/executor"
	"github.com/hrygo/codefleet/fleet"
	"github.com/hrygo/codefleet/session"
	"github.com/hrygo/codefleet/shell"
	"github.com/hrygo/codefleet/store"
)

// FlowTTL is how long an untouched wizard or browse survives.
const FlowTTL = 10 * time.Minute

// maxListing bounds directory keyboards to what fits on a phone screen.
const maxListing = 12

type flowKey struct {
	chatID int64
	userID int64
}

// Router owns all conversational state for one worker process. Every
// map is guarded by one mutex; write rates are human-scale.
type Router struct {
	store      *store.Store
	registry   *fleet.Registry
	gateway    shell.RemoteShell
	facade     *chat.Facade
	sessions   *session.Manager
	executor   *executor.Executor
	suppressor *chat.Suppressor

	baseDir       string
	defaultEngine session.Engine
	sessionMode   string

	mu      sync.Mutex
	flows   map[flowKey]*Wizard
	browses map[flowKey]*Browse
	now     func() time.Time
}

func NewRouter(s *store.Store, registry *fleet.Registry, gateway shell.RemoteShell,
	facade *chat.Facade, sessions *session.Manager, exec *executor.Executor,
	suppressor *chat.Suppressor, baseDir string) *Router {
	return &Router{
		store:         s,
		registry:      registry,
		gateway:       gateway,
		facade:        facade,
		sessions:      sessions,
		executor:      exec,
		suppressor:    suppressor,
		baseDir:       baseDir,
		defaultEngine: session.Claude,
		sessionMode:   session.ModeStreamJSON,
		flows:         make(map[flowKey]*Wizard),
		browses:       make(map[flowKey]*Browse),
		now:           time.Now,
	}
}

// HandleUpdate is the single entry point the poller feeds.
func (r *Router) HandleUpdate(ctx context.Context, u chat.Update) {
	if u.IsCallback() {
		if err := r.handleCallback(ctx, u); err != nil {
			slog.Warn("flow: callback failed", "data", u.CallbackData, "error", err)
			r.ack(ctx, u.CallbackID, "⚠️ "+err.Error())
		}
		return
	}
	if err := r.handleMessage(ctx, u); err != nil {
		slog.Warn("flow: message failed", "text", u.Text, "error", err)
		r.reply(ctx, u.ThreadID, "⚠️ "+err.Error())
	}
}

func (r *Router) handleCallback(ctx context.Context, u chat.Update) error {
	cb, err := Decode(u.CallbackData)
	if err != nil {
		return err
	}
	switch cb.Prefix {
	case PrefixAnswer:
		return r.handleAnswer(ctx, u, cb)
	case PrefixDelete:
		return r.handleDelete(ctx, u, cb)
	case PrefixBrowse:
		return r.handleBrowse(ctx, u, cb)
	case PrefixTaskFlow, PrefixSessionFlow:
		return r.advanceWizard(ctx, u, cb)
	}
	return errors.Errorf("unroutable callback %q", u.CallbackData)
}

// handleAnswer resolves an ask_user button: answer:<thread>:<index>.
func (r *Router) handleAnswer(ctx context.Context, u chat.Update, cb Callback) error {
	threadID, err := strconv.ParseInt(cb.Key, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "answer thread %q", cb.Key)
	}
	index, err := strconv.Atoi(cb.Value)
	if err != nil {
		return errors.Wrapf(err, "answer index %q", cb.Value)
	}
	if err := r.sessions.Answer(ctx, threadID, index, u.MessageID); err != nil {
		return err
	}
	r.ack(ctx, u.CallbackID, "")
	return nil
}

// handleDelete removes a topic: delete:topic:<thread>.
func (r *Router) handleDelete(ctx context.Context, u chat.Update, cb Callback) error {
	threadID, err := strconv.ParseInt(cb.Value, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "delete thread %q", cb.Value)
	}
	if r.sessions.HasSession(threadID) {
		return errors.New("a session is still running on this topic")
	}
	if err := r.facade.DeleteTopic(ctx, threadID); err != nil {
		return err
	}
	r.ack(ctx, u.CallbackID, "Topic deleted")
	return nil
}

// handleMessage routes free text: waiting sessions and no-repo prompts
// first, then a wizard awaiting a description, then slash commands.
func (r *Router) handleMessage(ctx context.Context, u chat.Update) error {
	text := strings.TrimSpace(u.Text)
	if text == "" {
		return nil
	}

	if !strings.HasPrefix(text, "/") {
		if u.ThreadID != 0 && r.executor != nil && r.executor.DeliverReply(u.ThreadID, text) {
			return nil
		}
		if wizard := r.lookupWizard(u.ChatID, u.UserID); wizard != nil && wizard.Step == StepAwaitDescription {
			return r.finishTaskWizard(ctx, u, wizard, text)
		}
		return nil
	}

	command, rest := text, ""
	if i := strings.IndexAny(text, " \n"); i >= 0 {
		command, rest = text[:i], strings.TrimSpace(text[i:])
	}
	// Commands may arrive as /task@botname in group chats.
	switch strings.SplitN(command, "@", 2)[0] {
	case "/task":
		return r.startWizard(ctx, u, KindTask, rest)
	case "/session":
		return r.startWizard(ctx, u, KindSession, rest)
	case "/browse":
		return r.startBrowse(ctx, u, rest)
	case "/status":
		return r.sendStatus(ctx, u.ThreadID)
	case "/cancel":
		return r.cancelTask(ctx, u.ThreadID, rest)
	default:
		return nil
	}
}

// sendStatus posts the fleet and queue snapshot.
func (r *Router) sendStatus(ctx context.Context, threadID int64) error {
	machines, err := r.registry.List(ctx)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("🖥 Machines\n")
	if len(machines) == 0 {
		b.WriteString("  none registered\n")
	}
	for _, m := range machines {
		fmt.Fprintf(&b, "  %s · %s, %d/%d tasks\n", m.Name, m.Status, m.ActiveTasks, m.MaxConcurrent)
	}

	tasks, err := r.store.FindTasks(ctx, &store.FindTask{
		Statuses: []store.TaskStatus{
			store.TaskQueued, store.TaskClaimed, store.TaskRunning, store.TaskWaitingInput,
		},
		OrderDesc: true,
		Limit:     10,
	})
	if err != nil {
		return err
	}
	b.WriteString("\n📋 Active tasks\n")
	if len(tasks) == 0 {
		b.WriteString("  queue is empty\n")
	}
	for _, task := range tasks {
		fmt.Fprintf(&b, "  %s [%s] %s\n", task.ShortID(), task.Status, preview40(task.Description))
	}
	r.reply(ctx, threadID, b.String())
	return nil
}

func (r *Router) cancelTask(ctx context.Context, threadID int64, prefix string) error {
	if prefix == "" {
		return errors.New("usage: /cancel <task id prefix>")
	}
	if r.executor == nil {
		return errors.New("this process runs no executor")
	}
	if err := r.executor.Cancel(ctx, prefix); err != nil {
		return err
	}
	r.reply(ctx, threadID, "🛑 Task "+prefix+" cancelled.")
	return nil
}

// spawnSession opens a topic and drives an interactive session on it.
func (r *Router) spawnSession(ctx context.Context, machineID, workDir, prompt string, engine session.Engine, mode string) error {
	title := fmt.Sprintf("💬 %s %s", engine.Name, path.Base(workDir))
	threadID, err := r.facade.OpenTopic(ctx, title, "")
	if err != nil {
		return errors.Wrap(err, "open session topic")
	}
	cfg := session.Config{
		SessionID: shortuuid.New(),
		ThreadID:  threadID,
		TargetID:  machineID,
		WorkDir:   workDir,
		Prompt:    prompt,
		Engine:    engine,
		Fallbacks: otherEngines(engine),
		Mode:      mode,
	}
	go func() {
		if _, err := r.sessions.Run(context.Background(), cfg); err != nil {
			slog.Error("flow: session run failed", "sessionID", cfg.SessionID, "error", err)
		}
	}()
	return nil
}

func otherEngines(primary session.Engine) []session.Engine {
	var rest []session.Engine
	for _, e := range session.Engines {
		if e.Name != primary.Name {
			rest = append(rest, e)
		}
	}
	return rest
}

// listDirs enumerates subdirectories of dir on the machine, sorted and
// capped for keyboard rendering.
func (r *Router) listDirs(ctx context.Context, machineID, dir string) ([]string, error) {
	target, ok := r.gateway.Target(machineID)
	if !ok {
		return nil, errors.Errorf("unknown machine %q", machineID)
	}
	command := fmt.Sprintf("cd %q && ls -1d */ 2>/dev/null || true", dir)
	if target.IsWindows() {
		command = fmt.Sprintf("Get-ChildItem -Directory -Name '%s'", strings.ReplaceAll(dir, "'", "''"))
	}
	res, err := r.gateway.Exec(ctx, machineID, command, shell.ExecOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "list %s on %s", dir, machineID)
	}
	var dirs []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		name := strings.TrimSuffix(strings.TrimSpace(line), "/")
		if name == "" || strings.HasPrefix(name, ".") {
			continue
		}
		dirs = append(dirs, name)
	}
	sort.Strings(dirs)
	if len(dirs) > maxListing {
		dirs = dirs[:maxListing]
	}
	return dirs, nil
}

func (r *Router) ack(ctx context.Context, callbackID, text string) {
	if callbackID == "" {
		return
	}
	if err := r.facade.AnswerCallback(ctx, callbackID, text); err != nil {
		slog.Warn("flow: callback ack failed", "error", err)
	}
}

func (r *Router) reply(ctx context.Context, threadID int64, text string) {
	if _, err := r.facade.Send(ctx, &chat.Outgoing{ThreadID: threadID, Text: text}); err != nil {
		slog.Warn("flow: reply failed", "threadID", threadID, "error", err)
	}
}

func preview40(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= 40 {
		return s
	}
	return s[:40] + "…"
}
