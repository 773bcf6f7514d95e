package flow

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hrygo/codefleet/chat"
	"github.com/hrygo/codefleet/session"
	"github.com/hrygo/codefleet/store"
)

// Wizard kinds.
const (
	KindTask    = "task"
	KindSession = "session"
)

// Wizard steps, in traversal order.
const (
	StepSelectMachine    = "select_machine"
	StepSelectRepoMode   = "select_repo_mode"
	StepSelectRepo       = "select_repo"
	StepSelectSubfolder  = "select_subfolder"
	StepSelectStartMode  = "select_start_mode"
	StepAwaitDescription = "await_description"
)

// Wizard is one in-flight task or session request being assembled.
type Wizard struct {
	Kind     string
	Step     string
	ThreadID int64

	Machine  string
	RepoMode string // existing | new
	Path     string
	Project  string
	Engine   session.Engine
	Mode     string
	Prompt   string

	// Cached listings so numeric callbacks stay index-stable.
	Machines []string
	Dirs     []string

	Deadline time.Time
}

func (w *Wizard) prefix() string {
	if w.Kind == KindSession {
		return PrefixSessionFlow
	}
	return PrefixTaskFlow
}

// startWizard begins a fresh flow for the user, replacing any stale one.
func (r *Router) startWizard(ctx context.Context, u chat.Update, kind, prompt string) error {
	machines, err := r.registry.Available(ctx)
	if err != nil {
		return err
	}
	if len(machines) == 0 {
		return errors.New("no machine is online")
	}
	names := make([]string, len(machines))
	for i, m := range machines {
		names[i] = m.ID
	}
	sort.Strings(names)

	wizard := &Wizard{
		Kind:     kind,
		Step:     StepSelectMachine,
		ThreadID: u.ThreadID,
		Prompt:   prompt,
		Machines: names,
		Deadline: r.now().Add(FlowTTL),
	}
	r.mu.Lock()
	r.flows[flowKey{u.ChatID, u.UserID}] = wizard
	r.mu.Unlock()

	keyboard := make([][]chat.Button, 0, len(names))
	for i, name := range names {
		data, err := Encode(wizard.prefix(), "machine", strconv.Itoa(i))
		if err != nil {
			return err
		}
		keyboard = append(keyboard, []chat.Button{{Label: name, Data: data}})
	}
	_, err = r.facade.Send(ctx, &chat.Outgoing{
		ThreadID: u.ThreadID,
		Text:     "🖥 Pick a machine:",
		Keyboard: keyboard,
	})
	return err
}

// lookupWizard returns the user's live flow, expiring it when stale.
func (r *Router) lookupWizard(chatID, userID int64) *Wizard {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := flowKey{chatID, userID}
	wizard, ok := r.flows[key]
	if !ok {
		return nil
	}
	if r.now().After(wizard.Deadline) {
		delete(r.flows, key)
		return nil
	}
	return wizard
}

func (r *Router) dropWizard(chatID, userID int64) {
	r.mu.Lock()
	delete(r.flows, flowKey{chatID, userID})
	r.mu.Unlock()
}

// advanceWizard applies one button press to the user's flow. Every
// interaction refreshes the TTL.
func (r *Router) advanceWizard(ctx context.Context, u chat.Update, cb Callback) error {
	wizard := r.lookupWizard(u.ChatID, u.UserID)
	if wizard == nil {
		return errors.New("this flow has expired, start over")
	}
	wizard.Deadline = r.now().Add(FlowTTL)

	switch cb.Key {
	case "machine":
		return r.stepMachine(ctx, u, wizard, cb.Value)
	case "repomode":
		return r.stepRepoMode(ctx, u, wizard, cb.Value)
	case "repo", "sub":
		return r.stepRepo(ctx, u, wizard, cb.Value)
	case "start":
		return r.stepStartMode(ctx, u, wizard, cb.Value)
	}
	return errors.Errorf("unknown wizard key %q", cb.Key)
}

func (r *Router) stepMachine(ctx context.Context, u chat.Update, wizard *Wizard, value string) error {
	index, err := strconv.Atoi(value)
	if err != nil || index < 0 || index >= len(wizard.Machines) {
		return errors.Errorf("bad machine index %q", value)
	}
	wizard.Machine = wizard.Machines[index]

	if wizard.Kind == KindTask {
		wizard.Step = StepSelectRepoMode
		return r.editKeyboard(ctx, u.MessageID,
			fmt.Sprintf("🖥 %s\n📦 Repository:", wizard.Machine),
			[][]chat.Button{
				{r.button(wizard.prefix(), "repomode", "existing", "Existing repo")},
				{r.button(wizard.prefix(), "repomode", "new", "New repo")},
			})
	}
	return r.showRepoListing(ctx, u, wizard, r.baseDir)
}

func (r *Router) stepRepoMode(ctx context.Context, u chat.Update, wizard *Wizard, value string) error {
	wizard.RepoMode = value
	if value == "new" {
		// New repos have nothing to browse; the no-repo flow creates one
		// when the executor first touches the project.
		wizard.Step = StepSelectStartMode
		return r.showStartModePicker(ctx, u, wizard)
	}
	return r.showRepoListing(ctx, u, wizard, r.baseDir)
}

// stepRepo handles both repo and subfolder selection: a numeric index
// descends, "here" finalizes, "back" ascends.
func (r *Router) stepRepo(ctx context.Context, u chat.Update, wizard *Wizard, value string) error {
	switch value {
	case "here":
		wizard.Project = path.Base(wizard.Path)
		wizard.Step = StepSelectStartMode
		return r.showStartModePicker(ctx, u, wizard)
	case "back":
		if wizard.Path == r.baseDir {
			r.ack(ctx, u.CallbackID, "Already at the top")
			return nil
		}
		return r.showRepoListing(ctx, u, wizard, path.Dir(wizard.Path))
	}
	index, err := strconv.Atoi(value)
	if err != nil || index < 0 || index >= len(wizard.Dirs) {
		return errors.Errorf("bad directory index %q", value)
	}
	return r.showRepoListing(ctx, u, wizard, path.Join(wizard.Path, wizard.Dirs[index]))
}

// showRepoListing renders the directory keyboard at dir. The fleet's
// known projects pad an empty top-level listing.
func (r *Router) showRepoListing(ctx context.Context, u chat.Update, wizard *Wizard, dir string) error {
	dirs, err := r.listDirs(ctx, wizard.Machine, dir)
	if err != nil {
		return err
	}
	if len(dirs) == 0 && dir == r.baseDir {
		if machine, merr := r.store.GetMachine(ctx, wizard.Machine); merr == nil && machine != nil {
			dirs = append(dirs, machine.Projects...)
			sort.Strings(dirs)
		}
	}
	wizard.Path = dir
	wizard.Dirs = dirs
	if wizard.Step == StepSelectMachine || wizard.Step == StepSelectRepoMode {
		wizard.Step = StepSelectRepo
	} else {
		wizard.Step = StepSelectSubfolder
	}

	key := "repo"
	if wizard.Step == StepSelectSubfolder {
		key = "sub"
	}
	keyboard := make([][]chat.Button, 0, len(dirs)+1)
	for i, name := range dirs {
		keyboard = append(keyboard, []chat.Button{r.button(wizard.prefix(), key, strconv.Itoa(i), "📁 "+name)})
	}
	keyboard = append(keyboard, []chat.Button{
		r.button(wizard.prefix(), key, "here", "✔ Use this folder"),
		r.button(wizard.prefix(), key, "back", "⬆ Up"),
	})
	return r.editKeyboard(ctx, u.MessageID,
		fmt.Sprintf("🖥 %s\n📂 %s", wizard.Machine, dir), keyboard)
}

// showStartModePicker renders the engine×mode grid.
func (r *Router) showStartModePicker(ctx context.Context, u chat.Update, wizard *Wizard) error {
	wizard.Step = StepSelectStartMode
	var keyboard [][]chat.Button
	for _, engine := range session.Engines {
		keyboard = append(keyboard, []chat.Button{
			r.button(wizard.prefix(), "start", EncodeEngineMode(engine, session.ModeStreamJSON), engine.Name+" · stream"),
			r.button(wizard.prefix(), "start", EncodeEngineMode(engine, session.ModeTUI), engine.Name+" · tui"),
		})
	}
	return r.editKeyboard(ctx, u.MessageID,
		fmt.Sprintf("🖥 %s\n📂 %s\n🚀 How should it run?", wizard.Machine, orDash(wizard.Path)), keyboard)
}

func (r *Router) stepStartMode(ctx context.Context, u chat.Update, wizard *Wizard, value string) error {
	engine, mode, err := DecodeEngineMode(value)
	if err != nil {
		return err
	}
	wizard.Engine = engine
	wizard.Mode = mode

	if wizard.Kind == KindSession {
		defer r.dropWizard(u.ChatID, u.UserID)
		if err := r.editKeyboard(ctx, u.MessageID,
			fmt.Sprintf("🚀 Starting %s session on %s", engine.Name, wizard.Machine), nil); err != nil {
			slog.Warn("flow: wizard close edit failed", "error", err)
		}
		return r.spawnSession(ctx, wizard.Machine, orBase(wizard.Path, r.baseDir), wizard.Prompt, engine, mode)
	}

	wizard.Step = StepAwaitDescription
	return r.editKeyboard(ctx, u.MessageID,
		fmt.Sprintf("🖥 %s · %s · %s\n✍️ Now describe the task in one message.",
			wizard.Machine, engine.Name, orDash(wizard.Project)), nil)
}

// finishTaskWizard turns the free-text description into a queued task.
func (r *Router) finishTaskWizard(ctx context.Context, u chat.Update, wizard *Wizard, description string) error {
	defer r.dropWizard(u.ChatID, u.UserID)

	project := wizard.Project
	if project == "" {
		project = firstWord(description)
	}
	task := &store.Task{
		ID:              uuid.NewString(),
		Description:     description,
		Project:         project,
		Status:          store.TaskQueued,
		AssignedMachine: wizard.Machine,
		ModelHint:       wizard.Engine.Name,
	}
	created, err := r.store.CreateTask(ctx, task)
	if err != nil {
		return err
	}
	slog.Info("flow: task queued",
		"taskID", created.ShortID(), "project", created.Project, "machine", wizard.Machine)
	r.reply(ctx, u.ThreadID, fmt.Sprintf(
		"📝 Task %s queued for %s on %s. A topic opens when a worker picks it up.",
		created.ShortID(), created.Project, wizard.Machine))
	return nil
}

func (r *Router) button(prefix, key, value, label string) chat.Button {
	data, err := Encode(prefix, key, value)
	if err != nil {
		slog.Error("flow: callback encode failed", "error", err)
		data = prefix + ":" + key + ":"
	}
	return chat.Button{Label: label, Data: data}
}

func (r *Router) editKeyboard(ctx context.Context, messageID int, text string, keyboard [][]chat.Button) error {
	return r.facade.Edit(ctx, messageID, text, keyboard)
}

func orDash(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

func orBase(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func firstWord(s string) string {
	for i, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			return s[:i]
		}
	}
	return s
}
