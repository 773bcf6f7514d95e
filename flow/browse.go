package flow

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/codefleet/chat"
	"github.com/hrygo/codefleet/session"
)

// Browse is one live directory-browsing session, independent of the
// wizards. Every interaction refreshes the TTL.
type Browse struct {
	Machine  string
	Root     string
	Path     string
	Prompt   string
	ThreadID int64
	Dirs     []string
	Deadline time.Time
}

// startBrowse opens a browsing session at the base directory on the
// best available machine. Any text after the command becomes the
// prompt handed to the session that eventually starts.
func (r *Router) startBrowse(ctx context.Context, u chat.Update, prompt string) error {
	machine, err := r.registry.BestForProject(ctx, "")
	if err != nil {
		return err
	}
	browse := &Browse{
		Machine:  machine.ID,
		Root:     r.baseDir,
		Path:     r.baseDir,
		Prompt:   prompt,
		ThreadID: u.ThreadID,
		Deadline: r.now().Add(FlowTTL),
	}
	r.mu.Lock()
	r.browses[flowKey{u.ChatID, u.UserID}] = browse
	r.mu.Unlock()
	// Render before marking, so the initial listing is not eaten by the
	// suppressor. Later navigation edits in place and is never guarded.
	if err := r.renderBrowse(ctx, u, browse, false); err != nil {
		return err
	}
	if r.suppressor != nil {
		r.suppressor.MarkBrowsing(u.ThreadID)
	}
	return nil
}

func (r *Router) lookupBrowse(chatID, userID int64) *Browse {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := flowKey{chatID, userID}
	browse, ok := r.browses[key]
	if !ok {
		return nil
	}
	if r.now().After(browse.Deadline) {
		delete(r.browses, key)
		return nil
	}
	return browse
}

func (r *Router) dropBrowse(ctx context.Context, chatID, userID int64) {
	r.mu.Lock()
	browse, ok := r.browses[flowKey{chatID, userID}]
	delete(r.browses, flowKey{chatID, userID})
	r.mu.Unlock()
	if ok && r.suppressor != nil {
		r.suppressor.ClearBrowsing(browse.ThreadID)
	}
}

// handleBrowse dispatches browse:* callbacks: numeric descent, back,
// start, and the deferred engine×mode pick.
func (r *Router) handleBrowse(ctx context.Context, u chat.Update, cb Callback) error {
	browse := r.lookupBrowse(u.ChatID, u.UserID)
	if browse == nil {
		return errors.New("this browse has expired, run /browse again")
	}
	browse.Deadline = r.now().Add(FlowTTL)

	switch cb.Key {
	case "dir":
		index, err := strconv.Atoi(cb.Value)
		if err != nil || index < 0 || index >= len(browse.Dirs) {
			return errors.Errorf("bad directory index %q", cb.Value)
		}
		browse.Path = path.Join(browse.Path, browse.Dirs[index])
		return r.renderBrowse(ctx, u, browse, true)

	case "nav":
		switch cb.Value {
		case "back":
			if browse.Path == browse.Root {
				r.ack(ctx, u.CallbackID, "Already at the top")
				return nil
			}
			browse.Path = path.Dir(browse.Path)
			return r.renderBrowse(ctx, u, browse, true)
		case "start":
			if browse.Prompt != "" {
				return r.showBrowseEnginePicker(ctx, u, browse)
			}
			// No prompt: start an interactive TUI right here.
			defer r.dropBrowse(ctx, u.ChatID, u.UserID)
			return r.spawnSession(ctx, browse.Machine, browse.Path, "", r.defaultEngine, session.ModeTUI)
		}
		return errors.Errorf("unknown browse nav %q", cb.Value)

	case "engine":
		engine, mode, err := DecodeEngineMode(cb.Value)
		if err != nil {
			return err
		}
		defer r.dropBrowse(ctx, u.ChatID, u.UserID)
		return r.spawnSession(ctx, browse.Machine, browse.Path, browse.Prompt, engine, mode)
	}
	return errors.Errorf("unknown browse key %q", cb.Key)
}

// renderBrowse refreshes the listing message with the current path.
func (r *Router) renderBrowse(ctx context.Context, u chat.Update, browse *Browse, edit bool) error {
	dirs, err := r.listDirs(ctx, browse.Machine, browse.Path)
	if err != nil {
		return err
	}
	browse.Dirs = dirs

	keyboard := make([][]chat.Button, 0, len(dirs)+1)
	for i, name := range dirs {
		keyboard = append(keyboard, []chat.Button{r.button(PrefixBrowse, "dir", strconv.Itoa(i), "📁 "+name)})
	}
	keyboard = append(keyboard, []chat.Button{
		r.button(PrefixBrowse, "nav", "start", "▶ Start here"),
		r.button(PrefixBrowse, "nav", "back", "⬆ Up"),
	})

	text := fmt.Sprintf("🗂 %s\n📂 %s", browse.Machine, browse.Path)
	if edit {
		return r.editKeyboard(ctx, u.MessageID, text, keyboard)
	}
	_, err = r.facade.Send(ctx, &chat.Outgoing{ThreadID: u.ThreadID, Text: text, Keyboard: keyboard})
	return err
}

// showBrowseEnginePicker presents the six engine×mode combinations.
func (r *Router) showBrowseEnginePicker(ctx context.Context, u chat.Update, browse *Browse) error {
	var keyboard [][]chat.Button
	for _, engine := range session.Engines {
		keyboard = append(keyboard, []chat.Button{
			r.button(PrefixBrowse, "engine", EncodeEngineMode(engine, session.ModeStreamJSON), engine.Name+" · stream"),
			r.button(PrefixBrowse, "engine", EncodeEngineMode(engine, session.ModeTUI), engine.Name+" · tui"),
		})
	}
	return r.editKeyboard(ctx, u.MessageID,
		fmt.Sprintf("📂 %s\n🚀 How should it run?", browse.Path), keyboard)
}
