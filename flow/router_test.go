package flow

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/codefleet/chat"
	"github.com/hrygo/codefleet/fleet"
	"github.com/hrygo/codefleet/session"
	"github.com/hrygo/codefleet/shell"
	"github.com/hrygo/codefleet/store"
	"github.com/hrygo/codefleet/store/db/sqlite"
)

type sentMessage struct {
	threadID int64
	text     string
	keyboard [][]chat.Button
}

type recordTransport struct {
	mu    sync.Mutex
	sent  []sentMessage
	edits []sentMessage
}

func (r *recordTransport) Send(ctx context.Context, out *chat.Outgoing) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{out.ThreadID, out.Text, out.Keyboard})
	return len(r.sent), nil
}

func (r *recordTransport) Edit(ctx context.Context, messageID int, text string, keyboard [][]chat.Button) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edits = append(r.edits, sentMessage{0, text, keyboard})
	return nil
}

func (r *recordTransport) Delete(context.Context, int) error { return nil }
func (r *recordTransport) CreateTopic(context.Context, string) (int64, error) { return 900, nil }
func (r *recordTransport) RenameTopic(context.Context, int64, string) error { return nil }
func (r *recordTransport) CloseTopic(context.Context, int64) error { return nil }
func (r *recordTransport) ReopenTopic(context.Context, int64) error { return nil }
func (r *recordTransport) DeleteTopic(context.Context, int64) error { return nil }
func (r *recordTransport) AnswerCallback(context.Context, string, string) error { return nil }

func (r *recordTransport) lastEdit(t *testing.T) sentMessage {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.edits)
	return r.edits[len(r.edits)-1]
}

// listGateway serves directory listings for the wizard and browse.
type listGateway struct {
	listings map[string]string // dir -> ls output
}

func (g *listGateway) Exec(ctx context.Context, targetID, command string, opts shell.ExecOptions) (*shell.Result, error) {
	for dir, out := range g.listings {
		if strings.Contains(command, dir+`"`) {
			return &shell.Result{Success: true, Stdout: out}, nil
		}
	}
	return &shell.Result{Success: true}, nil
}

func (g *listGateway) Spawn(context.Context, string, string, shell.SpawnIO, shell.SpawnOptions) (shell.Handle, error) {
	panic("list gateway cannot spawn")
}
func (g *listGateway) Targets() []shell.Target { return nil }
func (g *listGateway) Target(id string) (shell.Target, bool) {
	return shell.Target{ID: id}, true
}

func testRouter(t *testing.T, gateway shell.RemoteShell) (*Router, *recordTransport, *store.Store) {
	t.Helper()
	driver, err := sqlite.NewDB(filepath.Join(t.TempDir(), "flow_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { driver.Close() })
	require.NoError(t, driver.Migrate(context.Background()))
	s := store.New(driver)

	transport := &recordTransport{}
	facade := chat.NewFacade(transport, nil)
	registry := fleet.NewRegistry(s)
	sessions := session.NewManager(gateway, facade, nil)
	router := NewRouter(s, registry, gateway, facade, sessions, nil, nil, "/srv/code")
	return router, transport, s
}

func registerMachine(t *testing.T, s *store.Store, id string) {
	t.Helper()
	_, err := s.UpsertMachine(context.Background(), &store.Machine{
		ID:            id,
		Name:          id,
		MaxConcurrent: 2,
		LastHeartbeat: time.Now(),
	})
	require.NoError(t, err)
}

func TestTaskWizardEndToEnd(t *testing.T) {
	gateway := &listGateway{listings: map[string]string{
		"/srv/code":        "api/\nwebapp/\n",
		"/srv/code/webapp": "cmd/\ninternal/\n",
	}}
	router, transport, s := testRouter(t, gateway)
	registerMachine(t, s, "mini")
	ctx := context.Background()

	user := chat.Update{ChatID: 1, UserID: 7, ThreadID: 0, Text: "/task"}
	router.HandleUpdate(ctx, user)
	require.Len(t, transport.sent, 1)
	require.Len(t, transport.sent[0].keyboard, 1)
	assert.Equal(t, "tf:machine:0", transport.sent[0].keyboard[0][0].Data)

	press := func(data string) {
		router.HandleUpdate(ctx, chat.Update{
			ChatID: 1, UserID: 7, CallbackID: "cb", CallbackData: data, MessageID: 10,
		})
	}

	press("tf:machine:0")
	edit := transport.lastEdit(t)
	assert.Contains(t, edit.text, "Repository")
	assert.Equal(t, "tf:repomode:existing", edit.keyboard[0][0].Data)

	press("tf:repomode:existing")
	edit = transport.lastEdit(t)
	assert.Contains(t, edit.text, "/srv/code")
	assert.Equal(t, "tf:repo:0", edit.keyboard[0][0].Data)
	assert.Equal(t, "📁 api", edit.keyboard[0][0].Label)

	// Descend into webapp (index 1), then finalize there.
	press("tf:repo:1")
	edit = transport.lastEdit(t)
	assert.Contains(t, edit.text, "/srv/code/webapp")
	press("tf:sub:here")
	edit = transport.lastEdit(t)
	assert.Contains(t, edit.text, "How should it run?")
	assert.Equal(t, "tf:start:i.s", edit.keyboard[0][0].Data)

	press("tf:start:i.s")
	edit = transport.lastEdit(t)
	assert.Contains(t, edit.text, "describe the task")

	router.HandleUpdate(ctx, chat.Update{
		ChatID: 1, UserID: 7, Text: "add a retry budget to the fetcher",
	})

	tasks, err := s.FindTasks(ctx, &store.FindTask{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "webapp", tasks[0].Project)
	assert.Equal(t, store.TaskQueued, tasks[0].Status)
	assert.Equal(t, "mini", tasks[0].AssignedMachine)
	assert.Equal(t, "claude", tasks[0].ModelHint)

	// The wizard is gone; the same text again creates nothing.
	router.HandleUpdate(ctx, chat.Update{ChatID: 1, UserID: 7, Text: "stray message"})
	tasks, err = s.FindTasks(ctx, &store.FindTask{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestWizardExpires(t *testing.T) {
	gateway := &listGateway{}
	router, transport, s := testRouter(t, gateway)
	registerMachine(t, s, "mini")
	ctx := context.Background()

	clock := time.Now()
	router.now = func() time.Time { return clock }

	router.HandleUpdate(ctx, chat.Update{ChatID: 1, UserID: 7, Text: "/task"})
	require.Len(t, transport.sent, 1)

	clock = clock.Add(FlowTTL + time.Minute)
	router.HandleUpdate(ctx, chat.Update{
		ChatID: 1, UserID: 7, CallbackID: "cb", CallbackData: "tf:machine:0", MessageID: 10,
	})
	// The press after expiry produced no edit, only an error notice.
	assert.Empty(t, transport.edits)
}

func TestBrowseBackRefusedAtRoot(t *testing.T) {
	gateway := &listGateway{listings: map[string]string{
		"/srv/code": "api/\n",
	}}
	router, transport, s := testRouter(t, gateway)
	registerMachine(t, s, "mini")
	ctx := context.Background()

	router.HandleUpdate(ctx, chat.Update{ChatID: 1, UserID: 7, Text: "/browse"})
	require.Len(t, transport.sent, 1)
	assert.Contains(t, transport.sent[0].text, "/srv/code")

	router.HandleUpdate(ctx, chat.Update{
		ChatID: 1, UserID: 7, CallbackID: "cb", CallbackData: "browse:nav:back", MessageID: 5,
	})
	assert.Empty(t, transport.edits, "back at root leaves the listing alone")
}

func TestBrowseDescendRefreshesListing(t *testing.T) {
	gateway := &listGateway{listings: map[string]string{
		"/srv/code":     "api/\n",
		"/srv/code/api": "handlers/\n",
	}}
	router, transport, s := testRouter(t, gateway)
	registerMachine(t, s, "mini")
	ctx := context.Background()

	router.HandleUpdate(ctx, chat.Update{ChatID: 1, UserID: 7, Text: "/browse fix the handler"})
	router.HandleUpdate(ctx, chat.Update{
		ChatID: 1, UserID: 7, CallbackID: "cb", CallbackData: "browse:dir:0", MessageID: 5,
	})
	edit := transport.lastEdit(t)
	assert.Contains(t, edit.text, "/srv/code/api")
	assert.Equal(t, "📁 handlers", edit.keyboard[0][0].Label)

	// With a prompt staged, Start shows the engine picker instead of
	// spawning immediately.
	router.HandleUpdate(ctx, chat.Update{
		ChatID: 1, UserID: 7, CallbackID: "cb", CallbackData: "browse:nav:start", MessageID: 5,
	})
	edit = transport.lastEdit(t)
	require.Len(t, edit.keyboard, 3)
	assert.Equal(t, "browse:engine:i.s", edit.keyboard[0][0].Data)
	assert.Equal(t, "browse:engine:i.t", edit.keyboard[0][1].Data)
}

func TestBrowseListingSurvivesSuppression(t *testing.T) {
	gateway := &listGateway{listings: map[string]string{"/srv/code": "api/\n"}}
	driver, err := sqlite.NewDB(filepath.Join(t.TempDir(), "flow_suppress_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { driver.Close() })
	require.NoError(t, driver.Migrate(context.Background()))
	s := store.New(driver)

	transport := &recordTransport{}
	suppressor := chat.NewSuppressor()
	facade := chat.NewFacade(transport, nil).WithSuppressor(suppressor)
	registry := fleet.NewRegistry(s)
	sessions := session.NewManager(gateway, facade, suppressor)
	router := NewRouter(s, registry, gateway, facade, sessions, nil, suppressor, "/srv/code")
	registerMachine(t, s, "mini")
	ctx := context.Background()

	router.HandleUpdate(ctx, chat.Update{ChatID: 1, UserID: 7, ThreadID: 6, Text: "/browse"})

	// The listing goes out before the thread is marked browsing, so the
	// guard cannot eat it.
	require.Len(t, transport.sent, 1)
	assert.Contains(t, transport.sent[0].text, "/srv/code")
	assert.True(t, suppressor.Suppressed(6))

	// Chatter into the thread is dropped while the user browses.
	_, err = facade.Send(ctx, &chat.Outgoing{ThreadID: 6, Text: "machine list"})
	require.NoError(t, err)
	assert.Len(t, transport.sent, 1)
}

func TestStatusCommand(t *testing.T) {
	router, transport, s := testRouter(t, &listGateway{})
	registerMachine(t, s, "mini")
	ctx := context.Background()

	_, err := s.CreateTask(ctx, &store.Task{
		ID: "0123456789abcdef", Description: "tune the cache", Project: "webapp",
	})
	require.NoError(t, err)

	router.HandleUpdate(ctx, chat.Update{ChatID: 1, UserID: 7, Text: "/status"})
	require.Len(t, transport.sent, 1)
	assert.Contains(t, transport.sent[0].text, "mini")
	assert.Contains(t, transport.sent[0].text, "01234567")
	assert.Contains(t, transport.sent[0].text, "tune the cache")
}
