package chat

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/codefleet/store"
	"github.com/hrygo/codefleet/store/db/sqlite"
	"github.com/hrygo/codefleet/streamjson"
)

type sentMessage struct {
	ThreadID int64
	Text     string
	Keyboard [][]Button
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []sentMessage
	edits   []string
	topics  int64
	closed  []int64
	deleted []int64
}

func (f *fakeTransport) Send(ctx context.Context, out *Outgoing) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{ThreadID: out.ThreadID, Text: out.Text, Keyboard: out.Keyboard})
	return len(f.sent), nil
}

func (f *fakeTransport) Edit(ctx context.Context, messageID int, text string, keyboard [][]Button) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeTransport) Delete(ctx context.Context, messageID int) error { return nil }

func (f *fakeTransport) CreateTopic(ctx context.Context, title string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics++
	return f.topics, nil
}

func (f *fakeTransport) RenameTopic(ctx context.Context, threadID int64, title string) error {
	return nil
}
func (f *fakeTransport) CloseTopic(ctx context.Context, threadID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, threadID)
	return nil
}
func (f *fakeTransport) ReopenTopic(ctx context.Context, threadID int64) error { return nil }
func (f *fakeTransport) DeleteTopic(ctx context.Context, threadID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, threadID)
	return nil
}
func (f *fakeTransport) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return nil
}

func (f *fakeTransport) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func textChunk(text string) streamjson.Chunk {
	return streamjson.Chunk{Kind: streamjson.KindText, Text: text}
}

func TestBufferFlushesAfterSilence(t *testing.T) {
	transport := &fakeTransport{}
	f := NewFacade(transport, nil)
	ctx := context.Background()

	require.NoError(t, f.Publish(ctx, 7, textChunk("hello")))
	require.NoError(t, f.Publish(ctx, 7, textChunk("world")))
	assert.Empty(t, transport.messages(), "nothing sent before the flush timer fires")

	require.Eventually(t, func() bool {
		return len(transport.messages()) == 1
	}, 3*time.Second, 50*time.Millisecond)

	got := transport.messages()[0]
	assert.EqualValues(t, 7, got.ThreadID)
	assert.Equal(t, "hello\nworld", got.Text)
}

func TestKindChangeFlushesImmediately(t *testing.T) {
	transport := &fakeTransport{}
	f := NewFacade(transport, nil)
	ctx := context.Background()

	require.NoError(t, f.Publish(ctx, 1, textChunk("assistant text")))
	require.NoError(t, f.Publish(ctx, 1, streamjson.Chunk{Kind: streamjson.KindHookResponse, Text: "hook output"}))

	msgs := transport.messages()
	require.Len(t, msgs, 1, "kind change must flush the previous group before appending")
	assert.Equal(t, "assistant text", msgs[0].Text)
}

func TestSizeOverflowFlushes(t *testing.T) {
	transport := &fakeTransport{}
	f := NewFacade(transport, nil)
	ctx := context.Background()

	big := strings.Repeat("x", MaxMessageLen+100)
	require.NoError(t, f.Publish(ctx, 1, textChunk(big)))

	msgs := transport.messages()
	require.NotEmpty(t, msgs)
	for _, m := range msgs {
		assert.LessOrEqual(t, len(m.Text), MaxMessageLen)
	}
}

func TestAskUserBypassesBufferWithKeyboard(t *testing.T) {
	transport := &fakeTransport{}
	f := NewFacade(transport, nil)
	ctx := context.Background()

	require.NoError(t, f.Publish(ctx, 42, textChunk("thinking")))
	require.NoError(t, f.Publish(ctx, 42, streamjson.Chunk{
		Kind:     streamjson.KindAskUser,
		Question: "Proceed?",
		Options:  []string{"Yes", "No"},
	}))

	msgs := transport.messages()
	require.Len(t, msgs, 2, "pending text flushes before the question")
	assert.Equal(t, "thinking", msgs[0].Text)

	question := msgs[1]
	assert.Contains(t, question.Text, "Proceed?")
	require.Len(t, question.Keyboard, 1)
	require.Len(t, question.Keyboard[0], 2)
	assert.Equal(t, "Yes", question.Keyboard[0][0].Label)
	assert.Equal(t, "answer:42:0", question.Keyboard[0][0].Data)
	assert.Equal(t, "answer:42:1", question.Keyboard[0][1].Data)
}

func TestResultFlushesThenStandalone(t *testing.T) {
	transport := &fakeTransport{}
	f := NewFacade(transport, nil)
	ctx := context.Background()

	require.NoError(t, f.Publish(ctx, 9, textChunk("work work")))
	require.NoError(t, f.Publish(ctx, 9, streamjson.Chunk{
		Kind:     streamjson.KindResult,
		Subtype:  "success",
		Cost:     "$0.0100",
		Duration: "1.2s",
	}))

	msgs := transport.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "work work", msgs[0].Text)
	assert.Equal(t, "✅ success · $0.0100 · 1.2s", msgs[1].Text)
}

func TestCloseStreamFlushesRemainder(t *testing.T) {
	transport := &fakeTransport{}
	f := NewFacade(transport, nil)
	ctx := context.Background()

	require.NoError(t, f.Publish(ctx, 5, textChunk("tail")))
	f.CloseStream(ctx, 5)

	msgs := transport.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "tail", msgs[0].Text)

	// Closed stream forgets its buffer; a new publish starts fresh.
	require.NoError(t, f.Publish(ctx, 5, textChunk("again")))
	f.CloseStream(ctx, 5)
	assert.Len(t, transport.messages(), 2)
}

func TestSuppressorGuardsSendButNotAnnounce(t *testing.T) {
	transport := &fakeTransport{}
	suppressor := NewSuppressor()
	f := NewFacade(transport, nil).WithSuppressor(suppressor)
	ctx := context.Background()

	suppressor.MarkActive(3)

	// Reactive chatter into a watched thread is swallowed as success.
	id, err := f.Send(ctx, &Outgoing{ThreadID: 3, Text: "machine list"})
	require.NoError(t, err)
	assert.Zero(t, id)
	assert.Empty(t, transport.messages())

	// Lifecycle notices and the stream itself still land.
	_, err = f.Announce(ctx, &Outgoing{ThreadID: 3, Text: "Session ended (code 0)"})
	require.NoError(t, err)
	require.NoError(t, f.Publish(ctx, 3, textChunk("streamed line")))
	f.Flush(ctx, 3)

	msgs := transport.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Session ended (code 0)", msgs[0].Text)
	assert.Equal(t, "streamed line", msgs[1].Text)

	// Other threads are untouched.
	_, err = f.Send(ctx, &Outgoing{ThreadID: 4, Text: "elsewhere"})
	require.NoError(t, err)
	assert.Len(t, transport.messages(), 3)
}

func TestReconcileTopicsClosesOrphans(t *testing.T) {
	driver, err := sqlite.NewDB(filepath.Join(t.TempDir(), "facade_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { driver.Close() })
	ctx := context.Background()
	require.NoError(t, driver.Migrate(ctx))
	s := store.New(driver)

	live, err := s.CreateTask(ctx, &store.Task{ID: "1111111111111111", Description: "still running"})
	require.NoError(t, err)
	done, err := s.CreateTask(ctx, &store.Task{ID: "2222222222222222", Description: "already over"})
	require.NoError(t, err)
	_, err = s.CancelTask(ctx, done.ID)
	require.NoError(t, err)

	require.NoError(t, s.UpsertTopic(ctx, &store.TopicRecord{ThreadID: 10, Status: store.TopicActive, TaskID: live.ID}))
	require.NoError(t, s.UpsertTopic(ctx, &store.TopicRecord{ThreadID: 20, Status: store.TopicActive, TaskID: done.ID}))
	require.NoError(t, s.UpsertTopic(ctx, &store.TopicRecord{ThreadID: 30, Status: store.TopicActive}))

	transport := &fakeTransport{}
	f := NewFacade(transport, s)

	reconciled, err := f.ReconcileTopics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, reconciled)
	assert.ElementsMatch(t, []int64{20, 30}, transport.closed)

	kept, err := s.GetTopic(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, store.TopicActive, kept.Status)

	// A second pass finds nothing left to do.
	reconciled, err = f.ReconcileTopics(ctx)
	require.NoError(t, err)
	assert.Zero(t, reconciled)
}

func TestSplitMessagePrefersNewlines(t *testing.T) {
	lines := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		lines = append(lines, fmt.Sprintf("line %03d with some padding text", i))
	}
	text := strings.Join(lines, "\n")

	pieces := splitMessage(text, 500)
	require.Greater(t, len(pieces), 1)
	for _, p := range pieces {
		assert.LessOrEqual(t, len(p), 500)
		assert.False(t, strings.HasPrefix(p, "\n"))
		assert.False(t, strings.HasSuffix(p, "\n"))
	}
	assert.Equal(t, text, strings.Join(pieces, "\n"))

	// Degenerate case: no newline at all still splits hard.
	hard := splitMessage(strings.Repeat("a", 1200), 500)
	assert.Len(t, hard, 3)
}
