package chat

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hrygo/codefleet/metrics"
	"github.com/hrygo/codefleet/store"
	"github.com/hrygo/codefleet/streamjson"
)

const (
	// FlushInterval is how long buffered text may sit before it is sent.
	FlushInterval = 1500 * time.Millisecond

	// MaxMessageLen keeps each flush under the transport's message cap.
	MaxMessageLen = 3500

	sendTimeout = 15 * time.Second
)

// Facade is the chat-facing streaming layer. Each stream key (one per
// task or session thread) owns a rolling buffer; typed chunks append
// to it and are flushed on a timer, on kind change, or on size. Every
// flush is a NEW message so history is preserved.
type Facade struct {
	transport Transport
	topics    *store.Store // optional; persists topic rows

	// notices is the path for reactive one-off messages. WithSuppressor
	// wraps it so chatter into a thread the user is watching is dropped;
	// the streaming path and Announce stay on the raw transport.
	notices Transport

	mu      sync.Mutex
	buffers map[int64]*streamBuffer
}

type streamBuffer struct {
	threadID int64
	kind     streamjson.ChunkKind
	text     strings.Builder
	timer    *time.Timer
}

func NewFacade(transport Transport, topics *store.Store) *Facade {
	return &Facade{
		transport: transport,
		topics:    topics,
		notices:   transport,
		buffers:   make(map[int64]*streamBuffer),
	}
}

// WithSuppressor routes Send through the chatter guard. Returns the
// facade for chaining at construction.
func (f *Facade) WithSuppressor(suppressor *Suppressor) *Facade {
	f.notices = WithSuppression(f.transport, suppressor)
	return f
}

// Send posts a reactive one-off message. When a suppressor is
// installed the message is silently dropped while the user is watching
// the thread.
func (f *Facade) Send(ctx context.Context, out *Outgoing) (int, error) {
	return f.notices.Send(ctx, out)
}

// Announce posts an owner lifecycle notice. It bypasses suppression:
// session and task outcomes must land even in a live or just-closed
// thread.
func (f *Facade) Announce(ctx context.Context, out *Outgoing) (int, error) {
	return f.transport.Send(ctx, out)
}

func (f *Facade) Edit(ctx context.Context, messageID int, text string, keyboard [][]Button) error {
	return f.transport.Edit(ctx, messageID, text, keyboard)
}

func (f *Facade) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return f.transport.AnswerCallback(ctx, callbackID, text)
}

// OpenTopic creates a thread and records it so a restart can
// reconcile orphans.
func (f *Facade) OpenTopic(ctx context.Context, title, taskID string) (int64, error) {
	threadID, err := f.transport.CreateTopic(ctx, title)
	if err != nil {
		return 0, err
	}
	f.recordTopic(ctx, threadID, store.TopicActive, taskID)
	return threadID, nil
}

// CloseTopic is idempotent: closing an already-closed thread logs and
// succeeds.
func (f *Facade) CloseTopic(ctx context.Context, threadID int64) error {
	if err := f.transport.CloseTopic(ctx, threadID); err != nil {
		slog.Warn("chat: close topic", "threadID", threadID, "error", err)
	}
	f.recordTopic(ctx, threadID, store.TopicClosed, "")
	return nil
}

func (f *Facade) RenameTopic(ctx context.Context, threadID int64, title string) error {
	if err := f.transport.RenameTopic(ctx, threadID, title); err != nil {
		slog.Warn("chat: rename topic", "threadID", threadID, "error", err)
	}
	return nil
}

// DeleteTopic removes the thread; unlike close it propagates failure.
func (f *Facade) DeleteTopic(ctx context.Context, threadID int64) error {
	if err := f.transport.DeleteTopic(ctx, threadID); err != nil {
		return err
	}
	f.recordTopic(ctx, threadID, store.TopicDeleted, "")
	return nil
}

// ReconcileTopics closes topics left open by a crashed process: any
// active record whose task is gone or terminal gets closed. Returns
// how many topics were reconciled.
func (f *Facade) ReconcileTopics(ctx context.Context) (int, error) {
	if f.topics == nil {
		return 0, nil
	}
	open, err := f.topics.ListTopics(ctx, store.TopicActive)
	if err != nil {
		return 0, err
	}
	reconciled := 0
	for _, record := range open {
		if record.TaskID == "" {
			// Interactive session topics die with the process.
			_ = f.CloseTopic(ctx, record.ThreadID)
			reconciled++
			continue
		}
		task, err := f.topics.GetTask(ctx, record.TaskID)
		if err == nil && task != nil && !task.Status.IsTerminal() {
			continue
		}
		_ = f.CloseTopic(ctx, record.ThreadID)
		reconciled++
	}
	if reconciled > 0 {
		slog.Info("chat: reconciled orphan topics", "count", reconciled)
	}
	return reconciled, nil
}

func (f *Facade) recordTopic(ctx context.Context, threadID int64, status store.TopicStatus, taskID string) {
	if f.topics == nil {
		return
	}
	record := &store.TopicRecord{ThreadID: threadID, Status: status, TaskID: taskID}
	if taskID == "" {
		if existing, err := f.topics.GetTopic(ctx, threadID); err == nil && existing != nil {
			record.TaskID = existing.TaskID
		}
	}
	if err := f.topics.UpsertTopic(ctx, record); err != nil {
		slog.Warn("chat: persist topic", "threadID", threadID, "error", err)
	}
}

// Publish routes one typed chunk into the thread's stream. ask_user
// and result chunks bypass the buffer: pending text flushes first,
// then a standalone message goes out.
func (f *Facade) Publish(ctx context.Context, threadID int64, chunk streamjson.Chunk) error {
	switch chunk.Kind {
	case streamjson.KindAskUser:
		f.Flush(ctx, threadID)
		return f.sendQuestion(ctx, threadID, chunk)
	case streamjson.KindResult:
		f.Flush(ctx, threadID)
		_, err := f.transport.Send(ctx, &Outgoing{ThreadID: threadID, Text: formatResult(chunk)})
		return err
	default:
		f.append(ctx, threadID, chunk)
		return nil
	}
}

func (f *Facade) append(ctx context.Context, threadID int64, chunk streamjson.Chunk) {
	if chunk.Text == "" {
		return
	}
	f.mu.Lock()
	buf, ok := f.buffers[threadID]
	if !ok {
		buf = &streamBuffer{threadID: threadID, kind: chunk.Kind}
		f.buffers[threadID] = buf
	}
	// A kind change flushes the previous group before the new chunk
	// is appended.
	if buf.kind != chunk.Kind && buf.text.Len() > 0 {
		f.flushLocked(ctx, buf)
	}
	buf.kind = chunk.Kind
	if buf.text.Len() > 0 {
		buf.text.WriteString("\n")
	}
	buf.text.WriteString(chunk.Text)

	if buf.text.Len() >= MaxMessageLen {
		f.flushLocked(ctx, buf)
	} else if buf.timer == nil {
		buf.timer = time.AfterFunc(FlushInterval, func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			f.Flush(flushCtx, threadID)
		})
	}
	f.mu.Unlock()
}

// Flush sends any buffered text for the thread as a new message.
func (f *Facade) Flush(ctx context.Context, threadID int64) {
	f.mu.Lock()
	buf, ok := f.buffers[threadID]
	if !ok {
		f.mu.Unlock()
		return
	}
	f.flushLocked(ctx, buf)
	f.mu.Unlock()
}

// flushLocked sends the buffer contents. Caller holds f.mu; the send
// happens inside the lock, which is acceptable at one message per
// 1.5 s of continuous text.
func (f *Facade) flushLocked(ctx context.Context, buf *streamBuffer) {
	if buf.timer != nil {
		buf.timer.Stop()
		buf.timer = nil
	}
	text := strings.TrimSpace(buf.text.String())
	buf.text.Reset()
	if text == "" {
		return
	}
	for _, piece := range splitMessage(text, MaxMessageLen) {
		if _, err := f.transport.Send(ctx, &Outgoing{ThreadID: buf.threadID, Text: piece}); err != nil {
			slog.Warn("chat: flush send failed", "threadID", buf.threadID, "error", err)
			return
		}
		metrics.ChatFlushes.Inc()
	}
}

// CloseStream flushes and forgets the thread's buffer.
func (f *Facade) CloseStream(ctx context.Context, threadID int64) {
	f.Flush(ctx, threadID)
	f.mu.Lock()
	delete(f.buffers, threadID)
	f.mu.Unlock()
}

// sendQuestion posts the interactive question with one button per
// option, callback data answer:<thread>:<index>.
func (f *Facade) sendQuestion(ctx context.Context, threadID int64, chunk streamjson.Chunk) error {
	row := make([]Button, len(chunk.Options))
	for i, option := range chunk.Options {
		row[i] = Button{
			Label: option,
			Data:  fmt.Sprintf("answer:%d:%d", threadID, i),
		}
	}
	text := "❓ " + chunk.Question
	_, err := f.transport.Send(ctx, &Outgoing{ThreadID: threadID, Text: text, Keyboard: [][]Button{row}})
	return err
}

// formatResult renders a result chunk as the standalone run summary.
func formatResult(chunk streamjson.Chunk) string {
	icon := "✅"
	if chunk.Subtype != "" && chunk.Subtype != "success" {
		icon = "⚠️"
	}
	parts := []string{icon + " " + orDefault(chunk.Subtype, "done")}
	if chunk.Cost != "" {
		parts = append(parts, chunk.Cost)
	}
	if chunk.Duration != "" {
		parts = append(parts, chunk.Duration)
	}
	return strings.Join(parts, " · ")
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// splitMessage cuts text into transport-sized pieces, preferring
// newline boundaries.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var pieces []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = limit
		}
		pieces = append(pieces, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		pieces = append(pieces, text)
	}
	return pieces
}

// EscapeHTML escapes text for the transport's HTML dialect.
func EscapeHTML(s string) string {
	return html.EscapeString(s)
}
