// Package chat turns the orchestrator's typed output stream into a
// usable chat surface: per-task forum topics, a rolling buffer with a
// flush timer, inline keyboards for interactive questions, chatter
// suppression, and a resilient long-poll update receiver.
package chat

import "context"

// Button is one inline keyboard button. Data rides the callback wire
// format and must stay within the transport's 64-byte limit.
type Button struct {
	Label string
	Data  string
}

// Outgoing is one message to deliver. ThreadID zero targets the main
// chat rather than a topic.
type Outgoing struct {
	ThreadID int64
	Text     string
	HTML     bool
	Keyboard [][]Button
}

// Update is one inbound event: either a user message or an inline
// keyboard callback, never both.
type Update struct {
	ID       int
	ChatID   int64
	ThreadID int64
	UserID   int64
	Username string
	Text     string

	CallbackID   string
	CallbackData string
	MessageID    int
}

// IsCallback reports whether the update is a keyboard press.
func (u *Update) IsCallback() bool {
	return u.CallbackID != ""
}

// Transport is the chat capability bag. Implementations must be safe
// for concurrent use; the facade calls Send from many sessions.
type Transport interface {
	Send(ctx context.Context, out *Outgoing) (messageID int, err error)
	Edit(ctx context.Context, messageID int, text string, keyboard [][]Button) error
	Delete(ctx context.Context, messageID int) error

	CreateTopic(ctx context.Context, title string) (threadID int64, err error)
	RenameTopic(ctx context.Context, threadID int64, title string) error
	CloseTopic(ctx context.Context, threadID int64) error
	ReopenTopic(ctx context.Context, threadID int64) error
	DeleteTopic(ctx context.Context, threadID int64) error

	AnswerCallback(ctx context.Context, callbackID, text string) error
}
