package session

import (
	"strings"
	"sync"
	"time"
)

// Entry is one transcript event.
type Entry struct {
	Kind    string
	Content string
	TS      time.Time
}

// Transcript is the append-only record of a session. Safe for
// concurrent append from the stream callbacks and snapshot reads.
type Transcript struct {
	mu      sync.Mutex
	entries []Entry
}

func NewTranscript() *Transcript {
	return &Transcript{}
}

func (t *Transcript) Append(kind, content string) {
	t.mu.Lock()
	t.entries = append(t.entries, Entry{Kind: kind, Content: content, TS: time.Now()})
	t.mu.Unlock()
}

func (t *Transcript) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.entries...)
}

// Text joins the content of all entries, newest last.
func (t *Transcript) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var b strings.Builder
	for _, e := range t.entries {
		if e.Content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(e.Content)
	}
	return b.String()
}

// Summary returns the first limit characters of the joined transcript.
func (t *Transcript) Summary(limit int) string {
	text := t.Text()
	if len(text) <= limit {
		return text
	}
	return text[:limit]
}

// Tail returns the last n characters of the joined transcript.
func (t *Transcript) Tail(n int) string {
	text := t.Text()
	if len(text) <= n {
		return text
	}
	return text[len(text)-n:]
}
