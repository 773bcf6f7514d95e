package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hrygo/codefleet/metrics"
)

// RecentlyClosedTTL is how long a finished session's thread keeps
// swallowing sends, so late assistant chatter cannot land after the
// session summary.
const RecentlyClosedTTL = 30 * time.Second

// Suppressor tracks which threads are owned by a live streamed
// session or a directory browse. It is installed as transport
// middleware, so every outbound send passes through it regardless of
// which component constructed the message.
type Suppressor struct {
	mu             sync.Mutex
	active         map[int64]struct{}
	browsing       map[int64]struct{}
	recentlyClosed map[int64]time.Time
	now            func() time.Time
}

func NewSuppressor() *Suppressor {
	return &Suppressor{
		active:         make(map[int64]struct{}),
		browsing:       make(map[int64]struct{}),
		recentlyClosed: make(map[int64]time.Time),
		now:            time.Now,
	}
}

// MarkActive registers a thread as owned by a running session.
func (s *Suppressor) MarkActive(threadID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[threadID] = struct{}{}
}

// ClearActive releases a thread and starts its recently-closed window.
func (s *Suppressor) ClearActive(threadID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, threadID)
	s.recentlyClosed[threadID] = s.now().Add(RecentlyClosedTTL)
}

func (s *Suppressor) MarkBrowsing(threadID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.browsing[threadID] = struct{}{}
}

func (s *Suppressor) ClearBrowsing(threadID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.browsing, threadID)
}

// Suppressed reports whether sends to the thread must be dropped.
func (s *Suppressor) Suppressed(threadID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[threadID]; ok {
		return true
	}
	if _, ok := s.browsing[threadID]; ok {
		return true
	}
	if deadline, ok := s.recentlyClosed[threadID]; ok {
		if s.now().Before(deadline) {
			return true
		}
		delete(s.recentlyClosed, threadID)
	}
	return false
}

// guardedTransport drops sends into suppressed threads and reports a
// synthetic success, matching what callers of the raw transport expect.
type guardedTransport struct {
	Transport
	suppressor *Suppressor
}

// WithSuppression wraps a transport with the chatter suppressor. The
// facade itself must use the UNWRAPPED transport; suppression is for
// every other producer sharing the chat.
func WithSuppression(transport Transport, suppressor *Suppressor) Transport {
	return &guardedTransport{Transport: transport, suppressor: suppressor}
}

func (g *guardedTransport) Send(ctx context.Context, out *Outgoing) (int, error) {
	if g.suppressor.Suppressed(out.ThreadID) {
		metrics.ChatSuppressed.Inc()
		slog.Debug("chat: send suppressed", "threadID", out.ThreadID)
		return 0, nil
	}
	return g.Transport.Send(ctx, out)
}
