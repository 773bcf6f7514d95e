package chat

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hrygo/codefleet/metrics"
)

// Backoff schedule for the manual long-poll loop.
const (
	backoffBase   = 2 * time.Second
	backoffFactor = 1.8
	backoffCap    = 30 * time.Second
	backoffJitter = 0.25

	// maxRetryWindow caps total retrying; past it the poller gives up
	// and lets process supervision restart it.
	maxRetryWindow = 30 * time.Minute

	// maxConflicts: this many consecutive conflict responses mean
	// another poller owns the stream again, so this one exits.
	maxConflicts = 10

	pollTimeoutSeconds = 30
)

// updateSource is the slice of the bot client the poller needs.
type updateSource interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
}

// Poller is a manual long-poll update receiver used when the native
// loop dies during restarts. It persists the update offset so a crash
// never replays or drops updates.
type Poller struct {
	source     updateSource
	handler    func(context.Context, *Update)
	offsetPath string
	offset     int
	sleep      func(context.Context, time.Duration) error
}

func NewPoller(source updateSource, offsetPath string, handler func(context.Context, *Update)) *Poller {
	p := &Poller{source: source, handler: handler, offsetPath: offsetPath, sleep: sleepCtx}
	p.offset = p.loadOffset()
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Run polls until ctx is cancelled, the retry window is exhausted, or
// the native poller has demonstrably recovered.
func (p *Poller) Run(ctx context.Context) error {
	attempt := 0
	conflicts := 0
	windowStart := time.Now()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		updates, err := p.source.GetUpdates(tgbotapi.UpdateConfig{
			Offset:  p.offset,
			Timeout: pollTimeoutSeconds,
		})
		if err != nil {
			metrics.UpdatePollErrors.Inc()
			if isConflict(err) {
				conflicts++
				if conflicts >= maxConflicts {
					slog.Info("chat: native update poller recovered, manual poll exiting", "conflicts", conflicts)
					return nil
				}
			} else {
				conflicts = 0
			}
			if time.Since(windowStart) > maxRetryWindow {
				slog.Error("chat: manual poll retry window exhausted")
				return err
			}
			delay := backoffDelay(attempt)
			attempt++
			slog.Warn("chat: update poll failed", "error", err, "retryIn", delay)
			if err := p.sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}

		attempt = 0
		conflicts = 0
		windowStart = time.Now()

		for i := range updates {
			raw := &updates[i]
			if raw.UpdateID >= p.offset {
				p.offset = raw.UpdateID + 1
				p.saveOffset()
			}
			update := convertUpdate(raw)
			if update == nil {
				continue
			}
			p.handler(ctx, update)
		}
	}
}

// backoffDelay is exponential with ±25% jitter, capped at 30 s.
func backoffDelay(attempt int) time.Duration {
	delay := float64(backoffBase)
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay >= float64(backoffCap) {
			delay = float64(backoffCap)
			break
		}
	}
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(delay * jitter)
}

func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "conflict") || strings.Contains(msg, "409")
}

func convertUpdate(raw *tgbotapi.Update) *Update {
	switch {
	case raw.CallbackQuery != nil:
		cb := raw.CallbackQuery
		update := &Update{
			ID:           raw.UpdateID,
			UserID:       cb.From.ID,
			Username:     cb.From.UserName,
			CallbackID:   cb.ID,
			CallbackData: cb.Data,
		}
		if cb.Message != nil {
			update.ChatID = cb.Message.Chat.ID
			update.MessageID = cb.Message.MessageID
			update.ThreadID = threadOf(cb.Message)
		}
		return update
	case raw.Message != nil:
		msg := raw.Message
		update := &Update{
			ID:       raw.UpdateID,
			ChatID:   msg.Chat.ID,
			ThreadID: threadOf(msg),
			Text:     msg.Text,
		}
		if msg.From != nil {
			update.UserID = msg.From.ID
			update.Username = msg.From.UserName
		}
		return update
	default:
		return nil
	}
}

// threadOf extracts the forum thread id. The wrapper predates forum
// topics, so it rides in ReplyToMessage for topic messages.
func threadOf(msg *tgbotapi.Message) int64 {
	if msg.ReplyToMessage != nil {
		return int64(msg.ReplyToMessage.MessageID)
	}
	return 0
}

func (p *Poller) loadOffset() int {
	if p.offsetPath == "" {
		return 0
	}
	raw, err := os.ReadFile(p.offsetPath)
	if err != nil {
		return 0
	}
	offset, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0
	}
	return offset
}

func (p *Poller) saveOffset() {
	if p.offsetPath == "" {
		return
	}
	if err := os.WriteFile(p.offsetPath, []byte(strconv.Itoa(p.offset)), 0o644); err != nil {
		slog.Warn("chat: persist update offset", "error", err)
	}
}
