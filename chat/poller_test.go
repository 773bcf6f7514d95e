package chat

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSource struct {
	batches [][]tgbotapi.Update
	errs    []error
	calls   int
	offsets []int
}

func (s *scriptedSource) GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error) {
	s.offsets = append(s.offsets, config.Offset)
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.batches) {
		return s.batches[i], nil
	}
	return nil, nil
}

func msgUpdate(id int, text string) tgbotapi.Update {
	return tgbotapi.Update{
		UpdateID: id,
		Message: &tgbotapi.Message{
			Text: text,
			Chat: &tgbotapi.Chat{ID: 100},
			From: &tgbotapi.User{ID: 7, UserName: "alice"},
		},
	}
}

func TestPollerAdvancesAndPersistsOffset(t *testing.T) {
	offsetPath := filepath.Join(t.TempDir(), "offset")
	source := &scriptedSource{
		batches: [][]tgbotapi.Update{
			{msgUpdate(10, "first"), msgUpdate(11, "second")},
		},
	}

	var got []string
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPoller(source, offsetPath, func(ctx context.Context, u *Update) {
		got = append(got, u.Text)
		if len(got) == 2 {
			cancel()
		}
	})
	_ = p.Run(ctx)

	assert.Equal(t, []string{"first", "second"}, got)
	raw, err := os.ReadFile(offsetPath)
	require.NoError(t, err)
	assert.Equal(t, "12", string(raw))

	// A fresh poller resumes past the handled updates.
	p2 := NewPoller(source, offsetPath, func(context.Context, *Update) {})
	assert.Equal(t, 12, p2.offset)
}

func TestPollerExitsAfterConsecutiveConflicts(t *testing.T) {
	errs := make([]error, maxConflicts)
	for i := range errs {
		errs[i] = errors.New("Conflict: terminated by other getUpdates request")
	}
	source := &scriptedSource{errs: errs}

	p := NewPoller(source, "", func(context.Context, *Update) {})
	p.sleep = func(context.Context, time.Duration) error { return nil }
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err, "conflict exit is a clean return")
	case <-time.After(10 * time.Second):
		t.Fatal("poller did not exit on conflicts")
	}
	assert.Equal(t, maxConflicts, source.calls)
}

func TestBackoffDelayBounds(t *testing.T) {
	for attempt := 0; attempt < 20; attempt++ {
		d := backoffDelay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(backoffBase)*(1-backoffJitter)))
		assert.LessOrEqual(t, d, time.Duration(float64(backoffCap)*(1+backoffJitter)))
	}
	// Early attempts stay near the base.
	assert.Less(t, backoffDelay(0), 3*time.Second)
}

func TestConvertUpdateCallback(t *testing.T) {
	raw := tgbotapi.Update{
		UpdateID: 5,
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:   "cb1",
			Data: "answer:42:1",
			From: &tgbotapi.User{ID: 9, UserName: "bob"},
			Message: &tgbotapi.Message{
				MessageID:      77,
				Chat:           &tgbotapi.Chat{ID: 100},
				ReplyToMessage: &tgbotapi.Message{MessageID: 42},
			},
		},
	}
	u := convertUpdate(&raw)
	require.NotNil(t, u)
	assert.True(t, u.IsCallback())
	assert.Equal(t, "answer:42:1", u.CallbackData)
	assert.EqualValues(t, 42, u.ThreadID)
	assert.Equal(t, 77, u.MessageID)

	assert.Nil(t, convertUpdate(&tgbotapi.Update{UpdateID: 6}), "empty updates are skipped")
}
