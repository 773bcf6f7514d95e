package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Telegram implements Transport on a supergroup with forum topics
// enabled. Topic endpoints go through MakeRequest because the bot API
// wrapper predates them.
type Telegram struct {
	bot     *tgbotapi.BotAPI
	chatID  int64
	limiter *rate.Limiter
}

// NewTelegram connects the bot and targets one group chat.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Telegram bot")
	}
	slog.Info("telegram: authorized", "account", bot.Self.UserName)
	return &Telegram{
		bot:    bot,
		chatID: chatID,
		// Telegram allows roughly one message per second per chat.
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
	}, nil
}

// Bot exposes the underlying client for the update poller.
func (t *Telegram) Bot() *tgbotapi.BotAPI {
	return t.bot
}

func (t *Telegram) Send(ctx context.Context, out *Outgoing) (int, error) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", t.chatID)
	params.AddNonZero64("message_thread_id", out.ThreadID)
	params.AddNonEmpty("text", out.Text)
	if out.HTML {
		params.AddNonEmpty("parse_mode", "HTML")
	}
	if len(out.Keyboard) > 0 {
		params.AddNonEmpty("reply_markup", marshalKeyboard(out.Keyboard))
	}

	raw, err := t.request(ctx, "sendMessage", params)
	if err != nil {
		return 0, errors.Wrap(err, "telegram send")
	}
	var sent struct {
		MessageID int `json:"message_id"`
	}
	if err := json.Unmarshal(raw, &sent); err != nil {
		return 0, errors.Wrap(err, "telegram send result")
	}
	return sent.MessageID, nil
}

func (t *Telegram) Edit(ctx context.Context, messageID int, text string, keyboard [][]Button) error {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", t.chatID)
	params.AddNonZero("message_id", messageID)
	params.AddNonEmpty("text", text)
	if len(keyboard) > 0 {
		params.AddNonEmpty("reply_markup", marshalKeyboard(keyboard))
	}
	_, err := t.request(ctx, "editMessageText", params)
	return errors.Wrap(err, "telegram edit")
}

func (t *Telegram) Delete(ctx context.Context, messageID int) error {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", t.chatID)
	params.AddNonZero("message_id", messageID)
	_, err := t.request(ctx, "deleteMessage", params)
	return errors.Wrap(err, "telegram delete")
}

func (t *Telegram) CreateTopic(ctx context.Context, title string) (int64, error) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", t.chatID)
	params.AddNonEmpty("name", truncateTopicTitle(title))
	raw, err := t.request(ctx, "createForumTopic", params)
	if err != nil {
		return 0, errors.Wrap(err, "telegram create topic")
	}
	var topic struct {
		MessageThreadID int64 `json:"message_thread_id"`
	}
	if err := json.Unmarshal(raw, &topic); err != nil {
		return 0, errors.Wrap(err, "telegram create topic result")
	}
	return topic.MessageThreadID, nil
}

func (t *Telegram) RenameTopic(ctx context.Context, threadID int64, title string) error {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", t.chatID)
	params.AddNonZero64("message_thread_id", threadID)
	params.AddNonEmpty("name", truncateTopicTitle(title))
	_, err := t.request(ctx, "editForumTopic", params)
	return errors.Wrap(err, "telegram rename topic")
}

func (t *Telegram) CloseTopic(ctx context.Context, threadID int64) error {
	return t.topicOp(ctx, "closeForumTopic", threadID)
}

func (t *Telegram) ReopenTopic(ctx context.Context, threadID int64) error {
	return t.topicOp(ctx, "reopenForumTopic", threadID)
}

func (t *Telegram) DeleteTopic(ctx context.Context, threadID int64) error {
	if threadID == 0 {
		return errors.New("refusing to delete the root thread")
	}
	return t.topicOp(ctx, "deleteForumTopic", threadID)
}

func (t *Telegram) AnswerCallback(ctx context.Context, callbackID, text string) error {
	params := tgbotapi.Params{}
	params.AddNonEmpty("callback_query_id", callbackID)
	params.AddNonEmpty("text", text)
	_, err := t.request(ctx, "answerCallbackQuery", params)
	return errors.Wrap(err, "telegram answer callback")
}

func (t *Telegram) topicOp(ctx context.Context, endpoint string, threadID int64) error {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", t.chatID)
	params.AddNonZero64("message_thread_id", threadID)
	_, err := t.request(ctx, endpoint, params)
	return errors.Wrapf(err, "telegram %s", endpoint)
}

// request applies the per-chat rate limit and retries exactly once
// after a flood-wait response.
func (t *Telegram) request(ctx context.Context, endpoint string, params tgbotapi.Params) (json.RawMessage, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := t.bot.MakeRequest(endpoint, params)
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			slog.Warn("telegram: flood wait", "endpoint", endpoint, "retryAfter", apiErr.RetryAfter)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(apiErr.RetryAfter) * time.Second):
			}
			resp, err = t.bot.MakeRequest(endpoint, params)
		}
		if err != nil {
			return nil, err
		}
	}
	return resp.Result, nil
}

func marshalKeyboard(rows [][]Button) string {
	markup := make([][]tgbotapi.InlineKeyboardButton, len(rows))
	for i, row := range rows {
		markup[i] = make([]tgbotapi.InlineKeyboardButton, len(row))
		for j, b := range row {
			markup[i][j] = tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data)
		}
	}
	raw, _ := json.Marshal(tgbotapi.InlineKeyboardMarkup{InlineKeyboard: markup})
	return string(raw)
}

// Telegram caps forum topic names at 128 characters.
func truncateTopicTitle(title string) string {
	runes := []rune(title)
	if len(runes) <= 128 {
		return title
	}
	return string(runes[:127]) + "…"
}

var _ Transport = (*Telegram)(nil)
