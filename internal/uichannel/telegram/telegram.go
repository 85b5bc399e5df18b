// Package telegram is the default production Channel adapter (spec §2
// collaborator #5, §6's TelegramSource), built on
// github.com/go-telegram-bot-api/telegram-bot-api/v5.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/media-orchestrator/internal/uichannel"
)

const (
	minPollBackoff = 3 * time.Second
	maxPollBackoff = 2 * time.Minute
)

// Config configures the adapter, mirroring config.TelegramConfig.
type Config struct {
	Token      string
	AllowedIDs []int64
}

// Update is a minimal, platform-independent inbound event handed to the
// caller's handler func (e.g. a /cancel button press).
type Update struct {
	ChatID         int64
	UserID         int64
	Text           string
	CallbackData   string
	CallbackQueryID string
}

// Adapter implements uichannel.Channel over the Telegram Bot API long-poll
// transport.
type Adapter struct {
	bot     *tgbotapi.BotAPI
	logger  *slog.Logger
	allowed map[int64]bool
	offset  int
	closed  atomic.Bool
}

// New authenticates against the Telegram Bot API and returns an Adapter.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: authenticate: %w", err)
	}

	allowed := make(map[int64]bool, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		allowed[id] = true
	}

	return &Adapter{
		bot:     bot,
		logger:  logger.With("component", "uichannel/telegram"),
		allowed: allowed,
	}, nil
}

// SendMessage implements uichannel.Channel.
func (a *Adapter) SendMessage(_ context.Context, peer string, msg uichannel.Outbound) (int64, error) {
	chatID, err := parsePeer(peer)
	if err != nil {
		return 0, err
	}
	cfg := tgbotapi.NewMessage(chatID, EscapeMarkdownV2(msg.Text))
	cfg.ParseMode = tgbotapi.ModeMarkdownV2
	if len(msg.Buttons) > 0 {
		cfg.ReplyMarkup = inlineKeyboard(msg.Buttons)
	}
	sent, err := a.bot.Send(cfg)
	if err != nil {
		return 0, fmt.Errorf("telegram: send message: %w", err)
	}
	return int64(sent.MessageID), nil
}

// EditMessage implements uichannel.Channel.
func (a *Adapter) EditMessage(_ context.Context, peer string, msgID int64, msg uichannel.Outbound) error {
	chatID, err := parsePeer(peer)
	if err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(chatID, int(msgID), EscapeMarkdownV2(msg.Text))
	edit.ParseMode = tgbotapi.ModeMarkdownV2
	if len(msg.Buttons) > 0 {
		markup := inlineKeyboard(msg.Buttons)
		edit.ReplyMarkup = &markup
	}
	if _, err := a.bot.Send(edit); err != nil {
		return fmt.Errorf("telegram: edit message: %w", err)
	}
	return nil
}

func parsePeer(peer string) (int64, error) {
	id, err := strconv.ParseInt(peer, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid peer %q: %w", peer, err)
	}
	return id, nil
}

func inlineKeyboard(buttons []uichannel.Button) tgbotapi.InlineKeyboardMarkup {
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row)
}

// Run long-polls for updates until ctx is cancelled, invoking handler for
// every inbound message or button press from an allowed user. On a
// transport error the poll interval backs off, doubling up to
// maxPollBackoff, and resets to minPollBackoff on the next success.
func (a *Adapter) Run(ctx context.Context, handler func(Update)) {
	backoff := minPollBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		req := tgbotapi.NewUpdate(a.offset)
		req.Timeout = 60
		updates, err := a.bot.GetUpdates(req)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxPollBackoff {
				backoff = maxPollBackoff
			}
			a.logger.Warn("telegram poll failed, backing off", slog.Duration("backoff", backoff), slog.Any("error", err))
			continue
		}
		backoff = minPollBackoff

		for _, u := range updates {
			if u.UpdateID >= a.offset {
				a.offset = u.UpdateID + 1
			}
			a.dispatch(u, handler)
		}
	}
}

func (a *Adapter) dispatch(u tgbotapi.Update, handler func(Update)) {
	var userID int64
	var chatID int64
	var text, callbackData, callbackID string

	switch {
	case u.Message != nil:
		if u.Message.From != nil {
			userID = u.Message.From.ID
		}
		chatID = u.Message.Chat.ID
		text = u.Message.Text
	case u.CallbackQuery != nil:
		if u.CallbackQuery.From != nil {
			userID = u.CallbackQuery.From.ID
		}
		if u.CallbackQuery.Message != nil {
			chatID = u.CallbackQuery.Message.Chat.ID
		}
		callbackData = u.CallbackQuery.Data
		callbackID = u.CallbackQuery.ID
	default:
		return
	}

	if len(a.allowed) > 0 && !a.allowed[userID] {
		a.logger.Warn("dropped update from disallowed user", slog.Int64("user_id", userID))
		return
	}

	handler(Update{ChatID: chatID, UserID: userID, Text: text, CallbackData: callbackData, CallbackQueryID: callbackID})
}

// AckCallback answers a callback query so Telegram stops showing the
// client-side loading spinner on the pressed button.
func (a *Adapter) AckCallback(callbackQueryID string) {
	if callbackQueryID == "" {
		return
	}
	if _, err := a.bot.Request(tgbotapi.NewCallback(callbackQueryID, "")); err != nil {
		a.logger.Warn("telegram callback ack failed", slog.Any("error", err))
	}
}

var markdownV2Escaped = []string{
	"_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!",
}

// EscapeMarkdownV2 escapes every character MarkdownV2 treats specially, per
// the Telegram Bot API formatting spec.
func EscapeMarkdownV2(s string) string {
	for _, ch := range markdownV2Escaped {
		s = strings.ReplaceAll(s, ch, "\\"+ch)
	}
	return s
}
