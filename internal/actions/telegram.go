package actions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"fitsched/internal/action"
)

// Sender is the subset of *tele.Bot used to deliver notifications.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram delivers schedule notifications through the Bot API.
type Telegram struct {
	bot Sender
}

// NewTelegram builds an offline bot (no long polling); it only sends.
func NewTelegram(token string, timeout time.Duration) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b}, nil
}

// NewTelegramWithSender wires an existing sender.
func NewTelegramWithSender(s Sender) *Telegram { return &Telegram{bot: s} }

type telegramPayload struct {
	ChatID    int64  `json:"chatId"`
	ThreadID  int    `json:"threadId"`
	Text      string `json:"text"`
	ParseMode string `json:"parseMode"`
}

func (t *Telegram) Handle(ctx context.Context, c action.Call) error {
	var p telegramPayload
	if err := decode(c.Data, &p); err != nil {
		return err
	}
	if p.ChatID == 0 {
		return action.Permanent(errors.New("data.chatId is required"))
	}
	if strings.TrimSpace(p.Text) == "" {
		return action.Permanent(errors.New("data.text is required"))
	}

	chat := &tele.Chat{ID: p.ChatID}
	for _, chunk := range splitText(p.Text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{ParseMode: tele.ParseMode(p.ParseMode), ThreadID: p.ThreadID}
		if _, err := t.bot.Send(chat, chunk, opt); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

const telegramTextLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that don't leave tiny chunks.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
