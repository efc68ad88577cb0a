package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"fitsched/internal/action"
	logx "fitsched/pkg/logx"
)

const (
	LogMessage     = "log.message"
	HTTPWebhook    = "http.webhook"
	TelegramNotify = "telegram.notify"
)

// Deps are the optional collaborators of the builtin actions.
// A nil Telegram leaves telegram.notify unregistered.
type Deps struct {
	Log      logx.Logger
	Webhook  *Webhook
	Telegram *Telegram
}

// RegisterBuiltins adds the builtin actions to r.
func RegisterBuiltins(r *action.Registry, d Deps) error {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if err := r.Register(LogMessage, logMessage(d.Log), action.Meta{
		Description: "write data.message to the service log",
	}); err != nil {
		return err
	}
	if d.Webhook == nil {
		d.Webhook = NewWebhook(nil)
	}
	if err := r.Register(HTTPWebhook, d.Webhook.Handle, action.Meta{
		Description: "POST the schedule payload as JSON to data.url",
	}); err != nil {
		return err
	}
	if d.Telegram != nil {
		if err := r.Register(TelegramNotify, d.Telegram.Handle, action.Meta{
			Description: "send data.text to Telegram chat data.chatId",
		}); err != nil {
			return err
		}
	}
	return nil
}

type logPayload struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

func logMessage(log logx.Logger) action.Handler {
	return func(_ context.Context, c action.Call) error {
		var p logPayload
		if err := decode(c.Data, &p); err != nil {
			return err
		}
		if strings.TrimSpace(p.Message) == "" {
			p.Message = "scheduled action"
		}
		fields := []logx.Field{
			logx.String("schedule_id", c.ScheduleID),
			logx.String("entity_id", c.EntityID),
			logx.String("user_id", c.UserID),
		}
		switch logx.ParseLevel(p.Level) {
		case logx.LevelWarn:
			log.Warn(p.Message, fields...)
		case logx.LevelError:
			log.Error(p.Message, fields...)
		case logx.LevelDebug, logx.LevelTrace:
			log.Debug(p.Message, fields...)
		default:
			log.Info(p.Message, fields...)
		}
		return nil
	}
}

// decode reads optional JSON data. Malformed payloads never succeed on retry.
func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return action.Permanent(fmt.Errorf("decode data: %w", err))
	}
	return nil
}
