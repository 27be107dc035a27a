package telegram

import (
	"context"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// toggleUnique routes every toggle button to one callback endpoint; the
// button's data carries "on" or "off".
const toggleUnique = "toggle"

// toggleEndpoint is only used to register the callback handler.
var toggleEndpoint = tele.Btn{Unique: toggleUnique}

// toggleMarkup offers the opposite of the current running flag.
func toggleMarkup(running bool) *tele.ReplyMarkup {
	m := &tele.ReplyMarkup{}
	btn := m.Data("⏸ Turn off", toggleUnique, "off")
	if !running {
		btn = m.Data("▶️ Turn on", toggleUnique, "on")
	}
	m.Inline(m.Row(btn))
	return m
}

// toggleCommand maps button data onto the matching slash command.
func toggleCommand(data string) (string, bool) {
	switch strings.TrimSpace(data) {
	case "on":
		return "/on", true
	case "off":
		return "/off", true
	default:
		return "", false
	}
}

func (t *Bot) onToggle(c tele.Context) error {
	cmd, ok := toggleCommand(c.Data())
	if !ok {
		return c.Respond(&tele.CallbackResponse{Text: "Unknown action"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.CommandTimeout)
	defer cancel()
	text := t.reply(ctx, cmd)
	_ = c.Respond(&tele.CallbackResponse{Text: text})
	return c.Edit(statusText(t.ctrl.Snapshot()), toggleMarkup(t.ctrl.Snapshot().Running))
}
