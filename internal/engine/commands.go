package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wa-guard/internal/rules"
	"wa-guard/internal/wa"

	"go.mau.fi/whatsmeow/types/events"
)

const refusalReply = "You are not allowed to use this command."

// handleCommand dispatches the small fixed command table. Reload and
// clear are owner-gated; non-owners get a fixed refusal and no state change.
func (e *Engine) handleCommand(ctx context.Context, evt *events.Message, cmd string) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return
	}
	name := strings.ToLower(fields[0])
	replyCtx := wa.WithReply(ctx, evt)

	switch name {
	case "ping":
		e.reply(replyCtx, evt, "pong")
	case "runtime":
		e.reply(replyCtx, evt, fmt.Sprintf("Running for %s.", e.transport.Uptime().Round(time.Second)))
	case "reload":
		if !e.isOwner(evt.Info.Sender) {
			e.reply(replyCtx, evt, refusalReply)
			return
		}
		if err := e.rules.Load(); err != nil {
			e.logger.Error("rule reload failed", "error", err)
			if errors.Is(err, rules.ErrBadDocument) {
				e.reply(replyCtx, evt, "Reload rejected: invalid rule document, previous rules remain active.")
			} else {
				e.reply(replyCtx, evt, "Reload failed.")
			}
			return
		}
		e.reply(replyCtx, evt, fmt.Sprintf("Rules reloaded, %d active.", len(e.rules.Active().Rules)))
	case "clear", "delete":
		if !e.isOwner(evt.Info.Sender) {
			e.reply(replyCtx, evt, refusalReply)
			return
		}
		removed, err := e.store.ClearAll(ctx)
		if err != nil {
			e.logger.Error("clear messages failed", "error", err)
			e.reply(replyCtx, evt, "Clear failed, no records were removed.")
			return
		}
		e.reply(replyCtx, evt, fmt.Sprintf("Cleared %d logged messages.", removed))
	default:
		return
	}

	if e.metrics != nil {
		e.metrics.Commands.WithLabelValues(name).Inc()
	}
}

func (e *Engine) reply(ctx context.Context, evt *events.Message, text string) {
	if err := e.sendText(ctx, evt.Info.Chat, text); err != nil {
		e.logger.Warn("command reply failed", "message_id", evt.Info.ID, "error", err)
	}
}
