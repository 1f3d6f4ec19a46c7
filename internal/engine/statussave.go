package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"wa-guard/internal/wa"

	"github.com/google/uuid"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

const statusBroadcastJID = "status@broadcast"

// statusSaveTriggers are the bare words that request saving a quoted status.
var statusSaveTriggers = map[string]bool{
	"save":   true,
	"simpan": true,
	"sn":     true,
}

// handleStatusSave detects the quoted-status-save command class and, when
// triggered, re-sends the quoted status media to the requesting chat.
// Returns true when the event was a save request (even a rejected one),
// short-circuiting the rest of the pipeline.
func (e *Engine) handleStatusSave(ctx context.Context, evt *events.Message, text string) bool {
	if !statusSaveTriggers[strings.ToLower(strings.TrimSpace(text))] {
		return false
	}

	outcome := "rejected"
	defer func() {
		if e.metrics != nil {
			e.metrics.StatusSaves.WithLabelValues(outcome).Inc()
		}
	}()

	replyCtx := wa.WithReply(ctx, evt)

	quoted, quotedIsStatus := quotedMessage(evt.Message)
	if quoted == nil {
		e.reply(replyCtx, evt, "Reply to a status to save it.")
		return true
	}
	if !quotedIsStatus {
		e.reply(replyCtx, evt, "That is not a status; only statuses can be saved.")
		return true
	}

	quoted = unwrap(quoted)
	switch {
	case quoted.GetImageMessage() != nil, quoted.GetVideoMessage() != nil:
	default:
		e.reply(replyCtx, evt, "Only image and video statuses can be saved.")
		return true
	}

	data, mime, err := e.transport.DownloadMedia(ctx, quoted)
	if err != nil {
		e.logger.Warn("status media download failed", "message_id", evt.Info.ID, "error", err)
		e.reply(replyCtx, evt, "Could not download the status media.")
		return true
	}

	// Round-trip through a scratch file; the periodic sweeper reclaims
	// leftovers if the process dies between write and remove.
	path := filepath.Join(e.opts.TempDir, "status-"+uuid.NewString())
	if err := os.WriteFile(path, data, 0o600); err != nil {
		e.logger.Warn("status scratch write failed", "message_id", evt.Info.ID, "error", err)
		e.reply(replyCtx, evt, "Could not save the status media.")
		return true
	}
	defer os.Remove(path)

	saved, err := os.ReadFile(path)
	if err != nil {
		e.logger.Warn("status scratch read failed", "message_id", evt.Info.ID, "error", err)
		e.reply(replyCtx, evt, "Could not save the status media.")
		return true
	}

	sendCtx := wa.WithForwarded(replyCtx)
	if quoted.GetImageMessage() != nil {
		caption := quoted.GetImageMessage().GetCaption()
		err = e.exec.Do(sendCtx, func(ctx context.Context) error {
			return e.transport.SendImage(ctx, evt.Info.Chat, saved, mime, caption)
		})
	} else {
		caption := quoted.GetVideoMessage().GetCaption()
		err = e.exec.Do(sendCtx, func(ctx context.Context) error {
			return e.transport.SendVideo(ctx, evt.Info.Chat, saved, mime, caption)
		})
	}
	if err != nil {
		e.logger.Warn("status re-send failed", "message_id", evt.Info.ID, "error", err)
		e.reply(replyCtx, evt, "Could not re-send the status media.")
		return true
	}

	outcome = "saved"
	return true
}

// quotedMessage extracts the quoted message from an extended-text context
// and reports whether the quote originates from the status broadcast chat.
func quotedMessage(msg *waProto.Message) (*waProto.Message, bool) {
	msg = unwrap(msg)
	ext := msg.GetExtendedTextMessage()
	if ext == nil || ext.GetContextInfo() == nil {
		return nil, false
	}
	info := ext.GetContextInfo()
	quoted := info.GetQuotedMessage()
	if quoted == nil {
		return nil, false
	}
	return quoted, info.GetRemoteJID() == statusBroadcastJID
}
