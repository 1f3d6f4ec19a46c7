package engine

import (
	"context"
	"fmt"
	"strings"

	"wa-guard/internal/mediacache"
	"wa-guard/internal/repo"
	"wa-guard/internal/wa"

	waCommon "go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// handleRevocation correlates a deletion notification with the stored
// record and the media cache, forwards the reconstructed content to the
// deleter and follows up with an audit alert. Failures are logged and never
// propagate: a broken recovery must not stall the pipeline.
func (e *Engine) handleRevocation(ctx context.Context, evt *events.Message, key *waCommon.MessageKey) {
	if e.metrics != nil {
		e.metrics.DeletionsObserved.Inc()
	}

	messageID := key.GetID()
	deleter := evt.Info.Sender.ToNonAD()
	if deleter.IsEmpty() {
		deleter = evt.Info.Chat
	}

	now := e.clock()
	if err := e.store.MarkDeleted(ctx, messageID, deleter.String(), now); err != nil {
		e.logger.Error("mark deleted failed", "message_id", messageID, "error", err)
	}

	record, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		e.logger.Error("read deleted record failed", "message_id", messageID, "error", err)
		return
	}
	if record == nil {
		// Never logged: a revocation for a message from before our time.
		e.logger.Debug("revocation for unknown message", "message_id", messageID)
		return
	}

	e.logger.Info("recovering deleted message", "message_id", messageID,
		"kind", record.Kind, "deleted_by", deleter.String())

	entry, cached := e.media.Get(messageID)
	source := e.forwardOriginal(ctx, deleter, record, entry, cached)
	e.sendAuditAlert(ctx, deleter, record, entry, cached)

	if e.metrics != nil {
		e.metrics.DeletionsRecovered.WithLabelValues(source).Inc()
	}
}

// forwardOriginal reconstructs the deleted content and sends it to the
// deleter. Returns the reconstruction source label for metrics.
func (e *Engine) forwardOriginal(ctx context.Context, deleter types.JID, record *repo.Message, entry mediacache.Entry, cached bool) string {
	sendCtx := wa.WithForwarded(ctx)

	// An entry without bytes or a hosted copy cannot be re-sent as media;
	// those fall through to the text reconstruction below.
	if cached && repo.IsMediaKind(record.Kind) && (len(entry.Payload) > 0 || hostedURL(record, entry) != "") {
		if err := e.forwardCachedMedia(sendCtx, deleter, record, entry); err != nil {
			e.logger.Warn("forward cached media failed", "message_id", record.MessageID, "error", err)
			return "failed"
		}
		return "cache"
	}

	text := e.reconstructText(record)
	if err := e.sendText(sendCtx, deleter, text); err != nil {
		e.logger.Warn("forward reconstructed text failed", "message_id", record.MessageID, "error", err)
		return "failed"
	}
	if repo.IsMediaKind(record.Kind) {
		return "store"
	}
	return "text"
}

func (e *Engine) forwardCachedMedia(ctx context.Context, deleter types.JID, record *repo.Message, entry mediacache.Entry) error {
	switch record.Kind {
	case repo.KindImage:
		data := entry.Payload
		// The hosted copy is preferred: it survives transport media
		// expiry, while cached bytes are the fallback.
		if url := hostedURL(record, entry); url != "" {
			if fetched, err := e.fetchMedia(ctx, url); err == nil {
				data = fetched
			} else {
				e.logger.Debug("hosted image fetch failed, using cached bytes",
					"message_id", record.MessageID, "error", err)
			}
		}
		if len(data) == 0 {
			return fmt.Errorf("no image payload recoverable")
		}
		return e.exec.Do(ctx, func(ctx context.Context) error {
			return e.transport.SendImage(ctx, deleter, data, entry.Mimetype, entry.Caption)
		})
	case repo.KindVideo:
		return e.exec.Do(ctx, func(ctx context.Context) error {
			return e.transport.SendVideo(ctx, deleter, entry.Payload, entry.Mimetype, entry.Caption)
		})
	case repo.KindAudio:
		return e.exec.Do(ctx, func(ctx context.Context) error {
			return e.transport.SendAudio(ctx, deleter, entry.Payload, entry.Mimetype, true)
		})
	default:
		return fmt.Errorf("unexpected media kind %q", record.Kind)
	}
}

func hostedURL(record *repo.Message, entry mediacache.Entry) string {
	if entry.ImageHostedURL != "" {
		return entry.ImageHostedURL
	}
	if record.ImageHostedURL != nil {
		return *record.ImageHostedURL
	}
	return ""
}

// reconstructText renders what can still be recovered without a cache hit.
func (e *Engine) reconstructText(record *repo.Message) string {
	if !repo.IsMediaKind(record.Kind) {
		return fmt.Sprintf("Deleted message:\n%s", record.Text)
	}

	env := decodeMediaEnvelope(record.Text)
	var b strings.Builder
	fmt.Fprintf(&b, "A deleted %s could not be recovered (media expired from cache).", record.Kind)
	if env.Caption != "" {
		fmt.Fprintf(&b, "\nCaption: %s", env.Caption)
	}
	if record.ImageHostedURL != nil {
		fmt.Fprintf(&b, "\nHosted copy: %s", *record.ImageHostedURL)
	}
	return b.String()
}

// sendAuditAlert sends the who/when summary, quoted against a synthetic
// reference to the original text.
func (e *Engine) sendAuditAlert(ctx context.Context, deleter types.JID, record *repo.Message, entry mediacache.Entry, cached bool) {
	caption := entry.Caption
	if !cached {
		caption = decodeMediaEnvelope(record.Text).Caption
	}

	var b strings.Builder
	b.WriteString("Anti-delete alert\n")
	fmt.Fprintf(&b, "Sender: %s\n", record.SenderJID)
	fmt.Fprintf(&b, "Deleted by: %s\n", deleter.String())
	fmt.Fprintf(&b, "Deleted at: %s", e.localized(e.clock()))
	if caption != "" {
		fmt.Fprintf(&b, "\nCaption: %s", caption)
	}

	quoted := record.Text
	if repo.IsMediaKind(record.Kind) {
		quoted = fmt.Sprintf("[%s]", record.Kind)
	}
	chat := deleter
	sender, err := types.ParseJID(record.SenderJID)
	if err != nil {
		sender = deleter
	}
	sendCtx := wa.WithSyntheticReply(ctx, record.MessageID, chat, sender, quoted)

	if err := e.sendText(sendCtx, deleter, b.String()); err != nil {
		e.logger.Warn("audit alert send failed", "message_id", record.MessageID, "error", err)
	}
}
