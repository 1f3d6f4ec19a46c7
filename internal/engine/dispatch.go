package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"wa-guard/internal/rules"
	"wa-guard/internal/wa"

	"go.mau.fi/whatsmeow/types/events"
)

// defaultAvatarURL substitutes for ${senderdpurl} when the profile picture
// cannot be fetched.
const defaultAvatarURL = "https://i.ibb.co/3Fh9V6p/avatar-contact.png"

// dispatchRules evaluates the active rule set against the normalized text
// and, on a match, dispatches the rule's response items strictly in
// sequence. Reports whether a rule matched.
func (e *Engine) dispatchRules(ctx context.Context, evt *events.Message, text string) bool {
	rule := e.rules.Active().Match(text, e.logger)
	if rule == nil {
		return false
	}

	trigger := rule.Trigger
	if trigger == "" {
		trigger = rule.Pattern
	}
	e.logger.Info("rule matched", "message_id", evt.Info.ID, "trigger", trigger)
	if e.metrics != nil {
		e.metrics.RuleMatches.WithLabelValues(trigger).Inc()
	}

	if err := e.store.MarkAutoReplied(ctx, evt.Info.ID); err != nil {
		e.logger.Warn("mark auto replied failed", "message_id", evt.Info.ID, "error", err)
	}

	subs := rules.Substitutions{
		PushName:    evt.Info.PushName,
		UserID:      evt.Info.Sender.User,
		SenderDPURL: e.profilePicture(ctx, evt),
	}

	e.transport.SetTyping(evt.Info.Chat, true)
	defer e.transport.SetTyping(evt.Info.Chat, false)

	sendCtx := wa.WithForwarded(wa.WithReply(ctx, evt))
	for i, item := range rule.Response {
		if item.DelayMs > 0 {
			select {
			case <-ctx.Done():
				return true
			case <-time.After(time.Duration(item.DelayMs) * time.Millisecond):
			}
		}
		item = subs.Expand(item)
		if err := e.dispatchItem(sendCtx, evt, item); err != nil {
			// One failed item skips only itself; siblings still run.
			e.logger.Warn("response item failed", "message_id", evt.Info.ID,
				"item", i, "type", item.Type, "error", err)
			if e.metrics != nil {
				e.metrics.ResponseItems.WithLabelValues(item.Type, "error").Inc()
			}
			continue
		}
		if e.metrics != nil {
			e.metrics.ResponseItems.WithLabelValues(item.Type, "ok").Inc()
		}
	}
	return true
}

func (e *Engine) dispatchItem(ctx context.Context, evt *events.Message, item rules.ResponseItem) error {
	to := evt.Info.Chat
	switch item.Type {
	case "text":
		return e.exec.Do(ctx, func(ctx context.Context) error {
			return e.transport.SendText(ctx, to, item.Content)
		})
	case "image":
		data, err := e.fetchMedia(ctx, item.URL)
		if err != nil {
			return fmt.Errorf("fetch image: %w", err)
		}
		return e.exec.Do(ctx, func(ctx context.Context) error {
			return e.transport.SendImage(ctx, to, data, "", item.Caption)
		})
	case "video":
		data, err := e.fetchMedia(ctx, item.URL)
		if err != nil {
			return fmt.Errorf("fetch video: %w", err)
		}
		return e.exec.Do(ctx, func(ctx context.Context) error {
			return e.transport.SendVideo(ctx, to, data, "video/mp4", item.Caption)
		})
	case "voice":
		data, err := e.fetchMedia(ctx, item.URL)
		if err != nil {
			return fmt.Errorf("fetch voice: %w", err)
		}
		return e.exec.Do(ctx, func(ctx context.Context) error {
			return e.transport.SendAudio(ctx, to, data, "audio/ogg; codecs=opus", true)
		})
	default:
		return fmt.Errorf("unknown response type %q", item.Type)
	}
}

// fetchMedia loads response media from an HTTP URL or a local path.
func (e *Engine) fetchMedia(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, fmt.Errorf("build media request: %w", err)
		}
		resp, err := e.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("get media: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("get media: status %d", resp.StatusCode)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read media body: %w", err)
		}
		return data, nil
	}

	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("read media file: %w", err)
	}
	return data, nil
}

// profilePicture resolves ${senderdpurl}, memoised in the URL cache; fetch
// failure yields the fixed default.
func (e *Engine) profilePicture(ctx context.Context, evt *events.Message) string {
	jid := evt.Info.Sender.ToNonAD()
	if url, ok := e.urls.GetProfilePictureURL(ctx, jid.String()); ok {
		return url
	}
	url, err := e.transport.ProfilePictureURL(ctx, jid)
	if err != nil || url == "" {
		e.logger.Debug("profile picture fetch failed", "jid", jid.String(), "error", err)
		return defaultAvatarURL
	}
	e.urls.SetProfilePictureURL(ctx, jid.String(), url)
	return url
}
