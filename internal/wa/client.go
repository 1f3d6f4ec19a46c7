package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"wa-guard/internal/metrics"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

// forwardingScore marks reconstructed and rule-response sends as forwarded
// content on the receiving side.
const forwardingScore = 999

// Config holds configuration to initialise the WhatsApp client.
type Config struct {
	StorePath string
	LogLevel  string
	Metrics   *metrics.Metrics
}

// Client wraps the WhatsMeow client and associated dependencies.
type Client struct {
	client    *whatsmeow.Client
	logger    *slog.Logger
	metrics   *metrics.Metrics
	processor MessageProcessor
	started   time.Time
}

// MessageProcessor handles inbound WhatsApp message events. Revocation
// notifications arrive on the same stream as protocol messages.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, evt *events.Message)
}

type replyContextKey struct{}
type forwardedContextKey struct{}

// ReplyMetadata carries information for quoting a previous message.
type ReplyMetadata struct {
	Message *waProto.Message
	Info    types.MessageInfo
}

// WithReply attaches reply metadata to the context so outgoing messages
// quote the given event.
func WithReply(ctx context.Context, evt *events.Message) context.Context {
	if evt == nil || evt.Message == nil {
		return ctx
	}
	cloned, ok := proto.Clone(evt.Message).(*waProto.Message)
	if !ok {
		cloned = evt.Message
	}
	meta := &ReplyMetadata{
		Message: cloned,
		Info:    evt.Info,
	}
	return context.WithValue(ctx, replyContextKey{}, meta)
}

// WithSyntheticReply attaches a synthetic quoted text message, used when the
// original message is no longer available (anti-delete audit quoting).
func WithSyntheticReply(ctx context.Context, id string, chat, sender types.JID, text string) context.Context {
	meta := &ReplyMetadata{
		Message: &waProto.Message{Conversation: proto.String(text)},
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: chat, Sender: sender},
			ID:            id,
		},
	}
	return context.WithValue(ctx, replyContextKey{}, meta)
}

// WithForwarded marks outgoing messages as forwarded with a fixed high
// forwarding score.
func WithForwarded(ctx context.Context) context.Context {
	return context.WithValue(ctx, forwardedContextKey{}, true)
}

func replyFromContext(ctx context.Context) *ReplyMetadata {
	if ctx == nil {
		return nil
	}
	meta, _ := ctx.Value(replyContextKey{}).(*ReplyMetadata)
	return meta
}

func forwardedFromContext(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	f, _ := ctx.Value(forwardedContextKey{}).(bool)
	return f
}

func (c *Client) contextInfo(ctx context.Context) *waProto.ContextInfo {
	var info *waProto.ContextInfo
	if reply := replyFromContext(ctx); reply != nil && reply.Message != nil {
		info = &waProto.ContextInfo{
			StanzaID:      proto.String(string(reply.Info.ID)),
			Participant:   proto.String(reply.Info.Sender.ToNonAD().String()),
			RemoteJID:     proto.String(reply.Info.Chat.String()),
			QuotedMessage: reply.Message,
			QuotedType:    waProto.ContextInfo_EXPLICIT.Enum(),
		}
	}
	if forwardedFromContext(ctx) {
		if info == nil {
			info = &waProto.ContextInfo{}
		}
		info.IsForwarded = proto.Bool(true)
		info.ForwardingScore = proto.Uint32(forwardingScore)
	}
	return info
}

// New creates a new WhatsApp client instance backed by an SQLite store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}

	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	waLogger := waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)
	client := whatsmeow.NewClient(deviceStore, waLogger)

	wc := &Client{
		client:  client,
		logger:  logger.With("component", "wa"),
		metrics: cfg.Metrics,
		started: time.Now(),
	}
	client.AddEventHandler(wc.handleEvent)

	return wc, nil
}

// Start connects the client and handles login/QR pairing flow.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		c.logger.Info("pairing required, waiting for QR scan")
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}

		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					c.logger.Info("scan the QR code with WhatsApp", "qr", evt.Code)
				} else {
					c.logger.Info("pairing event received", "event", evt.Event)
				}
			}
		}()
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}

	c.logger.Info("whatsapp client connected")
	return nil
}

// Close disconnects the WhatsApp client.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
}

// Uptime reports how long the client wrapper has been alive.
func (c *Client) Uptime() time.Duration {
	return time.Since(c.started)
}

// OwnJID returns the logged-in device JID, or the zero JID before pairing.
func (c *Client) OwnJID() types.JID {
	if c.client.Store.ID == nil {
		return types.EmptyJID
	}
	return *c.client.Store.ID
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		if v.Message == nil {
			return
		}
		if c.processor != nil {
			c.processor.ProcessMessage(context.Background(), v)
		}
	case *events.Connected:
		c.logger.Info("device connected")
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
	}
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}

// SetMessageProcessor registers message processor callback.
func (c *Client) SetMessageProcessor(processor MessageProcessor) {
	c.processor = processor
}

// SendText sends a text message to the specified JID.
func (c *Client) SendText(ctx context.Context, to types.JID, text string) error {
	var message *waProto.Message
	if info := c.contextInfo(ctx); info != nil {
		message = &waProto.Message{
			ExtendedTextMessage: &waProto.ExtendedTextMessage{
				Text:        proto.String(text),
				ContextInfo: info,
			},
		}
	} else {
		message = &waProto.Message{
			Conversation: proto.String(text),
		}
	}
	_, err := c.client.SendMessage(ctx, to, message)
	if err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	if c.metrics != nil {
		c.metrics.WAOutgoingMessages.WithLabelValues("text").Inc()
	}
	return nil
}

// SendImage uploads and sends an image message to the specified JID.
func (c *Client) SendImage(ctx context.Context, to types.JID, data []byte, mimeType, caption string) error {
	if len(data) == 0 {
		return errors.New("send image: empty data")
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	uploadResp, err := c.client.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return fmt.Errorf("upload image: %w", err)
	}

	imageMsg := &waProto.ImageMessage{
		URL:           proto.String(uploadResp.URL),
		DirectPath:    proto.String(uploadResp.DirectPath),
		MediaKey:      uploadResp.MediaKey,
		FileEncSHA256: uploadResp.FileEncSHA256,
		FileSHA256:    uploadResp.FileSHA256,
		FileLength:    proto.Uint64(uploadResp.FileLength),
		Mimetype:      proto.String(mimeType),
		ContextInfo:   c.contextInfo(ctx),
	}
	if caption != "" {
		imageMsg.Caption = proto.String(caption)
	}

	if _, err := c.client.SendMessage(ctx, to, &waProto.Message{ImageMessage: imageMsg}); err != nil {
		return fmt.Errorf("send image: %w", err)
	}
	if c.metrics != nil {
		c.metrics.WAOutgoingMessages.WithLabelValues("image").Inc()
	}
	return nil
}

// SendVideo uploads and sends a video message to the specified JID.
func (c *Client) SendVideo(ctx context.Context, to types.JID, data []byte, mimeType, caption string) error {
	if len(data) == 0 {
		return errors.New("send video: empty data")
	}
	if mimeType == "" {
		mimeType = "video/mp4"
	}
	uploadResp, err := c.client.Upload(ctx, data, whatsmeow.MediaVideo)
	if err != nil {
		return fmt.Errorf("upload video: %w", err)
	}

	videoMsg := &waProto.VideoMessage{
		URL:           proto.String(uploadResp.URL),
		DirectPath:    proto.String(uploadResp.DirectPath),
		MediaKey:      uploadResp.MediaKey,
		FileEncSHA256: uploadResp.FileEncSHA256,
		FileSHA256:    uploadResp.FileSHA256,
		FileLength:    proto.Uint64(uploadResp.FileLength),
		Mimetype:      proto.String(mimeType),
		ContextInfo:   c.contextInfo(ctx),
	}
	if caption != "" {
		videoMsg.Caption = proto.String(caption)
	}

	if _, err := c.client.SendMessage(ctx, to, &waProto.Message{VideoMessage: videoMsg}); err != nil {
		return fmt.Errorf("send video: %w", err)
	}
	if c.metrics != nil {
		c.metrics.WAOutgoingMessages.WithLabelValues("video").Inc()
	}
	return nil
}

// SendAudio uploads and sends an audio message; ptt renders it as a voice note.
func (c *Client) SendAudio(ctx context.Context, to types.JID, data []byte, mimeType string, ptt bool) error {
	if len(data) == 0 {
		return errors.New("send audio: empty data")
	}
	if mimeType == "" {
		mimeType = "audio/ogg; codecs=opus"
	}
	uploadResp, err := c.client.Upload(ctx, data, whatsmeow.MediaAudio)
	if err != nil {
		return fmt.Errorf("upload audio: %w", err)
	}

	audioMsg := &waProto.AudioMessage{
		URL:           proto.String(uploadResp.URL),
		DirectPath:    proto.String(uploadResp.DirectPath),
		MediaKey:      uploadResp.MediaKey,
		FileEncSHA256: uploadResp.FileEncSHA256,
		FileSHA256:    uploadResp.FileSHA256,
		FileLength:    proto.Uint64(uploadResp.FileLength),
		Mimetype:      proto.String(mimeType),
		PTT:           proto.Bool(ptt),
		ContextInfo:   c.contextInfo(ctx),
	}

	if _, err := c.client.SendMessage(ctx, to, &waProto.Message{AudioMessage: audioMsg}); err != nil {
		return fmt.Errorf("send audio: %w", err)
	}
	if c.metrics != nil {
		c.metrics.WAOutgoingMessages.WithLabelValues("audio").Inc()
	}
	return nil
}

// DownloadMedia downloads the media content from a message and returns bytes and mime type.
func (c *Client) DownloadMedia(ctx context.Context, msg *waProto.Message) ([]byte, string, error) {
	data, err := c.client.DownloadAny(ctx, msg)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}

	mime := "application/octet-stream"
	switch {
	case msg.ImageMessage != nil:
		if m := msg.ImageMessage.GetMimetype(); m != "" {
			mime = m
		}
	case msg.VideoMessage != nil:
		if m := msg.VideoMessage.GetMimetype(); m != "" {
			mime = m
		}
	case msg.AudioMessage != nil:
		if m := msg.AudioMessage.GetMimetype(); m != "" {
			mime = m
		}
	case msg.DocumentMessage != nil:
		if m := msg.DocumentMessage.GetMimetype(); m != "" {
			mime = m
		}
	}
	return data, mime, nil
}

// ProfilePictureURL fetches the full-resolution display picture URL for a JID.
func (c *Client) ProfilePictureURL(ctx context.Context, jid types.JID) (string, error) {
	info, err := c.client.GetProfilePictureInfo(jid, &whatsmeow.GetProfilePictureParams{})
	if err != nil {
		return "", fmt.Errorf("profile picture info: %w", err)
	}
	if info == nil || info.URL == "" {
		return "", errors.New("no profile picture")
	}
	return info.URL, nil
}

// MarkRead sends read receipts for the given message ids.
func (c *Client) MarkRead(ids []types.MessageID, chat, sender types.JID) {
	if err := c.client.MarkRead(ids, time.Now(), chat, sender); err != nil {
		c.logger.Warn("mark read failed", "chat", chat.String(), "error", err)
	}
}

// SetTyping toggles the composing presence indicator in a chat.
func (c *Client) SetTyping(chat types.JID, composing bool) {
	state := types.ChatPresencePaused
	if composing {
		state = types.ChatPresenceComposing
	}
	if err := c.client.SendChatPresence(chat, state, types.ChatPresenceMediaText); err != nil {
		c.logger.Debug("chat presence failed", "chat", chat.String(), "error", err)
	}
}
