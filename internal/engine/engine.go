package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wa-guard/internal/mediacache"
	"wa-guard/internal/metrics"
	"wa-guard/internal/repo"
	"wa-guard/internal/retry"
	"wa-guard/internal/rules"

	waCommon "go.mau.fi/whatsmeow/proto/waCommon"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// Store is the durable message log consumed by the pipeline.
type Store interface {
	InsertMessage(ctx context.Context, msg repo.Message) error
	GetMessage(ctx context.Context, messageID string) (*repo.Message, error)
	MarkDeleted(ctx context.Context, messageID, deletedBy string, at time.Time) error
	MarkAutoReplied(ctx context.Context, messageID string) error
	ClearAll(ctx context.Context) (int64, error)
	AggregateCounts(ctx context.Context) (*repo.Counts, error)
}

// Transport is the send-capable sink plus the auxiliary operations the
// pipeline consumes. Satisfied by *wa.Client.
type Transport interface {
	SendText(ctx context.Context, to types.JID, text string) error
	SendImage(ctx context.Context, to types.JID, data []byte, mimeType, caption string) error
	SendVideo(ctx context.Context, to types.JID, data []byte, mimeType, caption string) error
	SendAudio(ctx context.Context, to types.JID, data []byte, mimeType string, ptt bool) error
	DownloadMedia(ctx context.Context, msg *waProto.Message) ([]byte, string, error)
	ProfilePictureURL(ctx context.Context, jid types.JID) (string, error)
	MarkRead(ids []types.MessageID, chat, sender types.JID)
	SetTyping(chat types.JID, composing bool)
	Uptime() time.Duration
}

// Uploader pushes image bytes to an external hosting service.
type Uploader interface {
	Enabled() bool
	Upload(ctx context.Context, data []byte, filename string) (string, error)
}

// URLCache memoises profile-picture and hosted-image URLs. Satisfied by
// *cache.Redis; a nil-safe no-op is used when Redis is unavailable.
type URLCache interface {
	GetProfilePictureURL(ctx context.Context, jid string) (string, bool)
	SetProfilePictureURL(ctx context.Context, jid, url string)
	GetHostedImageURL(ctx context.Context, messageID string) (string, bool)
	SetHostedImageURL(ctx context.Context, messageID, url string)
}

// Options configures pipeline behavior.
type Options struct {
	CommandPrefix string
	OwnerJIDs     []string
	RestrictedJID string
	Location      *time.Location
	TempDir       string
	TempSweepAge  time.Duration
	TempSweepTick time.Duration
	QueueSize     int
}

// Engine drives the per-event pipeline: normalization, persistence,
// status-save handling, rule dispatch, command dispatch, and routing of
// revocation notifications to the deletion correlator.
type Engine struct {
	store      Store
	transport  Transport
	uploader   Uploader
	urls       URLCache
	media      *mediacache.Cache
	rules      *rules.Store
	exec       *retry.Executor
	metrics    *metrics.Metrics
	logger     *slog.Logger
	httpClient *http.Client
	clock      func() time.Time
	opts       Options
	queue      chan *events.Message
}

// New assembles the engine. Collaborators other than uploader and urls are
// required.
func New(store Store, transport Transport, uploader Uploader, urls URLCache, media *mediacache.Cache,
	ruleStore *rules.Store, exec *retry.Executor, metricRegistry *metrics.Metrics,
	logger *slog.Logger, opts Options) *Engine {

	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if urls == nil {
		urls = noopURLCache{}
	}

	return &Engine{
		store:      store,
		transport:  transport,
		uploader:   uploader,
		urls:       urls,
		media:      media,
		rules:      ruleStore,
		exec:       exec,
		metrics:    metricRegistry,
		logger:     logger.With("component", "engine"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		clock:      time.Now,
		opts:       opts,
		queue:      make(chan *events.Message, opts.QueueSize),
	}
}

// Start launches the single event worker and the temp-file sweeper. Both
// stop when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	go e.worker(ctx)
	go e.sweepTempFiles(ctx)
}

// ProcessMessage enqueues an inbound event for the worker. Reception never
// blocks on handling; if the queue is full the event is dropped and logged.
func (e *Engine) ProcessMessage(_ context.Context, evt *events.Message) {
	select {
	case e.queue <- evt:
	default:
		e.logger.Warn("event queue full, dropping event", "message_id", evt.Info.ID)
		if e.metrics != nil {
			e.metrics.Errors.WithLabelValues("engine").Inc()
		}
	}
}

func (e *Engine) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-e.queue:
			e.handle(ctx, evt)
		}
	}
}

func (e *Engine) handle(ctx context.Context, evt *events.Message) {
	if evt == nil || evt.Message == nil {
		return
	}

	if key := revokedKey(evt.Message); key != nil {
		e.handleRevocation(ctx, evt, key)
		return
	}

	norm := Normalize(evt.Message)
	if norm == nil {
		return
	}
	if e.metrics != nil {
		e.metrics.WAIncomingMessages.WithLabelValues(norm.Kind).Inc()
	}

	record := e.buildRecord(ctx, evt, norm)

	// Persistence failure drops the event from further processing; the
	// pipeline prefers losing one record over blocking on the store.
	if err := e.store.InsertMessage(ctx, record); err != nil {
		e.logger.Error("persist message failed, dropping event",
			"message_id", evt.Info.ID, "kind", norm.Kind, "error", err)
		if e.metrics != nil {
			e.metrics.Errors.WithLabelValues("store").Inc()
		}
		return
	}

	e.transport.MarkRead([]types.MessageID{evt.Info.ID}, evt.Info.Chat, evt.Info.Sender)

	// Exactly one of status-save, rule dispatch, or command runs per event.
	if norm.Kind == repo.KindText && e.handleStatusSave(ctx, evt, norm.Text) {
		return
	}
	if e.eligibleForRules(evt, norm) {
		if e.dispatchRules(ctx, evt, norm.Text) {
			return
		}
	}
	if norm.Kind == repo.KindText && strings.HasPrefix(norm.Text, e.opts.CommandPrefix) {
		e.handleCommand(ctx, evt, strings.TrimPrefix(norm.Text, e.opts.CommandPrefix))
	}
}

// buildRecord normalizes timestamps, caches media payloads and resolves the
// hosted image URL. Upload failure is non-fatal and leaves the field unset.
func (e *Engine) buildRecord(ctx context.Context, evt *events.Message, norm *Normalized) repo.Message {
	now := evt.Info.Timestamp
	if now.IsZero() {
		now = e.clock()
	}

	record := repo.Message{
		MessageID:          evt.Info.ID,
		SenderJID:          evt.Info.Sender.String(),
		RemoteJID:          evt.Info.Chat.String(),
		Text:               norm.Text,
		Kind:               norm.Kind,
		CreatedAt:          now.UTC(),
		LocalizedCreatedAt: now.In(e.opts.Location),
	}

	if !repo.IsMediaKind(norm.Kind) {
		return record
	}

	entry := mediacache.Entry{
		Kind:     norm.Kind,
		Caption:  norm.Caption,
		Mimetype: norm.Mimetype,
	}

	data, mime, err := e.transport.DownloadMedia(ctx, norm.Message)
	if err != nil {
		// Without a payload the entry would only mislead revocation
		// recovery later, so the message stays uncached.
		e.logger.Warn("media download failed", "message_id", evt.Info.ID, "error", err)
		return record
	}
	entry.Payload = data
	if entry.Mimetype == "" {
		entry.Mimetype = mime
	}
	if norm.Kind == repo.KindImage {
		if url := e.hostImage(ctx, evt.Info.ID, data); url != "" {
			record.ImageHostedURL = &url
			entry.ImageHostedURL = url
		}
	}

	e.media.Put(evt.Info.ID, entry)
	if e.metrics != nil {
		e.metrics.MediaCacheEntries.Set(float64(e.media.Len()))
	}
	return record
}

func (e *Engine) hostImage(ctx context.Context, messageID string, data []byte) string {
	if url, ok := e.urls.GetHostedImageURL(ctx, messageID); ok {
		return url
	}
	if e.uploader == nil || !e.uploader.Enabled() {
		return ""
	}
	url, err := e.uploader.Upload(ctx, data, messageID+".jpg")
	if err != nil {
		e.logger.Warn("image hosting upload failed", "message_id", messageID, "error", err)
		return ""
	}
	e.urls.SetHostedImageURL(ctx, messageID, url)
	return url
}

func (e *Engine) eligibleForRules(evt *events.Message, norm *Normalized) bool {
	if norm.Kind != repo.KindText || norm.Text == "" {
		return false
	}
	if strings.HasPrefix(norm.Text, e.opts.CommandPrefix) {
		return false
	}
	if evt.Info.IsFromMe {
		return false
	}
	if e.opts.RestrictedJID != "" {
		if evt.Info.Sender.String() == e.opts.RestrictedJID || evt.Info.Chat.String() == e.opts.RestrictedJID {
			return false
		}
	}
	return true
}

func (e *Engine) isOwner(sender types.JID) bool {
	for _, owner := range e.opts.OwnerJIDs {
		if owner == sender.User || owner == sender.String() {
			return true
		}
	}
	return false
}

// revokedKey returns the key of the revoked message if the event is a
// deletion notification, else nil.
func revokedKey(msg *waProto.Message) *waCommon.MessageKey {
	protocol := msg.GetProtocolMessage()
	if protocol == nil || protocol.GetType() != waProto.ProtocolMessage_REVOKE {
		return nil
	}
	key := protocol.GetKey()
	if key == nil || key.GetID() == "" {
		return nil
	}
	return key
}

func (e *Engine) localized(t time.Time) string {
	return t.In(e.opts.Location).Format("2006-01-02 15:04:05 MST")
}

func (e *Engine) sendText(ctx context.Context, to types.JID, text string) error {
	return e.exec.Do(ctx, func(ctx context.Context) error {
		return e.transport.SendText(ctx, to, text)
	})
}

type noopURLCache struct{}

func (noopURLCache) GetProfilePictureURL(context.Context, string) (string, bool) { return "", false }
func (noopURLCache) SetProfilePictureURL(context.Context, string, string)        {}
func (noopURLCache) GetHostedImageURL(context.Context, string) (string, bool)    { return "", false }
func (noopURLCache) SetHostedImageURL(context.Context, string, string)           {}

// Uptime reports the transport uptime for the status surface.
func (e *Engine) Uptime() time.Duration {
	return e.transport.Uptime()
}

// Status summarises pipeline state for the control surface.
type Status struct {
	Uptime      string           `json:"uptime"`
	ActiveRules int              `json:"active_rules"`
	CachedMedia int              `json:"cached_media"`
	TotalLogged int64            `json:"total_logged"`
	PerKind     map[string]int64 `json:"per_kind"`
	PerDeleter  map[string]int64 `json:"per_deleter"`
}

// StatusSummary collects the status surface payload.
func (e *Engine) StatusSummary(ctx context.Context) (*Status, error) {
	counts, err := e.store.AggregateCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("aggregate counts: %w", err)
	}
	return &Status{
		Uptime:      e.transport.Uptime().Round(time.Second).String(),
		ActiveRules: len(e.rules.Active().Rules),
		CachedMedia: e.media.Len(),
		TotalLogged: counts.Total,
		PerKind:     counts.PerKind,
		PerDeleter:  counts.PerDeleter,
	}, nil
}

// ReloadRules reloads the rule document, keeping the previous set on failure.
func (e *Engine) ReloadRules() error {
	return e.rules.Load()
}

// ClearMessages wipes the message log. Exposed to the control surface and
// the owner-gated clear command.
func (e *Engine) ClearMessages(ctx context.Context) (int64, error) {
	return e.store.ClearAll(ctx)
}
