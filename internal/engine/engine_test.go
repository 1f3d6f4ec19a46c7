package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"wa-guard/internal/mediacache"
	"wa-guard/internal/repo"
	"wa-guard/internal/retry"
	"wa-guard/internal/rules"

	waCommon "go.mau.fi/whatsmeow/proto/waCommon"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

// -- fakes --

type fakeStore struct {
	mu          sync.Mutex
	records     map[string]*repo.Message
	insertErr   error
	clearErr    error
	autoReplies int
	cleared     bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]*repo.Message{}}
}

func (s *fakeStore) InsertMessage(_ context.Context, msg repo.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	if _, exists := s.records[msg.MessageID]; exists {
		return nil
	}
	stored := msg
	s.records[msg.MessageID] = &stored
	return nil
}

func (s *fakeStore) GetMessage(_ context.Context, id string) (*repo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (s *fakeStore) MarkDeleted(_ context.Context, id, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	rec.IsDeleted = true
	rec.DeletedAt = &at
	rec.DeletedBy = &by
	return nil
}

func (s *fakeStore) MarkAutoReplied(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoReplies++
	if rec, ok := s.records[id]; ok {
		rec.AutoReplySent = true
	}
	return nil
}

func (s *fakeStore) ClearAll(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clearErr != nil {
		return 0, s.clearErr
	}
	n := int64(len(s.records))
	s.records = map[string]*repo.Message{}
	s.cleared = true
	return n, nil
}

func (s *fakeStore) AggregateCounts(context.Context) (*repo.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := &repo.Counts{PerKind: map[string]int64{}, PerDeleter: map[string]int64{}}
	for _, rec := range s.records {
		counts.Total++
		counts.PerKind[rec.Kind]++
		if rec.DeletedBy != nil {
			counts.PerDeleter[*rec.DeletedBy]++
		}
	}
	return counts, nil
}

type sentMessage struct {
	kind    string
	to      string
	text    string
	caption string
	data    []byte
	ptt     bool
	at      time.Time
}

type fakeTransport struct {
	mu           sync.Mutex
	sends        []sentMessage
	downloadData []byte
	downloadMime string
	downloadErr  error
	dpURL        string
	dpErr        error
	sendErr      error
}

func (f *fakeTransport) record(msg sentMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	msg.at = time.Now()
	f.sends = append(f.sends, msg)
	return nil
}

func (f *fakeTransport) SendText(_ context.Context, to types.JID, text string) error {
	return f.record(sentMessage{kind: "text", to: to.String(), text: text})
}

func (f *fakeTransport) SendImage(_ context.Context, to types.JID, data []byte, _, caption string) error {
	return f.record(sentMessage{kind: "image", to: to.String(), data: data, caption: caption})
}

func (f *fakeTransport) SendVideo(_ context.Context, to types.JID, data []byte, _, caption string) error {
	return f.record(sentMessage{kind: "video", to: to.String(), data: data, caption: caption})
}

func (f *fakeTransport) SendAudio(_ context.Context, to types.JID, data []byte, _ string, ptt bool) error {
	return f.record(sentMessage{kind: "audio", to: to.String(), data: data, ptt: ptt})
}

func (f *fakeTransport) DownloadMedia(context.Context, *waProto.Message) ([]byte, string, error) {
	return f.downloadData, f.downloadMime, f.downloadErr
}

func (f *fakeTransport) ProfilePictureURL(context.Context, types.JID) (string, error) {
	if f.dpErr != nil {
		return "", f.dpErr
	}
	return f.dpURL, nil
}

func (f *fakeTransport) MarkRead([]types.MessageID, types.JID, types.JID) {}
func (f *fakeTransport) SetTyping(types.JID, bool)                        {}
func (f *fakeTransport) Uptime() time.Duration                            { return time.Minute }

func (f *fakeTransport) sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sends))
	copy(out, f.sends)
	return out
}

type fakeUploader struct {
	url string
	err error
}

func (u *fakeUploader) Enabled() bool { return true }

func (u *fakeUploader) Upload(context.Context, []byte, string) (string, error) {
	return u.url, u.err
}

// -- helpers --

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRuleStore(t *testing.T, doc string) *rules.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	store := rules.NewStore(path, testLogger())
	if err := store.Load(); err != nil {
		t.Fatalf("load rules: %v", err)
	}
	return store
}

func testEngine(t *testing.T, store Store, transport Transport, ruleStore *rules.Store) *Engine {
	t.Helper()
	if ruleStore == nil {
		ruleStore = rules.NewStore(filepath.Join(t.TempDir(), "absent.yaml"), testLogger())
	}
	e := New(store, transport, &fakeUploader{url: "https://img.example.com/hosted.jpg"}, nil,
		mediacache.New(time.Hour, nil), ruleStore,
		retry.New(1, 0, retry.TransientNetwork), nil, testLogger(), Options{
			CommandPrefix: ".",
			OwnerJIDs:     []string{"628owner"},
			TempDir:       t.TempDir(),
		})
	return e
}

func textEvent(id, senderUser, text string) *events.Message {
	sender := types.NewJID(senderUser, types.DefaultUserServer)
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: sender, Sender: sender},
			ID:            id,
			PushName:      "Tester",
			Timestamp:     time.Now(),
		},
		Message: &waProto.Message{Conversation: proto.String(text)},
	}
}

func revokeEvent(deleterUser, targetID string) *events.Message {
	deleter := types.NewJID(deleterUser, types.DefaultUserServer)
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: deleter, Sender: deleter},
			ID:            "revoke-" + targetID,
			Timestamp:     time.Now(),
		},
		Message: &waProto.Message{
			ProtocolMessage: &waProto.ProtocolMessage{
				Type: waProto.ProtocolMessage_REVOKE.Enum(),
				Key:  &waCommon.MessageKey{ID: proto.String(targetID)},
			},
		},
	}
}

// -- tests --

func TestHandlePersistsTextMessage(t *testing.T) {
	store := newFakeStore()
	transport := &fakeTransport{}
	e := testEngine(t, store, transport, nil)

	e.handle(context.Background(), textEvent("M1", "628111", "hello"))

	rec, _ := store.GetMessage(context.Background(), "M1")
	if rec == nil {
		t.Fatal("expected record persisted")
	}
	if rec.Kind != repo.KindText || rec.Text != "hello" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.IsDeleted || rec.AutoReplySent {
		t.Fatalf("fresh record must not be deleted or auto-replied: %+v", rec)
	}
}

func TestHandleDropsEventOnPersistFailure(t *testing.T) {
	store := newFakeStore()
	store.insertErr = errors.New("db down")
	transport := &fakeTransport{}
	ruleStore := testRuleStore(t, `
rules:
  - trigger: hello
    response:
      - type: text
        content: hi back
`)
	e := testEngine(t, store, transport, ruleStore)

	e.handle(context.Background(), textEvent("M1", "628111", "hello"))

	if len(transport.sent()) != 0 {
		t.Fatal("no dispatch may happen when persistence fails")
	}
}

func TestRuleDispatchMarksAutoRepliedOnce(t *testing.T) {
	store := newFakeStore()
	transport := &fakeTransport{}
	ruleStore := testRuleStore(t, `
rules:
  - trigger: menu
    response:
      - type: text
        content: "Menu for ${pushname}"
`)
	e := testEngine(t, store, transport, ruleStore)

	e.handle(context.Background(), textEvent("M1", "628111", "show menu please"))

	sends := transport.sent()
	if len(sends) != 1 {
		t.Fatalf("expected 1 send, got %d", len(sends))
	}
	if sends[0].text != "Menu for Tester" {
		t.Fatalf("unexpected substituted content: %q", sends[0].text)
	}
	if store.autoReplies != 1 {
		t.Fatalf("autoReplySent must be set exactly once, got %d", store.autoReplies)
	}
	rec, _ := store.GetMessage(context.Background(), "M1")
	if !rec.AutoReplySent {
		t.Fatal("record must carry the auto-reply flag")
	}
}

func TestRuleDispatchSequentialWithDelay(t *testing.T) {
	store := newFakeStore()
	transport := &fakeTransport{}
	ruleStore := testRuleStore(t, `
rules:
  - trigger: menu
    response:
      - type: text
        content: first
      - type: text
        content: second
        delay_ms: 120
`)
	e := testEngine(t, store, transport, ruleStore)

	e.handle(context.Background(), textEvent("M1", "628111", "show menu please"))

	sends := transport.sent()
	if len(sends) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(sends))
	}
	if sends[0].text != "first" || sends[1].text != "second" {
		t.Fatalf("sends out of order: %+v", sends)
	}
	if gap := sends[1].at.Sub(sends[0].at); gap < 120*time.Millisecond {
		t.Fatalf("second send must wait its delay, gap was %v", gap)
	}
}

func TestRuleDispatchSkipsFailedMediaItem(t *testing.T) {
	store := newFakeStore()
	transport := &fakeTransport{}
	ruleStore := testRuleStore(t, `
rules:
  - trigger: promo
    response:
      - type: image
        url: /nonexistent/path/banner.jpg
      - type: text
        content: still here
`)
	e := testEngine(t, store, transport, ruleStore)

	e.handle(context.Background(), textEvent("M1", "628111", "promo please"))

	sends := transport.sent()
	if len(sends) != 1 || sends[0].text != "still here" {
		t.Fatalf("expected the sibling text item to survive, got %+v", sends)
	}
}

func TestRuleDispatchIneligibleEvents(t *testing.T) {
	doc := `
rules:
  - trigger: hello
    response:
      - type: text
        content: hi
`

	t.Run("from self", func(t *testing.T) {
		store := newFakeStore()
		transport := &fakeTransport{}
		e := testEngine(t, store, transport, testRuleStore(t, doc))
		evt := textEvent("M1", "628111", "hello")
		evt.Info.IsFromMe = true
		e.handle(context.Background(), evt)
		if len(transport.sent()) != 0 {
			t.Fatal("own messages must not trigger rules")
		}
	})

	t.Run("command prefixed", func(t *testing.T) {
		store := newFakeStore()
		transport := &fakeTransport{}
		e := testEngine(t, store, transport, testRuleStore(t, doc))
		e.handle(context.Background(), textEvent("M1", "628111", ".hello"))
		if store.autoReplies != 0 {
			t.Fatal("command-prefixed text must not trigger rules")
		}
	})

	t.Run("restricted sender", func(t *testing.T) {
		store := newFakeStore()
		transport := &fakeTransport{}
		e := testEngine(t, store, transport, testRuleStore(t, doc))
		e.opts.RestrictedJID = types.NewJID("628111", types.DefaultUserServer).String()
		e.handle(context.Background(), textEvent("M1", "628111", "hello"))
		if len(transport.sent()) != 0 {
			t.Fatal("restricted participant must not trigger rules")
		}
	})
}

func TestImageMessageCachedAndHosted(t *testing.T) {
	store := newFakeStore()
	transport := &fakeTransport{
		downloadData: []byte{0xFF, 0xD8, 0xFF},
		downloadMime: "image/jpeg",
	}
	e := testEngine(t, store, transport, nil)

	sender := types.NewJID("628111", types.DefaultUserServer)
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: sender, Sender: sender},
			ID:            "M1",
			Timestamp:     time.Now(),
		},
		Message: &waProto.Message{
			ImageMessage: &waProto.ImageMessage{
				Caption:  proto.String("hi"),
				Mimetype: proto.String("image/jpeg"),
			},
		},
	}
	e.handle(context.Background(), evt)

	rec, _ := store.GetMessage(context.Background(), "M1")
	if rec == nil || rec.Kind != repo.KindImage {
		t.Fatalf("expected image record, got %+v", rec)
	}
	env := decodeMediaEnvelope(rec.Text)
	if env.Caption != "hi" || env.Mimetype != "image/jpeg" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if rec.ImageHostedURL == nil || *rec.ImageHostedURL != "https://img.example.com/hosted.jpg" {
		t.Fatalf("expected hosted url set, got %v", rec.ImageHostedURL)
	}

	entry, ok := e.media.Get("M1")
	if !ok {
		t.Fatal("expected media cached")
	}
	if entry.Caption != "hi" || len(entry.Payload) != 3 {
		t.Fatalf("unexpected cache entry: %+v", entry)
	}
}

func TestUploadFailureIsNonFatal(t *testing.T) {
	store := newFakeStore()
	transport := &fakeTransport{downloadData: []byte{1}, downloadMime: "image/png"}
	e := testEngine(t, store, transport, nil)
	e.uploader = &fakeUploader{err: errors.New("host down")}

	sender := types.NewJID("628111", types.DefaultUserServer)
	e.handle(context.Background(), &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: sender, Sender: sender},
			ID:            "M1", Timestamp: time.Now(),
		},
		Message: &waProto.Message{ImageMessage: &waProto.ImageMessage{}},
	})

	rec, _ := store.GetMessage(context.Background(), "M1")
	if rec == nil {
		t.Fatal("record must persist despite upload failure")
	}
	if rec.ImageHostedURL != nil {
		t.Fatal("hosted url must stay unset on upload failure")
	}
}

func TestRevocationRecoversCachedImage(t *testing.T) {
	store := newFakeStore()
	transport := &fakeTransport{}
	e := testEngine(t, store, transport, nil)

	hosted := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hosted-image-bytes"))
	}))
	defer hosted.Close()

	url := hosted.URL + "/hosted.jpg"
	store.records["M1"] = &repo.Message{
		MessageID:      "M1",
		SenderJID:      "628111@s.whatsapp.net",
		RemoteJID:      "628111@s.whatsapp.net",
		Kind:           repo.KindImage,
		Text:           `{"caption":"hi","mimetype":"image/jpeg"}`,
		ImageHostedURL: &url,
	}
	e.media.Put("M1", mediacache.Entry{
		Kind:           repo.KindImage,
		Payload:        []byte("cached-bytes"),
		Caption:        "hi",
		Mimetype:       "image/jpeg",
		ImageHostedURL: url,
	})

	e.handle(context.Background(), revokeEvent("628222", "M1"))

	rec, _ := store.GetMessage(context.Background(), "M1")
	if !rec.IsDeleted || rec.DeletedAt == nil || rec.DeletedBy == nil {
		t.Fatalf("deletion state incomplete: %+v", rec)
	}
	if *rec.DeletedBy != "628222@s.whatsapp.net" {
		t.Fatalf("unexpected deleter: %s", *rec.DeletedBy)
	}

	sends := transport.sent()
	if len(sends) != 2 {
		t.Fatalf("expected image + audit alert, got %d sends", len(sends))
	}
	if sends[0].kind != "image" || string(sends[0].data) != "hosted-image-bytes" {
		t.Fatalf("expected hosted copy preferred, got %+v", sends[0])
	}
	if sends[0].to != "628222@s.whatsapp.net" {
		t.Fatalf("recovery must go to the deleter, went to %s", sends[0].to)
	}
	if sends[1].kind != "text" || !strings.Contains(sends[1].text, "Deleted by: 628222@s.whatsapp.net") {
		t.Fatalf("unexpected audit alert: %+v", sends[1])
	}
	if !strings.Contains(sends[1].text, "Caption: hi") {
		t.Fatalf("audit alert must carry the caption: %q", sends[1].text)
	}
}

func TestRevocationFallsBackToCachedBytes(t *testing.T) {
	store := newFakeStore()
	transport := &fakeTransport{}
	e := testEngine(t, store, transport, nil)

	// Hosted URL points nowhere; cached payload must be used instead.
	url := "http://127.0.0.1:1/gone.jpg"
	store.records["M1"] = &repo.Message{
		MessageID: "M1", SenderJID: "628111@s.whatsapp.net",
		Kind: repo.KindImage, Text: `{"caption":"","mimetype":"image/jpeg"}`,
		ImageHostedURL: &url,
	}
	e.media.Put("M1", mediacache.Entry{
		Kind: repo.KindImage, Payload: []byte("cached-bytes"), Mimetype: "image/jpeg",
	})

	e.handle(context.Background(), revokeEvent("628222", "M1"))

	sends := transport.sent()
	if len(sends) != 2 || string(sends[0].data) != "cached-bytes" {
		t.Fatalf("expected cached bytes fallback, got %+v", sends)
	}
}

func TestRevocationWithoutCacheSynthesizesNotice(t *testing.T) {
	store := newFakeStore()
	transport := &fakeTransport{}
	e := testEngine(t, store, transport, nil)

	store.records["M1"] = &repo.Message{
		MessageID: "M1", SenderJID: "628111@s.whatsapp.net",
		Kind: repo.KindVideo, Text: `{"caption":"holiday clip","mimetype":"video/mp4"}`,
	}

	e.handle(context.Background(), revokeEvent("628222", "M1"))

	sends := transport.sent()
	if len(sends) != 2 {
		t.Fatalf("expected notice + audit, got %d", len(sends))
	}
	if !strings.Contains(sends[0].text, "video") || !strings.Contains(sends[0].text, "holiday clip") {
		t.Fatalf("notice must state media type and caption: %q", sends[0].text)
	}
}

func TestRevocationAfterFailedDownloadSynthesizesNotice(t *testing.T) {
	store := newFakeStore()
	transport := &fakeTransport{downloadErr: errors.New("media gone")}
	e := testEngine(t, store, transport, nil)

	sender := types.NewJID("628111", types.DefaultUserServer)
	e.handle(context.Background(), &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: sender, Sender: sender},
			ID:            "M1", Timestamp: time.Now(),
		},
		Message: &waProto.Message{
			VideoMessage: &waProto.VideoMessage{
				Caption:  proto.String("holiday clip"),
				Mimetype: proto.String("video/mp4"),
			},
		},
	})

	if _, ok := e.media.Get("M1"); ok {
		t.Fatal("failed download must not leave a cache entry")
	}

	e.handle(context.Background(), revokeEvent("628222", "M1"))

	sends := transport.sent()
	if len(sends) != 2 {
		t.Fatalf("expected notice + audit, got %d", len(sends))
	}
	if sends[0].kind != "text" {
		t.Fatalf("payload-less media must not be forwarded as media: %+v", sends[0])
	}
	if !strings.Contains(sends[0].text, "video") || !strings.Contains(sends[0].text, "holiday clip") {
		t.Fatalf("notice must state media type and caption: %q", sends[0].text)
	}
}

func TestRevocationOfPlainTextForwardsText(t *testing.T) {
	store := newFakeStore()
	transport := &fakeTransport{}
	e := testEngine(t, store, transport, nil)

	store.records["M1"] = &repo.Message{
		MessageID: "M1", SenderJID: "628111@s.whatsapp.net",
		Kind: repo.KindText, Text: "incriminating words",
	}

	e.handle(context.Background(), revokeEvent("628222", "M1"))

	sends := transport.sent()
	if len(sends) != 2 {
		t.Fatalf("expected text + audit, got %d", len(sends))
	}
	if !strings.Contains(sends[0].text, "incriminating words") {
		t.Fatalf("reconstructed text missing: %q", sends[0].text)
	}
}

func TestRevocationForUnknownMessageIsSilent(t *testing.T) {
	store := newFakeStore()
	transport := &fakeTransport{}
	e := testEngine(t, store, transport, nil)

	e.handle(context.Background(), revokeEvent("628222", "never-logged"))

	if len(transport.sent()) != 0 {
		t.Fatal("unknown revocation must produce no sends")
	}
}

func TestOwnerGatedCommands(t *testing.T) {
	t.Run("non-owner refused", func(t *testing.T) {
		store := newFakeStore()
		transport := &fakeTransport{}
		e := testEngine(t, store, transport, nil)

		e.handle(context.Background(), textEvent("M1", "628intruder", ".clear"))

		sends := transport.sent()
		if len(sends) != 1 || sends[0].text != refusalReply {
			t.Fatalf("expected fixed refusal, got %+v", sends)
		}
		if store.cleared {
			t.Fatal("store must not change for a refused command")
		}
	})

	t.Run("owner clears", func(t *testing.T) {
		store := newFakeStore()
		transport := &fakeTransport{}
		e := testEngine(t, store, transport, nil)

		e.handle(context.Background(), textEvent("M1", "628owner", ".clear"))

		if !store.cleared {
			t.Fatal("owner clear must wipe the store")
		}
		sends := transport.sent()
		if len(sends) != 1 || !strings.Contains(sends[0].text, "Cleared") {
			t.Fatalf("expected clear confirmation, got %+v", sends)
		}
	})
}

func TestPingCommand(t *testing.T) {
	store := newFakeStore()
	transport := &fakeTransport{}
	e := testEngine(t, store, transport, nil)

	e.handle(context.Background(), textEvent("M1", "628anyone", ".ping"))

	sends := transport.sent()
	if len(sends) != 1 || sends[0].text != "pong" {
		t.Fatalf("expected pong, got %+v", sends)
	}
}

func TestClearMessagesFailureLeavesRecords(t *testing.T) {
	store := newFakeStore()
	e := testEngine(t, store, &fakeTransport{}, nil)

	store.records["M1"] = &repo.Message{MessageID: "M1", Kind: repo.KindText}
	store.records["M2"] = &repo.Message{MessageID: "M2", Kind: repo.KindImage}
	store.clearErr = errors.New("deadlock detected")

	if _, err := e.ClearMessages(context.Background()); err == nil {
		t.Fatal("expected clear failure to propagate")
	}
	if len(store.records) != 2 {
		t.Fatalf("failed clear must leave records untouched, have %d", len(store.records))
	}

	store.clearErr = nil
	n, err := e.ClearMessages(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("expected 2 rows cleared, got n=%d err=%v", n, err)
	}
	if len(store.records) != 0 {
		t.Fatal("successful clear must remove all records")
	}
}

func TestStatusSaveRejectsNonStatusQuote(t *testing.T) {
	store := newFakeStore()
	transport := &fakeTransport{}
	e := testEngine(t, store, transport, nil)

	sender := types.NewJID("628111", types.DefaultUserServer)
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: sender, Sender: sender},
			ID:            "M1", Timestamp: time.Now(),
		},
		Message: &waProto.Message{
			ExtendedTextMessage: &waProto.ExtendedTextMessage{
				Text: proto.String("save"),
				ContextInfo: &waProto.ContextInfo{
					RemoteJID:     proto.String(sender.String()),
					QuotedMessage: &waProto.Message{Conversation: proto.String("just a chat")},
				},
			},
		},
	}
	e.handle(context.Background(), evt)

	sends := transport.sent()
	if len(sends) != 1 || !strings.Contains(sends[0].text, "not a status") {
		t.Fatalf("expected specific rejection, got %+v", sends)
	}
}

func TestStatusSaveRoundTripsImage(t *testing.T) {
	store := newFakeStore()
	transport := &fakeTransport{
		downloadData: []byte("status-bytes"),
		downloadMime: "image/jpeg",
	}
	e := testEngine(t, store, transport, nil)

	sender := types.NewJID("628111", types.DefaultUserServer)
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: sender, Sender: sender},
			ID:            "M1", Timestamp: time.Now(),
		},
		Message: &waProto.Message{
			ExtendedTextMessage: &waProto.ExtendedTextMessage{
				Text: proto.String("save"),
				ContextInfo: &waProto.ContextInfo{
					RemoteJID: proto.String(statusBroadcastJID),
					QuotedMessage: &waProto.Message{
						ImageMessage: &waProto.ImageMessage{Caption: proto.String("my status")},
					},
				},
			},
		},
	}
	e.handle(context.Background(), evt)

	sends := transport.sent()
	if len(sends) != 1 {
		t.Fatalf("expected 1 send, got %d", len(sends))
	}
	if sends[0].kind != "image" || string(sends[0].data) != "status-bytes" || sends[0].caption != "my status" {
		t.Fatalf("unexpected re-send: %+v", sends[0])
	}
}

func TestSweepTempOnceRemovesOnlyStaleScratch(t *testing.T) {
	store := newFakeStore()
	transport := &fakeTransport{}
	e := testEngine(t, store, transport, nil)
	e.opts.TempSweepAge = time.Hour

	stale := filepath.Join(e.opts.TempDir, "status-old")
	fresh := filepath.Join(e.opts.TempDir, "status-new")
	other := filepath.Join(e.opts.TempDir, "unrelated.txt")
	for _, p := range []string{stale, fresh, other} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(other, old, old); err != nil {
		t.Fatal(err)
	}

	e.sweepTempOnce(time.Now())

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale scratch file must be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("fresh scratch file must survive")
	}
	if _, err := os.Stat(other); err != nil {
		t.Fatal("unrelated files must survive")
	}
}
