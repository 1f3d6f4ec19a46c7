package engine

import (
	"encoding/json"
	"fmt"

	"wa-guard/internal/repo"

	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/encoding/protojson"
)

// maxUnwrapDepth bounds wrapper unwrapping. Transports nest at most one
// ephemeral wrapper around at most one view-once wrapper in practice.
const maxUnwrapDepth = 3

// Normalized is the canonical view of an inbound message after wrapper
// unwrapping and text extraction.
type Normalized struct {
	Kind     string
	Text     string
	Caption  string
	Mimetype string
	// Message is the unwrapped payload, used for media download.
	Message *waProto.Message
}

// mediaEnvelope is the serialized text stored for media messages.
type mediaEnvelope struct {
	Caption  string `json:"caption"`
	Mimetype string `json:"mimetype"`
}

// Normalize unwraps envelope nesting, classifies the content kind and
// extracts the canonical text payload. Returns nil for an empty message.
func Normalize(msg *waProto.Message) *Normalized {
	msg = unwrap(msg)
	if msg == nil {
		return nil
	}

	n := &Normalized{Message: msg}
	switch {
	case msg.GetConversation() != "":
		n.Kind = repo.KindText
		n.Text = msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		n.Kind = repo.KindText
		n.Text = msg.GetExtendedTextMessage().GetText()
	case msg.ImageMessage != nil:
		n.Kind = repo.KindImage
		n.Caption = msg.GetImageMessage().GetCaption()
		n.Mimetype = msg.GetImageMessage().GetMimetype()
	case msg.VideoMessage != nil:
		n.Kind = repo.KindVideo
		n.Caption = msg.GetVideoMessage().GetCaption()
		n.Mimetype = msg.GetVideoMessage().GetMimetype()
	case msg.AudioMessage != nil:
		n.Kind = repo.KindAudio
		n.Mimetype = msg.GetAudioMessage().GetMimetype()
	default:
		n.Kind = repo.KindOther
	}

	switch n.Kind {
	case repo.KindImage, repo.KindVideo, repo.KindAudio:
		n.Text = encodeMediaEnvelope(n.Caption, n.Mimetype)
	case repo.KindOther:
		n.Text = serializeMessage(msg)
	}

	return n
}

func unwrap(msg *waProto.Message) *waProto.Message {
	for i := 0; i < maxUnwrapDepth && msg != nil; i++ {
		switch {
		case msg.EphemeralMessage != nil:
			msg = msg.GetEphemeralMessage().GetMessage()
		case msg.ViewOnceMessage != nil:
			msg = msg.GetViewOnceMessage().GetMessage()
		case msg.ViewOnceMessageV2 != nil:
			msg = msg.GetViewOnceMessageV2().GetMessage()
		default:
			return msg
		}
	}
	return msg
}

func encodeMediaEnvelope(caption, mimetype string) string {
	data, err := json.Marshal(mediaEnvelope{Caption: caption, Mimetype: mimetype})
	if err != nil {
		return fmt.Sprintf(`{"caption":%q,"mimetype":%q}`, caption, mimetype)
	}
	return string(data)
}

// decodeMediaEnvelope parses the stored text of a media record. A parse
// failure yields empty fields, never an error: the envelope is advisory.
func decodeMediaEnvelope(text string) mediaEnvelope {
	var env mediaEnvelope
	_ = json.Unmarshal([]byte(text), &env)
	return env
}

func serializeMessage(msg *waProto.Message) string {
	data, err := protojson.Marshal(msg)
	if err != nil {
		return fmt.Sprintf("%v", msg)
	}
	return string(data)
}
