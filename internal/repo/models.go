package repo

import "time"

// Message kinds as stored in the messages table.
const (
	KindText  = "text"
	KindImage = "image"
	KindVideo = "video"
	KindAudio = "audio"
	KindOther = "other"
)

// IsMediaKind reports whether a kind carries downloadable media.
func IsMediaKind(kind string) bool {
	return kind == KindImage || kind == KindVideo || kind == KindAudio
}

// Message is the durable record of one inbound message.
type Message struct {
	ID                 string
	MessageID          string
	SenderJID          string
	RemoteJID          string
	Text               string
	Kind               string
	ImageHostedURL     *string
	CreatedAt          time.Time
	LocalizedCreatedAt time.Time
	IsDeleted          bool
	DeletedAt          *time.Time
	DeletedBy          *string
	AutoReplySent      bool
}

// Counts aggregates the table for the status surface.
type Counts struct {
	Total      int64
	PerKind    map[string]int64
	PerDeleter map[string]int64
}
