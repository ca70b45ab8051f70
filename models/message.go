package models

// MessageKind is the content type of a message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindPhoto MessageKind = "photo"
	KindVideo MessageKind = "video"
	KindAudio MessageKind = "audio"
)

// Valid reports whether k is one of the known kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindPhoto, KindVideo, KindAudio:
		return true
	default:
		return false
	}
}

// RequiresMedia reports whether messages of this kind carry a media reference.
func (k MessageKind) RequiresMedia() bool {
	return k == KindPhoto || k == KindVideo || k == KindAudio
}

// Message is one record under messages/{conversation}/{key}.
//
// Key is assigned by the store on append and is not part of the record body.
type Message struct {
	Key       string            `json:"-"`
	Sender    string            `json:"sender" validate:"required"`
	Text      string            `json:"text"`
	Timestamp int64             `json:"timestamp" validate:"gte=0"`
	Kind      MessageKind       `json:"type" validate:"required,oneof=text photo video audio"`
	MediaRef  string            `json:"mediaRef,omitempty" validate:"required_unless=Kind text"`
	Deleted   bool              `json:"deleted"`
	Reactions map[string]string `json:"reactions,omitempty"`
}

// ChatPreview is the derived chat-list row for one peer.
type ChatPreview struct {
	Peer           string  `json:"peer"`
	LastMessage    Message `json:"last_message"`
	LastActivityAt int64   `json:"last_activity_at"`
}
