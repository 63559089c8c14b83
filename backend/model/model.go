package model

import (
	"encoding/json"
	"errors"
	"time"
)

const (
	defaultWireBufferSize = 64
)

var (
	ErrEmptyPayload = errors.New("announcement has no payload")
)

type Room struct {
	ID           string                 `json:"roomId" msgpack:"roomId"`
	Participants map[string]Participant `json:"participants" msgpack:"participants"`
}

type Participant struct {
	ID           string `json:"id" msgpack:"id"`
	DisplayName  string `json:"displayName" msgpack:"displayName"`
	AudioEnabled bool   `json:"audioEnabled" msgpack:"audioEnabled"`
	VideoEnabled bool   `json:"videoEnabled" msgpack:"videoEnabled"`
}

// ParticipantOption adjusts participant record on creation.
type ParticipantOption func(*Participant)

// WithMediaState sets initial media flags of joining participant.
func WithMediaState(audio, video bool) ParticipantOption {
	return func(p *Participant) {
		p.AudioEnabled = audio
		p.VideoEnabled = video
	}
}

// StateField names a participant media flag.
type StateField string

const (
	FieldAudio StateField = "audio"
	FieldVideo StateField = "video"
)

// Announcement types sent by clients.
const (
	AnnouncementTypeJoinRoom     = "join-room"
	AnnouncementTypeLeaveRoom    = "leave-room"
	AnnouncementTypeToggleAudio  = "toggle-audio"
	AnnouncementTypeToggleVideo  = "toggle-video"
	AnnouncementTypeOffer        = "offer"
	AnnouncementTypeAnswer       = "answer"
	AnnouncementTypeICECandidate = "ice-candidate"
	AnnouncementTypeChatMessage  = "chat-message"
)

// Announcement types sent by server.
const (
	AnnouncementTypeWelcome                = "welcome"
	AnnouncementTypeExistingParticipants   = "existing-participants"
	AnnouncementTypeUserJoined             = "user-joined"
	AnnouncementTypeUserLeft               = "user-left"
	AnnouncementTypeParticipantAudioToggle = "participant-audio-toggle"
	AnnouncementTypeParticipantVideoToggle = "participant-video-toggle"
	AnnouncementTypeError                  = "error"
)

// Announcement is the envelope of every control message.
// Payload is kept as raw JSON so the relay can forward it untouched
// regardless of the codec used on either side.
type Announcement struct {
	DST     string          `json:"dst,omitempty" msgpack:"dst,omitempty"`
	SRC     string          `json:"src,omitempty" msgpack:"src,omitempty"` // for inbound messages server re-assigns this based on websocket session
	Type    string          `json:"type" msgpack:"type"`
	Payload json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

func NewAnnouncement(typ string, payload any) (Announcement, error) {
	ann := Announcement{Type: typ}
	if payload == nil {
		return ann, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return ann, err
	}
	ann.Payload = b
	return ann, nil
}

// Decode unmarshals announcement payload into v.
func (ann *Announcement) Decode(v any) error {
	if len(ann.Payload) == 0 {
		return ErrEmptyPayload
	}
	return json.Unmarshal(ann.Payload, v)
}

type JoinRoomPayload struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName"`

	// Initial media flags, both default to enabled.
	AudioEnabled *bool `json:"audioEnabled,omitempty"`
	VideoEnabled *bool `json:"videoEnabled,omitempty"`
}

type TogglePayload struct {
	// ParticipantID is accepted for compatibility but never trusted:
	// toggles always apply to the sender.
	ParticipantID string `json:"participantId,omitempty"`
	Enabled       bool   `json:"enabled"`
}

type ParticipantTogglePayload struct {
	ParticipantID string `json:"participantId"`
	Enabled       bool   `json:"enabled"`
}

type UserLeftPayload struct {
	ParticipantID string `json:"participantId"`
}

type WelcomePayload struct {
	ID string `json:"id"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

type ChatMessage struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

type Wire struct {
	RX chan Announcement
	TX chan Announcement
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Announcement),
		TX: make(chan Announcement, defaultWireBufferSize),
	}
}
