package conference

import (
	"github.com/adwski/webrtc-meet/backend/model"
	"github.com/adwski/webrtc-meet/client/media"
)

type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventReconnecting
	EventClosed
	EventJoined
	EventLeft
	EventParticipantJoined
	EventParticipantLeft
	EventParticipantUpdated
	EventDegraded
	EventRemoteStream
	EventChat
	EventMediaError
	EventSourceChanged
	EventError
)

var eventNames = map[EventKind]string{
	EventConnected:          "connected",
	EventDisconnected:       "disconnected",
	EventReconnecting:       "reconnecting",
	EventClosed:             "closed",
	EventJoined:             "joined",
	EventLeft:               "left",
	EventParticipantJoined:  "participant-joined",
	EventParticipantLeft:    "participant-left",
	EventParticipantUpdated: "participant-updated",
	EventDegraded:           "degraded",
	EventRemoteStream:       "remote-stream",
	EventChat:               "chat",
	EventMediaError:         "media-error",
	EventSourceChanged:      "source-changed",
	EventError:              "error",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is a session change for the presentation layer.
type Event struct {
	Kind        EventKind
	RoomID      string
	Participant Participant
	Chat        model.ChatMessage
	Source      media.SourceKind
	Attempt     int
	Err         error
}
