package conference

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/adwski/webrtc-meet/backend/model"
	"github.com/adwski/webrtc-meet/client/media"
	"github.com/adwski/webrtc-meet/client/peer"
	"github.com/adwski/webrtc-meet/client/signaling"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultEventsBuffer = 128
	maxChatLength       = 4096
)

var (
	ErrNotInRoom    = errors.New("not in a room")
	ErrEmptyMessage = errors.New("message is empty")
	ErrMessageSize  = errors.New("message is too long")
	ErrInvalidRoom  = errors.New("invalid room id")
)

// Transport is the signaling connection.
type Transport interface {
	Events() <-chan signaling.Event
	Send(ctx context.Context, ann model.Announcement) error
	Run(ctx context.Context) error
}

// Peers manages media links with remote participants.
type Peers interface {
	AddParticipant(ctx context.Context, id string, via peer.Via) error
	HandleOffer(ctx context.Context, from string, payload json.RawMessage)
	HandleAnswer(ctx context.Context, from string, payload json.RawMessage)
	HandleCandidate(from string, payload json.RawMessage)
	RemoveParticipant(id string)
	CloseAll()
	Close()
	Run(ctx context.Context)
}

// Media controls local capture.
type Media interface {
	Start(ctx context.Context, kind media.SourceKind) error
	SwitchSource(ctx context.Context, kind media.SourceKind) error
	SetEnabled(kind media.TrackKind, enabled bool)
	Enabled(kind media.TrackKind) bool
	Active() media.SourceKind
	Release()
}

type Config struct {
	Logger      *zerolog.Logger
	Transport   Transport
	Peers       Peers
	Media       Media
	DisplayName string
}

// Participant is a remote room member as seen locally.
type Participant struct {
	model.Participant
	Link     peer.State
	Degraded bool
	Streams  []peer.RemoteStream
}

// Session is a conference participant: it follows the room over signaling
// and keeps peer links and local media in line with it.
type Session struct {
	logger      zerolog.Logger
	transport   Transport
	peers       Peers
	media       Media
	displayName string
	events      chan Event

	mx         sync.Mutex
	selfID     string
	roomID     string
	connected  bool
	degraded   bool
	roster     map[string]*Participant
	order      []string
	transcript []model.ChatMessage
}

func New(cfg Config) *Session {
	return &Session{
		logger:      cfg.Logger.With().Str("component", "conference").Logger(),
		transport:   cfg.Transport,
		peers:       cfg.Peers,
		media:       cfg.Media,
		displayName: cfg.DisplayName,
		events:      make(chan Event, defaultEventsBuffer),
		roster:      make(map[string]*Participant),
	}
}

// Events returns channel of session events for presentation layer.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	default:
		s.logger.Warn().Str("event", e.Kind.String()).Msg("events buffer is full, event dropped")
	}
}

// Run serves signaling until ctx is canceled or the connection is lost
// for good.
func (s *Session) Run(ctx context.Context) error {
	wg := &sync.WaitGroup{}
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.peers.Run(ctx)
	}()

	errc := make(chan error, 1)
	go func() {
		errc <- s.transport.Run(ctx)
	}()

	for e := range s.transport.Events() {
		s.handleTransportEvent(ctx, e)
	}
	err := <-errc
	s.emit(Event{Kind: EventClosed, Err: err})
	return err
}

func (s *Session) handleTransportEvent(ctx context.Context, e signaling.Event) {
	switch e.Kind {
	case signaling.EventConnected:
		s.mx.Lock()
		s.connected = true
		roomID := s.roomID
		s.mx.Unlock()
		if roomID != "" {
			s.logger.Info().Str("room", roomID).Msg("rejoining room after reconnect")
			if err := s.sendJoin(ctx, roomID); err != nil {
				s.logger.Error().Err(err).Msg("rejoin failed")
			}
		}
		s.emit(Event{Kind: EventConnected})

	case signaling.EventDisconnected:
		s.mx.Lock()
		s.connected = false
		s.mx.Unlock()
		s.resetRoom()
		s.emit(Event{Kind: EventDisconnected, Err: e.Err})

	case signaling.EventReconnecting:
		s.emit(Event{Kind: EventReconnecting, Attempt: e.Attempt, Err: e.Err})

	case signaling.EventClosed:
		s.mx.Lock()
		s.connected = false
		s.mx.Unlock()
		s.resetRoom()

	case signaling.EventMessage:
		s.handleAnnouncement(ctx, e.Announcement)
	}
}

func (s *Session) handleAnnouncement(ctx context.Context, ann model.Announcement) {
	log := s.logger.With().Str("type", ann.Type).Str("src", ann.SRC).Logger()

	switch ann.Type {
	case model.AnnouncementTypeWelcome:
		var p model.WelcomePayload
		if err := ann.Decode(&p); err != nil {
			log.Warn().Err(err).Msg("malformed welcome")
			return
		}
		s.mx.Lock()
		s.selfID = p.ID
		s.mx.Unlock()
		log.Debug().Str("id", p.ID).Msg("got own id")

	case model.AnnouncementTypeExistingParticipants:
		var list []model.Participant
		if err := ann.Decode(&list); err != nil {
			log.Warn().Err(err).Msg("malformed participant list")
			return
		}
		s.emit(Event{Kind: EventJoined, RoomID: s.RoomID()})
		for _, p := range list {
			s.addParticipant(ctx, p, peer.ViaExisting)
		}

	case model.AnnouncementTypeUserJoined:
		var p model.Participant
		if err := ann.Decode(&p); err != nil {
			log.Warn().Err(err).Msg("malformed participant")
			return
		}
		s.addParticipant(ctx, p, peer.ViaJoined)

	case model.AnnouncementTypeUserLeft:
		var p model.UserLeftPayload
		if err := ann.Decode(&p); err != nil {
			log.Warn().Err(err).Msg("malformed user-left")
			return
		}
		s.removeParticipant(p.ParticipantID)

	case model.AnnouncementTypeParticipantAudioToggle, model.AnnouncementTypeParticipantVideoToggle:
		var p model.ParticipantTogglePayload
		if err := ann.Decode(&p); err != nil {
			log.Warn().Err(err).Msg("malformed toggle")
			return
		}
		s.applyToggle(ann.Type == model.AnnouncementTypeParticipantAudioToggle, p)

	case model.AnnouncementTypeOffer:
		s.peers.HandleOffer(ctx, ann.SRC, ann.Payload)

	case model.AnnouncementTypeAnswer:
		s.peers.HandleAnswer(ctx, ann.SRC, ann.Payload)

	case model.AnnouncementTypeICECandidate:
		s.peers.HandleCandidate(ann.SRC, ann.Payload)

	case model.AnnouncementTypeChatMessage:
		var msg model.ChatMessage
		if err := ann.Decode(&msg); err != nil {
			log.Warn().Err(err).Msg("malformed chat message")
			return
		}
		s.mx.Lock()
		s.transcript = append(s.transcript, msg)
		s.mx.Unlock()
		s.emit(Event{Kind: EventChat, Chat: msg})

	case model.AnnouncementTypeError:
		var p model.ErrorPayload
		if err := ann.Decode(&p); err != nil {
			log.Warn().Err(err).Msg("malformed error notice")
			return
		}
		log.Warn().Str("error", p.Error).Msg("server rejected request")
		s.emit(Event{Kind: EventError, Err: errors.New(p.Error)})

	default:
		log.Debug().Msg("unknown announcement ignored")
	}
}

func (s *Session) addParticipant(ctx context.Context, p model.Participant, via peer.Via) {
	s.mx.Lock()
	if p.ID == "" || p.ID == s.selfID {
		s.mx.Unlock()
		return
	}
	if _, ok := s.roster[p.ID]; !ok {
		s.order = append(s.order, p.ID)
	}
	entry := &Participant{Participant: p, Link: peer.StateConnecting}
	s.roster[p.ID] = entry
	snapshot := *entry
	s.mx.Unlock()

	s.emit(Event{Kind: EventParticipantJoined, Participant: snapshot})
	if err := s.peers.AddParticipant(ctx, p.ID, via); err != nil {
		s.logger.Error().Err(err).Str("participant", p.ID).Msg("cannot create peer link")
	}
}

func (s *Session) removeParticipant(id string) {
	s.mx.Lock()
	p, ok := s.roster[id]
	if ok {
		delete(s.roster, id)
		for i, pid := range s.order {
			if pid == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mx.Unlock()

	s.peers.RemoveParticipant(id)
	if ok {
		s.emit(Event{Kind: EventParticipantLeft, Participant: *p})
	}
}

func (s *Session) applyToggle(audio bool, t model.ParticipantTogglePayload) {
	s.mx.Lock()
	p, ok := s.roster[t.ParticipantID]
	if !ok {
		s.mx.Unlock()
		return
	}
	if audio {
		p.AudioEnabled = t.Enabled
	} else {
		p.VideoEnabled = t.Enabled
	}
	snapshot := *p
	s.mx.Unlock()

	s.emit(Event{Kind: EventParticipantUpdated, Participant: snapshot})
}

// HandlePeerEvent records link changes in the roster.
func (s *Session) HandlePeerEvent(e peer.Event) {
	s.mx.Lock()
	p, ok := s.roster[e.ParticipantID]
	if !ok {
		s.mx.Unlock()
		return
	}
	var kind EventKind
	switch e.Kind {
	case peer.EventRemoteStream:
		p.Streams = append(p.Streams, e.Stream)
		kind = EventRemoteStream
	default:
		if e.State == peer.StateClosed {
			s.mx.Unlock()
			return
		}
		p.Link = e.State
		degraded := e.State == peer.StateFailed
		if degraded == p.Degraded {
			s.mx.Unlock()
			return
		}
		p.Degraded = degraded
		kind = EventDegraded
	}
	snapshot := *p
	s.mx.Unlock()

	s.emit(Event{Kind: kind, Participant: snapshot})
}

// HandleSourceChange reports local source changes not initiated by user.
func (s *Session) HandleSourceChange(kind media.SourceKind, err error) {
	if err != nil {
		s.mx.Lock()
		s.degraded = kind == ""
		s.mx.Unlock()
		s.emit(Event{Kind: EventMediaError, Err: err, Source: kind})
		return
	}
	s.emit(Event{Kind: EventSourceChanged, Source: kind})
}

// resetRoom drops all links and remote participants, the room itself
// is remembered for rejoin.
func (s *Session) resetRoom() {
	s.peers.CloseAll()
	s.mx.Lock()
	s.roster = make(map[string]*Participant)
	s.order = nil
	s.mx.Unlock()
}

// CreateRoom joins a new room with generated id.
func (s *Session) CreateRoom(ctx context.Context) (string, error) {
	roomID, err := NewRoomID()
	if err != nil {
		return "", err
	}
	return roomID, s.JoinRoom(ctx, roomID)
}

// JoinRoom joins the room. Failure to start local media leaves session
// in degraded mode but does not prevent joining.
func (s *Session) JoinRoom(ctx context.Context, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return ErrInvalidRoom
	}
	if s.media.Active() == "" {
		if err := s.media.Start(ctx, media.SourceCamera); err != nil {
			s.logger.Warn().Err(err).Msg("joining without local media")
			s.mx.Lock()
			s.degraded = true
			s.mx.Unlock()
			s.emit(Event{Kind: EventMediaError, Err: err, Source: media.SourceCamera})
		} else {
			s.mx.Lock()
			s.degraded = false
			s.mx.Unlock()
		}
	}

	s.mx.Lock()
	previous := s.roomID
	s.roomID = roomID
	if previous != roomID {
		s.transcript = nil
	}
	s.mx.Unlock()
	if previous != "" {
		s.resetRoom()
	}
	return s.sendJoin(ctx, roomID)
}

func (s *Session) sendJoin(ctx context.Context, roomID string) error {
	audio := s.media.Enabled(media.TrackAudio)
	video := s.media.Enabled(media.TrackVideo)
	return s.send(ctx, model.AnnouncementTypeJoinRoom, model.JoinRoomPayload{
		RoomID:       roomID,
		DisplayName:  s.displayName,
		AudioEnabled: &audio,
		VideoEnabled: &video,
	})
}

// LeaveRoom leaves current room keeping local media.
func (s *Session) LeaveRoom(ctx context.Context) error {
	s.mx.Lock()
	roomID := s.roomID
	s.roomID = ""
	s.transcript = nil
	s.mx.Unlock()
	if roomID == "" {
		return ErrNotInRoom
	}
	s.resetRoom()
	s.emit(Event{Kind: EventLeft, RoomID: roomID})
	return s.send(ctx, model.AnnouncementTypeLeaveRoom, nil)
}

// SendChat sends message to the room. Server does not echo messages,
// so it is added to the transcript right away.
func (s *Session) SendChat(ctx context.Context, text string) (model.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return model.ChatMessage{}, ErrEmptyMessage
	}
	if len(text) > maxChatLength {
		return model.ChatMessage{}, ErrMessageSize
	}
	s.mx.Lock()
	if s.roomID == "" {
		s.mx.Unlock()
		return model.ChatMessage{}, ErrNotInRoom
	}
	msg := model.ChatMessage{
		ID:         uuid.NewString(),
		SenderID:   s.selfID,
		SenderName: s.displayName,
		Text:       text,
		Timestamp:  time.Now().UTC(),
	}
	s.mx.Unlock()

	if err := s.send(ctx, model.AnnouncementTypeChatMessage, msg); err != nil {
		return model.ChatMessage{}, err
	}
	s.mx.Lock()
	s.transcript = append(s.transcript, msg)
	s.mx.Unlock()
	return msg, nil
}

// DeleteChat removes message from local transcript only.
func (s *Session) DeleteChat(id string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	for i, msg := range s.transcript {
		if msg.ID == id {
			s.transcript = append(s.transcript[:i], s.transcript[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Session) Transcript() []model.ChatMessage {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]model.ChatMessage(nil), s.transcript...)
}

func (s *Session) ToggleAudio(ctx context.Context, enabled bool) error {
	return s.toggle(ctx, media.TrackAudio, model.AnnouncementTypeToggleAudio, enabled)
}

func (s *Session) ToggleVideo(ctx context.Context, enabled bool) error {
	return s.toggle(ctx, media.TrackVideo, model.AnnouncementTypeToggleVideo, enabled)
}

func (s *Session) toggle(ctx context.Context, kind media.TrackKind, typ string, enabled bool) error {
	s.media.SetEnabled(kind, enabled)
	if s.RoomID() == "" {
		return nil
	}
	return s.send(ctx, typ, model.TogglePayload{Enabled: enabled})
}

func (s *Session) StartScreenShare(ctx context.Context) error {
	return s.switchSource(ctx, media.SourceScreen)
}

func (s *Session) StopScreenShare(ctx context.Context) error {
	return s.switchSource(ctx, media.SourceCamera)
}

func (s *Session) switchSource(ctx context.Context, kind media.SourceKind) error {
	if err := s.media.SwitchSource(ctx, kind); err != nil {
		s.emit(Event{Kind: EventMediaError, Err: err, Source: kind})
		return err
	}
	s.mx.Lock()
	s.degraded = false
	s.mx.Unlock()
	s.emit(Event{Kind: EventSourceChanged, Source: kind})
	return nil
}

func (s *Session) send(ctx context.Context, typ string, payload any) error {
	ann, err := model.NewAnnouncement(typ, payload)
	if err != nil {
		return err
	}
	return s.transport.Send(ctx, ann)
}

// Roster returns remote participants in join order.
func (s *Session) Roster() []Participant {
	s.mx.Lock()
	defer s.mx.Unlock()
	out := make([]Participant, 0, len(s.order))
	for _, id := range s.order {
		p := *s.roster[id]
		p.Streams = append([]peer.RemoteStream(nil), p.Streams...)
		out = append(out, p)
	}
	return out
}

func (s *Session) RoomID() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.roomID
}

func (s *Session) Connected() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.connected
}

func (s *Session) SelfID() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.selfID
}

// Degraded reports whether session runs without local media.
func (s *Session) Degraded() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.degraded
}

// Close leaves the room and releases local media.
func (s *Session) Close(ctx context.Context) {
	if s.RoomID() != "" {
		if err := s.LeaveRoom(ctx); err != nil {
			s.logger.Debug().Err(err).Msg("leave on close failed")
		}
	}
	s.peers.Close()
	s.media.Release()
}
