package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/adwski/webrtc-meet/backend/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultMaxChatLength = 4096
)

var (
	ErrGet             = errors.New("unable to get room")
	ErrConnect         = errors.New("unable to connect")
	ErrSessionExists   = errors.New("signaling session already exists")
	ErrSessionNotFound = errors.New("signaling session not found")
	ErrSessionBusy     = errors.New("signaling session is still running")
)

type (
	RoomStore interface {
		Join(connID, roomID, displayName string, opts ...model.ParticipantOption) (bool, []model.Participant, error)
		Leave(connID string) (string, int, bool)
		UpdateState(connID string, field model.StateField, enabled bool) (model.Participant, error)
		RoomOf(connID string) (string, bool)
		Participant(connID string) (model.Participant, bool)
		GetRoom(roomID string) (*model.Room, error)
		Stats() (int, int)
	}

	Switch interface {
		Register(endpoint string, wire model.Wire)
		Unregister(endpoint string)
		Connect(roomID, endpoint string) error
		Disconnect(roomID, endpoint string)
		Send(ctx context.Context, ann model.Announcement) bool
		Forward(ctx context.Context, ann model.Announcement, roomID string) bool
		Multicast(ctx context.Context, ann model.Announcement, roomID string, dsts []string) int
		Broadcast(ctx context.Context, ann model.Announcement, roomID string) int
	}

	// Service is the signaling relay. Each signaling session gets its own
	// dispatcher goroutine that handles inbound announcements one at a time.
	Service struct {
		store  RoomStore
		sw     Switch
		logger zerolog.Logger
		now    func() time.Time

		mx       *sync.Mutex
		sessions map[string]*session
	}

	Config struct {
		RoomStore RoomStore
		Switch    Switch
		Logger    *zerolog.Logger
	}

	session struct {
		done chan struct{}
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:    cfg.RoomStore,
		sw:       cfg.Switch,
		logger:   cfg.Logger.With().Str("component", "relay").Logger(),
		now:      time.Now,
		mx:       &sync.Mutex{},
		sessions: make(map[string]*session),
	}
}

// CreateSignalingSession registers connection wire and starts dispatching
// its inbound announcements until ctx is canceled.
func (svc *Service) CreateSignalingSession(ctx context.Context, connID string, wire model.Wire) error {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if _, ok := svc.sessions[connID]; ok {
		return ErrSessionExists
	}
	sess := &session{done: make(chan struct{})}
	svc.sessions[connID] = sess
	svc.sw.Register(connID, wire)

	go svc.dispatch(ctx, connID, wire.RX, sess)

	svc.logger.Debug().
		Str("connID", connID).
		Msg("signaling session connected")
	return nil
}

// DeleteSignalingSession waits for session dispatcher to stop and then
// cleans up as if the connection had sent leave-room.
func (svc *Service) DeleteSignalingSession(ctx context.Context, connID string) error {
	svc.mx.Lock()
	sess, ok := svc.sessions[connID]
	svc.mx.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	select {
	case <-sess.done:
	case <-ctx.Done():
		return errors.Join(ErrSessionBusy, ctx.Err())
	}

	svc.leaveRoom(ctx, connID)
	svc.sw.Unregister(connID)

	svc.mx.Lock()
	delete(svc.sessions, connID)
	svc.mx.Unlock()

	svc.logger.Debug().
		Str("connID", connID).
		Msg("signaling session deleted")
	return nil
}

func (svc *Service) GetRoom(roomID string) (*model.Room, error) {
	room, err := svc.store.GetRoom(roomID)
	if err != nil {
		return nil, errors.Join(ErrGet, err)
	}
	return room, nil
}

func (svc *Service) Stats() (rooms int, participants int) {
	return svc.store.Stats()
}

func (svc *Service) dispatch(ctx context.Context, connID string, rx <-chan model.Announcement, sess *session) {
	defer close(sess.done)

	logger := svc.logger.With().Str("connID", connID).Logger()

	welcome, _ := model.NewAnnouncement(model.AnnouncementTypeWelcome, model.WelcomePayload{ID: connID})
	welcome.DST = connID
	svc.sw.Send(ctx, welcome)

	for {
		select {
		case <-ctx.Done():
			return
		case ann, ok := <-rx:
			if !ok {
				return
			}
			ann.SRC = connID
			svc.handle(ctx, ann, &logger)
		}
	}
}

func (svc *Service) handle(ctx context.Context, ann model.Announcement, logger *zerolog.Logger) {
	switch ann.Type {
	case model.AnnouncementTypeJoinRoom:
		svc.handleJoin(ctx, ann, logger)
	case model.AnnouncementTypeLeaveRoom:
		svc.leaveRoom(ctx, ann.SRC)
	case model.AnnouncementTypeOffer,
		model.AnnouncementTypeAnswer,
		model.AnnouncementTypeICECandidate:
		svc.handleRelay(ctx, ann, logger)
	case model.AnnouncementTypeToggleAudio:
		svc.handleToggle(ctx, ann, model.FieldAudio, model.AnnouncementTypeParticipantAudioToggle, logger)
	case model.AnnouncementTypeToggleVideo:
		svc.handleToggle(ctx, ann, model.FieldVideo, model.AnnouncementTypeParticipantVideoToggle, logger)
	case model.AnnouncementTypeChatMessage:
		svc.handleChat(ctx, ann, logger)
	default:
		logger.Warn().Str("type", ann.Type).Msg("unknown announcement type")
	}
}

func (svc *Service) handleJoin(ctx context.Context, ann model.Announcement, logger *zerolog.Logger) {
	var req model.JoinRoomPayload
	if err := ann.Decode(&req); err != nil {
		logger.Warn().Err(err).Msg("malformed join request")
		svc.sendError(ctx, ann.SRC, "malformed join request")
		return
	}
	req.RoomID = strings.TrimSpace(req.RoomID)

	// Rejoin is an explicit leave followed by a fresh join, so that
	// other members rebuild their links to this connection.
	svc.leaveRoom(ctx, ann.SRC)

	var opts []model.ParticipantOption
	if req.AudioEnabled != nil || req.VideoEnabled != nil {
		audio, video := true, true
		if req.AudioEnabled != nil {
			audio = *req.AudioEnabled
		}
		if req.VideoEnabled != nil {
			video = *req.VideoEnabled
		}
		opts = append(opts, model.WithMediaState(audio, video))
	}

	created, existing, err := svc.store.Join(ann.SRC, req.RoomID, req.DisplayName, opts...)
	if err != nil {
		logger.Warn().Err(err).Str("roomID", req.RoomID).Msg("join failed")
		svc.sendError(ctx, ann.SRC, err.Error())
		return
	}
	if err = svc.sw.Connect(req.RoomID, ann.SRC); err != nil {
		logger.Error().Err(errors.Join(ErrConnect, err)).Msg("cannot attach endpoint to room")
		svc.store.Leave(ann.SRC)
		return
	}
	self, _ := svc.store.Participant(ann.SRC)

	logger.Debug().
		Str("roomID", req.RoomID).
		Bool("created", created).
		Int("existing", len(existing)).
		Msg("participant joined room")

	// Snapshot goes to the joiner first, then exactly the snapshot members
	// learn about the joiner. Members joining later get the joiner in their
	// own snapshot instead.
	snapshot, _ := model.NewAnnouncement(model.AnnouncementTypeExistingParticipants, existing)
	snapshot.DST = ann.SRC
	svc.sw.Send(ctx, snapshot)

	if len(existing) == 0 {
		return
	}
	dsts := make([]string, 0, len(existing))
	for _, p := range existing {
		dsts = append(dsts, p.ID)
	}
	joined, _ := model.NewAnnouncement(model.AnnouncementTypeUserJoined, self)
	joined.SRC = ann.SRC
	svc.sw.Multicast(ctx, joined, req.RoomID, dsts)
}

// leaveRoom is a no-op if connection is not in any room.
func (svc *Service) leaveRoom(ctx context.Context, connID string) {
	roomID, remaining, ok := svc.store.Leave(connID)
	if !ok {
		return
	}
	svc.sw.Disconnect(roomID, connID)

	svc.logger.Debug().
		Str("connID", connID).
		Str("roomID", roomID).
		Int("remaining", remaining).
		Msg("participant left room")

	if remaining == 0 {
		return
	}
	left, _ := model.NewAnnouncement(model.AnnouncementTypeUserLeft, model.UserLeftPayload{ParticipantID: connID})
	left.SRC = connID
	svc.sw.Broadcast(ctx, left, roomID)
}

// handleRelay forwards connection setup messages untouched to the target.
func (svc *Service) handleRelay(ctx context.Context, ann model.Announcement, logger *zerolog.Logger) {
	roomID, ok := svc.store.RoomOf(ann.SRC)
	if !ok {
		logger.Warn().Str("type", ann.Type).Msg("relay from connection outside of any room")
		return
	}
	if ann.DST == "" || ann.DST == ann.SRC {
		logger.Warn().Str("type", ann.Type).Str("dst", ann.DST).Msg("relay with invalid target")
		return
	}
	if !svc.sw.Forward(ctx, ann, roomID) {
		logger.Debug().
			Str("type", ann.Type).
			Str("dst", ann.DST).
			Msg("relay dropped, target is not reachable in room")
	}
}

func (svc *Service) handleToggle(
	ctx context.Context,
	ann model.Announcement,
	field model.StateField,
	outType string,
	logger *zerolog.Logger,
) {
	var req model.TogglePayload
	if err := ann.Decode(&req); err != nil {
		logger.Warn().Err(err).Str("type", ann.Type).Msg("malformed toggle request")
		return
	}
	if req.ParticipantID != "" && req.ParticipantID != ann.SRC {
		logger.Warn().
			Str("type", ann.Type).
			Str("target", req.ParticipantID).
			Msg("toggle naming another participant rejected")
		return
	}

	if _, err := svc.store.UpdateState(ann.SRC, field, req.Enabled); err != nil {
		logger.Warn().Err(err).Str("type", ann.Type).Msg("toggle failed")
		return
	}
	roomID, ok := svc.store.RoomOf(ann.SRC)
	if !ok {
		return
	}

	out, _ := model.NewAnnouncement(outType, model.ParticipantTogglePayload{
		ParticipantID: ann.SRC,
		Enabled:       req.Enabled,
	})
	out.SRC = ann.SRC
	svc.sw.Broadcast(ctx, out, roomID)
}

func (svc *Service) handleChat(ctx context.Context, ann model.Announcement, logger *zerolog.Logger) {
	var msg model.ChatMessage
	if err := ann.Decode(&msg); err != nil {
		logger.Warn().Err(err).Msg("malformed chat message")
		return
	}
	if strings.TrimSpace(msg.Text) == "" || len(msg.Text) > defaultMaxChatLength {
		logger.Warn().Int("length", len(msg.Text)).Msg("chat message dropped")
		return
	}
	self, ok := svc.store.Participant(ann.SRC)
	if !ok {
		logger.Warn().Msg("chat from connection outside of any room")
		return
	}
	roomID, _ := svc.store.RoomOf(ann.SRC)

	msg.SenderID = self.ID
	msg.SenderName = self.DisplayName
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = svc.now().UTC()
	}

	out, err := model.NewAnnouncement(model.AnnouncementTypeChatMessage, msg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode chat message")
		return
	}
	out.SRC = ann.SRC
	svc.sw.Broadcast(ctx, out, roomID)
}

func (svc *Service) sendError(ctx context.Context, connID, reason string) {
	ann, _ := model.NewAnnouncement(model.AnnouncementTypeError, model.ErrorPayload{Error: reason})
	ann.DST = connID
	svc.sw.Send(ctx, ann)
}
