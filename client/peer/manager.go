package peer

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/adwski/webrtc-meet/backend/model"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const defaultRestartWait = 10 * time.Second

var (
	ErrManagerClosed = errors.New("peer manager is closed")
	ErrInvalidID     = errors.New("invalid participant id")
)

type State int

const (
	StateNone State = iota
	StateConnecting
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Via tells how participant became known.
type Via int

const (
	// ViaExisting is for participants listed on own join.
	ViaExisting Via = iota
	// ViaJoined is for participants that joined after us.
	ViaJoined
)

type EventKind int

const (
	EventState EventKind = iota
	EventRemoteStream
)

// Event reports link changes to the session.
type Event struct {
	Kind          EventKind
	ParticipantID string
	State         State
	Stream        RemoteStream
}

type RemoteStream struct {
	StreamID string
	TrackID  string
	Kind     string
}

// Link is a snapshot of connection with a remote participant.
type Link struct {
	RemoteID      string
	State         State
	Originator    bool
	Tracks        []string
	RemoteStreams []RemoteStream
}

// Signaler delivers announcements to the signaling server.
type Signaler interface {
	Send(ctx context.Context, ann model.Announcement) error
}

// TrackSource provides tracks of the active local source.
type TrackSource interface {
	Tracks() []webrtc.TrackLocal
}

type Config struct {
	Logger      *zerolog.Logger
	Factory     Factory
	Signaler    Signaler
	Tracks      TrackSource
	RestartWait time.Duration
	OnEvent     func(Event)
}

type link struct {
	id         string
	conn       Conn
	state      State
	originator bool

	awaitingAnswer bool
	renegotiate    bool
	pending        []webrtc.ICECandidateInit

	restarted      bool
	restartPending bool
	restartTimer   *time.Timer

	streams []RemoteStream
}

type connEventKind int

const (
	connCandidate connEventKind = iota
	connState
	connTrack
	connRestartExpired
)

type connEvent struct {
	kind      connEventKind
	id        string
	link      *link
	candidate webrtc.ICECandidateInit
	state     webrtc.PeerConnectionState
	track     RemoteTrack
}

// Manager keeps one link per remote participant of the room and drives
// offer/answer exchange over signaling.
type Manager struct {
	logger      zerolog.Logger
	factory     Factory
	signaler    Signaler
	tracks      TrackSource
	restartWait time.Duration
	onEvent     func(Event)

	mx     sync.Mutex
	links  map[string]*link
	closed bool

	// connection callbacks are queued and handled by Run
	inboxMx sync.Mutex
	inbox   []connEvent
	notify  chan struct{}
}

func NewManager(cfg Config) *Manager {
	restartWait := cfg.RestartWait
	if restartWait <= 0 {
		restartWait = defaultRestartWait
	}
	onEvent := cfg.OnEvent
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Manager{
		logger:      cfg.Logger.With().Str("component", "peer-manager").Logger(),
		factory:     cfg.Factory,
		signaler:    cfg.Signaler,
		tracks:      cfg.Tracks,
		restartWait: restartWait,
		onEvent:     onEvent,
		links:       make(map[string]*link),
		notify:      make(chan struct{}, 1),
	}
}

// outbox collects side effects produced under lock.
type outbox struct {
	anns   []model.Announcement
	events []Event
}

func (o *outbox) send(typ, dst string, payload any, logger *zerolog.Logger) {
	ann, err := model.NewAnnouncement(typ, payload)
	if err != nil {
		logger.Error().Err(err).Str("type", typ).Msg("cannot create announcement")
		return
	}
	ann.DST = dst
	o.anns = append(o.anns, ann)
}

func (o *outbox) state(l *link) {
	o.events = append(o.events, Event{Kind: EventState, ParticipantID: l.id, State: l.state})
}

func (m *Manager) flush(ctx context.Context, o *outbox) {
	for _, ann := range o.anns {
		if err := m.signaler.Send(ctx, ann); err != nil {
			m.logger.Warn().Err(err).Str("type", ann.Type).Str("dst", ann.DST).Msg("cannot send announcement")
		}
	}
	for _, e := range o.events {
		m.onEvent(e)
	}
}

// AddParticipant creates link with participant. Only the side that learns
// about participant via ViaJoined originates the offer.
func (m *Manager) AddParticipant(ctx context.Context, id string, via Via) error {
	if id == "" {
		return ErrInvalidID
	}
	o := &outbox{}
	defer m.flush(ctx, o)

	m.mx.Lock()
	defer m.mx.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if _, ok := m.links[id]; ok {
		m.logger.Debug().Str("participant", id).Msg("link already exists")
		return nil
	}
	l, err := m.newLink(id, via == ViaJoined)
	if err != nil {
		return err
	}
	o.state(l)
	if l.originator {
		m.negotiate(l, false, o)
	}
	return nil
}

func (m *Manager) newLink(id string, originator bool) (*link, error) {
	l := &link{
		id:         id,
		state:      StateConnecting,
		originator: originator,
	}
	conn, err := m.factory(m.handlers(l))
	if err != nil {
		return nil, err
	}
	l.conn = conn
	if m.tracks != nil {
		for _, t := range m.tracks.Tracks() {
			if err = conn.AddTrack(t); err != nil {
				m.logger.Error().Err(err).Str("participant", id).Str("track", t.ID()).Msg("cannot attach track")
			}
		}
	}
	m.links[id] = l
	m.logger.Debug().Str("participant", id).Bool("originator", originator).Msg("link created")
	return l, nil
}

func (m *Manager) handlers(l *link) Handlers {
	// events of replaced links are recognized by link pointer in Run
	return Handlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			m.enqueue(connEvent{kind: connCandidate, id: l.id, link: l, candidate: c})
		},
		OnConnectionState: func(s webrtc.PeerConnectionState) {
			m.enqueue(connEvent{kind: connState, id: l.id, link: l, state: s})
		},
		OnTrack: func(t RemoteTrack) {
			m.enqueue(connEvent{kind: connTrack, id: l.id, link: l, track: t})
		},
	}
}

// negotiate creates and sends fresh offer, or postpones it until
// signaling is stable. Postponed ice restart is carried to the next offer.
func (m *Manager) negotiate(l *link, iceRestart bool, o *outbox) {
	if l.conn.SignalingState() != webrtc.SignalingStateStable {
		l.renegotiate = true
		l.restartPending = l.restartPending || iceRestart
		return
	}
	iceRestart = iceRestart || l.restartPending
	l.renegotiate = false
	l.restartPending = false
	offer, err := l.conn.CreateOffer(iceRestart)
	if err != nil {
		m.logger.Error().Err(err).Str("participant", l.id).Msg("cannot create offer")
		return
	}
	if err = l.conn.SetLocalDescription(offer); err != nil {
		m.logger.Error().Err(err).Str("participant", l.id).Msg("cannot set local offer")
		return
	}
	l.awaitingAnswer = true
	o.send(model.AnnouncementTypeOffer, l.id, offer, &m.logger)
}

// HandleOffer applies remote offer and answers it.
func (m *Manager) HandleOffer(ctx context.Context, from string, payload json.RawMessage) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil || offer.Type != webrtc.SDPTypeOffer {
		m.logger.Warn().Err(err).Str("from", from).Msg("malformed offer dropped")
		return
	}
	o := &outbox{}
	defer m.flush(ctx, o)

	m.mx.Lock()
	defer m.mx.Unlock()

	if m.closed || from == "" {
		return
	}
	l, ok := m.links[from]
	if !ok {
		var err error
		if l, err = m.newLink(from, false); err != nil {
			m.logger.Error().Err(err).Str("from", from).Msg("cannot create link for offer")
			return
		}
		o.state(l)
	}

	switch l.conn.SignalingState() {
	case webrtc.SignalingStateClosed:
		m.logger.Warn().Str("from", from).Msg("offer for closed connection dropped")
		return
	case webrtc.SignalingStateHaveLocalOffer:
		if l.originator {
			m.logger.Debug().Str("from", from).Msg("colliding offer ignored")
			return
		}
		if err := l.conn.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			m.logger.Warn().Err(err).Str("from", from).Msg("rollback failed, offer dropped")
			return
		}
		l.awaitingAnswer = false
		l.renegotiate = true
	}

	if err := l.conn.SetRemoteDescription(offer); err != nil {
		m.logger.Warn().Err(err).Str("from", from).Msg("offer rejected")
		return
	}
	m.flushCandidates(l)

	answer, err := l.conn.CreateAnswer()
	if err != nil {
		m.logger.Warn().Err(err).Str("from", from).Msg("cannot create answer")
		return
	}
	if err = l.conn.SetLocalDescription(answer); err != nil {
		m.logger.Warn().Err(err).Str("from", from).Msg("cannot set local answer")
		return
	}
	o.send(model.AnnouncementTypeAnswer, from, answer, &m.logger)

	if l.renegotiate || l.restartPending || l.conn.Unnegotiated() {
		m.negotiate(l, l.restartPending, o)
	}
}

// HandleAnswer applies answer if link awaits one.
func (m *Manager) HandleAnswer(ctx context.Context, from string, payload json.RawMessage) {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil || answer.Type != webrtc.SDPTypeAnswer {
		m.logger.Warn().Err(err).Str("from", from).Msg("malformed answer dropped")
		return
	}
	o := &outbox{}
	defer m.flush(ctx, o)

	m.mx.Lock()
	defer m.mx.Unlock()

	l, ok := m.links[from]
	if !ok || !l.awaitingAnswer || l.conn.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		m.logger.Debug().Str("from", from).Msg("unexpected answer dropped")
		return
	}
	if err := l.conn.SetRemoteDescription(answer); err != nil {
		m.logger.Warn().Err(err).Str("from", from).Msg("answer rejected")
		return
	}
	l.awaitingAnswer = false
	m.flushCandidates(l)

	if l.renegotiate || l.restartPending {
		m.negotiate(l, l.restartPending, o)
	}
}

// HandleCandidate applies remote candidate or queues it until remote
// description is known.
func (m *Manager) HandleCandidate(from string, payload json.RawMessage) {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &candidate); err != nil || candidate.Candidate == "" {
		m.logger.Debug().Err(err).Str("from", from).Msg("malformed candidate dropped")
		return
	}

	m.mx.Lock()
	defer m.mx.Unlock()

	l, ok := m.links[from]
	if !ok {
		m.logger.Debug().Str("from", from).Msg("candidate for unknown link dropped")
		return
	}
	if l.conn.RemoteDescription() == nil {
		l.pending = append(l.pending, candidate)
		return
	}
	if err := l.conn.AddICECandidate(candidate); err != nil {
		m.logger.Warn().Err(err).Str("from", from).Msg("candidate rejected")
	}
}

func (m *Manager) flushCandidates(l *link) {
	for _, c := range l.pending {
		if err := l.conn.AddICECandidate(c); err != nil {
			m.logger.Warn().Err(err).Str("participant", l.id).Msg("queued candidate rejected")
		}
	}
	l.pending = nil
}

// RemoveParticipant closes and discards link in any state.
func (m *Manager) RemoveParticipant(id string) {
	m.mx.Lock()
	l, ok := m.links[id]
	if ok {
		delete(m.links, id)
		m.closeLink(l)
	}
	m.mx.Unlock()

	if ok {
		m.onEvent(Event{Kind: EventState, ParticipantID: id, State: StateClosed})
	}
}

func (m *Manager) closeLink(l *link) {
	if l.restartTimer != nil {
		l.restartTimer.Stop()
	}
	l.state = StateClosed
	if err := l.conn.Close(); err != nil {
		m.logger.Debug().Err(err).Str("participant", l.id).Msg("error closing connection")
	}
}

// CloseAll closes every link. Manager remains usable.
func (m *Manager) CloseAll() {
	m.mx.Lock()
	links := m.links
	m.links = make(map[string]*link)
	for _, l := range links {
		m.closeLink(l)
	}
	m.mx.Unlock()

	for id := range links {
		m.onEvent(Event{Kind: EventState, ParticipantID: id, State: StateClosed})
	}
}

// ReplaceTracks swaps local tracks on every link and renegotiates
// links where set of tracks changed.
func (m *Manager) ReplaceTracks(ctx context.Context, tracks []webrtc.TrackLocal) {
	o := &outbox{}
	defer m.flush(ctx, o)

	m.mx.Lock()
	defer m.mx.Unlock()

	want := make(map[string]webrtc.TrackLocal, len(tracks))
	for _, t := range tracks {
		want[t.ID()] = t
	}
	for _, l := range m.links {
		changed := false
		have := make(map[string]struct{})
		for _, id := range l.conn.TrackIDs() {
			have[id] = struct{}{}
			if _, ok := want[id]; ok {
				continue
			}
			if err := l.conn.RemoveTrack(id); err != nil {
				m.logger.Warn().Err(err).Str("participant", l.id).Str("track", id).Msg("cannot detach track")
				continue
			}
			changed = true
		}
		for id, t := range want {
			if _, ok := have[id]; ok {
				continue
			}
			if err := l.conn.AddTrack(t); err != nil {
				m.logger.Warn().Err(err).Str("participant", l.id).Str("track", id).Msg("cannot attach track")
				continue
			}
			changed = true
		}
		if changed {
			m.negotiate(l, false, o)
		}
	}
}

// Close closes all links and stops accepting new ones.
func (m *Manager) Close() {
	m.mx.Lock()
	m.closed = true
	m.mx.Unlock()
	m.CloseAll()
}

func (m *Manager) Links() []Link {
	m.mx.Lock()
	defer m.mx.Unlock()

	out := make([]Link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

// State returns link state or StateNone if no link exists.
func (m *Manager) State(id string) State {
	m.mx.Lock()
	defer m.mx.Unlock()
	if l, ok := m.links[id]; ok {
		return l.state
	}
	return StateNone
}

func (l *link) snapshot() Link {
	tracks := l.conn.TrackIDs()
	sort.Strings(tracks)
	return Link{
		RemoteID:      l.id,
		State:         l.state,
		Originator:    l.originator,
		Tracks:        tracks,
		RemoteStreams: append([]RemoteStream(nil), l.streams...),
	}
}

func (m *Manager) enqueue(e connEvent) {
	m.inboxMx.Lock()
	m.inbox = append(m.inbox, e)
	m.inboxMx.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Run handles connection callbacks until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.notify:
		}
		m.inboxMx.Lock()
		events := m.inbox
		m.inbox = nil
		m.inboxMx.Unlock()

		for _, e := range events {
			m.handleConnEvent(ctx, e)
		}
	}
}

func (m *Manager) handleConnEvent(ctx context.Context, e connEvent) {
	o := &outbox{}
	defer m.flush(ctx, o)

	m.mx.Lock()
	defer m.mx.Unlock()

	l, ok := m.links[e.id]
	if !ok || l != e.link {
		return
	}

	switch e.kind {
	case connCandidate:
		o.send(model.AnnouncementTypeICECandidate, l.id, e.candidate, &m.logger)

	case connTrack:
		rs := RemoteStream{
			StreamID: e.track.StreamID(),
			TrackID:  e.track.ID(),
			Kind:     e.track.Kind().String(),
		}
		l.streams = append(l.streams, rs)
		o.events = append(o.events, Event{Kind: EventRemoteStream, ParticipantID: l.id, State: l.state, Stream: rs})

	case connState:
		m.handleConnState(l, e.state, o)

	case connRestartExpired:
		if l.state != StateConnected && l.state != StateFailed {
			m.logger.Warn().Str("participant", l.id).Msg("ice restart timed out")
			l.state = StateFailed
			o.state(l)
		}
	}
}

func (m *Manager) handleConnState(l *link, s webrtc.PeerConnectionState, o *outbox) {
	m.logger.Debug().Str("participant", l.id).Str("state", s.String()).Msg("connection state changed")

	switch s {
	case webrtc.PeerConnectionStateConnected:
		if l.restartTimer != nil {
			l.restartTimer.Stop()
			l.restartTimer = nil
		}
		// next failure gets its own restart attempt
		l.restarted = false
		if l.state != StateConnected {
			l.state = StateConnected
			o.state(l)
		}

	case webrtc.PeerConnectionStateFailed:
		if l.state == StateFailed {
			return
		}
		if l.restarted {
			l.state = StateFailed
			o.state(l)
			return
		}
		l.restarted = true
		m.logger.Info().Str("participant", l.id).Bool("originator", l.originator).Msg("connection failed, restarting ice")
		if l.state != StateConnecting {
			l.state = StateConnecting
			o.state(l)
		}
		if l.originator {
			m.negotiate(l, true, o)
		}
		l.restartTimer = time.AfterFunc(m.restartWait, func() {
			m.enqueue(connEvent{kind: connRestartExpired, id: l.id, link: l})
		})
	}
}
