package conference

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/adwski/webrtc-meet/backend/model"
	"github.com/adwski/webrtc-meet/client/media"
	"github.com/adwski/webrtc-meet/client/peer"
	"github.com/adwski/webrtc-meet/client/signaling"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	events chan signaling.Event
	stop   chan struct{}

	mx   sync.Mutex
	sent []model.Announcement
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan signaling.Event, 64),
		stop:   make(chan struct{}),
	}
}

func (t *fakeTransport) Events() <-chan signaling.Event {
	return t.events
}

func (t *fakeTransport) Send(_ context.Context, ann model.Announcement) error {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.sent = append(t.sent, ann)
	return nil
}

func (t *fakeTransport) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-t.stop:
	}
	close(t.events)
	return nil
}

func (t *fakeTransport) ofType(typ string) []model.Announcement {
	t.mx.Lock()
	defer t.mx.Unlock()
	var out []model.Announcement
	for _, a := range t.sent {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

func (t *fakeTransport) deliver(typ string, src string, payload any) {
	ann, _ := model.NewAnnouncement(typ, payload)
	ann.SRC = src
	t.events <- signaling.Event{Kind: signaling.EventMessage, Announcement: ann}
}

type fakePeers struct {
	mx       sync.Mutex
	added    map[string]peer.Via
	removed  []string
	offers   []string
	closeAll int
}

func (p *fakePeers) AddParticipant(_ context.Context, id string, via peer.Via) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.added[id] = via
	return nil
}

func (p *fakePeers) HandleOffer(_ context.Context, from string, _ json.RawMessage) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.offers = append(p.offers, from)
}

func (p *fakePeers) HandleAnswer(context.Context, string, json.RawMessage) {}

func (p *fakePeers) HandleCandidate(string, json.RawMessage) {}

func (p *fakePeers) RemoveParticipant(id string) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.removed = append(p.removed, id)
}

func (p *fakePeers) CloseAll() {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.closeAll++
}

func (p *fakePeers) Close() {}

func (p *fakePeers) Run(ctx context.Context) {
	<-ctx.Done()
}

func (p *fakePeers) via(id string) (peer.Via, bool) {
	p.mx.Lock()
	defer p.mx.Unlock()
	v, ok := p.added[id]
	return v, ok
}

type fakeMedia struct {
	mx       sync.Mutex
	startErr error
	active   media.SourceKind
	enabled  map[media.TrackKind]bool
}

func (m *fakeMedia) Start(_ context.Context, kind media.SourceKind) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.active = kind
	return nil
}

func (m *fakeMedia) SwitchSource(ctx context.Context, kind media.SourceKind) error {
	return m.Start(ctx, kind)
}

func (m *fakeMedia) SetEnabled(kind media.TrackKind, enabled bool) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.enabled[kind] = enabled
}

func (m *fakeMedia) Enabled(kind media.TrackKind) bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.enabled[kind]
}

func (m *fakeMedia) Active() media.SourceKind {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.active
}

func (m *fakeMedia) Release() {}

type fixture struct {
	s     *Session
	tr    *fakeTransport
	peers *fakePeers
	media *fakeMedia
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	f := &fixture{
		tr:    newFakeTransport(),
		peers: &fakePeers{added: make(map[string]peer.Via)},
		media: &fakeMedia{enabled: map[media.TrackKind]bool{media.TrackAudio: true, media.TrackVideo: true}},
	}
	f.s = New(Config{
		Logger:      &logger,
		Transport:   f.tr,
		Peers:       f.peers,
		Media:       f.media,
		DisplayName: "Me",
	})

	done := make(chan error)
	go func() { done <- f.s.Run(context.Background()) }()
	t.Cleanup(func() {
		close(f.tr.stop)
		<-done
	})

	f.tr.events <- signaling.Event{Kind: signaling.EventConnected}
	f.tr.deliver(model.AnnouncementTypeWelcome, "", model.WelcomePayload{ID: "me"})
	require.Eventually(t, func() bool { return f.s.SelfID() == "me" }, time.Second, 5*time.Millisecond)
	return f
}

func waitEvent(t *testing.T, s *Session, kind EventKind) Event {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case e := <-s.Events():
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestSession_RoomFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.s.JoinRoom(ctx, " standup "))
	assert.Equal(t, "standup", f.s.RoomID())
	assert.Equal(t, media.SourceCamera, f.media.Active())
	assert.False(t, f.s.Degraded())

	joins := f.tr.ofType(model.AnnouncementTypeJoinRoom)
	require.Len(t, joins, 1)
	var join model.JoinRoomPayload
	require.NoError(t, joins[0].Decode(&join))
	assert.Equal(t, "standup", join.RoomID)
	assert.Equal(t, "Me", join.DisplayName)
	require.NotNil(t, join.AudioEnabled)
	assert.True(t, *join.AudioEnabled)

	f.tr.deliver(model.AnnouncementTypeExistingParticipants, "", []model.Participant{
		{ID: "a", DisplayName: "Alice", AudioEnabled: true, VideoEnabled: true},
		{ID: "me", DisplayName: "Me"},
	})
	assert.Equal(t, "standup", waitEvent(t, f.s, EventJoined).RoomID)
	joined := waitEvent(t, f.s, EventParticipantJoined).Participant
	assert.Equal(t, "a", joined.ID)
	assert.Equal(t, peer.StateConnecting, joined.Link)

	f.tr.deliver(model.AnnouncementTypeUserJoined, "", model.Participant{ID: "b", DisplayName: "Bob"})
	waitEvent(t, f.s, EventParticipantJoined)

	via, ok := f.peers.via("a")
	require.True(t, ok)
	assert.Equal(t, peer.ViaExisting, via)
	via, ok = f.peers.via("b")
	require.True(t, ok)
	assert.Equal(t, peer.ViaJoined, via)
	_, ok = f.peers.via("me")
	assert.False(t, ok)

	f.tr.deliver(model.AnnouncementTypeParticipantAudioToggle, "", model.ParticipantTogglePayload{ParticipantID: "a", Enabled: false})
	e := waitEvent(t, f.s, EventParticipantUpdated)
	assert.False(t, e.Participant.AudioEnabled)
	assert.True(t, e.Participant.VideoEnabled)

	f.tr.deliver(model.AnnouncementTypeOffer, "b", webrtcOffer)
	f.tr.deliver(model.AnnouncementTypeUserLeft, "", model.UserLeftPayload{ParticipantID: "a"})
	assert.Equal(t, "a", waitEvent(t, f.s, EventParticipantLeft).Participant.ID)

	roster := f.s.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, "Bob", roster[0].DisplayName)
	f.peers.mx.Lock()
	assert.Equal(t, []string{"b"}, f.peers.offers)
	assert.Equal(t, []string{"a"}, f.peers.removed)
	f.peers.mx.Unlock()

	require.NoError(t, f.s.LeaveRoom(ctx))
	assert.Len(t, f.tr.ofType(model.AnnouncementTypeLeaveRoom), 1)
	assert.Empty(t, f.s.Roster())
	assert.ErrorIs(t, f.s.LeaveRoom(ctx), ErrNotInRoom)
}

var webrtcOffer = map[string]string{"type": "offer", "sdp": "v=0"}

func TestSession_DegradedJoin(t *testing.T) {
	f := newFixture(t)
	f.media.startErr = &media.MediaError{Op: "acquire", Source: media.SourceCamera, Err: media.ErrPermissionDenied}

	require.NoError(t, f.s.JoinRoom(context.Background(), "room"))
	assert.True(t, f.s.Degraded())
	assert.Len(t, f.tr.ofType(model.AnnouncementTypeJoinRoom), 1)

	e := waitEvent(t, f.s, EventMediaError)
	assert.ErrorIs(t, e.Err, media.ErrPermissionDenied)

	assert.ErrorIs(t, f.s.JoinRoom(context.Background(), " "), ErrInvalidRoom)
}

func TestSession_Chat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.s.SendChat(ctx, "hello")
	assert.ErrorIs(t, err, ErrNotInRoom)

	require.NoError(t, f.s.JoinRoom(ctx, "room"))
	_, err = f.s.SendChat(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	msg, err := f.s.SendChat(ctx, "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "me", msg.SenderID)
	assert.Len(t, f.tr.ofType(model.AnnouncementTypeChatMessage), 1)

	f.tr.deliver(model.AnnouncementTypeChatMessage, "a", model.ChatMessage{ID: "m2", SenderID: "a", Text: "hi"})
	assert.Equal(t, "hi", waitEvent(t, f.s, EventChat).Chat.Text)
	require.Len(t, f.s.Transcript(), 2)

	assert.True(t, f.s.DeleteChat("m2"))
	assert.False(t, f.s.DeleteChat("m2"))
	transcript := f.s.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, msg.ID, transcript[0].ID)
	// deletion is never announced
	assert.Len(t, f.tr.ofType(model.AnnouncementTypeChatMessage), 1)
}

func TestSession_ReconnectRejoins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.s.JoinRoom(ctx, "room"))
	f.tr.deliver(model.AnnouncementTypeUserJoined, "", model.Participant{ID: "b"})
	waitEvent(t, f.s, EventParticipantJoined)

	f.tr.events <- signaling.Event{Kind: signaling.EventDisconnected, Err: errors.New("eof")}
	waitEvent(t, f.s, EventDisconnected)
	assert.Empty(t, f.s.Roster())
	assert.False(t, f.s.Connected())
	f.peers.mx.Lock()
	assert.Equal(t, 1, f.peers.closeAll)
	f.peers.mx.Unlock()

	f.tr.events <- signaling.Event{Kind: signaling.EventReconnecting, Attempt: 1}
	assert.Equal(t, 1, waitEvent(t, f.s, EventReconnecting).Attempt)

	f.tr.events <- signaling.Event{Kind: signaling.EventConnected}
	waitEvent(t, f.s, EventConnected)
	joins := f.tr.ofType(model.AnnouncementTypeJoinRoom)
	require.Len(t, joins, 2)
	var join model.JoinRoomPayload
	require.NoError(t, joins[1].Decode(&join))
	assert.Equal(t, "room", join.RoomID)
}

func TestSession_TogglesAndPeerEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.s.ToggleVideo(ctx, false))
	assert.False(t, f.media.Enabled(media.TrackVideo))
	assert.Empty(t, f.tr.ofType(model.AnnouncementTypeToggleVideo))

	require.NoError(t, f.s.JoinRoom(ctx, "room"))
	var join model.JoinRoomPayload
	require.NoError(t, f.tr.ofType(model.AnnouncementTypeJoinRoom)[0].Decode(&join))
	assert.False(t, *join.VideoEnabled)

	require.NoError(t, f.s.ToggleAudio(ctx, false))
	toggles := f.tr.ofType(model.AnnouncementTypeToggleAudio)
	require.Len(t, toggles, 1)
	var p model.TogglePayload
	require.NoError(t, toggles[0].Decode(&p))
	assert.False(t, p.Enabled)

	f.tr.deliver(model.AnnouncementTypeUserJoined, "", model.Participant{ID: "b"})
	waitEvent(t, f.s, EventParticipantJoined)

	f.s.HandlePeerEvent(peer.Event{Kind: peer.EventState, ParticipantID: "b", State: peer.StateFailed})
	e := waitEvent(t, f.s, EventDegraded)
	assert.True(t, e.Participant.Degraded)
	f.s.HandlePeerEvent(peer.Event{Kind: peer.EventState, ParticipantID: "b", State: peer.StateConnected})
	assert.False(t, waitEvent(t, f.s, EventDegraded).Participant.Degraded)

	f.s.HandlePeerEvent(peer.Event{Kind: peer.EventRemoteStream, ParticipantID: "b", Stream: peer.RemoteStream{TrackID: "v"}})
	waitEvent(t, f.s, EventRemoteStream)
	assert.Len(t, f.s.Roster()[0].Streams, 1)

	require.NoError(t, f.s.StartScreenShare(ctx))
	assert.Equal(t, media.SourceScreen, waitEvent(t, f.s, EventSourceChanged).Source)
	require.NoError(t, f.s.StopScreenShare(ctx))
	assert.Equal(t, media.SourceCamera, f.media.Active())

	f.tr.deliver(model.AnnouncementTypeError, "", model.ErrorPayload{Error: "room is full"})
	assert.EqualError(t, waitEvent(t, f.s, EventError).Err, "room is full")
}

func TestNewRoomID(t *testing.T) {
	re := regexp.MustCompile(`^[a-z]+-[a-z]+-[a-z]+$`)
	seen := make(map[string]struct{})
	for range 20 {
		id, err := NewRoomID()
		require.NoError(t, err)
		assert.Regexp(t, re, id)
		seen[id] = struct{}{}
	}
	assert.Greater(t, len(seen), 1)
}
