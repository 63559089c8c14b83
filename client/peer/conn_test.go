package peer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/adwski/webrtc-meet/backend/model"
	"github.com/adwski/webrtc-meet/client/media"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pionSide struct {
	m      *Manager
	ctrl   *media.Controller
	events *eventLog
}

func newPionSide(ctx context.Context, t *testing.T, p *pair, self string) *pionSide {
	t.Helper()
	logger := zerolog.Nop()

	factory, err := NewPionFactory(&logger, nil)
	require.NoError(t, err)

	s := &pionSide{
		ctrl:   media.NewController(media.Config{Logger: &logger, Device: &media.SyntheticDevice{}}),
		events: &eventLog{},
	}
	s.m = NewManager(Config{
		Logger:   &logger,
		Factory:  factory,
		Signaler: relay{p: p, self: self},
		Tracks:   s.ctrl,
		OnEvent:  s.events.add,
	})
	s.ctrl.SetSink(s.m)
	require.NoError(t, s.ctrl.Start(ctx, media.SourceCamera))

	p.mx.Lock()
	p.peers[self] = s.m
	p.mx.Unlock()

	go s.m.Run(ctx)
	t.Cleanup(func() {
		s.m.Close()
		s.ctrl.Release()
	})
	return s
}

func (s *pionSide) streams(id string) []RemoteStream {
	for _, l := range s.m.Links() {
		if l.RemoteID == id {
			return l.RemoteStreams
		}
	}
	return nil
}

func hasStreamPrefix(streams []RemoteStream, prefix string) bool {
	for _, rs := range streams {
		if strings.HasPrefix(rs.StreamID, prefix) {
			return true
		}
	}
	return false
}

func TestPionConn_ManagersConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	p := &pair{peers: make(map[string]*Manager), sent: make(map[string]int)}
	a := newPionSide(ctx, t, p, "a")
	b := newPionSide(ctx, t, p, "b")

	// b joins room with a: b waits for offer, a originates
	require.NoError(t, b.m.AddParticipant(ctx, "a", ViaExisting))
	require.NoError(t, a.m.AddParticipant(ctx, "b", ViaJoined))

	require.Eventually(t, func() bool {
		return a.m.State("b") == StateConnected && b.m.State("a") == StateConnected
	}, 10*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(a.streams("b")) == 2 && len(b.streams("a")) == 2
	}, 10*time.Second, 20*time.Millisecond)
	assert.True(t, hasStreamPrefix(a.streams("b"), string(media.SourceCamera)))

	links := a.m.Links()
	require.Len(t, links, 1)
	assert.True(t, links[0].Originator)
	assert.Len(t, links[0].Tracks, 2)

	p.mx.Lock()
	offers := p.sent[model.AnnouncementTypeOffer]
	assert.Positive(t, p.sent[model.AnnouncementTypeAnswer])
	p.mx.Unlock()
	cameraTracks := b.m.Links()[0].Tracks

	// non-originator switches source and renegotiates on its own
	require.NoError(t, b.ctrl.SwitchSource(ctx, media.SourceScreen))
	require.Eventually(t, func() bool {
		return hasStreamPrefix(a.streams("b"), string(media.SourceScreen))
	}, 10*time.Second, 20*time.Millisecond)

	p.mx.Lock()
	assert.Greater(t, p.sent[model.AnnouncementTypeOffer], offers)
	p.mx.Unlock()
	assert.Equal(t, StateConnected, a.m.State("b"))
	assert.Equal(t, StateConnected, b.m.State("a"))
	assert.Equal(t, []State{StateConnecting, StateConnected}, a.events.states("b"))

	for _, id := range b.m.Links()[0].Tracks {
		assert.NotContains(t, cameraTracks, id)
	}
}

func TestPionConn_TrackBookkeeping(t *testing.T) {
	logger := zerolog.Nop()
	factory, err := NewPionFactory(&logger, ICEServers(nil, nil, "", ""))
	require.NoError(t, err)

	conn, err := factory(Handlers{
		OnICECandidate:    func(webrtc.ICECandidateInit) {},
		OnConnectionState: func(webrtc.PeerConnectionState) {},
		OnTrack:           func(RemoteTrack) {},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	assert.False(t, conn.Unnegotiated())
	require.NoError(t, conn.AddTrack(newTrack(t, "a1")))
	require.NoError(t, conn.AddTrack(newTrack(t, "v1")))
	assert.ElementsMatch(t, []string{"a1", "v1"}, conn.TrackIDs())
	assert.True(t, conn.Unnegotiated())

	offer, err := conn.CreateOffer(false)
	require.NoError(t, err)
	require.NoError(t, conn.SetLocalDescription(offer))
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, conn.SignalingState())
	assert.False(t, conn.Unnegotiated())
	assert.Nil(t, conn.RemoteDescription())

	require.NoError(t, conn.RemoveTrack("v1"))
	assert.ErrorIs(t, conn.RemoveTrack("v1"), ErrUnknownTrack)
	assert.Equal(t, []string{"a1"}, conn.TrackIDs())

	require.NoError(t, conn.Close())
	assert.Equal(t, webrtc.SignalingStateClosed, conn.SignalingState())
}
