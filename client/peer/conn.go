package peer

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	rtcpBufSize = 1500
	pliInterval = 3 * time.Second
)

var ErrUnknownTrack = errors.New("track is not attached")

// RemoteTrack is inbound media of a link.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Handlers are callbacks of a single connection.
// They must not block.
type Handlers struct {
	OnICECandidate    func(webrtc.ICECandidateInit)
	OnConnectionState func(webrtc.PeerConnectionState)
	OnTrack           func(RemoteTrack)
}

// Conn is a peer-to-peer media connection with a single remote participant.
type Conn interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState

	AddTrack(webrtc.TrackLocal) error
	RemoveTrack(id string) error
	TrackIDs() []string
	// Unnegotiated reports whether attached tracks are missing from
	// the current session description.
	Unnegotiated() bool

	Close() error
}

// Factory creates connections.
type Factory func(h Handlers) (Conn, error)

// ICEServers builds ICE server list from STUN and TURN urls.
func ICEServers(stun, turn []string, username, credential string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   username,
			Credential: credential,
		})
	}
	return servers
}

// NewPionFactory returns factory of pion peer connections.
func NewPionFactory(logger *zerolog.Logger, iceServers []webrtc.ICEServer) (Factory, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(registry))
	log := logger.With().Str("component", "pion").Logger()

	return func(h Handlers) (Conn, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, err
		}
		c := &pionConn{
			pc:      pc,
			logger:  log,
			senders: make(map[string]*webrtc.RTPSender),
			done:    make(chan struct{}),
		}
		c.bind(h)
		return c, nil
	}, nil
}

type pionConn struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	mx      sync.Mutex
	senders map[string]*webrtc.RTPSender

	done      chan struct{}
	closeOnce sync.Once
}

func (c *pionConn) bind(h Handlers) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		h.OnICECandidate(candidate.ToJSON())
	})
	c.pc.OnConnectionStateChange(h.OnConnectionState)
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Debug().Str("track", track.ID()).Str("kind", track.Kind().String()).Msg("remote track")
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go c.requestKeyframes(uint32(track.SSRC()))
		}
		go func() {
			// rendering is up to consumer, drain to keep buffers moving
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					return
				}
			}
		}()
		h.OnTrack(track)
	})
}

func (c *pionConn) requestKeyframes(ssrc uint32) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		if err := c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
			return
		}
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
	}
}

func (c *pionConn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConn) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

func (c *pionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConn) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *pionConn) AddTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	c.mx.Lock()
	c.senders[track.ID()] = sender
	c.mx.Unlock()

	go func() {
		for {
			pkts, _, err := sender.ReadRTCP()
			if err != nil {
				return
			}
			for _, p := range pkts {
				if _, ok := p.(*rtcp.PictureLossIndication); ok {
					c.logger.Trace().Str("track", track.ID()).Msg("keyframe requested")
				}
			}
		}
	}()
	return nil
}

func (c *pionConn) RemoveTrack(id string) error {
	c.mx.Lock()
	sender, ok := c.senders[id]
	delete(c.senders, id)
	c.mx.Unlock()
	if !ok {
		return ErrUnknownTrack
	}
	return c.pc.RemoveTrack(sender)
}

func (c *pionConn) TrackIDs() []string {
	c.mx.Lock()
	defer c.mx.Unlock()
	ids := make([]string, 0, len(c.senders))
	for id := range c.senders {
		ids = append(ids, id)
	}
	return ids
}

func (c *pionConn) Unnegotiated() bool {
	for _, tr := range c.pc.GetTransceivers() {
		if s := tr.Sender(); s != nil && s.Track() != nil && tr.Mid() == "" {
			return true
		}
	}
	return false
}

func (c *pionConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.pc.Close()
}
