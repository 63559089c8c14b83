package conference

import (
	"github.com/adwski/webrtc-meet/client/config"
	"github.com/adwski/webrtc-meet/client/media"
	"github.com/adwski/webrtc-meet/client/peer"
	"github.com/adwski/webrtc-meet/client/signaling"
	"github.com/rs/zerolog"
)

// NewFromConfig wires signaling client, media controller and pion backed
// peer manager into a session.
func NewFromConfig(logger *zerolog.Logger, cfg *config.Config, device media.Device) (*Session, error) {
	client := signaling.NewClient(signaling.Config{
		Logger:    logger,
		ServerURL: cfg.ServerURL,
		Codec:     cfg.Codec,
		Retries:   cfg.ReconnectRetries,
		Backoff:   cfg.ReconnectBackoff,
	})

	factory, err := peer.NewPionFactory(logger, peer.ICEServers(cfg.STUNServers, cfg.TURNServers, cfg.TURNUser, cfg.TURNPass))
	if err != nil {
		return nil, err
	}

	var sess *Session
	ctrl := media.NewController(media.Config{
		Logger: logger,
		Device: device,
		OnSourceChange: func(kind media.SourceKind, err error) {
			sess.HandleSourceChange(kind, err)
		},
	})
	mgr := peer.NewManager(peer.Config{
		Logger:      logger,
		Factory:     factory,
		Signaler:    client,
		Tracks:      ctrl,
		RestartWait: cfg.ICERestartWait,
		OnEvent: func(e peer.Event) {
			sess.HandlePeerEvent(e)
		},
	})
	ctrl.SetSink(mgr)

	sess = New(Config{
		Logger:      logger,
		Transport:   client,
		Peers:       mgr,
		Media:       ctrl,
		DisplayName: cfg.DisplayName,
	})
	return sess, nil
}
