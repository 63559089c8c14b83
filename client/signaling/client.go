package signaling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/webrtc-meet/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait        = 5 * time.Second
	pingWait         = 30 * time.Second
	handshakeTimeout = 5 * time.Second
	maxMessageSize   = 64 * 1024
	maxBackoff       = 30 * time.Second

	defaultQueueSize = 64
)

var (
	ErrNotConnected    = errors.New("not connected to signaling server")
	ErrReconnectFailed = errors.New("unable to reconnect to signaling server")
)

type EventKind int

const (
	EventMessage EventKind = iota
	EventConnected
	EventDisconnected
	EventReconnecting
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

// Event is either an inbound announcement or a transport state change.
type Event struct {
	Kind         EventKind
	Announcement model.Announcement
	Attempt      int
	Err          error
}

type Config struct {
	Logger    *zerolog.Logger
	ServerURL string
	Codec     string
	// Retries bounds consecutive failed connection attempts.
	Retries int
	Backoff time.Duration
}

// Client manages websocket connection to the signaling server and
// transparently reconnects a bounded number of times.
type Client struct {
	logger    zerolog.Logger
	serverURL string
	codec     model.Codec
	dialer    *websocket.Dialer
	retries   int
	backoff   time.Duration

	out       chan model.Announcement
	events    chan Event
	connected atomic.Bool
}

func NewClient(cfg Config) *Client {
	dialer := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	if cfg.Codec != "" {
		dialer.Subprotocols = []string{cfg.Codec}
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Client{
		logger:    cfg.Logger.With().Str("component", "signaling-client").Logger(),
		serverURL: cfg.ServerURL,
		codec:     model.CodecFor(cfg.Codec),
		dialer:    dialer,
		retries:   cfg.Retries,
		backoff:   backoff,
		out:       make(chan model.Announcement, defaultQueueSize),
		events:    make(chan Event, defaultQueueSize),
	}
}

// Events returns channel of inbound events. It is closed once Run returns.
func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Send queues announcement for delivery on the current connection.
func (c *Client) Send(ctx context.Context, ann model.Announcement) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	select {
	case c.out <- ann:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run keeps connection alive until ctx is canceled or reconnection
// attempts are exhausted.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	var attempt int
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			if attempt > c.retries {
				err = errors.Join(ErrReconnectFailed, err)
				c.emit(ctx, Event{Kind: EventClosed, Err: err})
				return err
			}
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("signaling connection failed")
			c.emit(ctx, Event{Kind: EventReconnecting, Attempt: attempt, Err: err})
			if !sleep(ctx, c.backoffFor(attempt)) {
				return nil
			}
			continue
		}
		attempt = 0

		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn().Err(err).Msg("signaling connection lost")
		c.emit(ctx, Event{Kind: EventDisconnected, Err: err})
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.serverURL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	sessCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}
	defer func() {
		c.connected.Store(false)
		cancel()
		_ = conn.Close()
		wg.Wait()
	}()

	// announcements queued for a previous connection are stale
	c.drain()
	c.connected.Store(true)
	c.emit(ctx, Event{Kind: EventConnected})
	c.logger.Debug().Str("url", c.serverURL).Msg("signaling connected")

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(sessCtx, cancel, conn)
	}()
	go func() {
		<-sessCtx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	return c.readPump(sessCtx, conn)
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) error {
	if err := conn.SetReadDeadline(time.Now().Add(pingWait)); err != nil {
		return err
	}
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pingWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ann model.Announcement
		if err = c.codec.Unmarshal(b, &ann); err != nil {
			c.logger.Warn().Err(err).Msg("failed to unmarshall incoming message")
			continue
		}
		if !c.emit(ctx, Event{Kind: EventMessage, Announcement: ann}) {
			return ctx.Err()
		}
	}
}

func (c *Client) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()

	frameType := websocket.TextMessage
	if c.codec.Binary() {
		frameType = websocket.BinaryMessage
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case ann := <-c.out:
			b, err := c.codec.Marshal(&ann)
			if err != nil {
				c.logger.Error().Err(err).Str("type", ann.Type).Msg("failed to marshall outgoing message")
				continue
			}
			if err = conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err = conn.WriteMessage(frameType, b); err != nil {
				c.logger.Error().Err(err).Msg("failed to write outgoing message")
				return
			}
		}
	}
}

func (c *Client) drain() {
	for {
		select {
		case <-c.out:
		default:
			return
		}
	}
}

func (c *Client) emit(ctx context.Context, e Event) bool {
	select {
	case c.events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) backoffFor(attempt int) time.Duration {
	d := c.backoff << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
