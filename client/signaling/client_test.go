package signaling

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adwski/webrtc-meet/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyServer drops the first connection right after greeting and echoes
// announcements back on the following ones.
func flakyServer(t *testing.T) *httptest.Server {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{
		Subprotocols: []string{model.SubprotocolMsgpack, model.SubprotocolJSON},
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		codec := model.CodecFor(conn.Subprotocol())
		n := conns.Add(1)

		welcome, _ := model.NewAnnouncement(model.AnnouncementTypeWelcome, model.WelcomePayload{ID: fmt.Sprintf("conn-%d", n)})
		b, _ := codec.Marshal(&welcome)
		if err = conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
			return
		}
		if n == 1 {
			return
		}
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err = conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-events:
		require.True(t, ok, "events channel closed")
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("no event")
	}
	return Event{}
}

func TestClient_ReconnectsAndDelivers(t *testing.T) {
	ts := flakyServer(t)
	logger := zerolog.Nop()
	c := NewClient(Config{
		Logger:    &logger,
		ServerURL: "ws" + strings.TrimPrefix(ts.URL, "http"),
		Codec:     model.SubprotocolMsgpack,
		Retries:   3,
		Backoff:   10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error)
	go func() { done <- c.Run(ctx) }()

	assert.Equal(t, EventConnected, nextEvent(t, c.Events()).Kind)
	e := nextEvent(t, c.Events())
	require.Equal(t, EventMessage, e.Kind)
	assert.Equal(t, model.AnnouncementTypeWelcome, e.Announcement.Type)
	assert.Equal(t, EventDisconnected, nextEvent(t, c.Events()).Kind)

	assert.Equal(t, EventConnected, nextEvent(t, c.Events()).Kind)
	e = nextEvent(t, c.Events())
	require.Equal(t, model.AnnouncementTypeWelcome, e.Announcement.Type)

	ann, err := model.NewAnnouncement(model.AnnouncementTypeChatMessage, model.ChatMessage{Text: "hi"})
	require.NoError(t, err)
	require.NoError(t, c.Send(ctx, ann))
	e = nextEvent(t, c.Events())
	require.Equal(t, EventMessage, e.Kind)
	var msg model.ChatMessage
	require.NoError(t, e.Announcement.Decode(&msg))
	assert.Equal(t, "hi", msg.Text)

	cancel()
	select {
	case err = <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestClient_GivesUp(t *testing.T) {
	logger := zerolog.Nop()
	c := NewClient(Config{
		Logger:    &logger,
		ServerURL: "ws://127.0.0.1:1/signal",
		Retries:   2,
		Backoff:   time.Millisecond,
	})
	assert.ErrorIs(t, c.Send(context.Background(), model.Announcement{}), ErrNotConnected)

	done := make(chan error)
	go func() { done <- c.Run(context.Background()) }()

	var kinds []EventKind
	for e := range c.Events() {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []EventKind{EventReconnecting, EventReconnecting, EventClosed}, kinds)
	assert.ErrorIs(t, <-done, ErrReconnectFailed)
}
