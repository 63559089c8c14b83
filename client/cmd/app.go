package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adwski/webrtc-meet/client/conference"
	"github.com/adwski/webrtc-meet/client/media"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
)

func main() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func participate(parent context.Context, roomID string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	device := &media.SyntheticDevice{ScreenDuration: flagShareFor}
	if flagNoCamera {
		device.Denied = map[media.SourceKind]bool{media.SourceCamera: true}
	}
	sess, err := conference.NewFromConfig(&logger, cfg, device)
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() {
		errc <- sess.Run(ctx)
	}()

	if err = waitConnected(ctx, sess, &logger); err != nil {
		return err
	}
	if roomID == "" {
		if roomID, err = sess.CreateRoom(ctx); err != nil {
			return err
		}
		fmt.Printf("Room created: %s\n", roomID)
	} else if err = sess.JoinRoom(ctx, roomID); err != nil {
		return err
	}
	logger.Info().Str("room", roomID).Str("name", cfg.DisplayName).Msg("joining room")

	var share <-chan time.Time
	if flagShareAfter > 0 {
		share = time.After(flagShareAfter)
	}
	roster := time.NewTicker(flagRosterPeriod)
	defer roster.Stop()

	for {
		select {
		case <-ctx.Done():
			closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
			sess.Close(closeCtx)
			closeCancel()
			return <-errc
		case err = <-errc:
			sess.Close(context.Background())
			return err
		case <-share:
			if err = sess.StartScreenShare(ctx); err != nil {
				logger.Error().Err(err).Msg("screen share failed")
			}
		case <-roster.C:
			printRoster(os.Stdout, sess.RoomID(), sess.Roster())
		case e := <-sess.Events():
			logEvent(&logger, e)
		}
	}
}

// waitConnected blocks until signaling connection is up.
func waitConnected(ctx context.Context, sess *conference.Session, logger *zerolog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-sess.Events():
			logEvent(logger, e)
			switch e.Kind {
			case conference.EventConnected:
				return nil
			case conference.EventClosed:
				return errors.Join(errors.New("signaling server is unreachable"), e.Err)
			}
		}
	}
}

func logEvent(logger *zerolog.Logger, e conference.Event) {
	ev := logger.Info()
	switch e.Kind {
	case conference.EventMediaError, conference.EventError, conference.EventDegraded:
		ev = logger.Warn()
	case conference.EventRemoteStream, conference.EventConnected:
		ev = logger.Debug()
	}
	ev = ev.Str("event", e.Kind.String())
	if e.Participant.ID != "" {
		ev = ev.Str("participant", e.Participant.ID).Str("name", e.Participant.DisplayName)
	}
	if e.Kind == conference.EventChat {
		ev = ev.Str("from", e.Chat.SenderName).Str("text", e.Chat.Text)
	}
	if e.Source != "" {
		ev = ev.Str("source", string(e.Source))
	}
	var merr *media.MediaError
	if errors.As(e.Err, &merr) {
		ev = ev.Str("hint", merr.UserMessage())
	}
	ev.Err(e.Err).Msg("conference event")
}

func printRoster(w io.Writer, roomID string, roster []conference.Participant) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Room " + roomID)
	t.AppendHeader(table.Row{"ID", "Name", "Audio", "Video", "Link", "Streams"})
	for _, p := range roster {
		link := p.Link.String()
		if p.Degraded {
			link += " (degraded)"
		}
		t.AppendRow(table.Row{p.ID, p.DisplayName, onOff(p.AudioEnabled), onOff(p.VideoEnabled), link, len(p.Streams)})
	}
	t.AppendFooter(table.Row{"", "", "", "", "Total", len(roster)})
	t.SetStyle(table.StyleLight)
	t.Render()
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
