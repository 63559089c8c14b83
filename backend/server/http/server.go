package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/webrtc-meet/backend/model"
	"github.com/adwski/webrtc-meet/backend/server"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RoomService interface {
	GetRoom(roomID string) (*model.Room, error)
	Stats() (rooms int, participants int)
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type RoomResponse struct {
	ID           string              `json:"roomId"`
	Participants []model.Participant `json:"participants"`
}

type HealthResponse struct {
	Rooms        int `json:"rooms"`
	Participants int `json:"participants"`
}

type Server struct {
	logger  zerolog.Logger
	svc     RoomService
	origins server.Origins
	*http.Server
}

type Config struct {
	Logger         *zerolog.Logger
	RoomService    RoomService
	ListenAddr     string
	AllowedOrigins server.Origins
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:  cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:     cfg.RoomService,
		origins: cfg.AllowedOrigins,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/room/{roomID}", srv.getRoom)
	r.HandleFunc("GET /api/health", srv.health)
	r.HandleFunc("OPTIONS /", srv.corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func (srv *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) bool {
	allow := srv.origins.AllowOriginHeader(r.Header.Get("Origin"))
	if allow == "" {
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", allow)
	if allow != "*" {
		w.Header().Add("Vary", "Origin")
	}
	return true
}

func (srv *Server) corsHandler(w http.ResponseWriter, r *http.Request) {
	if !srv.setCORSHeaders(w, r) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	srv.setCORSHeaders(w, r)

	roomID := r.PathValue("roomID")
	srv.logger.Trace().Str("roomID", roomID).Msg("got room request")

	room, err := srv.svc.GetRoom(roomID)
	if err != nil {
		srv.writeJSON(w, http.StatusNotFound, &GenericResponse{Error: err.Error()})
		return
	}

	resp := RoomResponse{
		ID:           room.ID,
		Participants: make([]model.Participant, 0, len(room.Participants)),
	}
	for _, p := range room.Participants {
		resp.Participants = append(resp.Participants, p)
	}
	sort.Slice(resp.Participants, func(i, j int) bool {
		return resp.Participants[i].ID < resp.Participants[j].ID
	})
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK", Data: resp})
}

func (srv *Server) health(w http.ResponseWriter, r *http.Request) {
	srv.setCORSHeaders(w, r)

	rooms, participants := srv.svc.Stats()
	srv.writeJSON(w, http.StatusOK, &GenericResponse{
		Message: "OK",
		Data:    HealthResponse{Rooms: rooms, Participants: participants},
	})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
