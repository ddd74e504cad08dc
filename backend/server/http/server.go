package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/collab-relay/backend/metrics"
	"github.com/adwski/collab-relay/backend/model"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultRequestTimeout   = 3 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RoomService interface {
	RoomStats(ctx context.Context) (model.RoomStats, error)
	RoomMembers(ctx context.Context, roomID model.RoomID) ([]model.UserID, error)
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type RoomResponse struct {
	RoomID  model.RoomID   `json:"room_id"`
	UserIDs []model.UserID `json:"user_ids"`
}

type Server struct {
	logger zerolog.Logger
	svc    RoomService
	*http.Server
}

type Config struct {
	Logger         *zerolog.Logger
	RoomService    RoomService
	ListenAddr     string
	AllowedOrigins []string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.RoomService,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /health", srv.health)
	r.HandleFunc("GET /api/rooms", srv.roomStats)
	r.HandleFunc("GET /api/room/{roomID}", srv.room)
	r.Handle("GET /metrics", metrics.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:         86400,
	})

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: c.Handler(r),
	}
	return srv
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, &HealthResponse{Status: "ok"})
}

func (srv *Server) roomStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultRequestTimeout)
	defer cancel()

	st, err := srv.svc.RoomStats(ctx)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to get room stats")
		srv.writeJSON(w, http.StatusServiceUnavailable, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, &st)
}

func (srv *Server) room(w http.ResponseWriter, r *http.Request) {
	roomID, err := model.ParseRoomID(r.PathValue("roomID"))
	if err != nil {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "invalid room id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaultRequestTimeout)
	defer cancel()

	ids, err := srv.svc.RoomMembers(ctx, roomID)
	if err != nil {
		srv.logger.Error().Err(err).Str("roomID", roomID.String()).Msg("failed to get room members")
		srv.writeJSON(w, http.StatusServiceUnavailable, &GenericResponse{Error: err.Error()})
		return
	}
	if len(ids) == 0 {
		srv.writeJSON(w, http.StatusNotFound, &GenericResponse{Error: "room not found"})
		return
	}
	srv.writeJSON(w, http.StatusOK, &RoomResponse{RoomID: roomID, UserIDs: ids})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
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
