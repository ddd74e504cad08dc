package websocket

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/adwski/collab-relay/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize   = 10000
	defaultWebsocketWriteBufferSize  = 10000
	defaultWebSocketMaxMessageSize   = 64 * 1024
	defaultWebSocketHandshakeTimeout = 3 * time.Second
	defaultWebSocketWriteDeadline    = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	Config struct {
		Logger         *zerolog.Logger
		SessionService SessionService
		ListenAddr     string
		AllowedOrigins []string
		MailboxSize    int
		MaxMessageSize int64
		PingInterval   time.Duration
		PongWait       time.Duration
	}

	Server struct {
		svc SessionService
		ws  *websocket.Upgrader
		*http.Server

		mailboxSize  int
		pingInterval time.Duration
		transport    transportConfig

		// sessions outlive hijacked connections' http handlers
		sessCtx    context.Context
		sessCancel context.CancelFunc
		sessWG     sync.WaitGroup

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultWebSocketMaxMessageSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = cfg.PingInterval + (defaultPongWait - defaultPingInterval)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.SessionService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      checkOrigin(cfg.AllowedOrigins),
		},
		mailboxSize:  cfg.MailboxSize,
		pingInterval: cfg.PingInterval,
		transport: transportConfig{
			maxMessageSize: cfg.MaxMessageSize,
			pongWait:       cfg.PongWait,
			writeWait:      defaultWebSocketWriteDeadline,
		},
		sessCtx:    sessCtx,
		sessCancel: sessCancel,
	}

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Routes(),
	}
	return srv
}

func (srv *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/room/{roomID}", srv.connect)
	return mux
}

// checkOrigin allows requests without Origin header, "*" allows any origin.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
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
	srv.closeSessions()
}

// closeSessions terminates all running sessions and waits for their cleanup.
func (srv *Server) closeSessions() {
	srv.sessCancel()
	srv.sessWG.Wait()
}

func (srv *Server) connect(w http.ResponseWriter, r *http.Request) {
	roomID, err := model.ParseRoomID(r.PathValue("roomID"))
	if err != nil {
		srv.logger.Debug().Err(err).Str("roomID", r.PathValue("roomID")).Msg("bad room id")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if srv.sessCtx.Err() != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	userID := model.NewUserID()
	logger := srv.logger.With().
		Str("roomID", roomID.String()).
		Str("userID", userID.String()).
		Logger()

	tr, err := newGorillaTransport(conn, srv.transport, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set up websocket transport")
		_ = conn.Close()
		return
	}

	sess := NewSession(SessionConfig{
		Logger:       &srv.logger,
		Service:      srv.svc,
		Transport:    tr,
		RoomID:       roomID,
		UserID:       userID,
		MailboxSize:  srv.mailboxSize,
		PingInterval: srv.pingInterval,
	})

	srv.sessWG.Add(1)
	go func() {
		defer srv.sessWG.Done()
		_ = sess.Run(srv.sessCtx)
	}()
}
