package websocket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/collab-relay/backend/metrics"
	"github.com/adwski/collab-relay/backend/model"
	"github.com/adwski/collab-relay/backend/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSessionCloseTimeout = 2 * time.Second
	defaultDirectQueueSize     = 16
)

var errClosedByPeer = errors.New("connection closed by peer")

type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type (
	SessionService interface {
		CreateSession(ctx context.Context, roomID model.RoomID, userID model.UserID, rcpt model.Recipient) error
		DeleteSession(ctx context.Context, roomID model.RoomID, userID model.UserID) error
		Publish(ctx context.Context, roomID model.RoomID, userID model.UserID, env protocol.Envelope) error
	}

	SessionConfig struct {
		Logger       *zerolog.Logger
		Service      SessionService
		Transport    Transport
		RoomID       model.RoomID
		UserID       model.UserID
		MailboxSize  int
		PingInterval time.Duration
	}

	// Session relays frames between one connection and its room.
	Session struct {
		svc     SessionService
		tr      Transport
		mailbox *model.Mailbox
		direct  chan Frame // replies to this connection only

		roomID model.RoomID
		userID model.UserID

		pingInterval time.Duration

		state    atomic.Int32
		stopOnce sync.Once

		logger zerolog.Logger
	}
)

func NewSession(cfg SessionConfig) *Session {
	return &Session{
		svc:          cfg.Service,
		tr:           cfg.Transport,
		mailbox:      model.NewMailbox(cfg.MailboxSize),
		direct:       make(chan Frame, defaultDirectQueueSize),
		roomID:       cfg.RoomID,
		userID:       cfg.UserID,
		pingInterval: cfg.PingInterval,
		logger: cfg.Logger.With().
			Str("roomID", cfg.RoomID.String()).
			Str("userID", cfg.UserID.String()).
			Logger(),
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) UserID() model.UserID {
	return s.userID
}

// Run registers the session in its room and relays frames until the
// connection closes, a transport error occurs or ctx is canceled.
// The session is always removed from the room before Run returns.
func (s *Session) Run(ctx context.Context) error {
	if err := s.svc.CreateSession(ctx, s.roomID, s.userID, s.mailbox); err != nil {
		s.stop()
		return err
	}
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
	s.logger.Debug().Msg("session active")

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.receive(gCtx)
	})
	g.Go(func() error {
		return s.send(gCtx)
	})
	g.Go(func() error {
		// unblocks Receive once either side is done
		<-gCtx.Done()
		s.stop()
		return nil
	})

	err := g.Wait()
	s.stop()
	if errors.Is(err, errClosedByPeer) {
		s.logger.Debug().Msg("connection closed")
		return nil
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("session terminated")
	}
	return err
}

func (s *Session) stop() {
	s.stopOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.mailbox.Close()

		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(defaultSessionCloseTimeout))
		defer cancel()
		if err := s.svc.DeleteSession(ctx, s.roomID, s.userID); err != nil {
			s.logger.Error().Err(err).Msg("failed to delete session")
		}
		if err := s.tr.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("failed to close transport")
		}
		s.logger.Debug().Msg("session ended")
	})
}

func (s *Session) receive(ctx context.Context) error {
	for {
		fr, err := s.tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch fr.Kind {
		case FramePing:
			err = s.reply(ctx, Frame{Kind: FramePong, Data: fr.Data})
		case FramePong:
			s.logger.Trace().Msg("got pong")
		case FrameText:
			err = s.handleText(ctx, fr.Data)
		case FrameBinary:
			err = s.reply(ctx, fr)
		case FrameClose:
			return errClosedByPeer
		default:
			s.logger.Warn().Stringer("kind", fr.Kind).Msg("unexpected frame")
		}
		if err != nil {
			return err
		}
	}
}

func (s *Session) handleText(ctx context.Context, data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		metrics.DecodeErrors.Inc()
		s.logger.Warn().Err(err).Msg("failed to decode incoming message")
		return s.reply(ctx, Frame{Kind: FrameText, Data: protocol.Encode(protocol.Error{Message: err.Error()})})
	}
	if !protocol.IsRoomScoped(env) {
		s.logger.Warn().Str("type", string(env.Type())).Msg("client sent server-only message, ignoring")
		return nil
	}
	return s.svc.Publish(ctx, s.roomID, s.userID, env)
}

// reply queues a frame for this connection only.
func (s *Session) reply(ctx context.Context, fr Frame) error {
	select {
	case s.direct <- fr:
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (s *Session) send(ctx context.Context) error {
	var ping <-chan time.Time
	if s.pingInterval > 0 {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		var fr Frame
		select {
		case <-ctx.Done():
			return nil
		case <-ping:
			fr = Frame{Kind: FramePing}
		case fr = <-s.direct:
		case env := <-s.mailbox.C():
			fr = Frame{Kind: FrameText, Data: protocol.Encode(env)}
		}
		if err := s.tr.Send(ctx, fr); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrTransportClosed) {
				return nil
			}
			return err
		}
		if fr.Kind == FramePing {
			s.logger.Trace().Msg("ping sent")
		}
	}
}
