package service

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/adwski/collab-relay/backend/metrics"
	"github.com/adwski/collab-relay/backend/model"
	"github.com/adwski/collab-relay/backend/protocol"
	"github.com/rs/zerolog"
)

var (
	ErrConnect        = errors.New("unable to connect")
	ErrDisconnect     = errors.New("unable to disconnect")
	ErrPublish        = errors.New("unable to publish")
	ErrQuery          = errors.New("unable to query rooms")
	ErrNotPublishable = errors.New("envelope cannot be published to a room")
)

type (
	Switch interface {
		Connect(ctx context.Context, roomID model.RoomID, userID model.UserID, rcpt model.Recipient) error
		Disconnect(ctx context.Context, roomID model.RoomID, userID model.UserID) error
		Broadcast(ctx context.Context, roomID model.RoomID, from model.UserID, env protocol.Envelope) error
		Stats(ctx context.Context) (model.RoomStats, error)
		Members(ctx context.Context, roomID model.RoomID) ([]model.UserID, error)
	}

	Service struct {
		sw     Switch
		logger zerolog.Logger

		sessions atomic.Int64
	}

	Config struct {
		Switch Switch
		Logger *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		sw:     cfg.Switch,
		logger: cfg.Logger.With().Str("component", "service").Logger(),
	}
}

// CreateSession registers userID in roomID with rcpt as its delivery target.
func (svc *Service) CreateSession(ctx context.Context, roomID model.RoomID, userID model.UserID, rcpt model.Recipient) error {
	if err := svc.sw.Connect(ctx, roomID, userID, rcpt); err != nil {
		return errors.Join(ErrConnect, err)
	}
	n := svc.sessions.Add(1)
	metrics.SessionsTotal.Inc()
	svc.logger.Debug().
		Str("userID", userID.String()).
		Str("roomID", roomID.String()).
		Int64("sessions", n).
		Msg("session connected")
	return nil
}

func (svc *Service) DeleteSession(ctx context.Context, roomID model.RoomID, userID model.UserID) error {
	if err := svc.sw.Disconnect(ctx, roomID, userID); err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	n := svc.sessions.Add(-1)
	svc.logger.Debug().
		Str("userID", userID.String()).
		Str("roomID", roomID.String()).
		Int64("sessions", n).
		Msg("session deleted")
	return nil
}

// Publish relays a room-scoped envelope from userID to the other members of roomID.
func (svc *Service) Publish(ctx context.Context, roomID model.RoomID, userID model.UserID, env protocol.Envelope) error {
	if !protocol.IsRoomScoped(env) {
		return ErrNotPublishable
	}
	if err := svc.sw.Broadcast(ctx, roomID, userID, env); err != nil {
		return errors.Join(ErrPublish, err)
	}
	return nil
}

func (svc *Service) RoomStats(ctx context.Context) (model.RoomStats, error) {
	st, err := svc.sw.Stats(ctx)
	if err != nil {
		return model.RoomStats{}, errors.Join(ErrQuery, err)
	}
	return st, nil
}

// RoomMembers returns member ids of roomID in join order; nil means the room does not exist.
func (svc *Service) RoomMembers(ctx context.Context, roomID model.RoomID) ([]model.UserID, error) {
	ids, err := svc.sw.Members(ctx, roomID)
	if err != nil {
		return nil, errors.Join(ErrQuery, err)
	}
	return ids, nil
}

// Sessions returns the number of currently connected sessions.
func (svc *Service) Sessions() int64 {
	return svc.sessions.Load()
}
