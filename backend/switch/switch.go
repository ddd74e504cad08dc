package _switch

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/adwski/collab-relay/backend/metrics"
	"github.com/adwski/collab-relay/backend/model"
	"github.com/adwski/collab-relay/backend/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultRequestQueueSize = 1024
)

var (
	ErrStopped = errors.New("switch is stopped")
)

type requestKind uint8

const (
	requestUnknown requestKind = iota
	requestConnect
	requestDisconnect
	requestBroadcast
	requestStats
	requestMembers
)

type request struct {
	kind      requestKind
	roomID    model.RoomID
	userID    model.UserID
	recipient model.Recipient
	env       protocol.Envelope

	stats   chan<- model.RoomStats
	members chan<- []model.UserID
}

type member struct {
	userID    model.UserID
	recipient model.Recipient
}

type room struct {
	members []member // join order, unique by userID
}

func (rm *room) index(userID model.UserID) int {
	return slices.IndexFunc(rm.members, func(m member) bool { return m.userID == userID })
}

func (rm *room) userIDs() []model.UserID {
	ids := make([]model.UserID, 0, len(rm.members))
	for _, m := range rm.members {
		ids = append(ids, m.userID)
	}
	return ids
}

// Switch is the room registry. A single goroutine (Run) owns all room state
// and applies requests strictly one at a time in arrival order, fan-out included.
type Switch struct {
	logger zerolog.Logger
	reqs   chan request
	done   chan struct{}

	// owned by Run
	rooms   map[model.RoomID]*room
	members int
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		reqs:   make(chan request, defaultRequestQueueSize),
		done:   make(chan struct{}),
		rooms:  make(map[model.RoomID]*room),
	}
}

// Run processes requests until ctx is canceled. It must be called once.
func (sw *Switch) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		close(sw.done)
		sw.logger.Debug().Msg("switch stopped")
		wg.Done()
	}()

	sw.logger.Info().Msg("switch started")
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-sw.reqs:
			sw.handle(req)
		}
	}
}

// Connect adds userID to roomID. The joiner is announced to every member,
// itself included, and then receives the room's member list.
func (sw *Switch) Connect(ctx context.Context, roomID model.RoomID, userID model.UserID, rcpt model.Recipient) error {
	return sw.enqueue(ctx, request{kind: requestConnect, roomID: roomID, userID: userID, recipient: rcpt})
}

// Disconnect removes userID from roomID and announces the departure to the
// remaining members. Unknown rooms and members are ignored.
func (sw *Switch) Disconnect(ctx context.Context, roomID model.RoomID, userID model.UserID) error {
	return sw.enqueue(ctx, request{kind: requestDisconnect, roomID: roomID, userID: userID})
}

// Broadcast delivers env to every member of roomID except from.
// uuid.Nil as sender delivers to all members.
func (sw *Switch) Broadcast(ctx context.Context, roomID model.RoomID, from model.UserID, env protocol.Envelope) error {
	return sw.enqueue(ctx, request{kind: requestBroadcast, roomID: roomID, userID: from, env: env})
}

// Stats returns room and member totals as of all previously enqueued requests.
func (sw *Switch) Stats(ctx context.Context) (model.RoomStats, error) {
	reply := make(chan model.RoomStats, 1)
	if err := sw.enqueue(ctx, request{kind: requestStats, stats: reply}); err != nil {
		return model.RoomStats{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-sw.done:
		return model.RoomStats{}, ErrStopped
	case <-ctx.Done():
		return model.RoomStats{}, ctx.Err()
	}
}

// Members returns member ids of roomID in join order, or nil if the room does not exist.
func (sw *Switch) Members(ctx context.Context, roomID model.RoomID) ([]model.UserID, error) {
	reply := make(chan []model.UserID, 1)
	if err := sw.enqueue(ctx, request{kind: requestMembers, roomID: roomID, members: reply}); err != nil {
		return nil, err
	}
	select {
	case ids := <-reply:
		return ids, nil
	case <-sw.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (sw *Switch) enqueue(ctx context.Context, req request) error {
	select {
	case <-sw.done:
		return ErrStopped
	default:
	}
	select {
	case sw.reqs <- req:
		return nil
	case <-sw.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sw *Switch) handle(req request) {
	switch req.kind {
	case requestConnect:
		sw.connect(req.roomID, req.userID, req.recipient)
	case requestDisconnect:
		sw.disconnect(req.roomID, req.userID)
	case requestBroadcast:
		sw.broadcast(req.roomID, req.userID, req.env)
	case requestStats:
		req.stats <- model.RoomStats{Rooms: len(sw.rooms), Members: sw.members}
	case requestMembers:
		var ids []model.UserID
		if rm, ok := sw.rooms[req.roomID]; ok {
			ids = rm.userIDs()
		}
		req.members <- ids
	default:
		sw.logger.Error().Uint8("kind", uint8(req.kind)).Msg("unknown request kind")
	}
}

func (sw *Switch) connect(roomID model.RoomID, userID model.UserID, rcpt model.Recipient) {
	rm, ok := sw.rooms[roomID]
	if !ok {
		rm = &room{}
		sw.rooms[roomID] = rm
		metrics.RoomsActive.Inc()
		sw.logger.Debug().Str("roomID", roomID.String()).Msg("room created")
	}

	if i := rm.index(userID); i >= 0 {
		rm.members[i].recipient = rcpt
	} else {
		rm.members = append(rm.members, member{userID: userID, recipient: rcpt})
		sw.members++
		metrics.MembersActive.Inc()
	}
	sw.logger.Debug().
		Str("roomID", roomID.String()).
		Str("userID", userID.String()).
		Int("members", len(rm.members)).
		Msg("endpoint connected")

	sw.fanOut(roomID, rm, protocol.UserJoin{UserID: userID}, uuid.Nil)
	sw.deliver(roomID, member{userID: userID, recipient: rcpt}, protocol.UserList{UserIDs: rm.userIDs()})
}

func (sw *Switch) disconnect(roomID model.RoomID, userID model.UserID) {
	logger := sw.logger.With().
		Str("roomID", roomID.String()).
		Str("userID", userID.String()).
		Logger()

	rm, ok := sw.rooms[roomID]
	if !ok {
		logger.Debug().Msg("cannot disconnect, room not found")
		return
	}
	i := rm.index(userID)
	if i < 0 {
		logger.Debug().Msg("cannot disconnect, endpoint not found")
		return
	}
	rm.members = slices.Delete(rm.members, i, i+1)
	sw.members--
	metrics.MembersActive.Dec()
	logger.Debug().Int("members", len(rm.members)).Msg("endpoint disconnected")

	if len(rm.members) == 0 {
		delete(sw.rooms, roomID)
		metrics.RoomsActive.Dec()
		logger.Debug().Msg("room removed")
		return
	}
	sw.fanOut(roomID, rm, protocol.UserLeave{UserID: userID}, uuid.Nil)
}

func (sw *Switch) broadcast(roomID model.RoomID, from model.UserID, env protocol.Envelope) {
	rm, ok := sw.rooms[roomID]
	if !ok {
		sw.logger.Debug().
			Str("roomID", roomID.String()).
			Str("type", string(env.Type())).
			Str("src", from.String()).
			Msg("broadcast did not reach anyone")
		return
	}
	sw.fanOut(roomID, rm, env, from)
}

func (sw *Switch) fanOut(roomID model.RoomID, rm *room, env protocol.Envelope, exclude model.UserID) {
	for _, m := range rm.members {
		if m.userID == exclude {
			continue
		}
		sw.deliver(roomID, m, env)
	}
}

// deliver pushes env to a single member. Failures are isolated to that member.
func (sw *Switch) deliver(roomID model.RoomID, m member, env protocol.Envelope) {
	err := model.ErrMailboxClosed
	if m.recipient != nil {
		err = m.recipient.Push(env)
	}
	if err == nil {
		metrics.EnvelopesDelivered.Inc()
		return
	}

	reason := metrics.ReasonClosed
	if errors.Is(err, model.ErrMailboxFull) {
		reason = metrics.ReasonFull
	}
	metrics.EnvelopesDropped.WithLabelValues(reason).Inc()
	sw.logger.Debug().
		Err(err).
		Str("roomID", roomID.String()).
		Str("dst", m.userID.String()).
		Str("type", string(env.Type())).
		Msg("dead endpoint")
}
