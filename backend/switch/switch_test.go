package _switch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/adwski/collab-relay/backend/model"
	"github.com/adwski/collab-relay/backend/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecipient struct {
	mu       sync.Mutex
	received []protocol.Envelope
	err      error
}

func (f *fakeRecipient) Push(env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.received = append(f.received, env)
	return nil
}

func (f *fakeRecipient) envelopes() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Envelope(nil), f.received...)
}

func startSwitch(t *testing.T) *Switch {
	t.Helper()
	logger := zerolog.Nop()
	sw := NewSwitch(&logger)

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go sw.Run(ctx, wg)

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return sw
}

// settle waits until every previously enqueued request has been applied.
func settle(t *testing.T, sw *Switch) model.RoomStats {
	t.Helper()
	st, err := sw.Stats(context.Background())
	require.NoError(t, err)
	return st
}

func TestSwitch_Scenario(t *testing.T) {
	sw := startSwitch(t)
	ctx := context.Background()

	r1 := uuid.New()
	u1, u2 := uuid.New(), uuid.New()
	rc1, rc2 := &fakeRecipient{}, &fakeRecipient{}

	require.NoError(t, sw.Connect(ctx, r1, u1, rc1))
	require.NoError(t, sw.Connect(ctx, r1, u2, rc2))
	require.NoError(t, sw.Broadcast(ctx, r1, u1, protocol.CodeUpdate{Code: "x=1"}))
	settle(t, sw)

	assert.Equal(t, []protocol.Envelope{
		protocol.UserJoin{UserID: u1},
		protocol.UserList{UserIDs: []uuid.UUID{u1}},
		protocol.UserJoin{UserID: u2},
	}, rc1.envelopes(), "sender is excluded from its own broadcast")

	assert.Equal(t, []protocol.Envelope{
		protocol.UserJoin{UserID: u2},
		protocol.UserList{UserIDs: []uuid.UUID{u1, u2}},
		protocol.CodeUpdate{Code: "x=1"},
	}, rc2.envelopes())

	require.NoError(t, sw.Disconnect(ctx, r1, u1))
	settle(t, sw)

	assert.Equal(t, protocol.UserLeave{UserID: u1}, rc2.envelopes()[3])
	assert.Len(t, rc1.envelopes(), 3, "departed member receives nothing more")

	members, err := sw.Members(ctx, r1)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{u2}, members)
}

func TestSwitch_JoinVisibility(t *testing.T) {
	sw := startSwitch(t)
	ctx := context.Background()
	room := uuid.New()

	recipients := make(map[uuid.UUID]*fakeRecipient)
	for i := 0; i < 5; i++ {
		uid := uuid.New()
		recipients[uid] = &fakeRecipient{}
		require.NoError(t, sw.Connect(ctx, room, uid, recipients[uid]))
	}
	settle(t, sw)

	for uid, rc := range recipients {
		var list *protocol.UserList
		for _, env := range rc.envelopes() {
			if ul, ok := env.(protocol.UserList); ok {
				list = &ul
			}
		}
		require.NotNil(t, list, "each joiner receives a user list")
		assert.Contains(t, list.UserIDs, uid)
	}
}

func TestSwitch_Membership(t *testing.T) {
	sw := startSwitch(t)
	ctx := context.Background()

	roomA, roomB := uuid.New(), uuid.New()
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}

	type op struct {
		connect bool
		room    uuid.UUID
		user    uuid.UUID
	}
	ops := []op{
		{true, roomA, users[0]},
		{true, roomA, users[1]},
		{true, roomB, users[2]},
		{false, roomA, users[0]},
		{true, roomB, users[3]},
		{false, roomB, users[2]},
		{false, roomB, users[2]},
		{false, roomA, users[3]},
	}

	expected := map[uuid.UUID][]uuid.UUID{}
	for _, o := range ops {
		if o.connect {
			require.NoError(t, sw.Connect(ctx, o.room, o.user, &fakeRecipient{}))
			expected[o.room] = append(expected[o.room], o.user)
			continue
		}
		require.NoError(t, sw.Disconnect(ctx, o.room, o.user))
		var left []uuid.UUID
		for _, u := range expected[o.room] {
			if u != o.user {
				left = append(left, u)
			}
		}
		expected[o.room] = left
	}

	for roomID, want := range expected {
		got, err := sw.Members(ctx, roomID)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	st := settle(t, sw)
	assert.Equal(t, model.RoomStats{Rooms: 2, Members: 2}, st)

	require.NoError(t, sw.Disconnect(ctx, roomA, users[1]))
	require.NoError(t, sw.Disconnect(ctx, roomB, users[3]))
	assert.Equal(t, model.RoomStats{}, settle(t, sw), "empty rooms are removed")

	members, err := sw.Members(ctx, roomA)
	require.NoError(t, err)
	assert.Nil(t, members)
}

func TestSwitch_IdempotentDisconnect(t *testing.T) {
	sw := startSwitch(t)
	ctx := context.Background()

	room := uuid.New()
	u1, u2 := uuid.New(), uuid.New()
	rc2 := &fakeRecipient{}

	require.NoError(t, sw.Connect(ctx, room, u1, &fakeRecipient{}))
	require.NoError(t, sw.Connect(ctx, room, u2, rc2))
	require.NoError(t, sw.Disconnect(ctx, room, u1))
	require.NoError(t, sw.Disconnect(ctx, room, u1))
	require.NoError(t, sw.Disconnect(ctx, uuid.New(), u1))
	settle(t, sw)

	var leaves int
	for _, env := range rc2.envelopes() {
		if _, ok := env.(protocol.UserLeave); ok {
			leaves++
		}
	}
	assert.Equal(t, 1, leaves)
}

func TestSwitch_Ordering(t *testing.T) {
	sw := startSwitch(t)
	ctx := context.Background()

	room := uuid.New()
	sender := uuid.New()
	receivers := []*fakeRecipient{{}, {}, {}}

	require.NoError(t, sw.Connect(ctx, room, sender, &fakeRecipient{}))
	for _, rc := range receivers {
		require.NoError(t, sw.Connect(ctx, room, uuid.New(), rc))
	}

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, sw.Broadcast(ctx, room, sender, protocol.CursorMove{Line: uint32(i)}))
	}
	settle(t, sw)

	for _, rc := range receivers {
		var lines []uint32
		for _, env := range rc.envelopes() {
			if cm, ok := env.(protocol.CursorMove); ok {
				lines = append(lines, cm.Line)
			}
		}
		require.Len(t, lines, n)
		for i, line := range lines {
			assert.Equal(t, uint32(i), line)
		}
	}
}

func TestSwitch_Broadcast(t *testing.T) {
	tests := []struct {
		name string
		from func(members []uuid.UUID) uuid.UUID
		want []int
	}{
		{
			name: "sender excluded",
			from: func(members []uuid.UUID) uuid.UUID { return members[0] },
			want: []int{0, 1, 1},
		},
		{
			name: "server originated reaches all",
			from: func([]uuid.UUID) uuid.UUID { return uuid.Nil },
			want: []int{1, 1, 1},
		},
		{
			name: "sender outside room",
			from: func([]uuid.UUID) uuid.UUID { return uuid.New() },
			want: []int{1, 1, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sw := startSwitch(t)
			ctx := context.Background()
			room := uuid.New()

			ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
			rcs := []*fakeRecipient{{}, {}, {}}
			for i := range ids {
				require.NoError(t, sw.Connect(ctx, room, ids[i], rcs[i]))
			}
			require.NoError(t, sw.Broadcast(ctx, room, tt.from(ids), protocol.CodeUpdate{Code: "c"}))
			settle(t, sw)

			for i, rc := range rcs {
				var got int
				for _, env := range rc.envelopes() {
					if _, ok := env.(protocol.CodeUpdate); ok {
						got++
					}
				}
				assert.Equal(t, tt.want[i], got, "member %d", i)
			}
		})
	}
}

func TestSwitch_BroadcastUnknownRoom(t *testing.T) {
	sw := startSwitch(t)
	ctx := context.Background()

	require.NoError(t, sw.Broadcast(ctx, uuid.New(), uuid.New(), protocol.CodeUpdate{Code: "x"}))
	assert.Equal(t, model.RoomStats{}, settle(t, sw))
}

func TestSwitch_DeadRecipientIsolated(t *testing.T) {
	sw := startSwitch(t)
	ctx := context.Background()
	room := uuid.New()

	dead := &fakeRecipient{err: model.ErrMailboxClosed}
	full := &fakeRecipient{err: model.ErrMailboxFull}
	alive := &fakeRecipient{}

	require.NoError(t, sw.Connect(ctx, room, uuid.New(), dead))
	require.NoError(t, sw.Connect(ctx, room, uuid.New(), full))
	require.NoError(t, sw.Connect(ctx, room, uuid.New(), alive))
	require.NoError(t, sw.Broadcast(ctx, room, uuid.Nil, protocol.CodeUpdate{Code: "ok"}))
	settle(t, sw)

	envs := alive.envelopes()
	require.NotEmpty(t, envs)
	assert.Equal(t, protocol.CodeUpdate{Code: "ok"}, envs[len(envs)-1])
}

func TestSwitch_MailboxRecipient(t *testing.T) {
	sw := startSwitch(t)
	ctx := context.Background()
	room := uuid.New()

	closed := model.NewMailbox(4)
	closed.Close()
	open := model.NewMailbox(4)

	require.NoError(t, sw.Connect(ctx, room, uuid.New(), closed))
	require.NoError(t, sw.Connect(ctx, room, uuid.New(), open))
	settle(t, sw)

	assert.IsType(t, protocol.UserJoin{}, <-open.C())
	assert.IsType(t, protocol.UserList{}, <-open.C())
}

func TestSwitch_ReconnectSameUser(t *testing.T) {
	sw := startSwitch(t)
	ctx := context.Background()
	room, uid := uuid.New(), uuid.New()

	first, second := &fakeRecipient{}, &fakeRecipient{}
	require.NoError(t, sw.Connect(ctx, room, uid, first))
	require.NoError(t, sw.Connect(ctx, room, uid, second))
	require.NoError(t, sw.Broadcast(ctx, room, uuid.Nil, protocol.Ack{}))

	members, err := sw.Members(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{uid}, members)
	assert.Contains(t, second.envelopes(), protocol.Envelope(protocol.Ack{}))
	assert.NotContains(t, first.envelopes(), protocol.Envelope(protocol.Ack{}))
}

func TestSwitch_Stopped(t *testing.T) {
	logger := zerolog.Nop()
	sw := NewSwitch(&logger)

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go sw.Run(ctx, wg)
	cancel()
	wg.Wait()

	err := sw.Connect(context.Background(), uuid.New(), uuid.New(), &fakeRecipient{})
	assert.True(t, errors.Is(err, ErrStopped))

	_, err = sw.Stats(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSwitch_ConcurrentSessions(t *testing.T) {
	sw := startSwitch(t)
	ctx := context.Background()
	room := uuid.New()

	wg := &sync.WaitGroup{}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			uid := uuid.New()
			_ = sw.Connect(ctx, room, uid, &fakeRecipient{})
			_ = sw.Broadcast(ctx, room, uid, protocol.CodeUpdate{Code: uid.String()})
			_ = sw.Disconnect(ctx, room, uid)
		}()
	}
	wg.Wait()

	assert.Equal(t, model.RoomStats{}, settle(t, sw))
}
