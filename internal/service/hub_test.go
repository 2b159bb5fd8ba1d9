package service

import (
	"testing"

	"party-room-be/internal/protocol"
	"party-room-be/internal/service/dto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(m *Mailbox) []protocol.Envelope {
	var out []protocol.Envelope
	for {
		select {
		case frame := <-m.C():
			env, err := protocol.Decode(frame)
			if err == nil {
				out = append(out, env)
			}
		default:
			return out
		}
	}
}

func TestHub_BroadcastSkipsExceptAndOffline(t *testing.T) {
	h := NewHub()
	a, b := NewMailbox("a", 4), NewMailbox("b", 4)
	h.Register(a)
	h.Register(b)
	assert.Equal(t, 2, h.Online())

	h.Broadcast([]string{"a", "b", "offline"}, protocol.EVT_PLAYER_JOINED, protocol.PlayerJoinedEvent{}, "a")

	assert.Empty(t, drain(a))
	got := drain(b)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.EVT_PLAYER_JOINED, got[0].Type)
}

func TestHub_FullMailboxDropsWithoutBlocking(t *testing.T) {
	h := NewHub()
	m := NewMailbox("a", 1)
	h.Register(m)

	h.Unicast("a", protocol.EVT_HEARTBEAT_ACK, nil)
	h.Unicast("a", protocol.EVT_HEARTBEAT_ACK, nil)
	h.Unicast("missing", protocol.EVT_HEARTBEAT_ACK, nil)

	assert.Len(t, drain(m), 1)
}

func TestHub_ClosedMailboxReceivesNothing(t *testing.T) {
	h := NewHub()
	m := NewMailbox("a", 4)
	h.Register(m)

	m.Close()
	m.Close()
	h.Unicast("a", protocol.EVT_HEARTBEAT_ACK, nil)

	assert.Empty(t, drain(m))
}

func TestHub_UnregisterKeepsNewerSession(t *testing.T) {
	h := NewHub()
	old, fresh := NewMailbox("a", 1), NewMailbox("a", 1)

	h.Register(old)
	h.Register(fresh)

	select {
	case <-old.Done():
	default:
		t.Fatal("replaced mailbox must be closed")
	}

	h.Unregister(old)
	assert.Equal(t, 1, h.Online())

	h.Unregister(fresh)
	assert.Zero(t, h.Online())
}

func TestHub_NotifyRoomClosedReachesSpectators(t *testing.T) {
	h := NewHub()
	p, s := NewMailbox("p1", 2), NewMailbox("s1", 2)
	h.Register(p)
	h.Register(s)

	h.NotifyRoomClosed(dto.Room{
		Code:       "ABC123",
		Players:    []dto.Player{{ID: "p1"}},
		Spectators: []dto.Player{{ID: "s1"}},
	})

	for _, m := range []*Mailbox{p, s} {
		got := drain(m)
		require.Len(t, got, 1)

		evt := protocol.TryUnwrap[protocol.RoomClosedEvent](got[0], protocol.EVT_ROOM_CLOSED)
		require.NotNil(t, evt)
		assert.Equal(t, "ABC123", evt.Code)
		assert.Equal(t, protocol.CLOSE_REASON_INACTIVE, evt.Reason)
	}
}

func TestCleanupInactiveRooms_NotifiesThroughHub(t *testing.T) {
	h := NewHub()
	clock := newFakeClock()
	rc := NewRoomCoordinator(WithClock(clock.Now), WithEvictionHook(h.NotifyRoomClosed))

	m := NewMailbox("p1", 2)
	h.Register(m)

	_, err := rc.CreateRoom("trivia", player("p1"), nil)
	require.NoError(t, err)

	clock.Advance(2 * DEFAULT_ROOM_MAX_IDLE)
	assert.Equal(t, 1, rc.CleanupInactiveRooms(0))

	got := drain(m)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.EVT_ROOM_CLOSED, got[0].Type)
}
