package service

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"sync"
	"testing"
	"time"

	"party-room-be/internal/service/dto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func player(id string) dto.Player {
	return dto.Player{ID: id, Name: "name-" + id}
}

// 检查房间表和玩家映射互相一致，且房主一定在玩家列表里
func assertConsistent(t *testing.T, rc *RoomCoordinator) {
	t.Helper()

	rc.mu.RLock()
	defer rc.mu.RUnlock()

	for id, code := range rc.playerRooms {
		room := rc.rooms[code]
		require.NotNil(t, room, "player %s mapped to missing room %s", id, code)
		_, inPlayers := room.FindPlayer(id)
		_, inSpectators := room.FindSpectator(id)
		require.True(t, inPlayers || inSpectators, "player %s mapped to %s but not listed", id, code)
		require.False(t, inPlayers && inSpectators, "player %s listed twice in %s", id, code)
	}

	for code, room := range rc.rooms {
		require.NotEmpty(t, room.Players, "room %s exists without players", code)
		require.LessOrEqual(t, len(room.Players), room.Settings.MaxPlayers())

		for _, id := range room.Members() {
			require.Equal(t, code, rc.playerRooms[id], "member %s of %s missing mapping", id, code)
		}

		host, ok := room.FindPlayer(room.HostID)
		require.True(t, ok, "host %s of %s not in players", room.HostID, code)
		require.Equal(t, dto.ROLE_HOST, host.Role)
	}
}

func TestCreateRoom_AppliesDefaultsAndRegistersHost(t *testing.T) {
	rc := NewRoomCoordinator()

	room, err := rc.CreateRoom("trivia", player("p1"), dto.Settings{"rounds": 5})
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^[A-Z0-9]{6}$`), room.Code)
	assert.Equal(t, "p1", room.HostID)
	assert.Equal(t, dto.STATE_WAITING, room.State)
	require.Len(t, room.Players, 1)
	assert.Equal(t, dto.ROLE_HOST, room.Players[0].Role)
	assert.Equal(t, dto.DEFAULT_MAX_PLAYERS, room.Settings.MaxPlayers())
	assert.True(t, room.Settings.AllowSpectators())
	assert.False(t, room.Settings.IsPrivate())
	assert.Equal(t, 5, room.Settings["rounds"])

	code, ok := rc.PlayerRoom("p1")
	require.True(t, ok)
	assert.Equal(t, room.Code, code)
}

func TestCreateRoom_RetriesOnCodeCollision(t *testing.T) {
	codes := []string{"AAAAAA", "AAAAAA", "AAAAAA", "BBBBBB"}
	next := 0
	rc := NewRoomCoordinator(WithCodeGenerator(func() (string, error) {
		c := codes[next]
		next++
		return c, nil
	}))

	first, err := rc.CreateRoom("trivia", player("p1"), nil)
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", first.Code)

	second, err := rc.CreateRoom("trivia", player("p2"), nil)
	require.NoError(t, err)
	assert.Equal(t, "BBBBBB", second.Code)
	assert.Equal(t, 4, next)
}

func TestCreateRoom_Rejects(t *testing.T) {
	rc := NewRoomCoordinator()

	_, err := rc.CreateRoom("", player("p1"), nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = rc.CreateRoom("trivia", dto.Player{ID: "p1"}, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = rc.CreateRoom("trivia", player("p1"), dto.Settings{dto.SETTING_MAX_PLAYERS: 0})
	assert.ErrorIs(t, err, ErrInvalidSettings)

	_, err = rc.CreateRoom("trivia", player("p1"), nil)
	require.NoError(t, err)
	_, err = rc.CreateRoom("trivia", player("p1"), nil)
	assert.ErrorIs(t, err, ErrAlreadyInRoom)
}

func TestJoinRoom_CapacityRules(t *testing.T) {
	cases := []struct {
		name            string
		allowSpectators bool
		wantErr         error
		wantSpectator   bool
	}{
		{name: "overflow becomes spectator", allowSpectators: true, wantSpectator: true},
		{name: "overflow rejected without spectating", allowSpectators: false, wantErr: ErrRoomFull},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rc := NewRoomCoordinator()
			room, err := rc.CreateRoom("trivia", player("p1"), dto.Settings{
				dto.SETTING_MAX_PLAYERS:      2,
				dto.SETTING_ALLOW_SPECTATORS: tc.allowSpectators,
			})
			require.NoError(t, err)

			res, err := rc.JoinRoom(room.Code, player("p2"))
			require.NoError(t, err)
			assert.False(t, res.JoinedAsSpectator)
			assert.Equal(t, dto.ROLE_PLAYER, res.Player.Role)

			res, err = rc.JoinRoom(room.Code, player("p3"))
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				_, mapped := rc.PlayerRoom("p3")
				assert.False(t, mapped)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.wantSpectator, res.JoinedAsSpectator)
				assert.Equal(t, dto.ROLE_SPECTATOR, res.Player.Role)
				assert.Len(t, res.Room.Players, 2)
				assert.Len(t, res.Room.Spectators, 1)
			}

			assertConsistent(t, rc)
		})
	}
}

func TestJoinRoom_Errors(t *testing.T) {
	rc := NewRoomCoordinator()

	_, err := rc.JoinRoom("NOPE00", player("p9"))
	assert.ErrorIs(t, err, ErrRoomNotFound)

	room, err := rc.CreateRoom("trivia", player("p1"), nil)
	require.NoError(t, err)
	other, err := rc.CreateRoom("trivia", player("p2"), nil)
	require.NoError(t, err)

	_, err = rc.JoinRoom(room.Code, player("p2"))
	assert.ErrorIs(t, err, ErrAlreadyInRoom)

	_, err = rc.StartGame(other.Code, "p2")
	require.NoError(t, err)
	_, err = rc.JoinRoom(other.Code, player("p3"))
	assert.ErrorIs(t, err, ErrGameInProgress)
}

func TestJoinRoom_SameRoomTwiceIsIdempotent(t *testing.T) {
	rc := NewRoomCoordinator()
	room, err := rc.CreateRoom("trivia", player("p1"), nil)
	require.NoError(t, err)

	_, err = rc.JoinRoom(room.Code, player("p2"))
	require.NoError(t, err)
	res, err := rc.JoinRoom(room.Code, player("p2"))
	require.NoError(t, err)

	assert.Len(t, res.Room.Players, 2)
	assert.Equal(t, dto.ROLE_PLAYER, res.Player.Role)
}

func TestScenario_HostLeavesAndSpectatorStays(t *testing.T) {
	rc := NewRoomCoordinator()

	room, err := rc.CreateRoom("trivia", player("P1"), dto.Settings{dto.SETTING_MAX_PLAYERS: 2})
	require.NoError(t, err)

	res, err := rc.JoinRoom(room.Code, player("P2"))
	require.NoError(t, err)
	assert.False(t, res.JoinedAsSpectator)

	res, err = rc.JoinRoom(room.Code, player("P3"))
	require.NoError(t, err)
	assert.True(t, res.JoinedAsSpectator)

	left := rc.LeaveRoom("P1")
	require.NotNil(t, left)
	require.NotNil(t, left.Room)
	assert.False(t, left.Closed)
	assert.Equal(t, "P2", left.NewHostID)
	assert.Equal(t, "P2", left.Room.HostID)
	assert.Len(t, left.Room.Players, 1)
	assert.Len(t, left.Room.Spectators, 1)

	current, err := rc.GetRoom(room.Code)
	require.NoError(t, err)
	assert.Equal(t, dto.ROLE_HOST, current.Players[0].Role)

	assertConsistent(t, rc)
}

func TestLeaveRoom_PromotesEarliestJoined(t *testing.T) {
	clock := newFakeClock()
	rc := NewRoomCoordinator(WithClock(clock.Now))

	room, err := rc.CreateRoom("trivia", player("p1"), nil)
	require.NoError(t, err)
	for _, id := range []string{"p2", "p3", "p4"} {
		clock.Advance(time.Second)
		_, err := rc.JoinRoom(room.Code, player(id))
		require.NoError(t, err)
	}

	_, err = rc.KickPlayer(room.Code, "p1", "p2")
	require.NoError(t, err)

	left := rc.LeaveRoom("p1")
	require.NotNil(t, left)
	assert.Equal(t, "p3", left.NewHostID)

	left = rc.LeaveRoom("p4")
	require.NotNil(t, left)
	assert.Empty(t, left.NewHostID)
	assert.Equal(t, "p3", left.Room.HostID)
}

func TestLeaveRoom_LastPlayerClosesRoom(t *testing.T) {
	rc := NewRoomCoordinator()

	room, err := rc.CreateRoom("trivia", player("p1"), dto.Settings{dto.SETTING_MAX_PLAYERS: 1})
	require.NoError(t, err)
	res, err := rc.JoinRoom(room.Code, player("s1"))
	require.NoError(t, err)
	require.True(t, res.JoinedAsSpectator)

	left := rc.LeaveRoom("p1")
	require.NotNil(t, left)
	assert.True(t, left.Closed)
	assert.Nil(t, left.Room)
	assert.Equal(t, []string{"s1"}, left.Released)

	_, err = rc.GetRoom(room.Code)
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, mapped := rc.PlayerRoom("s1")
	assert.False(t, mapped, "spectator mapping must be released with the room")

	assert.Nil(t, rc.LeaveRoom("p1"))
	assert.Nil(t, rc.LeaveRoom("s1"))
	assertConsistent(t, rc)
}

func TestLeaveRoom_SpectatorLeaves(t *testing.T) {
	rc := NewRoomCoordinator()

	room, err := rc.CreateRoom("trivia", player("p1"), dto.Settings{dto.SETTING_MAX_PLAYERS: 1})
	require.NoError(t, err)
	_, err = rc.JoinRoom(room.Code, player("s1"))
	require.NoError(t, err)

	left := rc.LeaveRoom("s1")
	require.NotNil(t, left)
	assert.True(t, left.WasSpectator)
	assert.Empty(t, left.Room.Spectators)
	assert.Equal(t, "p1", left.Room.HostID)
}

func TestKickPlayer(t *testing.T) {
	rc := NewRoomCoordinator()

	room, err := rc.CreateRoom("trivia", player("P1"), dto.Settings{dto.SETTING_MAX_PLAYERS: 2})
	require.NoError(t, err)
	_, err = rc.JoinRoom(room.Code, player("P2"))
	require.NoError(t, err)
	_, err = rc.JoinRoom(room.Code, player("P3"))
	require.NoError(t, err)

	before, err := rc.GetRoom(room.Code)
	require.NoError(t, err)

	_, err = rc.KickPlayer(room.Code, "P2", "P3")
	require.ErrorIs(t, err, ErrPermissionDenied)

	after, err := rc.GetRoom(room.Code)
	require.NoError(t, err)
	assert.Equal(t, before.Players, after.Players)
	assert.Equal(t, before.Spectators, after.Spectators)

	_, err = rc.KickPlayer(room.Code, "P1", "P1")
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = rc.KickPlayer(room.Code, "P1", "ghost")
	assert.ErrorIs(t, err, ErrPlayerNotInRoom)

	_, err = rc.KickPlayer("NOPE00", "P1", "P3")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	kicked, err := rc.KickPlayer(room.Code, "P1", "P3")
	require.NoError(t, err)
	assert.Equal(t, "P3", kicked.Target.ID)
	assert.Empty(t, kicked.Room.Spectators)

	_, mapped := rc.PlayerRoom("P3")
	assert.False(t, mapped)

	assertConsistent(t, rc)
}

func TestStateTransitions(t *testing.T) {
	rc := NewRoomCoordinator()
	room, err := rc.CreateRoom("trivia", player("p1"), nil)
	require.NoError(t, err)
	_, err = rc.JoinRoom(room.Code, player("p2"))
	require.NoError(t, err)

	_, err = rc.StartGame(room.Code, "p2")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = rc.EndGame(room.Code, "p1")
	assert.ErrorIs(t, err, ErrInvalidState)

	started, err := rc.StartGame(room.Code, "p1")
	require.NoError(t, err)
	assert.Equal(t, dto.STATE_PLAYING, started.State)

	_, err = rc.StartGame(room.Code, "p1")
	assert.ErrorIs(t, err, ErrGameInProgress)

	ended, err := rc.EndGame(room.Code, "p1")
	require.NoError(t, err)
	assert.Equal(t, dto.STATE_FINISHED, ended.State)

	_, err = rc.UpdateRoomState(room.Code, "bogus")
	assert.ErrorIs(t, err, ErrInvalidState)

	reset, err := rc.UpdateRoomState(room.Code, dto.STATE_WAITING)
	require.NoError(t, err)
	assert.Equal(t, dto.STATE_WAITING, reset.State)
}

func TestUpdateRoomSettings_MergesAndRequiresHost(t *testing.T) {
	rc := NewRoomCoordinator()
	room, err := rc.CreateRoom("trivia", player("p1"), dto.Settings{"rounds": 3, "theme": "space"})
	require.NoError(t, err)
	_, err = rc.JoinRoom(room.Code, player("p2"))
	require.NoError(t, err)

	_, err = rc.UpdateRoomSettings(room.Code, "p2", dto.Settings{"rounds": 10})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	updated, err := rc.UpdateRoomSettings(room.Code, "p1", dto.Settings{"rounds": 10, dto.SETTING_IS_PRIVATE: true})
	require.NoError(t, err)
	assert.Equal(t, 10, updated.Settings["rounds"])
	assert.Equal(t, "space", updated.Settings["theme"])
	assert.True(t, updated.Settings.IsPrivate())
	assert.Equal(t, dto.DEFAULT_MAX_PLAYERS, updated.Settings.MaxPlayers())

	_, err = rc.UpdateRoomSettings(room.Code, "p1", dto.Settings{dto.SETTING_MAX_PLAYERS: "lots"})
	assert.ErrorIs(t, err, ErrInvalidSettings)

	_, err = rc.UpdateRoomSettings(room.Code, "p1", dto.Settings{dto.SETTING_ALLOW_SPECTATORS: "yes"})
	assert.ErrorIs(t, err, ErrInvalidSettings)

	current, err := rc.GetRoom(room.Code)
	require.NoError(t, err)
	assert.Equal(t, 10, current.Settings["rounds"], "rejected update must not change settings")
}

func TestUpdateGameData_ShallowMerge(t *testing.T) {
	rc := NewRoomCoordinator()
	room, err := rc.CreateRoom("trivia", player("p1"), nil)
	require.NoError(t, err)

	_, err = rc.UpdateGameData(room.Code, map[string]any{"round": 1, "question": "q1"})
	require.NoError(t, err)
	updated, err := rc.UpdateGameData(room.Code, map[string]any{"round": 2})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"round": 2, "question": "q1"}, updated.GameData)

	_, err = rc.UpdateGameData("NOPE00", map[string]any{"x": 1})
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestUpdatePlayerGameData_ChecksRequester(t *testing.T) {
	rc := NewRoomCoordinator()
	room, err := rc.CreateRoom("trivia", player("p1"), dto.Settings{dto.SETTING_MAX_PLAYERS: 2})
	require.NoError(t, err)
	_, err = rc.JoinRoom(room.Code, player("p2"))
	require.NoError(t, err)
	_, err = rc.JoinRoom(room.Code, player("s1"))
	require.NoError(t, err)

	updated, err := rc.UpdatePlayerGameData(room.Code, "p2", map[string]any{"answer": "a"})
	require.NoError(t, err)
	assert.Equal(t, "a", updated.GameData["answer"])

	_, err = rc.UpdatePlayerGameData(room.Code, "s1", map[string]any{"answer": "b"})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	// 被踢出后不能再写入
	_, err = rc.KickPlayer(room.Code, "p1", "p2")
	require.NoError(t, err)
	_, err = rc.UpdatePlayerGameData(room.Code, "p2", map[string]any{"answer": "c"})
	assert.ErrorIs(t, err, ErrPlayerNotInRoom)

	_, err = rc.UpdatePlayerGameData("NOPE00", "p1", map[string]any{"x": 1})
	assert.ErrorIs(t, err, ErrRoomNotFound)

	current, err := rc.GetRoom(room.Code)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"answer": "a"}, current.GameData)

	assertConsistent(t, rc)
}

func TestReturnedRoomsAreCopies(t *testing.T) {
	rc := NewRoomCoordinator()
	room, err := rc.CreateRoom("trivia", player("p1"), nil)
	require.NoError(t, err)

	room.Players[0].Name = "mutated"
	room.Settings["rounds"] = 99

	current, err := rc.GetRoom(room.Code)
	require.NoError(t, err)
	assert.Equal(t, "name-p1", current.Players[0].Name)
	assert.NotContains(t, current.Settings, "rounds")
}

func TestCleanupInactiveRooms(t *testing.T) {
	clock := newFakeClock()

	var evicted []string
	rc := NewRoomCoordinator(
		WithClock(clock.Now),
		WithEvictionHook(func(room dto.Room) { evicted = append(evicted, room.Code) }),
	)

	stale, err := rc.CreateRoom("trivia", player("p1"), dto.Settings{dto.SETTING_MAX_PLAYERS: 1})
	require.NoError(t, err)
	_, err = rc.JoinRoom(stale.Code, player("s1"))
	require.NoError(t, err)

	clock.Advance(40 * time.Minute)

	fresh, err := rc.CreateRoom("trivia", player("p2"), nil)
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)

	removed := rc.CleanupInactiveRooms(time.Hour)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{stale.Code}, evicted)

	_, err = rc.GetRoom(stale.Code)
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = rc.GetRoom(fresh.Code)
	assert.NoError(t, err)

	for _, id := range []string{"p1", "s1"} {
		_, mapped := rc.PlayerRoom(id)
		assert.False(t, mapped, "mapping for %s must be released", id)
	}

	// 活动会刷新 lastActivity
	clock.Advance(20 * time.Minute)
	_, err = rc.UpdateGameData(fresh.Code, map[string]any{"tick": 1})
	require.NoError(t, err)
	clock.Advance(50 * time.Minute)
	assert.Equal(t, 0, rc.CleanupInactiveRooms(time.Hour))

	assertConsistent(t, rc)
}

func TestGetStats(t *testing.T) {
	rc := NewRoomCoordinator()

	a, err := rc.CreateRoom("trivia", player("p1"), dto.Settings{dto.SETTING_MAX_PLAYERS: 1})
	require.NoError(t, err)
	_, err = rc.JoinRoom(a.Code, player("s1"))
	require.NoError(t, err)

	b, err := rc.CreateRoom("drawing", player("p2"), nil)
	require.NoError(t, err)
	_, err = rc.JoinRoom(b.Code, player("p3"))
	require.NoError(t, err)
	_, err = rc.StartGame(b.Code, "p2")
	require.NoError(t, err)

	stats := rc.GetStats()
	assert.Equal(t, 2, stats.TotalRooms)
	assert.Equal(t, 3, stats.TotalPlayers)
	assert.Equal(t, 1, stats.TotalSpectators)
	assert.Equal(t, 1, stats.RoomsByState[dto.STATE_WAITING])
	assert.Equal(t, 1, stats.RoomsByState[dto.STATE_PLAYING])
	assert.Equal(t, 0, stats.RoomsByState[dto.STATE_FINISHED])
}

func TestListPublicRooms(t *testing.T) {
	clock := newFakeClock()
	rc := NewRoomCoordinator(WithClock(clock.Now))

	open, err := rc.CreateRoom("trivia", player("p1"), nil)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = rc.CreateRoom("trivia", player("p2"), dto.Settings{dto.SETTING_IS_PRIVATE: true})
	require.NoError(t, err)
	clock.Advance(time.Second)
	playing, err := rc.CreateRoom("trivia", player("p3"), nil)
	require.NoError(t, err)
	_, err = rc.StartGame(playing.Code, "p3")
	require.NoError(t, err)

	list := rc.ListPublicRooms()
	require.Len(t, list, 1)
	assert.Equal(t, open.Code, list[0].Code)
	assert.Equal(t, "name-p1", list[0].HostName)
}

func TestRandomOperationsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	rc := NewRoomCoordinator()

	ids := make([]string, 30)
	for i := range ids {
		ids[i] = fmt.Sprintf("p%02d", i)
	}

	for step := 0; step < 2000; step++ {
		id := ids[rng.IntN(len(ids))]

		switch rng.IntN(5) {
		case 0:
			_, _ = rc.CreateRoom("trivia", player(id), dto.Settings{
				dto.SETTING_MAX_PLAYERS:      1 + rng.IntN(4),
				dto.SETTING_ALLOW_SPECTATORS: rng.IntN(2) == 0,
			})
		case 1, 2:
			rc.mu.RLock()
			codes := make([]string, 0, len(rc.rooms))
			for code := range rc.rooms {
				codes = append(codes, code)
			}
			rc.mu.RUnlock()
			if len(codes) > 0 {
				_, _ = rc.JoinRoom(codes[rng.IntN(len(codes))], player(id))
			}
		case 3:
			rc.LeaveRoom(id)
		case 4:
			if code, ok := rc.PlayerRoom(id); ok {
				room, err := rc.GetRoom(code)
				if err == nil {
					_, _ = rc.KickPlayer(code, room.HostID, ids[rng.IntN(len(ids))])
				}
			}
		}

		assertConsistent(t, rc)
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	rc := NewRoomCoordinator()
	room, err := rc.CreateRoom("trivia", player("host"), dto.Settings{dto.SETTING_MAX_PLAYERS: 4})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			for j := 0; j < 20; j++ {
				_, _ = rc.JoinRoom(room.Code, player(id))
				rc.GetStats()
				rc.LeaveRoom(id)
			}
		}(i)
	}
	wg.Wait()

	assertConsistent(t, rc)

	current, err := rc.GetRoom(room.Code)
	require.NoError(t, err)
	assert.Len(t, current.Players, 1)
	assert.Empty(t, current.Spectators)
}
