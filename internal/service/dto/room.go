package dto

import (
	"maps"
	"slices"
	"time"
)

// 房间状态只会按 waiting -> playing -> finished 推进，
// 结束后允许房主重新回到 waiting 再开一局
type RoomState string

const (
	STATE_WAITING  RoomState = "waiting"
	STATE_PLAYING  RoomState = "playing"
	STATE_FINISHED RoomState = "finished"
)

var roomTransitions = map[RoomState][]RoomState{
	STATE_WAITING:  {STATE_PLAYING},
	STATE_PLAYING:  {STATE_FINISHED},
	STATE_FINISHED: {STATE_WAITING},
}

func (s RoomState) Valid() bool {
	_, ok := roomTransitions[s]
	return ok
}

func (s RoomState) CanTransitionTo(next RoomState) bool {
	return slices.Contains(roomTransitions[s], next)
}

type Room struct {
	Code     string    `json:"code"`
	GameType string    `json:"gameType"`
	HostID   string    `json:"host"`
	State    RoomState `json:"state"`

	// 按加入顺序排列，房主交接时取队首
	Players    []Player `json:"players"`
	Spectators []Player `json:"spectators"`

	Settings Settings       `json:"settings"`
	GameData map[string]any `json:"gameData"`

	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Clone 深拷贝房间，协调器对外只交出副本
func (r *Room) Clone() Room {
	cp := *r
	cp.Players = slices.Clone(r.Players)
	cp.Spectators = slices.Clone(r.Spectators)
	cp.Settings = r.Settings.Clone()
	if r.GameData != nil {
		cp.GameData = maps.Clone(r.GameData)
	}

	return cp
}

func (r *Room) FindPlayer(playerID string) (Player, bool) {
	for _, p := range r.Players {
		if p.ID == playerID {
			return p, true
		}
	}

	return Player{}, false
}

func (r *Room) FindSpectator(playerID string) (Player, bool) {
	for _, p := range r.Spectators {
		if p.ID == playerID {
			return p, true
		}
	}

	return Player{}, false
}

// Members 返回玩家和观众的 ID，用于广播
func (r *Room) Members() []string {
	ids := make([]string, 0, len(r.Players)+len(r.Spectators))
	for _, p := range r.Players {
		ids = append(ids, p.ID)
	}
	for _, p := range r.Spectators {
		ids = append(ids, p.ID)
	}

	return ids
}

// 公开房间列表中的摘要信息
type RoomSummary struct {
	Code       string    `json:"code"`
	GameType   string    `json:"gameType"`
	HostName   string    `json:"hostName"`
	Players    int       `json:"players"`
	MaxPlayers int       `json:"maxPlayers"`
	Spectators int       `json:"spectators"`
	State      RoomState `json:"state"`
}

func (r *Room) Summary() RoomSummary {
	summary := RoomSummary{
		Code:       r.Code,
		GameType:   r.GameType,
		Players:    len(r.Players),
		MaxPlayers: r.Settings.MaxPlayers(),
		Spectators: len(r.Spectators),
		State:      r.State,
	}

	if host, ok := r.FindPlayer(r.HostID); ok {
		summary.HostName = host.Name
	}

	return summary
}
