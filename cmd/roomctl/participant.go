package main

import (
	"party-room-be/internal/client"
	"party-room-be/internal/service/dto"
)

// participant 维护本地玩家的 PlayerState：
// 拿到玩家 ID 并进入房间时创建，离开房间时丢弃。
// 每局结束时，results 中以自己 ID 为键的数值计入分数
type participant struct {
	name string

	player    *client.PlayerState
	lastState dto.RoomState
}

func newParticipant(name string) *participant {
	return &participant{name: name}
}

// observe 根据最新的房间快照更新本地玩家记录，返回当前快照，不在房间内时返回 nil
func (p *participant) observe(v client.RoomView) *client.PlayerStateSnapshot {
	if !v.InRoom() || v.PlayerID == "" {
		p.player = nil
		p.lastState = ""
		return nil
	}

	if p.player == nil || p.player.Snapshot().ID != v.PlayerID {
		p.player = client.NewPlayerState(v.PlayerID, p.name)
		p.lastState = ""
	}

	switch {
	case !v.Connected:
		p.player.UpdateState(client.PLAYER_STATE_DISCONNECTED)
	case v.IsSpectator:
		p.player.UpdateState(client.PLAYER_STATE_SPECTATING)
	case v.RoomState == dto.STATE_PLAYING:
		p.player.UpdateState(client.PLAYER_STATE_PLAYING)
	default:
		p.player.UpdateState(client.PLAYER_STATE_CONNECTED)
	}

	if v.RoomState == dto.STATE_FINISHED && p.lastState != dto.STATE_FINISHED {
		p.settle(v)
	}
	p.lastState = v.RoomState

	snap := p.player.Snapshot()
	return &snap
}

func (p *participant) settle(v client.RoomView) {
	played := 1
	if n, ok := p.player.Snapshot().Stats["gamesPlayed"].(int); ok {
		played += n
	}
	p.player.UpdateStats(map[string]any{"gamesPlayed": played})

	if v.IsSpectator {
		return
	}

	// JSON 数字解码后为 float64
	if points, ok := v.Results[v.PlayerID].(float64); ok {
		total := p.player.AddScore(int(points))
		if int(points) > 0 && total == int(points) {
			p.player.AddAchievement("first_points")
		}
	}
}
