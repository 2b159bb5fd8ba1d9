package dto

import "time"

// 玩家在房间内的身份
const (
	ROLE_HOST      = "host"
	ROLE_PLAYER    = "player"
	ROLE_SPECTATOR = "spectator"
)

// 房间中的参与者，ID 由服务端在建立会话时分配
type Player struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

func (p Player) IsHost() bool {
	return p.Role == ROLE_HOST
}
