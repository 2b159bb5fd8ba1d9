package dto

type JoinResult struct {
	Room              Room   `json:"room"`
	Player            Player `json:"player"`
	JoinedAsSpectator bool   `json:"joinedAsSpectator"`
}

// 离开房间的结果。房间因无人而关闭时 Room 为 nil，
// Released 是随房间关闭一起被移出的观众
type LeaveResult struct {
	Code         string   `json:"code"`
	PlayerID     string   `json:"playerId"`
	Room         *Room    `json:"room,omitempty"`
	Closed       bool     `json:"closed"`
	Released     []string `json:"released,omitempty"`
	NewHostID    string   `json:"newHostId,omitempty"`
	WasSpectator bool     `json:"wasSpectator"`
}

// 踢人的结果，Target 是被移出的参与者
type KickResult struct {
	Room   Room   `json:"room"`
	Target Player `json:"target"`
}

type Stats struct {
	TotalRooms      int               `json:"totalRooms"`
	RoomsByState    map[RoomState]int `json:"roomsByState"`
	TotalPlayers    int               `json:"totalPlayers"`
	TotalSpectators int               `json:"totalSpectators"`
}
