package protocol

import "party-room-be/internal/service/dto"

// 客户端 -> 服务端
const (
	REQ_CREATE_ROOM      = "create_room"
	REQ_JOIN_ROOM        = "join_room"
	REQ_LEAVE_ROOM       = "leave_room"
	REQ_START_GAME       = "start_game"
	REQ_END_GAME         = "end_game"
	REQ_UPDATE_SETTINGS  = "update_settings"
	REQ_KICK_PLAYER      = "kick_player"
	REQ_UPDATE_GAME_DATA = "update_game_data"
	REQ_HEARTBEAT        = "heartbeat"
)

// 服务端 -> 客户端
const (
	EVT_WELCOME           = "welcome"
	EVT_ROOM_CREATED      = "room_created"
	EVT_ROOM_JOINED       = "room_joined"
	EVT_ROOM_LEFT         = "room_left"
	EVT_ROOM_CLOSED       = "room_closed"
	EVT_PLAYER_JOINED     = "player_joined"
	EVT_PLAYER_LEFT       = "player_left"
	EVT_GAME_STARTED      = "game_started"
	EVT_GAME_ENDED        = "game_ended"
	EVT_SETTINGS_UPDATED  = "settings_updated"
	EVT_PLAYER_KICKED     = "player_kicked"
	EVT_GAME_DATA_UPDATED = "game_data_updated"
	EVT_HEARTBEAT_ACK     = "heartbeat_ack"
	EVT_ROOM_ERROR        = "room_error"
)

// room_closed 的原因
const (
	CLOSE_REASON_INACTIVE = "inactive"
	CLOSE_REASON_EMPTY    = "empty"
)

// room_error 的错误码
const (
	ERR_ROOM_NOT_FOUND    = "ROOM_NOT_FOUND"
	ERR_GAME_IN_PROGRESS  = "GAME_IN_PROGRESS"
	ERR_ROOM_FULL         = "ROOM_FULL"
	ERR_PERMISSION_DENIED = "PERMISSION_DENIED"
	ERR_NOT_IN_ROOM       = "NOT_IN_ROOM"
	ERR_ALREADY_IN_ROOM   = "ALREADY_IN_ROOM"
	ERR_INVALID_REQUEST   = "INVALID_REQUEST"
	ERR_INVALID_STATE     = "INVALID_STATE"
	ERR_RATE_LIMITED      = "RATE_LIMITED"
	ERR_UNKNOWN_MESSAGE   = "UNKNOWN_MESSAGE"
	ERR_INTERNAL          = "INTERNAL"
)

type CreateRoomRequest struct {
	GameType   string       `json:"gameType"`
	PlayerName string       `json:"playerName"`
	Settings   dto.Settings `json:"settings,omitempty"`
}

type JoinRoomRequest struct {
	Code       string `json:"code"`
	PlayerName string `json:"playerName"`
}

type EndGameRequest struct {
	Results map[string]any `json:"results,omitempty"`
}

type UpdateSettingsRequest struct {
	Settings dto.Settings `json:"settings"`
}

type KickPlayerRequest struct {
	PlayerID string `json:"playerId"`
}

type UpdateGameDataRequest struct {
	Data map[string]any `json:"data"`
}

type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

type Welcome struct {
	PlayerID string `json:"playerId"`
}

type RoomCreatedEvent struct {
	Room   dto.Room   `json:"room"`
	Player dto.Player `json:"player"`
}

type RoomJoinedEvent struct {
	Room              dto.Room   `json:"room"`
	Player            dto.Player `json:"player"`
	JoinedAsSpectator bool       `json:"joinedAsSpectator"`
}

type RoomLeftEvent struct {
	Code string `json:"code"`
}

type RoomClosedEvent struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type PlayerJoinedEvent struct {
	Player            dto.Player `json:"player"`
	JoinedAsSpectator bool       `json:"joinedAsSpectator"`
}

type PlayerLeftEvent struct {
	PlayerID  string `json:"playerId"`
	HostID    string `json:"hostId"`
	NewHostID string `json:"newHostId,omitempty"`
}

type GameStartedEvent struct {
	Room dto.Room `json:"room"`
}

type GameEndedEvent struct {
	Room    dto.Room       `json:"room"`
	Results map[string]any `json:"results,omitempty"`
}

type SettingsUpdatedEvent struct {
	Settings dto.Settings `json:"settings"`
}

type PlayerKickedEvent struct {
	PlayerID string `json:"playerId"`
	HostID   string `json:"hostId"`
}

type GameDataUpdatedEvent struct {
	GameData  map[string]any `json:"gameData"`
	UpdatedBy string         `json:"updatedBy"`
}

type HeartbeatAck struct {
	Timestamp  int64 `json:"timestamp"`
	ServerTime int64 `json:"serverTime"`
}

type RoomError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	RequestType string `json:"requestType,omitempty"`
}

func (e RoomError) Error() string {
	return e.Code + ": " + e.Message
}
