package websocket

import (
	"errors"
	"strings"
	"time"

	"party-room-be/internal/protocol"
	"party-room-be/internal/service"
	"party-room-be/internal/service/dto"

	"go.uber.org/zap"
)

// handle 把一条请求交给房间协调器，失败时以 room_error 回给请求方，连接保持不变
func (s *session) handle(env protocol.Envelope) {
	if env.Type != protocol.REQ_HEARTBEAT && !s.limiter.Allow() {
		zap.L().Warn(
			"请求过于频繁",
			zap.String("player_id", s.playerID),
			zap.String("type", env.Type),
		)
		s.replyError(protocol.RoomError{
			Code:        protocol.ERR_RATE_LIMITED,
			Message:     "请求过于频繁，请稍后再试",
			RequestType: env.Type,
		})
		return
	}

	var err error

	switch env.Type {
	case protocol.REQ_CREATE_ROOM:
		err = s.createRoom(env)
	case protocol.REQ_JOIN_ROOM:
		err = s.joinRoom(env)
	case protocol.REQ_LEAVE_ROOM:
		err = s.leaveRoom()
	case protocol.REQ_START_GAME:
		err = s.startGame()
	case protocol.REQ_END_GAME:
		err = s.endGame(env)
	case protocol.REQ_UPDATE_SETTINGS:
		err = s.updateSettings(env)
	case protocol.REQ_KICK_PLAYER:
		err = s.kickPlayer(env)
	case protocol.REQ_UPDATE_GAME_DATA:
		err = s.updateGameData(env)
	case protocol.REQ_HEARTBEAT:
		err = s.heartbeat(env)
	default:
		s.replyError(protocol.RoomError{
			Code:        protocol.ERR_UNKNOWN_MESSAGE,
			Message:     "未知的请求类型",
			RequestType: env.Type,
		})
		return
	}

	if err != nil {
		zap.L().Debug(
			"请求处理失败",
			zap.String("player_id", s.playerID),
			zap.String("type", env.Type),
			zap.Error(err),
		)
		s.replyError(toRoomError(err, env.Type))
	}
}

func (s *session) createRoom(env protocol.Envelope) error {
	req, err := protocol.Unwrap[protocol.CreateRoomRequest](env)
	if err != nil {
		return err
	}

	host := dto.Player{ID: s.playerID, Name: strings.TrimSpace(req.PlayerName)}

	room, err := s.app.Rooms.CreateRoom(req.GameType, host, req.Settings)
	if err != nil {
		return err
	}

	s.app.Hub.Unicast(s.playerID, protocol.EVT_ROOM_CREATED, protocol.RoomCreatedEvent{
		Room:   room,
		Player: room.Players[0],
	})

	return nil
}

func (s *session) joinRoom(env protocol.Envelope) error {
	req, err := protocol.Unwrap[protocol.JoinRoomRequest](env)
	if err != nil {
		return err
	}

	code := strings.ToUpper(strings.TrimSpace(req.Code))
	joiner := dto.Player{ID: s.playerID, Name: strings.TrimSpace(req.PlayerName)}

	res, err := s.app.Rooms.JoinRoom(code, joiner)
	if err != nil {
		return err
	}

	s.app.Hub.Unicast(s.playerID, protocol.EVT_ROOM_JOINED, protocol.RoomJoinedEvent{
		Room:              res.Room,
		Player:            res.Player,
		JoinedAsSpectator: res.JoinedAsSpectator,
	})

	s.app.Hub.Broadcast(res.Room.Members(), protocol.EVT_PLAYER_JOINED, protocol.PlayerJoinedEvent{
		Player:            res.Player,
		JoinedAsSpectator: res.JoinedAsSpectator,
	}, s.playerID)

	return nil
}

func (s *session) leaveRoom() error {
	res := s.app.Rooms.LeaveRoom(s.playerID)
	if res == nil {
		return service.ErrPlayerNotInRoom
	}

	s.app.Hub.Unicast(s.playerID, protocol.EVT_ROOM_LEFT, protocol.RoomLeftEvent{Code: res.Code})
	s.announceLeave(res)

	return nil
}

// announceLeave 通知房间里剩下的人。房间随之关闭时，被一并移出的观众收到 room_closed
func (s *session) announceLeave(res *dto.LeaveResult) {
	if res.Closed {
		s.app.Hub.Broadcast(res.Released, protocol.EVT_ROOM_CLOSED, protocol.RoomClosedEvent{
			Code:   res.Code,
			Reason: protocol.CLOSE_REASON_EMPTY,
		}, "")
		return
	}

	s.app.Hub.Broadcast(res.Room.Members(), protocol.EVT_PLAYER_LEFT, protocol.PlayerLeftEvent{
		PlayerID:  res.PlayerID,
		HostID:    res.Room.HostID,
		NewHostID: res.NewHostID,
	}, "")
}

func (s *session) currentRoom() (string, error) {
	code, ok := s.app.Rooms.PlayerRoom(s.playerID)
	if !ok {
		return "", service.ErrPlayerNotInRoom
	}

	return code, nil
}

func (s *session) startGame() error {
	code, err := s.currentRoom()
	if err != nil {
		return err
	}

	room, err := s.app.Rooms.StartGame(code, s.playerID)
	if err != nil {
		return err
	}

	s.app.Hub.Broadcast(room.Members(), protocol.EVT_GAME_STARTED, protocol.GameStartedEvent{Room: room}, "")

	return nil
}

func (s *session) endGame(env protocol.Envelope) error {
	req, err := protocol.Unwrap[protocol.EndGameRequest](env)
	if err != nil {
		return err
	}

	code, err := s.currentRoom()
	if err != nil {
		return err
	}

	room, err := s.app.Rooms.EndGame(code, s.playerID)
	if err != nil {
		return err
	}

	s.app.Hub.Broadcast(room.Members(), protocol.EVT_GAME_ENDED, protocol.GameEndedEvent{
		Room:    room,
		Results: req.Results,
	}, "")

	return nil
}

func (s *session) updateSettings(env protocol.Envelope) error {
	req, err := protocol.Unwrap[protocol.UpdateSettingsRequest](env)
	if err != nil {
		return err
	}

	code, err := s.currentRoom()
	if err != nil {
		return err
	}

	room, err := s.app.Rooms.UpdateRoomSettings(code, s.playerID, req.Settings)
	if err != nil {
		return err
	}

	s.app.Hub.Broadcast(room.Members(), protocol.EVT_SETTINGS_UPDATED, protocol.SettingsUpdatedEvent{
		Settings: room.Settings,
	}, "")

	return nil
}

func (s *session) kickPlayer(env protocol.Envelope) error {
	req, err := protocol.Unwrap[protocol.KickPlayerRequest](env)
	if err != nil {
		return err
	}

	code, err := s.currentRoom()
	if err != nil {
		return err
	}

	res, err := s.app.Rooms.KickPlayer(code, s.playerID, req.PlayerID)
	if err != nil {
		return err
	}

	// 被踢的人已经不在成员列表里，单独补发
	recipients := append(res.Room.Members(), res.Target.ID)

	s.app.Hub.Broadcast(recipients, protocol.EVT_PLAYER_KICKED, protocol.PlayerKickedEvent{
		PlayerID: res.Target.ID,
		HostID:   res.Room.HostID,
	}, "")

	return nil
}

// updateGameData 只允许玩家写入，观众没有游戏内权限
func (s *session) updateGameData(env protocol.Envelope) error {
	req, err := protocol.Unwrap[protocol.UpdateGameDataRequest](env)
	if err != nil {
		return err
	}

	code, err := s.currentRoom()
	if err != nil {
		return err
	}

	room, err := s.app.Rooms.UpdatePlayerGameData(code, s.playerID, req.Data)
	if err != nil {
		return err
	}

	s.app.Hub.Broadcast(room.Members(), protocol.EVT_GAME_DATA_UPDATED, protocol.GameDataUpdatedEvent{
		GameData:  room.GameData,
		UpdatedBy: s.playerID,
	}, "")

	return nil
}

func (s *session) heartbeat(env protocol.Envelope) error {
	req, err := protocol.Unwrap[protocol.Heartbeat](env)
	if err != nil {
		return err
	}

	s.app.Hub.Unicast(s.playerID, protocol.EVT_HEARTBEAT_ACK, protocol.HeartbeatAck{
		Timestamp:  req.Timestamp,
		ServerTime: time.Now().UnixMilli(),
	})

	return nil
}

func (s *session) replyError(roomErr protocol.RoomError) {
	s.app.Hub.Unicast(s.playerID, protocol.EVT_ROOM_ERROR, roomErr)
}

// toRoomError 把协调器的错误映射为对外的错误码
func toRoomError(err error, reqType string) protocol.RoomError {
	code := protocol.ERR_INTERNAL

	switch {
	case errors.Is(err, service.ErrRoomNotFound):
		code = protocol.ERR_ROOM_NOT_FOUND
	case errors.Is(err, service.ErrGameInProgress):
		code = protocol.ERR_GAME_IN_PROGRESS
	case errors.Is(err, service.ErrRoomFull):
		code = protocol.ERR_ROOM_FULL
	case errors.Is(err, service.ErrPermissionDenied):
		code = protocol.ERR_PERMISSION_DENIED
	case errors.Is(err, service.ErrPlayerNotInRoom):
		code = protocol.ERR_NOT_IN_ROOM
	case errors.Is(err, service.ErrAlreadyInRoom):
		code = protocol.ERR_ALREADY_IN_ROOM
	case errors.Is(err, service.ErrInvalidState):
		code = protocol.ERR_INVALID_STATE
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrInvalidSettings),
		errors.Is(err, service.ErrInvalidTarget),
		errors.Is(err, protocol.ErrMalformedFrame):
		code = protocol.ERR_INVALID_REQUEST
	}

	if code == protocol.ERR_INTERNAL {
		zap.L().Error("未预期的房间错误", zap.String("type", reqType), zap.Error(err))
	}

	return protocol.RoomError{
		Code:        code,
		Message:     err.Error(),
		RequestType: reqType,
	}
}
