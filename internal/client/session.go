package client

import (
	"errors"
	"maps"
	"slices"
	"sync"

	"party-room-be/internal/protocol"
	"party-room-be/internal/service/dto"

	"go.uber.org/zap"
)

var (
	ErrNotHost       = errors.New("only the host can do that")
	ErrNotInRoom     = errors.New("not in a room")
	ErrBindingClosed = errors.New("session binding closed")
)

// Conn 是 SessionBinding 需要的连接能力，ConnectionManager 满足该接口
type Conn interface {
	Send(msgType string, data any) error
	On(eventType string, fn Handler) Subscription
	Off(sub Subscription)
}

// RoomView 是本地维护的房间快照，供界面层渲染
type RoomView struct {
	PlayerID string `json:"playerId"`

	Room         *dto.Room      `json:"room"`
	Players      []dto.Player   `json:"players"`
	Spectators   []dto.Player   `json:"spectators"`
	IsHost       bool           `json:"isHost"`
	IsSpectator  bool           `json:"isSpectator"`
	RoomState    dto.RoomState  `json:"roomState"`
	GameSettings dto.Settings   `json:"gameSettings"`
	GameData     map[string]any `json:"gameData"`
	Results      map[string]any `json:"results,omitempty"`

	Connected bool `json:"connected"`
	// 已发出、尚未被服务端确认或拒绝的请求类型
	Pending   string              `json:"pending,omitempty"`
	LastError *protocol.RoomError `json:"lastError,omitempty"`
}

func (v RoomView) InRoom() bool {
	return v.Room != nil
}

func (v RoomView) clone() RoomView {
	cp := v
	if v.Room != nil {
		room := v.Room.Clone()
		cp.Room = &room
	}
	cp.Players = slices.Clone(v.Players)
	cp.Spectators = slices.Clone(v.Spectators)
	cp.GameSettings = v.GameSettings.Clone()
	cp.GameData = maps.Clone(v.GameData)
	cp.Results = maps.Clone(v.Results)
	if v.LastError != nil {
		e := *v.LastError
		cp.LastError = &e
	}

	return cp
}

// SessionBinding 把房间操作翻译成连接上的消息，并把入站的房间事件折叠成本地快照。
// 房主校验只是本地的快速判断，权威校验在服务端
type SessionBinding struct {
	conn     Conn
	onChange func(RoomView)

	mu      sync.Mutex
	view    RoomView
	subs    []Subscription
	mounted bool
	closed  bool
	// 已通过 closed 检查、尚未执行完 onChange 的回调
	inflight sync.WaitGroup

	// 乐观更新设置前的值，收到 room_error 时恢复
	prevSettings dto.Settings
}

func NewSessionBinding(conn Conn, onChange func(RoomView)) *SessionBinding {
	return &SessionBinding{
		conn:     conn,
		onChange: onChange,
	}
}

// Mount 注册所有事件订阅，重复调用无效
func (b *SessionBinding) Mount() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mounted || b.closed {
		return
	}
	b.mounted = true

	handlers := map[string]func(*RoomView, protocol.Envelope){
		protocol.EVT_WELCOME:           b.onWelcome,
		protocol.EVT_ROOM_CREATED:      b.onRoomCreated,
		protocol.EVT_ROOM_JOINED:       b.onRoomJoined,
		protocol.EVT_ROOM_LEFT:         b.onRoomGone,
		protocol.EVT_ROOM_CLOSED:       b.onRoomGone,
		protocol.EVT_PLAYER_JOINED:     b.onPlayerJoined,
		protocol.EVT_PLAYER_LEFT:       b.onPlayerLeft,
		protocol.EVT_GAME_STARTED:      b.onGameStarted,
		protocol.EVT_GAME_ENDED:        b.onGameEnded,
		protocol.EVT_SETTINGS_UPDATED:  b.onSettingsUpdated,
		protocol.EVT_PLAYER_KICKED:     b.onPlayerKicked,
		protocol.EVT_GAME_DATA_UPDATED: b.onGameDataUpdated,
		protocol.EVT_ROOM_ERROR:        b.onRoomError,
		EVT_CONNECTION_OPEN:            b.onConnectionOpen,
		EVT_CONNECTION_LOST:            b.onConnectionLost,
	}

	for eventType, apply := range handlers {
		b.subs = append(b.subs, b.conn.On(eventType, b.wrap(apply)))
	}
}

// Close 取消全部订阅，并等待正在执行的回调结束，返回后不会再有回调执行。
// 不能在 onChange 中调用
func (b *SessionBinding) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		b.conn.Off(sub)
	}

	b.inflight.Wait()
}

func (b *SessionBinding) Snapshot() RoomView {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.view.clone()
}

func (b *SessionBinding) CreateRoom(gameType, playerName string, settings dto.Settings) error {
	return b.send(protocol.REQ_CREATE_ROOM, protocol.CreateRoomRequest{
		GameType:   gameType,
		PlayerName: playerName,
		Settings:   settings,
	}, nil)
}

func (b *SessionBinding) JoinRoom(code, playerName string) error {
	return b.send(protocol.REQ_JOIN_ROOM, protocol.JoinRoomRequest{
		Code:       code,
		PlayerName: playerName,
	}, nil)
}

// LeaveRoom 立即清空本地房间状态，不等服务端确认
func (b *SessionBinding) LeaveRoom() error {
	return b.send(protocol.REQ_LEAVE_ROOM, nil, func(v *RoomView) error {
		if !v.InRoom() {
			return ErrNotInRoom
		}
		clearRoom(v)
		return nil
	})
}

func (b *SessionBinding) StartGame() error {
	return b.send(protocol.REQ_START_GAME, nil, requireHost)
}

func (b *SessionBinding) EndGame(results map[string]any) error {
	return b.send(protocol.REQ_END_GAME, protocol.EndGameRequest{Results: results}, requireHost)
}

// UpdateGameSettings 先在本地应用，服务端拒绝时回滚
func (b *SessionBinding) UpdateGameSettings(settings dto.Settings) error {
	return b.send(protocol.REQ_UPDATE_SETTINGS, protocol.UpdateSettingsRequest{Settings: settings}, func(v *RoomView) error {
		if err := requireHost(v); err != nil {
			return err
		}
		b.prevSettings = v.GameSettings.Clone()
		v.GameSettings = v.GameSettings.Merge(settings)
		return nil
	})
}

func (b *SessionBinding) KickPlayer(playerID string) error {
	return b.send(protocol.REQ_KICK_PLAYER, protocol.KickPlayerRequest{PlayerID: playerID}, requireHost)
}

func (b *SessionBinding) UpdateGameData(data map[string]any) error {
	return b.send(protocol.REQ_UPDATE_GAME_DATA, protocol.UpdateGameDataRequest{Data: data}, func(v *RoomView) error {
		if !v.InRoom() {
			return ErrNotInRoom
		}
		return nil
	})
}

// send 先执行本地校验或乐观更新，通过后再发消息
func (b *SessionBinding) send(msgType string, payload any, local func(*RoomView) error) error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return ErrBindingClosed
	}

	if local != nil {
		if err := local(&b.view); err != nil {
			b.mu.Unlock()
			return err
		}
	}

	if msgType != protocol.REQ_LEAVE_ROOM {
		b.view.Pending = msgType
	}
	syncRoom(&b.view)
	view := b.view.clone()

	b.inflight.Add(1)
	b.mu.Unlock()
	defer b.inflight.Done()

	if err := b.conn.Send(msgType, payload); err != nil {
		return err
	}

	b.notify(view)
	return nil
}

func requireHost(v *RoomView) error {
	if !v.InRoom() {
		return ErrNotInRoom
	}
	if !v.IsHost {
		return ErrNotHost
	}
	return nil
}

func (b *SessionBinding) wrap(apply func(*RoomView, protocol.Envelope)) Handler {
	return func(env protocol.Envelope) {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}

		apply(&b.view, env)
		syncRoom(&b.view)
		view := b.view.clone()

		b.inflight.Add(1)
		b.mu.Unlock()
		defer b.inflight.Done()

		b.notify(view)
	}
}

func (b *SessionBinding) notify(view RoomView) {
	if b.onChange != nil {
		b.onChange(view)
	}
}

func (b *SessionBinding) onWelcome(v *RoomView, env protocol.Envelope) {
	if evt := protocol.TryUnwrap[protocol.Welcome](env, protocol.EVT_WELCOME); evt != nil {
		v.PlayerID = evt.PlayerID
	}
}

func (b *SessionBinding) onRoomCreated(v *RoomView, env protocol.Envelope) {
	evt := protocol.TryUnwrap[protocol.RoomCreatedEvent](env, protocol.EVT_ROOM_CREATED)
	if evt == nil {
		return
	}

	if v.PlayerID == "" {
		v.PlayerID = evt.Player.ID
	}
	setRoom(v, evt.Room)
}

func (b *SessionBinding) onRoomJoined(v *RoomView, env protocol.Envelope) {
	evt := protocol.TryUnwrap[protocol.RoomJoinedEvent](env, protocol.EVT_ROOM_JOINED)
	if evt == nil {
		return
	}

	if v.PlayerID == "" {
		v.PlayerID = evt.Player.ID
	}
	setRoom(v, evt.Room)
	v.IsSpectator = evt.JoinedAsSpectator
}

func (b *SessionBinding) onRoomGone(v *RoomView, env protocol.Envelope) {
	if env.Type == protocol.EVT_ROOM_CLOSED {
		if evt := protocol.TryUnwrap[protocol.RoomClosedEvent](env, protocol.EVT_ROOM_CLOSED); evt != nil {
			zap.L().Info("房间已被服务端关闭", zap.String("room_code", evt.Code), zap.String("reason", evt.Reason))
		}
	}
	clearRoom(v)
}

func (b *SessionBinding) onPlayerJoined(v *RoomView, env protocol.Envelope) {
	evt := protocol.TryUnwrap[protocol.PlayerJoinedEvent](env, protocol.EVT_PLAYER_JOINED)
	if evt == nil || !v.InRoom() {
		return
	}

	if containsPlayer(v.Players, evt.Player.ID) || containsPlayer(v.Spectators, evt.Player.ID) {
		return
	}

	if evt.JoinedAsSpectator {
		v.Spectators = append(v.Spectators, evt.Player)
	} else {
		v.Players = append(v.Players, evt.Player)
	}
}

func (b *SessionBinding) onPlayerLeft(v *RoomView, env protocol.Envelope) {
	evt := protocol.TryUnwrap[protocol.PlayerLeftEvent](env, protocol.EVT_PLAYER_LEFT)
	if evt == nil || !v.InRoom() {
		return
	}

	removePlayer(v, evt.PlayerID)

	if evt.HostID != "" && evt.HostID != v.Room.HostID {
		setHost(v, evt.HostID)
	}
}

func (b *SessionBinding) onGameStarted(v *RoomView, env protocol.Envelope) {
	evt := protocol.TryUnwrap[protocol.GameStartedEvent](env, protocol.EVT_GAME_STARTED)
	if evt == nil || !v.InRoom() {
		return
	}

	v.RoomState = dto.STATE_PLAYING
	v.Results = nil
	clearPending(v, protocol.REQ_START_GAME)
}

func (b *SessionBinding) onGameEnded(v *RoomView, env protocol.Envelope) {
	evt := protocol.TryUnwrap[protocol.GameEndedEvent](env, protocol.EVT_GAME_ENDED)
	if evt == nil || !v.InRoom() {
		return
	}

	v.RoomState = dto.STATE_FINISHED
	v.Results = evt.Results
	clearPending(v, protocol.REQ_END_GAME)
}

func (b *SessionBinding) onSettingsUpdated(v *RoomView, env protocol.Envelope) {
	evt := protocol.TryUnwrap[protocol.SettingsUpdatedEvent](env, protocol.EVT_SETTINGS_UPDATED)
	if evt == nil || !v.InRoom() {
		return
	}

	v.GameSettings = evt.Settings
	b.prevSettings = nil
	clearPending(v, protocol.REQ_UPDATE_SETTINGS)
}

func (b *SessionBinding) onPlayerKicked(v *RoomView, env protocol.Envelope) {
	evt := protocol.TryUnwrap[protocol.PlayerKickedEvent](env, protocol.EVT_PLAYER_KICKED)
	if evt == nil || !v.InRoom() {
		return
	}

	if evt.PlayerID == v.PlayerID {
		zap.L().Info("被房主移出房间", zap.String("room_code", v.Room.Code))
		clearRoom(v)
		return
	}

	removePlayer(v, evt.PlayerID)
	clearPending(v, protocol.REQ_KICK_PLAYER)
}

func (b *SessionBinding) onGameDataUpdated(v *RoomView, env protocol.Envelope) {
	evt := protocol.TryUnwrap[protocol.GameDataUpdatedEvent](env, protocol.EVT_GAME_DATA_UPDATED)
	if evt == nil || !v.InRoom() {
		return
	}

	v.GameData = evt.GameData
	clearPending(v, protocol.REQ_UPDATE_GAME_DATA)
}

// onRoomError 记录错误并撤销对应的乐观操作
func (b *SessionBinding) onRoomError(v *RoomView, env protocol.Envelope) {
	evt := protocol.TryUnwrap[protocol.RoomError](env, protocol.EVT_ROOM_ERROR)
	if evt == nil {
		return
	}

	v.LastError = evt

	if evt.RequestType == protocol.REQ_UPDATE_SETTINGS && b.prevSettings != nil {
		v.GameSettings = b.prevSettings
		b.prevSettings = nil
	}

	if v.Pending == evt.RequestType {
		v.Pending = ""
	}

	zap.L().Warn(
		"服务端拒绝了请求",
		zap.String("code", evt.Code),
		zap.String("request_type", evt.RequestType),
		zap.String("message", evt.Message),
	)
}

func (b *SessionBinding) onConnectionOpen(v *RoomView, _ protocol.Envelope) {
	v.Connected = true
}

// 服务端在连接断开时会把玩家移出房间，本地状态随之作废
func (b *SessionBinding) onConnectionLost(v *RoomView, _ protocol.Envelope) {
	v.Connected = false
	v.PlayerID = ""
	clearRoom(v)
}

func setRoom(v *RoomView, room dto.Room) {
	v.Room = &room
	v.Players = slices.Clone(room.Players)
	v.Spectators = slices.Clone(room.Spectators)
	v.RoomState = room.State
	v.GameSettings = room.Settings.Clone()
	v.GameData = maps.Clone(room.GameData)
	v.Results = nil
	v.IsHost = room.HostID == v.PlayerID
	v.IsSpectator = containsPlayer(room.Spectators, v.PlayerID)
	v.Pending = ""
	v.LastError = nil
}

// syncRoom 把展开的字段写回 Room，两份数据始终一致
func syncRoom(v *RoomView) {
	if v.Room == nil {
		return
	}

	v.Room.Players = slices.Clone(v.Players)
	v.Room.Spectators = slices.Clone(v.Spectators)
	v.Room.State = v.RoomState
	v.Room.Settings = v.GameSettings.Clone()
	v.Room.GameData = maps.Clone(v.GameData)
}

func clearRoom(v *RoomView) {
	v.Room = nil
	v.Players = nil
	v.Spectators = nil
	v.IsHost = false
	v.IsSpectator = false
	v.RoomState = ""
	v.GameSettings = nil
	v.GameData = nil
	v.Results = nil
	v.Pending = ""
}

func clearPending(v *RoomView, reqType string) {
	if v.Pending == reqType {
		v.Pending = ""
	}
}

func removePlayer(v *RoomView, playerID string) {
	match := func(p dto.Player) bool { return p.ID == playerID }
	v.Players = slices.DeleteFunc(slices.Clone(v.Players), match)
	v.Spectators = slices.DeleteFunc(slices.Clone(v.Spectators), match)
}

func setHost(v *RoomView, hostID string) {
	v.Room.HostID = hostID
	for i := range v.Players {
		switch {
		case v.Players[i].ID == hostID:
			v.Players[i].Role = dto.ROLE_HOST
		case v.Players[i].IsHost():
			v.Players[i].Role = dto.ROLE_PLAYER
		}
	}
	v.IsHost = hostID == v.PlayerID
}

func containsPlayer(list []dto.Player, playerID string) bool {
	return slices.ContainsFunc(list, func(p dto.Player) bool { return p.ID == playerID })
}
