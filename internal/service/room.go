package service

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"party-room-be/internal/service/dto"

	"go.uber.org/zap"
)

// RoomCoordinator 是房间的唯一权威来源。
// 房间表和玩家到房间的映射必须在同一把锁内一起修改
type RoomCoordinator struct {
	mu sync.RWMutex

	// 房间号 -> 房间
	rooms map[string]*dto.Room
	// 玩家 ID -> 房间号，包含观众
	playerRooms map[string]string

	now     func() time.Time
	genCode func() (string, error)
	onEvict func(dto.Room)
}

type Option func(*RoomCoordinator)

func WithClock(now func() time.Time) Option {
	return func(rc *RoomCoordinator) {
		rc.now = now
	}
}

func WithCodeGenerator(gen func() (string, error)) Option {
	return func(rc *RoomCoordinator) {
		rc.genCode = gen
	}
}

// WithEvictionHook 注册房间因长时间无活动被清理后的回调，回调在锁外执行
func WithEvictionHook(hook func(dto.Room)) Option {
	return func(rc *RoomCoordinator) {
		rc.onEvict = hook
	}
}

func NewRoomCoordinator(opts ...Option) *RoomCoordinator {
	rc := &RoomCoordinator{
		rooms:       make(map[string]*dto.Room),
		playerRooms: make(map[string]string),
		now:         time.Now,
		genCode:     GenRoomCode,
	}

	for _, opt := range opts {
		opt(rc)
	}

	return rc
}

// RunCleanupLoop 定期清理长时间无活动的房间，直到 ctx 结束
func (rc *RoomCoordinator) RunCleanupLoop(ctx context.Context, interval, maxAge time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.S().Info("房间清理协程退出")
			return nil

		case <-ticker.C:
			if n := rc.CleanupInactiveRooms(maxAge); n > 0 {
				zap.S().Infof("本轮清理了 %d 个无活动房间", n)
			}
		}
	}
}

func (rc *RoomCoordinator) CreateRoom(gameType string, host dto.Player, settings dto.Settings) (dto.Room, error) {
	if gameType == "" {
		return dto.Room{}, fmt.Errorf("%w: game type is required", ErrInvalidRequest)
	}
	if host.ID == "" || host.Name == "" {
		return dto.Room{}, fmt.Errorf("%w: host id and name are required", ErrInvalidRequest)
	}

	merged := dto.DefaultSettings().Merge(settings)
	if err := validateSettings(merged); err != nil {
		return dto.Room{}, err
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if code, ok := rc.playerRooms[host.ID]; ok {
		return dto.Room{}, fmt.Errorf("%w: %s", ErrAlreadyInRoom, code)
	}

	// 碰撞时重新生成，直到拿到一个未被占用的房间号
	var code string
	for {
		c, err := rc.genCode()
		if err != nil {
			return dto.Room{}, fmt.Errorf("generate room code: %w", err)
		}
		if _, exists := rc.rooms[c]; !exists {
			code = c
			break
		}

		zap.S().Debugf("房间号 %s 冲突，重新生成", c)
	}

	now := rc.now()

	host.Role = dto.ROLE_HOST
	host.JoinedAt = now

	room := &dto.Room{
		Code:         code,
		GameType:     gameType,
		HostID:       host.ID,
		State:        dto.STATE_WAITING,
		Players:      []dto.Player{host},
		Spectators:   make([]dto.Player, 0),
		Settings:     merged,
		GameData:     make(map[string]any),
		CreatedAt:    now,
		LastActivity: now,
	}

	rc.rooms[code] = room
	rc.playerRooms[host.ID] = code

	zap.S().Infof("房间 %s 由 %s(%s) 创建，游戏类型 %s", code, host.Name, host.ID, gameType)

	return room.Clone(), nil
}

func (rc *RoomCoordinator) JoinRoom(code string, player dto.Player) (dto.JoinResult, error) {
	if player.ID == "" || player.Name == "" {
		return dto.JoinResult{}, fmt.Errorf("%w: player id and name are required", ErrInvalidRequest)
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	room := rc.rooms[code]
	if room == nil {
		return dto.JoinResult{}, ErrRoomNotFound
	}

	if current, ok := rc.playerRooms[player.ID]; ok {
		if current != code {
			return dto.JoinResult{}, fmt.Errorf("%w: %s", ErrAlreadyInRoom, current)
		}

		// 重复加入同一个房间时直接返回已有身份
		if p, ok := room.FindPlayer(player.ID); ok {
			return dto.JoinResult{Room: room.Clone(), Player: p}, nil
		}
		p, _ := room.FindSpectator(player.ID)
		return dto.JoinResult{Room: room.Clone(), Player: p, JoinedAsSpectator: true}, nil
	}

	if room.State != dto.STATE_WAITING {
		return dto.JoinResult{}, ErrGameInProgress
	}

	now := rc.now()
	player.JoinedAt = now

	asSpectator := false

	switch {
	case len(room.Players) < room.Settings.MaxPlayers():
		player.Role = dto.ROLE_PLAYER
		room.Players = append(room.Players, player)

	case room.Settings.AllowSpectators():
		// 玩家席位已满，自动变成观众
		player.Role = dto.ROLE_SPECTATOR
		room.Spectators = append(room.Spectators, player)
		asSpectator = true

	default:
		return dto.JoinResult{}, ErrRoomFull
	}

	rc.playerRooms[player.ID] = code
	room.LastActivity = now

	zap.S().Infof("房间 %s 接纳 %s(%s)，身份 %s", code, player.Name, player.ID, player.Role)

	return dto.JoinResult{
		Room:              room.Clone(),
		Player:            player,
		JoinedAsSpectator: asSpectator,
	}, nil
}

// LeaveRoom 把玩家移出所在房间。玩家不在任何房间时返回 nil。
// 房间没有玩家后立即删除，只剩观众也不能维持房间
func (rc *RoomCoordinator) LeaveRoom(playerID string) *dto.LeaveResult {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	code, ok := rc.playerRooms[playerID]
	if !ok {
		return nil
	}

	room := rc.rooms[code]
	if room == nil {
		delete(rc.playerRooms, playerID)
		zap.S().Warnf("玩家 %s 映射到不存在的房间 %s，已清除映射", playerID, code)
		return nil
	}

	result := &dto.LeaveResult{
		Code:     code,
		PlayerID: playerID,
	}

	var removed bool
	if room.Players, removed = removeByID(room.Players, playerID); !removed {
		room.Spectators, _ = removeByID(room.Spectators, playerID)
		result.WasSpectator = true
	}
	delete(rc.playerRooms, playerID)

	if len(room.Players) == 0 {
		result.Released = room.Members()
		rc.deleteRoomLocked(room)
		result.Closed = true

		zap.S().Infof("房间 %s 最后一名玩家 %s 离开，房间关闭", code, playerID)
		return result
	}

	if room.HostID == playerID {
		promoteHost(room)
		result.NewHostID = room.HostID

		zap.S().Infof("房间 %s 房主 %s 离开，%s 成为新房主", code, playerID, room.HostID)
	}

	room.LastActivity = rc.now()

	cp := room.Clone()
	result.Room = &cp

	zap.S().Infof("玩家 %s 离开房间 %s", playerID, code)

	return result
}

func (rc *RoomCoordinator) KickPlayer(code, requesterID, targetID string) (dto.KickResult, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	room := rc.rooms[code]
	if room == nil {
		return dto.KickResult{}, ErrRoomNotFound
	}

	if room.HostID != requesterID {
		return dto.KickResult{}, ErrPermissionDenied
	}

	if targetID == requesterID {
		return dto.KickResult{}, ErrInvalidTarget
	}

	target, ok := room.FindPlayer(targetID)
	if ok {
		room.Players, _ = removeByID(room.Players, targetID)
	} else if target, ok = room.FindSpectator(targetID); ok {
		room.Spectators, _ = removeByID(room.Spectators, targetID)
	} else {
		return dto.KickResult{}, ErrPlayerNotInRoom
	}

	delete(rc.playerRooms, targetID)
	room.LastActivity = rc.now()

	zap.S().Infof("房间 %s 房主 %s 踢出了 %s", code, requesterID, targetID)

	return dto.KickResult{Room: room.Clone(), Target: target}, nil
}

// StartGame 由房主发起，waiting -> playing
func (rc *RoomCoordinator) StartGame(code, requesterID string) (dto.Room, error) {
	return rc.hostTransition(code, requesterID, dto.STATE_PLAYING)
}

// EndGame 由房主发起，playing -> finished
func (rc *RoomCoordinator) EndGame(code, requesterID string) (dto.Room, error) {
	return rc.hostTransition(code, requesterID, dto.STATE_FINISHED)
}

func (rc *RoomCoordinator) hostTransition(code, requesterID string, next dto.RoomState) (dto.Room, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	room := rc.rooms[code]
	if room == nil {
		return dto.Room{}, ErrRoomNotFound
	}

	if room.HostID != requesterID {
		return dto.Room{}, ErrPermissionDenied
	}

	if err := rc.transitionLocked(room, next); err != nil {
		return dto.Room{}, err
	}

	return room.Clone(), nil
}

// UpdateRoomState 供外部驱动状态变化（例如游戏逻辑判定结束）
func (rc *RoomCoordinator) UpdateRoomState(code string, next dto.RoomState) (dto.Room, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	room := rc.rooms[code]
	if room == nil {
		return dto.Room{}, ErrRoomNotFound
	}

	if err := rc.transitionLocked(room, next); err != nil {
		return dto.Room{}, err
	}

	return room.Clone(), nil
}

func (rc *RoomCoordinator) transitionLocked(room *dto.Room, next dto.RoomState) error {
	if !next.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidState, next)
	}

	if !room.State.CanTransitionTo(next) {
		if room.State == dto.STATE_PLAYING && next == dto.STATE_PLAYING {
			return ErrGameInProgress
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, room.State, next)
	}

	prev := room.State
	room.State = next
	room.LastActivity = rc.now()

	zap.S().Infof("房间 %s 状态 %s -> %s", room.Code, prev, next)

	return nil
}

func (rc *RoomCoordinator) UpdateRoomSettings(code, requesterID string, settings dto.Settings) (dto.Room, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	room := rc.rooms[code]
	if room == nil {
		return dto.Room{}, ErrRoomNotFound
	}

	if room.HostID != requesterID {
		return dto.Room{}, ErrPermissionDenied
	}

	merged := room.Settings.Merge(settings)
	if err := validateSettings(merged); err != nil {
		return dto.Room{}, err
	}

	room.Settings = merged
	room.LastActivity = rc.now()

	zap.S().Debugf("房间 %s 设置已更新：%v", code, settings)

	return room.Clone(), nil
}

// UpdateGameData 浅合并游戏数据，同一个键后写者覆盖
func (rc *RoomCoordinator) UpdateGameData(code string, data map[string]any) (dto.Room, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	room := rc.rooms[code]
	if room == nil {
		return dto.Room{}, ErrRoomNotFound
	}

	rc.mergeGameDataLocked(room, data)

	return room.Clone(), nil
}

// UpdatePlayerGameData 由房间内的玩家写入游戏数据，成员和身份校验与合并在同一把锁内完成
func (rc *RoomCoordinator) UpdatePlayerGameData(code, requesterID string, data map[string]any) (dto.Room, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	room := rc.rooms[code]
	if room == nil {
		return dto.Room{}, ErrRoomNotFound
	}

	if _, ok := room.FindPlayer(requesterID); !ok {
		if _, ok := room.FindSpectator(requesterID); ok {
			return dto.Room{}, ErrPermissionDenied
		}
		return dto.Room{}, ErrPlayerNotInRoom
	}

	rc.mergeGameDataLocked(room, data)

	return room.Clone(), nil
}

func (rc *RoomCoordinator) mergeGameDataLocked(room *dto.Room, data map[string]any) {
	if room.GameData == nil {
		room.GameData = make(map[string]any, len(data))
	}
	maps.Copy(room.GameData, data)
	room.LastActivity = rc.now()
}

func (rc *RoomCoordinator) GetRoom(code string) (dto.Room, error) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	room := rc.rooms[code]
	if room == nil {
		return dto.Room{}, ErrRoomNotFound
	}

	return room.Clone(), nil
}

// PlayerRoom 返回玩家所在的房间号
func (rc *RoomCoordinator) PlayerRoom(playerID string) (string, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	code, ok := rc.playerRooms[playerID]
	return code, ok
}

// ListPublicRooms 列出还在等待中的公开房间，按创建时间排序
func (rc *RoomCoordinator) ListPublicRooms() []dto.RoomSummary {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	rooms := make([]*dto.Room, 0, len(rc.rooms))
	for _, room := range rc.rooms {
		if room.State == dto.STATE_WAITING && !room.Settings.IsPrivate() {
			rooms = append(rooms, room)
		}
	}

	slices.SortFunc(rooms, func(a, b *dto.Room) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	summaries := make([]dto.RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		summaries = append(summaries, room.Summary())
	}

	return summaries
}

// CleanupInactiveRooms 删除 lastActivity 早于 now-maxAge 的房间，返回删除数量
func (rc *RoomCoordinator) CleanupInactiveRooms(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DEFAULT_ROOM_MAX_IDLE
	}

	rc.mu.Lock()

	now := rc.now()
	evicted := make([]dto.Room, 0)

	for code, room := range rc.rooms {
		if !isRoomStale(room, now, maxAge) {
			continue
		}

		zap.S().Infof("房间 %s 超过 %s 无活动，开始清理", code, maxAge)

		evicted = append(evicted, room.Clone())
		rc.deleteRoomLocked(room)
	}

	rc.mu.Unlock()

	if rc.onEvict != nil {
		for _, room := range evicted {
			rc.onEvict(room)
		}
	}

	return len(evicted)
}

func (rc *RoomCoordinator) GetStats() dto.Stats {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	stats := dto.Stats{
		TotalRooms: len(rc.rooms),
		RoomsByState: map[dto.RoomState]int{
			dto.STATE_WAITING:  0,
			dto.STATE_PLAYING:  0,
			dto.STATE_FINISHED: 0,
		},
	}

	for _, room := range rc.rooms {
		stats.RoomsByState[room.State]++
		stats.TotalPlayers += len(room.Players)
		stats.TotalSpectators += len(room.Spectators)
	}

	return stats
}

// deleteRoomLocked 删除房间并释放其中所有参与者的映射，调用方需持有写锁
func (rc *RoomCoordinator) deleteRoomLocked(room *dto.Room) {
	for _, id := range room.Members() {
		if rc.playerRooms[id] == room.Code {
			delete(rc.playerRooms, id)
		}
	}

	delete(rc.rooms, room.Code)
}

// promoteHost 把最早加入的剩余玩家提升为房主
func promoteHost(room *dto.Room) {
	room.Players[0].Role = dto.ROLE_HOST
	room.HostID = room.Players[0].ID
}

func validateSettings(s dto.Settings) error {
	if v, ok := s[dto.SETTING_MAX_PLAYERS]; ok {
		switch n := v.(type) {
		case int, int64, float64:
			if s.MaxPlayers() < 1 {
				return fmt.Errorf("%w: maxPlayers must be at least 1, got %v", ErrInvalidSettings, n)
			}
		default:
			return fmt.Errorf("%w: maxPlayers must be a number", ErrInvalidSettings)
		}
	}

	for _, key := range []string{dto.SETTING_ALLOW_SPECTATORS, dto.SETTING_IS_PRIVATE} {
		if v, ok := s[key]; ok {
			if _, isBool := v.(bool); !isBool {
				return fmt.Errorf("%w: %s must be a boolean", ErrInvalidSettings, key)
			}
		}
	}

	return nil
}
