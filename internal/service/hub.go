package service

import (
	"sync"

	"party-room-be/internal/protocol"
	"party-room-be/internal/service/dto"

	"go.uber.org/zap"
)

// Mailbox 是一个在线玩家的出站缓冲，由连接的写协程消费。
// 通道本身从不关闭，消费方通过 Done 得知会话结束
type Mailbox struct {
	PlayerID string

	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func NewMailbox(playerID string, size int) *Mailbox {
	return &Mailbox{
		PlayerID: playerID,
		ch:       make(chan []byte, size),
		done:     make(chan struct{}),
	}
}

func (m *Mailbox) C() <-chan []byte {
	return m.ch
}

func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}

func (m *Mailbox) Close() {
	m.once.Do(func() { close(m.done) })
}

// deliver 不阻塞，缓冲已满或会话已结束时丢弃
func (m *Mailbox) deliver(frame []byte) bool {
	select {
	case <-m.done:
		return false
	default:
	}

	select {
	case m.ch <- frame:
		return true
	default:
		return false
	}
}

// Hub 按玩家 ID 路由服务端事件
type Hub struct {
	mu    sync.RWMutex
	boxes map[string]*Mailbox
}

func NewHub() *Hub {
	return &Hub{
		boxes: make(map[string]*Mailbox),
	}
}

func (h *Hub) Register(m *Mailbox) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.boxes[m.PlayerID]; ok && old != m {
		old.Close()
	}
	h.boxes[m.PlayerID] = m
}

// Unregister 只移除同一个 Mailbox，避免误删同 ID 的新会话
func (h *Hub) Unregister(m *Mailbox) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.boxes[m.PlayerID] == m {
		delete(h.boxes, m.PlayerID)
	}
}

func (h *Hub) Online() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.boxes)
}

func (h *Hub) Unicast(playerID, msgType string, data any) {
	frame, err := protocol.Encode(msgType, data)
	if err != nil {
		zap.L().Error("编码单播消息失败", zap.String("type", msgType), zap.Error(err))
		return
	}

	h.mu.RLock()
	box, ok := h.boxes[playerID]
	h.mu.RUnlock()

	if !ok {
		zap.L().Warn(
			"无法找到玩家进行单播",
			zap.String("player_id", playerID),
			zap.String("type", msgType),
		)
		return
	}

	if !box.deliver(frame) {
		zap.L().Warn(
			"发送单播消息失败：玩家出站缓冲已满",
			zap.String("player_id", playerID),
			zap.String("type", msgType),
		)
		return
	}

	zap.L().Debug(
		"发送单播消息成功",
		zap.String("player_id", playerID),
		zap.String("type", msgType),
	)
}

// Broadcast 发给 members 中除 except 以外的在线玩家，消息只编码一次
func (h *Hub) Broadcast(members []string, msgType string, data any, except string) {
	frame, err := protocol.Encode(msgType, data)
	if err != nil {
		zap.L().Error("编码广播消息失败", zap.String("type", msgType), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, id := range members {
		if id == except {
			continue
		}

		box, ok := h.boxes[id]
		if !ok {
			continue
		}

		if !box.deliver(frame) {
			zap.L().Warn(
				"发送广播消息失败：玩家出站缓冲已满",
				zap.String("player_id", id),
				zap.String("type", msgType),
			)
		}
	}
}

// NotifyRoomClosed 作为房间清理回调，通知房间内所有参与者
func (h *Hub) NotifyRoomClosed(room dto.Room) {
	h.Broadcast(room.Members(), protocol.EVT_ROOM_CLOSED, protocol.RoomClosedEvent{
		Code:   room.Code,
		Reason: protocol.CLOSE_REASON_INACTIVE,
	}, "")
}
