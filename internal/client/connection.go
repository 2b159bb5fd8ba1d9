package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"party-room-be/internal/protocol"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// 通配符订阅会收到所有入站消息
const WILDCARD = "*"

// 本地生命周期事件，不经过网络，和服务端事件走同一套订阅
const (
	EVT_CONNECTION_OPEN  = "connection_open"
	EVT_CONNECTION_LOST  = "connection_lost"
	EVT_RECONNECT_FAILED = "reconnect_failed"
)

const (
	DEFAULT_RECONNECT_DELAY        = 3 * time.Second
	DEFAULT_MAX_RECONNECT_ATTEMPTS = 5
	DEFAULT_HEARTBEAT_INTERVAL     = 30 * time.Second
	DEFAULT_WRITE_TIMEOUT          = 10 * time.Second
	DEFAULT_DIAL_TIMEOUT           = 10 * time.Second
)

var ErrConnectFailed = errors.New("connect failed")

type Handler func(env protocol.Envelope)

// Subscription 是 On 返回的句柄，传给 Off 取消订阅
type Subscription struct {
	eventType string
	id        uint64
}

type Options struct {
	URL    string
	Header http.Header
	Dialer Dialer

	ReconnectDelay time.Duration
	// 小于 0 表示不自动重连
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	WriteTimeout         time.Duration
	DialTimeout          time.Duration
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{}
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DEFAULT_RECONNECT_DELAY
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = DEFAULT_MAX_RECONNECT_ATTEMPTS
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DEFAULT_HEARTBEAT_INTERVAL
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DEFAULT_WRITE_TIMEOUT
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DEFAULT_DIAL_TIMEOUT
	}

	return o
}

type listener struct {
	id uint64
	fn Handler
}

// ConnectionManager 维护到会话服务器的一条逻辑连接：
// 断线自动重连（有次数上限）、定时心跳、断线期间的发送队列和按类型分发入站消息。
// 出站写入在 mu 内串行化，入站分发在读协程里独立进行
type ConnectionManager struct {
	opts Options

	// 串行化建连，避免用户 Connect 和自动重连同时拨号
	connectMu sync.Mutex

	mu                sync.Mutex
	conn              Transport
	connected         bool
	closedByUser      bool
	gen               uint64
	reconnectAttempts int
	queue             [][]byte
	reconnectTimer    *time.Timer
	heartbeatStop     chan struct{}

	listenersMu sync.RWMutex
	listeners   map[string][]listener
	nextID      uint64
}

func NewConnectionManager(opts Options) *ConnectionManager {
	return &ConnectionManager{
		opts:      opts.withDefaults(),
		listeners: make(map[string][]listener),
	}
}

// Connect 阻塞直到连接建立或失败。成功后重置重连计数、启动心跳并按序发出排队的消息
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	cm.closedByUser = false
	cm.stopReconnectLocked()
	cm.mu.Unlock()

	return cm.establish(ctx)
}

func (cm *ConnectionManager) establish(ctx context.Context) error {
	cm.connectMu.Lock()
	defer cm.connectMu.Unlock()

	cm.mu.Lock()
	if cm.connected {
		cm.mu.Unlock()
		return nil
	}
	if cm.closedByUser {
		cm.mu.Unlock()
		return fmt.Errorf("%w: connection closed by caller", ErrConnectFailed)
	}
	cm.mu.Unlock()

	conn, err := cm.opts.Dialer.Dial(ctx, cm.opts.URL, cm.opts.Header)
	if err != nil {
		zap.L().Warn(
			"连接会话服务器失败",
			zap.String("url", cm.opts.URL),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	cm.mu.Lock()

	// 握手期间调用方已经 Disconnect
	if cm.closedByUser {
		cm.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: connection closed by caller", ErrConnectFailed)
	}

	cm.gen++
	gen := cm.gen

	cm.conn = conn
	cm.connected = true
	cm.reconnectAttempts = 0

	cm.startHeartbeatLocked(gen)
	flushed := cm.flushLocked()

	cm.mu.Unlock()

	zap.L().Info(
		"已连接会话服务器",
		zap.String("url", cm.opts.URL),
		zap.Int("flushed", flushed),
	)

	// connection_open 先于任何入站消息分发
	cm.dispatch(protocol.Envelope{Type: EVT_CONNECTION_OPEN})

	go cm.readLoop(conn, gen)

	return nil
}

// Disconnect 以正常关闭码断开连接，同时取消心跳和等待中的重连。可重复调用
func (cm *ConnectionManager) Disconnect() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.closedByUser = true
	cm.stopReconnectLocked()
	cm.stopHeartbeatLocked()

	// 让旧连接的读协程退出时不再触发重连
	cm.gen++

	if cm.conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		_ = cm.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = cm.conn.Close()
		cm.conn = nil

		zap.L().Info("已断开会话服务器", zap.String("url", cm.opts.URL))
	}

	cm.connected = false
}

// Send 在已连接时立即发送，否则进入队列，连接建立后按调用顺序发出。
// 只有序列化失败会返回错误
func (cm *ConnectionManager) Send(msgType string, data any) error {
	frame, err := protocol.Encode(msgType, data)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.connected {
		cm.queue = append(cm.queue, frame)
		zap.L().Debug(
			"未连接，消息进入发送队列",
			zap.String("type", msgType),
			zap.Int("queued", len(cm.queue)),
		)
		return nil
	}

	if err := cm.writeLocked(frame); err != nil {
		// 写失败的消息放回队列，等重连后再发
		cm.queue = append(cm.queue, frame)
		cm.failLocked(err)
	}

	return nil
}

func (cm *ConnectionManager) On(eventType string, fn Handler) Subscription {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	cm.nextID++
	cm.listeners[eventType] = append(cm.listeners[eventType], listener{id: cm.nextID, fn: fn})

	return Subscription{eventType: eventType, id: cm.nextID}
}

func (cm *ConnectionManager) Off(sub Subscription) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	list := cm.listeners[sub.eventType]
	idx := slices.IndexFunc(list, func(l listener) bool { return l.id == sub.id })
	if idx < 0 {
		return
	}

	list = slices.Delete(slices.Clone(list), idx, idx+1)
	if len(list) == 0 {
		delete(cm.listeners, sub.eventType)
		return
	}
	cm.listeners[sub.eventType] = list
}

func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.connected
}

func (cm *ConnectionManager) ReconnectAttempts() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.reconnectAttempts
}

func (cm *ConnectionManager) QueueLen() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.queue)
}

func (cm *ConnectionManager) readLoop(conn Transport, gen uint64) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			cm.handleDrop(gen, err)
			return
		}

		env, err := protocol.Decode(frame)
		if err != nil {
			zap.L().Warn("丢弃格式错误的消息", zap.Error(err))
			continue
		}

		cm.dispatch(env)
	}
}

// dispatch 先通知该类型的订阅者，再通知通配符订阅者。回调在锁外执行
func (cm *ConnectionManager) dispatch(env protocol.Envelope) {
	cm.listenersMu.RLock()
	typed := slices.Clone(cm.listeners[env.Type])
	var wildcard []listener
	if env.Type != WILDCARD {
		wildcard = slices.Clone(cm.listeners[WILDCARD])
	}
	cm.listenersMu.RUnlock()

	for _, l := range typed {
		l.fn(env)
	}
	for _, l := range wildcard {
		l.fn(env)
	}
}

func (cm *ConnectionManager) handleDrop(gen uint64, cause error) {
	cm.mu.Lock()

	// 过期的读协程，或者是调用方主动断开
	if gen != cm.gen || cm.closedByUser {
		cm.mu.Unlock()
		return
	}

	cm.connected = false
	cm.stopHeartbeatLocked()
	if cm.conn != nil {
		_ = cm.conn.Close()
		cm.conn = nil
	}

	scheduled := cm.scheduleReconnectLocked()
	attempts := cm.reconnectAttempts

	cm.mu.Unlock()

	zap.L().Warn(
		"与会话服务器的连接中断",
		zap.String("url", cm.opts.URL),
		zap.Int("reconnect_attempts", attempts),
		zap.Error(cause),
	)

	cm.dispatch(protocol.Envelope{Type: EVT_CONNECTION_LOST})
	if !scheduled {
		cm.dispatch(protocol.Envelope{Type: EVT_RECONNECT_FAILED})
	}
}

// scheduleReconnectLocked 达到次数上限时返回 false，此后只能由调用方再次 Connect
func (cm *ConnectionManager) scheduleReconnectLocked() bool {
	if cm.reconnectAttempts >= cm.opts.MaxReconnectAttempts {
		zap.L().Error(
			"重连次数已用尽，放弃自动重连",
			zap.String("url", cm.opts.URL),
			zap.Int("max_attempts", cm.opts.MaxReconnectAttempts),
		)
		return false
	}

	cm.reconnectAttempts++
	cm.reconnectTimer = time.AfterFunc(cm.opts.ReconnectDelay, cm.reconnect)

	return true
}

func (cm *ConnectionManager) reconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), cm.opts.DialTimeout)
	defer cancel()

	if err := cm.establish(ctx); err == nil {
		return
	}

	cm.mu.Lock()
	if cm.closedByUser || cm.connected {
		cm.mu.Unlock()
		return
	}
	scheduled := cm.scheduleReconnectLocked()
	cm.mu.Unlock()

	if !scheduled {
		cm.dispatch(protocol.Envelope{Type: EVT_RECONNECT_FAILED})
	}
}

func (cm *ConnectionManager) stopReconnectLocked() {
	if cm.reconnectTimer != nil {
		cm.reconnectTimer.Stop()
		cm.reconnectTimer = nil
	}
}

func (cm *ConnectionManager) startHeartbeatLocked(gen uint64) {
	stop := make(chan struct{})
	cm.heartbeatStop = stop

	go func() {
		ticker := time.NewTicker(cm.opts.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				cm.sendHeartbeat(gen)
			}
		}
	}()
}

func (cm *ConnectionManager) stopHeartbeatLocked() {
	if cm.heartbeatStop != nil {
		close(cm.heartbeatStop)
		cm.heartbeatStop = nil
	}
}

// 心跳不进队列，断线期间的心跳没有意义
func (cm *ConnectionManager) sendHeartbeat(gen uint64) {
	frame, err := protocol.Encode(protocol.REQ_HEARTBEAT, protocol.Heartbeat{Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.connected || gen != cm.gen {
		return
	}

	if err := cm.writeLocked(frame); err != nil {
		cm.failLocked(err)
		return
	}

	zap.L().Debug("发送心跳", zap.String("url", cm.opts.URL))
}

// flushLocked 按 FIFO 发出排队消息，写失败时保留剩余部分
func (cm *ConnectionManager) flushLocked() int {
	sent := 0
	for len(cm.queue) > 0 {
		if err := cm.writeLocked(cm.queue[0]); err != nil {
			cm.failLocked(err)
			break
		}
		cm.queue = cm.queue[1:]
		sent++
	}

	if len(cm.queue) == 0 {
		cm.queue = nil
	}

	return sent
}

func (cm *ConnectionManager) writeLocked(frame []byte) error {
	_ = cm.conn.SetWriteDeadline(time.Now().Add(cm.opts.WriteTimeout))
	return cm.conn.WriteMessage(websocket.TextMessage, frame)
}

// failLocked 写失败后关闭底层连接，后续由读协程走断线重连流程
func (cm *ConnectionManager) failLocked(cause error) {
	zap.L().Warn("写入会话服务器失败", zap.Error(cause))

	cm.connected = false
	cm.stopHeartbeatLocked()
	if cm.conn != nil {
		_ = cm.conn.Close()
		cm.conn = nil
	}
}
