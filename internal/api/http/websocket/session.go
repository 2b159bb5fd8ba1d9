package websocket

import (
	"time"

	"party-room-be/internal/protocol"
	"party-room-be/internal/service"
	"party-room-be/internal/state"

	"github.com/gorilla/websocket"
	"github.com/kataras/iris/v12"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// session 是一条已升级的连接，对应一个服务端分配 ID 的玩家
type session struct {
	app      *state.AppState
	box      *service.Mailbox
	playerID string
	clientIP string
	limiter  *rate.Limiter
}

func newSession(appState *state.AppState, playerID, clientIP string) *session {
	wsCfg := appState.Cfg.Websocket

	return &session{
		app:      appState,
		box:      service.NewMailbox(playerID, wsCfg.SendBuffer),
		playerID: playerID,
		clientIP: clientIP,
		limiter:  rate.NewLimiter(rate.Limit(wsCfg.MessageRate), wsCfg.MessageBurst),
	}
}

// ServeSession 升级连接并驱动一个玩家会话：
// 写协程负责出站消息和 ping，主协程读取请求并交给房间协调器。
// 读超时到期或连接断开时，玩家按主动离开处理
func ServeSession(appState *state.AppState) iris.Handler {
	wsCfg := appState.Cfg.Websocket

	return func(ctx iris.Context) {
		conn, err := upgrader.Upgrade(
			ctx.ResponseWriter(),
			ctx.Request(),
			nil,
		)
		if err != nil {
			zap.L().Error("升级到WebSocket失败", zap.Error(err))
			ctx.StatusCode(iris.StatusBadRequest)
			return
		}

		defer conn.Close()

		conn.SetReadLimit(MAX_MESSAGE_SIZE)
		conn.SetReadDeadline(time.Now().Add(wsCfg.HeartbeatTimeout))
		conn.SetPongHandler(heartbeatHandler(conn, wsCfg.HeartbeatTimeout))

		s := newSession(appState, service.GenPlayerID(), ctx.RemoteAddr())
		appState.Hub.Register(s.box)

		zap.L().Info(
			"玩家建立连接",
			zap.String("client_ip", s.clientIP),
			zap.String("player_id", s.playerID),
		)

		writeDoneCh := make(chan struct{})
		go func() {
			defer close(writeDoneCh)
			s.writeLoop(conn, wsCfg.HeartbeatInterval, wsCfg.WriteTimeout)
		}()

		appState.Hub.Unicast(s.playerID, protocol.EVT_WELCOME, protocol.Welcome{PlayerID: s.playerID})

		s.readLoop(conn, wsCfg.HeartbeatTimeout)

		// 读循环退出，表示客户端断开或心跳超时
		if res := appState.Rooms.LeaveRoom(s.playerID); res != nil {
			zap.L().Info(
				"连接断开，玩家离开房间",
				zap.String("player_id", s.playerID),
				zap.String("room_code", res.Code),
			)
			s.announceLeave(res)
		}

		appState.Hub.Unregister(s.box)
		s.box.Close()
		<-writeDoneCh

		zap.L().Info(
			"WebSocket连接处理完成",
			zap.String("client_ip", s.clientIP),
			zap.String("player_id", s.playerID),
		)
	}
}

func (s *session) readLoop(conn *websocket.Conn, timeout time.Duration) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
			) {
				zap.L().Error(
					"读取消息失败",
					zap.String("client_ip", s.clientIP),
					zap.String("player_id", s.playerID),
					zap.Error(err),
				)
			}

			return
		}

		// 任何入站消息都视为存活
		conn.SetReadDeadline(time.Now().Add(timeout))

		env, err := protocol.Decode(msg)
		if err != nil {
			zap.L().Warn(
				"解析消息失败",
				zap.String("player_id", s.playerID),
				zap.Error(err),
			)
			s.replyError(protocol.RoomError{
				Code:    protocol.ERR_INVALID_REQUEST,
				Message: "无效的请求格式",
			})
			continue
		}

		s.handle(env)
	}
}

func (s *session) writeLoop(conn *websocket.Conn, pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.box.Done():
			zap.L().Debug(
				"WebSocket写入协程退出",
				zap.String("player_id", s.playerID),
			)
			return

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))

			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				zap.L().Error(
					"发送心跳失败",
					zap.String("player_id", s.playerID),
					zap.Error(err),
				)
				_ = conn.Close()
				return
			}

		case frame := <-s.box.C():
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))

			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				zap.L().Error(
					"发送消息失败",
					zap.String("player_id", s.playerID),
					zap.Error(err),
				)
				// 关闭连接让读循环退出并走离开流程
				_ = conn.Close()
				return
			}
		}
	}
}
