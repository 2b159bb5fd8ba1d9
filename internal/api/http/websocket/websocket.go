package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// NOTE: 暂时允许所有来源
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// 单条入站消息的大小上限
const MAX_MESSAGE_SIZE = 64 * 1024

// 收到 pong 后顺延读超时
var heartbeatHandler = func(conn *websocket.Conn, timeout time.Duration) func(string) error {
	return func(string) error {
		return conn.SetReadDeadline(time.Now().Add(timeout))
	}
}
