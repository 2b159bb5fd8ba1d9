package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"party-room-be/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// echoServer 记录收到的消息，并允许测试主动推送或断开连接
type echoServer struct {
	t   *testing.T
	srv *httptest.Server

	// 置位后拒绝新的握手
	reject atomic.Bool

	mu         sync.Mutex
	greeting   []byte // 非空时在握手完成后立即推送
	conns      []*websocket.Conn
	received   []protocol.Envelope
	closeCodes []int
	writeMu    sync.Mutex
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()

	es := &echoServer{t: t}
	upgrader := websocket.Upgrader{}

	es.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if es.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		es.mu.Lock()
		es.conns = append(es.conns, conn)
		greeting := es.greeting
		es.mu.Unlock()

		if greeting != nil {
			es.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, greeting)
			es.writeMu.Unlock()
			if err != nil {
				return
			}
		}

		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					es.mu.Lock()
					es.closeCodes = append(es.closeCodes, closeErr.Code)
					es.mu.Unlock()
				}
				return
			}

			env, err := protocol.Decode(frame)
			if err != nil {
				continue
			}

			es.mu.Lock()
			es.received = append(es.received, env)
			es.mu.Unlock()
		}
	}))

	t.Cleanup(es.close)

	return es
}

func (es *echoServer) URL() string {
	return "ws" + strings.TrimPrefix(es.srv.URL, "http")
}

func (es *echoServer) close() {
	es.mu.Lock()
	for _, c := range es.conns {
		_ = c.Close()
	}
	es.mu.Unlock()

	es.srv.Close()
}

func (es *echoServer) connCount() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.conns)
}

func (es *echoServer) lastConn() *websocket.Conn {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.conns[len(es.conns)-1]
}

// dropLast 不发关闭帧，直接断开最近的连接，模拟网络中断
func (es *echoServer) dropLast() {
	_ = es.lastConn().Close()
}

func (es *echoServer) push(msgType string, data any) {
	es.t.Helper()

	frame, err := protocol.Encode(msgType, data)
	require.NoError(es.t, err)
	es.pushRaw(frame)
}

func (es *echoServer) pushRaw(frame []byte) {
	es.t.Helper()

	es.writeMu.Lock()
	defer es.writeMu.Unlock()
	require.NoError(es.t, es.lastConn().WriteMessage(websocket.TextMessage, frame))
}

// typesReceived 返回除心跳外收到的消息类型
func (es *echoServer) typesReceived() []string {
	es.mu.Lock()
	defer es.mu.Unlock()

	types := make([]string, 0, len(es.received))
	for _, env := range es.received {
		if env.Type != protocol.REQ_HEARTBEAT {
			types = append(types, env.Type)
		}
	}
	return types
}

func (es *echoServer) heartbeats() int {
	es.mu.Lock()
	defer es.mu.Unlock()

	n := 0
	for _, env := range es.received {
		if env.Type == protocol.REQ_HEARTBEAT {
			n++
		}
	}
	return n
}

func (es *echoServer) closeCodesSeen() []int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return append([]int(nil), es.closeCodes...)
}

// countingDialer 统计拨号次数
type countingDialer struct {
	inner Dialer
	dials atomic.Int32
}

func (d *countingDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	d.dials.Add(1)
	return d.inner.Dial(ctx, url, header)
}
