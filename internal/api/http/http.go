package http

import (
	"context"
	"time"

	"party-room-be/internal/api/http/websocket"
	"party-room-be/internal/state"

	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/recover"
	"go.uber.org/zap"
)

// 关闭服务器时等待在途请求的最长时间
const SHUTDOWN_TIMEOUT = 5 * time.Second

func NewApp(appState *state.AppState) *iris.Application {
	app := iris.New()
	app.Logger().SetLevel(appState.Cfg.LogLevel)
	app.UseRouter(recover.New())

	app.Get("/healthz", Health())

	api := app.Party("/api/v1")

	api.Get("/ws", websocket.ServeSession(appState))

	api.Get("/rooms", ListRooms(appState))
	api.Get("/rooms/{code:string}", GetRoom(appState))
	api.Get("/stats", GetStats(appState))

	return app
}

// RunServer 阻塞直到 ctx 结束，随后优雅关闭
func RunServer(ctx context.Context, appState *state.AppState) error {
	app := NewApp(appState)

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
		defer cancel()

		if err := app.Shutdown(shutdownCtx); err != nil {
			zap.L().Error("关闭HTTP服务器失败", zap.Error(err))
		}
	}()

	addr := appState.Cfg.Addr()
	zap.L().Info("HTTP服务器启动", zap.String("addr", addr))

	return app.Listen(
		addr,
		iris.WithoutInterruptHandler,
		iris.WithoutServerError(iris.ErrServerClosed),
		iris.WithoutStartupLog,
	)
}
