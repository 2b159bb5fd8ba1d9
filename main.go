package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"party-room-be/internal/api/http"
	"party-room-be/internal/config"
	"party-room-be/internal/logger"
	"party-room-be/internal/state"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	flags := config.Flags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// 加载配置
	cfg := config.InitConfig(flags)

	// 初始化日志器
	syncLogger := logger.InitLogger(cfg.LogLevel, cfg.LogFormat)
	defer syncLogger()

	// 组装应用状态
	appState := state.NewAppState(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// 启动服务器
	g.Go(func() error {
		return http.RunServer(ctx, appState)
	})

	// 定期清理无活动房间
	g.Go(func() error {
		return appState.Rooms.RunCleanupLoop(ctx, cfg.Room.CleanupInterval, cfg.Room.MaxIdle)
	})

	if err := g.Wait(); err != nil {
		zap.L().Error("服务异常退出", zap.Error(err))
		syncLogger()
		os.Exit(1)
	}

	zap.L().Info("服务已退出")
}
