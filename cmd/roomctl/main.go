// roomctl 是一个命令行客户端，用于联调会话服务器：
// 创建或加入房间，并把本地房间快照和玩家记录的每次变化打印为一行 JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"party-room-be/internal/client"
	"party-room-be/internal/logger"
	"party-room-be/internal/protocol"
	"party-room-be/internal/service/dto"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type options struct {
	url        string
	name       string
	create     string
	join       string
	maxPlayers int
	private    bool
	start      bool
	logLevel   string
}

func parseFlags(args []string) (options, error) {
	var opts options

	flags := pflag.NewFlagSet("roomctl", pflag.ContinueOnError)
	flags.StringVar(&opts.url, "url", "ws://127.0.0.1:8080/api/v1/ws", "会话服务器地址")
	flags.StringVar(&opts.name, "name", "roomctl", "玩家昵称")
	flags.StringVar(&opts.create, "create", "", "以该游戏类型创建房间")
	flags.StringVar(&opts.join, "join", "", "加入指定房间号")
	flags.IntVar(&opts.maxPlayers, "max-players", 0, "创建房间时的人数上限")
	flags.BoolVar(&opts.private, "private", false, "创建私密房间")
	flags.BoolVar(&opts.start, "start", false, "房间满员后立即开始游戏（仅房主）")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "日志级别")

	if err := flags.Parse(args); err != nil {
		return opts, err
	}

	if (opts.create == "") == (opts.join == "") {
		return opts, errors.New("必须且只能指定 --create 或 --join 之一")
	}

	return opts, nil
}

func (o options) settings() dto.Settings {
	settings := dto.Settings{}
	if o.maxPlayers > 0 {
		settings[dto.SETTING_MAX_PLAYERS] = o.maxPlayers
	}
	if o.private {
		settings[dto.SETTING_IS_PRIVATE] = true
	}

	return settings
}

// 每行输出的内容
type frame struct {
	View   client.RoomView             `json:"view"`
	Player *client.PlayerStateSnapshot `json:"player,omitempty"`
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	syncLogger := logger.InitLogger(opts.logLevel, logger.FORMAT_CONSOLE)
	defer syncLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		zap.L().Error("roomctl 退出", zap.Error(err))
		syncLogger()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	cm := client.NewConnectionManager(client.Options{URL: opts.url})

	// 快照回调可能来自读协程，也可能来自发起请求的协程
	var (
		mu      sync.Mutex
		enc     = json.NewEncoder(os.Stdout)
		self    = newParticipant(opts.name)
		started bool
	)

	var binding *client.SessionBinding
	binding = client.NewSessionBinding(cm, func(v client.RoomView) {
		mu.Lock()
		_ = enc.Encode(frame{View: v, Player: self.observe(v)})
		shouldStart := opts.start && !started && v.IsHost &&
			v.RoomState == dto.STATE_WAITING && len(v.Players) >= v.GameSettings.MaxPlayers()
		if shouldStart {
			started = true
		}
		mu.Unlock()

		if shouldStart {
			if err := binding.StartGame(); err != nil {
				zap.L().Warn("开始游戏失败", zap.Error(err))
			}
		}
	})
	binding.Mount()
	defer binding.Close()

	cm.On(client.EVT_RECONNECT_FAILED, func(_ protocol.Envelope) {
		zap.L().Error("已放弃重连，按 Ctrl+C 退出")
	})

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := cm.Connect(dialCtx); err != nil {
		return err
	}
	defer cm.Disconnect()

	if opts.create != "" {
		err := binding.CreateRoom(opts.create, opts.name, opts.settings())
		if err != nil {
			return err
		}
	} else {
		if err := binding.JoinRoom(opts.join, opts.name); err != nil {
			return err
		}
	}

	<-ctx.Done()

	if binding.Snapshot().InRoom() {
		_ = binding.LeaveRoom()
	}

	return nil
}
