package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const ENV_PREFIX = "PARTY"

type AppConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Room      RoomConfig      `mapstructure:"room"`
	Websocket WebsocketConfig `mapstructure:"websocket"`
}

type RoomConfig struct {
	// 房间无活动超过该时长即被清理
	MaxIdle         time.Duration `mapstructure:"max_idle"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type WebsocketConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	// 每个连接每秒允许的消息数和突发上限
	MessageRate  float64 `mapstructure:"message_rate"`
	MessageBurst int     `mapstructure:"message_burst"`
	SendBuffer   int     `mapstructure:"send_buffer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	v.SetDefault("room.max_idle", "1h")
	v.SetDefault("room.cleanup_interval", "5m")

	v.SetDefault("websocket.heartbeat_interval", "30s")
	v.SetDefault("websocket.heartbeat_timeout", "45s")
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.message_rate", 20)
	v.SetDefault("websocket.message_burst", 40)
	v.SetDefault("websocket.send_buffer", 64)
}

// Flags 返回服务端支持的命令行参数
func Flags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("party-room-be", pflag.ContinueOnError)

	flags.String("config", "app_config.json", "配置文件路径")
	flags.String("log-level", "", "日志级别 (debug|info|warn|error)")
	flags.Int("port", 0, "监听端口")

	return flags
}

// InitConfig 依次读取默认值、配置文件、PARTY_ 前缀的环境变量和命令行参数，后者覆盖前者。
// 配置文件不存在时只使用默认值，内容有误则直接 panic
func InitConfig(flags *pflag.FlagSet) *AppConfig {
	v := viper.New()
	setDefaults(v)

	path := "app_config.json"
	if flags != nil {
		if p, err := flags.GetString("config"); err == nil && p != "" {
			path = p
		}
	}

	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			panic(fmt.Errorf("加载配置失败: %w", err))
		}
	}

	v.SetEnvPrefix(ENV_PREFIX)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		bindFlag(v, flags, "log_level", "log-level")
		bindFlag(v, flags, "port", "port")
	}

	var config AppConfig

	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("解析配置失败: %w", err))
	}

	if err := config.Validate(); err != nil {
		panic(fmt.Errorf("配置无效: %w", err))
	}

	return &config
}

// 只有显式传入的参数才覆盖配置文件
func bindFlag(v *viper.Viper, flags *pflag.FlagSet, key, name string) {
	flag := flags.Lookup(name)
	if flag == nil || !flag.Changed {
		return
	}

	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Errorf("绑定命令行参数 %s 失败: %w", name, err))
	}
}

func (c *AppConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port 超出范围: %d", c.Port)
	}
	if c.Websocket.HeartbeatTimeout <= c.Websocket.HeartbeatInterval {
		return fmt.Errorf(
			"heartbeat_timeout (%s) 必须大于 heartbeat_interval (%s)",
			c.Websocket.HeartbeatTimeout,
			c.Websocket.HeartbeatInterval,
		)
	}
	if c.Room.CleanupInterval <= 0 || c.Room.MaxIdle <= 0 {
		return fmt.Errorf("room.cleanup_interval 和 room.max_idle 必须为正")
	}
	if c.Websocket.MessageRate <= 0 || c.Websocket.MessageBurst <= 0 {
		return fmt.Errorf("websocket.message_rate 和 websocket.message_burst 必须为正")
	}
	if c.Websocket.SendBuffer <= 0 {
		return fmt.Errorf("websocket.send_buffer 必须为正")
	}

	return nil
}

func (c *AppConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
