package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FORMAT_CONSOLE = "console"
	FORMAT_JSON    = "json"
)

func parseLevel(logLevel string) zapcore.Level {
	switch logLevel {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// NewLogger 按格式构建日志器：console 使用开发配置，json 使用生产配置
func NewLogger(logLevel, format string) (*zap.Logger, error) {
	var cfg zap.Config

	switch format {
	case FORMAT_JSON:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		cfg = zap.NewDevelopmentConfig()
	}

	cfg.Level.SetLevel(parseLevel(logLevel))

	return cfg.Build()
}

// InitLogger 构建日志器并替换全局日志器，返回的函数用于退出前刷新缓冲
func InitLogger(logLevel, format string) func() {
	lgr, err := NewLogger(logLevel, format)
	if err != nil {
		panic(fmt.Errorf("构建日志器失败: %w", err))
	}

	undo := zap.ReplaceGlobals(lgr)

	return func() {
		_ = lgr.Sync()
		undo()
	}
}
