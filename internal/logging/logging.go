// Package logging 构造全局使用的 zap 日志器
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	jiterrors "github.com/tangzhangming/tierjit/internal/errors"
)

// Config 日志配置
type Config struct {
	Level       string `toml:"level" yaml:"level"`             // debug, info, warn, error
	Development bool   `toml:"development" yaml:"development"` // 人类可读输出
	Encoding    string `toml:"encoding" yaml:"encoding"`       // json 或 console，空表示按模式选择
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{Level: "info"}
}

// ParseLevel 解析日志级别，空串视为 info
func ParseLevel(s string) (zapcore.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return lvl, jiterrors.InvalidConfig("unknown log level %q", s)
	}
	return lvl, nil
}

// New 按配置创建日志器
func New(cfg Config) (*zap.Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	switch cfg.Encoding {
	case "":
	case "json", "console":
		zc.Encoding = cfg.Encoding
	default:
		return nil, jiterrors.InvalidConfig("unknown log encoding %q", cfg.Encoding)
	}
	return zc.Build()
}

// OrNop nil 时返回空日志器
func OrNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
