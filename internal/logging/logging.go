// Package logging 统一构造 zap logger。
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New 按级别构造 logger：development 为 true 时输出彩色控制台格式，否则输出 JSON。
func New(level string, development bool) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("日志级别非法：%w", err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败：%w", err)
	}
	return logger, nil
}
