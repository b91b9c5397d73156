// Package logger 安装进程级的 slog 默认 logger
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

type Options struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New 默认 JSON 输出，format=text 时用于本地调试
func New(w io.Writer, opt Options) *slog.Logger {
	hopt := &slog.HandlerOptions{Level: ParseLevel(opt.Level)}
	var h slog.Handler
	if strings.EqualFold(opt.Format, "text") {
		h = slog.NewTextHandler(w, hopt)
	} else {
		h = slog.NewJSONHandler(w, hopt)
	}
	return slog.New(h).With(slog.String("service", "social-interaction"))
}

// Setup 替换 slog 默认 logger，标准库 log 的输出也会走这里
func Setup(opt Options) *slog.Logger {
	l := New(os.Stdout, opt)
	slog.SetDefault(l)
	return l
}
