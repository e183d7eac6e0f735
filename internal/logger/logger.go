// Package logger 是全局日志门面：各层直接用 Debugf/Infof/Warnf/Errorf
// 带 [tag] 前缀输出，不在业务代码里传递 logger 实例。
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

// Init 按配置设定级别与输出格式。level 非法时回落到 info。
// json=true 输出结构化 JSON，适合被采集；默认控制台友好格式。
func Init(level string, json bool) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var w io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	if json {
		w = os.Stderr
	}
	mu.Lock()
	base = zerolog.New(w).With().Timestamp().Logger().Level(lvl)
	mu.Unlock()
}

// SetOutput 重定向输出，测试用。
func SetOutput(w io.Writer) {
	mu.Lock()
	base = base.Output(w)
	mu.Unlock()
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func Debugf(format string, args ...any) { l := current(); l.Debug().Msgf(format, args...) }

func Infof(format string, args ...any) { l := current(); l.Info().Msgf(format, args...) }

func Warnf(format string, args ...any) { l := current(); l.Warn().Msgf(format, args...) }

func Errorf(format string, args ...any) { l := current(); l.Error().Msgf(format, args...) }
