// Package zlog 封装进程级的 zap 日志。
package zlog

import (
	"os"
	"strings"
	"sync"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

// Config 描述日志输出位置与级别。
type Config struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// ConfigFromEnv 读取 LOG_LEVEL 与 LOG_FILE。
func ConfigFromEnv() Config {
	return Config{
		Level:      strings.TrimSpace(os.Getenv("LOG_LEVEL")),
		File:       strings.TrimSpace(os.Getenv("LOG_FILE")),
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
	}
}

// Init 构建全局日志，始终输出到 stdout，设置 cfg.File 时同时写入滚动文件。
func Init(cfg Config) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			level = zapcore.InfoLevel
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stdout), level),
	}
	if cfg.File != "" {
		writer := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(writer), level))
	}

	Set(zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1)))
}

// Set 替换全局日志，测试中配合 zaptest 或 observer 使用。
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	logger = l
	mu.Unlock()
}

// L 返回当前日志实例。
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { L().Fatal(msg, fields...) }

// Sync 刷新缓冲的日志。
func Sync() {
	_ = L().Sync()
}
