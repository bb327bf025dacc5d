// Package logging builds the process-wide zap logger.
package logging

import (
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction
type Options struct {
	Level      string // debug, info, warn, error
	File       string // optional path; rotated by lumberjack
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Console    bool // human readable encoder instead of JSON
}

// New returns a logger writing to stderr and, when File is set, to a
// rotating log file
func New(opts Options) *zap.Logger {
	level := zap.NewAtomicLevelAt(parseLevel(opts.Level))

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if opts.Console {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level),
	}

	if opts.File != "" {
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.TimeKey = "ts"
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 50),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 14),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(rotator), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
