// Package logx builds the zap loggers shared by the jostle and blkload
// binaries. Both programs log single-line console output to stdout so that
// a parent process can parse child stdout line by line.
package logx

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a sugared console logger. level is "debug" (alias "output")
// or "info".
// When timePrefix is false the encoder drops the timestamp, which keeps
// container stdout stable for the line parsers upstream.
func New(level string, timePrefix bool) (*zap.SugaredLogger, error) {
	var lvl zapcore.Level
	switch level {
	case "debug", "output":
		lvl = zapcore.DebugLevel
	case "info":
		lvl = zapcore.InfoLevel
	default:
		return nil, fmt.Errorf("invalid log level: %q", level)
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if !timePrefix {
		encCfg.TimeKey = zapcore.OmitKey
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stdout),
		lvl,
	)
	return zap.New(core).Sugar(), nil
}
