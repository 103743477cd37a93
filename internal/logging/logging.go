// ABOUTME: zap logger construction shared by the daemon and the controller
// ABOUTME: Console plus optional log file, level held in an atomic level
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects outputs and the starting level
type Config struct {
	// File, when set, receives a JSON copy of every entry
	File  string
	Debug bool
	// Quiet drops console output, for full-screen UIs
	Quiet bool
}

// Logger bundles the logger with its adjustable level
type Logger struct {
	*zap.Logger
	Level zap.AtomicLevel
	file  *os.File
}

// New builds a console/file tee
func New(cfg Config) (*Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if cfg.Debug {
		level.SetLevel(zap.DebugLevel)
	}

	var cores []zapcore.Core
	if !cfg.Quiet {
		enc := zap.NewDevelopmentEncoderConfig()
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stdout), level))
	}

	var f *os.File
	if cfg.File != "" {
		var err error
		f, err = os.OpenFile(cfg.File, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
		if err != nil {
			return nil, fmt.Errorf("error opening log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(f), level))
	}

	return &Logger{
		Logger: zap.New(zapcore.NewTee(cores...)),
		Level:  level,
		file:   f,
	}, nil
}

// Close flushes and closes the log file
func (l *Logger) Close() error {
	_ = l.Logger.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
