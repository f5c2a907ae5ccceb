package logging

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New builds the process logger. level is any zapcore level name.
func New(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	if format == "" {
		format = FormatConsole
	}
	if format != FormatJSON && format != FormatConsole {
		return nil, fmt.Errorf("invalid log format %q (valid options: %s, %s)", format, FormatJSON, FormatConsole)
	}

	cfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(lvl),
		Encoding: format,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "T",
			LevelKey:       "L",
			NameKey:        "N",
			MessageKey:     "M",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeName:     zapcore.FullNameEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// NewHCLogger adapts logger for libraries that take an hclog.Logger (raft).
// Each line is written through zap at the matching level, with hclog's
// key/value pairs as fields. Lines below level are dropped.
func NewHCLogger(logger *zap.Logger, name, level string) hclog.Logger {
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}

	hl := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:   name,
		Level:  lvl,
		Output: io.Discard,
	})
	hl.RegisterSink(&zapSink{logger: logger, level: lvl})
	return hl
}

type zapSink struct {
	logger *zap.Logger
	level  hclog.Level
}

func (s *zapSink) Accept(name string, level hclog.Level, msg string, args ...interface{}) {
	if level < s.level || level == hclog.Off {
		return
	}

	ce := s.logger.Named(name).Check(zapLevel(level), msg)
	if ce == nil {
		return
	}

	fields := make([]zap.Field, 0, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		if i+1 == len(args) {
			fields = append(fields, zap.Any("extra_value", args[i]))
			break
		}
		fields = append(fields, zap.Any(fmt.Sprint(args[i]), args[i+1]))
	}
	ce.Write(fields...)
}

func zapLevel(level hclog.Level) zapcore.Level {
	switch level {
	case hclog.Trace, hclog.Debug:
		return zapcore.DebugLevel
	case hclog.Warn:
		return zapcore.WarnLevel
	case hclog.Error:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
