// Package logger builds the process-wide zap logger from LogConfig.
package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tilegate/tilegate/internal/common/configtypes"
)

// New creates a zap logger with the configured console and/or file
// outputs. Each output may override the global level.
func New(config configtypes.LogConfig) (*zap.Logger, error) {
	globalLevel := parseLevel(config.Level)

	var cores []zapcore.Core

	if config.Console.Enabled {
		level := resolveLevel(config.Console.Level, globalLevel)
		cores = append(cores, zapcore.NewCore(
			newEncoder(config.Console.Format),
			zapcore.Lock(os.Stdout),
			level,
		))
	}

	if config.File.Enabled {
		if config.File.Path == "" {
			return nil, fmt.Errorf("file.path must be specified when file logging is enabled")
		}
		level := resolveLevel(config.File.Level, globalLevel)
		cores = append(cores, zapcore.NewCore(
			newEncoder(config.File.Format),
			newFileWriter(config.File.Path, config.File.Rotation),
			level,
		))
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("at least one log output (console or file) must be enabled")
	}

	var core zapcore.Core
	if len(cores) == 1 {
		core = cores[0]
	} else {
		core = zapcore.NewTee(cores...)
	}

	return zap.New(core), nil
}

// NewDefault creates a console logger for startup, before the config file
// has been read.
func NewDefault() *zap.Logger {
	core := zapcore.NewCore(
		newEncoder(configtypes.LogFormatConsole),
		zapcore.Lock(os.Stdout),
		zap.InfoLevel,
	)
	return zap.New(core)
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case configtypes.LogLevelDebug:
		return zap.DebugLevel
	case configtypes.LogLevelInfo:
		return zap.InfoLevel
	case configtypes.LogLevelWarn:
		return zap.WarnLevel
	case configtypes.LogLevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// resolveLevel prefers the output's own level over the global one.
func resolveLevel(outputLevel string, globalLevel zapcore.Level) zapcore.Level {
	if outputLevel != "" {
		return parseLevel(outputLevel)
	}
	return globalLevel
}

func newEncoder(format string) zapcore.Encoder {
	if format == configtypes.LogFormatJSON {
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	if format == configtypes.LogFormatText {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func newFileWriter(path string, rotation configtypes.RotationConfig) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotation.MaxSize,
		MaxAge:     rotation.MaxAge,
		MaxBackups: rotation.MaxBackups,
		Compress:   rotation.Compress,
	})
}
