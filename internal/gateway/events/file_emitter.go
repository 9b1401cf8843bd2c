package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tilegate/tilegate/internal/common/configtypes"
)

const (
	defaultMaxSize    = 100 // MB
	defaultMaxAge     = 30  // days
	defaultMaxBackups = 10  // files
)

// FileEmitter appends events as JSON lines to a rotating log file.
type FileEmitter struct {
	writer *lumberjack.Logger
	logger *zap.Logger
}

// NewFileEmitter creates a file-backed emitter, creating the parent
// directory if needed.
func NewFileEmitter(config configtypes.EventFileConfig, logger *zap.Logger) (*FileEmitter, error) {
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory %s: %w", dir, err)
	}

	maxSize := config.Rotation.MaxSize
	if maxSize == 0 {
		maxSize = defaultMaxSize
	}
	maxAge := config.Rotation.MaxAge
	if maxAge == 0 {
		maxAge = defaultMaxAge
	}
	maxBackups := config.Rotation.MaxBackups
	if maxBackups == 0 {
		maxBackups = defaultMaxBackups
	}

	return &FileEmitter{
		writer: &lumberjack.Logger{
			Filename:   config.Path,
			MaxSize:    maxSize,
			MaxAge:     maxAge,
			MaxBackups: maxBackups,
			Compress:   config.Rotation.Compress,
		},
		logger: logger,
	}, nil
}

// Emit writes one JSON line. Write failures are logged, not returned.
func (f *FileEmitter) Emit(event *ErrorEvent) {
	// The stack is useful in the logger backend but makes the event log
	// unreadable; strip it for the file.
	slim := *event
	slim.Stack = ""

	line, err := json.Marshal(&slim)
	if err != nil {
		f.logger.Warn("failed to encode error event", zap.Error(err))
		return
	}
	if _, err := f.writer.Write(append(line, '\n')); err != nil {
		f.logger.Warn("failed to write error event",
			zap.Error(err),
			zap.String("kind", event.Kind))
	}
}

// Close closes the underlying file handle.
func (f *FileEmitter) Close() error {
	return f.writer.Close()
}
