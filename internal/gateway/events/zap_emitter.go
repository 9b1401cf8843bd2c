package events

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapEmitter reports events through the process logger. It is the always-on
// backend; file emitters are layered on top via MultiEmitter.
type ZapEmitter struct {
	logger *zap.Logger
}

// NewZapEmitter creates a logger-backed emitter.
func NewZapEmitter(logger *zap.Logger) *ZapEmitter {
	return &ZapEmitter{logger: logger}
}

// Emit logs the event at the level it carries.
func (z *ZapEmitter) Emit(event *ErrorEvent) {
	fields := make([]zap.Field, 0, len(event.Tags)+2)
	fields = append(fields, zap.String("kind", event.Kind))
	if event.RequestID != "" {
		fields = append(fields, zap.String("request_id", event.RequestID))
	}
	for k, v := range event.Tags {
		fields = append(fields, zap.String(k, v))
	}

	level := zapcore.ErrorLevel
	if event.Level == "warning" || event.Level == "warn" {
		level = zapcore.WarnLevel
	}
	if ce := z.logger.Check(level, event.Message); ce != nil {
		ce.Write(fields...)
	}
}

// Close returns nil; the process logger outlives the emitter.
func (z *ZapEmitter) Close() error { return nil }
