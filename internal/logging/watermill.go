package logging

import (
	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
)

// NewWatermillAdapter exposes a zap logger as a watermill.LoggerAdapter so
// watermill-backed drivers log through the same sink.
func NewWatermillAdapter(l *zap.Logger) watermill.LoggerAdapter {
	return &watermillAdapter{inner: OrNop(l)}
}

type watermillAdapter struct {
	inner *zap.Logger
}

func (w *watermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	w.inner.Error(msg, append(toZapFields(fields), zap.Error(err))...)
}

func (w *watermillAdapter) Info(msg string, fields watermill.LogFields) {
	w.inner.Info(msg, toZapFields(fields)...)
}

func (w *watermillAdapter) Debug(msg string, fields watermill.LogFields) {
	w.inner.Debug(msg, toZapFields(fields)...)
}

// Trace maps to debug; zap has no trace level.
func (w *watermillAdapter) Trace(msg string, fields watermill.LogFields) {
	w.inner.Debug(msg, toZapFields(fields)...)
}

func (w *watermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillAdapter{inner: w.inner.With(toZapFields(fields)...)}
}

func toZapFields(fields watermill.LogFields) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
