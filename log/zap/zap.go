package zap

import (
	"go.uber.org/zap"

	"github.com/unkn0wn-root/syncstore"
)

var _ syncstore.Logger = ZapLogger{}

type ZapLogger struct{ L *zap.Logger }

func (z ZapLogger) Debug(msg string, f syncstore.Fields) { z.L.Debug(msg, zf(f)...) }
func (z ZapLogger) Info(msg string, f syncstore.Fields)  { z.L.Info(msg, zf(f)...) }
func (z ZapLogger) Warn(msg string, f syncstore.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z ZapLogger) Error(msg string, f syncstore.Fields) { z.L.Error(msg, zf(f)...) }

func (z ZapLogger) With(f syncstore.Fields) syncstore.Logger {
	return ZapLogger{L: z.L.With(zf(f)...)}
}

// errors go through zap.Error so encoders render them as strings
func zf(f syncstore.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}
