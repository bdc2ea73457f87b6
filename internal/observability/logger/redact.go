package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const redactedValue = "[REDACTED]"

// Field names that carry gateway credentials or request MACs.
var sensitiveKeys = map[string]struct{}{
	"secret_key":     {},
	"hash_secret":    {},
	"access_key":     {},
	"key1":           {},
	"key2":           {},
	"signature":      {},
	"mac":            {},
	"vnp_securehash": {},
	"password":       {},
	"staff_token":    {},
}

type redactingCore struct {
	zapcore.Core
}

// NewRedactingCore masks the value of any field whose key names a credential.
func NewRedactingCore(core zapcore.Core) zapcore.Core {
	return &redactingCore{Core: core}
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(redactFields(fields))}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(ent, redactFields(fields))
}

// redactFields copies on first hit so callers' slices are left alone.
func redactFields(fields []zapcore.Field) []zapcore.Field {
	var out []zapcore.Field
	for i, field := range fields {
		if !IsSensitiveKey(field.Key) {
			continue
		}
		if out == nil {
			out = make([]zapcore.Field, len(fields))
			copy(out, fields)
		}
		out[i] = zap.String(field.Key, redactedValue)
	}
	if out == nil {
		return fields
	}
	return out
}

// IsSensitiveKey reports whether values under key must never be logged or stored.
func IsSensitiveKey(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}
