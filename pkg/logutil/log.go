// Copyright 2024 The Storage Server Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package logutil provides the storage server's structured logging
// wrapper: a zap-backed logger annotated with the request/version tags
// carried through a context, with context-scoped tags and leveled
// output built on go.uber.org/zap rather than a bespoke logger.
package logutil

import (
	"context"

	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type tagsKey struct{}

// WithTags returns a context annotated with additional structured tags
// (e.g. "r" for range, "v" for version, "feed" for change feed id), to
// be attached to every log line emitted through that context.
func WithTags(ctx context.Context, t *logtags.Buffer) context.Context {
	if existing := tagsFrom(ctx); existing != nil {
		t = existing.Merge(t)
	}
	return context.WithValue(ctx, tagsKey{}, t)
}

func tagsFrom(ctx context.Context) *logtags.Buffer {
	t, _ := ctx.Value(tagsKey{}).(*logtags.Buffer)
	return t
}

// Tag is a convenience constructor for a one-entry logtags.Buffer,
// mirroring logtags.SingleTagBuffer.
func Tag(key string, value interface{}) *logtags.Buffer {
	return logtags.SingleTagBuffer(key, value)
}

// Logger wraps a *zap.Logger and knows how to pull logtags out of a
// context and attach them as structured fields.
type Logger struct {
	z *zap.Logger
}

// New builds a Logger at the given level ("debug", "info", "warn",
// "error"), writing JSON-structured output, matching the production
// logging shape this lineage's services run with.
func New(level string) (*Logger, error) {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(level); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() *Logger {
	return &Logger{z: zap.NewNop()}
}

func (l *Logger) withCtx(ctx context.Context) *zap.Logger {
	t := tagsFrom(ctx)
	if t == nil || len(t.Get()) == 0 {
		return l.z
	}
	tags := t.Get()
	fields := make([]zap.Field, 0, len(tags))
	for i := range tags {
		tag := &tags[i]
		fields = append(fields, zap.Any(tag.Key(), tag.Value()))
	}
	return l.z.With(fields...)
}

// Infof logs at info level with the tags carried by ctx.
func (l *Logger) Infof(ctx context.Context, format string, args ...interface{}) {
	l.withCtx(ctx).Sugar().Infof(format, args...)
}

// Warnf logs at warn level with the tags carried by ctx.
func (l *Logger) Warnf(ctx context.Context, format string, args ...interface{}) {
	l.withCtx(ctx).Sugar().Warnf(format, args...)
}

// Errorf logs at error level with the tags carried by ctx.
func (l *Logger) Errorf(ctx context.Context, format string, args ...interface{}) {
	l.withCtx(ctx).Sugar().Errorf(format, args...)
}

// Fatalf logs at fatal level with the tags carried by ctx and then
// terminates the process; reserved for PKE corruption/IO listener
// errors per the error-handling design, never for ordinary request
// failures.
func (l *Logger) Fatalf(ctx context.Context, format string, args ...interface{}) {
	l.withCtx(ctx).Sugar().Fatalf(format, args...)
}

// Sync flushes any buffered log entries; callers should defer this at
// process shutdown.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// SafeKey renders a user key as a redactable string, marked unsafe by
// default so a redaction pass over collected logs elides it: stored
// keys are customer data, and this package never assumes it is safe to
// print one verbatim just because it appeared in an error path.
func SafeKey(key []byte) redact.RedactableString {
	return redact.Sprintf("%q", key)
}
