package main

import (
	"context"

	"go.uber.org/zap"
)

type loggerKey struct{}

// withLogger attaches a *zap.SugaredLogger to ctx, mirroring the teacher's
// fuchsia.googlesource.com/tools/logger ambient-context pattern whose
// package body was not retrieved alongside cmd/botanist.
func withLogger(ctx context.Context, l *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// loggerFromContext returns the logger attached by withLogger, or a new
// zap production logger if none was attached.
func loggerFromContext(ctx context.Context) *zap.SugaredLogger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.SugaredLogger); ok {
		return l
	}
	l, _ := zap.NewProduction()
	return l.Sugar()
}
