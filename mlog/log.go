// Package mlog provides logging with log levels and structured fields, wrapping
// log/slog.
//
// Each log level has a function to log with and without an error. Variable data
// should be in fields, the message itself should be constant, for easier log
// processing.
//
// A correlation id ("cid") ties together the log lines of one operation, e.g.
// one delivery session or one administrative command. Cids are passed through
// contexts.
package mlog

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

var noctx = context.Background()

// Level is the configurable log level, shared by all Log instances.
var Level slog.LevelVar

// Log wraps a *slog.Logger.
type Log struct {
	*slog.Logger
}

var cidgen atomic.Int64

func init() {
	cidgen.Store(time.Now().UnixMilli())
}

// Cid returns a new unique correlation id.
func Cid() int64 {
	return cidgen.Add(1)
}

type key string

// CidKey stores a cid in a context.
var CidKey key = "cid"

// WithCid returns a context with a new cid stored in it.
func WithCid(ctx context.Context) context.Context {
	return context.WithValue(ctx, CidKey, Cid())
}

// New returns a Log for the given subsystem. If elog is nil, a text handler
// writing to stderr is used.
func New(pkg string, elog *slog.Logger) Log {
	if elog == nil {
		elog = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &Level}))
	}
	return Log{elog.With(slog.String("pkg", pkg))}
}

// WithCid adds a field "cid" to the logger.
func (l Log) WithCid(cid int64) Log {
	return Log{l.With(slog.Int64("cid", cid))}
}

// WithContext adds a cid from the context, if present.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	return l.WithCid(cidv.(int64))
}

// WithAttrs returns a logger with the given attributes added to each line.
func (l Log) WithAttrs(attrs ...slog.Attr) Log {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return Log{l.With(args...)}
}

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.LogAttrs(noctx, slog.LevelDebug, msg, attrs...)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.LogAttrs(noctx, slog.LevelDebug, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.LogAttrs(noctx, slog.LevelInfo, msg, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.LogAttrs(noctx, slog.LevelInfo, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.LogAttrs(noctx, slog.LevelError, msg, attrs...)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.LogAttrs(noctx, slog.LevelError, msg, attrs...)
}

// Check logs an error with msg if err is non-nil.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}
