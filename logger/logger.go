// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package logger provides a leveled logger that travels through a
// context.Context, the way every FVM component reports progress and
// failures.
package logger

import (
	"context"
	"fmt"
	"io"
	stdlog "log"

	"go.fuchsia.dev/fvm/color"
)

// LogLevel controls which messages a Logger emits.
type LogLevel int

const (
	FatalLevel LogLevel = iota
	ErrorLevel
	WarningLevel
	InfoLevel
	DebugLevel
	TraceLevel
)

func (l *LogLevel) String() string {
	switch *l {
	case FatalLevel:
		return "fatal"
	case ErrorLevel:
		return "error"
	case WarningLevel:
		return "warning"
	case InfoLevel:
		return "info"
	case DebugLevel:
		return "debug"
	case TraceLevel:
		return "trace"
	default:
		return "unknown"
	}
}

// Set implements flag.Value so LogLevel can back a -level flag.
func (l *LogLevel) Set(s string) error {
	switch s {
	case "fatal":
		*l = FatalLevel
	case "error":
		*l = ErrorLevel
	case "warning":
		*l = WarningLevel
	case "info":
		*l = InfoLevel
	case "debug":
		*l = DebugLevel
	case "trace":
		*l = TraceLevel
	default:
		return fmt.Errorf("%s is not a valid log level", s)
	}
	return nil
}

// Logger writes leveled, optionally-colored messages to an info stream and
// an error stream.
type Logger struct {
	loggerLevel   LogLevel
	color         color.Color
	goLogger      *stdlog.Logger
	goErrorLogger *stdlog.Logger
}

// NewLogger constructs a Logger at the given level, coloring output per c,
// writing info/debug/trace to out and warning/error/fatal to errOut.
func NewLogger(level LogLevel, c color.Color, out, errOut io.Writer) *Logger {
	return &Logger{
		loggerLevel:   level,
		color:         c,
		goLogger:      stdlog.New(out, "", stdlog.LstdFlags),
		goErrorLogger: stdlog.New(errOut, "", stdlog.LstdFlags),
	}
}

func (l *Logger) logf(level LogLevel, w *stdlog.Logger, colorfn color.Colorfn, tag, format string, a ...interface{}) {
	if l == nil || l.loggerLevel < level {
		return
	}
	msg := fmt.Sprintf(format, a...)
	w.Print(colorfn("[%s] %s", tag, msg))
}

func (l *Logger) Fatalf(format string, a ...interface{}) {
	l.logf(FatalLevel, l.goErrorLogger, l.color.Red, "FATAL", format, a...)
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	l.logf(ErrorLevel, l.goErrorLogger, l.color.Red, "ERROR", format, a...)
}

func (l *Logger) Warningf(format string, a ...interface{}) {
	l.logf(WarningLevel, l.goErrorLogger, l.color.Yellow, "WARN", format, a...)
}

func (l *Logger) Infof(format string, a ...interface{}) {
	l.logf(InfoLevel, l.goLogger, l.color.DefaultColor, "INFO", format, a...)
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	l.logf(DebugLevel, l.goLogger, l.color.Cyan, "DEBUG", format, a...)
}

func (l *Logger) Tracef(format string, a ...interface{}) {
	l.logf(TraceLevel, l.goLogger, l.color.Magenta, "TRACE", format, a...)
}

type globalLoggerKeyType struct{}

// WithLogger returns a context carrying logger, retrievable with
// LoggerFromContext.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, globalLoggerKeyType{}, logger)
}

// LoggerFromContext returns the Logger attached to ctx, or nil if none was
// attached.
func LoggerFromContext(ctx context.Context) *Logger {
	l, ok := ctx.Value(globalLoggerKeyType{}).(*Logger)
	if !ok {
		return nil
	}
	return l
}

func Fatalf(ctx context.Context, format string, a ...interface{}) {
	LoggerFromContext(ctx).Fatalf(format, a...)
}

func Errorf(ctx context.Context, format string, a ...interface{}) {
	LoggerFromContext(ctx).Errorf(format, a...)
}

func Warningf(ctx context.Context, format string, a ...interface{}) {
	LoggerFromContext(ctx).Warningf(format, a...)
}

func Infof(ctx context.Context, format string, a ...interface{}) {
	LoggerFromContext(ctx).Infof(format, a...)
}

func Debugf(ctx context.Context, format string, a ...interface{}) {
	LoggerFromContext(ctx).Debugf(format, a...)
}

func Tracef(ctx context.Context, format string, a ...interface{}) {
	LoggerFromContext(ctx).Tracef(format, a...)
}
