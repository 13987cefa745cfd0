// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the structured logging surface used everywhere
// else in the overlay module: a handful of severity levels on top of
// log/slog, with an optional async, rotating file sink.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/overlayfs/overlay/internal/config"
)

// Custom slog levels. slog only predefines Debug/Info/Warn/Error; TRACE and
// the implicit OFF (anything above Error) are layered on top of those.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(16)
)

var severityNames = map[slog.Level]string{
	LevelTrace: config.TRACE,
	LevelDebug: config.DEBUG,
	LevelInfo:  config.INFO,
	LevelWarn:  config.WARNING,
	LevelError: config.ERROR,
}

func levelForSeverity(severity string) slog.Level {
	switch severity {
	case config.TRACE:
		return LevelTrace
	case config.DEBUG:
		return LevelDebug
	case config.INFO:
		return LevelInfo
	case config.WARNING:
		return LevelWarn
	case config.ERROR:
		return LevelError
	default:
		return LevelOff
	}
}

type loggerFactory struct {
	format string
	level  *slog.LevelVar
}

// createJsonOrTextHandler builds a slog.Handler writing either structured
// JSON records or logfmt-style text, prefixing every message with prefix
// (typically the component name, e.g. "facade" or "fsck").
func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, prefix string) slog.Handler {
	replace := func(groups []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.LevelKey:
			lvl, _ := a.Value.Any().(slog.Level)
			name, ok := severityNames[lvl]
			if !ok {
				name = lvl.String()
			}
			return slog.String("severity", name)
		case slog.TimeKey:
			return slog.Any("timestamp", a.Value.Time())
		case slog.MessageKey:
			if prefix != "" {
				return slog.String("message", prefix+": "+a.Value.String())
			}
		}
		return a
	}

	opts := &slog.HandlerOptions{Level: f.level, ReplaceAttr: replace}
	if f.format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

var (
	programLevel   = new(slog.LevelVar)
	defaultFactory = &loggerFactory{format: "text", level: programLevel}
	defaultLogger  = slog.New(defaultFactory.createJsonOrTextHandler(os.Stderr, ""))
)

// Init (re)configures the package-level logger: format is "text" or "json",
// w is the sink (an *AsyncLogger wrapping a lumberjack.Logger in
// production), and prefix is prepended to every message.
func Init(format string, w io.Writer, prefix string) {
	defaultFactory = &loggerFactory{format: format, level: programLevel}
	defaultLogger = slog.New(defaultFactory.createJsonOrTextHandler(w, prefix))
}

// SetLoggingLevel updates the minimum severity logged, without touching the
// handler or sink. TRACE, DEBUG, INFO, WARNING, ERROR, OFF are recognized;
// anything else is treated as OFF.
func SetLoggingLevel(severity string) {
	programLevel.Set(levelForSeverity(severity))
}

func logf(ctx context.Context, level slog.Level, format string, args ...interface{}) {
	if !defaultLogger.Enabled(ctx, level) {
		return
	}
	defaultLogger.Log(ctx, level, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...interface{}) { logf(context.Background(), LevelTrace, format, args...) }
func Debugf(format string, args ...interface{}) { logf(context.Background(), LevelDebug, format, args...) }
func Infof(format string, args ...interface{})  { logf(context.Background(), LevelInfo, format, args...) }
func Warnf(format string, args ...interface{})  { logf(context.Background(), LevelWarn, format, args...) }
func Errorf(format string, args ...interface{}) { logf(context.Background(), LevelError, format, args...) }

func TracefCtx(ctx context.Context, format string, args ...interface{}) { logf(ctx, LevelTrace, format, args...) }
func DebugfCtx(ctx context.Context, format string, args ...interface{}) { logf(ctx, LevelDebug, format, args...) }
func InfofCtx(ctx context.Context, format string, args ...interface{})  { logf(ctx, LevelInfo, format, args...) }
func WarnfCtx(ctx context.Context, format string, args ...interface{})  { logf(ctx, LevelWarn, format, args...) }
func ErrorfCtx(ctx context.Context, format string, args ...interface{}) { logf(ctx, LevelError, format, args...) }
