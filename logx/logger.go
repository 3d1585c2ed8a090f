// MIT License
//
// Copyright (c) 2022-2023 Jonah Goldsmith
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package logx is a minimal, leveled, multi-sink logger used across the job
// system and memory tracker. It is intentionally small: one mutex-guarded
// slice of sinks and a single printf-style entry point, the same shape the
// engine's own C logger takes rather than a structured-logging framework.
package logx

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Level is a log severity.
type Level int

const (
	LevelInfo Level = iota
	LevelDebug
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Sink receives formatted log lines. Implementations must be safe to call
// from any goroutine.
type Sink interface {
	Log(level Level, message string)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(level Level, message string)

func (f SinkFunc) Log(level Level, message string) { f(level, message) }

const maxSinks = 24

// stdoutSink mirrors the engine's default_logger, which just writes to
// stdout.
type stdoutSink struct{}

func (stdoutSink) Log(_ Level, message string) {
	fmt.Fprint(os.Stdout, message)
}

// Logger dispatches formatted messages to a bounded set of registered sinks.
type Logger struct {
	mu    sync.Mutex
	sinks []Sink
}

// New creates a Logger with the default stdout sink registered, matching
// init_logger_system's single default_logger entry.
func New() *Logger {
	return &Logger{sinks: []Sink{stdoutSink{}}}
}

// Register adds a sink. No-op if the sink is already registered or the
// sink table is full.
func (l *Logger) Register(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.sinks {
		if existing == s {
			return
		}
	}
	if len(l.sinks) >= maxSinks {
		return
	}
	l.sinks = append(l.sinks, s)
}

// Unregister removes a sink if present.
func (l *Logger) Unregister(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, existing := range l.sinks {
		if existing == s {
			l.sinks[i] = l.sinks[len(l.sinks)-1]
			l.sinks = l.sinks[:len(l.sinks)-1]
			return
		}
	}
}

// Printf formats a message with file/line/thread-tag context and dispatches
// it to every registered sink, mirroring log_printf's prologue.
func (l *Logger) Printf(level Level, file string, line int, threadTag string, format string, args ...any) {
	body := fmt.Sprintf(format, args...)
	now := time.Now()
	line_ := fmt.Sprintf("[%d-%d-%d] %s:%d [%s] [%s]: %s\n",
		int(now.Month()), now.Day(), now.Year(), fileName(file), line, threadTag, level, body)

	l.mu.Lock()
	sinks := make([]Sink, len(l.sinks))
	copy(sinks, l.sinks)
	l.mu.Unlock()

	for _, s := range sinks {
		s.Log(level, line_)
	}
}

// Info logs at LevelInfo.
func (l *Logger) Info(file string, line int, threadTag, format string, args ...any) {
	l.Printf(LevelInfo, file, line, threadTag, format, args...)
}

// Debug logs at LevelDebug.
func (l *Logger) Debug(file string, line int, threadTag, format string, args ...any) {
	l.Printf(LevelDebug, file, line, threadTag, format, args...)
}

// Error logs at LevelError.
func (l *Logger) Error(file string, line int, threadTag, format string, args ...any) {
	l.Printf(LevelError, file, line, threadTag, format, args...)
}

// fileName strips a path down to its base component, mirroring
// sl_get_file_name.
func fileName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}
