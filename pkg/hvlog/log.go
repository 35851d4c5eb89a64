// Copyright 2026 The Hookvisor Authors.
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

// Package hvlog is a small leveled logger in the shape of gVisor's
// pkg/log: a Logger type with Debugf/Infof/Warningf/Errorf, and a package
// level default instance callers reach for directly. It is deliberately
// never called from the exit-dispatch hot path (dispatch.Dispatcher);
// logging belongs at init/unload boundaries and in the CLI only, since
// the core runs with interrupts disabled and has no business formatting
// strings.
package hvlog

import (
	"fmt"
	"log"
	"os"
)

// Level is a logger's minimum emitted severity.
type Level int

const (
	Debug Level = iota
	Info
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps config.Config.LogVerbosity's string values to a Level,
// defaulting to Info for anything unrecognized.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warning
	case "error":
		return Error
	default:
		return Info
	}
}

// Logger writes leveled, formatted messages, mirroring gVisor's
// pkg/log.Logger surface.
type Logger struct {
	min Level
	out *log.Logger
}

// New returns a Logger writing to os.Stderr, filtering out anything
// below min.
func New(min Level) *Logger {
	return &Logger{min: min, out: log.New(os.Stderr, "", log.LstdFlags)}
}

func (l *Logger) emit(level Level, format string, args ...any) {
	if level < l.min {
		return
	}
	l.out.Printf("%s: %s", level, fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...any)   { l.emit(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...any)     { l.emit(Info, format, args...) }
func (l *Logger) Warningf(format string, args ...any)  { l.emit(Warning, format, args...) }
func (l *Logger) Errorf(format string, args ...any)    { l.emit(Error, format, args...) }

// Default is the package-level instance most callers use directly,
// matching gVisor pkg/log's package-level convenience functions.
var Default = New(Info)

func Debugf(format string, args ...any)  { Default.Debugf(format, args...) }
func Infof(format string, args ...any)   { Default.Infof(format, args...) }
func Warningf(format string, args ...any) { Default.Warningf(format, args...) }
func Errorf(format string, args ...any)  { Default.Errorf(format, args...) }
