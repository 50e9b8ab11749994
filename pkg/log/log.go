// Copyright The Balloond Authors. All Rights Reserved.
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

package log

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

// Logger is the interface for producing log messages for a source.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	Fatal(format string, args ...interface{})
	Panic(format string, args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})

	// Block emits a multiline message with a per-line prefix at the given level.
	InfoBlock(prefix string, format string, args ...interface{})
	DebugBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables or disables debug messages for this source.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this source.
	DebugEnabled() bool

	// Source returns the source of this logger.
	Source() string
}

// logging is our set of per-source loggers.
type logging struct {
	sync.RWMutex
	level   Level
	loggers map[string]*logger
	debug   map[string]bool
}

// logger implements Logger for a single source.
type logger struct {
	source string
	prefix string
	debug  bool
}

const (
	// debugEnvVar seeds per-source debugging, a comma-separated source list.
	debugEnvVar = "BALLOOND_DEBUG"

	// maximum numbers of stack frames to skip for proper caller attribution
	callDepth = 2
)

var (
	log = &logging{
		level:   LevelInfo,
		loggers: make(map[string]*logger),
		debug:   make(map[string]bool),
	}
	deflog = log.get("balloond")
)

func init() {
	for _, src := range strings.Split(os.Getenv(debugEnvVar), ",") {
		if src = strings.TrimSpace(src); src != "" {
			log.debug[src] = true
		}
	}
}

// Get returns the Logger for the given source, creating it if necessary.
func Get(source string) Logger {
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// SetLevel sets the logging severity threshold for all sources.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug enables or disables debug messages for the given source.
func EnableDebug(source string, enabled bool) bool {
	return log.get(source).EnableDebug(enabled)
}

// Flush flushes any pending log messages.
func Flush() {
	klog.Flush()
}

// SetupDebugToggleSignal arranges toggling of full debugging with the given signal.
func SetupDebugToggleSignal(sig os.Signal) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, sig)
	go func() {
		enabled := false
		for range sigs {
			enabled = !enabled
			deflog.Warn("debug logging turned %s by signal %v", state(enabled), sig)
			log.Lock()
			for _, l := range log.loggers {
				l.debug = enabled
			}
			log.Unlock()
		}
	}()
}

func state(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}

func (l *logging) get(source string) *logger {
	l.Lock()
	defer l.Unlock()

	if lgr, ok := l.loggers[source]; ok {
		return lgr
	}

	lgr := &logger{
		source: source,
		prefix: "[" + source + "] ",
		debug:  l.debug[source] || l.debug["*"],
	}
	l.loggers[source] = lgr

	return lgr
}

func (l *logger) Source() string {
	return l.source
}

func (l *logger) EnableDebug(enabled bool) bool {
	log.Lock()
	defer log.Unlock()
	old := l.debug
	l.debug = enabled
	return old
}

func (l *logger) DebugEnabled() bool {
	log.RLock()
	defer log.RUnlock()
	return l.debug
}

func (l *logger) Debug(format string, args ...interface{}) {
	if !l.DebugEnabled() || log.level > LevelDebug {
		return
	}
	klog.InfoDepth(callDepth, l.prefix+"D: "+fmt.Sprintf(format, args...))
}

func (l *logger) Info(format string, args ...interface{}) {
	if log.level > LevelInfo {
		return
	}
	klog.InfoDepth(callDepth, l.prefix+fmt.Sprintf(format, args...))
}

func (l *logger) Warn(format string, args ...interface{}) {
	if log.level > LevelWarn {
		return
	}
	klog.WarningDepth(callDepth, l.prefix+fmt.Sprintf(format, args...))
}

func (l *logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(callDepth, l.prefix+fmt.Sprintf(format, args...))
}

func (l *logger) Fatal(format string, args ...interface{}) {
	klog.ErrorDepth(callDepth, l.prefix+fmt.Sprintf(format, args...))
	klog.Flush()
	os.Exit(1)
}

func (l *logger) Panic(format string, args ...interface{}) {
	msg := l.prefix + fmt.Sprintf(format, args...)
	klog.ErrorDepth(callDepth, msg)
	klog.Flush()
	panic(msg)
}

func (l *logger) Debugf(format string, args ...interface{}) { l.Debug(format, args...) }
func (l *logger) Infof(format string, args ...interface{})  { l.Info(format, args...) }
func (l *logger) Warnf(format string, args ...interface{})  { l.Warn(format, args...) }
func (l *logger) Errorf(format string, args ...interface{}) { l.Error(format, args...) }
func (l *logger) Fatalf(format string, args ...interface{}) { l.Fatal(format, args...) }

func (l *logger) InfoBlock(prefix string, format string, args ...interface{}) {
	l.block(l.Info, prefix, format, args...)
}

func (l *logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	l.block(l.Debug, prefix, format, args...)
}

func (l *logger) block(fn func(string, ...interface{}), prefix, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		fn("%s%s", prefix, line)
	}
}
