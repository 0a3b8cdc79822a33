/*
 Licensed to the Apache Software Foundation (ASF) under one
 or more contributor license agreements.  See the NOTICE file
 distributed with this work for additional information
 regarding copyright ownership.  The ASF licenses this file
 to you under the Apache License, Version 2.0 (the
 "License"); you may not use this file except in compliance
 with the License.  You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package log

import (
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerHandle identifies one named logger of the server. Handles are
// created once at package init and passed to Log() by the call sites.
type LoggerHandle struct {
	id   int
	name string
}

func (h *LoggerHandle) String() string {
	return h.name
}

// Logger handles, one per subsystem. The id doubles as the index into the
// lazily built logger slice, so the list below must stay dense.
var (
	Kestreld   = &LoggerHandle{id: 0, name: "kestreld"}
	Entrypoint = &LoggerHandle{id: 1, name: "entrypoint"}
	Server     = &LoggerHandle{id: 2, name: "server"}
	Wire       = &LoggerHandle{id: 3, name: "wire"}
	Auth       = &LoggerHandle{id: 4, name: "auth"}
	Dispatch   = &LoggerHandle{id: 5, name: "dispatch"}
	Registry   = &LoggerHandle{id: 6, name: "registry"}
	Deferred   = &LoggerHandle{id: 7, name: "deferred"}
	Signal     = &LoggerHandle{id: 8, name: "signal"}
	Objects    = &LoggerHandle{id: 9, name: "objects"}
	Config     = &LoggerHandle{id: 10, name: "config"}
	Security   = &LoggerHandle{id: 11, name: "security"}
	Accounting = &LoggerHandle{id: 12, name: "accounting"}
	Webservice = &LoggerHandle{id: 13, name: "webservice"}
	Health     = &LoggerHandle{id: 14, name: "health"}
	Deadlock   = &LoggerHandle{id: 15, name: "deadlock"}
	Client     = &LoggerHandle{id: 16, name: "client"}
	Metrics    = &LoggerHandle{id: 17, name: "metrics"}
	Trace      = &LoggerHandle{id: 18, name: "trace"}
	Test       = &LoggerHandle{id: 19, name: "test"}
)

var handles = []*LoggerHandle{
	Kestreld, Entrypoint, Server, Wire, Auth, Dispatch, Registry, Deferred,
	Signal, Objects, Config, Security, Accounting, Webservice, Health,
	Deadlock, Client, Metrics, Trace, Test,
}

const (
	logPrefix   = "log."
	levelSuffix = ".level"
	defaultKey  = "log.level"
)

var once sync.Once
var logger *zap.Logger
var config *zap.Config
var loggers atomic.Pointer[[]*zap.Logger]

// Log returns the named logger for a handle. The first call initializes the
// logging subsystem with defaults if InitializeLogger was never called.
func Log(handle *LoggerHandle) *zap.Logger {
	once.Do(func() { initLogger(nil) })
	all := loggers.Load()
	return (*all)[handle.id]
}

// InitializeLogger installs an externally built root logger and its config.
// Calling it after the first Log() has no effect.
func InitializeLogger(root *zap.Logger, zapConfig *zap.Config) {
	once.Do(func() {
		logger = root
		config = zapConfig
		rebuild(nil)
	})
}

// UpdateLoggingConfig rebuilds the per-subsystem loggers from a config map
// holding "log.<name>.level" entries and an optional "log.level" default.
// Unknown names and unparsable levels are ignored with a nop fallback to the
// previous level.
func UpdateLoggingConfig(conf map[string]string) {
	once.Do(func() { initLogger(conf) })
	rebuild(conf)
}

func IsDebugEnabled() bool {
	if logger == nil {
		// under development mode
		return true
	}
	return logger.Core().Enabled(zapcore.DebugLevel)
}

func initLogger(conf map[string]string) {
	if logger = zap.L(); isNopLogger(logger) {
		// No global logger is set: the daemon is starting stand-alone, so
		// build our own from the default config.
		config = createConfig()
		var err error
		logger, err = config.Build()
		// this should really not happen so just write to stdout and set a Nop logger
		if err != nil {
			fmt.Printf("Logging disabled, logger init failed with error: %v\n", err)
			logger = zap.NewNop()
		}
	}
	rebuild(conf)
}

// rebuild creates the per-handle logger slice and swaps it in atomically.
// Readers in flight keep the slice they loaded.
func rebuild(conf map[string]string) {
	defLevel := levelFromConfig(conf, defaultKey, zapcore.InfoLevel)
	all := make([]*zap.Logger, len(handles))
	for _, h := range handles {
		level := levelFromConfig(conf, logPrefix+h.name+levelSuffix, defLevel)
		all[h.id] = logger.Named(h.name).WithOptions(zap.WrapCore(func(inner zapcore.Core) zapcore.Core {
			return filteredCore{level: level, inner: inner}
		}))
	}
	loggers.Store(&all)
}

func levelFromConfig(conf map[string]string, key string, fallback zapcore.Level) zapcore.Level {
	if conf == nil {
		return fallback
	}
	value, ok := conf[key]
	if !ok {
		return fallback
	}
	level, err := parseLevel(value)
	if err != nil {
		// the per-handle loggers may be mid-rebuild, log on the root
		logger.Warn("ignoring unparsable log level",
			zap.String("key", key),
			zap.String("value", value))
		return fallback
	}
	return level
}

// ValidLevel reports whether level parses as a level name or number, used to
// reject bad command line values before the config map swallows them.
func ValidLevel(level string) bool {
	_, err := parseLevel(level)
	return err == nil
}

// parseLevel accepts the zap level names (case-insensitive) as well as the
// numeric levels -1 (debug) through 5 (fatal).
func parseLevel(level string) (zapcore.Level, error) {
	if l, err := zapcore.ParseLevel(level); err == nil {
		return l, nil
	}
	if n, err := strconv.ParseInt(level, 10, 8); err == nil {
		l := zapcore.Level(n)
		if l >= zapcore.DebugLevel && l <= zapcore.FatalLevel {
			return l, nil
		}
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
}

// Returns true if the logger is a noop, meaning no global logger was set
// before this package initialized; see zap.ReplaceGlobals().
func isNopLogger(logger *zap.Logger) bool {
	return reflect.DeepEqual(zap.NewNop(), logger)
}

// Visible by tests
func InitAndSetLevel(level zapcore.Level) {
	if config == nil {
		Log(Kestreld)
	}
	config.Level.SetLevel(level)
}

// Create a log config to keep full control over
// LogLevel set to DEBUG, Encodes for console, Writes to stderr,
// Enables development mode (DPanicLevel),
// Print stack traces for messages at WarnLevel and above
func createConfig() *zap.Config {
	return &zap.Config{
		Level:       zap.NewAtomicLevelAt(zap.DebugLevel),
		Development: true,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:    "message",
			LevelKey:      "level",
			TimeKey:       "time",
			NameKey:       "name",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			LineEnding:    zapcore.DefaultLineEnding,
			// note: https://godoc.org/go.uber.org/zap/zapcore#EncoderConfig
			// only EncodeName is optional all others must be set
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
}
