// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package log configures the process-wide zap logger used throughout the
// peer engine, and exposes package-level helpers mirroring zap.SugaredLogger
// for call sites that do not carry their own *zap.SugaredLogger.
package log

import (
	"sync"

	"go.uber.org/zap"
)

// Config configures a logger.
type Config struct {
	// Disable silences the logger entirely, producing a no-op logger. Used
	// in tests.
	Disable bool `yaml:"disable"`

	// Level is the minimum enabled log level. Defaults to "info".
	Level string `yaml:"level"`
}

// New creates a new zap.Logger from config. fields are attached to every
// log line emitted by the returned logger.
func New(config Config, fields map[string]interface{}) (*zap.Logger, error) {
	if config.Disable {
		return zap.NewNop(), nil
	}

	zapConfig := zap.NewProductionConfig()
	if config.Level != "" {
		var level zap.AtomicLevel
		if err := level.UnmarshalText([]byte(config.Level)); err != nil {
			return nil, err
		}
		zapConfig.Level = level
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	if len(fields) > 0 {
		args := make([]interface{}, 0, 2*len(fields))
		for k, v := range fields {
			args = append(args, k, v)
		}
		logger = logger.Sugar().With(args...).Desugar()
	}

	return logger, nil
}

// ConfigureLogger installs zapConfig as the global zap configuration used by
// the package-level logging helpers below.
func ConfigureLogger(zapConfig zap.Config) {
	logger, err := zapConfig.Build()
	if err != nil {
		panic("log: configure logger: " + err.Error())
	}
	setGlobal(logger.Sugar())
}

var (
	mu     sync.RWMutex
	global *zap.SugaredLogger
)

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	setGlobal(logger.Sugar())
}

func setGlobal(l *zap.SugaredLogger) {
	mu.Lock()
	global = l
	mu.Unlock()
}

func getGlobal() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Debugf logs a formatted message at debug level on the global logger.
func Debugf(template string, args ...interface{}) { getGlobal().Debugf(template, args...) }

// Infof logs a formatted message at info level on the global logger.
func Infof(template string, args ...interface{}) { getGlobal().Infof(template, args...) }

// Warnf logs a formatted message at warn level on the global logger.
func Warnf(template string, args ...interface{}) { getGlobal().Warnf(template, args...) }

// Errorf logs a formatted message at error level on the global logger.
func Errorf(template string, args ...interface{}) { getGlobal().Errorf(template, args...) }

// Fatalf logs a formatted message at fatal level on the global logger, then
// calls os.Exit(1).
func Fatalf(template string, args ...interface{}) { getGlobal().Fatalf(template, args...) }

// With returns a child of the global logger with the given key/value pairs
// attached.
func With(args ...interface{}) *zap.SugaredLogger { return getGlobal().With(args...) }
