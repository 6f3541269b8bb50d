// Copyright 2024 Tigris Data, Inc.
// Copyright 2025 The mediasync Authors
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
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

var DefaultLogConfig = &LogConfig{
	Level:  "info",
	Format: "console",
	Color:  false,
}

var (
	mu      sync.Mutex
	loggers = make(map[string]*LogHandle)
)

var logWriter io.Writer = os.Stderr

// InitLoggerRedirect points every logger at target: "stderr" (or empty) keeps
// the default, "syslog" uses the local syslog daemon, anything else is a file
// that also receives the process stdout and stderr.
func InitLoggerRedirect(target string) error {
	switch target {
	case "", "stderr", "/dev/stderr":
		logWriter = os.Stderr
		return nil
	case "syslog":
		w, err := InitSyslog()
		if err != nil {
			return fmt.Errorf("open syslog: %w", err)
		}
		logWriter = w
		return nil
	}

	lf, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return fmt.Errorf("open log file %v: %w", target, err)
	}
	if err = redirectStdio(lf); err != nil {
		return fmt.Errorf("redirect stdio to %v: %w", target, err)
	}
	logWriter = lf
	return nil
}

// SetLoggersConfig rebuilds every registered logger with config.
func SetLoggersConfig(config *LogConfig) {
	mu.Lock()
	defer mu.Unlock()

	for _, l := range loggers {
		nl := NewLogger(config, l.name, config.Color, logWriter)
		l.Logger = nl.Logger
	}
}

// SetLevel changes the level of every registered logger.
func SetLevel(level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()

	for _, l := range loggers {
		l.SetLevel(level)
	}
}

type LogHandle struct {
	*zerolog.Logger

	name string
}

func (l *LogHandle) Infof(msg string, args ...interface{}) {
	l.Info().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Errorf(msg string, args ...interface{}) {
	l.Error().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Warnf(msg string, args ...interface{}) {
	l.Warn().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Debugf(msg string, args ...interface{}) {
	l.Debug().CallerSkipFrame(1).Msgf(msg, args...)
}

func (l *LogHandle) Name() string {
	return l.name
}

func (l *LogHandle) IsLevelEnabled(level zerolog.Level) bool {
	return l.GetLevel() <= level
}

func (l *LogHandle) SetLevel(level zerolog.Level) {
	nl := l.Level(level)
	l.Logger = &nl
}

// E logs err if it is non-nil and reports whether it did.
//
//	if log.E(err) {
//	    return err
//	}
func (l *LogHandle) E(err error) bool {
	if err == nil {
		return false
	}

	l.Error().CallerSkipFrame(1).Msg(err.Error())

	return true
}

// GetLogger returns the logger registered under name, creating it with the
// current default config on first use.
func GetLogger(name string) *LogHandle {
	mu.Lock()
	defer mu.Unlock()

	logger, ok := loggers[name]
	if !ok {
		logger = NewLogger(DefaultLogConfig, name, DefaultLogConfig.Color, logWriter)
		loggers[name] = logger
	}

	return logger
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Color  bool   `yaml:"color"`
	File   string `yaml:"file"`
}

func consoleFormatCallerWithModule(i any, module string) string {
	var c string
	if cc, ok := i.(string); ok {
		c = cc
	}
	if len(c) > 0 {
		l := strings.Split(c, "/")
		if len(l) == 1 {
			return module + " " + l[0]
		}
		return module + " " + l[len(l)-2] + "/" + l[len(l)-1]
	}
	return module
}

func NewLogger(config *LogConfig, module string, colorized bool, writer io.Writer) *LogHandle {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if config.Format == "console" {
		output := zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: time.StampMicro,
		}
		output.NoColor = !colorized
		output.FormatCaller = func(i any) string {
			return consoleFormatCallerWithModule(i, module)
		}
		logger = zerolog.New(output).Level(lvl).With().Timestamp().CallerWithSkipFrameCount(2).Stack().Logger()
	} else {
		logger = zerolog.New(writer).Level(lvl).With().Timestamp().CallerWithSkipFrameCount(2).Stack().
			Str("module", module).Logger()
	}

	return &LogHandle{Logger: &logger, name: module}
}
