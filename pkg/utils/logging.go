/*
 * stalker-proxy relays the live channels of a Stalker portal to IPTV players.
 * Copyright (C) 2025  Lucas Duport
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Fields is an alias so callers don't need to import logrus directly.
type Fields = logrus.Fields

var logger = logrus.New()

var logFile *os.File

// LogOptions configures the process logger.
type LogOptions struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	File   string // optional path, appended to
	Debug  bool   // forces debug level
}

func init() {
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	ConfigureLogging(LogOptions{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: os.Getenv("LOG_FORMAT"),
		File:   os.Getenv("LOG_FILE"),
		Debug:  os.Getenv("DEBUG_LOGGING") == "true",
	})
}

// ConfigureLogging applies level, format and destination. It can be called
// again once flags are parsed.
func ConfigureLogging(opts LogOptions) {
	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil {
		level = logrus.InfoLevel
	}
	if opts.Debug {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(opts.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			logger.Warnf("Error creating log directory: %v", err)
			return
		}
		f, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			logger.Warnf("Error opening log file: %v", err)
			return
		}
		if logFile != nil {
			logFile.Close()
		}
		logFile = f
		logger.SetOutput(f)
	}
}

// Close closes any open log files
func Close() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// DebugEnabled reports whether debug messages are emitted.
func DebugEnabled() bool {
	return logger.IsLevelEnabled(logrus.DebugLevel)
}

// WithFields returns an entry for structured logging at the call site.
func WithFields(fields Fields) *logrus.Entry {
	return logger.WithFields(fields).WithField("caller", caller(2))
}

// InfoLog logs an info message
func InfoLog(format string, v ...interface{}) {
	logger.WithField("caller", caller(2)).Infof(format, v...)
}

// WarnLog logs a warning message
func WarnLog(format string, v ...interface{}) {
	logger.WithField("caller", caller(2)).Warnf(format, v...)
}

// DebugLog logs a debug message if debug logging is enabled
func DebugLog(format string, v ...interface{}) {
	if !DebugEnabled() {
		return
	}
	logger.WithField("caller", caller(2)).Debugf(format, v...)
}

// ErrorLog logs an error message
func ErrorLog(format string, v ...interface{}) {
	logger.WithField("caller", caller(2)).Errorf(format, v...)
}

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
