// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package logger provides the loggo-backed implementation of the
// core logger interface. The context arguments are accepted so that
// call sites can thread trace correlation through; loggo itself does
// not consume them.
package logger

import (
	"context"

	"github.com/juju/loggo/v2"

	corelogger "github.com/relaysys/relay/core/logger"
)

// GetLogger returns a logger with the given name and tags from the
// default loggo context.
func GetLogger(name string, tags ...string) corelogger.Logger {
	return WrapLoggo(loggo.GetLoggerWithTags(name, tags...))
}

// LoggerContext returns a logger context backed by a new loggo context
// with the given default level applied at the root.
func LoggerContext(level corelogger.Level) corelogger.LoggerContext {
	return WrapLoggoContext(loggo.NewContext(loggoLevel(level)))
}

type loggoLogger struct {
	logger loggo.Logger
}

// WrapLoggo wraps a loggo logger as a core logger.
func WrapLoggo(logger loggo.Logger) corelogger.Logger {
	return loggoLogger{logger: logger}
}

// Criticalf logs a message at the critical level.
func (c loggoLogger) Criticalf(ctx context.Context, msg string, args ...any) {
	c.logger.LogCallf(2, loggo.CRITICAL, msg, args...)
}

// Errorf logs a message at the error level.
func (c loggoLogger) Errorf(ctx context.Context, msg string, args ...any) {
	c.logger.LogCallf(2, loggo.ERROR, msg, args...)
}

// Warningf logs a message at the warning level.
func (c loggoLogger) Warningf(ctx context.Context, msg string, args ...any) {
	c.logger.LogCallf(2, loggo.WARNING, msg, args...)
}

// Infof logs a message at the info level.
func (c loggoLogger) Infof(ctx context.Context, msg string, args ...any) {
	c.logger.LogCallf(2, loggo.INFO, msg, args...)
}

// Debugf logs a message at the debug level.
func (c loggoLogger) Debugf(ctx context.Context, msg string, args ...any) {
	c.logger.LogCallf(2, loggo.DEBUG, msg, args...)
}

// Tracef logs a message at the trace level.
func (c loggoLogger) Tracef(ctx context.Context, msg string, args ...any) {
	c.logger.LogCallf(2, loggo.TRACE, msg, args...)
}

// IsLevelEnabled returns true if the given level is enabled for the logger.
func (c loggoLogger) IsLevelEnabled(level corelogger.Level) bool {
	return c.logger.IsLevelEnabled(loggoLevel(level))
}

// Child returns a new logger with the given name, suffixed to the name
// of this logger.
func (c loggoLogger) Child(name string, tags ...string) corelogger.Logger {
	return loggoLogger{logger: c.logger.ChildWithTags(name, tags...)}
}

type loggoContext struct {
	ctx *loggo.Context
}

// WrapLoggoContext wraps a loggo context as a core logger context.
func WrapLoggoContext(ctx *loggo.Context) corelogger.LoggerContext {
	return loggoContext{ctx: ctx}
}

// GetLogger returns a logger with the given name and tags.
func (c loggoContext) GetLogger(name string, tags ...string) corelogger.Logger {
	return WrapLoggo(c.ctx.GetLogger(name, tags...))
}

// ConfigureLoggers configures loggers according to the given string
// specification.
func (c loggoContext) ConfigureLoggers(specification string) error {
	return c.ctx.ConfigureLoggers(specification)
}

func loggoLevel(level corelogger.Level) loggo.Level {
	switch level {
	case corelogger.TRACE:
		return loggo.TRACE
	case corelogger.DEBUG:
		return loggo.DEBUG
	case corelogger.INFO:
		return loggo.INFO
	case corelogger.WARNING:
		return loggo.WARNING
	case corelogger.ERROR:
		return loggo.ERROR
	case corelogger.CRITICAL:
		return loggo.CRITICAL
	default:
		return loggo.UNSPECIFIED
	}
}
