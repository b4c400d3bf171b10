// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package logger

import (
	"context"
)

// Logger is the interface to use for logging requests and errors.
// Implementations route messages to the process log sink; the context
// carries trace correlation where the sink supports it.
type Logger interface {
	// Criticalf logs a message at the critical level.
	Criticalf(ctx context.Context, msg string, args ...any)

	// Errorf logs a message at the error level.
	Errorf(ctx context.Context, msg string, args ...any)

	// Warningf logs a message at the warning level.
	Warningf(ctx context.Context, msg string, args ...any)

	// Infof logs a message at the info level.
	Infof(ctx context.Context, msg string, args ...any)

	// Debugf logs a message at the debug level.
	Debugf(ctx context.Context, msg string, args ...any)

	// Tracef logs a message at the trace level.
	Tracef(ctx context.Context, msg string, args ...any)

	// IsLevelEnabled returns true if the given level is enabled for the
	// logger. Guard expensive argument construction with this.
	IsLevelEnabled(Level) bool

	// Child returns a new logger with the given name, suffixed to the
	// name of the current logger.
	Child(name string, tags ...string) Logger
}

// LoggerContext is the interface for a logger context: a root from which
// named loggers are obtained and levels configured.
type LoggerContext interface {
	// GetLogger returns a logger with the given name and tags.
	GetLogger(name string, tags ...string) Logger

	// ConfigureLoggers configures loggers according to the given string
	// specification, which specifies a set of modules and their associated
	// logging levels.
	ConfigureLoggers(specification string) error
}
