// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"context"

	gc "gopkg.in/check.v1"

	corelogger "github.com/relaysys/relay/core/logger"
)

// WrapCheckLog returns a Logger that logs to the given check.v1 C,
// so that worker and service output lands in the test log.
func WrapCheckLog(c *gc.C) corelogger.Logger {
	return checkLogger{c: c}
}

type checkLogger struct {
	c    *gc.C
	name string
}

func (c checkLogger) log(level string, msg string, args ...any) {
	prefix := level
	if c.name != "" {
		prefix = level + " " + c.name
	}
	c.c.Logf(prefix+": "+msg, args...)
}

func (c checkLogger) Criticalf(ctx context.Context, msg string, args ...any) {
	c.log("CRITICAL", msg, args...)
}

func (c checkLogger) Errorf(ctx context.Context, msg string, args ...any) {
	c.log("ERROR", msg, args...)
}

func (c checkLogger) Warningf(ctx context.Context, msg string, args ...any) {
	c.log("WARNING", msg, args...)
}

func (c checkLogger) Infof(ctx context.Context, msg string, args ...any) {
	c.log("INFO", msg, args...)
}

func (c checkLogger) Debugf(ctx context.Context, msg string, args ...any) {
	c.log("DEBUG", msg, args...)
}

func (c checkLogger) Tracef(ctx context.Context, msg string, args ...any) {
	c.log("TRACE", msg, args...)
}

func (c checkLogger) IsLevelEnabled(corelogger.Level) bool { return true }

func (c checkLogger) Child(name string, tags ...string) corelogger.Logger {
	child := c.name + "." + name
	if c.name == "" {
		child = name
	}
	return checkLogger{c: c.c, name: child}
}
