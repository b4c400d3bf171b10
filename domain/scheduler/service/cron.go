// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/robfig/cron/v3"
)

// parseSchedule parses a cron expression, selecting granularity by
// field count: five fields is the classic minute form, six carries a
// leading seconds field.
func parseSchedule(schedule string) (cron.Schedule, error) {
	var parser cron.Parser
	switch len(strings.Fields(schedule)) {
	case 5:
		parser = cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	case 6:
		parser = cron.NewParser(
			cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	default:
		return nil, errors.NotValidf("cron schedule %q", schedule)
	}

	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, errors.NewNotValid(err, fmt.Sprintf("cron schedule %q", schedule))
	}
	return sched, nil
}

// nextRun computes the first occurrence of the schedule strictly after
// the input time.
func nextRun(schedule string, after time.Time) (time.Time, error) {
	sched, err := parseSchedule(schedule)
	if err != nil {
		return time.Time{}, errors.Trace(err)
	}
	return sched.Next(after), nil
}
