package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse validates a schedule and returns its robfig form.
func Parse(schedule Schedule) (cron.Schedule, error) {
	expr := strings.TrimSpace(schedule.Expr)
	if expr == "" {
		return nil, fmt.Errorf("cron schedule requires an expression")
	}
	if schedule.TZ != "" {
		if _, err := time.LoadLocation(schedule.TZ); err != nil {
			return nil, fmt.Errorf("invalid timezone: %w", err)
		}
		expr = "CRON_TZ=" + schedule.TZ + " " + expr
	}

	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched, nil
}

// NextRun returns the first activation of schedule after now.
func NextRun(schedule Schedule, now time.Time) (time.Time, error) {
	sched, err := Parse(schedule)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now), nil
}

// cronLogger routes robfig's internal logging to zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
