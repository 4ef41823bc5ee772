package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// alignedEvery fires at start and then on every multiple of the interval
// after it, whenever the previous run actually woke up.
type alignedEvery struct {
	start time.Time
	every time.Duration
}

func (s alignedEvery) Next(t time.Time) time.Time {
	if t.Before(s.start) {
		return s.start
	}
	n := t.Sub(s.start)/s.every + 1
	return s.start.Add(n * s.every)
}

var _ cron.Schedule = alignedEvery{}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
