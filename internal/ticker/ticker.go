package ticker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Task is the work performed on every tick
type Task func(ctx context.Context, now time.Time)

// Ticker runs a task at a fixed interval until its context is cancelled
type Ticker struct {
	name     string
	task     Task
	interval time.Duration
	logger   zerolog.Logger
}

// NewTicker creates a new Ticker
func NewTicker(name string, interval time.Duration, task Task, logger zerolog.Logger) *Ticker {
	return &Ticker{
		name:     name,
		task:     task,
		interval: interval,
		logger:   logger.With().Str("component", "ticker").Str("task", name).Logger(),
	}
}

// Start runs the task on every tick. A panicking task is logged and the
// ticker keeps running.
func (t *Ticker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info().Dur("interval", t.interval).Msg("ticker started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("ticker stopped")
			return

		case now := <-ticker.C:
			t.run(ctx, now)
		}
	}
}

func (t *Ticker) run(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().Interface("panic", r).Msg("ticker task panicked")
		}
	}()

	t.task(ctx, now)
	t.logger.Debug().Time("tick", now).Msg("ticker task finished")
}
