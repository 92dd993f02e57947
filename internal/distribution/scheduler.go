package distribution

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs process-all distribution passes on a cron schedule and
// on-demand passes for newly created escalations
type Scheduler struct {
	runner   Runner
	schedule string
	cron     *cron.Cron
	logger   zerolog.Logger

	mu       sync.RWMutex
	ctx      context.Context
	stopping bool
	wg       sync.WaitGroup
}

// NewScheduler creates a new Scheduler. An empty schedule disables periodic
// runs; Trigger still works.
func NewScheduler(runner Runner, schedule string, logger zerolog.Logger) (*Scheduler, error) {
	logger = logger.With().Str("component", "scheduler").Logger()
	cronLog := cronLogger{logger: logger}

	s := &Scheduler{
		runner:   runner,
		schedule: schedule,
		cron:     cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog))),
		logger:   logger,
		ctx:      context.Background(),
	}

	if schedule != "" {
		if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
			return nil, fmt.Errorf("invalid distribution schedule %q: %w", schedule, err)
		}
	}

	return s, nil
}

// Start runs the cron schedule until the context is cancelled
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info().Str("schedule", s.schedule).Msg("distribution scheduler started")

	<-ctx.Done()

	// Trigger adds to wg under mu, so no Add can follow this point
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info().Msg("distribution scheduler stopped")
}

// Trigger runs a distribution pass for one escalation in the background.
// It is a no-op once the scheduler is shutting down; the next periodic pass
// after restart picks the escalation up.
func (s *Scheduler) Trigger(escalationID string) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.logger.Warn().Str("escalation_id", escalationID).Msg("scheduler stopping, trigger dropped")
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.run(Request{EscalationID: escalationID})
	}()
}

// tick performs a single scheduled process-all pass
func (s *Scheduler) tick() {
	s.run(Request{ProcessAll: true})
}

func (s *Scheduler) run(req Request) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()

	result, err := s.runner.Distribute(ctx, req)
	if err != nil {
		s.logger.Error().Err(err).
			Str("escalation_id", req.EscalationID).
			Bool("process_all", req.ProcessAll).
			Msg("scheduled distribution failed")
		return
	}

	s.logger.Debug().
		Int("processed", result.Processed).
		Int("assigned", result.Assigned).
		Msg("scheduled distribution finished")
}

// cronLogger adapts zerolog to cron.Logger
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
