package backport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ehr/backport/internal/domain/subscription"
)

// Cycler runs poll cycles.
type Cycler interface {
	RunCycle(ctx context.Context, scope Scope) (*Report, error)
}

// Scheduler drives the engine: once at start, on a fixed interval and
// immediately after a subscription is created.
type Scheduler struct {
	engine   Cycler
	interval time.Duration
	logger   zerolog.Logger

	cron *cron.Cron
	wg   sync.WaitGroup

	// mu guards the lifecycle fields below and every wg.Add.
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

// NewScheduler creates a scheduler polling every interval.
func NewScheduler(engine Cycler, interval time.Duration, logger zerolog.Logger) *Scheduler {
	l := logger.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		engine:   engine,
		interval: interval,
		logger:   l,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(&l)))),
	}
}

// Start schedules the periodic cycle and kicks off the startup cycle. Cycles
// stop when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("polling interval must be positive, got %s", s.interval)
	}
	s.mu.Lock()
	if s.ctx != nil || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("poll scheduler already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.ctx, s.cancel = runCtx, cancel
	s.mu.Unlock()

	if _, err := s.cron.AddFunc("@every "+s.interval.String(), func() {
		s.run(runCtx, Scope{}, "interval")
	}); err != nil {
		return fmt.Errorf("schedule poll cycle: %w", err)
	}
	s.cron.Start()
	s.logger.Info().Dur("interval", s.interval).Msg("poll scheduler started")

	s.Trigger(Scope{}, "startup")
	return nil
}

// Trigger runs a cycle asynchronously. It is a no-op before Start and after
// Stop.
func (s *Scheduler) Trigger(scope Scope, reason string) {
	s.mu.Lock()
	ctx := s.ctx
	if ctx == nil || s.stopped {
		s.mu.Unlock()
		s.logger.Debug().Str("reason", reason).Msg("scheduler not running, skipping poll")
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		s.run(ctx, scope, reason)
	}()
}

// SubscriptionCreated is a subscription.CreateHook that polls the new
// subscription's topic right away.
func (s *Scheduler) SubscriptionCreated(_ context.Context, sub *subscription.Subscription) {
	url := sub.TopicURL()
	if url == "" {
		s.logger.Warn().Str("subscription", sub.ID).Msg("subscription has no topic, skipping initial poll")
		return
	}
	s.Trigger(Scope{TopicURLs: []string{url}}, "subscription-created")
}

func (s *Scheduler) run(ctx context.Context, scope Scope, reason string) {
	if ctx.Err() != nil {
		return
	}
	log := s.logger.With().Str("reason", reason).Strs("topics", scope.TopicURLs).Logger()
	if _, err := s.engine.RunCycle(ctx, scope); err != nil {
		log.Error().Err(err).Msg("poll cycle completed with errors")
		return
	}
	log.Debug().Msg("poll cycle completed")
}

// Stop cancels running cycles, halts the interval and waits for everything
// to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info().Msg("poll scheduler stopped")
}
