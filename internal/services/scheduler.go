// Package services – Scheduler
//
// The scheduler drives periodic ingestion across the tracked population. On
// every tick it selects active characters whose next_due_at has passed
// (oldest first) and dispatches them to a bounded worker pool. Budgets are
// enforced per server-world group: a fixed concurrency slot count plus a
// minimum inter-request spacing, so one busy world cannot exhaust another
// source's rate allowance.
//
// A single-flight registry keyed by character ID guarantees at most one
// in-flight cycle per character; manual refreshes share the guard and the
// group budgets with scheduled runs. Rescheduling is not done here: the
// ingestion engine's own next_due_at write is what removes a character from
// the next selection round.
package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/dkrol/go-tracker-backend/internal/domain"
	"github.com/dkrol/go-tracker-backend/internal/repo"
)

// SchedulerOptions configures the scheduling loop and its budgets.
type SchedulerOptions struct {
	TickInterval     time.Duration // how often due characters are selected
	BatchSize        int           // max characters selected per tick (<=0: unbounded)
	GroupConcurrency int           // concurrent cycles per server-world group
	MinSpacing       time.Duration // min delay between requests within a group
}

// Scheduler owns the tick loop, the worker pool and the single-flight guard.
type Scheduler struct {
	db     *gorm.DB
	engine *IngestService
	opts   SchedulerOptions

	flights *flightRegistry

	mu     sync.Mutex
	groups map[string]*workGroup

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// workGroup is the per server-world budget: a semaphore bounding concurrent
// cycles and a limiter enforcing minimum spacing between requests.
type workGroup struct {
	sem     chan struct{}
	limiter *rate.Limiter
}

// NewScheduler wires a scheduler over db and engine. Zero option values get
// conservative defaults.
func NewScheduler(db *gorm.DB, engine *IngestService, opts SchedulerOptions) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	if opts.GroupConcurrency <= 0 {
		opts.GroupConcurrency = 2
	}
	if opts.MinSpacing <= 0 {
		opts.MinSpacing = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		db:      db,
		engine:  engine,
		opts:    opts,
		flights: newFlightRegistry(),
		groups:  make(map[string]*workGroup),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the tick loop. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.TickInterval)
		defer ticker.Stop()
		log.Info().Dur("tick_interval", s.opts.TickInterval).Msg("scheduler started")
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Tick(s.ctx); err != nil {
					log.Error().Err(err).Msg("scheduler tick failed")
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for in-flight cycles to drain, or for ctx
// to expire, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs one selection round: due characters are fetched oldest-first and
// dispatched to the pool. It returns the number of cycles dispatched;
// characters already in flight are skipped, not queued.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	due, err := repo.ListDueCharacters(ctx, s.db, s.engine.now(), s.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for i := range due {
		char := due[i]
		if !s.flights.TryAcquire(char.ID) {
			continue
		}
		dispatched++
		schedulerDispatched.WithLabelValues("tick").Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.flights.Release(char.ID)
			s.runGated(s.ctx, &char)
		}()
	}
	return dispatched, nil
}

// RequestManualRefresh runs a prioritized cycle for one character, bypassing
// the due-time check but not the single-flight guard or the group budget.
// The caller gets the cycle result synchronously.
func (s *Scheduler) RequestManualRefresh(ctx context.Context, characterID string) (CycleResult, error) {
	char, err := repo.GetCharacter(ctx, s.db, characterID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return CycleResult{}, ErrCharacterNotFound
		}
		return CycleResult{}, err
	}
	if !char.Active {
		return CycleResult{}, ErrCharacterInactive
	}
	if !s.flights.TryAcquire(char.ID) {
		return CycleResult{}, ErrCycleInFlight
	}
	defer s.flights.Release(char.ID)

	schedulerDispatched.WithLabelValues("manual").Inc()
	return s.runGated(ctx, char), nil
}

// runGated executes one cycle under the character's server-world budget.
// The caller must already hold the character's flight slot.
func (s *Scheduler) runGated(ctx context.Context, char *domain.Character) CycleResult {
	g := s.group(char.Server, char.World)

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return CycleResult{Outcome: OutcomeTransient, Err: ctx.Err()}
	}
	defer func() { <-g.sem }()

	if err := g.limiter.Wait(ctx); err != nil {
		return CycleResult{Outcome: OutcomeTransient, Err: err}
	}
	return s.engine.RunCycle(ctx, char)
}

// group returns (creating on first use) the budget for a server-world pair.
func (s *Scheduler) group(server, world string) *workGroup {
	key := server + "/" + world
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[key]
	if !ok {
		g = &workGroup{
			sem:     make(chan struct{}, s.opts.GroupConcurrency),
			limiter: rate.NewLimiter(rate.Every(s.opts.MinSpacing), 1),
		}
		s.groups[key] = g
	}
	return g
}
