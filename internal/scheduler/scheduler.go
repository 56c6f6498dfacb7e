package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Executor carries out a schedule's action
type Executor interface {
	Execute(ctx context.Context, schedule *Schedule) error
}

// Scheduler fires due schedules from a single loop, one at a time
type Scheduler struct {
	store    *Store
	executor Executor
	logger   *slog.Logger
	now      func() time.Time

	checkInterval time.Duration

	// serialises executions between the loop and RunNow
	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config contains scheduler configuration
type Config struct {
	// CheckInterval is how often due schedules are looked up
	CheckInterval time.Duration
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{CheckInterval: time.Minute}
}

// New creates a scheduler
func New(store *Store, executor Executor, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultConfig().CheckInterval
	}
	return &Scheduler{
		store:         store,
		executor:      executor,
		logger:        logger,
		now:           time.Now,
		checkInterval: cfg.CheckInterval,
	}
}

// Start runs the loop in the background until ctx is done or Stop is called
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("Starting scheduler", "checkInterval", s.checkInterval.String())

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop cancels the loop and waits up to timeout for the current run
func (s *Scheduler) Stop(timeout time.Duration) error {
	if s.cancel == nil {
		return nil
	}
	s.logger.Info("Stopping scheduler")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("scheduler shutdown timed out after %s", timeout)
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	s.RunDue(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunDue(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunDue executes every schedule due now and returns how many ran
func (s *Scheduler) RunDue(ctx context.Context) int {
	due, err := s.store.DueSchedules(ctx, s.now())
	if err != nil {
		s.logger.Error("Failed to get due schedules", "error", err.Error())
		return 0
	}
	ran := 0
	for _, sc := range due {
		if ctx.Err() != nil {
			break
		}
		s.execute(ctx, sc)
		ran++
	}
	return ran
}

// RunNow executes a schedule immediately, whether due or not
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if sc == nil {
		return fmt.Errorf("schedule not found: %s", id)
	}
	return s.execute(ctx, sc)
}

// ListSchedules returns every schedule ordered by next run
func (s *Scheduler) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	return s.store.ListSchedules(ctx)
}

func (s *Scheduler) execute(ctx context.Context, sc *Schedule) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	logger := s.logger.With("scheduleId", sc.ID, "action", sc.Action, "device", sc.Device)
	logger.Info("Executing scheduled action")

	start := s.now()
	run, err := s.store.StartRun(ctx, sc.ID, start)
	if err != nil {
		logger.Error("Failed to record run start", "error", err.Error())
	}

	runErr := s.executor.Execute(ctx, sc)
	end := s.now()
	duration := end.Sub(start)

	if runErr != nil {
		logger.Error("Scheduled action failed", "error", runErr.Error(), "duration", duration.String())
	} else {
		logger.Info("Scheduled action completed", "duration", duration.String())
	}

	// bookkeeping outlives a cancelled run
	bg := context.WithoutCancel(ctx)
	if run != nil {
		if err := s.store.FinishRun(bg, run, end, runErr); err != nil {
			logger.Error("Failed to record run end", "error", err.Error())
		}
	}
	if err := sc.MarkRun(end, duration, runErr); err != nil {
		logger.Error("Failed to calculate next run time", "error", err.Error())
	}
	if err := s.store.UpdateSchedule(bg, sc); err != nil {
		logger.Error("Failed to update schedule", "error", err.Error())
	}
	return runErr
}
