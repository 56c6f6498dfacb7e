package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"timebrowse/internal/scheduler"
	"timebrowse/internal/storage"
)

// CompactionConfig contains compaction settings
type CompactionConfig struct {
	// Retention is how long journal entries and schedule runs are kept;
	// zero keeps them for ever
	Retention time.Duration
	// Interval is the time between compaction runs
	Interval time.Duration
}

// DefaultCompactionConfig returns default compaction settings
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		Retention: 90 * 24 * time.Hour,
		Interval:  24 * time.Hour,
	}
}

// CompactionResult contains the results of a compaction run
type CompactionResult struct {
	StartedAt            time.Time `json:"startedAt" yaml:"startedAt"`
	CompletedAt          time.Time `json:"completedAt" yaml:"completedAt"`
	DurationMs           int64     `json:"durationMs" yaml:"durationMs"`
	JournalEntriesPurged int64     `json:"journalEntriesPurged" yaml:"journalEntriesPurged"`
	RunsPurged           int64     `json:"runsPurged" yaml:"runsPurged"`
	Errors               []string  `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Compactor trims the operation journal and schedule run history
type Compactor struct {
	config  CompactionConfig
	db      *storage.DB
	journal *storage.JournalRepository
	store   *scheduler.Store
	logger  *slog.Logger
	now     func() time.Time
}

// NewCompactor creates a new compactor
func NewCompactor(db *storage.DB, store *scheduler.Store, config CompactionConfig, logger *slog.Logger) *Compactor {
	return &Compactor{
		config:  config,
		db:      db,
		journal: storage.NewJournalRepository(db),
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

// Run performs one compaction pass. Failures of individual steps are
// collected in the result.
func (c *Compactor) Run(ctx context.Context) *CompactionResult {
	result := &CompactionResult{StartedAt: c.now()}
	if c.config.Retention <= 0 {
		result.CompletedAt = result.StartedAt
		return result
	}
	cutoff := result.StartedAt.Add(-c.config.Retention)

	c.logger.Info("Starting compaction", "cutoff", cutoff.Format(time.RFC3339))

	n, err := c.journal.Prune(ctx, cutoff)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("journal pruning: %v", err))
	}
	result.JournalEntriesPurged = n

	n, err = c.store.PruneRuns(ctx, cutoff)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("run pruning: %v", err))
	}
	result.RunsPurged = n

	if _, err := c.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("wal checkpoint: %v", err))
	}

	result.CompletedAt = c.now()
	result.DurationMs = result.CompletedAt.Sub(result.StartedAt).Milliseconds()

	c.logger.Info("Compaction completed",
		"journalEntriesPurged", result.JournalEntriesPurged,
		"runsPurged", result.RunsPurged,
		"errors", len(result.Errors),
		"durationMs", result.DurationMs,
	)
	return result
}

// loop runs compaction at start and then every Interval until ctx is done
func (c *Compactor) loop(ctx context.Context) {
	interval := c.config.Interval
	if interval <= 0 {
		interval = DefaultCompactionConfig().Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Run(ctx)
	for {
		select {
		case <-ticker.C:
			c.Run(ctx)
		case <-ctx.Done():
			return
		}
	}
}
