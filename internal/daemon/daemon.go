// Package daemon runs snapshot policies in the background: it owns the
// database, the policy schedules and the maintenance of the journal.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"timebrowse/internal/checkpoint"
	"timebrowse/internal/config"
	"timebrowse/internal/nilfs"
	"timebrowse/internal/paths"
	"timebrowse/internal/scheduler"
	"timebrowse/internal/slogutil"
	"timebrowse/internal/storage"
	"timebrowse/internal/version"
	"timebrowse/internal/watcher"
)

// shutdownTimeout bounds how long Stop waits for a running action
const shutdownTimeout = 30 * time.Second

// Daemon represents the timebrowse daemon process
type Daemon struct {
	cfg        *config.Config
	dataDir    string
	policyPath string
	logger     *slog.Logger
	logCloser  io.Closer

	db        *storage.DB
	store     *scheduler.Store
	scheduler *scheduler.Scheduler
	compactor *Compactor
	watcher   *watcher.Watcher
	pid       *PIDFile

	// Shutdown coordination
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	startedAt time.Time
	policies  int
}

// DaemonState represents the current daemon state
type DaemonState struct {
	PID        int           `json:"pid" yaml:"pid"`
	StartedAt  time.Time     `json:"startedAt" yaml:"startedAt"`
	Version    string        `json:"version" yaml:"version"`
	Uptime     time.Duration `json:"uptime" yaml:"uptime"`
	DataDir    string        `json:"dataDir" yaml:"dataDir"`
	PolicyFile string        `json:"policyFile" yaml:"policyFile"`
	Policies   int           `json:"policies" yaml:"policies"`
}

// Option configures a Daemon
type Option func(*options)

type options struct {
	logger   *slog.Logger
	sessions scheduler.SessionFactory
	stderr   bool
}

// WithLogger replaces the daemon log file with logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithSessionFactory replaces the nilfs-utils backed sessions
func WithSessionFactory(f scheduler.SessionFactory) Option {
	return func(o *options) { o.sessions = f }
}

// WithStderr copies the daemon log to standard error
func WithStderr(enabled bool) Option {
	return func(o *options) { o.stderr = enabled }
}

// New opens the database and log of a daemon configured by cfg
func New(cfg *config.Config, opts ...Option) (*Daemon, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	dataDir, err := cfg.DataDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	policyPath, err := cfg.PolicyFile()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve policy file: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logger, logCloser := o.logger, io.Closer(nil)
	if logger == nil {
		logFile := cfg.Logging.File
		if logFile == "" {
			logFile = paths.DaemonLogPath(dataDir)
		}
		logger, logCloser, err = slogutil.Setup(slogutil.Options{
			Level:      slogutil.LevelFromString(cfg.Logging.Level),
			Format:     cfg.Logging.Format,
			File:       logFile,
			MaxSize:    cfg.Logging.MaxSize,
			MaxBackups: cfg.Logging.MaxBackups,
			Stderr:     o.stderr,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
	}

	db, err := storage.Open(dataDir, logger)
	if err != nil {
		if logCloser != nil {
			_ = logCloser.Close()
		}
		return nil, err
	}

	sessions := o.sessions
	if sessions == nil {
		sessions, err = SessionFactory(cfg, logger, storage.NewJournalRepository(db))
		if err != nil {
			_ = db.Close()
			if logCloser != nil {
				_ = logCloser.Close()
			}
			return nil, err
		}
	}

	store := scheduler.NewStore(db, logger)
	executor := scheduler.NewVolumeExecutor(sessions, logger)

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		cfg:        cfg,
		dataDir:    dataDir,
		policyPath: policyPath,
		logger:     logger,
		logCloser:  logCloser,
		db:         db,
		store:      store,
		scheduler: scheduler.New(store, executor, logger, scheduler.Config{
			CheckInterval: cfg.CheckInterval(),
		}),
		compactor: NewCompactor(db, store, CompactionConfig{
			Retention: cfg.JournalRetention(),
			Interval:  DefaultCompactionConfig().Interval,
		}, logger),
		pid:    NewPIDFile(paths.PIDPath(dataDir)),
		ctx:    ctx,
		cancel: cancel,
	}
	d.watcher = watcher.New(watcher.DefaultConfig(), afero.NewOsFs(), logger, d.onPolicyChange)
	return d, nil
}

// SessionFactory returns a factory of nilfs-utils backed sessions that
// journal into journal (which may be nil).
func SessionFactory(cfg *config.Config, logger *slog.Logger, journal nilfs.Journal) (scheduler.SessionFactory, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	tools := nilfs.Tools{Lscp: cfg.Nilfs.Lscp, Mkcp: cfg.Nilfs.Mkcp, Chcp: cfg.Nilfs.Chcp}
	return func(device string) *nilfs.Session {
		opts := []nilfs.SessionOption{
			nilfs.WithParser(&checkpoint.Parser{Strict: cfg.Parser.Strict, Location: loc}),
		}
		if journal != nil {
			opts = append(opts, nilfs.WithJournal(journal))
		}
		volume := nilfs.NewCLI(device, tools, cfg.CommandTimeout(), logger)
		return nilfs.NewSession(volume, logger, opts...)
	}, nil
}

// Scheduler returns the daemon's scheduler
func (d *Daemon) Scheduler() *scheduler.Scheduler { return d.scheduler }

// Store returns the schedule store
func (d *Daemon) Store() *scheduler.Store { return d.store }

// Start acquires the PID file, loads the policies and starts the
// scheduler and compaction loops.
func (d *Daemon) Start() error {
	d.logger.Info("Starting timebrowse daemon", "version", version.Version, "dataDir", d.dataDir)

	if err := d.pid.Acquire(); err != nil {
		return fmt.Errorf("failed to acquire PID file: %w", err)
	}

	if err := d.ReloadPolicies(d.ctx); err != nil {
		_ = d.pid.Release()
		return err
	}

	d.mu.Lock()
	d.startedAt = time.Now()
	d.mu.Unlock()

	d.scheduler.Start(d.ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.compactor.loop(d.ctx)
	}()

	d.watcher.Watch(d.policyPath)
	d.watcher.Start(d.ctx)

	d.logger.Info("Daemon started", "pid", os.Getpid())
	return nil
}

// ReloadPolicies re-reads the policy file and syncs the schedules. A
// missing policy file means no policies.
func (d *Daemon) ReloadPolicies(ctx context.Context) error {
	policies, err := scheduler.LoadPolicies(d.policyPath)
	if errors.Is(err, os.ErrNotExist) {
		d.logger.Warn("Policy file not found, no schedules active", "path", d.policyPath)
		policies, err = nil, nil
	}
	if err != nil {
		return err
	}
	if err := d.store.SyncPolicies(ctx, policies, time.Now()); err != nil {
		return fmt.Errorf("failed to sync policies: %w", err)
	}

	d.mu.Lock()
	d.policies = len(policies)
	d.mu.Unlock()

	d.logger.Info("Policies loaded", "path", d.policyPath, "count", len(policies))
	return nil
}

// onPolicyChange reloads the policies after the policy file was edited
func (d *Daemon) onPolicyChange(events []watcher.Event) {
	for _, ev := range events {
		d.logger.Info("Policy file changed", "path", ev.Path, "event", ev.Type.String())
	}
	if err := d.ReloadPolicies(d.ctx); err != nil {
		d.logger.Error("Failed to reload policies", "error", err.Error())
	}
}

// Stop gracefully stops the daemon
func (d *Daemon) Stop() error {
	d.logger.Info("Stopping daemon")
	d.cancel()

	d.watcher.Stop()
	if err := d.scheduler.Stop(shutdownTimeout); err != nil {
		d.logger.Error("Scheduler shutdown error", "error", err.Error())
	}
	d.wg.Wait()

	if err := d.pid.Release(); err != nil {
		d.logger.Error("Failed to release PID file", "error", err.Error())
	}

	d.logger.Info("Daemon stopped")
	return d.Close()
}

// Close releases the database and log file without touching the PID file
func (d *Daemon) Close() error {
	err := d.db.Close()
	if d.logCloser != nil {
		if cerr := d.logCloser.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Wait blocks until SIGINT or SIGTERM. SIGHUP reloads the policy file.
func (d *Daemon) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := d.ReloadPolicies(d.ctx); err != nil {
					d.logger.Error("Failed to reload policies", "error", err.Error())
				}
				continue
			}
			d.logger.Info("Received signal", "signal", sig.String())
			return
		case <-d.ctx.Done():
			d.logger.Info("Context cancelled")
			return
		}
	}
}

// State returns the current daemon state
func (d *Daemon) State() *DaemonState {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return &DaemonState{
		PID:        os.Getpid(),
		StartedAt:  d.startedAt,
		Version:    version.Version,
		Uptime:     time.Since(d.startedAt),
		DataDir:    d.dataDir,
		PolicyFile: d.policyPath,
		Policies:   d.policies,
	}
}

// IsRunning checks whether a daemon owns dataDir
func IsRunning(dataDir string) (bool, int, error) {
	return NewPIDFile(paths.PIDPath(dataDir)).IsRunning()
}

// Signal sends sig to the daemon owning dataDir
func Signal(dataDir string, sig os.Signal) error {
	running, pid, err := IsRunning(dataDir)
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("daemon is not running")
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(sig); err != nil {
		return fmt.Errorf("failed to send signal: %w", err)
	}
	return nil
}

// StopRemote sends SIGTERM to a running daemon and waits for it to exit
func StopRemote(dataDir string) error {
	if err := Signal(dataDir, syscall.SIGTERM); err != nil {
		return err
	}

	pid := NewPIDFile(paths.PIDPath(dataDir))
	timeout := time.After(shutdownTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return fmt.Errorf("timeout waiting for daemon to stop")
		case <-ticker.C:
			running, _, _ := pid.IsRunning()
			if !running {
				return nil
			}
		}
	}
}
