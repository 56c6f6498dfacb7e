package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/afero"

	"timebrowse/internal/daemon"
	"timebrowse/internal/mounts"
	"timebrowse/internal/nilfs"
	"timebrowse/internal/storage"
)

// commandContext is cancelled by SIGINT or SIGTERM
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newLocator() *mounts.Locator {
	return mounts.NewLocator(logger,
		mounts.WithTable(cfg.Mounts.Table),
		mounts.WithFSType(cfg.Mounts.FSType),
		mounts.WithFs(afero.NewOsFs()),
	)
}

// resolveDevice accepts a block device or any path on a mounted volume
func resolveDevice(arg string) (string, error) {
	if strings.HasPrefix(arg, "/dev/") {
		return arg, nil
	}
	loc, err := newLocator().Locate(arg)
	if err != nil {
		return "", err
	}
	return loc.Volume.Device, nil
}

// openDB opens the journal and schedule database
func openDB() (*storage.DB, error) {
	dataDir, err := cfg.DataDir()
	if err != nil {
		return nil, err
	}
	return storage.Open(dataDir, logger)
}

// openSession creates a session for device. With journaled, mutating
// commands are recorded; the returned closer must be called either way.
func openSession(device string, journaled bool) (*nilfs.Session, func(), error) {
	var journal nilfs.Journal
	closer := func() {}
	if journaled {
		db, err := openDB()
		if err != nil {
			logger.Warn("Journal unavailable, operations will not be recorded", "error", err.Error())
		} else {
			journal = storage.NewJournalRepository(db)
			closer = func() { _ = db.Close() }
		}
	}

	factory, err := daemon.SessionFactory(cfg, logger, journal)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return factory(device), closer, nil
}
