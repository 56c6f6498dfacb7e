package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// PIDFile manages the daemon PID file
type PIDFile struct {
	path string
}

// NewPIDFile creates a new PID file manager
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Path returns the file location
func (p *PIDFile) Path() string { return p.path }

// Acquire writes the current process ID, replacing a stale file. It fails
// if the recorded process is still alive.
func (p *PIDFile) Acquire() error {
	running, pid, err := p.IsRunning()
	if err != nil {
		return err
	}
	if running && pid != os.Getpid() {
		return fmt.Errorf("daemon is already running (PID: %d)", pid)
	}

	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale PID file: %w", err)
	}

	f, err := os.OpenFile(p.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return f.Close()
}

// Release removes the PID file
func (p *PIDFile) Release() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// IsRunning reports whether the recorded process is alive. An unreadable
// PID counts as not running.
func (p *PIDFile) IsRunning() (bool, int, error) {
	pid, err := p.PID()
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) {
			return false, 0, nil
		}
		return false, 0, err
	}
	if pid == 0 {
		return false, 0, nil
	}
	return processExists(pid), pid, nil
}

// PID returns the recorded process ID, or 0 if there is no file
func (p *PIDFile) PID() (int, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processExists sends signal 0, which only checks the process is there
func processExists(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
