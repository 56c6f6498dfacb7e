// Package paths resolves file system locations used by timebrowse.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	// HomeEnvVar overrides the data directory
	HomeEnvVar = "TIMEBROWSE_HOME"

	appName      = "timebrowse"
	databaseFile = "timebrowse.db"
	logsSubdir   = "logs"
	daemonLog    = "daemon.log"
	pidFile      = "daemon.pid"
)

// RealPath returns the absolute, symlink-free form of path. A path that does
// not exist is made absolute and cleaned only.
func RealPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return abs, nil
		}
		return "", err
	}
	return resolved, nil
}

// HasPathPrefix reports whether prefix is path or one of its ancestor
// directories. Both must be clean absolute paths; "/mnt/a" is not a prefix
// of "/mnt/ab".
func HasPathPrefix(path, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// RelativeTo returns path relative to root, or false if path lies outside root.
func RelativeTo(path, root string) (string, bool) {
	if !HasPathPrefix(path, root) {
		return "", false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

// DataDir returns $TIMEBROWSE_HOME, $XDG_DATA_HOME/timebrowse or
// ~/.local/share/timebrowse, in that order.
func DataDir() (string, error) {
	if env := os.Getenv(HomeEnvVar); env != "" {
		return env, nil
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", appName), nil
}

// ConfigDir returns the per-user configuration directory
func ConfigDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appName), nil
}

// DatabasePath returns the journal and schedule database path inside dataDir
func DatabasePath(dataDir string) string {
	return filepath.Join(dataDir, databaseFile)
}

// DaemonLogPath returns the default daemon log file inside dataDir
func DaemonLogPath(dataDir string) string {
	return filepath.Join(dataDir, logsSubdir, daemonLog)
}

// PIDPath returns the daemon pid file inside dataDir
func PIDPath(dataDir string) string {
	return filepath.Join(dataDir, pidFile)
}
