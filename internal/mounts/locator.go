package mounts

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/afero"

	tberrors "timebrowse/internal/errors"
	"timebrowse/internal/paths"
)

// Root is a read-only mount of one checkpoint.
type Root struct {
	Number     uint64 `json:"cno" yaml:"cno"`
	MountPoint string `json:"mountPoint" yaml:"mountPoint"`
}

// Volume is a live (writable) NILFS2 mount and its checkpoint mounts,
// ordered by checkpoint number.
type Volume struct {
	Device      string `json:"device" yaml:"device"`
	MountPoint  string `json:"mountPoint" yaml:"mountPoint"`
	Checkpoints []Root `json:"checkpoints" yaml:"checkpoints"`
}

// Location is the answer to "which volume holds this path".
type Location struct {
	Volume Volume
	// Path is the canonical target path
	Path string
	// Relative is Path relative to the live mount point ("." for the root)
	Relative string
}

// VersionPaths returns <root>/<relative> for every checkpoint root, oldest
// first. The paths may not exist.
func (l Location) VersionPaths() []string {
	out := make([]string, len(l.Volume.Checkpoints))
	for i, r := range l.Volume.Checkpoints {
		out[i] = filepath.Join(r.MountPoint, l.Relative)
	}
	return out
}

// Locator reads a mount table and answers ownership queries.
type Locator struct {
	fs      afero.Fs
	table   string
	fsType  string
	resolve func(string) (string, error)
	logger  *slog.Logger
}

// LocatorOption configures a Locator
type LocatorOption func(*Locator)

// WithTable reads the mount table from path
func WithTable(path string) LocatorOption {
	return func(l *Locator) { l.table = path }
}

// WithFSType matches a file system type other than nilfs2
func WithFSType(fsType string) LocatorOption {
	return func(l *Locator) { l.fsType = fsType }
}

// WithFs reads the mount table through fs
func WithFs(fs afero.Fs) LocatorOption {
	return func(l *Locator) { l.fs = fs }
}

// WithResolver replaces symlink resolution of targets, devices and mount points
func WithResolver(fn func(string) (string, error)) LocatorOption {
	return func(l *Locator) { l.resolve = fn }
}

// NewLocator creates a locator over /proc/self/mounts
func NewLocator(logger *slog.Logger, opts ...LocatorOption) *Locator {
	l := &Locator{
		fs:      afero.NewOsFs(),
		table:   DefaultTable,
		fsType:  DefaultFSType,
		resolve: paths.RealPath,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Entries reads and parses the mount table
func (l *Locator) Entries() ([]Entry, error) {
	f, err := l.fs.Open(l.table)
	if err != nil {
		return nil, tberrors.New(tberrors.VolumeQueryFailed, "cannot read mount table "+l.table, err)
	}
	defer f.Close()
	return ParseTable(f)
}

// List returns every live volume of the configured type, longest mount point
// first.
func (l *Locator) List() ([]Volume, error) {
	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}
	return l.volumes(entries), nil
}

// Locate finds the live volume whose mount point contains path.
//
// NO_VOLUME_FOUND means the table has no live volume at all. PATH_NOT_OWNED
// means there are live volumes but none of them contains path.
func (l *Locator) Locate(path string) (Location, error) {
	target, err := l.resolve(path)
	if err != nil {
		return Location{}, fmt.Errorf("resolve %s: %w", path, err)
	}

	volumes, err := l.List()
	if err != nil {
		return Location{}, err
	}
	if len(volumes) == 0 {
		return Location{}, tberrors.New(
			tberrors.NoVolumeFound,
			fmt.Sprintf("no active %s volume in %s", l.fsType, l.table),
			nil,
		)
	}

	for _, v := range volumes {
		rel, ok := paths.RelativeTo(target, v.MountPoint)
		if !ok {
			continue
		}
		l.logger.Debug("Located volume",
			"path", target,
			"device", v.Device,
			"mountPoint", v.MountPoint,
			"checkpoints", len(v.Checkpoints),
		)
		return Location{Volume: v, Path: target, Relative: rel}, nil
	}

	return Location{}, tberrors.New(
		tberrors.PathNotOwned,
		fmt.Sprintf("%s is not on a %s volume", target, l.fsType),
		nil,
	).WithDetails(map[string]interface{}{"path": target, "volumes": len(volumes)})
}

type deviceRoot struct {
	device string
	root   Root
}

func (l *Locator) volumes(entries []Entry) []Volume {
	var live []Volume
	var roots []deviceRoot

	for _, e := range entries {
		if e.FSType != l.fsType {
			continue
		}
		n, isCheckpoint, err := e.Checkpoint()
		if err != nil {
			l.logger.Warn("Ignoring checkpoint mount with bad option",
				"mountPoint", e.MountPoint,
				"error", err.Error(),
			)
			continue
		}
		device := l.canonical(e.Device)
		mountPoint := l.canonical(e.MountPoint)
		if isCheckpoint {
			roots = append(roots, deviceRoot{device, Root{Number: n, MountPoint: mountPoint}})
			continue
		}
		live = append(live, Volume{Device: device, MountPoint: mountPoint})
	}

	slices.SortStableFunc(roots, func(a, b deviceRoot) int {
		switch {
		case a.root.Number < b.root.Number:
			return -1
		case a.root.Number > b.root.Number:
			return 1
		}
		return 0
	})
	for i := range live {
		for _, r := range roots {
			if r.device == live[i].Device {
				live[i].Checkpoints = append(live[i].Checkpoints, r.root)
			}
		}
	}

	// Nested mounts: the deepest mount point owns a path.
	slices.SortStableFunc(live, func(a, b Volume) int {
		return len(b.MountPoint) - len(a.MountPoint)
	})
	return live
}

func (l *Locator) canonical(p string) string {
	if !strings.HasPrefix(p, "/") {
		return p
	}
	resolved, err := l.resolve(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return resolved
}
