package history

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	tberrors "timebrowse/internal/errors"
)

// RestoreOptions controls Restore
type RestoreOptions struct {
	// Overwrite removes an existing destination first
	Overwrite bool
	// Name overrides the destination base name
	Name string
}

// Restorer copies versions out of checkpoint mounts, keeping modes, mtimes
// and symlinks.
type Restorer struct {
	fs     afero.Fs
	logger *slog.Logger
}

// NewRestorer creates a restorer over fs
func NewRestorer(fs afero.Fs, logger *slog.Logger) *Restorer {
	return &Restorer{fs: fs, logger: logger}
}

// Restore copies src into destDir and returns the path written.
func (r *Restorer) Restore(src, destDir string, opts RestoreOptions) (string, error) {
	name := opts.Name
	if name == "" {
		name = filepath.Base(src)
	}
	dest := filepath.Join(destDir, name)

	if _, err := r.lstat(dest); err == nil {
		if !opts.Overwrite {
			return "", tberrors.New(tberrors.DestinationExists, dest+" already exists", nil).
				WithDetails(map[string]interface{}{"source": src, "destination": dest})
		}
		if err := r.fs.RemoveAll(dest); err != nil {
			return "", fmt.Errorf("remove %s: %w", dest, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	if err := r.fs.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", destDir, err)
	}
	if err := r.copy(src, dest); err != nil {
		return "", err
	}

	r.logger.Info("Restored version",
		"source", src,
		"destination", dest,
	)
	return dest, nil
}

func (r *Restorer) copy(src, dest string) error {
	info, err := r.lstat(src)
	if err != nil {
		return err
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return r.copyLink(src, dest)
	case info.IsDir():
		return r.copyDir(src, dest, info)
	case info.Mode().IsRegular():
		return r.copyFile(src, dest, info)
	default:
		r.logger.Warn("Skipping special file", "path", src, "mode", info.Mode().String())
		return nil
	}
}

func (r *Restorer) copyDir(src, dest string, info os.FileInfo) error {
	if err := r.fs.Mkdir(dest, info.Mode().Perm()|0o700); err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	children, err := afero.ReadDir(r.fs, src)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := r.copy(filepath.Join(src, c.Name()), filepath.Join(dest, c.Name())); err != nil {
			return err
		}
	}
	// children first, then the directory's own mode and times
	if err := r.fs.Chmod(dest, info.Mode().Perm()); err != nil {
		return err
	}
	return r.fs.Chtimes(dest, info.ModTime(), info.ModTime())
}

func (r *Restorer) copyFile(src, dest string, info os.FileInfo) error {
	in, err := r.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := r.fs.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := r.fs.Chmod(dest, info.Mode().Perm()); err != nil {
		return err
	}
	return r.fs.Chtimes(dest, info.ModTime(), info.ModTime())
}

func (r *Restorer) copyLink(src, dest string) error {
	linker, ok := r.fs.(afero.Symlinker)
	if !ok {
		return fmt.Errorf("copy %s: symlinks not supported by %s", src, r.fs.Name())
	}
	target, err := linker.ReadlinkIfPossible(src)
	if err != nil {
		return err
	}
	return linker.SymlinkIfPossible(target, dest)
}

func (r *Restorer) lstat(path string) (os.FileInfo, error) {
	if l, ok := r.fs.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(path)
		return info, err
	}
	return r.fs.Stat(path)
}
