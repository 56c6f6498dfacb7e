// Package history lists the past versions of a file kept in NILFS2
// checkpoint mounts and copies them back out.
package history

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/crypto/blake2b"

	"timebrowse/internal/mounts"
)

// Version is one distinct past state of a path.
type Version struct {
	Checkpoint uint64    `json:"cno" yaml:"cno"`
	Path       string    `json:"path" yaml:"path"`
	ModTime    time.Time `json:"modTime" yaml:"modTime"`
	Size       int64     `json:"size" yaml:"size"`
	IsDir      bool      `json:"isDir,omitempty" yaml:"isDir,omitempty"`
	Age        string    `json:"age" yaml:"age"`
}

// Options controls a history walk.
type Options struct {
	// Before resumes a walk: only checkpoints numbered below it are visited.
	// Zero visits all of them.
	Before uint64
	// ContentHash also drops regular files whose contents match the
	// previously emitted version, even if the mtime changed.
	ContentHash bool
}

// Browser walks checkpoint mounts through an afero file system.
type Browser struct {
	fs     afero.Fs
	now    func() time.Time
	logger *slog.Logger
}

// NewBrowser creates a browser over fs
func NewBrowser(fs afero.Fs, logger *slog.Logger) *Browser {
	return &Browser{fs: fs, now: time.Now, logger: logger}
}

// state is what the next candidate is compared against
type state struct {
	modTime time.Time
	digest  []byte
}

// Versions yields the distinct versions of loc.Path, newest checkpoint
// first. A checkpoint whose copy is missing is skipped. A version is emitted
// only when its mtime differs from the last emitted one, starting from the
// live file's mtime, so the newest copy identical to the live file is never
// listed.
//
// The sequence is lazy and may be abandoned at any point; calling Versions
// again starts a new walk.
func (b *Browser) Versions(ctx context.Context, loc mounts.Location, opts Options) iter.Seq2[Version, error] {
	return func(yield func(Version, error) bool) {
		ref, last := b.seed(loc, opts)

		roots := loc.Volume.Checkpoints
		for i := len(roots) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				yield(Version{}, err)
				return
			}
			root := roots[i]
			if opts.Before != 0 && root.Number >= opts.Before {
				continue
			}

			p := filepath.Join(root.MountPoint, loc.Relative)
			info, err := b.lstat(p)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				if !yield(Version{}, err) {
					return
				}
				continue
			}
			if info.ModTime().Equal(last.modTime) {
				continue
			}

			var digest []byte
			if opts.ContentHash && info.Mode().IsRegular() {
				digest, err = b.digest(p)
				if err != nil {
					if !yield(Version{}, err) {
						return
					}
					continue
				}
				if last.digest != nil && bytes.Equal(digest, last.digest) {
					b.logger.Debug("Skipping version with identical content",
						"path", p,
						"cno", root.Number,
					)
					last.modTime = info.ModTime()
					continue
				}
			}
			last = state{modTime: info.ModTime(), digest: digest}

			v := Version{
				Checkpoint: root.Number,
				Path:       p,
				ModTime:    info.ModTime(),
				Size:       info.Size(),
				IsDir:      info.IsDir(),
				Age:        FormatAge(ref.Sub(info.ModTime())),
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// seed returns the age reference time and the initial comparison state.
// A resumed walk compares against the version at the cursor checkpoint.
func (b *Browser) seed(loc mounts.Location, opts Options) (time.Time, state) {
	ref := b.now()
	var first state
	if info, err := b.lstat(loc.Path); err == nil {
		ref = info.ModTime()
		first = b.stateOf(loc.Path, info, opts)
	}
	if opts.Before == 0 {
		return ref, first
	}
	for _, root := range loc.Volume.Checkpoints {
		if root.Number != opts.Before {
			continue
		}
		p := filepath.Join(root.MountPoint, loc.Relative)
		if info, err := b.lstat(p); err == nil {
			return ref, b.stateOf(p, info, opts)
		}
	}
	return ref, first
}

func (b *Browser) stateOf(path string, info os.FileInfo, opts Options) state {
	s := state{modTime: info.ModTime()}
	if opts.ContentHash && info.Mode().IsRegular() {
		s.digest, _ = b.digest(path)
	}
	return s
}

// Page collects up to limit versions. next is the Options that resume the
// walk after the last returned version, or nil when nothing follows.
func (b *Browser) Page(ctx context.Context, loc mounts.Location, opts Options, limit int) ([]Version, *Options, error) {
	var out []Version
	for v, err := range b.Versions(ctx, loc, opts) {
		if err != nil {
			return out, nil, err
		}
		if limit > 0 && len(out) == limit {
			next := opts
			next.Before = out[len(out)-1].Checkpoint
			return out, &next, nil
		}
		out = append(out, v)
	}
	return out, nil, nil
}

func (b *Browser) lstat(path string) (os.FileInfo, error) {
	if l, ok := b.fs.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(path)
		return info, err
	}
	return b.fs.Stat(path)
}

func (b *Browser) digest(path string) ([]byte, error) {
	f, err := b.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
