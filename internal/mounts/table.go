// Package mounts finds the NILFS2 volume that owns a path and the read-only
// checkpoint mounts of that volume.
package mounts

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DefaultTable is the kernel's view of the mount table
const DefaultTable = "/proc/self/mounts"

// DefaultFSType is the file system type the locator looks for
const DefaultFSType = "nilfs2"

// Entry is one row of a mount table.
type Entry struct {
	Device     string
	MountPoint string
	FSType     string
	Options    string
}

// Checkpoint returns the N of a cp=N mount option. ok is false when the
// option is absent; err is set when it is present but not a number.
func (e Entry) Checkpoint() (n uint64, ok bool, err error) {
	for _, opt := range strings.Split(e.Options, ",") {
		v, found := strings.CutPrefix(opt, "cp=")
		if !found {
			continue
		}
		n, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, true, fmt.Errorf("mount option %q: %w", opt, err)
		}
		return n, true, nil
	}
	return 0, false, nil
}

// ParseTable reads fstab-format rows (device mountpoint fstype options
// [dump pass]). Comments, blank lines and rows with fewer than four fields
// are skipped.
func ParseTable(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		entries = append(entries, Entry{
			Device:     unescape(fields[0]),
			MountPoint: unescape(fields[1]),
			FSType:     fields[2],
			Options:    fields[3],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read mount table: %w", err)
	}
	return entries, nil
}

// unescape decodes the \ooo octal escapes the kernel uses for blanks and
// backslashes in mount table fields.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			v := (s[i+1]-'0')<<6 | (s[i+2]-'0')<<3 | (s[i+3] - '0')
			b.WriteByte(v)
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isOctal(c byte) bool { return c >= '0' && c <= '7' }
