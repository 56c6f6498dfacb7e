// Package testutil provides test doubles for the volume commands.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"timebrowse/internal/checkpoint"
)

// FakeVolume is an in-memory NILFS2 volume. It renders lscp output the way
// nilfs-utils does and supports the mutations other tools perform behind a
// session's back.
type FakeVolume struct {
	mu      sync.Mutex
	device  string
	rows    []fakeRow
	next    uint64
	clock   func() time.Time
	failErr error

	// Calls counts ListCheckpoints invocations by start index
	Calls []uint64
}

type fakeRow struct {
	rec     checkpoint.Record
	invalid bool
}

// NewFakeVolume creates an empty fake volume for device.
func NewFakeVolume(device string, clock func() time.Time) *FakeVolume {
	return &FakeVolume{device: device, next: 1, clock: clock}
}

// Device returns the device name
func (f *FakeVolume) Device() string { return f.device }

// Add appends a checkpoint at ts and returns its number.
func (f *FakeVolume) Add(ts time.Time, snapshot bool) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(ts, snapshot)
}

func (f *FakeVolume) addLocked(ts time.Time, snapshot bool) uint64 {
	n := f.next
	f.next++
	f.rows = append(f.rows, fakeRow{rec: checkpoint.Record{Number: n, Time: ts.Truncate(time.Second), Snapshot: snapshot}})
	return n
}

// Delete removes a checkpoint, as rmcp or the cleaner would.
func (f *FakeVolume) Delete(number uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.rows {
		if r.rec.Number == number {
			f.rows = append(f.rows[:i], f.rows[i+1:]...)
			return
		}
	}
}

// Invalidate flags a checkpoint as being reclaimed.
func (f *FakeVolume) Invalidate(number uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].rec.Number == number {
			f.rows[i].invalid = true
		}
	}
}

// SetSnapshot changes the mode of a checkpoint without going through a session.
func (f *FakeVolume) SetSnapshot(number uint64, snapshot bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].rec.Number == number {
			f.rows[i].rec.Snapshot = snapshot
		}
	}
}

// FailWith makes every subsequent command fail with err (nil to recover).
func (f *FakeVolume) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
}

// ListCheckpoints renders lscp output for checkpoints numbered start and above.
func (f *FakeVolume) ListCheckpoints(ctx context.Context, start uint64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, start)
	if f.failErr != nil {
		return "", f.failErr
	}

	var b strings.Builder
	b.WriteString("                 CNO        DATE     TIME  MODE  FLG      BLKCNT       ICNT\n")
	for _, r := range f.rows {
		if r.rec.Number < start {
			continue
		}
		flag := "-"
		if r.invalid {
			flag = "i"
		}
		fmt.Fprintf(&b, "%20d  %s   %s    %s %11d %10d\n",
			r.rec.Number, r.rec.Time.Format(checkpoint.TimeLayout), r.rec.Mode(), flag, 4, 2)
	}
	return b.String(), nil
}

// MakeCheckpoint appends a checkpoint stamped with the fake clock.
func (f *FakeVolume) MakeCheckpoint(ctx context.Context, snapshot bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.addLocked(f.clock(), snapshot)
	return nil
}

// ChangeCheckpoint switches the mode of an existing checkpoint.
func (f *FakeVolume) ChangeCheckpoint(ctx context.Context, number uint64, snapshot bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	for i := range f.rows {
		if f.rows[i].rec.Number == number {
			f.rows[i].rec.Snapshot = snapshot
			return nil
		}
	}
	return fmt.Errorf("chcp: %d: no such checkpoint", number)
}

// Records returns every valid checkpoint, the way a fresh full lscp sees it.
func (f *FakeVolume) Records() []checkpoint.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]checkpoint.Record, 0, len(f.rows))
	for _, r := range f.rows {
		if !r.invalid {
			out = append(out, r.rec)
		}
	}
	return out
}
