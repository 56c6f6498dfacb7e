package nilfs

import (
	"context"
	"time"
)

// Volume is the command interface of one NILFS2 device.
type Volume interface {
	// Device returns the block device the volume commands act on
	Device() string

	// ListCheckpoints returns raw lscp output for checkpoints numbered
	// start and above, ascending. start == 0 lists everything.
	ListCheckpoints(ctx context.Context, start uint64) (string, error)

	// MakeCheckpoint creates a checkpoint, optionally as a snapshot
	MakeCheckpoint(ctx context.Context, snapshot bool) error

	// ChangeCheckpoint switches a checkpoint between snapshot and plain mode
	ChangeCheckpoint(ctx context.Context, number uint64, snapshot bool) error
}

// Operation names recorded in the journal.
const (
	OpMakeCheckpoint   = "mkcp"
	OpChangeCheckpoint = "chcp"
)

// Operation is a journal entry for a mutating volume command.
type Operation struct {
	Device   string
	Op       string
	Number   uint64 // zero for mkcp
	Snapshot bool
	Err      error
	At       time.Time
}

// Journal receives every mutating command a Session issues.
type Journal interface {
	Record(ctx context.Context, op Operation) error
}
