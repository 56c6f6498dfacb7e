package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"timebrowse/internal/checkpoint"
	tberrors "timebrowse/internal/errors"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create, promote and demote snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create <device|path>",
	Short: "Create a snapshot now",
	Long: `Create a new checkpoint and mark it as a snapshot (mkcp -s).

Use --checkpoint to create a plain checkpoint instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runSnapshotCreate,
}

var snapshotPromoteCmd = &cobra.Command{
	Use:   "promote <device|path> [cno]",
	Short: "Mark a checkpoint as a snapshot",
	Long: `Mark a checkpoint as a snapshot so the cleaner keeps it (chcp ss).

Without a checkpoint number the newest plain checkpoint is promoted.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSnapshotPromote,
}

var snapshotDemoteCmd = &cobra.Command{
	Use:   "demote <device|path> <cno>",
	Short: "Turn a snapshot back into a plain checkpoint",
	Args:  cobra.ExactArgs(2),
	RunE:  runSnapshotDemote,
}

var snapshotPlain bool

func init() {
	snapshotCreateCmd.Flags().BoolVar(&snapshotPlain, "checkpoint", false, "Create a plain checkpoint instead of a snapshot")

	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotPromoteCmd)
	snapshotCmd.AddCommand(snapshotDemoteCmd)
	rootCmd.AddCommand(snapshotCmd)
}

// SnapshotResponse reports the checkpoint a command acted on
type SnapshotResponse struct {
	Device     string            `json:"device" yaml:"device"`
	Action     string            `json:"action" yaml:"action"`
	Checkpoint checkpoint.Record `json:"checkpoint" yaml:"checkpoint"`
}

func (r *SnapshotResponse) human(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s: checkpoint %d (%s, %s) on %s\n",
		r.Action, r.Checkpoint.Number, r.Checkpoint.Mode(),
		r.Checkpoint.Time.Format(checkpoint.TimeLayout), r.Device)
	return err
}

func runSnapshotCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	device, err := resolveDevice(args[0])
	if err != nil {
		return err
	}
	session, closeSession, err := openSession(device, true)
	if err != nil {
		return err
	}
	defer closeSession()

	if err := session.MakeCheckpoint(ctx, !snapshotPlain); err != nil {
		return err
	}
	last, ok := session.Timeline().Last()
	if !ok {
		return tberrors.New(tberrors.CheckpointNotFound, "new checkpoint not listed by lscp", nil)
	}

	resp := &SnapshotResponse{Device: device, Action: "created", Checkpoint: last}
	return printResponse(resp, resp.human)
}

func runSnapshotPromote(cmd *cobra.Command, args []string) error {
	return changeMode(args, true)
}

func runSnapshotDemote(cmd *cobra.Command, args []string) error {
	return changeMode(args, false)
}

func changeMode(args []string, snapshot bool) error {
	ctx, cancel := commandContext()
	defer cancel()

	device, err := resolveDevice(args[0])
	if err != nil {
		return err
	}
	session, closeSession, err := openSession(device, true)
	if err != nil {
		return err
	}
	defer closeSession()

	if _, err := session.Checkpoints(ctx, false); err != nil {
		return err
	}

	var target checkpoint.Record
	if len(args) > 1 {
		n, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid checkpoint number %q", args[1])
		}
		rec, ok := session.Timeline().Find(n)
		if !ok {
			rec = checkpoint.Record{Number: n}
		}
		target = rec
	} else {
		if target, err = session.LatestCheckpoint(); err != nil {
			return err
		}
	}

	if err := session.ChangeCheckpoint(ctx, target.Number, snapshot); err != nil {
		return err
	}
	target.Snapshot = snapshot

	action := "demoted"
	if snapshot {
		action = "promoted"
	}
	resp := &SnapshotResponse{Device: device, Action: action, Checkpoint: target}
	return printResponse(resp, resp.human)
}
