package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"timebrowse/internal/checkpoint"
	"timebrowse/internal/nilfs"
)

var (
	listRefresh       bool
	listSnapshotsOnly bool
	listLimit         int
	listFollow        bool
	listInterval      time.Duration
)

var listCmd = &cobra.Command{
	Use:   "list <device|path>",
	Short: "List the checkpoint timeline of a volume",
	Long: `List the checkpoints of a NILFS2 volume, one per distinct timestamp.

Checkpoints created within the same second are collapsed to one entry,
preferring a snapshot.

A single run always lists the whole volume. With --follow the listing is
kept up to date: each poll lists only checkpoints past the last one seen,
or, with --refresh, re-reads from the first cached checkpoint so deletions
and snapshot changes made by other tools are reported too. Changes are
printed one per line (one JSON object per line with --format json).

Examples:
  timebrowse list /dev/sdb1
  timebrowse list ~/projects --snapshots-only
  timebrowse list /dev/sdb1 --follow --refresh`,
	Args: cobra.ExactArgs(1),
	RunE: runList,
}

func init() {
	listCmd.Flags().BoolVar(&listRefresh, "refresh", false, "With --follow, re-read from the first cached checkpoint on every poll to catch deletions and mode changes")
	listCmd.Flags().BoolVar(&listSnapshotsOnly, "snapshots-only", false, "Show only snapshots")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 0, "Show only the newest N entries (0 = all)")
	listCmd.Flags().BoolVarP(&listFollow, "follow", "f", false, "Keep listing new checkpoints as they appear")
	listCmd.Flags().DurationVar(&listInterval, "interval", 5*time.Second, "Poll interval for --follow")
	rootCmd.AddCommand(listCmd)
}

// ListResponse is the output of list
type ListResponse struct {
	Device      string              `json:"device" yaml:"device"`
	Checkpoints []checkpoint.Record `json:"checkpoints" yaml:"checkpoints"`
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	device, err := resolveDevice(args[0])
	if err != nil {
		return err
	}
	session, closeSession, err := openSession(device, false)
	if err != nil {
		return err
	}
	defer closeSession()

	records, err := session.Checkpoints(ctx, listRefresh)
	if err != nil {
		return err
	}
	records = filterRecords(records, listSnapshotsOnly, listLimit)

	resp := &ListResponse{Device: device, Checkpoints: records}
	if err := printResponse(resp, func(w io.Writer) error {
		return writeRecordsHuman(w, records, time.Now())
	}); err != nil {
		return err
	}

	if listFollow {
		format, err := outputFormat()
		if err != nil {
			return err
		}
		return followList(ctx, session, os.Stdout, format)
	}
	return nil
}

func filterRecords(records []checkpoint.Record, snapshotsOnly bool, limit int) []checkpoint.Record {
	out := records
	if snapshotsOnly {
		out = make([]checkpoint.Record, 0, len(records))
		for _, r := range records {
			if r.Snapshot {
				out = append(out, r)
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	if out == nil {
		out = []checkpoint.Record{}
	}
	return out
}

func writeRecordsHuman(w io.Writer, records []checkpoint.Record, now time.Time) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No checkpoints.")
		return err
	}
	if _, err := fmt.Fprintf(w, "%10s  %-19s  %-4s  %s\n", "CNO", "DATE TIME", "MODE", "AGE"); err != nil {
		return err
	}
	for _, r := range records {
		if _, err := fmt.Fprintf(w, "%10d  %-19s  %-4s  %s\n",
			r.Number, r.Time.Format(checkpoint.TimeLayout), r.Mode(), humanize.RelTime(r.Time, now, "ago", "from now")); err != nil {
			return err
		}
	}
	return nil
}

// Change kinds reported by list --follow
const (
	ChangeAdded    = "added"
	ChangeRemoved  = "removed"
	ChangePromoted = "promoted"
	ChangeDemoted  = "demoted"
)

// ListChange is one timeline change seen while following a volume
type ListChange struct {
	Kind       string            `json:"change" yaml:"change"`
	Checkpoint checkpoint.Record `json:"checkpoint" yaml:"checkpoint"`
}

// followList polls the session and writes every change until ctx ends
func followList(ctx context.Context, session *nilfs.Session, w io.Writer, format OutputFormat) error {
	ticker := time.NewTicker(listInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		changes, err := pollChanges(ctx, session, listRefresh, listSnapshotsOnly)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("Failed to list checkpoints", "error", err.Error())
			continue
		}
		for _, c := range changes {
			if err := writeChange(w, c, format); err != nil {
				return err
			}
		}
	}
}

// pollChanges brings the session up to date and reports how its timeline
// changed. refresh reconciles against the volume instead of only appending.
func pollChanges(ctx context.Context, session *nilfs.Session, refresh, snapshotsOnly bool) ([]ListChange, error) {
	before := slices.Collect(session.Timeline().All())
	after, err := session.Checkpoints(ctx, refresh)
	if err != nil {
		return nil, err
	}
	changes := diffTimelines(before, after)
	if !snapshotsOnly {
		return changes, nil
	}
	out := changes[:0]
	for _, c := range changes {
		if c.Checkpoint.Snapshot || c.Kind == ChangeDemoted {
			out = append(out, c)
		}
	}
	return out, nil
}

// diffTimelines compares two timelines ordered by checkpoint number
func diffTimelines(before, after []checkpoint.Record) []ListChange {
	var changes []ListChange
	i, j := 0, 0
	for i < len(before) || j < len(after) {
		switch {
		case j == len(after) || (i < len(before) && before[i].Number < after[j].Number):
			changes = append(changes, ListChange{Kind: ChangeRemoved, Checkpoint: before[i]})
			i++
		case i == len(before) || after[j].Number < before[i].Number:
			changes = append(changes, ListChange{Kind: ChangeAdded, Checkpoint: after[j]})
			j++
		default:
			switch {
			case after[j].Snapshot && !before[i].Snapshot:
				changes = append(changes, ListChange{Kind: ChangePromoted, Checkpoint: after[j]})
			case !after[j].Snapshot && before[i].Snapshot:
				changes = append(changes, ListChange{Kind: ChangeDemoted, Checkpoint: after[j]})
			}
			i++
			j++
		}
	}
	return changes
}

// writeChange renders one change: a table row for humans, one JSON object
// per line, or one YAML document.
func writeChange(w io.Writer, c ListChange, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return json.NewEncoder(w).Encode(c)
	case FormatYAML:
		if _, err := fmt.Fprintln(w, "---"); err != nil {
			return err
		}
		return FormatResponse(w, c, FormatYAML, nil)
	default:
		_, err := fmt.Fprintf(w, "%-8s %10d  %-19s  %-4s\n",
			c.Kind, c.Checkpoint.Number, c.Checkpoint.Time.Format(checkpoint.TimeLayout), c.Checkpoint.Mode())
		return err
	}
}
