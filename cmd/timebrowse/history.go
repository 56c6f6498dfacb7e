package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	tberrors "timebrowse/internal/errors"
	"timebrowse/internal/history"
)

var (
	historyBefore      uint64
	historyLimit       int
	historyContentHash bool
)

var historyCmd = &cobra.Command{
	Use:   "history <path>",
	Short: "Show earlier versions of a file or directory",
	Long: `Show the distinct earlier versions of a path found in mounted
checkpoints, newest first. Versions with the same modification time as
the next newer one are skipped.

Mount checkpoints with "mount -t nilfs2 -o ro,cp=N <device> <dir>" to make
them visible.

Examples:
  timebrowse history ~/notes.txt
  timebrowse history ~/notes.txt --content-hash
  timebrowse history ~/notes.txt --before 1200 --limit 20`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().Uint64Var(&historyBefore, "before", 0, "Only show versions from checkpoints below this number")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Maximum versions to show (default: history.page_size)")
	historyCmd.Flags().BoolVar(&historyContentHash, "content-hash", false, "Also skip versions whose contents did not change")
	rootCmd.AddCommand(historyCmd)
}

// HistoryResponse is the output of history
type HistoryResponse struct {
	Path     string            `json:"path" yaml:"path"`
	Device   string            `json:"device,omitempty" yaml:"device,omitempty"`
	Versions []history.Version `json:"versions" yaml:"versions"`
	// NextBefore resumes the listing with --before
	NextBefore uint64 `json:"nextBefore,omitempty" yaml:"nextBefore,omitempty"`
}

func (r *HistoryResponse) human(w io.Writer) error {
	if len(r.Versions) == 0 {
		_, err := fmt.Fprintf(w, "No earlier versions of %s.\n", r.Path)
		return err
	}
	fmt.Fprintf(w, "%10s  %-16s  %9s  %s\n", "CNO", "AGE", "SIZE", "PATH")
	for _, v := range r.Versions {
		size := humanize.IBytes(uint64(v.Size))
		if v.IsDir {
			size = "dir"
		}
		fmt.Fprintf(w, "%10d  %-16s  %9s  %s\n", v.Checkpoint, v.Age, size, v.Path)
	}
	if r.NextBefore > 0 {
		fmt.Fprintf(w, "\nMore: timebrowse history %s --before %d\n", r.Path, r.NextBefore)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	resp := &HistoryResponse{Path: args[0], Versions: []history.Version{}}

	loc, err := newLocator().Locate(args[0])
	if tberrors.IsNothingToShow(err) {
		logger.Debug("No NILFS2 history", "path", args[0], "reason", err.Error())
		return printResponse(resp, resp.human)
	}
	if err != nil {
		return err
	}
	resp.Path = loc.Path
	resp.Device = loc.Volume.Device

	limit := historyLimit
	if limit <= 0 {
		limit = cfg.History.PageSize
	}
	opts := history.Options{
		Before:      historyBefore,
		ContentHash: historyContentHash || cfg.History.ContentHash,
	}

	browser := history.NewBrowser(afero.NewOsFs(), logger)
	versions, next, err := browser.Page(ctx, loc, opts, limit)
	if err != nil {
		return err
	}
	resp.Versions = append(resp.Versions, versions...)
	if next != nil {
		resp.NextBefore = next.Before
	}
	return printResponse(resp, resp.human)
}
