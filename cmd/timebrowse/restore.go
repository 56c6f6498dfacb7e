package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	tberrors "timebrowse/internal/errors"
	"timebrowse/internal/history"
)

var (
	restoreTo        string
	restoreName      string
	restoreOverwrite bool
)

var restoreCmd = &cobra.Command{
	Use:   "restore <path> <cno>",
	Short: "Copy a version of a path out of a mounted checkpoint",
	Long: `Copy the version of a path stored in checkpoint <cno> back to the
live filesystem. The checkpoint must be mounted.

By default the copy is written next to the live file as
"<name>.cp<cno>"; use --to and --name to choose another place.

Examples:
  timebrowse restore ~/notes.txt 1042
  timebrowse restore ~/notes.txt 1042 --to /tmp --name notes.txt
  timebrowse restore ~/project 980 --overwrite`,
	Args: cobra.ExactArgs(2),
	RunE: runRestore,
}

func init() {
	restoreCmd.Flags().StringVar(&restoreTo, "to", "", "Destination directory (default: next to the live file)")
	restoreCmd.Flags().StringVar(&restoreName, "name", "", "Destination name (default: <name>.cp<cno>)")
	restoreCmd.Flags().BoolVar(&restoreOverwrite, "overwrite", false, "Replace an existing destination")
	rootCmd.AddCommand(restoreCmd)
}

// RestoreResponse is the output of restore
type RestoreResponse struct {
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination" yaml:"destination"`
	Checkpoint  uint64 `json:"cno" yaml:"cno"`
}

func runRestore(cmd *cobra.Command, args []string) error {
	number, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid checkpoint number %q", args[1])
	}

	loc, err := newLocator().Locate(args[0])
	if err != nil {
		return err
	}

	src := ""
	for i, p := range loc.VersionPaths() {
		if loc.Volume.Checkpoints[i].Number == number {
			src = p
			break
		}
	}
	if src == "" {
		return tberrors.New(tberrors.CheckpointNotFound,
			fmt.Sprintf("checkpoint %d of %s is not mounted", number, loc.Volume.Device), nil).
			WithFixes(tberrors.FixAction{
				Type:        tberrors.RunCommand,
				Command:     fmt.Sprintf("mount -t nilfs2 -o ro,cp=%d %s <dir>", number, loc.Volume.Device),
				Description: "Mount the checkpoint read-only",
			})
	}

	destDir := restoreTo
	if destDir == "" {
		destDir = filepath.Dir(loc.Path)
	}
	name := restoreName
	if name == "" {
		name = fmt.Sprintf("%s.cp%d", filepath.Base(loc.Path), number)
	}

	restorer := history.NewRestorer(afero.NewOsFs(), logger)
	dest, err := restorer.Restore(src, destDir, history.RestoreOptions{Overwrite: restoreOverwrite, Name: name})
	if err != nil {
		return err
	}

	resp := &RestoreResponse{Source: src, Destination: dest, Checkpoint: number}
	return printResponse(resp, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Restored %s -> %s\n", src, dest)
		return err
	})
}
