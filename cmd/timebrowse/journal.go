package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"timebrowse/internal/storage"
)

var (
	journalDevice string
	journalLimit  int
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show recorded mkcp and chcp operations",
	Args:  cobra.NoArgs,
	RunE:  runJournal,
}

func init() {
	journalCmd.Flags().StringVar(&journalDevice, "device", "", "Only show operations on this device")
	journalCmd.Flags().IntVarP(&journalLimit, "limit", "n", 50, "Maximum entries to show")
	rootCmd.AddCommand(journalCmd)
}

// JournalResponse is the output of journal
type JournalResponse struct {
	Entries []storage.JournalEntry `json:"entries" yaml:"entries"`
}

func runJournal(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := storage.NewJournalRepository(db).List(ctx, storage.JournalFilter{
		Device: journalDevice,
		Limit:  journalLimit,
	})
	if err != nil {
		return err
	}
	resp := &JournalResponse{Entries: entries}
	if resp.Entries == nil {
		resp.Entries = []storage.JournalEntry{}
	}
	return printResponse(resp, func(w io.Writer) error {
		if len(resp.Entries) == 0 {
			_, err := fmt.Fprintln(w, "Journal is empty.")
			return err
		}
		for _, e := range resp.Entries {
			target := "new"
			if e.Checkpoint > 0 {
				target = fmt.Sprintf("%d", e.Checkpoint)
			}
			mode := "cp"
			if e.Snapshot {
				mode = "ss"
			}
			fmt.Fprintf(w, "%s  %-8s %-12s %-6s %s %s",
				e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Status, e.Device, e.Operation, mode, target)
			if e.Error != "" {
				fmt.Fprintf(w, "  (%s)", e.Error)
			}
			fmt.Fprintln(w)
		}
		return nil
	})
}
