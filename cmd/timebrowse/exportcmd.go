package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"timebrowse/internal/export"
)

var (
	exportOutput   string
	exportFormat   string
	exportCompress bool
	exportRefresh  bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export and inspect checkpoint timelines",
}

var exportWriteCmd = &cobra.Command{
	Use:   "write <device|path>",
	Short: "Write the reduced timeline of a volume to a file",
	Long: `Write the reduced checkpoint timeline of a volume as JSON or YAML,
optionally zstd-compressed. The format is taken from the -o extension
(.json, .yaml, .yml, with an optional .zst suffix) unless --type is set.

Examples:
  timebrowse export write /dev/sdb1 -o timeline.json.zst
  timebrowse export write ~/ --type yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runExportWrite,
}

var exportShowCmd = &cobra.Command{
	Use:   "show <file>",
	Short: "Read an exported timeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runExportShow,
}

func init() {
	exportWriteCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")
	exportWriteCmd.Flags().StringVar(&exportFormat, "type", "", "Document format: json or yaml (default: from -o, else json)")
	exportWriteCmd.Flags().BoolVar(&exportCompress, "compress", false, "Compress with zstd")
	exportWriteCmd.Flags().BoolVar(&exportRefresh, "refresh", false, "Reconcile against the volume before exporting")
	exportCmd.AddCommand(exportWriteCmd)
	exportCmd.AddCommand(exportShowCmd)
	rootCmd.AddCommand(exportCmd)
}

func runExportWrite(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	device, err := resolveDevice(args[0])
	if err != nil {
		return err
	}
	session, closer, err := openSession(device, false)
	if err != nil {
		return err
	}
	defer closer()

	records, err := session.Checkpoints(ctx, exportRefresh)
	if err != nil {
		return err
	}
	doc := export.NewDocument(device, records, time.Now())

	opts := export.Options{Format: export.FormatJSON}
	if exportOutput != "" {
		opts = export.OptionsForPath(exportOutput)
	}
	if exportFormat != "" {
		opts.Format = exportFormat
	}
	if exportCompress {
		opts.Compress = true
	}

	if exportOutput == "" {
		return export.Write(os.Stdout, doc, opts)
	}

	f, err := os.Create(exportOutput)
	if err != nil {
		return fmt.Errorf("create %s: %w", exportOutput, err)
	}
	if err := export.Write(f, doc, opts); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	logger.Info("Exported timeline",
		"device", device,
		"checkpoints", len(records),
		"file", exportOutput,
		"format", opts.Format,
		"compressed", opts.Compress,
	)
	return nil
}

func runExportShow(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	doc, err := export.Read(f)
	if err != nil {
		return err
	}
	return printResponse(doc, func(w io.Writer) error {
		fmt.Fprintf(w, "Device:   %s\n", doc.Device)
		fmt.Fprintf(w, "Exported: %s\n", doc.ExportedAt.Local().Format(time.RFC1123))
		fmt.Fprintf(w, "Checkpoints: %d (%d snapshots)\n\n", len(doc.Checkpoints), len(doc.Snapshots()))
		return writeRecordsHuman(w, doc.Checkpoints, time.Now())
	})
}
