package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"timebrowse/internal/config"
	"timebrowse/internal/slogutil"
	"timebrowse/internal/version"
)

var (
	configPath string
	verbosity  int
	quiet      bool
	formatFlag string

	// set by loadApp before any subcommand runs
	cfg    *config.Config
	logger *slog.Logger
)

// skipValidation marks commands that must run with an invalid config
const skipValidation = "skipValidation"

var rootCmd = &cobra.Command{
	Use:   "timebrowse",
	Short: "Browse and manage NILFS2 checkpoints",
	Long: `timebrowse lists the checkpoint timeline of NILFS2 volumes, browses
earlier versions of files through mounted snapshots, restores them, and
runs snapshot policies in the background.`,
	Version:           version.Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadApp,
}

func init() {
	rootCmd.SetVersionTemplate("timebrowse version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $TIMEBROWSE_CONFIG or ~/.config/timebrowse/config.toml)")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase log verbosity (-v, -vv)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress logging")
	rootCmd.PersistentFlags().StringVar(&formatFlag, "format", "", "Output format (human, json, yaml, auto)")
}

func loadApp(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cmd.Annotations[skipValidation] == "" {
		if err := loaded.Validate(); err != nil {
			return err
		}
	}
	cfg = loaded

	level := slogutil.LevelFromString(cfg.Logging.Level)
	if verbosity > 0 || quiet {
		level = slogutil.LevelFromVerbosity(verbosity, quiet)
	}
	logger = slog.New(slogutil.NewHandler(os.Stderr, cfg.Logging.Format, level))
	return nil
}
