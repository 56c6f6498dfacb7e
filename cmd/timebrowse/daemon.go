package main

import (
	"fmt"
	"io"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"timebrowse/internal/daemon"
	"timebrowse/internal/scheduler"
)

var (
	daemonStderr   bool
	daemonRunLimit int
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run and manage the snapshot policy daemon",
	Long: `The daemon runs the snapshot policies in the policy file
(default: ~/.config/timebrowse/policies.toml): periodic snapshots,
promotion of the newest checkpoint and pruning of old snapshots.

Send SIGHUP (or run "timebrowse daemon reload") after editing the file.`,
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Args:  cobra.NoArgs,
	RunE:  runDaemonRun,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon is running",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running daemon",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Make a running daemon re-read the policy file",
	Args:  cobra.NoArgs,
	RunE:  runDaemonReload,
}

var daemonSchedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "List policy schedules and their last outcome",
	Args:  cobra.NoArgs,
	RunE:  runDaemonSchedules,
}

var daemonRunsCmd = &cobra.Command{
	Use:   "runs <policy>",
	Short: "Show recent runs of a policy",
	Args:  cobra.ExactArgs(1),
	RunE:  runDaemonRuns,
}

var daemonRunNowCmd = &cobra.Command{
	Use:   "run-now <policy>",
	Short: "Run a policy immediately in this process",
	Args:  cobra.ExactArgs(1),
	RunE:  runDaemonRunNow,
}

func init() {
	daemonRunCmd.Flags().BoolVar(&daemonStderr, "stderr", false, "Also log to stderr")
	daemonRunsCmd.Flags().IntVarP(&daemonRunLimit, "limit", "n", 20, "Maximum runs to show")

	daemonCmd.AddCommand(daemonRunCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonReloadCmd)
	daemonCmd.AddCommand(daemonSchedulesCmd)
	daemonCmd.AddCommand(daemonRunsCmd)
	daemonCmd.AddCommand(daemonRunNowCmd)
	rootCmd.AddCommand(daemonCmd)
}

func runDaemonRun(cmd *cobra.Command, args []string) error {
	d, err := daemon.New(cfg, daemon.WithStderr(daemonStderr))
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		_ = d.Close()
		return err
	}
	d.Wait()
	return d.Stop()
}

// DaemonStatusResponse is the output of daemon status
type DaemonStatusResponse struct {
	Running bool   `json:"running" yaml:"running"`
	PID     int    `json:"pid,omitempty" yaml:"pid,omitempty"`
	DataDir string `json:"dataDir" yaml:"dataDir"`
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	dataDir, err := cfg.DataDir()
	if err != nil {
		return err
	}
	running, pid, err := daemon.IsRunning(dataDir)
	if err != nil {
		return err
	}
	resp := &DaemonStatusResponse{Running: running, PID: pid, DataDir: dataDir}
	return printResponse(resp, func(w io.Writer) error {
		if !resp.Running {
			_, err := fmt.Fprintln(w, "Daemon is not running.")
			return err
		}
		_, err := fmt.Fprintf(w, "Daemon is running (pid %d, data %s).\n", resp.PID, resp.DataDir)
		return err
	})
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	dataDir, err := cfg.DataDir()
	if err != nil {
		return err
	}
	if err := daemon.StopRemote(dataDir); err != nil {
		return err
	}
	fmt.Println("Daemon stopped.")
	return nil
}

func runDaemonReload(cmd *cobra.Command, args []string) error {
	dataDir, err := cfg.DataDir()
	if err != nil {
		return err
	}
	if err := daemon.Signal(dataDir, syscall.SIGHUP); err != nil {
		return err
	}
	fmt.Println("Reload requested.")
	return nil
}

// openPolicies opens the daemon state in this process and syncs the policy
// file into it.
func openPolicies() (*daemon.Daemon, error) {
	d, err := daemon.New(cfg, daemon.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	ctx, cancel := commandContext()
	defer cancel()
	if err := d.ReloadPolicies(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

// SchedulesResponse is the output of daemon schedules
type SchedulesResponse struct {
	Schedules []*scheduler.Schedule `json:"schedules" yaml:"schedules"`
}

func runDaemonSchedules(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	d, err := openPolicies()
	if err != nil {
		return err
	}
	defer d.Close()

	schedules, err := d.Scheduler().ListSchedules(ctx)
	if err != nil {
		return err
	}
	resp := &SchedulesResponse{Schedules: schedules}
	if resp.Schedules == nil {
		resp.Schedules = []*scheduler.Schedule{}
	}
	return printResponse(resp, func(w io.Writer) error {
		if len(resp.Schedules) == 0 {
			_, err := fmt.Fprintln(w, "No policies configured.")
			return err
		}
		now := time.Now()
		for _, sc := range resp.Schedules {
			state := "enabled"
			if !sc.Enabled {
				state = "disabled"
			}
			fmt.Fprintf(w, "%-16s %-8s %-12s %-20s %s, next %s\n",
				sc.ID, sc.Action, sc.Device, sc.Expression, state, humanize.RelTime(sc.NextRun, now, "ago", "from now"))
			if sc.LastRun != nil {
				line := fmt.Sprintf("  last run %s: %s", humanize.RelTime(*sc.LastRun, now, "ago", "from now"), sc.LastStatus)
				if sc.LastError != "" {
					line += " (" + sc.LastError + ")"
				}
				fmt.Fprintln(w, line)
			}
		}
		return nil
	})
}

// RunsResponse is the output of daemon runs
type RunsResponse struct {
	Policy string                  `json:"policy" yaml:"policy"`
	Runs   []scheduler.ScheduleRun `json:"runs" yaml:"runs"`
}

func runDaemonRuns(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	d, err := daemon.New(cfg, daemon.WithLogger(logger))
	if err != nil {
		return err
	}
	defer d.Close()

	runs, err := d.Store().ListRuns(ctx, args[0], daemonRunLimit)
	if err != nil {
		return err
	}
	resp := &RunsResponse{Policy: args[0], Runs: runs}
	if resp.Runs == nil {
		resp.Runs = []scheduler.ScheduleRun{}
	}
	return printResponse(resp, func(w io.Writer) error {
		if len(resp.Runs) == 0 {
			_, err := fmt.Fprintf(w, "No runs recorded for %s.\n", resp.Policy)
			return err
		}
		for _, r := range resp.Runs {
			var b strings.Builder
			fmt.Fprintf(&b, "%s  %-8s %6dms", r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Status, r.Duration)
			if r.Error != "" {
				b.WriteString("  " + r.Error)
			}
			fmt.Fprintln(w, b.String())
		}
		return nil
	})
}

func runDaemonRunNow(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	d, err := openPolicies()
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Scheduler().RunNow(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Policy %s ran successfully.\n", args[0])
	return nil
}
