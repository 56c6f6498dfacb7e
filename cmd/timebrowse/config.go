package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"timebrowse/internal/config"
	"timebrowse/internal/scheduler"
)

var (
	configInitForce    bool
	configInitPath     string
	configInitPolicies bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or create the configuration file",
}

var configShowCmd = &cobra.Command{
	Use:         "show",
	Short:       "Print the effective configuration",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{skipValidation: "true"},
	RunE:        runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write a default configuration file",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{skipValidation: "true"},
	RunE:        runConfigInit,
}

var configEnvCmd = &cobra.Command{
	Use:         "env",
	Short:       "List the environment variables that override settings",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{skipValidation: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range config.GetSupportedEnvVars() {
			fmt.Println(name)
		}
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitPolicies, "policies", false, "Also write an example policy file")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing file")
	configInitCmd.Flags().StringVar(&configInitPath, "path", "", "Where to write (default: ~/.config/timebrowse/config.toml)")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configEnvCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	result, err := config.LoadWithDetails(configPath)
	if err != nil {
		return err
	}
	validationErr := result.Config.Validate()

	return printResponse(result.Config, func(w io.Writer) error {
		if result.UsedDefaults {
			fmt.Fprintln(w, "# no config file found, showing defaults")
		} else {
			fmt.Fprintf(w, "# %s\n", result.ConfigPath)
		}
		for _, o := range result.EnvOverrides {
			fmt.Fprintf(w, "# %s=%s overrides %s\n", o.Var, o.Value, o.Key)
		}
		if validationErr != nil {
			fmt.Fprintf(w, "# invalid: %s\n", validationErr.Error())
		}
		data, err := result.Config.Marshal()
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	})
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configInitPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return err
		}
	}
	if _, err := os.Stat(path); err == nil && !configInitForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.DefaultConfig().Save(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)

	if configInitPolicies {
		return writeExamplePolicies()
	}
	return nil
}

func writeExamplePolicies() error {
	path, err := cfg.PolicyFile()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !configInitForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	disabled := false
	examples := []scheduler.Policy{
		{ID: "hourly", Device: "/dev/sdb1", Action: scheduler.ActionSnapshot, Schedule: "every 1h", Enabled: &disabled},
		{ID: "prune", Device: "/dev/sdb1", Action: scheduler.ActionPrune, Schedule: "daily at 03:30", Keep: 48, MaxAge: "30d", Enabled: &disabled},
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := scheduler.WritePolicies(f, examples); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("Wrote %s (policies are disabled until edited)\n", path)
	return nil
}
