package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	tberrors "timebrowse/internal/errors"
)

// isolate points every search location at an empty temp dir
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	t.Setenv(ConfigPathEnvVar, "")
	return dir
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Version != CurrentVersion {
		t.Errorf("Version = %d, want %d", cfg.Version, CurrentVersion)
	}
	if cfg.Nilfs.Lscp != "lscp" || cfg.Nilfs.Mkcp != "mkcp" || cfg.Nilfs.Chcp != "chcp" {
		t.Errorf("tools = %+v", cfg.Nilfs)
	}
	if cfg.CommandTimeout() != 5*time.Second {
		t.Errorf("CommandTimeout() = %v, want 5s", cfg.CommandTimeout())
	}
	if cfg.Mounts.FSType != "nilfs2" {
		t.Errorf("Mounts.FSType = %q", cfg.Mounts.FSType)
	}
	if cfg.Parser.Strict {
		t.Error("parser should be lenient by default")
	}
	if cfg.CheckInterval() != time.Minute {
		t.Errorf("CheckInterval() = %v", cfg.CheckInterval())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"version", func(c *Config) { c.Version = 7 }, "version"},
		{"timeout", func(c *Config) { c.Nilfs.TimeoutMs = 0 }, "nilfs.timeout_ms"},
		{"location", func(c *Config) { c.Nilfs.Location = "Mars/Olympus" }, "nilfs.location"},
		{"table", func(c *Config) { c.Mounts.Table = "" }, "mounts.table"},
		{"page size", func(c *Config) { c.History.PageSize = -1 }, "history.page_size"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"max size", func(c *Config) { c.Logging.MaxSize = "lots" }, "logging.max_size"},
		{"check interval", func(c *Config) { c.Daemon.CheckInterval = "10ms" }, "daemon.check_interval"},
		{"retention", func(c *Config) { c.Daemon.JournalRetentionDays = -1 }, "daemon.journal_retention_days"},
		{"output", func(c *Config) { c.Output.Format = "csv" }, "output.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !tberrors.Is(err, tberrors.ConfigInvalid) {
				t.Fatalf("Validate() = %v, want CONFIG_INVALID", err)
			}
			var cerr *ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("Validate() error should wrap a ConfigError")
			}
			if cerr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cerr.Field, tt.field)
			}
		})
	}
}

func TestConfigError_Error(t *testing.T) {
	err := &ConfigError{Field: "nilfs.timeout_ms", Message: "must be positive"}
	want := "config error in field 'nilfs.timeout_ms': must be positive"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestLoadWithDetails_Defaults(t *testing.T) {
	isolate(t)

	result, err := LoadWithDetails("")
	if err != nil {
		t.Fatalf("LoadWithDetails() error = %v", err)
	}
	if !result.UsedDefaults {
		t.Error("UsedDefaults should be true when no config file exists")
	}
	if result.ConfigPath != "" {
		t.Errorf("ConfigPath = %q, want empty string", result.ConfigPath)
	}
	if result.Config.History.PageSize != 50 {
		t.Errorf("History.PageSize = %d, want 50", result.Config.History.PageSize)
	}
}

func TestLoadWithDetails_FromFile(t *testing.T) {
	isolate(t)
	path := writeConfig(t, `
version = 1

[nilfs]
lscp = "/sbin/lscp"
timeout_ms = 2500

[parser]
strict = true

[history]
content_hash = true
`)

	result, err := LoadWithDetails(path)
	if err != nil {
		t.Fatalf("LoadWithDetails() error = %v", err)
	}
	cfg := result.Config
	if result.ConfigPath != path {
		t.Errorf("ConfigPath = %q, want %q", result.ConfigPath, path)
	}
	if cfg.Nilfs.Lscp != "/sbin/lscp" || cfg.Nilfs.TimeoutMs != 2500 {
		t.Errorf("Nilfs = %+v", cfg.Nilfs)
	}
	if cfg.Nilfs.Mkcp != "mkcp" {
		t.Errorf("unset keys should keep defaults, Mkcp = %q", cfg.Nilfs.Mkcp)
	}
	if !cfg.Parser.Strict || !cfg.History.ContentHash {
		t.Error("boolean settings were not read")
	}
}

func TestLoadWithDetails_EnvConfigPath(t *testing.T) {
	isolate(t)
	path := writeConfig(t, "version = 1\n[history]\npage_size = 99\n")
	t.Setenv(ConfigPathEnvVar, path)

	result, err := LoadWithDetails("")
	if err != nil {
		t.Fatalf("LoadWithDetails() error = %v", err)
	}
	if result.ConfigPath != path {
		t.Errorf("ConfigPath = %q, want %q", result.ConfigPath, path)
	}
	if result.Config.History.PageSize != 99 {
		t.Errorf("History.PageSize = %d, want 99", result.Config.History.PageSize)
	}
}

func TestLoadWithDetails_UserConfigDir(t *testing.T) {
	dir := isolate(t)
	if err := os.MkdirAll(filepath.Join(dir, "timebrowse"), 0o755); err != nil {
		t.Fatal(err)
	}
	body := []byte("version = 1\n[mounts]\nfs_type = \"nilfs\"\n")
	if err := os.WriteFile(filepath.Join(dir, "timebrowse", "config.toml"), body, 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := LoadWithDetails("")
	if err != nil {
		t.Fatalf("LoadWithDetails() error = %v", err)
	}
	if result.UsedDefaults {
		t.Error("config in the user config dir should be found")
	}
	if result.Config.Mounts.FSType != "nilfs" {
		t.Errorf("Mounts.FSType = %q", result.Config.Mounts.FSType)
	}
}

func TestLoadWithDetails_EnvOverrides(t *testing.T) {
	isolate(t)
	path := writeConfig(t, "version = 1\n[logging]\nlevel = \"warn\"\n")
	t.Setenv("TIMEBROWSE_LOGGING_LEVEL", "debug")
	t.Setenv("TIMEBROWSE_NILFS_TIMEOUT_MS", "1234")
	t.Setenv("TIMEBROWSE_PARSER_STRICT", "true")

	result, err := LoadWithDetails(path)
	if err != nil {
		t.Fatalf("LoadWithDetails() error = %v", err)
	}
	cfg := result.Config
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug (env beats file)", cfg.Logging.Level)
	}
	if cfg.Nilfs.TimeoutMs != 1234 {
		t.Errorf("Nilfs.TimeoutMs = %d, want 1234", cfg.Nilfs.TimeoutMs)
	}
	if !cfg.Parser.Strict {
		t.Error("Parser.Strict should be true")
	}
	if len(result.EnvOverrides) != 3 {
		t.Fatalf("len(EnvOverrides) = %d, want 3: %+v", len(result.EnvOverrides), result.EnvOverrides)
	}
	if result.EnvOverrides[0].Var != "TIMEBROWSE_LOGGING_LEVEL" || result.EnvOverrides[0].Key != "logging.level" {
		t.Errorf("EnvOverrides[0] = %+v", result.EnvOverrides[0])
	}
}

func TestLoadWithDetails_Errors(t *testing.T) {
	isolate(t)

	tests := []struct {
		name string
		path string
		env  map[string]string
	}{
		{"missing explicit file", filepath.Join(t.TempDir(), "nope.toml"), nil},
		{"invalid toml", writeConfig(t, "[nilfs\nlscp = 1"), nil},
		{"bad env int", writeConfig(t, "version = 1\n"), map[string]string{"TIMEBROWSE_NILFS_TIMEOUT_MS": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadWithDetails(tt.path)
			if !tberrors.Is(err, tberrors.ConfigInvalid) {
				t.Errorf("LoadWithDetails() error = %v, want CONFIG_INVALID", err)
			}
		})
	}
}

func TestConfig_Save(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg := DefaultConfig()
	cfg.Daemon.PolicyFile = "/etc/timebrowse/policies.toml"
	cfg.History.ContentHash = true
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Daemon.PolicyFile != cfg.Daemon.PolicyFile {
		t.Errorf("PolicyFile = %q", loaded.Daemon.PolicyFile)
	}
	if !loaded.History.ContentHash {
		t.Error("ContentHash lost in round trip")
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("saved config should validate: %v", err)
	}
}

func TestGetSupportedEnvVars(t *testing.T) {
	vars := GetSupportedEnvVars()

	want := map[string]bool{
		"TIMEBROWSE_CONFIG":           false,
		"TIMEBROWSE_HOME":             false,
		"TIMEBROWSE_LOGGING_LEVEL":    false,
		"TIMEBROWSE_NILFS_TIMEOUT_MS": false,
		"TIMEBROWSE_DAEMON_DATA_DIR":  false,
	}
	for _, v := range vars {
		if _, ok := want[v]; ok {
			want[v] = true
		}
	}
	for v, found := range want {
		if !found {
			t.Errorf("GetSupportedEnvVars() should include %s", v)
		}
	}
}

func TestPathAccessors(t *testing.T) {
	dir := isolate(t)
	t.Setenv("TIMEBROWSE_HOME", filepath.Join(dir, "home"))

	cfg := DefaultConfig()
	dataDir, err := cfg.DataDir()
	if err != nil || dataDir != filepath.Join(dir, "home") {
		t.Errorf("DataDir() = %q, %v", dataDir, err)
	}
	policy, err := cfg.PolicyFile()
	if err != nil || policy != filepath.Join(dir, "timebrowse", "policies.toml") {
		t.Errorf("PolicyFile() = %q, %v", policy, err)
	}

	cfg.Daemon.DataDir = "/srv/tb"
	if d, _ := cfg.DataDir(); d != "/srv/tb" {
		t.Errorf("DataDir() = %q, want configured value", d)
	}
}
