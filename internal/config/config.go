// Package config loads timebrowse configuration from TOML files and
// TIMEBROWSE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	tberrors "timebrowse/internal/errors"
	"timebrowse/internal/paths"
	"timebrowse/internal/slogutil"
)

// CurrentVersion is the config schema version
const CurrentVersion = 1

// EnvPrefix prefixes every environment override
const EnvPrefix = "TIMEBROWSE"

// ConfigPathEnvVar names an explicit config file
const ConfigPathEnvVar = "TIMEBROWSE_CONFIG"

// SystemConfigDir is searched after the user config directory
const SystemConfigDir = "/etc/timebrowse"

// Config represents the complete timebrowse configuration
type Config struct {
	Version int `json:"version" yaml:"version" toml:"version" mapstructure:"version"`

	Nilfs   NilfsConfig   `json:"nilfs" yaml:"nilfs" toml:"nilfs" mapstructure:"nilfs"`
	Parser  ParserConfig  `json:"parser" yaml:"parser" toml:"parser" mapstructure:"parser"`
	Mounts  MountsConfig  `json:"mounts" yaml:"mounts" toml:"mounts" mapstructure:"mounts"`
	History HistoryConfig `json:"history" yaml:"history" toml:"history" mapstructure:"history"`
	Logging LoggingConfig `json:"logging" yaml:"logging" toml:"logging" mapstructure:"logging"`
	Daemon  DaemonConfig  `json:"daemon" yaml:"daemon" toml:"daemon" mapstructure:"daemon"`
	Output  OutputConfig  `json:"output" yaml:"output" toml:"output" mapstructure:"output"`
}

// NilfsConfig configures the nilfs-utils commands
type NilfsConfig struct {
	Lscp      string `json:"lscp" yaml:"lscp" toml:"lscp" mapstructure:"lscp"`
	Mkcp      string `json:"mkcp" yaml:"mkcp" toml:"mkcp" mapstructure:"mkcp"`
	Chcp      string `json:"chcp" yaml:"chcp" toml:"chcp" mapstructure:"chcp"`
	TimeoutMs int    `json:"timeoutMs" yaml:"timeoutMs" toml:"timeout_ms" mapstructure:"timeout_ms"`
	// Location is the zone lscp prints times in ("Local", "UTC" or an IANA name)
	Location string `json:"location" yaml:"location" toml:"location" mapstructure:"location"`
}

// ParserConfig configures lscp parsing
type ParserConfig struct {
	Strict bool `json:"strict" yaml:"strict" toml:"strict" mapstructure:"strict"`
}

// MountsConfig configures the mount table lookup
type MountsConfig struct {
	Table  string `json:"table" yaml:"table" toml:"table" mapstructure:"table"`
	FSType string `json:"fsType" yaml:"fsType" toml:"fs_type" mapstructure:"fs_type"`
}

// HistoryConfig configures the file history browser
type HistoryConfig struct {
	ContentHash bool `json:"contentHash" yaml:"contentHash" toml:"content_hash" mapstructure:"content_hash"`
	PageSize    int  `json:"pageSize" yaml:"pageSize" toml:"page_size" mapstructure:"page_size"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" toml:"level" mapstructure:"level"`
	Format     string `json:"format" yaml:"format" toml:"format" mapstructure:"format"`
	File       string `json:"file" yaml:"file" toml:"file" mapstructure:"file"`
	MaxSize    string `json:"maxSize" yaml:"maxSize" toml:"max_size" mapstructure:"max_size"`
	MaxBackups int    `json:"maxBackups" yaml:"maxBackups" toml:"max_backups" mapstructure:"max_backups"`
}

// DaemonConfig configures the snapshot policy daemon
type DaemonConfig struct {
	DataDir              string `json:"dataDir" yaml:"dataDir" toml:"data_dir" mapstructure:"data_dir"`
	PolicyFile           string `json:"policyFile" yaml:"policyFile" toml:"policy_file" mapstructure:"policy_file"`
	CheckInterval        string `json:"checkInterval" yaml:"checkInterval" toml:"check_interval" mapstructure:"check_interval"`
	JournalRetentionDays int    `json:"journalRetentionDays" yaml:"journalRetentionDays" toml:"journal_retention_days" mapstructure:"journal_retention_days"`
}

// OutputConfig configures CLI output
type OutputConfig struct {
	Format string `json:"format" yaml:"format" toml:"format" mapstructure:"format"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: CurrentVersion,
		Nilfs: NilfsConfig{
			Lscp:      "lscp",
			Mkcp:      "mkcp",
			Chcp:      "chcp",
			TimeoutMs: 5000,
			Location:  "Local",
		},
		Mounts: MountsConfig{
			Table:  "/proc/self/mounts",
			FSType: "nilfs2",
		},
		History: HistoryConfig{
			PageSize: 50,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     slogutil.FormatText,
			MaxSize:    "10MiB",
			MaxBackups: 3,
		},
		Daemon: DaemonConfig{
			CheckInterval:        "1m",
			JournalRetentionDays: 90,
		},
		Output: OutputConfig{
			Format: "auto",
		},
	}
}

// EnvOverride records an environment variable that changed a setting
type EnvOverride struct {
	Var   string
	Key   string
	Value string
}

// LoadResult describes where the configuration came from
type LoadResult struct {
	Config       *Config
	ConfigPath   string
	UsedDefaults bool
	EnvOverrides []EnvOverride
}

// Load loads configuration; see LoadWithDetails
func Load(explicitPath string) (*Config, error) {
	result, err := LoadWithDetails(explicitPath)
	if err != nil {
		return nil, err
	}
	return result.Config, nil
}

// LoadWithDetails reads the config file and applies environment overrides.
//
// The file is explicitPath if set, else $TIMEBROWSE_CONFIG, else the first
// config.toml found in the user config directory and /etc/timebrowse. A
// missing search-path file is not an error; a missing explicit file is.
func LoadWithDetails(explicitPath string) (*LoadResult, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := setDefaults(v); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitPath == "" {
		explicitPath = os.Getenv(ConfigPathEnvVar)
	}
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		v.SetConfigName("config")
		if dir, err := paths.ConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(SystemConfigDir)
	}

	result := &LoadResult{}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, tberrors.New(tberrors.ConfigInvalid, "failed to read config file", err).
				WithDetails(map[string]interface{}{"path": explicitPath})
		}
		result.UsedDefaults = true
	} else {
		result.ConfigPath = v.ConfigFileUsed()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, tberrors.New(tberrors.ConfigInvalid, "failed to decode configuration", err)
	}
	result.Config = &cfg

	for _, key := range v.AllKeys() {
		name := envName(key)
		if value, ok := os.LookupEnv(name); ok {
			result.EnvOverrides = append(result.EnvOverrides, EnvOverride{Var: name, Key: key, Value: value})
		}
	}
	sort.Slice(result.EnvOverrides, func(i, j int) bool {
		return result.EnvOverrides[i].Var < result.EnvOverrides[j].Var
	})

	return result, nil
}

// setDefaults registers every key of DefaultConfig so that AutomaticEnv can
// override keys the file does not mention.
func setDefaults(v *viper.Viper) error {
	data, err := toml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	var tree map[string]interface{}
	if err := toml.Unmarshal(data, &tree); err != nil {
		return err
	}
	for key, value := range flatten("", tree) {
		v.SetDefault(key, value)
	}
	return nil
}

func flatten(prefix string, tree map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]interface{}); ok {
			for sk, sv := range flatten(key, sub) {
				out[sk] = sv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// GetSupportedEnvVars lists every environment variable that overrides a setting
func GetSupportedEnvVars() []string {
	data, _ := toml.Marshal(DefaultConfig())
	var tree map[string]interface{}
	_ = toml.Unmarshal(data, &tree)

	vars := []string{ConfigPathEnvVar, paths.HomeEnvVar}
	for key := range flatten("", tree) {
		vars = append(vars, envName(key))
	}
	sort.Strings(vars)
	return vars
}

// DefaultPath is where Save writes when no path is given
func DefaultPath() (string, error) {
	dir, err := paths.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Marshal encodes the configuration as TOML
func (c *Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}

// Save writes the configuration to path as TOML
func (c *Config) Save(path string) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	invalid := func(field, format string, args ...interface{}) error {
		cerr := &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
		return tberrors.New(tberrors.ConfigInvalid, cerr.Error(), cerr).
			WithDetails(map[string]interface{}{"field": field})
	}

	if c.Version != CurrentVersion {
		return invalid("version", "unsupported config version %d", c.Version)
	}
	if c.Nilfs.TimeoutMs <= 0 {
		return invalid("nilfs.timeout_ms", "must be positive")
	}
	if _, err := c.Location(); err != nil {
		return invalid("nilfs.location", "%v", err)
	}
	if c.Mounts.Table == "" {
		return invalid("mounts.table", "must not be empty")
	}
	if c.History.PageSize <= 0 {
		return invalid("history.page_size", "must be positive")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error", "silent", "off":
	default:
		return invalid("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case slogutil.FormatText, slogutil.FormatJSON:
	default:
		return invalid("logging.format", "unknown format %q", c.Logging.Format)
	}
	if c.Logging.MaxSize != "" {
		if slogutil.ParseSize(c.Logging.MaxSize) <= 0 {
			return invalid("logging.max_size", "invalid size %q", c.Logging.MaxSize)
		}
	}
	if c.Logging.MaxBackups < 0 {
		return invalid("logging.max_backups", "must not be negative")
	}
	if d, err := time.ParseDuration(c.Daemon.CheckInterval); err != nil || d < time.Second {
		return invalid("daemon.check_interval", "must be a duration of at least 1s, got %q", c.Daemon.CheckInterval)
	}
	if c.Daemon.JournalRetentionDays < 0 {
		return invalid("daemon.journal_retention_days", "must not be negative")
	}
	switch c.Output.Format {
	case "auto", "human", "json", "yaml":
	default:
		return invalid("output.format", "unknown format %q", c.Output.Format)
	}
	return nil
}

// CommandTimeout returns the nilfs-utils command timeout
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Nilfs.TimeoutMs) * time.Millisecond
}

// Location resolves the lscp time zone
func (c *Config) Location() (*time.Location, error) {
	switch c.Nilfs.Location {
	case "", "Local", "local":
		return time.Local, nil
	}
	return time.LoadLocation(c.Nilfs.Location)
}

// CheckInterval returns the daemon's due-schedule check interval
func (c *Config) CheckInterval() time.Duration {
	d, err := time.ParseDuration(c.Daemon.CheckInterval)
	if err != nil {
		return time.Minute
	}
	return d
}

// JournalRetention returns how long journal entries are kept, zero for ever
func (c *Config) JournalRetention() time.Duration {
	return time.Duration(c.Daemon.JournalRetentionDays) * 24 * time.Hour
}

// DataDir returns the configured data directory or the default one
func (c *Config) DataDir() (string, error) {
	if c.Daemon.DataDir != "" {
		return c.Daemon.DataDir, nil
	}
	return paths.DataDir()
}

// PolicyFile returns the configured policy file or policies.toml in the
// config directory
func (c *Config) PolicyFile() (string, error) {
	if c.Daemon.PolicyFile != "" {
		return c.Daemon.PolicyFile, nil
	}
	dir, err := paths.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "policies.toml"), nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}
