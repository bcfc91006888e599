package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	pkgerrors "github.com/pkg/errors"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatText is a format for plain text without colors
	LogFormatText = "text"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
// NOTE: libs/cli must know to look in the config dir!
var (
	DefaultDiffsyncDir = ".diffsync"
	defaultConfigDir   = "config"
	defaultDataDir     = "data"

	defaultConfigFileName = "config.toml"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
)

// Config defines the top level configuration for a diffsync node
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Sync            *SyncConfig            `mapstructure:"sync"`
	Source          *SourceConfig          `mapstructure:"source"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a diffsync node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Sync:            DefaultSyncConfig(),
		Source:          DefaultSourceConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Sync:            TestSyncConfig(),
		Source:          TestSourceConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Sync.ValidateBasic(); err != nil {
		return pkgerrors.Wrap(err, "Error in [sync] section")
	}
	if err := cfg.Source.ValidateBasic(); err != nil {
		return pkgerrors.Wrap(err, "Error in [source] section")
	}
	return pkgerrors.Wrap(
		cfg.Instrumentation.ValidateBasic(),
		"Error in [instrumentation] section",
	)
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a diffsync node
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// Database backend: goleveldb | cleveldb | boltdb | rocksdb | badgerdb | memdb
	// * goleveldb (github.com/syndtr/goleveldb - most popular implementation)
	//   - pure go
	//   - stable
	// * memdb
	//   - nothing survives a restart, for tests and dry runs
	// The other backends require the matching build tag of tm-db.
	DBBackend string `mapstructure:"db_backend"`

	// Database directory
	DBPath string `mapstructure:"db_dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// Output format: 'plain' (colored text), 'text' or 'json'
	LogFormat string `mapstructure:"log_format"`
}

// DefaultBaseConfig returns a default base configuration for a diffsync node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Moniker:   defaultMoniker,
		LogLevel:  DefaultLogLevel,
		LogFormat: LogFormatPlain,
		DBBackend: "goleveldb",
		DBPath:    defaultDataDir,
	}
}

// TestBaseConfig returns a base configuration for testing a diffsync node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.DBBackend = "memdb"
	return cfg
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatText, LogFormatJSON:
	default:
		return errors.New("unknown log_format (must be 'plain', 'text' or 'json')")
	}
	switch cfg.LogLevel {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
	default:
		return fmt.Errorf("unknown log_level %q", cfg.LogLevel)
	}
	if cfg.DBBackend == "" {
		return errors.New("db_backend can't be empty")
	}
	return nil
}

// DefaultLogLevel is the log level a node starts with.
const DefaultLogLevel = "info"

//-----------------------------------------------------------------------------
// SyncConfig

// SyncConfig defines the configuration of the sync pipelines.
type SyncConfig struct {
	// How long to wait before polling again once local storage has caught up
	// with the chain.
	BlockPropagationSleepDuration time.Duration `mapstructure:"block_propagation_sleep_duration"`

	// How long to wait before retrying after a recoverable error, or after
	// noticing that upstream moved to another fork.
	RecoverableErrorSleepDuration time.Duration `mapstructure:"recoverable_error_sleep_duration"`

	// Capacity of the channel between a sync loop and its committer. The loop
	// blocks once this many items wait to be committed.
	EventBufferSize int `mapstructure:"event_buffer_size"`

	// The state diff pipeline gives up once the same block has been skipped
	// this many times in a row because it did not fit storage.
	// 0 - never give up.
	MaxStructuralSkips int `mapstructure:"max_structural_skips"`
}

// DefaultSyncConfig returns a default configuration for the sync pipelines
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		BlockPropagationSleepDuration: 10 * time.Second,
		RecoverableErrorSleepDuration: 3 * time.Second,
		EventBufferSize:               100,
		MaxStructuralSkips:            0,
	}
}

// TestSyncConfig returns a configuration for the sync pipelines with short
// sleeps.
func TestSyncConfig() *SyncConfig {
	return &SyncConfig{
		BlockPropagationSleepDuration: 10 * time.Millisecond,
		RecoverableErrorSleepDuration: 10 * time.Millisecond,
		EventBufferSize:               4,
		MaxStructuralSkips:            0,
	}
}

// ValidateBasic performs basic validation.
func (cfg *SyncConfig) ValidateBasic() error {
	if cfg.BlockPropagationSleepDuration <= 0 {
		return errors.New("block_propagation_sleep_duration must be positive")
	}
	if cfg.RecoverableErrorSleepDuration <= 0 {
		return errors.New("recoverable_error_sleep_duration must be positive")
	}
	if cfg.EventBufferSize <= 0 {
		return errors.New("event_buffer_size must be positive")
	}
	if cfg.MaxStructuralSkips < 0 {
		return errors.New("max_structural_skips can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// SourceConfig

// SourceConfig defines where chain data is downloaded from.
type SourceConfig struct {
	// Base URL of the feeder gateway.
	URL string `mapstructure:"url"`

	// Maximum number of requests in flight per stream.
	ConcurrentRequests int `mapstructure:"concurrent_requests"`

	// Deadline of a single request.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DefaultSourceConfig returns a default configuration for the upstream source
func DefaultSourceConfig() *SourceConfig {
	return &SourceConfig{
		URL:                "https://alpha-mainnet.starknet.io",
		ConcurrentRequests: 10,
		RequestTimeout:     30 * time.Second,
	}
}

// TestSourceConfig returns a configuration for the upstream source pointing
// at a local gateway.
func TestSourceConfig() *SourceConfig {
	cfg := DefaultSourceConfig()
	cfg.URL = "http://127.0.0.1:9545"
	cfg.RequestTimeout = time.Second
	return cfg
}

// ValidateBasic performs basic validation.
func (cfg *SourceConfig) ValidateBasic() error {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return pkgerrors.Wrap(err, "invalid url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must be http or https, got %q", cfg.URL)
	}
	if cfg.ConcurrentRequests <= 0 {
		return errors.New("concurrent_requests must be positive")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	// Check out the documentation for the list of available metrics.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus_listen_addr"`

	// Maximum number of simultaneous connections to the Prometheus server.
	// 0 - unlimited.
	MaxOpenConnections int `mapstructure:"max_open_connections"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		MaxOpenConnections:   3,
		Namespace:            "diffsync",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus_listen_addr can't be empty when prometheus is enabled")
	}
	if cfg.MaxOpenConnections < 0 {
		return errors.New("max_open_connections can't be negative")
	}
	if cfg.Namespace == "" {
		return errors.New("namespace can't be empty")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

//-----------------------------------------------------------------------------
// Moniker

var defaultMoniker = getDefaultMoniker()

// getDefaultMoniker returns a default moniker, which is the host name. If runtime
// fails to get the host name, "anonymous" will be returned.
func getDefaultMoniker() string {
	moniker, err := os.Hostname()
	if err != nil {
		moniker = "anonymous"
	}
	return moniker
}
