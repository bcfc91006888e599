package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	assert := assert.New(t)

	// set up some defaults
	cfg := DefaultConfig()
	assert.NotNil(cfg.Sync)
	assert.NotNil(cfg.Source)
	assert.NotNil(cfg.Instrumentation)

	// check the root dir stuff...
	cfg.SetRoot("/foo")
	assert.Equal("/foo/data", cfg.DBDir())

	cfg.DBPath = "/opt/data"
	assert.Equal("/opt/data", cfg.DBDir())
}

func TestConfigValidateBasic(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.ValidateBasic())

	// tamper with the sleep duration
	cfg.Sync.BlockPropagationSleepDuration = -10 * time.Second
	err := cfg.ValidateBasic()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[sync]")
}

func TestBaseConfigValidateBasic(t *testing.T) {
	cfg := TestBaseConfig()
	assert.NoError(t, cfg.ValidateBasic())

	// tamper with log format
	cfg.LogFormat = "invalid"
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestBaseConfig()
	cfg.LogLevel = "loud"
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestBaseConfig()
	cfg.DBBackend = ""
	assert.Error(t, cfg.ValidateBasic())
}

func TestSyncConfigValidateBasic(t *testing.T) {
	cfg := TestSyncConfig()
	assert.NoError(t, cfg.ValidateBasic())

	fieldsToTest := []struct {
		name   string
		tamper func(*SyncConfig)
	}{
		{"block_propagation_sleep_duration", func(c *SyncConfig) { c.BlockPropagationSleepDuration = 0 }},
		{"recoverable_error_sleep_duration", func(c *SyncConfig) { c.RecoverableErrorSleepDuration = -time.Second }},
		{"event_buffer_size", func(c *SyncConfig) { c.EventBufferSize = 0 }},
		{"max_structural_skips", func(c *SyncConfig) { c.MaxStructuralSkips = -1 }},
	}

	for _, tc := range fieldsToTest {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := TestSyncConfig()
			tc.tamper(cfg)
			err := cfg.ValidateBasic()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.name)
		})
	}
}

func TestSourceConfigValidateBasic(t *testing.T) {
	cfg := TestSourceConfig()
	assert.NoError(t, cfg.ValidateBasic())

	testCases := []struct {
		name   string
		tamper func(*SourceConfig)
	}{
		{"no scheme", func(c *SourceConfig) { c.URL = "alpha-mainnet.starknet.io" }},
		{"bad scheme", func(c *SourceConfig) { c.URL = "ws://127.0.0.1:9545" }},
		{"unparsable", func(c *SourceConfig) { c.URL = "://" }},
		{"no concurrency", func(c *SourceConfig) { c.ConcurrentRequests = 0 }},
		{"no timeout", func(c *SourceConfig) { c.RequestTimeout = 0 }},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := TestSourceConfig()
			tc.tamper(cfg)
			assert.Error(t, cfg.ValidateBasic())
		})
	}
}

func TestInstrumentationConfigValidateBasic(t *testing.T) {
	cfg := TestInstrumentationConfig()
	assert.NoError(t, cfg.ValidateBasic())

	cfg.Prometheus = true
	cfg.PrometheusListenAddr = ""
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestInstrumentationConfig()
	cfg.Namespace = ""
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestInstrumentationConfig()
	cfg.MaxOpenConnections = -1
	assert.Error(t, cfg.ValidateBasic())

	cfg.MaxOpenConnections = 0
	assert.NoError(t, cfg.ValidateBasic())
}
