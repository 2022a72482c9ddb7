package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	assert := assert.New(t)

	cfg := DefaultConfig()
	assert.NotNil(cfg.Consensus)
	assert.NotNil(cfg.Ledger)
	assert.NoError(cfg.ValidateBasic())

	cfg.SetRoot("/foo")
	assert.Equal("/foo/config/priv_validator_key.json", cfg.PrivValidatorKeyFile())
	assert.Equal("/foo/data/ledger", cfg.Ledger.LedgerDir())
	assert.Equal("/foo/config/config.toml", cfg.ConfigFile())

	cfg.Ledger.Dir = "/opt/ledger"
	assert.Equal("/opt/ledger", cfg.Ledger.LedgerDir())
}

func TestTestConfig(t *testing.T) {
	cfg := TestConfig()
	require.NoError(t, cfg.ValidateBasic())
	assert.Equal(t, BackendMemDB, cfg.Ledger.Backend)
	assert.Equal(t, time.Duration(0), cfg.Consensus.TimeoutSweep)
	assert.True(t, cfg.Mempool.CacheSize > 0)
}

func TestConfigValidateBasic(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"bad mode", func(c *Config) { c.Mode = "cloud" }, "mode"},
		{"node id out of range", func(c *Config) { c.NodeID = 4 }, "out of range"},
		{"no nodes", func(c *Config) { c.Consensus.Nodes = 0 }, "[consensus]"},
		{"zero window", func(c *Config) { c.Consensus.Window = 0 }, "window"},
		{"zero timeout", func(c *Config) { c.Consensus.Timeout = 0 }, "timeout"},
		{"negative mempool", func(c *Config) { c.Mempool.Size = -1 }, "[mempool]"},
		{"unknown backend", func(c *Config) { c.Ledger.Backend = "bolt" }, "[ledger]"},
		{"unknown source", func(c *Config) { c.ETL.Source = "kafka" }, "[etl]"},
		{"price bounds", func(c *Config) { c.ETL.MinPrice = 10; c.ETL.MaxPrice = 1 }, "min_price"},
		{"bad peer", func(c *Config) { c.RPC.Peers = "1@" }, "[rpc]"},
		{"bad byzantine id", func(c *Config) { c.Harness.Byzantine = "x" }, "[harness]"},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.ValidateBasic()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestRPCConfigPeerAddrs(t *testing.T) {
	cfg := DefaultRPCConfig()
	cfg.Peers = " 1@127.0.0.1:26001, 2@127.0.0.1:26002,,"
	peers, err := cfg.PeerAddrs()
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "127.0.0.1:26001", 2: "127.0.0.1:26002"}, peers)

	cfg.Peers = "1@a:1,1@b:2"
	_, err = cfg.PeerAddrs()
	assert.Error(t, err)

	cfg.Peers = ""
	peers, err = cfg.PeerAddrs()
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestHarnessConfigLists(t *testing.T) {
	cfg := DefaultHarnessConfig()
	assert.Nil(t, cfg.StrategyNames())

	cfg.Strategies = "pbft, gossip"
	assert.Equal(t, []string{"pbft", "gossip"}, cfg.StrategyNames())

	cfg.Byzantine = "3"
	ids, err := cfg.ByzantineIDs()
	require.NoError(t, err)
	assert.Equal(t, []int{3}, ids)

	ids, err = cfg.CrashedIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestEnsureRoot(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "config-test")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	EnsureRoot(tmpDir)

	data, err := os.ReadFile(filepath.Join(tmpDir, defaultConfigFilePath))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `strategy = "pbft"`))
	assert.True(t, strings.Contains(string(data), "[ledger]"))

	_, err = os.Stat(filepath.Join(tmpDir, defaultDataDir))
	assert.NoError(t, err)
}
