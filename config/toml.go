package config

import (
	"bytes"
	"path/filepath"
	"text/template"

	tmos "github.com/tendermint/tendermint/libs/os"
)

// DefaultDirPerm is the default permissions used when creating directories.
const DefaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	if configTemplate, err = template.New("configFileTemplate").Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

// EnsureRoot creates the root, config, and data directories if they don't exist,
// and writes a default config file if none is present.
func EnsureRoot(rootDir string) {
	if err := tmos.EnsureDir(rootDir, DefaultDirPerm); err != nil {
		panic(err.Error())
	}
	if err := tmos.EnsureDir(filepath.Join(rootDir, defaultConfigDir), DefaultDirPerm); err != nil {
		panic(err.Error())
	}
	if err := tmos.EnsureDir(filepath.Join(rootDir, defaultDataDir), DefaultDirPerm); err != nil {
		panic(err.Error())
	}

	configFilePath := filepath.Join(rootDir, defaultConfigFilePath)

	// Write default config file if missing.
	if !tmos.FileExists(configFilePath) {
		WriteConfigFile(configFilePath, DefaultConfig())
	}
}

// WriteConfigFile renders config using the template and writes it to
// configFilePath.
func WriteConfigFile(configFilePath string, config *Config) {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, config); err != nil {
		panic(err)
	}

	tmos.MustWriteFile(configFilePath, buffer.Bytes(), 0644)
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# Id of this node within the cluster, 0..nodes-1
node_id = {{ .BaseConfig.NodeID }}

# live: one node over websockets; offline: an in-process cluster
mode = "{{ .BaseConfig.Mode }}"

# Output level for logging, including package level options
log_level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log_format = "{{ .BaseConfig.LogFormat }}"

# Path to the BLS key of this node
priv_validator_key_file = "{{ js .BaseConfig.PrivValidatorKey }}"

# Seed all validator keys of the cluster are derived from
key_seed = {{ .BaseConfig.KeySeed }}

#######################################################################
###                 Advanced Configuration Options                  ###
#######################################################################

[consensus]

# pbft, no_consensus, simple_majority, gossip, eventual, quorumless, flexible_paxos
strategy = "{{ .Consensus.Strategy }}"

nodes = {{ .Consensus.Nodes }}
view = {{ .Consensus.View }}

timeout = "{{ .Consensus.Timeout }}"
timeout_sweep = "{{ .Consensus.TimeoutSweep }}"
window = {{ .Consensus.Window }}
max_block_txs = {{ .Consensus.MaxBlockTxs }}
block_interval = "{{ .Consensus.BlockInterval }}"
sign_messages = {{ .Consensus.SignMessages }}
queue_size = {{ .Consensus.QueueSize }}

gossip_fanout = {{ .Consensus.GossipFanout }}
gossip_rounds = {{ .Consensus.GossipRounds }}
gossip_seed = {{ .Consensus.GossipSeed }}

eventual_min_confirmations = {{ .Consensus.EventualMinConfirmations }}

fpaxos_q1 = {{ .Consensus.FPaxosQ1 }}
fpaxos_q2 = {{ .Consensus.FPaxosQ2 }}

[mempool]

size = {{ .Mempool.Size }}
cache_size = {{ .Mempool.CacheSize }}

[ledger]

# goleveldb, memdb or sqlite
backend = "{{ .Ledger.Backend }}"
dir = "{{ js .Ledger.Dir }}"

[etl]

# mock or live
source = "{{ .ETL.Source }}"
seed = {{ .ETL.Seed }}
batch_size = {{ .ETL.BatchSize }}
malformed_every = {{ .ETL.MalformedEvery }}
live_url = "{{ .ETL.LiveURL }}"
max_retries = {{ .ETL.MaxRetries }}
request_timeout = "{{ .ETL.RequestTimeout }}"
min_price = {{ .ETL.MinPrice }}
max_price = {{ .ETL.MaxPrice }}
max_timestamp_drift = "{{ .ETL.MaxDrift }}"
dedup_window = "{{ .ETL.DedupWindow }}"
max_asset_length = {{ .ETL.MaxAssetLength }}

[rpc]

laddr = "{{ .RPC.ListenAddress }}"

# Comma separated list of id@host:port
peers = "{{ .RPC.Peers }}"

max_body_bytes = {{ .RPC.MaxBodyBytes }}

[harness]

seed = {{ .Harness.Seed }}
blocks = {{ .Harness.Blocks }}
txs_per_block = {{ .Harness.TxsPerBlock }}
hop = "{{ .Harness.Hop }}"
strategies = "{{ .Harness.Strategies }}"
byzantine = "{{ .Harness.Byzantine }}"
crashed = "{{ .Harness.Crashed }}"
`
