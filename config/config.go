package config

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"

	// DefaultLogLevel defines a default log level as INFO.
	DefaultLogLevel = "info"

	ModeLive    = "live"
	ModeOffline = "offline"

	BackendGoLevelDB = "goleveldb"
	BackendMemDB     = "memdb"
	BackendSQLite    = "sqlite"

	SourceMock = "mock"
	SourceLive = "live"
)

var (
	DefaultHomeDir   = ".marketbft"
	defaultConfigDir = "config"
	defaultDataDir   = "data"

	defaultConfigFileName  = "config.toml"
	defaultPrivValKeyName  = "priv_validator_key.json"
	defaultConfigFilePath  = filepath.Join(defaultConfigDir, defaultConfigFileName)
	defaultPrivValKeyPath  = filepath.Join(defaultConfigDir, defaultPrivValKeyName)
	defaultLedgerDirectory = filepath.Join(defaultDataDir, "ledger")
)

// Config defines the top level configuration for a marketbft node
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Consensus *ConsensusConfig `mapstructure:"consensus"`
	Mempool   *MempoolConfig   `mapstructure:"mempool"`
	Ledger    *LedgerConfig    `mapstructure:"ledger"`
	ETL       *ETLConfig       `mapstructure:"etl"`
	RPC       *RPCConfig       `mapstructure:"rpc"`
	Harness   *HarnessConfig   `mapstructure:"harness"`
}

// DefaultConfig returns a default configuration for a marketbft node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig: DefaultBaseConfig(),
		Consensus:  DefaultConsensusConfig(),
		Mempool:    DefaultMempoolConfig(),
		Ledger:     DefaultLedgerConfig(),
		ETL:        DefaultETLConfig(),
		RPC:        DefaultRPCConfig(),
		Harness:    DefaultHarnessConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig: TestBaseConfig(),
		Consensus:  TestConsensusConfig(),
		Mempool:    DefaultMempoolConfig(),
		Ledger:     TestLedgerConfig(),
		ETL:        DefaultETLConfig(),
		RPC:        TestRPCConfig(),
		Harness:    TestHarnessConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	cfg.Ledger.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Consensus.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [consensus] section")
	}
	if cfg.NodeID >= cfg.Consensus.Nodes {
		return errors.Errorf("node_id %d out of range for %d nodes", cfg.NodeID, cfg.Consensus.Nodes)
	}
	if err := cfg.Mempool.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [mempool] section")
	}
	if err := cfg.Ledger.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [ledger] section")
	}
	if err := cfg.ETL.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [etl] section")
	}
	if err := cfg.RPC.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [rpc] section")
	}
	if err := cfg.Harness.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [harness] section")
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a marketbft node
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// Id of this node within the cluster, 0..n-1
	NodeID int `mapstructure:"node_id"`

	// live: one node over websockets; offline: an in-process cluster on the bus
	Mode string `mapstructure:"mode"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log_format"`

	// Path to the BLS key of this node
	PrivValidatorKey string `mapstructure:"priv_validator_key_file"`

	// Seed the BLS keys of all nodes are derived from
	KeySeed int64 `mapstructure:"key_seed"`
}

// DefaultBaseConfig returns a default base configuration for a marketbft node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		NodeID:           0,
		Mode:             ModeOffline,
		LogLevel:         DefaultLogLevel,
		LogFormat:        LogFormatPlain,
		PrivValidatorKey: defaultPrivValKeyPath,
		KeySeed:          1,
	}
}

// TestBaseConfig returns a base configuration for testing a marketbft node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.LogLevel = "debug"
	return cfg
}

// PrivValidatorKeyFile returns the full path to the priv_validator_key.json file
func (cfg BaseConfig) PrivValidatorKeyFile() string {
	return rootify(cfg.PrivValidatorKey, cfg.RootDir)
}

// ConfigFile returns the full path to the config.toml file
func (cfg BaseConfig) ConfigFile() string {
	return rootify(defaultConfigFilePath, cfg.RootDir)
}

func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log_format (must be 'plain' or 'json')")
	}
	switch cfg.Mode {
	case ModeLive, ModeOffline:
	default:
		return errors.Errorf("unknown mode %q (must be 'live' or 'offline')", cfg.Mode)
	}
	if cfg.NodeID < 0 {
		return errors.New("node_id can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// ConsensusConfig

// ConsensusConfig defines the configuration for the consensus strategy of a
// node, including the strategy specific parameters.
type ConsensusConfig struct {
	// pbft, no_consensus, simple_majority, gossip, eventual, quorumless, flexible_paxos
	Strategy string `mapstructure:"strategy"`

	// Number of nodes in the cluster
	Nodes int `mapstructure:"nodes"`

	// Static view, the primary is view mod nodes
	View int64 `mapstructure:"view"`

	// A sequence that is not committed within Timeout is abandoned
	Timeout time.Duration `mapstructure:"timeout"`

	// Interval of the timeout sweep, 0 disables the ticker
	TimeoutSweep time.Duration `mapstructure:"timeout_sweep"`

	// Max distance between the highest proposed and the highest committed sequence
	Window int `mapstructure:"window"`

	// Max txs drained into one block
	MaxBlockTxs int `mapstructure:"max_block_txs"`

	// Proposal interval of a live primary
	BlockInterval time.Duration `mapstructure:"block_interval"`

	// Sign outbound messages and verify inbound ones with BLS keys
	SignMessages bool `mapstructure:"sign_messages"`

	// Capacity of the peer message queue
	QueueSize int `mapstructure:"queue_size"`

	GossipFanout int   `mapstructure:"gossip_fanout"`
	GossipRounds int   `mapstructure:"gossip_rounds"`
	GossipSeed   int64 `mapstructure:"gossip_seed"`

	EventualMinConfirmations int `mapstructure:"eventual_min_confirmations"`

	// Flexible Paxos phase 1 and phase 2 quorums, 0 derives them from nodes
	FPaxosQ1 int `mapstructure:"fpaxos_q1"`
	FPaxosQ2 int `mapstructure:"fpaxos_q2"`
}

// DefaultConsensusConfig returns a default configuration for the consensus service
func DefaultConsensusConfig() *ConsensusConfig {
	return &ConsensusConfig{
		Strategy:                 "pbft",
		Nodes:                    4,
		View:                     0,
		Timeout:                  5 * time.Second,
		TimeoutSweep:             500 * time.Millisecond,
		Window:                   4,
		MaxBlockTxs:              100,
		BlockInterval:            2 * time.Second,
		SignMessages:             true,
		QueueSize:                1024,
		GossipFanout:             2,
		GossipRounds:             3,
		GossipSeed:               1,
		EventualMinConfirmations: 2,
		FPaxosQ1:                 0,
		FPaxosQ2:                 0,
	}
}

// TestConsensusConfig returns a configuration for testing the consensus service
func TestConsensusConfig() *ConsensusConfig {
	cfg := DefaultConsensusConfig()
	cfg.Timeout = 2 * time.Second
	cfg.TimeoutSweep = 0
	cfg.Window = 1
	cfg.BlockInterval = 10 * time.Millisecond
	cfg.SignMessages = false
	cfg.QueueSize = 256
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *ConsensusConfig) ValidateBasic() error {
	if cfg.Strategy == "" {
		return errors.New("strategy can't be empty")
	}
	if cfg.Nodes < 1 {
		return errors.New("nodes must be at least 1")
	}
	if cfg.View < 0 {
		return errors.New("view can't be negative")
	}
	if cfg.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if cfg.TimeoutSweep < 0 {
		return errors.New("timeout_sweep can't be negative")
	}
	if cfg.Window < 1 {
		return errors.New("window must be at least 1")
	}
	if cfg.MaxBlockTxs < 0 {
		return errors.New("max_block_txs can't be negative")
	}
	if cfg.BlockInterval <= 0 {
		return errors.New("block_interval must be positive")
	}
	if cfg.QueueSize < 1 {
		return errors.New("queue_size must be at least 1")
	}
	if cfg.GossipFanout < 1 || cfg.GossipRounds < 1 {
		return errors.New("gossip_fanout and gossip_rounds must be at least 1")
	}
	if cfg.EventualMinConfirmations < 0 {
		return errors.New("eventual_min_confirmations can't be negative")
	}
	if cfg.FPaxosQ1 < 0 || cfg.FPaxosQ2 < 0 {
		return errors.New("fpaxos_q1 and fpaxos_q2 can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// MempoolConfig

// MempoolConfig defines the configuration options for the mempool
type MempoolConfig struct {
	// Max number of queued txs, 0 is unbounded
	Size int `mapstructure:"size"`
	// Size of the seen-tx cache, 0 disables it
	CacheSize int `mapstructure:"cache_size"`
}

// DefaultMempoolConfig returns a default configuration for the mempool
func DefaultMempoolConfig() *MempoolConfig {
	return &MempoolConfig{
		Size:      5000,
		CacheSize: 10000,
	}
}

func (cfg *MempoolConfig) ValidateBasic() error {
	if cfg.Size < 0 {
		return errors.New("size can't be negative")
	}
	if cfg.CacheSize < 0 {
		return errors.New("cache_size can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// LedgerConfig

// LedgerConfig selects the ledger store backend.
type LedgerConfig struct {
	RootDir string `mapstructure:"home"`

	// goleveldb, memdb or sqlite
	Backend string `mapstructure:"backend"`

	// Directory of the ledger files, relative to home
	Dir string `mapstructure:"dir"`
}

func DefaultLedgerConfig() *LedgerConfig {
	return &LedgerConfig{
		Backend: BackendGoLevelDB,
		Dir:     defaultLedgerDirectory,
	}
}

func TestLedgerConfig() *LedgerConfig {
	cfg := DefaultLedgerConfig()
	cfg.Backend = BackendMemDB
	return cfg
}

// LedgerDir returns the full path to the ledger directory
func (cfg *LedgerConfig) LedgerDir() string {
	return rootify(cfg.Dir, cfg.RootDir)
}

func (cfg *LedgerConfig) ValidateBasic() error {
	switch cfg.Backend {
	case BackendGoLevelDB, BackendMemDB, BackendSQLite:
		return nil
	default:
		return errors.Errorf("unknown backend %q", cfg.Backend)
	}
}

//-----------------------------------------------------------------------------
// ETLConfig

// ETLConfig configures transaction intake.
type ETLConfig struct {
	// mock or live
	Source string `mapstructure:"source"`

	// Seed of the mock source
	Seed int64 `mapstructure:"seed"`

	// Max events pulled per extraction
	BatchSize int `mapstructure:"batch_size"`

	// Every n-th mock event is malformed, 0 disables
	MalformedEvery int `mapstructure:"malformed_every"`

	LiveURL        string        `mapstructure:"live_url"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	MinPrice       float64       `mapstructure:"min_price"`
	MaxPrice       float64       `mapstructure:"max_price"`
	MaxDrift       time.Duration `mapstructure:"max_timestamp_drift"`
	DedupWindow    time.Duration `mapstructure:"dedup_window"`
	MaxAssetLength int           `mapstructure:"max_asset_length"`
}

func DefaultETLConfig() *ETLConfig {
	return &ETLConfig{
		Source:         SourceMock,
		Seed:           42,
		BatchSize:      10,
		MalformedEvery: 0,
		LiveURL:        "https://api.coingecko.com/api/v3/simple/price?ids=bitcoin,ethereum&vs_currencies=usd",
		MaxRetries:     3,
		RequestTimeout: 10 * time.Second,
		MinPrice:       0,
		MaxPrice:       1000000,
		MaxDrift:       time.Hour,
		DedupWindow:    60 * time.Second,
		MaxAssetLength: 10,
	}
}

func (cfg *ETLConfig) ValidateBasic() error {
	switch cfg.Source {
	case SourceMock, SourceLive:
	default:
		return errors.Errorf("unknown source %q", cfg.Source)
	}
	if cfg.BatchSize < 1 {
		return errors.New("batch_size must be at least 1")
	}
	if cfg.MalformedEvery < 0 {
		return errors.New("malformed_every can't be negative")
	}
	if cfg.MaxRetries < 1 {
		return errors.New("max_retries must be at least 1")
	}
	if cfg.MinPrice > cfg.MaxPrice {
		return errors.New("min_price above max_price")
	}
	if cfg.MaxDrift <= 0 {
		return errors.New("max_timestamp_drift must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// RPCConfig

// RPCConfig defines the listen address of the node and its peers. The
// consensus websocket endpoint and the JSON-RPC read surface share it.
type RPCConfig struct {
	ListenAddress string `mapstructure:"laddr"`

	// Comma separated id@host:port list of the other nodes
	Peers string `mapstructure:"peers"`

	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

func DefaultRPCConfig() *RPCConfig {
	return &RPCConfig{
		ListenAddress: "127.0.0.1:26657",
		Peers:         "",
		MaxBodyBytes:  1000000,
	}
}

func TestRPCConfig() *RPCConfig {
	cfg := DefaultRPCConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	return cfg
}

// PeerAddrs parses Peers into a node id -> host:port map.
func (cfg *RPCConfig) PeerAddrs() (map[int]string, error) {
	peers := make(map[int]string)
	for _, p := range splitAndTrimEmpty(cfg.Peers, ",", " ") {
		parts := strings.SplitN(p, "@", 2)
		if len(parts) != 2 || parts[1] == "" {
			return nil, errors.Errorf("invalid peer %q, expected id@host:port", p)
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil || id < 0 {
			return nil, errors.Errorf("invalid peer id in %q", p)
		}
		if _, ok := peers[id]; ok {
			return nil, errors.Errorf("duplicate peer id %d", id)
		}
		peers[id] = parts[1]
	}
	return peers, nil
}

func (cfg *RPCConfig) ValidateBasic() error {
	if cfg.MaxBodyBytes < 0 {
		return errors.New("max_body_bytes can't be negative")
	}
	_, err := cfg.PeerAddrs()
	return err
}

//-----------------------------------------------------------------------------
// HarnessConfig

// HarnessConfig configures the strategy comparison run.
type HarnessConfig struct {
	Seed        int64 `mapstructure:"seed"`
	Blocks      int   `mapstructure:"blocks"`
	TxsPerBlock int   `mapstructure:"txs_per_block"`

	// Logical time charged per delivered message
	Hop time.Duration `mapstructure:"hop"`

	// Comma separated strategy list, "all" runs every strategy
	Strategies string `mapstructure:"strategies"`

	// Comma separated ids of equivocating nodes
	Byzantine string `mapstructure:"byzantine"`

	// Comma separated ids of crashed nodes
	Crashed string `mapstructure:"crashed"`
}

func DefaultHarnessConfig() *HarnessConfig {
	return &HarnessConfig{
		Seed:        42,
		Blocks:      20,
		TxsPerBlock: 3,
		Hop:         time.Millisecond,
		Strategies:  "all",
	}
}

func TestHarnessConfig() *HarnessConfig {
	cfg := DefaultHarnessConfig()
	cfg.Blocks = 5
	return cfg
}

// StrategyNames returns the configured strategy names, nil meaning all.
func (cfg *HarnessConfig) StrategyNames() []string {
	names := splitAndTrimEmpty(cfg.Strategies, ",", " ")
	if len(names) == 1 && names[0] == "all" {
		return nil
	}
	return names
}

func (cfg *HarnessConfig) ByzantineIDs() ([]int, error) {
	return parseIDs(cfg.Byzantine)
}

func (cfg *HarnessConfig) CrashedIDs() ([]int, error) {
	return parseIDs(cfg.Crashed)
}

func (cfg *HarnessConfig) ValidateBasic() error {
	if cfg.Blocks < 1 {
		return errors.New("blocks must be at least 1")
	}
	if cfg.TxsPerBlock < 0 {
		return errors.New("txs_per_block can't be negative")
	}
	if cfg.Hop <= 0 {
		return errors.New("hop must be positive")
	}
	if _, err := cfg.ByzantineIDs(); err != nil {
		return err
	}
	_, err := cfg.CrashedIDs()
	return err
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

func parseIDs(s string) ([]int, error) {
	var ids []int
	for _, part := range splitAndTrimEmpty(s, ",", " ") {
		id, err := strconv.Atoi(part)
		if err != nil || id < 0 {
			return nil, errors.Errorf("invalid node id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// splitAndTrimEmpty slices s into all subslices separated by sep and returns a
// slice of the string s with all leading and trailing Unicode code points
// contained in cutset removed. Empty strings are filtered out.
func splitAndTrimEmpty(s, sep, cutset string) []string {
	if s == "" {
		return []string{}
	}

	spl := strings.Split(s, sep)
	nonEmptyStrings := make([]string, 0, len(spl))
	for i := 0; i < len(spl); i++ {
		element := strings.Trim(spl[i], cutset)
		if element != "" {
			nonEmptyStrings = append(nonEmptyStrings, element)
		}
	}
	return nonEmptyStrings
}
